// Package server exposes the runtime over a small REST API: health and
// stats, handle and task introspection, journal queries and workload
// submission.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/me/godep/internal/config"
	"github.com/me/godep/internal/runtime"
)

// Server is the godep REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	runtime   *runtime.Runtime
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, rt *runtime.Runtime, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		runtime:   rt,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Get("/handles", s.handleListHandles)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/{id}/events", s.handleTaskEvents)
		})

		r.Get("/events", s.handleRecentEvents)

		r.Post("/workloads", s.handleSubmitWorkload)
	})
}

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// instrument stamps each request with an id and logs one line per request,
// carrying the dispatcher's load (in-flight and ready task counts) next to
// the usual method/path/status fields so request logs line up with what the
// engine was doing at the time.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := "req_" + uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", reqID)

		cw := &codeWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(cw, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))

		load := s.runtime.Stats()
		s.logger.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", cw.code,
			"duration", time.Since(start).String(),
			"inflight", load.Inflight,
			"ready", load.Ready,
		)
	})
}

// codeWriter captures the response status code for the request log.
type codeWriter struct {
	http.ResponseWriter
	code int
}

func (w *codeWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
