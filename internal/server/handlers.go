package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/godep/internal/workload"
	"github.com/me/godep/pkg/model"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.runtime.Stats())
}

func (s *Server) handleListHandles(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.runtime.Handles())
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	tasks := s.runtime.Tasks()

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.State == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	respondOK(w, reqID, tasks)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	jr := s.runtime.Journal()
	if jr == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("journal", "enabled"))
		return
	}

	id := chi.URLParam(r, "id")
	events, err := jr.ListByRef(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if len(events) == 0 {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
		return
	}
	respondOK(w, reqID, events)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	jr := s.runtime.Journal()
	if jr == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("journal", "enabled"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := jr.ListRecent(r.Context(), limit)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	respondOK(w, reqID, events)
}

// handleSubmitWorkload accepts a YAML workload, validates it and runs it
// in the background under the server's policy. The workload's own policy
// block, if any, is ignored here; it only applies to CLI runs.
func (s *Server) handleSubmitWorkload(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("read body: "+err.Error()))
		return
	}

	wl, err := workload.Parse(body)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}
	if wl.Policy != nil {
		s.logger.Warn("workload policy ignored on server runs", "workload", wl.Name)
	}

	// The run outlives the request; don't tie it to the request context.
	go func() {
		if _, err := wl.Run(context.Background(), s.runtime, s.logger); err != nil {
			s.logger.Error("workload run failed", "workload", wl.Name, "error", err)
		}
	}()

	respondAccepted(w, reqID, map[string]any{
		"name":  wl.Name,
		"tasks": len(wl.Tasks),
	})
}
