package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/godep/internal/config"
	"github.com/me/godep/internal/journal"
	"github.com/me/godep/internal/policy"
	"github.com/me/godep/internal/runtime"
	"github.com/me/godep/internal/server"
)

func main() {
	cfg := config.DefaultServerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (text, json)")
	flag.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "Journal path (default ~/.godep/journal.db, empty string ok)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker pool size")
	noJournal := flag.Bool("no-journal", false, "Disable the event journal")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")

	flag.Parse()

	if *debug {
		cfg.Log.Level = "debug"
	}

	logger := cfg.Log.Logger()

	// Open the journal unless disabled.
	var jr journal.Journal
	if !*noJournal {
		path := cfg.JournalPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
				os.Exit(1)
			}
			dir := filepath.Join(home, ".godep")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
				os.Exit(1)
			}
			path = filepath.Join(dir, "journal.db")
		}

		sj, err := journal.NewSQLiteJournal(path, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open journal: %v\n", err)
			os.Exit(1)
		}
		defer sj.Close()
		if err := sj.Migrate(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "migrate journal: %v\n", err)
			os.Exit(1)
		}
		logger.Info("journal ready", "path", path)
		jr = sj
	}

	rt := runtime.New(cfg.Workers, policy.NewFIFO(), jr, logger)
	srv := server.New(cfg, rt, logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.Start(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "workers", cfg.Workers)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Drain the runtime before closing the HTTP listener.
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Error("runtime drain incomplete", "error", err)
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
