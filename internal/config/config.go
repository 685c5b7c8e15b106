package config

import (
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// LogConfig selects the verbosity and output format of a logger.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

// Logger builds the slog.Logger described by the config. Output goes to
// stderr; stdout is reserved for program output.
func (c LogConfig) Logger() *slog.Logger {
	return c.LoggerTo(os.Stderr)
}

// LoggerTo builds the logger writing to w.
func (c LogConfig) LoggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.level()}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// level maps the configured name to a slog.Level; unrecognized values fall
// back to info.
func (c LogConfig) level() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ServerConfig holds configuration for the godep server.
type ServerConfig struct {
	Addr        string    // Listen address (default ":8080")
	Log         LogConfig // Logger verbosity and format
	JournalPath string    // SQLite journal path (default ~/.godep/journal.db, ":memory:" for testing)
	Workers     int       // Worker pool size (default: number of CPUs)
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:    ":8080",
		Log:     LogConfig{Level: "info", Format: "text"},
		Workers: runtime.NumCPU(),
	}
}
