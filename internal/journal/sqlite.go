package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteJournal opens (or creates) a SQLite database at dbPath. Use
// ":memory:" for an in-memory database (useful in tests).
func NewSQLiteJournal(dbPath string, logger *slog.Logger) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Events arrive from many worker goroutines; WAL keeps readers off
	// the writers' backs.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	return &SQLiteJournal{
		db:     db,
		logger: logger.With("component", "journal"),
	}, nil
}

// Close closes the underlying database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Migrate creates all required tables and indexes.
func (j *SQLiteJournal) Migrate(ctx context.Context) error {
	j.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, j.db)
}

// Record inserts one event. A zero At is stamped with the current time.
func (j *SQLiteJournal) Record(ctx context.Context, ev *Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO events (kind, ref_id, label, state, worker, at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.RefID, ev.Label, ev.State, ev.Worker, at.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// ListByRef returns all events for one task or handle, oldest first.
func (j *SQLiteJournal) ListByRef(ctx context.Context, refID string) ([]*Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, ref_id, label, state, worker, at FROM events WHERE ref_id = ? ORDER BY id`,
		refID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListRecent returns the newest events, newest first.
func (j *SQLiteJournal) ListRecent(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, ref_id, label, state, worker, at FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		var ev Event
		var kind, at string
		if err := rows.Scan(&ev.ID, &kind, &ev.RefID, &ev.Label, &ev.State, &ev.Worker, &at); err != nil {
			return nil, err
		}
		ev.Kind = Kind(kind)
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse event time %q: %w", at, err)
		}
		ev.At = ts
		out = append(out, &ev)
	}
	return out, rows.Err()
}
