package journal

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate creates the events table and its indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			kind   TEXT NOT NULL,
			ref_id TEXT NOT NULL,
			label  TEXT NOT NULL DEFAULT '',
			state  TEXT NOT NULL,
			worker INTEGER NOT NULL DEFAULT -1,
			at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ref ON events(ref_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_at ON events(at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate events: %w", err)
		}
	}
	return nil
}
