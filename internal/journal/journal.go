// Package journal records task and handle lifecycle events for
// observability. The dependency core itself persists nothing; events are
// fed strictly after core locks are dropped, and the runtime works with
// journaling disabled.
package journal

import (
	"context"
	"time"
)

// Kind distinguishes what an event refers to.
type Kind string

const (
	KindTask   Kind = "task"
	KindHandle Kind = "handle"
)

// Event is one recorded lifecycle transition.
type Event struct {
	ID     int64     `json:"id"`
	Kind   Kind      `json:"kind"`
	RefID  string    `json:"ref_id"`
	Label  string    `json:"label,omitempty"`
	State  string    `json:"state"`
	Worker int       `json:"worker"`
	At     time.Time `json:"at"`
}

// Journal is the event sink and query surface.
type Journal interface {
	Record(ctx context.Context, ev *Event) error
	ListByRef(ctx context.Context, refID string) ([]*Event, error)
	ListRecent(ctx context.Context, limit int) ([]*Event, error)

	Close() error
	Migrate(ctx context.Context) error
}
