package dep

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/me/godep/pkg/model"
)

// Access declares one buffer access of a task: which handle, under which
// mode. Order does not matter and duplicates are allowed; submission
// collapses duplicates into a single access with the joined mode.
type Access struct {
	Handle *Handle
	Mode   model.Mode
}

// buffer is one entry of the ordered, deduplicated acquisition list built
// at submission.
type buffer struct {
	handle *Handle
	mode   model.Mode
}

// Task is a schedulable unit of work with declared buffer accesses. Create
// tasks with NewTask and hand them to Dispatcher.Submit; the zero value is
// not usable.
type Task struct {
	ID    string
	Label string

	// Accesses lists the handles the task touches.
	Accesses []Access

	// Run is the task body executed by a worker. A nil body completes
	// immediately when picked up. Errors are opaque to the dependency
	// core: the task still completes and releases normally.
	Run func(ctx context.Context) error

	// OnComplete, if set, is invoked after the task's references have been
	// released.
	OnComplete func(*Task)

	// Meta carries policy-visible attributes, e.g. inputs to a script
	// policy's priority function.
	Meta map[string]any

	mu          sync.Mutex
	state       model.TaskState
	err         error
	workerID    int
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	buffers []buffer
	// unmet counts buffers not yet granted a reference.
	unmet atomic.Int32
	done  chan struct{}
}

// NewTask creates a task with the given label, accesses and body.
func NewTask(label string, accesses []Access, run func(ctx context.Context) error) *Task {
	return &Task{
		ID:        "task_" + uuid.New().String(),
		Label:     label,
		Accesses:  accesses,
		Run:       run,
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

// State returns the task's current lifecycle state.
func (t *Task) State() model.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error reported by the task body, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Worker returns the id of the worker that executed the task.
func (t *Task) Worker() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.workerID
}

// CreatedAt returns the task creation time.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// StartedAt returns the time the task began running (zero until then).
func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// CompletedAt returns the completion time (zero until then).
func (t *Task) CompletedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completedAt
}

// Unmet returns the number of buffers not yet granted.
func (t *Task) Unmet() int {
	return int(t.unmet.Load())
}

// Wait blocks until the task completes or ctx is cancelled.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the task completes.
func (t *Task) Done() <-chan struct{} { return t.done }

// setState advances the task state machine. Re-entering the current state
// is a no-op (a task may park on several handles in turn while WAITING);
// any other invalid transition is an internal bug.
func (t *Task) setState(next model.TaskState) bool {
	t.mu.Lock()
	cur := t.state
	if cur == next {
		t.mu.Unlock()
		return false
	}
	if cur != "" && !cur.CanTransitionTo(next) {
		t.mu.Unlock()
		panic((&model.InvalidTransitionError{TaskID: t.ID, From: cur, To: next}).Error())
	}
	t.state = next
	now := time.Now().UTC()
	switch next {
	case model.TaskStateRunning:
		t.startedAt = now
	case model.TaskStateDone:
		t.completedAt = now
	}
	t.mu.Unlock()
	return true
}

// SetResult records the body's outcome. The result is opaque to the
// dependency core; completion releases references regardless.
func (t *Task) SetResult(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// TaskInfo is a point-in-time snapshot of a task for the HTTP surface.
type TaskInfo struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	State       string    `json:"state"`
	Unmet       int       `json:"unmet"`
	Worker      int       `json:"worker,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Snapshot captures the task's visible state.
func (t *Task) Snapshot() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskInfo{
		ID:          t.ID,
		Label:       t.Label,
		State:       t.state.String(),
		Unmet:       int(t.unmet.Load()),
		Worker:      t.workerID,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
	}
}
