// Package runtime composes the dependency core, a scheduling policy, the
// worker pool and the optional event journal into one engine.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/me/godep/internal/dep"
	"github.com/me/godep/internal/journal"
	"github.com/me/godep/internal/worker"
	"github.com/me/godep/pkg/model"
)

// Runtime ties the dispatcher to its collaborators and tracks in-flight
// tasks for introspection.
type Runtime struct {
	disp    *dep.Dispatcher
	policy  dep.Policy
	pool    *worker.Pool
	journal journal.Journal
	logger  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	tasks    map[string]*dep.Task // in-flight only
	inflight int
	closed   bool
	cancel   context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
}

// New creates a runtime with the given policy and worker count. jr may be
// nil to disable journaling.
func New(workers int, pol dep.Policy, jr journal.Journal, logger *slog.Logger) *Runtime {
	r := &Runtime{
		policy:  pol,
		journal: jr,
		logger:  logger.With("component", "runtime"),
		tasks:   make(map[string]*dep.Task),
	}
	r.cond = sync.NewCond(&r.mu)
	r.disp = dep.NewDispatcher(pol, logger)
	r.disp.SetObserver(r.observe)
	r.pool = worker.New(workers, r.disp, pol, logger)
	return r
}

// Start launches the worker pool. Workers run until Shutdown.
func (r *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	r.pool.Start(ctx)
}

// Shutdown stops accepting submissions, waits for in-flight tasks to
// drain (bounded by ctx), then stops the workers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	cancel := r.cancel
	r.mu.Unlock()

	err := r.WaitAll(ctx)
	if cancel != nil {
		cancel()
		r.pool.Wait()
	}
	r.logger.Info("runtime stopped", "submitted", r.submitted.Load(), "completed", r.completed.Load())
	return err
}

// observe is the dispatcher's state-transition callback. It runs with no
// core lock held.
func (r *Runtime) observe(t *dep.Task, s model.TaskState) {
	switch s {
	case model.TaskStateSubmitted:
		r.submitted.Add(1)
		r.mu.Lock()
		r.tasks[t.ID] = t
		r.inflight++
		r.mu.Unlock()
	case model.TaskStateDone:
		r.completed.Add(1)
		r.mu.Lock()
		delete(r.tasks, t.ID)
		r.inflight--
		if r.inflight == 0 {
			r.cond.Broadcast()
		}
		r.mu.Unlock()
	}

	if r.journal != nil {
		ev := &journal.Event{
			Kind:   journal.KindTask,
			RefID:  t.ID,
			Label:  t.Label,
			State:  s.String(),
			Worker: -1,
		}
		if s == model.TaskStateRunning || s == model.TaskStateDone {
			ev.Worker = t.Worker()
		}
		if err := r.journal.Record(context.Background(), ev); err != nil {
			r.logger.Warn("journal record failed", "task_id", t.ID, "error", err)
		}
	}
}

// RegisterData creates a new data handle.
func (r *Runtime) RegisterData(label string) *dep.Handle {
	h := r.disp.Register(label)
	r.recordHandle(h, "REGISTERED")
	return h
}

// UnregisterData destroys a handle, blocking until it is idle.
func (r *Runtime) UnregisterData(h *dep.Handle) {
	r.disp.Unregister(h)
	r.recordHandle(h, "UNREGISTERED")
}

func (r *Runtime) recordHandle(h *dep.Handle, state string) {
	if r.journal == nil {
		return
	}
	ev := &journal.Event{Kind: journal.KindHandle, RefID: h.ID(), Label: h.Label(), State: state, Worker: -1}
	if err := r.journal.Record(context.Background(), ev); err != nil {
		r.logger.Warn("journal record failed", "handle_id", h.ID(), "error", err)
	}
}

// NewArbiter creates an arbiter for grouping handles.
func (r *Runtime) NewArbiter() *dep.Arbiter {
	return r.disp.NewArbiter()
}

// Submit hands a task to the dispatcher.
func (r *Runtime) Submit(t *dep.Task) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return fmt.Errorf("runtime is shutting down")
	}
	return r.disp.Submit(t)
}

// Acquire takes a synchronous user-side reference on a handle.
func (r *Runtime) Acquire(ctx context.Context, h *dep.Handle, m model.Mode) error {
	return r.disp.Acquire(ctx, h, m)
}

// Release drops a reference taken with Acquire.
func (r *Runtime) Release(h *dep.Handle) {
	r.disp.Release(h)
}

// ReduxFlush injects the combine task for a reduction cohort.
func (r *Runtime) ReduxFlush(h *dep.Handle) error {
	return r.disp.ReduxFlush(h)
}

// WaitAll blocks until no task is in flight or ctx is cancelled.
func (r *Runtime) WaitAll(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	for r.inflight > 0 && ctx.Err() == nil {
		r.cond.Wait()
	}
	r.mu.Unlock()
	return ctx.Err()
}

// Stats summarizes the runtime for the HTTP surface and the CLI.
type Stats struct {
	Workers   []worker.Stats `json:"workers"`
	Submitted int64          `json:"submitted"`
	Completed int64          `json:"completed"`
	Inflight  int            `json:"inflight"`
	Ready     int            `json:"ready"`
}

// Stats returns a snapshot of runtime counters.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	inflight := r.inflight
	r.mu.Unlock()

	s := Stats{
		Workers:   r.pool.Stats(),
		Submitted: r.submitted.Load(),
		Completed: r.completed.Load(),
		Inflight:  inflight,
	}
	if l, ok := r.policy.(interface{ Len() int }); ok {
		s.Ready = l.Len()
	}
	return s
}

// Tasks returns snapshots of every in-flight task.
func (r *Runtime) Tasks() []dep.TaskInfo {
	r.mu.Lock()
	ts := make([]*dep.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		ts = append(ts, t)
	}
	r.mu.Unlock()

	out := make([]dep.TaskInfo, len(ts))
	for i, t := range ts {
		out[i] = t.Snapshot()
	}
	return out
}

// Handles returns snapshots of every registered handle.
func (r *Runtime) Handles() []dep.HandleInfo {
	return r.disp.Handles()
}

// Journal returns the configured journal, or nil.
func (r *Runtime) Journal() journal.Journal {
	return r.journal
}
