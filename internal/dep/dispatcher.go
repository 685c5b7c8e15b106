package dep

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/me/godep/pkg/model"
)

// Dispatcher is the state machine that mediates access of tasks to data
// handles. On submission it walks the task's ordered buffer list, taking
// references where possible and parking requesters where not; on
// completion it releases references and promotes successors.
type Dispatcher struct {
	policy   Policy
	logger   *slog.Logger
	observer func(*Task, model.TaskState)

	mu      sync.Mutex
	handles map[string]*Handle
	seq     uint64
	arbSeq  uint64
}

// NewDispatcher creates a dispatcher pushing ready tasks to the given
// policy.
func NewDispatcher(p Policy, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		policy:  p,
		logger:  logger.With("component", "dispatcher"),
		handles: make(map[string]*Handle),
	}
}

// SetObserver installs a callback fired on every task state transition,
// with no core lock held. Must be set before any submission.
func (d *Dispatcher) SetObserver(fn func(*Task, model.TaskState)) {
	d.observer = fn
}

func (d *Dispatcher) notify(t *Task, s model.TaskState) {
	if d.observer != nil {
		d.observer(t, s)
	}
}

// Register creates a new data handle. The handle starts with zeroed
// counters, an empty queue and no arbiter.
func (d *Dispatcher) Register(label string) *Handle {
	d.mu.Lock()
	d.seq++
	h := &Handle{
		id:    "h_" + uuid.New().String(),
		label: label,
		seq:   d.seq,
	}
	h.cond = sync.NewCond(&h.mu)
	d.handles[h.id] = h
	d.mu.Unlock()

	d.logger.Debug("handle registered", "handle_id", h.id, "label", label)
	return h
}

// Unregister destroys a handle. It blocks until every active holder and
// parked requester has drained. Using the handle afterwards is a contract
// violation.
func (d *Dispatcher) Unregister(h *Handle) {
	h.waitIdle()

	d.mu.Lock()
	delete(d.handles, h.id)
	d.mu.Unlock()

	d.logger.Debug("handle unregistered", "handle_id", h.id, "label", h.label)
}

// NewArbiter creates an arbiter that handles can be assigned to. An
// arbiter holds no handle references of its own and is reclaimed by the
// garbage collector once no handle refers to it.
func (d *Dispatcher) NewArbiter() *Arbiter {
	d.mu.Lock()
	d.arbSeq++
	a := &Arbiter{id: "arb_" + uuid.New().String(), seq: d.arbSeq}
	d.mu.Unlock()
	return a
}

// Handles returns a snapshot of all registered handles in registration
// order.
func (d *Dispatcher) Handles() []HandleInfo {
	d.mu.Lock()
	hs := make([]*Handle, 0, len(d.handles))
	for _, h := range d.handles {
		hs = append(hs, h)
	}
	d.mu.Unlock()

	sort.Slice(hs, func(i, j int) bool { return hs[i].seq < hs[j].seq })
	out := make([]HandleInfo, len(hs))
	for i, h := range hs {
		out[i] = h.Snapshot()
	}
	return out
}

// Submit accepts a task, attempts to acquire its buffers and returns once
// the task is either ready or parked. A task with zero buffers becomes
// ready immediately.
func (d *Dispatcher) Submit(t *Task) error {
	if t == nil || t.done == nil {
		return fmt.Errorf("submit of uninitialized task (use NewTask)")
	}
	if t.State() != "" {
		return fmt.Errorf("task %s submitted twice", t.ID)
	}

	buffers, err := d.orderBuffers(t)
	if err != nil {
		return err
	}
	t.buffers = buffers
	t.unmet.Store(int32(len(buffers)))

	t.setState(model.TaskStateSubmitted)
	d.notify(t, model.TaskStateSubmitted)
	d.logger.Debug("task submitted", "task_id", t.ID, "label", t.Label, "buffers", len(buffers))

	if len(buffers) == 0 {
		d.ready(t)
		return nil
	}
	d.enforceDeps(t, 0)
	return nil
}

// orderBuffers validates the task's accesses and builds the acquisition
// list: duplicates collapsed under the joined mode, non-arbitered handles
// first in stable registration order, then arbitered handles grouped by
// arbiter. The stable total order prevents AB/BA deadlock between
// concurrent submissions.
func (d *Dispatcher) orderBuffers(t *Task) ([]buffer, error) {
	joined := make(map[*Handle]model.Mode, len(t.Accesses))
	var order []*Handle
	for _, a := range t.Accesses {
		if a.Handle == nil {
			return nil, fmt.Errorf("task %s references a nil handle", t.ID)
		}
		if !a.Mode.Valid() {
			return nil, fmt.Errorf("%w: task %s: %s", model.ErrInvalidMode, t.ID, a.Mode)
		}
		if a.Mode.Kind() == model.ModeRedux && a.Handle.arbiter != nil {
			return nil, fmt.Errorf("%w: task %s: redux access on arbitered handle %s",
				model.ErrInvalidMode, t.ID, a.Handle.id)
		}
		if prev, dup := joined[a.Handle]; dup {
			m, err := model.Join(prev, a.Mode)
			if err != nil {
				return nil, fmt.Errorf("%w: task %s: handle %s: %v",
					model.ErrInvalidMode, t.ID, a.Handle.id, err)
			}
			joined[a.Handle] = m
			continue
		}
		joined[a.Handle] = a.Mode
		order = append(order, a.Handle)
	}

	sort.SliceStable(order, func(i, j int) bool {
		hi, hj := order[i], order[j]
		ai, aj := hi.arbiter, hj.arbiter
		if (ai == nil) != (aj == nil) {
			return ai == nil
		}
		if ai != nil && ai.seq != aj.seq {
			return ai.seq < aj.seq
		}
		return hi.seq < hj.seq
	})

	buffers := make([]buffer, len(order))
	for i, h := range order {
		buffers[i] = buffer{handle: h, mode: joined[h]}
	}
	return buffers, nil
}

// enforceDeps acquires the task's buffers sequentially starting at index
// start. When a buffer parks, processing of later buffers is deferred to
// the requester's grant callback. Arbitered buffers hand over to the
// arbiter sub-protocol.
func (d *Dispatcher) enforceDeps(t *Task, start int) {
	for i := start; i < len(t.buffers); i++ {
		b := t.buffers[i]
		if b.handle.arbiter != nil {
			d.enforceArbiteredDeps(t, i)
			return
		}

		r := &requester{task: t, bufIndex: i, mode: b.mode}
		r.grant = func() {
			t.unmet.Add(-1)
			d.enforceDeps(t, r.bufIndex+1)
		}
		granted, needFlush := b.handle.attemptRequest(r)
		if needFlush {
			d.injectReduxCombine(b.handle)
		}
		if granted {
			t.unmet.Add(-1)
			continue
		}
		if t.setState(model.TaskStateWaiting) {
			d.notify(t, model.TaskStateWaiting)
		}
		return
	}
	d.ready(t)
}

// ready marks the task ready and hands it to the policy. No core lock is
// held here.
func (d *Dispatcher) ready(t *Task) {
	if n := t.unmet.Load(); n != 0 {
		panic(fmt.Sprintf("task %s ready with %d unmet buffers", t.ID, n))
	}
	t.setState(model.TaskStateReady)
	d.notify(t, model.TaskStateReady)
	d.logger.Debug("task ready", "task_id", t.ID, "label", t.Label)
	d.policy.PushReady(t)
}

// MarkRunning records that a worker picked the task up.
func (d *Dispatcher) MarkRunning(t *Task, workerID int) {
	t.mu.Lock()
	t.workerID = workerID
	t.mu.Unlock()
	t.setState(model.TaskStateRunning)
	d.notify(t, model.TaskStateRunning)
}

// Complete finishes a task: releases every buffer reference in reverse
// acquisition order and promotes successors on each affected handle. The
// release loop never holds two handle locks at once.
func (d *Dispatcher) Complete(t *Task) {
	t.setState(model.TaskStateDone)
	d.notify(t, model.TaskStateDone)

	for i := len(t.buffers) - 1; i >= 0; i-- {
		b := t.buffers[i]
		if b.handle.arbiter != nil {
			d.releaseArbitered(b.handle)
			continue
		}
		for _, r := range b.handle.release() {
			r.grant()
		}
	}

	close(t.done)
	if t.OnComplete != nil {
		t.OnComplete(t)
	}
}

// Acquire takes a synchronous user-side reference on a handle, outside the
// task path but obeying the same queue. It blocks until the reference is
// granted or ctx is cancelled; on cancellation the parked requester is
// removed from the queue.
func (d *Dispatcher) Acquire(ctx context.Context, h *Handle, m model.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %s", model.ErrInvalidMode, m)
	}
	if m.Kind() == model.ModeRedux && h.arbiter != nil {
		return fmt.Errorf("%w: redux access on arbitered handle %s", model.ErrInvalidMode, h.id)
	}

	ch := make(chan struct{})
	r := &requester{mode: m, grant: func() { close(ch) }}

	if h.arbiter != nil {
		if d.arbiterAcquire(h, r) {
			return nil
		}
	} else {
		granted, needFlush := h.attemptRequest(r)
		if needFlush {
			d.injectReduxCombine(h)
		}
		if granted {
			return nil
		}
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		if d.cancelRequester(h, r) {
			return ctx.Err()
		}
		// Lost the race: the grant fired while cancelling. Take it and
		// give it straight back.
		<-ch
		d.Release(h)
		return ctx.Err()
	}
}

// Release drops a user-side reference taken with Acquire.
func (d *Dispatcher) Release(h *Handle) {
	if h.arbiter != nil {
		d.releaseArbitered(h)
		return
	}
	for _, r := range h.release() {
		r.grant()
	}
}

// cancelRequester removes a parked user requester. Returns false if the
// requester is no longer queued, i.e. it has been granted concurrently.
func (d *Dispatcher) cancelRequester(h *Handle, r *requester) bool {
	if a := h.arbiter; a != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.queue.remove(r) {
		return false
	}
	h.busyCount--
	if h.busyCount == 0 {
		h.cond.Broadcast()
	}
	return true
}
