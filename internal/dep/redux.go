package dep

import (
	"github.com/me/godep/pkg/model"
)

// Reductions: while a handle is held in REDUX mode, every redux holder
// contributes to a private copy. The first non-redux access queued behind
// the cohort forces a reduction barrier: the registered reducer runs as a
// combine task between the last redux release and the blocked access.
//
// The combine task is injected at the head of the requester queue so it
// precedes any requester already parked behind the cohort, and it goes
// through the normal ready/policy/worker path.

// ReduxFlush injects the combine task for the handle's reduction cohort.
// It is a no-op when a flush is already pending. The dispatcher also calls
// this implicitly when a non-redux access parks behind redux holders.
func (d *Dispatcher) ReduxFlush(h *Handle) error {
	h.mu.Lock()
	if h.reducer == nil {
		h.mu.Unlock()
		return model.ErrNoReducer
	}
	if h.reduxFlushQueued {
		h.mu.Unlock()
		return nil
	}
	h.reduxFlushQueued = true
	h.mu.Unlock()

	d.injectReduxCombine(h)
	return nil
}

// injectReduxCombine builds the combine task and queues its single
// requester at the front of h's queue. The caller has already set
// reduxFlushQueued under the header lock.
func (d *Dispatcher) injectReduxCombine(h *Handle) {
	h.mu.Lock()
	red := h.reducer
	h.mu.Unlock()

	combine := NewTask("redux-combine:"+h.label, []Access{{Handle: h, Mode: model.ModeRW}}, red)
	combine.buffers = []buffer{{handle: h, mode: model.ModeRW}}
	combine.unmet.Store(1)
	combine.setState(model.TaskStateSubmitted)
	d.notify(combine, model.TaskStateSubmitted)
	d.logger.Debug("redux combine injected", "handle_id", h.id, "task_id", combine.ID)

	r := &requester{task: combine, bufIndex: 0, mode: model.ModeRW, flush: true}
	r.grant = func() {
		combine.unmet.Add(-1)
		d.ready(combine)
	}

	h.mu.Lock()
	h.busyCount++
	if h.refCount == 0 && h.queue.empty() {
		h.grantLocked(r.mode)
		h.reduxFlushQueued = false
		h.mu.Unlock()
		combine.unmet.Add(-1)
		d.ready(combine)
		return
	}
	h.queue.pushFront(r)
	// The cohort may have drained while the combine was being built; if
	// the handle is free now, no further release will promote the queue.
	var grants []*requester
	if h.refCount == 0 {
		grants = h.promoteLocked()
	}
	h.mu.Unlock()
	if len(grants) == 0 {
		combine.setState(model.TaskStateWaiting)
		d.notify(combine, model.TaskStateWaiting)
		return
	}
	for _, g := range grants {
		g.grant()
	}
}
