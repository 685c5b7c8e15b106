package dep

import (
	"context"
	"fmt"
	"sync"

	"github.com/me/godep/pkg/model"
)

// Handle is the dependency-tracked identifier for one managed data buffer.
//
// The header lock guards every mutable field. Lock ordering: an arbiter
// mutex is always taken before any header lock of its handles, and two
// header locks are never held at once.
type Handle struct {
	id    string
	label string
	seq   uint64 // registration order; the stable total order for acquisition

	mu   sync.Mutex // header lock
	cond *sync.Cond // signalled when busyCount drops to zero

	// refCount is the number of active holders; busyCount additionally
	// counts parked requesters. refCount <= busyCount always holds.
	refCount    int
	busyCount   int
	currentMode model.Mode // meaningful only while refCount > 0
	queue       reqList
	arbiter     *Arbiter

	reducer          func(ctx context.Context) error
	reduxFlushQueued bool
	unregistered     bool
}

// ID returns the unique handle identifier.
func (h *Handle) ID() string { return h.id }

// Label returns the user-supplied label.
func (h *Handle) Label() string { return h.label }

// Arbiter returns the arbiter governing this handle, or nil.
func (h *Handle) Arbiter() *Arbiter { return h.arbiter }

// AssignArbiter places the handle under an arbiter. The handle must be
// completely idle: no references, no pending requesters. Once assigned,
// the arbiter is immutable for the handle's lifetime.
func (h *Handle) AssignArbiter(a *Arbiter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.arbiter != nil {
		panic(fmt.Sprintf("handle %s already has an arbiter", h.id))
	}
	if h.refCount != 0 || h.busyCount != 0 {
		panic(fmt.Sprintf("handle %s: arbiter can only be assigned before first use", h.id))
	}
	if h.unregistered {
		panic(fmt.Sprintf("handle %s is unregistered", h.id))
	}
	h.arbiter = a
}

// SetReducer registers the combine body used by reduction flushes. Must be
// called before the handle sees any redux access.
func (h *Handle) SetReducer(fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refCount != 0 || h.busyCount != 0 {
		panic(fmt.Sprintf("handle %s: reducer can only be set while idle", h.id))
	}
	h.reducer = fn
}

// attemptRequest is the fast path of the acquisition protocol for
// non-arbitered handles. The reference is taken immediately when the queue
// is empty and the request is compatible with the current holders (or the
// handle is free); otherwise the requester is parked at the tail.
//
// needFlush reports that the parked request is the first non-redux access
// behind a reduction cohort and the caller should inject the combine task.
func (h *Handle) attemptRequest(r *requester) (granted, needFlush bool) {
	h.mu.Lock()
	if h.unregistered {
		h.mu.Unlock()
		panic(fmt.Sprintf("request on unregistered handle %s", h.id))
	}
	h.busyCount++
	if h.queue.empty() && (h.refCount == 0 || model.Compatible(r.mode, h.currentMode)) {
		h.grantLocked(r.mode)
		h.mu.Unlock()
		return true, false
	}
	if h.reducer != nil && !h.reduxFlushQueued &&
		h.refCount > 0 && h.currentMode.Kind() == model.ModeRedux &&
		r.mode.Kind() != model.ModeRedux {
		h.reduxFlushQueued = true
		needFlush = true
	}
	h.queue.pushBack(r)
	h.mu.Unlock()
	return false, needFlush
}

// grantLocked takes one reference under the header lock and folds the
// granted mode into currentMode.
func (h *Handle) grantLocked(m model.Mode) {
	if h.refCount == 0 {
		h.currentMode = m
	} else {
		joined, err := model.Join(h.currentMode, m)
		if err != nil {
			panic(fmt.Sprintf("handle %s: incompatible cohort grant: %v", h.id, err))
		}
		h.currentMode = joined
	}
	h.refCount++
}

// release drops one reference and promotes every head-of-queue requester
// compatible with the remaining holders (cohort promotion). The returned
// requesters have had their bookkeeping done; the caller fires their grant
// callbacks once no lock is held.
func (h *Handle) release() []*requester {
	h.mu.Lock()
	if h.refCount == 0 {
		h.mu.Unlock()
		panic(fmt.Sprintf("release of handle %s which is not held", h.id))
	}
	h.refCount--
	h.busyCount--
	grants := h.promoteLocked()
	if h.busyCount == 0 {
		h.cond.Broadcast()
	}
	h.mu.Unlock()
	return grants
}

// promoteLocked pops requesters from the head while they remain compatible
// with the (possibly empty) set of current holders.
func (h *Handle) promoteLocked() []*requester {
	var out []*requester
	for !h.queue.empty() {
		head := h.queue.head()
		// A pending reduction flush blocks everything until the combine
		// task has been granted.
		if h.reduxFlushQueued && !head.flush {
			break
		}
		if h.refCount != 0 && !model.Compatible(head.mode, h.currentMode) {
			break
		}
		h.queue.popHead()
		h.grantLocked(head.mode)
		if head.flush {
			h.reduxFlushQueued = false
		}
		out = append(out, head)
	}
	return out
}

// waitIdle marks the handle unregistered and blocks until every active
// holder and parked requester has drained.
func (h *Handle) waitIdle() {
	h.mu.Lock()
	if h.unregistered {
		h.mu.Unlock()
		panic(fmt.Sprintf("handle %s unregistered twice", h.id))
	}
	h.unregistered = true
	for h.busyCount > 0 {
		h.cond.Wait()
	}
	h.mu.Unlock()
}

// HandleInfo is a point-in-time snapshot of a handle, used by the HTTP
// introspection surface.
type HandleInfo struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	RefCount  int    `json:"ref_count"`
	BusyCount int    `json:"busy_count"`
	QueueLen  int    `json:"queue_len"`
	Mode      string `json:"mode,omitempty"`
	Arbiter   string `json:"arbiter,omitempty"`
}

// Snapshot captures the handle's counters under the header lock.
func (h *Handle) Snapshot() HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := HandleInfo{
		ID:        h.id,
		Label:     h.label,
		RefCount:  h.refCount,
		BusyCount: h.busyCount,
		QueueLen:  h.queue.len(),
	}
	if h.refCount > 0 {
		info.Mode = h.currentMode.String()
	}
	if h.arbiter != nil {
		info.Arbiter = h.arbiter.id
	}
	return info
}
