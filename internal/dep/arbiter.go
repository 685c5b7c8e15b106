package dep

import (
	"fmt"
	"sync"

	"github.com/me/godep/pkg/model"
)

// Arbiter is the centralized mediator for a group of handles. It allows
// opportunistic multi-handle acquisition without the strict serialization
// a pairwise ordering would impose: a waiting task may leap ahead of an
// earlier task whose other handles are busy, while the arbiter mutex keeps
// any two tasks from observing the same cross-handle state concurrently.
//
// Handles governed by an arbiter are granted exclusively (a reference is
// only taken at refCount zero), so per-handle FIFO is an opportunistic
// hint rather than a guarantee.
type Arbiter struct {
	id  string
	seq uint64
	// mu is acquired before any header lock of the arbiter's handles and
	// released before re-entering the scheduler policy.
	mu sync.Mutex
}

// ID returns the arbiter identifier.
func (a *Arbiter) ID() string { return a.id }

// enforceArbiteredDeps runs the try-acquire protocol for the group of
// arbitered buffers starting at index start (all sharing one arbiter). On
// success it proceeds to the next arbiter group or finalizes the task; on
// failure it rolls every fast-take back and parks a requester on each
// handle of the group.
func (d *Dispatcher) enforceArbiteredDeps(t *Task, start int) {
	arb := t.buffers[start].handle.arbiter
	end := start
	for end < len(t.buffers) && t.buffers[end].handle.arbiter == arb {
		end++
	}

	arb.mu.Lock()

	taken := 0
	for i := start; i < end; i++ {
		b := t.buffers[i]
		h := b.handle
		h.mu.Lock()
		if h.unregistered {
			h.mu.Unlock()
			arb.mu.Unlock()
			panic(fmt.Sprintf("request on unregistered handle %s", h.id))
		}
		if h.refCount != 0 {
			h.mu.Unlock()
			break
		}
		h.refCount = 1
		h.busyCount++
		h.currentMode = b.mode
		h.mu.Unlock()
		taken++
	}

	if start+taken == end {
		arb.mu.Unlock()
		t.unmet.Add(int32(-(end - start)))
		if end < len(t.buffers) {
			d.enforceArbiteredDeps(t, end)
			return
		}
		d.ready(t)
		return
	}

	// Roll back the fast-takes just performed, then park a requester on
	// every handle of the group. Handles already touched keep their busy
	// reference; the rest gain one as they are parked.
	for i := start; i < start+taken; i++ {
		h := t.buffers[i].handle
		h.mu.Lock()
		h.refCount--
		h.mu.Unlock()
	}
	for i := start; i < end; i++ {
		b := t.buffers[i]
		h := b.handle
		r := &requester{task: t, bufIndex: i, mode: b.mode}
		h.mu.Lock()
		if i >= start+taken {
			h.busyCount++
		}
		h.queue.pushBack(r)
		h.mu.Unlock()
	}
	arb.mu.Unlock()

	if t.setState(model.TaskStateWaiting) {
		d.notify(t, model.TaskStateWaiting)
	}
}

// arbiterAcquire is the user-side Acquire path for an arbitered handle: a
// single-buffer group. Returns true when the reference was granted
// immediately.
func (d *Dispatcher) arbiterAcquire(h *Handle, r *requester) bool {
	arb := h.arbiter
	arb.mu.Lock()
	h.mu.Lock()
	if h.unregistered {
		h.mu.Unlock()
		arb.mu.Unlock()
		panic(fmt.Sprintf("request on unregistered handle %s", h.id))
	}
	h.busyCount++
	if h.refCount == 0 && h.queue.empty() {
		h.refCount = 1
		h.currentMode = r.mode
		h.mu.Unlock()
		arb.mu.Unlock()
		return true
	}
	h.queue.pushBack(r)
	h.mu.Unlock()
	arb.mu.Unlock()
	return false
}

// releaseArbitered drops one reference on an arbitered handle and runs the
// notify protocol: scan the handle's queue in FIFO order, fast-take every
// buffer of the first requester whose whole group is free, and dispatch
// it. At most one task is promoted per notify to bound the critical
// section; further promotions ride on later releases.
func (d *Dispatcher) releaseArbitered(h *Handle) {
	arb := h.arbiter
	arb.mu.Lock()

	h.mu.Lock()
	if h.refCount == 0 {
		h.mu.Unlock()
		arb.mu.Unlock()
		panic(fmt.Sprintf("release of handle %s which is not held", h.id))
	}
	h.refCount--
	h.busyCount--
	if h.busyCount == 0 {
		h.cond.Broadcast()
	}
	h.mu.Unlock()

	promo := d.scanArbiterQueueLocked(arb, h)
	arb.mu.Unlock()

	if promo != nil {
		promo()
	}
}

// scanArbiterQueueLocked walks h's requester queue under the arbiter mutex
// and attempts a full fast-take for each requester in turn. It returns the
// continuation to run after the mutex is released, or nil when no
// requester could be promoted.
func (d *Dispatcher) scanArbiterQueueLocked(arb *Arbiter, h *Handle) func() {
	for _, r := range h.queue.snapshot() {
		if r.task == nil {
			// Synchronous user acquisition: a single-handle group.
			h.mu.Lock()
			if h.refCount == 0 {
				h.refCount = 1
				h.currentMode = r.mode
				h.queue.remove(r)
				h.mu.Unlock()
				return r.grant
			}
			h.mu.Unlock()
			continue
		}

		t := r.task
		start, end := arbiterSegment(t, arb)

		taken := 0
		for i := start; i < end; i++ {
			b := t.buffers[i]
			hb := b.handle
			hb.mu.Lock()
			if hb.refCount != 0 {
				hb.mu.Unlock()
				break
			}
			hb.refCount = 1
			hb.currentMode = b.mode
			hb.mu.Unlock()
			taken++
		}
		if start+taken < end {
			// Some handle of the group is busy; revert and try the next
			// requester.
			for i := start; i < start+taken; i++ {
				hb := t.buffers[i].handle
				hb.mu.Lock()
				hb.refCount--
				hb.mu.Unlock()
			}
			continue
		}

		// The whole group was taken; drop the corresponding requesters
		// from every sibling queue. busyCount stays: the parked requests
		// are now active references.
		for i := start; i < end; i++ {
			hb := t.buffers[i].handle
			hb.mu.Lock()
			hb.queue.removeTask(t)
			hb.mu.Unlock()
		}

		n := end - start
		return func() {
			t.unmet.Add(int32(-n))
			if end < len(t.buffers) {
				d.enforceArbiteredDeps(t, end)
				return
			}
			d.ready(t)
		}
	}
	return nil
}

// arbiterSegment returns the bounds of the contiguous run of t's buffers
// governed by arb. Buffer ordering groups arbitered buffers by arbiter,
// so the run is always contiguous.
func arbiterSegment(t *Task, arb *Arbiter) (start, end int) {
	start = -1
	end = len(t.buffers)
	for i, b := range t.buffers {
		if b.handle.arbiter == arb {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			end = i
			break
		}
	}
	return start, end
}
