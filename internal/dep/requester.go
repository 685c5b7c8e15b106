package dep

import "github.com/me/godep/pkg/model"

// A requester is one queued request for one handle. Task requesters carry
// the owning task and the index of the buffer being requested; user-side
// acquisitions carry only a grant callback.
type requester struct {
	task     *Task
	bufIndex int
	mode     model.Mode
	// flush marks the requester of a reduction combine task. While a
	// flush is pending, no other requester may overtake it.
	flush bool
	// grant is invoked with no core lock held once the reference has been
	// taken on the requester's behalf.
	grant func()
}

// reqList is the FIFO of pending requesters on one handle. All mutation
// happens under the owning handle's header lock; queues of arbitered
// handles are additionally serialized by the arbiter mutex.
type reqList struct {
	items []*requester
}

func (l *reqList) empty() bool { return len(l.items) == 0 }

func (l *reqList) len() int { return len(l.items) }

func (l *reqList) head() *requester { return l.items[0] }

func (l *reqList) popHead() *requester {
	r := l.items[0]
	l.items = l.items[1:]
	return r
}

func (l *reqList) pushBack(r *requester) {
	l.items = append(l.items, r)
}

// pushFront is used by the reduction flush: the combine task must be served
// before any requester already parked behind the reduction cohort.
func (l *reqList) pushFront(r *requester) {
	l.items = append([]*requester{r}, l.items...)
}

// remove deletes r wherever it sits in the queue. Returns false if r is no
// longer queued (it has been granted in the meantime).
func (l *reqList) remove(r *requester) bool {
	for i, it := range l.items {
		if it == r {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}

// removeTask deletes the first requester owned by t and returns it.
func (l *reqList) removeTask(t *Task) *requester {
	for i, it := range l.items {
		if it.task == t {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return it
		}
	}
	return nil
}

// snapshot returns a copy of the queue for iteration that outlives
// mutations.
func (l *reqList) snapshot() []*requester {
	out := make([]*requester, len(l.items))
	copy(out, l.items)
	return out
}
