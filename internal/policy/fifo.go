// Package policy provides scheduling policies for the dispatcher: a FIFO
// default and a script policy whose ordering is a user-supplied JavaScript
// function. Policies never call back into the dependency core.
package policy

import (
	"context"
	"sync"

	"github.com/me/godep/internal/dep"
)

// FIFO is the default policy: ready tasks are handed to workers in the
// order the dispatcher pushed them.
type FIFO struct {
	mu    sync.Mutex
	queue []*dep.Task
	wake  chan struct{}
}

// NewFIFO creates an empty FIFO policy.
func NewFIFO() *FIFO {
	return &FIFO{wake: make(chan struct{}, 1)}
}

// PushReady appends the task and wakes one waiting worker.
func (p *FIFO) PushReady(t *dep.Task) {
	p.mu.Lock()
	p.queue = append(p.queue, t)
	p.mu.Unlock()
	p.signal()
}

// PopForWorker blocks until a ready task is available or ctx is cancelled.
func (p *FIFO) PopForWorker(ctx context.Context, workerID int) (*dep.Task, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			t := p.queue[0]
			p.queue = p.queue[1:]
			more := len(p.queue) > 0
			p.mu.Unlock()
			if more {
				// Keep the wake token alive for the next waiter.
				p.signal()
			}
			return t, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.wake:
		}
	}
}

// Len returns the number of queued ready tasks.
func (p *FIFO) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *FIFO) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
