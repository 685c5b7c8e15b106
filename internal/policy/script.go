package policy

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dop251/goja"
	"github.com/me/godep/internal/dep"
)

// Script orders ready tasks by a user-supplied JavaScript priority
// function. The script must define
//
//	function priority(task) { ... return number }
//
// where task exposes id, label and meta. Higher priorities pop first;
// equal priorities fall back to push order.
type Script struct {
	logger *slog.Logger

	// mu guards both the heap and the VM: goja runtimes are not safe for
	// concurrent use.
	mu   sync.Mutex
	vm   *goja.Runtime
	fn   goja.Callable
	heap scoredHeap
	seq  uint64
	wake chan struct{}
}

// NewScript compiles the priority script and returns the policy.
func NewScript(src string, logger *slog.Logger) (*Script, error) {
	vm := goja.New()
	if _, err := vm.RunString(src); err != nil {
		return nil, fmt.Errorf("compile policy script: %w", err)
	}
	fn, ok := goja.AssertFunction(vm.Get("priority"))
	if !ok {
		return nil, fmt.Errorf("policy script does not define a priority function")
	}
	return &Script{
		logger: logger.With("component", "policy"),
		vm:     vm,
		fn:     fn,
		wake:   make(chan struct{}, 1),
	}, nil
}

// PushReady scores the task and inserts it into the priority heap.
func (p *Script) PushReady(t *dep.Task) {
	p.mu.Lock()
	prio := p.scoreLocked(t)
	p.seq++
	heap.Push(&p.heap, &scored{task: t, prio: prio, seq: p.seq})
	p.mu.Unlock()
	p.signal()
}

// PopForWorker blocks until a ready task is available or ctx is cancelled.
func (p *Script) PopForWorker(ctx context.Context, workerID int) (*dep.Task, error) {
	for {
		p.mu.Lock()
		if p.heap.Len() > 0 {
			s := heap.Pop(&p.heap).(*scored)
			more := p.heap.Len() > 0
			p.mu.Unlock()
			if more {
				p.signal()
			}
			return s.task, nil
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
func (p *Script) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heap.Len()
}

// scoreLocked evaluates priority(task); a script error demotes the task to
// priority zero rather than blocking the queue.
func (p *Script) scoreLocked(t *dep.Task) float64 {
	arg := p.vm.ToValue(map[string]any{
		"id":    t.ID,
		"label": t.Label,
		"meta":  t.Meta,
	})
	v, err := p.fn(goja.Undefined(), arg)
	if err != nil {
		p.logger.Warn("priority script failed", "task_id", t.ID, "error", err)
		return 0
	}
	return v.ToFloat()
}

func (p *Script) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

type scored struct {
	task *dep.Task
	prio float64
	seq  uint64
}

type scoredHeap []*scored

func (h scoredHeap) Len() int { return len(h) }

func (h scoredHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio > h[j].prio
	}
	return h[i].seq < h[j].seq
}

func (h scoredHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *scoredHeap) Push(x any) { *h = append(*h, x.(*scored)) }

func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
