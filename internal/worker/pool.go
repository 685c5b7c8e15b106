// Package worker runs the pool of executor goroutines that pop ready
// tasks from the policy, run their bodies and complete them through the
// dispatcher. Parked tasks never occupy a worker: they live as requesters
// inside handle queues until the dispatcher promotes them.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/godep/internal/dep"
)

// Pool is a fixed-size set of workers.
type Pool struct {
	n      int
	disp   *dep.Dispatcher
	policy dep.Policy
	logger *slog.Logger

	wg    sync.WaitGroup
	stats []workerStats
}

type workerStats struct {
	executed atomic.Int64
	failed   atomic.Int64
	busyNS   atomic.Int64
}

// Stats is a snapshot of one worker's counters.
type Stats struct {
	Worker   int           `json:"worker"`
	Executed int64         `json:"executed"`
	Failed   int64         `json:"failed"`
	Busy     time.Duration `json:"busy"`
}

// New creates a pool of n workers popping from the given policy.
func New(n int, disp *dep.Dispatcher, pol dep.Policy, logger *slog.Logger) *Pool {
	return &Pool{
		n:      n,
		disp:   disp,
		policy: pol,
		logger: logger.With("component", "worker"),
		stats:  make([]workerStats, n),
	}
}

// Start launches the workers. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for id := 0; id < p.n; id++ {
		p.wg.Add(1)
		go p.run(ctx, id)
	}
	p.logger.Info("worker pool started", "workers", p.n)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.n }

// Stats returns per-worker counters.
func (p *Pool) Stats() []Stats {
	out := make([]Stats, p.n)
	for i := range p.stats {
		s := &p.stats[i]
		out[i] = Stats{
			Worker:   i,
			Executed: s.executed.Load(),
			Failed:   s.failed.Load(),
			Busy:     time.Duration(s.busyNS.Load()),
		}
	}
	return out
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for {
		t, err := p.policy.PopForWorker(ctx, id)
		if err != nil {
			logger.Debug("worker stopping", "reason", err)
			return
		}
		p.execute(ctx, id, t, logger)
	}
}

func (p *Pool) execute(ctx context.Context, id int, t *dep.Task, logger *slog.Logger) {
	p.disp.MarkRunning(t, id)
	start := time.Now()

	err := runBody(ctx, t)
	t.SetResult(err)

	elapsed := time.Since(start)
	s := &p.stats[id]
	s.executed.Add(1)
	s.busyNS.Add(int64(elapsed))

	if err != nil {
		// Execution failures are opaque to the dependency core; the task
		// completes and releases normally, the error surfaces to the
		// submitter through Task.Err.
		s.failed.Add(1)
		logger.Warn("task failed", "task_id", t.ID, "label", t.Label, "duration", elapsed.String(), "error", err)
	} else {
		logger.Debug("task completed", "task_id", t.ID, "label", t.Label, "duration", elapsed.String())
	}

	p.disp.Complete(t)
}

// runBody invokes the task body with a panic handler.
func runBody(ctx context.Context, t *dep.Task) (err error) {
	if t.Run == nil {
		return nil
	}
	defer func() {
		switch x := recover().(type) {
		case nil:
		case error:
			err = x
		default:
			err = fmt.Errorf("panic in task body: %v", x)
		}
	}()
	return t.Run(ctx)
}
