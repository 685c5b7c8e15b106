// Package workload loads declarative YAML workload files: a set of data
// handles (optionally grouped under arbiters), a set of tasks with their
// buffer accesses, and an optional scheduling policy. Workloads drive the
// runtime from the CLI and the HTTP API.
package workload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/godep/internal/dep"
	"github.com/me/godep/internal/policy"
	"github.com/me/godep/internal/runtime"
	"github.com/me/godep/pkg/model"
)

// Workload is the parsed form of a workload file.
type Workload struct {
	Name    string       `yaml:"name"`
	Policy  *PolicySpec  `yaml:"policy,omitempty"`
	Handles []HandleSpec `yaml:"handles"`
	Tasks   []TaskSpec   `yaml:"tasks"`
}

// PolicySpec selects the scheduling policy for a run.
type PolicySpec struct {
	Kind   string `yaml:"kind"`             // "fifo" (default) or "script"
	Script string `yaml:"script,omitempty"` // JS source defining priority(task)
}

// HandleSpec declares one data handle.
type HandleSpec struct {
	Name    string `yaml:"name"`
	Arbiter string `yaml:"arbiter,omitempty"` // handles naming the same arbiter share one
	Redux   bool   `yaml:"redux,omitempty"`   // register a reducer for reduction accesses
}

// AccessSpec declares one buffer access of a task.
type AccessSpec struct {
	Handle string `yaml:"handle"`
	Mode   string `yaml:"mode"`
}

// TaskSpec declares one task.
type TaskSpec struct {
	Name     string       `yaml:"name"`
	Accesses []AccessSpec `yaml:"accesses"`
	Duration string       `yaml:"duration,omitempty"` // synthetic body sleep, e.g. "10ms"
	Weight   float64      `yaml:"weight,omitempty"`   // script policy input
}

// Parse unmarshals and validates a workload file.
func Parse(data []byte) (*Workload, error) {
	var w Workload
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workload: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Validate checks referential integrity of the workload.
func (w *Workload) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workload has no name")
	}
	if len(w.Tasks) == 0 {
		return fmt.Errorf("workload %q declares no tasks", w.Name)
	}

	handles := make(map[string]bool, len(w.Handles))
	for i, h := range w.Handles {
		if h.Name == "" {
			return fmt.Errorf("handle %d has no name", i)
		}
		if handles[h.Name] {
			return fmt.Errorf("duplicate handle name %q", h.Name)
		}
		if h.Redux && h.Arbiter != "" {
			return fmt.Errorf("handle %q: redux handles cannot be arbitered", h.Name)
		}
		handles[h.Name] = true
	}

	tasks := make(map[string]bool, len(w.Tasks))
	for i, t := range w.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task %d has no name", i)
		}
		if tasks[t.Name] {
			return fmt.Errorf("duplicate task name %q", t.Name)
		}
		tasks[t.Name] = true
		for _, a := range t.Accesses {
			if !handles[a.Handle] {
				return fmt.Errorf("task %q references unknown handle %q", t.Name, a.Handle)
			}
			if _, err := model.ParseMode(a.Mode); err != nil {
				return fmt.Errorf("task %q: %w", t.Name, err)
			}
		}
		if t.Duration != "" {
			if _, err := time.ParseDuration(t.Duration); err != nil {
				return fmt.Errorf("task %q: bad duration %q: %w", t.Name, t.Duration, err)
			}
		}
	}

	if w.Policy != nil {
		switch w.Policy.Kind {
		case "", "fifo":
		case "script":
			if w.Policy.Script == "" {
				return fmt.Errorf("workload %q: script policy without a script", w.Name)
			}
		default:
			return fmt.Errorf("workload %q: unknown policy kind %q", w.Name, w.Policy.Kind)
		}
	}
	return nil
}

// BuildPolicy constructs the scheduling policy the workload asks for.
func (w *Workload) BuildPolicy(logger *slog.Logger) (dep.Policy, error) {
	if w.Policy == nil || w.Policy.Kind == "" || w.Policy.Kind == "fifo" {
		return policy.NewFIFO(), nil
	}
	return policy.NewScript(w.Policy.Script, logger)
}

// Result summarizes one workload run.
type Result struct {
	Name    string        `json:"name"`
	Tasks   int           `json:"tasks"`
	Failed  int           `json:"failed"`
	Elapsed time.Duration `json:"elapsed"`
}

// Run registers the workload's handles, submits its tasks, waits for all
// of them and unregisters the handles again.
func (w *Workload) Run(ctx context.Context, rt *runtime.Runtime, logger *slog.Logger) (*Result, error) {
	start := time.Now()

	arbiters := make(map[string]*dep.Arbiter)
	handles := make(map[string]*dep.Handle, len(w.Handles))
	for _, hs := range w.Handles {
		h := rt.RegisterData(hs.Name)
		if hs.Arbiter != "" {
			a, ok := arbiters[hs.Arbiter]
			if !ok {
				a = rt.NewArbiter()
				arbiters[hs.Arbiter] = a
			}
			h.AssignArbiter(a)
		}
		if hs.Redux {
			// Synthetic combine body; real users register their own.
			h.SetReducer(func(ctx context.Context) error { return nil })
		}
		handles[hs.Name] = h
	}

	tasks := make([]*dep.Task, 0, len(w.Tasks))
	for _, ts := range w.Tasks {
		accesses := make([]dep.Access, 0, len(ts.Accesses))
		for _, a := range ts.Accesses {
			m, _ := model.ParseMode(a.Mode)
			accesses = append(accesses, dep.Access{Handle: handles[a.Handle], Mode: m})
		}

		var d time.Duration
		if ts.Duration != "" {
			d, _ = time.ParseDuration(ts.Duration)
		}
		t := dep.NewTask(ts.Name, accesses, sleepBody(d))
		if ts.Weight != 0 {
			t.Meta = map[string]any{"weight": ts.Weight}
		}
		tasks = append(tasks, t)

		if err := rt.Submit(t); err != nil {
			return nil, fmt.Errorf("submit task %q: %w", ts.Name, err)
		}
	}

	failed := 0
	for _, t := range tasks {
		if err := t.Wait(ctx); err != nil {
			return nil, err
		}
		if t.Err() != nil {
			failed++
		}
	}

	for _, hs := range w.Handles {
		rt.UnregisterData(handles[hs.Name])
	}

	res := &Result{
		Name:    w.Name,
		Tasks:   len(tasks),
		Failed:  failed,
		Elapsed: time.Since(start),
	}
	logger.Info("workload finished", "name", w.Name, "tasks", res.Tasks, "failed", res.Failed, "elapsed", res.Elapsed.String())
	return res, nil
}

// sleepBody returns a task body that sleeps for d (or returns immediately).
func sleepBody(d time.Duration) func(ctx context.Context) error {
	if d <= 0 {
		return nil
	}
	return func(ctx context.Context) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
