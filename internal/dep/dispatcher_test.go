package dep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/me/godep/pkg/model"
)

// recordPolicy captures ready tasks without executing them, so tests can
// drive completion by hand and observe promotion order deterministically.
type recordPolicy struct {
	mu    sync.Mutex
	ready []*Task
}

func (p *recordPolicy) PushReady(t *Task) {
	p.mu.Lock()
	p.ready = append(p.ready, t)
	p.mu.Unlock()
}

func (p *recordPolicy) PopForWorker(ctx context.Context, workerID int) (*Task, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *recordPolicy) labels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ready))
	for i, t := range p.ready {
		out[i] = t.Label
	}
	return out
}

func (p *recordPolicy) has(label string) bool {
	for _, l := range p.labels() {
		if l == label {
			return true
		}
	}
	return false
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *recordPolicy) {
	t.Helper()
	pol := &recordPolicy{}
	return NewDispatcher(pol, slog.New(slog.DiscardHandler)), pol
}

// finish drives a ready task through RUNNING to DONE.
func finish(t *testing.T, d *Dispatcher, task *Task) {
	t.Helper()
	if got := task.State(); got != model.TaskStateReady {
		t.Fatalf("task %s: state = %s, want READY before finish", task.Label, got)
	}
	d.MarkRunning(task, 0)
	d.Complete(task)
}

func wantState(t *testing.T, task *Task, want model.TaskState) {
	t.Helper()
	if got := task.State(); got != want {
		t.Fatalf("task %s: state = %s, want %s", task.Label, got, want)
	}
}

func submit(t *testing.T, d *Dispatcher, task *Task) {
	t.Helper()
	if err := d.Submit(task); err != nil {
		t.Fatalf("Submit(%s): %v", task.Label, err)
	}
}

func TestZeroBufferTaskReadyImmediately(t *testing.T) {
	d, pol := newTestDispatcher(t)

	task := NewTask("empty", nil, nil)
	submit(t, d, task)

	wantState(t, task, model.TaskStateReady)
	if !pol.has("empty") {
		t.Fatal("policy did not receive the task")
	}
}

func TestWriteAfterWrite(t *testing.T) {
	d, pol := newTestDispatcher(t)
	h := d.Register("h")

	t1 := NewTask("t1", []Access{{h, model.ModeW}}, nil)
	t2 := NewTask("t2", []Access{{h, model.ModeW}}, nil)

	submit(t, d, t1)
	wantState(t, t1, model.TaskStateReady)

	submit(t, d, t2)
	wantState(t, t2, model.TaskStateWaiting)
	if t2.Unmet() != 1 {
		t.Fatalf("t2.Unmet() = %d, want 1", t2.Unmet())
	}

	finish(t, d, t1)
	wantState(t, t2, model.TaskStateReady)
	if got := pol.labels(); len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Fatalf("ready order = %v, want [t1 t2]", got)
	}

	finish(t, d, t2)
	info := h.Snapshot()
	if info.RefCount != 0 || info.BusyCount != 0 {
		t.Fatalf("handle not idle after completion: %+v", info)
	}
}

func TestReadCohort(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")

	tasks := []*Task{
		NewTask("r1", []Access{{h, model.ModeR}}, nil),
		NewTask("r2", []Access{{h, model.ModeR}}, nil),
		NewTask("r3", []Access{{h, model.ModeR}}, nil),
	}
	for _, task := range tasks {
		submit(t, d, task)
	}
	for _, task := range tasks {
		wantState(t, task, model.TaskStateReady)
	}

	info := h.Snapshot()
	if info.RefCount != 3 {
		t.Fatalf("ref_count = %d, want 3", info.RefCount)
	}
	if info.RefCount > info.BusyCount {
		t.Fatalf("ref_count %d exceeds busy_count %d", info.RefCount, info.BusyCount)
	}

	for _, task := range tasks {
		finish(t, d, task)
	}
}

func TestWriterBreaksReaders(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")

	t1 := NewTask("t1", []Access{{h, model.ModeR}}, nil)
	t2 := NewTask("t2", []Access{{h, model.ModeW}}, nil)
	t3 := NewTask("t3", []Access{{h, model.ModeR}}, nil)

	submit(t, d, t1)
	submit(t, d, t2)
	submit(t, d, t3)

	wantState(t, t1, model.TaskStateReady)
	wantState(t, t2, model.TaskStateWaiting)
	wantState(t, t3, model.TaskStateWaiting)

	finish(t, d, t1)
	wantState(t, t2, model.TaskStateReady)
	wantState(t, t3, model.TaskStateWaiting)
	if info := h.Snapshot(); info.RefCount != 1 {
		t.Fatalf("ref_count = %d, want 1 (writer)", info.RefCount)
	}

	finish(t, d, t2)
	wantState(t, t3, model.TaskStateReady)
	finish(t, d, t3)
}

func TestCommuteCohort(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")

	var tasks []*Task
	for _, name := range []string{"c1", "c2", "c3", "c4"} {
		task := NewTask(name, []Access{{h, model.ModeW | model.ModeCommute}}, nil)
		tasks = append(tasks, task)
		submit(t, d, task)
	}
	for _, task := range tasks {
		wantState(t, task, model.TaskStateReady)
	}
	if info := h.Snapshot(); info.RefCount != 4 {
		t.Fatalf("ref_count = %d, want 4", info.RefCount)
	}

	// Any completion interleaving is permitted.
	finish(t, d, tasks[2])
	finish(t, d, tasks[0])
	finish(t, d, tasks[3])
	finish(t, d, tasks[1])
}

func TestCommuteInterrupted(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")

	c1 := NewTask("c1", []Access{{h, model.ModeW | model.ModeCommute}}, nil)
	c2 := NewTask("c2", []Access{{h, model.ModeW | model.ModeCommute}}, nil)
	w := NewTask("w", []Access{{h, model.ModeW}}, nil)
	c3 := NewTask("c3", []Access{{h, model.ModeW | model.ModeCommute}}, nil)

	submit(t, d, c1)
	submit(t, d, c2)
	submit(t, d, w)
	submit(t, d, c3)

	wantState(t, c1, model.TaskStateReady)
	wantState(t, c2, model.TaskStateReady)
	// The plain write waits for the whole commute cohort to drain, and
	// the late commuter queues behind the write.
	wantState(t, w, model.TaskStateWaiting)
	wantState(t, c3, model.TaskStateWaiting)

	finish(t, d, c1)
	wantState(t, w, model.TaskStateWaiting)
	finish(t, d, c2)
	wantState(t, w, model.TaskStateReady)
	wantState(t, c3, model.TaskStateWaiting)

	finish(t, d, w)
	wantState(t, c3, model.TaskStateReady)
	finish(t, d, c3)
}

func TestDuplicateAccessesCollapse(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")

	task := NewTask("dup", []Access{{h, model.ModeR}, {h, model.ModeW}}, nil)
	submit(t, d, task)
	wantState(t, task, model.TaskStateReady)

	// A single joined RW reference, not two.
	if info := h.Snapshot(); info.RefCount != 1 || info.Mode != "RW" {
		t.Fatalf("snapshot = %+v, want one RW reference", info)
	}
	finish(t, d, task)
}

func TestMultiHandleChain(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ha := d.Register("a")
	hb := d.Register("b")

	t1 := NewTask("t1", []Access{{ha, model.ModeW}}, nil)
	t2 := NewTask("t2", []Access{{ha, model.ModeR}, {hb, model.ModeW}}, nil)
	t3 := NewTask("t3", []Access{{hb, model.ModeR}}, nil)

	submit(t, d, t1)
	submit(t, d, t2)
	submit(t, d, t3)

	wantState(t, t1, model.TaskStateReady)
	// t2 parks on a; it has not requested b yet, so t3 takes b first.
	wantState(t, t2, model.TaskStateWaiting)
	wantState(t, t3, model.TaskStateReady)
	if t2.Unmet() != 2 {
		t.Fatalf("t2.Unmet() = %d, want 2", t2.Unmet())
	}

	finish(t, d, t3)
	wantState(t, t2, model.TaskStateWaiting)

	finish(t, d, t1)
	wantState(t, t2, model.TaskStateReady)
	if t2.Unmet() != 0 {
		t.Fatalf("t2.Unmet() = %d, want 0", t2.Unmet())
	}
	finish(t, d, t2)
}

func TestSubmitRejectsInvalidModes(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")

	for _, tt := range []struct {
		name     string
		accesses []Access
	}{
		{"none mode", []Access{{h, model.ModeNone}}},
		{"commute redux", []Access{{h, model.ModeRedux | model.ModeCommute}}},
		{"conflicting duplicates", []Access{{h, model.ModeRedux}, {h, model.ModeR}}},
	} {
		task := NewTask(tt.name, tt.accesses, nil)
		err := d.Submit(task)
		if !errors.Is(err, model.ErrInvalidMode) {
			t.Errorf("%s: Submit error = %v, want ErrInvalidMode", tt.name, err)
		}
	}

	if err := d.Submit(NewTask("nil handle", []Access{{nil, model.ModeR}}, nil)); err == nil {
		t.Error("submit with nil handle succeeded")
	}
}

func TestReduxOnArbiteredHandleRejected(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")
	h.AssignArbiter(d.NewArbiter())

	err := d.Submit(NewTask("redux", []Access{{h, model.ModeRedux}}, nil))
	if !errors.Is(err, model.ErrInvalidMode) {
		t.Fatalf("Submit error = %v, want ErrInvalidMode", err)
	}
}

func TestArbiterPairedHandles(t *testing.T) {
	d, _ := newTestDispatcher(t)
	arb := d.NewArbiter()
	h1 := d.Register("h1")
	h2 := d.Register("h2")
	h1.AssignArbiter(arb)
	h2.AssignArbiter(arb)

	t1 := NewTask("t1", []Access{{h1, model.ModeW}, {h2, model.ModeW}}, nil)
	t2 := NewTask("t2", []Access{{h2, model.ModeW}}, nil)
	t3 := NewTask("t3", []Access{{h1, model.ModeW}}, nil)

	submit(t, d, t1)
	wantState(t, t1, model.TaskStateReady)

	submit(t, d, t2)
	wantState(t, t2, model.TaskStateWaiting)
	submit(t, d, t3)
	wantState(t, t3, model.TaskStateWaiting)

	finish(t, d, t1)
	// One release per handle, each promoting the task parked on it.
	wantState(t, t2, model.TaskStateReady)
	wantState(t, t3, model.TaskStateReady)

	finish(t, d, t2)
	finish(t, d, t3)
}

func TestArbiterOpportunism(t *testing.T) {
	d, _ := newTestDispatcher(t)
	arb := d.NewArbiter()
	h1 := d.Register("h1")
	h2 := d.Register("h2")
	h3 := d.Register("h3")
	for _, h := range []*Handle{h1, h2, h3} {
		h.AssignArbiter(arb)
	}

	t1 := NewTask("t1", []Access{{h1, model.ModeW}, {h2, model.ModeW}}, nil)
	t2 := NewTask("t2", []Access{{h1, model.ModeW}}, nil)
	t3 := NewTask("t3", []Access{{h2, model.ModeW}, {h3, model.ModeW}}, nil)

	submit(t, d, t1)
	submit(t, d, t2)
	submit(t, d, t3)

	wantState(t, t1, model.TaskStateReady)
	wantState(t, t2, model.TaskStateWaiting)
	wantState(t, t3, model.TaskStateWaiting)

	// Strict FIFO would serialize t3 behind t2; the arbiter dispatches
	// both since they conflict on nothing in common.
	finish(t, d, t1)
	wantState(t, t2, model.TaskStateReady)
	wantState(t, t3, model.TaskStateReady)

	finish(t, d, t2)
	finish(t, d, t3)
}

func TestArbiterAfterNonArbiteredPrefix(t *testing.T) {
	d, _ := newTestDispatcher(t)
	plain := d.Register("plain")
	arb := d.NewArbiter()
	g1 := d.Register("g1")
	g1.AssignArbiter(arb)

	t1 := NewTask("t1", []Access{{plain, model.ModeW}}, nil)
	t2 := NewTask("t2", []Access{{g1, model.ModeW}, {plain, model.ModeR}}, nil)

	submit(t, d, t1)
	submit(t, d, t2)
	// t2 parks on the non-arbitered prefix and has not touched g1 yet.
	wantState(t, t2, model.TaskStateWaiting)
	if info := g1.Snapshot(); info.BusyCount != 0 {
		t.Fatalf("g1 busy_count = %d, want 0 before prefix granted", info.BusyCount)
	}

	finish(t, d, t1)
	wantState(t, t2, model.TaskStateReady)
	finish(t, d, t2)

	for _, h := range []*Handle{plain, g1} {
		if info := h.Snapshot(); info.RefCount != 0 || info.BusyCount != 0 {
			t.Fatalf("handle %s not idle: %+v", info.Label, info)
		}
	}
}

func TestTwoArbiterGroups(t *testing.T) {
	d, _ := newTestDispatcher(t)
	arbA := d.NewArbiter()
	arbB := d.NewArbiter()
	a1 := d.Register("a1")
	a1.AssignArbiter(arbA)
	b1 := d.Register("b1")
	b1.AssignArbiter(arbB)

	t1 := NewTask("t1", []Access{{b1, model.ModeW}, {a1, model.ModeW}}, nil)
	submit(t, d, t1)
	wantState(t, t1, model.TaskStateReady)

	t2 := NewTask("t2", []Access{{a1, model.ModeW}, {b1, model.ModeW}}, nil)
	submit(t, d, t2)
	wantState(t, t2, model.TaskStateWaiting)

	finish(t, d, t1)
	wantState(t, t2, model.TaskStateReady)
	finish(t, d, t2)
}

func TestUnmetCountsGrants(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ha := d.Register("a")
	hb := d.Register("b")

	blocker := NewTask("blocker", []Access{{hb, model.ModeW}}, nil)
	submit(t, d, blocker)

	task := NewTask("task", []Access{{ha, model.ModeR}, {hb, model.ModeR}}, nil)
	submit(t, d, task)
	// a granted, b parked.
	wantState(t, task, model.TaskStateWaiting)
	if task.Unmet() != 1 {
		t.Fatalf("Unmet() = %d, want 1", task.Unmet())
	}

	finish(t, d, blocker)
	wantState(t, task, model.TaskStateReady)
	if task.Unmet() != 0 {
		t.Fatalf("Unmet() = %d, want 0", task.Unmet())
	}
	finish(t, d, task)
}
