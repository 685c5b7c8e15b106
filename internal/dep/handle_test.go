package dep

import (
	"context"
	"testing"
	"time"

	"github.com/me/godep/pkg/model"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")
	before := h.Snapshot()

	if err := d.Acquire(context.Background(), h, model.ModeR); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if info := h.Snapshot(); info.RefCount != 1 || info.BusyCount != 1 || info.Mode != "R" {
		t.Fatalf("after acquire: %+v", info)
	}
	d.Release(h)

	after := h.Snapshot()
	if after != before {
		t.Fatalf("state changed across acquire/release: before %+v, after %+v", before, after)
	}
}

func TestAcquireWaitsForWriter(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")

	w := NewTask("w", []Access{{h, model.ModeW}}, nil)
	submit(t, d, w)

	acquired := make(chan error, 1)
	go func() {
		acquired <- d.Acquire(context.Background(), h, model.ModeR)
	}()

	select {
	case err := <-acquired:
		t.Fatalf("Acquire returned %v while writer active", err)
	case <-time.After(50 * time.Millisecond):
	}

	finish(t, d, w)

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return after writer completed")
	}
	d.Release(h)
}

func TestAcquireCancelRemovesRequester(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")

	w := NewTask("w", []Access{{h, model.ModeW}}, nil)
	submit(t, d, w)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Acquire(ctx, h, model.ModeR)
	}()

	// Let the requester park, then cancel.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("Acquire error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not observe cancellation")
	}

	if info := h.Snapshot(); info.QueueLen != 0 || info.BusyCount != 1 {
		t.Fatalf("requester not cleaned up: %+v", info)
	}
	finish(t, d, w)
}

func TestAcquireOnArbiteredHandle(t *testing.T) {
	d, _ := newTestDispatcher(t)
	arb := d.NewArbiter()
	h := d.Register("h")
	h.AssignArbiter(arb)

	if err := d.Acquire(context.Background(), h, model.ModeW); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	second := make(chan error, 1)
	go func() {
		second <- d.Acquire(context.Background(), h, model.ModeW)
	}()
	select {
	case err := <-second:
		t.Fatalf("second Acquire returned %v while held", err)
	case <-time.After(50 * time.Millisecond):
	}

	d.Release(h)
	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("second Acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("release did not promote the queued acquisition")
	}
	d.Release(h)
}

func TestUnregisterBlocksUntilIdle(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")

	w := NewTask("w", []Access{{h, model.ModeW}}, nil)
	submit(t, d, w)

	done := make(chan struct{})
	go func() {
		d.Unregister(h)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Unregister returned while the handle was busy")
	case <-time.After(50 * time.Millisecond):
	}

	finish(t, d, w)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unregister did not return after the handle drained")
	}

	if len(d.Handles()) != 0 {
		t.Fatal("handle still listed after unregister")
	}
}

func TestAssignArbiterAfterUsePanics(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")

	if err := d.Acquire(context.Background(), h, model.ModeR); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer d.Release(h)

	defer func() {
		if recover() == nil {
			t.Fatal("AssignArbiter on a busy handle did not panic")
		}
	}()
	h.AssignArbiter(d.NewArbiter())
}

func TestReleaseUnheldPanics(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")

	defer func() {
		if recover() == nil {
			t.Fatal("Release of an unheld handle did not panic")
		}
	}()
	d.Release(h)
}

func TestCohortPromotionOfReaders(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := d.Register("h")

	w := NewTask("w", []Access{{h, model.ModeW}}, nil)
	submit(t, d, w)

	var readers []*Task
	for _, name := range []string{"r1", "r2", "r3"} {
		r := NewTask(name, []Access{{h, model.ModeR}}, nil)
		readers = append(readers, r)
		submit(t, d, r)
		wantState(t, r, model.TaskStateWaiting)
	}

	// A single release promotes the whole compatible cohort.
	finish(t, d, w)
	for _, r := range readers {
		wantState(t, r, model.TaskStateReady)
	}
	if info := h.Snapshot(); info.RefCount != 3 {
		t.Fatalf("ref_count = %d, want 3", info.RefCount)
	}
	for _, r := range readers {
		finish(t, d, r)
	}
}
