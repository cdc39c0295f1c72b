package paloma

import (
	"context"
	"testing"
	"time"
)

func TestTrackerRunsAndShutsDown(t *testing.T) {
	tr := NewTaskTracker(context.Background(), nil)

	done := make(chan struct{})
	if !tr.Go("work", func(ctx context.Context) { close(done) }) {
		t.Fatal("Go must accept tasks before shutdown")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}

	if !tr.Shutdown(time.Second) {
		t.Error("shutdown with no pending tasks must report clean")
	}
	if tr.Go("late", func(ctx context.Context) {}) {
		t.Error("tasks after shutdown must be rejected")
	}
}

func TestTrackerShutdownCancelsSlowTasks(t *testing.T) {
	tr := NewTaskTracker(context.Background(), nil)

	cancelled := make(chan struct{})
	tr.Go("slow", func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	if tr.Shutdown(50 * time.Millisecond) {
		t.Error("shutdown must report the missed deadline")
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("task context never cancelled")
	}
}

func TestTrackerRecoversPanics(t *testing.T) {
	tr := NewTaskTracker(context.Background(), nil)
	tr.Go("explosive", func(ctx context.Context) { panic("boom") })
	if !tr.Shutdown(time.Second) {
		t.Error("a panicking task must still count as finished")
	}
}
