package paloma

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TaskTracker registers background work so shutdown can await it with a
// deadline. Mutations are O(1); the membership set is consulted only at
// shutdown. After Shutdown, new tasks are rejected and run nothing.
type TaskTracker struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	closed   bool
	cancelFn context.CancelFunc
	baseCtx  context.Context
	logger   *slog.Logger
}

// NewTaskTracker creates a tracker whose tasks derive from ctx.
func NewTaskTracker(ctx context.Context, logger *slog.Logger) *TaskTracker {
	if logger == nil {
		logger = nopLogger
	}
	base, cancel := context.WithCancel(ctx)
	return &TaskTracker{baseCtx: base, cancelFn: cancel, logger: logger}
}

// Go runs fn on a tracked goroutine. The context passed to fn is cancelled
// when the shutdown deadline expires, so tasks abort cooperatively.
// Returns false when the tracker is already shut down.
func (t *TaskTracker) Go(name string, fn func(ctx context.Context)) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.logger.Debug("task rejected after shutdown", "task", name)
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				t.logger.Error("background task panic", "task", name, "panic", p)
			}
		}()
		fn(t.baseCtx)
	}()
	return true
}

// Shutdown stops accepting new tasks and waits for pending ones up to
// deadline. Remaining tasks are cancelled cooperatively via their context.
// Returns true when all tasks finished before the deadline.
func (t *TaskTracker) Shutdown(deadline time.Duration) bool {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.cancelFn()
		return true
	case <-time.After(deadline):
		t.logger.Warn("shutdown deadline reached, cancelling remaining tasks")
		t.cancelFn()
		<-done
		return false
	}
}
