package scheduler

import (
	"context"
	"sync"
)

// Handle is the scheduler's grip on one inflight worker: a cancellable
// context plus a pause gate the executor blocks on between stages.
type Handle struct {
	jobID  string
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	paused chan struct{} // non-nil while paused, closed on resume
}

// NewHandle creates a handle whose context derives from parent.
func NewHandle(parent context.Context, jobID string) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{jobID: jobID, ctx: ctx, cancel: cancel}
}

// JobID returns the job this handle controls.
func (h *Handle) JobID() string { return h.jobID }

// Context returns the worker context; it is cancelled by Cancel or by
// scheduler shutdown.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancel signals cooperative cancellation. Engines observe it at segment
// boundaries, the executor between stages.
func (h *Handle) Cancel() { h.cancel() }

func (h *Handle) pause() {
	h.mu.Lock()
	if h.paused == nil {
		h.paused = make(chan struct{})
	}
	h.mu.Unlock()
}

func (h *Handle) resume() {
	h.mu.Lock()
	if h.paused != nil {
		close(h.paused)
		h.paused = nil
	}
	h.mu.Unlock()
}

func (h *Handle) isPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused != nil
}

// Checkpoint is the executor's between-stage suspension point: it returns
// the context error if the job was cancelled and otherwise blocks while
// the job is paused. Cancellation wins over pause.
func (h *Handle) Checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.mu.Lock()
		gate := h.paused
		h.mu.Unlock()
		if gate == nil {
			return nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
