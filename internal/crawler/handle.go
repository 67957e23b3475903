package crawler

import (
	"context"
	"sync"
	"time"
)

// RunHandle is returned by a started preload run.
type RunHandle struct {
	ID        string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	summary Summary
	err     error
}

// NewRunHandle creates a handle whose Cancel calls cancel.
func NewRunHandle(id string, startedAt time.Time, cancel context.CancelFunc) *RunHandle {
	return &RunHandle{
		ID:        id,
		StartedAt: startedAt,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Cancel asks the run to stop claiming new work. It does not wait.
func (h *RunHandle) Cancel() {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}

// Done is closed once the run has fully stopped.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Complete records the result and closes Done. Only the first call has effect.
func (h *RunHandle) Complete(summary Summary, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.summary = summary
	h.err = err
	close(h.done)
}

// Wait blocks until the run stops or ctx ends.
func (h *RunHandle) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.summary, h.err
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}
