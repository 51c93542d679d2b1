package dispatch

import (
	"context"
	"sync"
	"time"

	"pewsched/internal/task/coordinator"
	"pewsched/internal/task/outcome"
)

// Handle tracks one dispatched run. It is finalized exactly once, either by
// the run completing or by being abandoned; the other path becomes a no-op.
type Handle struct {
	TaskID     string
	RunID      string
	Lease      coordinator.Lease
	Background bool
	Queued     time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	started   time.Time
	finalized bool
	out       outcome.Outcome
}

func newHandle(taskID, runID string, lease coordinator.Lease, background bool, cancel context.CancelFunc) *Handle {
	return &Handle{
		TaskID:     taskID,
		RunID:      runID,
		Lease:      lease,
		Background: background,
		Queued:     time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Done is closed after the outcome is recorded and the lease released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the final outcome once Done is closed.
func (h *Handle) Outcome() (outcome.Outcome, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.out, h.finalized
}

// Wait blocks until the run is finalized or ctx is done.
func (h *Handle) Wait(ctx context.Context) (outcome.Outcome, error) {
	select {
	case <-h.done:
		o, _ := h.Outcome()
		return o, nil
	case <-ctx.Done():
		return outcome.Outcome{}, ctx.Err()
	}
}

// Cancel signals the unit's context. It does not finalize the handle.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Handle) markStarted(t time.Time) {
	h.mu.Lock()
	h.started = t
	h.mu.Unlock()
}

func (h *Handle) startedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started.IsZero() {
		return h.Queued
	}
	return h.started
}

// claim reserves the right to finalize. Only the first caller gets true.
func (h *Handle) claim(o outcome.Outcome) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finalized {
		return false
	}
	h.finalized = true
	h.out = o
	return true
}
