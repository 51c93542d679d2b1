package sink

import (
	"context"
	"time"

	"pewsched/internal/task/outcome"
	logx "pewsched/pkg/logx"
)

const storeWriteTimeout = 5 * time.Second

// RunAppender is the part of storage.Store the history sink needs.
type RunAppender interface {
	AppendRun(ctx context.Context, ev outcome.Event) error
}

// Store records run history. Skips are not written.
type Store struct {
	q   *queue
	dst RunAppender
}

func NewStore(dst RunAppender, buffer int, log logx.Logger) *Store {
	return &Store{q: newQueue("store", buffer, log), dst: dst}
}

func (s *Store) Emit(ev outcome.Event) {
	if ev.Status == outcome.StatusSkipped {
		return
	}
	s.q.Emit(ev)
}

// Run drains queued events until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	return s.q.run(ctx, func(ctx context.Context, ev outcome.Event) error {
		wctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
		defer cancel()
		return s.dst.AppendRun(wctx, ev)
	})
}

func (s *Store) Stats() Stats { return s.q.stats() }
