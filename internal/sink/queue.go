package sink

import (
	"context"
	"sync/atomic"
	"time"

	"pewsched/internal/task/outcome"
	logx "pewsched/pkg/logx"
)

const (
	defaultBuffer = 256
	drainTimeout  = 2 * time.Second
)

// queue decouples Emit from a slow handler. A full queue drops.
type queue struct {
	name    string
	log     logx.Logger
	ch      chan outcome.Event
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func newQueue(name string, buffer int, log logx.Logger) *queue {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &queue{name: name, log: log.With(logx.String("sink", name)), ch: make(chan outcome.Event, buffer)}
}

func (q *queue) Emit(ev outcome.Event) {
	select {
	case q.ch <- ev:
	default:
		if q.dropped.Add(1)%100 == 1 {
			q.log.Warn("sink queue full; dropping events", logx.Uint64("dropped", q.dropped.Load()))
		}
	}
}

// run drains the queue into handle until ctx is done, then flushes what is
// left within drainTimeout.
func (q *queue) run(ctx context.Context, handle func(ctx context.Context, ev outcome.Event) error) error {
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			for {
				select {
				case ev := <-q.ch:
					q.handle(dctx, handle, ev)
				default:
					return nil
				}
			}
		case ev := <-q.ch:
			q.handle(ctx, handle, ev)
		}
	}
}

func (q *queue) handle(ctx context.Context, handle func(ctx context.Context, ev outcome.Event) error, ev outcome.Event) {
	if err := handle(ctx, ev); err != nil {
		q.failed.Add(1)
		q.log.Warn("sink delivery failed", logx.String("task", ev.TaskID), logx.Err(err))
	}
}

// Stats reports queue health.
type Stats struct {
	Queued  int    `json:"queued"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

func (q *queue) stats() Stats {
	return Stats{Queued: len(q.ch), Dropped: q.dropped.Load(), Failed: q.failed.Load()}
}
