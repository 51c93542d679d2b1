// Package storage persists the little state the scheduler keeps across
// restarts: the last fire instant per task, plus an optional run history.
package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"pewsched/internal/task/outcome"
)

var ErrClosed = errors.New("storage closed")

// Config selects a backend.
//
// Driver values:
//   - "file": jsonl journal + snapshot under Path
//   - "sqlite": SQLite database at Path (build tag sqlite)
//   - "postgres": PostgreSQL at DSN
//
// Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
	// HistoryLimit caps rows returned by RecentRuns. 0 means 100.
	HistoryLimit int
}

// Store implements scheduler.LastFiredStore and records run events.
type Store interface {
	PutLastFired(ctx context.Context, taskID string, at time.Time) error
	LoadLastFired(ctx context.Context) (map[string]time.Time, error)
	AppendRun(ctx context.Context, ev outcome.Event) error
	RecentRuns(ctx context.Context, taskID string, limit int) ([]outcome.Event, error)
	Close() error
}
