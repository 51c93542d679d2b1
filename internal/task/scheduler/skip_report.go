package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pewsched/internal/task/coordinator"
	logx "pewsched/pkg/logx"
)

const skipWarnEvery = 5 * time.Minute

// skipReporter logs admission skips. Routine skips (overlap, filters) go to
// debug; a task that keeps being skipped gets an info line at most once per
// skipWarnEvery.
type skipReporter struct {
	log logx.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newSkipReporter(log logx.Logger) *skipReporter {
	return &skipReporter{log: log, limiters: make(map[string]*rate.Limiter)}
}

func (r *skipReporter) limiter(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.limiters[id]
	if l == nil {
		l = rate.NewLimiter(rate.Every(skipWarnEvery), 1)
		r.limiters[id] = l
	}
	return l
}

func (r *skipReporter) report(id string, reason coordinator.Reason) {
	switch reason {
	case coordinator.ReasonPredicatePanic:
		if r.limiter(id).Allow() {
			r.log.Warn("task skipped: predicate panicked", logx.String("task", id))
		}
		return
	case coordinator.ReasonOverlap:
		if r.limiter(id).Allow() {
			r.log.Info("task skipped: previous run still active", logx.String("task", id))
			return
		}
	}
	r.log.Debug("task skipped", logx.String("task", id), logx.String("reason", string(reason)))
}
