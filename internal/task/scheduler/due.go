package scheduler

import (
	"runtime/debug"
	"time"

	"pewsched/internal/task/registry"
)

// Evaluator computes the due set for a tick. It only reads: the registry
// snapshot and the last-fired instants.
type Evaluator struct {
	reg       *registry.Registry
	lastFired func(id string) time.Time
}

func NewEvaluator(reg *registry.Registry, lastFired func(id string) time.Time) *Evaluator {
	if lastFired == nil {
		lastFired = func(string) time.Time { return time.Time{} }
	}
	return &Evaluator{reg: reg, lastFired: lastFired}
}

// DueAt returns the ids due at now, in registration order.
func (e *Evaluator) DueAt(now time.Time) ([]string, error) {
	defs, err := e.due(now)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(defs))
	for i, d := range defs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (e *Evaluator) due(now time.Time) (out []registry.Definition, err error) {
	var current string
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &EvaluatorInternalError{At: now, TaskID: current, Panic: r, Stack: debug.Stack()}
		}
	}()

	for _, d := range e.reg.All() {
		current = d.ID
		if d.Expr.IsDue(now, e.lastFired(d.ID)) {
			out = append(out, d)
		}
	}
	return out, nil
}
