// Package unit defines the executable body of a scheduled task.
//
// The scheduler treats every unit as opaque: it calls Execute with a context
// that carries the run deadline and inspects the returned Result.
package unit

import (
	"context"
)

// Result is the terminal state of one execution.
// A non-zero ExitStatus is reported as a failed run even when err is nil.
type Result struct {
	ExitStatus int
	Output     []byte
}

// Unit is anything the scheduler can run.
//
// Execute should return promptly once ctx is done; units that ignore
// cancellation are detached by the dispatcher after a grace period.
type Unit interface {
	Execute(ctx context.Context) (Result, error)
}

// Func adapts a plain function. A nil error maps to exit status 0.
type Func func(ctx context.Context) error

func (f Func) Execute(ctx context.Context) (Result, error) {
	if err := f(ctx); err != nil {
		return Result{ExitStatus: 1}, err
	}
	return Result{}, nil
}

// ResultFunc adapts a function that reports its own Result.
type ResultFunc func(ctx context.Context) (Result, error)

func (f ResultFunc) Execute(ctx context.Context) (Result, error) { return f(ctx) }

// Describer is implemented by units that can print a short human label
// (used by `pewsched list`).
type Describer interface {
	Describe() string
}

// Describe returns a label for u.
func Describe(u Unit) string {
	switch v := u.(type) {
	case nil:
		return "<nil>"
	case Describer:
		return v.Describe()
	case Func, ResultFunc:
		return "func"
	default:
		return "custom"
	}
}
