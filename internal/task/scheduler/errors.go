package scheduler

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrStopped        = errors.New("scheduler stopped")
)

// EvaluatorInternalError aborts a single tick. It is never fatal: the next
// tick evaluates again from scratch.
type EvaluatorInternalError struct {
	At     time.Time
	TaskID string
	Panic  any
	Stack  []byte
}

func (e *EvaluatorInternalError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("evaluator internal error at %s (task %q): %v", e.At.Format(time.RFC3339), e.TaskID, e.Panic)
	}
	return fmt.Sprintf("evaluator internal error at %s: %v", e.At.Format(time.RFC3339), e.Panic)
}

// IsEvaluatorInternal reports whether err is (or wraps) an EvaluatorInternalError.
func IsEvaluatorInternal(err error) bool {
	var e *EvaluatorInternalError
	return errors.As(err, &e)
}
