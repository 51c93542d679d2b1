package recurrence

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// MalformedError is returned when a schedule string cannot be parsed.
// It is raised at registration time only; evaluation never fails.
type MalformedError struct {
	Expr  string
	cause error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed recurrence %q: %v", e.Expr, e.cause)
}

func (e *MalformedError) Unwrap() error { return e.cause }

func malformed(expr string, cause error) error {
	return &MalformedError{Expr: expr, cause: cause}
}

func malformedf(expr, format string, args ...any) error {
	return malformed(expr, errors.Newf(format, args...))
}

// IsMalformed reports whether err (or anything it wraps) is a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
