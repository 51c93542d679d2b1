package registry

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

type OverlapPolicy int

const (
	// OverlapDefault defers to the scheduler-wide default policy.
	OverlapDefault OverlapPolicy = iota
	OverlapAllow
	// OverlapSkip skips a due run while a previous run still holds the lock
	// (withoutOverlapping).
	OverlapSkip
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapAllow:
		return "allow"
	case OverlapSkip:
		return "skip"
	default:
		return "default"
	}
}

// ParseOverlapPolicy accepts "allow", "skip" (or "skip_if_running") and "" (default).
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return OverlapDefault, nil
	case "allow", "allow_overlapping":
		return OverlapAllow, nil
	case "skip", "skip_if_running", "without_overlapping":
		return OverlapSkip, nil
	}
	return OverlapDefault, errors.Newf("unknown overlap policy %q", s)
}

// Predicate is a custom admission filter evaluated at tick time.
type Predicate func(now time.Time) bool

// Output names the file a run's captured output is written to.
type Output struct {
	Path   string
	Append bool
}

// Constraints are the per-task admission and execution options.
type Constraints struct {
	Overlap OverlapPolicy
	// OverlapExpiry is the maximum age of a held lock before the recovery
	// sweep reclaims it. Zero means the coordinator default (24h).
	OverlapExpiry time.Duration

	RunInBackground bool

	// Environments restricts the task to these environment names. Empty means any.
	Environments      []string
	EvenInMaintenance bool

	When []Predicate
	Skip []Predicate

	Between       *Window
	UnlessBetween *Window

	// Timeout is the maximum runtime of one run. Zero means none.
	Timeout  time.Duration
	Output   Output
	RetryMax int
}

// WithoutOverlapping reports whether a running instance blocks new runs.
func (c Constraints) WithoutOverlapping() bool { return c.Overlap == OverlapSkip }

// AllowsEnvironment reports whether env is in the allowed list.
func (c Constraints) AllowsEnvironment(env string) bool {
	if len(c.Environments) == 0 {
		return true
	}
	for _, e := range c.Environments {
		if strings.EqualFold(strings.TrimSpace(e), strings.TrimSpace(env)) {
			return true
		}
	}
	return false
}

// Window is a daily wall-clock range [From, To], both ends included. From > To
// wraps past midnight.
type Window struct {
	From time.Duration // offset from local midnight
	To   time.Duration
}

// ParseWindow parses two "HH:MM" clock values.
func ParseWindow(from, to string) (Window, error) {
	f, err := parseClockOffset(from)
	if err != nil {
		return Window{}, errors.Wrap(err, "window start")
	}
	t, err := parseClockOffset(to)
	if err != nil {
		return Window{}, errors.Wrap(err, "window end")
	}
	if f == t {
		return Window{}, errors.Newf("window %s-%s is empty", from, to)
	}
	return Window{From: f, To: t}, nil
}

// Contains reports whether the wall-clock time of t falls inside w.
// t must already be in the scheduler location.
func (w Window) Contains(t time.Time) bool {
	off := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	if w.From < w.To {
		return off >= w.From && off <= w.To
	}
	return off >= w.From || off <= w.To
}

func (w Window) String() string {
	return formatClock(w.From) + "-" + formatClock(w.To)
}

func parseClockOffset(s string) (time.Duration, error) {
	tm, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Newf("invalid clock %q, expected HH:MM", s)
	}
	return time.Duration(tm.Hour())*time.Hour + time.Duration(tm.Minute())*time.Minute, nil
}

func formatClock(d time.Duration) string {
	return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Add(d).Format("15:04")
}
