package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Expression answers whether a compiled rule is due.
type Expression interface {
	// IsDue reports whether the rule matches now, given the last fire instant.
	// A zero last means the task never fired.
	IsDue(now, last time.Time) bool
	// Next returns the first instant strictly after t at which the rule would
	// fire, assuming it fired at t. Zero means "never" (e.g. Feb 30).
	Next(t time.Time) time.Time
	Kind() Kind
	String() string
}

// New parses raw and binds it to loc.
func New(raw string, loc *time.Location) (Expression, error) {
	r, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Compile(r, loc)
}

// MustNew is New for static schedules; it panics on error.
func MustNew(raw string, loc *time.Location) Expression {
	e, err := New(raw, loc)
	if err != nil {
		panic(err)
	}
	return e
}

// Compile binds a parsed rule to a location. A nil loc means UTC.
func Compile(r Rule, loc *time.Location) (Expression, error) {
	if loc == nil {
		loc = time.UTC
	}
	days := newWeekdaySet(r.Weekdays)
	switch r.Kind {
	case KindInterval:
		if r.Every <= 0 {
			return nil, malformedf(r.Raw, "interval must be > 0")
		}
		return &intervalExpr{src: r.Raw, every: r.Every, loc: loc, days: days}, nil
	case KindCron:
		sched, err := cronParser.Parse(r.Cron)
		if err != nil {
			return nil, malformed(r.Raw, errors.Wrap(err, "cron"))
		}
		spec, ok := sched.(*cron.SpecSchedule)
		if !ok {
			return nil, malformedf(r.Raw, "unsupported cron schedule %T", sched)
		}
		cp := *spec
		if !hasTZPrefix(r.Cron) {
			cp.Location = loc
		}
		return &cronExpr{
			src:     r.Raw,
			spec:    &cp,
			seconds: len(strings.Fields(stripTZ(r.Cron))) == 6,
			days:    days,
		}, nil
	default:
		return nil, malformedf(r.Raw, "unsupported schedule kind %d", r.Kind)
	}
}

// ---- cron ----

// starBit marks a field written as "*" or "?" in robfig/cron bitsets.
const starBit = 1 << 63

type cronExpr struct {
	src     string
	spec    *cron.SpecSchedule
	seconds bool // 6-field spec: slots are one second wide, otherwise one minute
	days    weekdaySet
}

func (c *cronExpr) Kind() Kind     { return KindCron }
func (c *cronExpr) String() string { return c.src }

func (c *cronExpr) IsDue(now, last time.Time) bool {
	t := now.In(c.spec.Location)
	slot := c.slotStart(t)
	if !c.matches(slot) || !c.days.allows(slot.Weekday()) {
		return false
	}
	if last.IsZero() {
		return true
	}
	if !last.Before(slot) {
		return false
	}
	// A repeated wall-clock slot (DST fall-back) already fired.
	return wallKey(last.In(c.spec.Location), c.seconds) != wallKey(slot, c.seconds)
}

func (c *cronExpr) slotStart(t time.Time) time.Time {
	d := time.Duration(t.Nanosecond())
	if !c.seconds {
		d += time.Duration(t.Second()) * time.Second
	}
	return t.Add(-d)
}

func (c *cronExpr) matches(t time.Time) bool {
	s := c.spec
	if c.seconds && 1<<uint(t.Second())&s.Second == 0 {
		return false
	}
	if 1<<uint(t.Minute())&s.Minute == 0 ||
		1<<uint(t.Hour())&s.Hour == 0 ||
		1<<uint(t.Month())&s.Month == 0 {
		return false
	}
	domMatch := 1<<uint(t.Day())&s.Dom > 0
	dowMatch := 1<<uint(t.Weekday())&s.Dow > 0
	if s.Dom&starBit > 0 || s.Dow&starBit > 0 {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}

func (c *cronExpr) Next(t time.Time) time.Time {
	next := t
	for i := 0; i < 512; i++ {
		next = c.spec.Next(next)
		if next.IsZero() || c.days.allows(next.Weekday()) {
			return next
		}
	}
	return time.Time{}
}

func wallKey(t time.Time, seconds bool) string {
	if seconds {
		return t.Format("2006-01-02T15:04:05")
	}
	return t.Format("2006-01-02T15:04")
}

func hasTZPrefix(spec string) bool {
	s := strings.TrimSpace(spec)
	return strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ=")
}

func stripTZ(spec string) string {
	s := strings.TrimSpace(spec)
	if !hasTZPrefix(s) {
		return s
	}
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return strings.TrimSpace(s[i:])
	}
	return ""
}

// ---- interval ----

type intervalExpr struct {
	src   string
	every time.Duration
	loc   *time.Location
	days  weekdaySet
}

func (e *intervalExpr) Kind() Kind { return KindInterval }

func (e *intervalExpr) String() string {
	if e.src != "" {
		return e.src
	}
	return fmt.Sprintf("@every %s", e.every)
}

func (e *intervalExpr) IsDue(now, last time.Time) bool {
	if !e.days.allows(now.In(e.loc).Weekday()) {
		return false
	}
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= e.every
}

// Next is t+every when that day is allowed. Otherwise the run waits for the
// first allowed day and fires at its midnight.
func (e *intervalExpr) Next(t time.Time) time.Time {
	next := t.Add(e.every).In(e.loc)
	if e.days.allows(next.Weekday()) {
		return next
	}
	y, m, d := next.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, e.loc)
	for i := 1; i <= 7; i++ {
		day := midnight.AddDate(0, 0, i)
		if e.days.allows(day.Weekday()) {
			return day
		}
	}
	return time.Time{}
}

// Every returns the interval of an interval expression (0 for cron).
func Every(e Expression) time.Duration {
	if ie, ok := e.(*intervalExpr); ok {
		return ie.every
	}
	return 0
}

// ---- weekday filter ----

type weekdaySet uint8

func newWeekdaySet(days []time.Weekday) weekdaySet {
	var s weekdaySet
	for _, d := range days {
		s |= 1 << uint(d)
	}
	return s
}

// allows is true for every day when the set is empty.
func (s weekdaySet) allows(d time.Weekday) bool {
	return s == 0 || s&(1<<uint(d)) != 0
}

// Preview returns the next n fire instants after from.
func Preview(e Expression, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = e.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
