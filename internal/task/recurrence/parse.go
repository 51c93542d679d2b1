package recurrence

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Kind describes the normalized kind of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// Rule is a parsed, not yet location-bound schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 */10 * * * *" (seconds), "@hourly", "TZ=Asia/Jakarta 0 2 * * *"
//   - Interval duration: "55m", "2h30m", "@every 90s"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Fluent: "every 15 minutes", "hourly at 5", "daily at 02:00", "twice daily at 1,13",
//     "weekly on monday at 08:00", "monthly on 15 at 03:30", "quarterly", "yearly"
//   - Weekday suffix on any of the above: "... on weekdays", "... on weekends", "... on mon,wed"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Rule struct {
	Kind     Kind
	Cron     string
	Every    time.Duration
	Weekdays []time.Weekday
	Source   string // "cron" | "duration" | "hhmm" | "fluent"
	Raw      string
}

// cronParser accepts both 5-field and 6-field (with seconds) specs plus descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse parses a schedule string into a cron or interval rule.
// Every failure is a *MalformedError.
func Parse(raw string) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Rule{}, malformedf(raw, "schedule required")
	}
	r, err := parse(s)
	if err != nil {
		if IsMalformed(err) {
			return Rule{}, err
		}
		return Rule{}, malformed(raw, err)
	}
	r.Raw = s
	return r, nil
}

func parse(s string) (Rule, error) {
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalRule(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseIntervalRule(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "@every"):
		return parseIntervalRule(strings.TrimSpace(s[len("@every"):]))
	}

	// Fluent phrases start with a letter; cron fields never do.
	if c := low[0]; c >= 'a' && c <= 'z' && !strings.HasPrefix(low, "tz=") && !strings.HasPrefix(low, "cron_tz=") {
		return parseFluent(low)
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	// - HH:MM => interval duration
	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return Rule{}, err
		}
		return Rule{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}
	// - Go duration => interval duration
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Rule{}, errors.New("interval must be > 0")
		}
		return Rule{Kind: KindInterval, Every: d, Source: "duration"}, nil
	}
	return Rule{}, errors.WithHint(
		errors.Newf("unrecognized schedule %q", s),
		"use cron like '*/5 * * * *', a phrase like 'daily at 02:00', HH:MM like '02:30', or a duration like '55m'",
	)
}

func parseCron(expr string) (Rule, error) {
	if expr == "" {
		return Rule{}, errors.New("cron schedule required after 'cron:'")
	}
	if strings.HasPrefix(strings.ToLower(expr), "@every") {
		return parseIntervalRule(strings.TrimSpace(expr[len("@every"):]))
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Rule{}, errors.Wrap(err, "cron")
	}
	return Rule{Kind: KindCron, Cron: expr, Source: "cron"}, nil
}

func parseIntervalRule(v string) (Rule, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Kind: KindInterval, Every: d, Source: src}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", errors.New("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", errors.Newf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", errors.New("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, errors.Newf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, errors.Newf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}

// parseClock parses a wall-clock "HH:MM" (00:00..23:59).
func parseClock(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, errors.Newf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, errors.Newf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, errors.Newf("invalid minute in %q", s)
	}
	return h, m, nil
}
