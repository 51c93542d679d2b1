package config

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	reClockDuration = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)
	reDayDuration   = regexp.MustCompile(`^(\d+)d(.*)$`)
)

const durationHint = "use a Go duration (30s, 1h30m), HH:MM (02:30) or days (2d, 1d12h)"

// ParseDurationField parses a duration setting at path. Besides Go
// durations it takes "HH:MM" (same as interval schedules) and a leading
// day count ("2d", "1d6h"). Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return 0, errors.WithHint(errors.Wrapf(err, "%s: invalid duration %q", path, raw), durationHint)
	}
	if d < 0 {
		return 0, errors.Newf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func parseDuration(s string) (time.Duration, error) {
	if m := reClockDuration.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
	}
	if m := reDayDuration.FindStringSubmatch(s); m != nil {
		days, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, err
		}
		d := time.Duration(days) * 24 * time.Hour
		if m[2] == "" {
			return d, nil
		}
		rest, err := time.ParseDuration(m[2])
		if err != nil {
			return 0, err
		}
		if rest < 0 {
			return 0, errors.New("negative part after days")
		}
		return d + rest, nil
	}
	return time.ParseDuration(s)
}
