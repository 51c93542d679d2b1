package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	reEvery      = regexp.MustCompile(`^every\s+(\d+)\s*(seconds?|secs?|s|minutes?|mins?|m|hours?|h)$`)
	reEveryUnit  = regexp.MustCompile(`^every\s+(second|minute|hour)$`)
	reHourly     = regexp.MustCompile(`^hourly(?:\s+at\s+(\d{1,2}))?$`)
	reDaily      = regexp.MustCompile(`^daily(?:\s+at\s+(\d{1,2}:\d{2}))?$`)
	reTwiceDaily = regexp.MustCompile(`^twice\s+daily(?:\s+at\s+(\d{1,2})\s*,\s*(\d{1,2}))?$`)
	reWeekly     = regexp.MustCompile(`^weekly(?:\s+on\s+([a-z]+))?(?:\s+at\s+(\d{1,2}:\d{2}))?$`)
	reMonthly    = regexp.MustCompile(`^monthly(?:\s+on\s+(\d{1,2}))?(?:\s+at\s+(\d{1,2}:\d{2}))?$`)
	reSpaces     = regexp.MustCompile(`\s+`)
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// parseFluent handles the phrase forms. s is already lower-cased.
func parseFluent(s string) (Rule, error) {
	s = reSpaces.ReplaceAllString(strings.TrimSpace(s), " ")

	r, ok, err := parseFrequency(s)
	if err != nil {
		return Rule{}, err
	}
	if ok {
		return r, nil
	}

	// "<frequency> on <days>"
	i := strings.LastIndex(s, " on ")
	if i <= 0 {
		return Rule{}, errors.Newf("unrecognized schedule phrase %q", s)
	}
	r, ok, err = parseFrequency(s[:i])
	if err != nil {
		return Rule{}, err
	}
	if !ok {
		return Rule{}, errors.Newf("unrecognized schedule phrase %q", s[:i])
	}
	days, err := parseDays(s[i+len(" on "):])
	if err != nil {
		return Rule{}, err
	}
	r.Weekdays = days
	return r, nil
}

func parseFrequency(s string) (Rule, bool, error) {
	fluentCron := func(format string, args ...any) (Rule, bool, error) {
		return Rule{Kind: KindCron, Cron: fmt.Sprintf(format, args...), Source: "fluent"}, true, nil
	}

	if m := reEvery.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n <= 0 {
			return Rule{}, false, errors.New("interval must be > 0")
		}
		unit := time.Minute
		switch m[2][0] {
		case 's':
			unit = time.Second
		case 'h':
			unit = time.Hour
		}
		return Rule{Kind: KindInterval, Every: time.Duration(n) * unit, Source: "fluent"}, true, nil
	}
	if m := reEveryUnit.FindStringSubmatch(s); m != nil {
		d := map[string]time.Duration{"second": time.Second, "minute": time.Minute, "hour": time.Hour}[m[1]]
		return Rule{Kind: KindInterval, Every: d, Source: "fluent"}, true, nil
	}
	if m := reHourly.FindStringSubmatch(s); m != nil {
		minute := 0
		if m[1] != "" {
			minute, _ = strconv.Atoi(m[1])
			if minute > 59 {
				return Rule{}, false, errors.Newf("invalid minute %d in %q", minute, s)
			}
		}
		return fluentCron("%d * * * *", minute)
	}
	if m := reDaily.FindStringSubmatch(s); m != nil {
		h, mm := 0, 0
		if m[1] != "" {
			var err error
			if h, mm, err = parseClock(m[1]); err != nil {
				return Rule{}, false, err
			}
		}
		return fluentCron("%d %d * * *", mm, h)
	}
	if m := reTwiceDaily.FindStringSubmatch(s); m != nil {
		h1, h2 := 1, 13
		if m[1] != "" {
			h1, _ = strconv.Atoi(m[1])
			h2, _ = strconv.Atoi(m[2])
		}
		if h1 > 23 || h2 > 23 {
			return Rule{}, false, errors.Newf("invalid hours in %q", s)
		}
		return fluentCron("0 %d,%d * * *", h1, h2)
	}
	if m := reWeekly.FindStringSubmatch(s); m != nil {
		day := time.Sunday
		if m[1] != "" {
			d, ok := weekdayNames[m[1]]
			if !ok {
				return Rule{}, false, errors.Newf("unknown weekday %q", m[1])
			}
			day = d
		}
		h, mm := 0, 0
		if m[2] != "" {
			var err error
			if h, mm, err = parseClock(m[2]); err != nil {
				return Rule{}, false, err
			}
		}
		return fluentCron("%d %d * * %d", mm, h, int(day))
	}
	if m := reMonthly.FindStringSubmatch(s); m != nil {
		dom := 1
		if m[1] != "" {
			dom, _ = strconv.Atoi(m[1])
			if dom < 1 || dom > 31 {
				return Rule{}, false, errors.Newf("invalid day of month %d", dom)
			}
		}
		h, mm := 0, 0
		if m[2] != "" {
			var err error
			if h, mm, err = parseClock(m[2]); err != nil {
				return Rule{}, false, err
			}
		}
		return fluentCron("%d %d %d * *", mm, h, dom)
	}
	switch s {
	case "quarterly":
		return fluentCron("0 0 1 1-12/3 *")
	case "yearly", "annually":
		return fluentCron("0 0 1 1 *")
	}
	return Rule{}, false, nil
}

func parseDays(s string) ([]time.Weekday, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "weekdays":
		return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}, nil
	case "weekends":
		return []time.Weekday{time.Saturday, time.Sunday}, nil
	}
	var out []time.Weekday
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		d, ok := weekdayNames[strings.TrimSpace(p)]
		if !ok {
			return nil, errors.Newf("unknown weekday %q", p)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, errors.New("weekday list required after 'on'")
	}
	return out, nil
}
