package rules

import (
	"strings"
	"time"
)

var absoluteLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseAt parses a one-shot trigger time.
//
// Accepted forms: RFC 3339 ("2026-10-18T08:00:00+07:00"), a local date-time
// ("2026-10-18 08:00", "2026-10-18T08:00") or a clock time ("08:00") which
// means the next occurrence of that time, today or tomorrow.
// Local forms are interpreted in loc.
func ParseAt(text string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return time.Time{}, invalid("time", "empty")
	}
	if loc == nil {
		loc = time.Local
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	if clock, err := time.ParseInLocation("15:04", s, loc); err == nil {
		n := now.In(loc)
		t := time.Date(n.Year(), n.Month(), n.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
		if !t.After(n) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}

	return time.Time{}, invalid("time", "cannot parse %q (use 2006-01-02 15:04, 15:04 or RFC 3339)", text)
}
