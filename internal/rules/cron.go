package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard crontab fields only: no seconds, no @descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NormalizeCron validates expr and returns it with single spaces between fields.
func NormalizeCron(expr string) (string, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "", invalid("cron", "expected 5 fields (minute hour day month weekday), got %d", len(fields))
	}
	norm := strings.Join(fields, " ")
	if _, err := cronParser.Parse(norm); err != nil {
		return "", invalid("cron", "%v", err)
	}
	return norm, nil
}

func ValidateCron(expr string) error {
	_, err := NormalizeCron(expr)
	return err
}

// NextCron returns the first occurrence of expr strictly after `after`,
// evaluated in loc.
func NextCron(expr string, after time.Time, loc *time.Location) (time.Time, error) {
	norm, err := NormalizeCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cronParser.Parse(norm)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q has no occurrence after %s", norm, after.Format(time.RFC3339))
	}
	return next, nil
}

// NextRun returns when a time trigger should next fire, given the reference
// instant. For one-shot triggers this is the configured instant.
func NextRun(t TimeTrigger, after time.Time, loc *time.Location) (time.Time, error) {
	if t.IsCron() {
		return NextCron(t.Cron, after, loc)
	}
	if t.At.IsZero() {
		return time.Time{}, invalid("trigger", "time trigger needs a datetime or a cron expression")
	}
	return t.At, nil
}
