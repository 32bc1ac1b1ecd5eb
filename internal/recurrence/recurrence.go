// Package recurrence implements schedule math: validation of cron and
// interval recurrence values and next-occurrence calculation.
//
// All functions are pure. Next never panics and never returns an error;
// malformed input yields ok=false so callers on hot paths can treat a
// broken recurrence like a schedule with no future occurrence.
package recurrence

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meridiancrm/schedcore/internal/domain"
)

// parser accepts the standard 5-field form: minute hour dom month dow.
// No seconds field, no @descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var intervalPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ValidateCron reports whether value is a parseable 5-field cron expression.
// Anything that is empty or not exactly five whitespace-separated fields is
// rejected before the grammar check.
func ValidateCron(value string) bool {
	if strings.TrimSpace(value) == "" {
		return false
	}
	if len(strings.Fields(value)) != 5 {
		return false
	}
	_, err := parser.Parse(value)
	return err == nil
}

// ValidateInterval reports whether value matches <integer><unit> with
// unit in s, m, h, d. No decimals, negatives, or compound units.
func ValidateInterval(value string) bool {
	return intervalPattern.MatchString(value)
}

// ParseInterval converts an interval value into a duration.
func ParseInterval(value string) (time.Duration, bool) {
	m := intervalPattern.FindStringSubmatch(value)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, true
}

// Next returns the occurrence following from.
//
// For cron that is the next match strictly after from, evaluated in the
// given IANA timezone (empty means UTC); for interval it is from plus
// the parsed amount and the timezone is ignored. The result is returned
// in UTC. Malformed values, unknown schedule types, and bad timezones
// all yield ok=false.
func Next(typ domain.ScheduleType, value, timezone string, from time.Time) (time.Time, bool) {
	switch typ {
	case domain.ScheduleCron:
		if len(strings.Fields(value)) != 5 {
			return time.Time{}, false
		}
		sched, err := parser.Parse(value)
		if err != nil {
			return time.Time{}, false
		}
		tz := timezone
		if tz == "" {
			tz = "UTC"
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, false
		}
		return next.UTC(), true

	case domain.ScheduleInterval:
		d, ok := ParseInterval(value)
		if !ok {
			return time.Time{}, false
		}
		return from.Add(d).UTC(), true

	default:
		return time.Time{}, false
	}
}

// NextFromNow anchors the calculation to the current instant, never a
// previously stored next-run value. A late schedule does not catch up:
// its next fire is relative to when it actually ran.
func NextFromNow(typ domain.ScheduleType, value, timezone string) (time.Time, bool) {
	return Next(typ, value, timezone, time.Now())
}
