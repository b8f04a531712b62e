// Package schedule evaluates schedule expressions for schedulable entities.
//
// Two forms are supported:
//
//	cron(<expr>)     five-field cron, or six-field with a trailing year field,
//	                 evaluated in UTC
//	rate(<n> <unit>) every n seconds/minutes/hours/days/months/years
//
// Anything else is an invalid schedule; callers log and skip the entity for
// the cycle rather than aborting the pass.
package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskguard/taskguard/errors"
)

// Form distinguishes cron-form from rate-form expressions
type Form int

const (
	// FormCron is a cron(<expr>) schedule
	FormCron Form = iota
	// FormRate is a rate(<n> <unit>) schedule
	FormRate
)

// Unit is the calendar unit of a rate-form schedule
type Unit string

const (
	UnitSecond Unit = "second"
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
	UnitMonth  Unit = "month"
	UnitYear   Unit = "year"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Expression is a parsed schedule expression
type Expression struct {
	Raw  string
	Form Form

	// cron-form
	cronSchedule cron.Schedule
	yearFilter   map[int]bool // nil = any year

	// rate-form
	rateN    int
	rateUnit Unit
}

// Parse classifies and parses a schedule string.
// Returns an error wrapping errors.ErrInvalidSchedule on any malformed input.
func Parse(raw string) (*Expression, error) {
	trimmed := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(trimmed, "cron(") && strings.HasSuffix(trimmed, ")"):
		inner := trimmed[len("cron(") : len(trimmed)-1]
		return parseCron(raw, inner)
	case strings.HasPrefix(trimmed, "rate(") && strings.HasSuffix(trimmed, ")"):
		inner := trimmed[len("rate(") : len(trimmed)-1]
		return parseRate(raw, inner)
	default:
		return nil, errors.NewInvalidScheduleError("schedule %q is neither cron-form nor rate-form", raw)
	}
}

func parseCron(raw, inner string) (*Expression, error) {
	fields := strings.Fields(inner)

	var yearFilter map[int]bool
	if len(fields) == 6 {
		// Six-field form carries a trailing year field; the cron library has
		// no year support, so it is stripped here and applied as a filter on
		// computed fire times.
		filter, err := parseYearField(fields[5])
		if err != nil {
			return nil, errors.NewInvalidScheduleError("cron schedule %q has invalid year field: %v", raw, err)
		}
		yearFilter = filter
		fields = fields[:5]
	} else if len(fields) != 5 {
		return nil, errors.NewInvalidScheduleError("cron schedule %q must have 5 or 6 fields, got %d", raw, len(fields))
	}

	sched, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, errors.Wrap(errors.NewInvalidScheduleError("cron schedule %q failed to parse", raw), err.Error())
	}

	return &Expression{
		Raw:          raw,
		Form:         FormCron,
		cronSchedule: sched,
		yearFilter:   yearFilter,
	}, nil
}

// parseYearField accepts "*", single years, comma lists, and ranges ("2024-2026")
func parseYearField(field string) (map[int]bool, error) {
	if field == "*" || field == "?" {
		return nil, nil
	}

	years := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, errors.Newf("bad year range start %q", lo)
			}
			end, err := strconv.Atoi(hi)
			if err != nil {
				return nil, errors.Newf("bad year range end %q", hi)
			}
			if end < start {
				return nil, errors.Newf("year range %q is inverted", part)
			}
			for y := start; y <= end; y++ {
				years[y] = true
			}
		} else {
			y, err := strconv.Atoi(part)
			if err != nil {
				return nil, errors.Newf("bad year %q", part)
			}
			years[y] = true
		}
	}
	return years, nil
}

func parseRate(raw, inner string) (*Expression, error) {
	fields := strings.Fields(inner)
	if len(fields) != 2 {
		return nil, errors.NewInvalidScheduleError("rate schedule %q must be 'rate(<n> <unit>)'", raw)
	}

	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return nil, errors.NewInvalidScheduleError("rate schedule %q has invalid count %q", raw, fields[0])
	}

	unit := Unit(strings.TrimSuffix(strings.ToLower(fields[1]), "s"))
	switch unit {
	case UnitSecond, UnitMinute, UnitHour, UnitDay, UnitMonth, UnitYear:
	default:
		return nil, errors.NewInvalidScheduleError("rate schedule %q has invalid unit %q", raw, fields[1])
	}

	return &Expression{
		Raw:      raw,
		Form:     FormRate,
		rateN:    n,
		rateUnit: unit,
	}, nil
}

// maxBackwardHorizons are the progressively larger windows searched for the
// most recent prior cron fire. A schedule with no fire inside five years is
// treated as having no prior fire.
var maxBackwardHorizons = []time.Duration{
	2 * time.Hour,
	26 * time.Hour,
	8 * 24 * time.Hour,
	35 * 24 * time.Hour,
	400 * 24 * time.Hour,
	5 * 366 * 24 * time.Hour,
}

// maxFireIterations bounds the forward walk within one horizon so that a
// dense schedule with a never-matching year filter cannot spin.
const maxFireIterations = 200000

// LastFireAgo returns how long ago the cron schedule most recently fired,
// relative to asOf in UTC. The second return is false when no prior fire
// exists. Only valid for cron-form expressions.
func (e *Expression) LastFireAgo(asOf time.Time) (time.Duration, bool) {
	now := asOf.UTC()

	for _, horizon := range maxBackwardHorizons {
		cursor := now.Add(-horizon)
		var lastFire time.Time
		found := false

		for i := 0; i < maxFireIterations; i++ {
			next := e.cronSchedule.Next(cursor)
			if next.IsZero() || next.After(now) {
				break
			}
			cursor = next
			if e.yearMatches(next) {
				lastFire = next
				found = true
			}
		}

		if found {
			return now.Sub(lastFire), true
		}
	}

	return 0, false
}

func (e *Expression) yearMatches(t time.Time) bool {
	if e.yearFilter == nil {
		return true
	}
	return e.yearFilter[t.Year()]
}

// RelativeOffsetStart returns asOf minus the rate offset, using calendar
// arithmetic for month/year units: going back one month from March 31 lands
// on the last valid day of February. Only valid for rate-form expressions.
func (e *Expression) RelativeOffsetStart(asOf time.Time) time.Time {
	switch e.rateUnit {
	case UnitSecond:
		return asOf.Add(-time.Duration(e.rateN) * time.Second)
	case UnitMinute:
		return asOf.Add(-time.Duration(e.rateN) * time.Minute)
	case UnitHour:
		return asOf.Add(-time.Duration(e.rateN) * time.Hour)
	case UnitDay:
		return asOf.AddDate(0, 0, -e.rateN)
	case UnitMonth:
		return addMonthsClamped(asOf, -e.rateN)
	case UnitYear:
		return addMonthsClamped(asOf, -12*e.rateN)
	}
	return asOf
}

// Advance returns t plus the rate offset, the forward counterpart of
// RelativeOffsetStart. Used to chain rate-schedule detections forward from
// the previous one. Only valid for rate-form expressions.
func (e *Expression) Advance(t time.Time) time.Time {
	switch e.rateUnit {
	case UnitSecond:
		return t.Add(time.Duration(e.rateN) * time.Second)
	case UnitMinute:
		return t.Add(time.Duration(e.rateN) * time.Minute)
	case UnitHour:
		return t.Add(time.Duration(e.rateN) * time.Hour)
	case UnitDay:
		return t.AddDate(0, 0, e.rateN)
	case UnitMonth:
		return addMonthsClamped(t, e.rateN)
	case UnitYear:
		return addMonthsClamped(t, 12*e.rateN)
	}
	return t
}

// addMonthsClamped shifts t by n months, clamping the day-of-month to the
// last valid day of the target month instead of normalizing into the next
// month the way time.AddDate does.
func addMonthsClamped(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	// First of the target month, then clamp the day.
	firstOfTarget := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}

	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day,
		hour, min, sec, t.Nanosecond(), t.Location())
}
