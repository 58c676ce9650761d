package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrInvalidCount      = errors.New("count must be >= 1")
	ErrNoMatch           = errors.New("cron expression never matches")
)

// searchYears bounds the search for the next match. Expressions such as
// "0 0 30 2 *" parse but never fire. Eight years covers the longest gap
// between two February 29ths (2096 to 2104).
const searchYears = 8

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a parsed 5-field expression.
type Schedule struct {
	spec *cron.SpecSchedule
	// loc is set only when the expression carries a TZ= prefix.
	loc *time.Location
}

// Parse validates expr. Interval descriptors (@every) are rejected: they have
// no calendar fields to match.
func Parse(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	spec, ok := s.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: %q is an interval, not a calendar schedule", ErrInvalidExpression, expr)
	}
	out := &Schedule{spec: spec}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		out.loc = spec.Location
	}
	return out, nil
}

// Next returns the first match strictly after t, or the zero time when none
// exists within the search horizon. Times are evaluated in t's location
// unless the expression pins one; the result is in t's location.
//
// Once a field has been truncated the walk only adds absolute durations, so
// a repeated wall-clock hour is walked through rather than revisited. A time
// skipped by a DST gap does not fire; one repeated by a fall-back fires twice.
func (s *Schedule) Next(t time.Time) time.Time {
	orig := t.Location()
	loc := orig
	if s.loc != nil {
		loc = s.loc
	}
	t = t.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := t.Year() + searchYears
	spec := s.spec
	truncated := false

wrap:
	if t.Year() > limit {
		return time.Time{}
	}
	for 1<<uint(t.Month())&spec.Month == 0 {
		if !truncated {
			truncated = true
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		}
		t = t.AddDate(0, 1, 0)
		if t.Month() == time.January {
			goto wrap
		}
	}
	for !s.dayMatches(t) {
		if !truncated {
			truncated = true
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		}
		t = t.AddDate(0, 0, 1)
		// Zones that switch at midnight start the day at 01:00 or 23:00.
		if h := t.Hour(); h != 0 {
			if h > 12 {
				t = t.Add(time.Duration(24-h) * time.Hour)
			} else {
				t = t.Add(-time.Duration(h) * time.Hour)
			}
		}
		if t.Day() == 1 {
			goto wrap
		}
	}
	for 1<<uint(t.Hour())&spec.Hour == 0 {
		if !truncated {
			truncated = true
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
		}
		t = t.Add(time.Hour)
		if t.Hour() == 0 {
			goto wrap
		}
	}
	for 1<<uint(t.Minute())&spec.Minute == 0 {
		truncated = true
		t = t.Add(time.Minute)
		if t.Minute() == 0 {
			goto wrap
		}
	}
	return t.In(orig)
}

// Matches reports whether the minute containing t is a match.
func (s *Schedule) Matches(t time.Time) bool {
	if s.loc != nil {
		t = t.In(s.loc)
	}
	return 1<<uint(t.Month())&s.spec.Month != 0 &&
		s.dayMatches(t) &&
		1<<uint(t.Hour())&s.spec.Hour != 0 &&
		1<<uint(t.Minute())&s.spec.Minute != 0
}

func (s *Schedule) dayMatches(t time.Time) bool {
	return 1<<uint(t.Day())&s.spec.Dom != 0 && 1<<uint(t.Weekday())&s.spec.Dow != 0
}

// Expand returns count timestamps: startAt itself followed by the next
// count-1 matches of expr strictly after startAt.
func Expand(startAt time.Time, expr string, count int) ([]time.Time, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}
	s, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, count)
	out = append(out, startAt)
	cur := startAt
	for len(out) < count {
		cur = s.Next(cur)
		if cur.IsZero() {
			return nil, fmt.Errorf("%w: %q after %s", ErrNoMatch, expr, out[len(out)-1].Format(time.RFC3339))
		}
		out = append(out, cur)
	}
	return out, nil
}
