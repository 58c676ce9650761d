package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var ErrInvalidPattern = errors.New("invalid recurrence pattern")

type Kind string

const (
	Day    Kind = "day"
	Week   Kind = "week"
	Month  Kind = "month"
	Year   Kind = "year"
	Custom Kind = "custom"
)

// Meridiem selects the clock Hour is read on. The zero value is a 24h clock.
type Meridiem string

const (
	H24 Meridiem = ""
	AM  Meridiem = "am"
	PM  Meridiem = "pm"
)

// Pattern is a user-facing recurrence. WeekDays are 0-6 (Sunday first),
// Months are 0-11 (January first), MonthDays are 1-31.
type Pattern struct {
	Kind       Kind     `json:"kind"`
	Every      int      `json:"every,omitempty"`
	Hour       int      `json:"hour"`
	Minute     int      `json:"minute"`
	Meridiem   Meridiem `json:"meridiem,omitempty"`
	WeekDays   []int    `json:"week_days,omitempty"`
	Months     []int    `json:"months,omitempty"`
	MonthDays  []int    `json:"month_days,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

// ToCron returns the canonical cron expression of p and a short description.
func ToCron(p Pattern) (string, string, error) {
	if p.Kind == Custom {
		expr := strings.TrimSpace(p.Expression)
		if _, err := Parse(expr); err != nil {
			return "", "", err
		}
		return expr, "custom schedule " + expr, nil
	}

	if p.Every < 1 {
		return "", "", fmt.Errorf("%w: every must be >= 1, got %d", ErrInvalidPattern, p.Every)
	}
	hour, err := hour24(p.Hour, p.Meridiem)
	if err != nil {
		return "", "", err
	}
	if p.Minute < 0 || p.Minute > 59 {
		return "", "", fmt.Errorf("%w: minute %d out of range", ErrInvalidPattern, p.Minute)
	}

	fields := [5]string{strconv.Itoa(p.Minute), strconv.Itoa(hour), "*", "*", "*"}
	at := fmt.Sprintf("%02d:%02d", hour, p.Minute)
	var desc string

	switch p.Kind {
	case Day:
		fields[2] = "*/" + strconv.Itoa(p.Every)
		desc = "every " + plural(p.Every, "day") + " at " + at

	case Week:
		days, err := checkSet("week day", p.WeekDays, 0, 6)
		if err != nil {
			return "", "", err
		}
		fields[2] = weekBlocks(p.Every)
		fields[4] = joinInts(days, 0)
		desc = "every " + plural(p.Every, "week") + " on " + weekdayNames(days) + " at " + at

	case Month:
		days, err := checkSet("month day", p.MonthDays, 1, 31)
		if err != nil {
			return "", "", err
		}
		fields[2] = joinInts(days, 0)
		fields[3] = "*/" + strconv.Itoa(p.Every)
		desc = "every " + plural(p.Every, "month") + " on the " + ordinals(days) + " at " + at

	case Year:
		days, err := checkSet("month day", p.MonthDays, 1, 31)
		if err != nil {
			return "", "", err
		}
		months, err := checkSet("month", p.Months, 0, 11)
		if err != nil {
			return "", "", err
		}
		fields[2] = joinInts(days, 0)
		fields[3] = joinInts(months, 1)
		desc = "every year on the " + ordinals(days) + " of " + monthNames(months) + " at " + at

	default:
		return "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalidPattern, p.Kind)
	}

	expr := strings.Join(fields[:], " ")
	if _, err := Parse(expr); err != nil {
		return "", "", err
	}
	return expr, desc, nil
}

// ExpandPattern is ToCron followed by Expand.
func ExpandPattern(startAt time.Time, p Pattern, count int) ([]time.Time, error) {
	expr, _, err := ToCron(p)
	if err != nil {
		return nil, err
	}
	return Expand(startAt, expr, count)
}

func hour24(h int, m Meridiem) (int, error) {
	switch m {
	case H24:
		if h < 0 || h > 23 {
			return 0, fmt.Errorf("%w: hour %d out of range", ErrInvalidPattern, h)
		}
		return h, nil
	case AM, PM:
		if h < 1 || h > 12 {
			return 0, fmt.Errorf("%w: hour %d out of range for %s", ErrInvalidPattern, h, m)
		}
		if h == 12 {
			h = 0
		}
		if m == PM {
			h += 12
		}
		return h, nil
	}
	return 0, fmt.Errorf("%w: unknown meridiem %q", ErrInvalidPattern, m)
}

// weekBlocks renders 7-day blocks starting on day 1, one every 7*every days,
// clipped to day 31.
func weekBlocks(every int) string {
	step := 7 * every
	if step == 7 {
		return "*"
	}
	var parts []string
	for start := 1; start <= 31; start += step {
		end := min(start+6, 31)
		parts = append(parts, fmt.Sprintf("%d-%d", start, end))
	}
	return strings.Join(parts, ",")
}

func checkSet(what string, vals []int, lo, hi int) ([]int, error) {
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: at least one %s is required", ErrInvalidPattern, what)
	}
	seen := make(map[int]struct{}, len(vals))
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		if v < lo || v > hi {
			return nil, fmt.Errorf("%w: %s %d out of range [%d,%d]", ErrInvalidPattern, what, v, lo, hi)
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

func joinInts(vals []int, offset int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v + offset)
	}
	return strings.Join(parts, ",")
}

func plural(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}

func ordinals(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = humanize.Ordinal(d)
	}
	return strings.Join(parts, ", ")
}

func weekdayNames(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = time.Weekday(d).String()
	}
	return strings.Join(parts, ", ")
}

func monthNames(months []int) string {
	parts := make([]string, len(months))
	for i, m := range months {
		parts[i] = time.Month(m + 1).String()
	}
	return strings.Join(parts, ", ")
}
