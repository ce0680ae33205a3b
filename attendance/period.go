package attendance

import (
	"time"

	"github.com/pkg/errors"
)

// =============================================================================
// PERIOD - The window a notification's detail listing covers
// =============================================================================

// Period is an inclusive date range [From, To] with a human label.
//
// Examples:
//   - Day:    2024-01-05 .. 2024-01-05   "بتاريخ 2024-01-05"
//   - Week:   2024-01-01 .. 2024-01-07   "من 2024-01-01 إلى 2024-01-07"
//   - Month:  2024-02-01 .. 2024-02-29   "من 2024-02-01 إلى 2024-02-29 (شهر كامل)"
type Period struct {
	From  time.Time
	To    time.Time
	Label string
}

// PeriodType names how a period was chosen.
type PeriodType string

const (
	PeriodDay    PeriodType = "day"
	PeriodWeek   PeriodType = "week"
	PeriodMonth  PeriodType = "month"
	PeriodCustom PeriodType = "custom"
)

// DayPeriod covers a single day.
func DayPeriod(d time.Time) Period {
	d = truncateDay(d)
	return Period{From: d, To: d, Label: "بتاريخ " + d.Format(DateLayout)}
}

// WeekPeriod covers seven days starting at start.
func WeekPeriod(start time.Time) Period {
	start = truncateDay(start)
	return rangePeriod(start, start.AddDate(0, 0, 6), "")
}

// MonthPeriod covers the whole calendar month containing anyDay.
func MonthPeriod(anyDay time.Time) Period {
	anyDay = truncateDay(anyDay)
	first := time.Date(anyDay.Year(), anyDay.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	return rangePeriod(first, last, " (شهر كامل)")
}

// CustomPeriod covers from..to. A range ending before it starts is rejected.
func CustomPeriod(from, to time.Time) (Period, error) {
	from, to = truncateDay(from), truncateDay(to)
	if to.Before(from) {
		return Period{}, errors.Wrapf(ErrInvalidPeriod, "%s > %s", from.Format(DateLayout), to.Format(DateLayout))
	}
	return rangePeriod(from, to, ""), nil
}

// NewPeriod builds a period of the given type. ref is the day, week start or
// any day of the month; to is only read for custom periods.
func NewPeriod(kind PeriodType, ref, to time.Time) (Period, error) {
	switch kind {
	case PeriodDay:
		return DayPeriod(ref), nil
	case PeriodWeek:
		return WeekPeriod(ref), nil
	case PeriodMonth:
		return MonthPeriod(ref), nil
	case PeriodCustom:
		return CustomPeriod(ref, to)
	default:
		return Period{}, invalid("period_type", "oneof=day week month custom")
	}
}

// Contains reports whether d falls within [From, To]. An undated absence is
// never contained.
func (p Period) Contains(d time.Time) bool {
	if d.IsZero() {
		return false
	}
	d = truncateDay(d)
	return !d.Before(p.From) && !d.After(p.To)
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.From.Format(DateLayout) + ", " + p.To.Format(DateLayout) + "]"
}

func rangePeriod(from, to time.Time, suffix string) Period {
	return Period{
		From:  from,
		To:    to,
		Label: "من " + from.Format(DateLayout) + " إلى " + to.Format(DateLayout) + suffix,
	}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Today returns the current UTC date.
func Today() time.Time {
	return truncateDay(time.Now().UTC())
}
