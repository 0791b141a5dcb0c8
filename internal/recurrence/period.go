package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// PeriodType is the granularity of a recurrence rule.
type PeriodType int

const (
	Once PeriodType = iota
	Hour
	Day
	Week
	Month
	Year
	// LastWeekday is the last occurrence of the anchor's weekday in a month.
	LastWeekday
	// NthWeekday is the anchor's weekday at the anchor's ordinal in a month
	// (e.g. "3rd Thursday"), clamped to the last one a month actually has.
	NthWeekday
	// EndOfMonth is the last calendar day of a month.
	EndOfMonth
)

var periodNames = [...]string{
	Once:        "ONCE",
	Hour:        "HOUR",
	Day:         "DAY",
	Week:        "WEEK",
	Month:       "MONTH",
	Year:        "YEAR",
	LastWeekday: "LAST_WEEKDAY",
	NthWeekday:  "NTH_WEEKDAY",
	EndOfMonth:  "END_OF_MONTH",
}

func (p PeriodType) String() string {
	if p.Valid() {
		return periodNames[p]
	}
	return fmt.Sprintf("PeriodType(%d)", int(p))
}

func (p PeriodType) Valid() bool { return p >= Once && p <= EndOfMonth }

// ParsePeriodType parses the persisted name of a period type.
func ParsePeriodType(s string) (PeriodType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range periodNames {
		if name == s {
			return PeriodType(i), nil
		}
	}
	return Once, fmt.Errorf("unknown period type %q", s)
}

// monthly reports whether the type steps in calendar months.
func (p PeriodType) monthly() bool {
	switch p {
	case Month, LastWeekday, NthWeekday, EndOfMonth:
		return true
	}
	return false
}

// unit is the plain calendar unit used for period boundaries and counting.
func (p PeriodType) unit() PeriodType {
	switch {
	case p.monthly():
		return Month
	case p == Once:
		return Day
	}
	return p
}

// StepForward advances t by multiplier units of p.
func (p PeriodType) StepForward(t time.Time, multiplier int) time.Time {
	return p.step(t, max(multiplier, 1))
}

// StepBackward moves t back by multiplier units of p.
func (p PeriodType) StepBackward(t time.Time, multiplier int) time.Time {
	return p.step(t, -max(multiplier, 1))
}

// step moves t by n units (n may be negative or zero). The compound monthly
// variants resolve their target day from t's weekday (and ordinal), so step
// with n == 0 normalizes t into the variant's day of the same month.
func (p PeriodType) step(t time.Time, n int) time.Time {
	switch p {
	case Hour:
		return t.Add(time.Duration(n) * time.Hour)
	case Day:
		return shiftDays(t, n)
	case Week:
		return shiftDays(t, 7*n)
	case Month:
		return addMonths(t, n)
	case Year:
		return addMonths(t, 12*n)
	case LastWeekday:
		y, m := monthOffset(t, n)
		return atDay(t, y, m, lastWeekdayOf(y, m, t.Weekday(), t.Location()))
	case NthWeekday:
		y, m := monthOffset(t, n)
		return atDay(t, y, m, nthWeekdayOf(y, m, t.Weekday(), weekdayOrdinal(t), t.Location()))
	case EndOfMonth:
		y, m := monthOffset(t, n)
		return atDay(t, y, m, daysIn(y, m, t.Location()))
	}
	return t
}

// approxUnits is a lower-bound-ish estimate of how many units of p separate
// from and to. It only seeds searches; callers correct it by probing.
func (p PeriodType) approxUnits(from, to time.Time) int {
	switch p.unit() {
	case Hour:
		return int(to.Sub(from) / time.Hour)
	case Day:
		return int(to.Sub(from) / (24 * time.Hour))
	case Week:
		return int(to.Sub(from) / (7 * 24 * time.Hour))
	case Month:
		return monthIndex(to) - monthIndex(from)
	case Year:
		return to.Year() - from.Year()
	}
	return 0
}

// truncate returns the start of the calendar unit of p containing t.
func (p PeriodType) truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	loc := t.Location()
	switch p.unit() {
	case Hour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, loc)
	case Week:
		return shiftDays(time.Date(y, m, d, 0, 0, 0, 0, loc), -mondayOffset(t.Weekday()))
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case Year:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	}
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// OccurrenceCount returns the number of complete multiplier-sized periods of
// periodType between periodStart and periodEnd. It counts calendar units
// exactly: MONTH every 2 months across two month-aligned dates 10 months
// apart is 5.
//
// ONCE counts as a single occurrence when periodEnd is not before periodStart.
func OccurrenceCount(periodStart, periodEnd time.Time, periodType PeriodType, multiplier int) int {
	if periodEnd.Before(periodStart) {
		return 0
	}
	if periodType == Once {
		return 1
	}
	multiplier = max(multiplier, 1)
	u := periodType.unit()
	n := max(u.approxUnits(periodStart, periodEnd), 0)
	for n > 0 && u.step(periodStart, n).After(periodEnd) {
		n--
	}
	for !u.step(periodStart, n+1).After(periodEnd) {
		n++
	}
	return n / multiplier
}
