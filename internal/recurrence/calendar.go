package recurrence

import "time"

// daysIn returns the number of days in month m of year y.
func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}

// monthOffset returns the year and month n months away from t's month.
func monthOffset(t time.Time, n int) (int, time.Month) {
	idx := monthIndex(t) + n
	y := idx / 12
	mi := idx % 12
	if mi < 0 {
		mi += 12
		y--
	}
	return y, time.Month(mi + 1)
}

// atDay keeps t's clock time and location on day d of y/m.
func atDay(t time.Time, y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// addMonths moves t by n calendar months, clamping the day of month to the
// length of the target month.
func addMonths(t time.Time, n int) time.Time {
	y, m := monthOffset(t, n)
	return atDay(t, y, m, min(t.Day(), daysIn(y, m, t.Location())))
}

// shiftDays moves t by n calendar days keeping the wall clock.
func shiftDays(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	return atDay(t, y, m, d+n)
}

// mondayOffset is the number of days since the most recent Monday.
func mondayOffset(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// weekStart returns midnight of the Monday of t's week.
func weekStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d-mondayOffset(t.Weekday()), 0, 0, 0, 0, t.Location())
}

// weekdayOrdinal is the 1-based ordinal of t's weekday within its month
// (the 15th is always the 3rd of its weekday).
func weekdayOrdinal(t time.Time) int {
	return (t.Day()-1)/7 + 1
}

// nthWeekdayOf returns the day of month of the nth wd in y/m. When the month
// has fewer than n of them the last one is returned.
func nthWeekdayOf(y int, m time.Month, wd time.Weekday, n int, loc *time.Location) int {
	first := time.Date(y, m, 1, 0, 0, 0, 0, loc).Weekday()
	day := 1 + (int(wd)-int(first)+7)%7 + (n-1)*7
	last := daysIn(y, m, loc)
	for day > last {
		day -= 7
	}
	return day
}

// lastWeekdayOf returns the day of month of the last wd in y/m.
func lastWeekdayOf(y int, m time.Month, wd time.Weekday, loc *time.Location) int {
	last := daysIn(y, m, loc)
	lw := time.Date(y, m, last, 0, 0, 0, 0, loc).Weekday()
	return last - (int(lw)-int(wd)+7)%7
}
