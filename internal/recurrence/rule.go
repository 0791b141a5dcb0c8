package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseError reports a malformed recurrence rule string.
type ParseError struct {
	Rule  string
	Field string
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("recurrence: invalid rule %q: %s", e.Rule, e.Msg)
	}
	return fmt.Sprintf("recurrence: invalid rule %q: %s: %s", e.Rule, e.Field, e.Msg)
}

var weekdayCodes = [...]string{
	time.Sunday:    "SU",
	time.Monday:    "MO",
	time.Tuesday:   "TU",
	time.Wednesday: "WE",
	time.Thursday:  "TH",
	time.Friday:    "FR",
	time.Saturday:  "SA",
}

// WeekdayCode returns the two-letter RFC 5545 code of wd ("MO", "TH", ...).
func WeekdayCode(wd time.Weekday) string {
	if wd < time.Sunday || wd > time.Saturday {
		return ""
	}
	return weekdayCodes[wd]
}

// ParseWeekday parses a two-letter RFC 5545 weekday code.
func ParseWeekday(code string) (time.Weekday, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for i, c := range weekdayCodes {
		if c == code {
			return time.Weekday(i), nil
		}
	}
	return time.Sunday, fmt.Errorf("%w: %q", ErrInvalidWeekday, code)
}

// FormatByDays renders a weekday set as a comma separated code list.
func FormatByDays(days []time.Weekday) string {
	codes := make([]string, 0, len(days))
	for _, d := range days {
		codes = append(codes, WeekdayCode(d))
	}
	return strings.Join(codes, ",")
}

// ParseByDays is the inverse of FormatByDays. An empty string is an empty set.
func ParseByDays(s string) ([]time.Weekday, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		wd, err := ParseWeekday(p)
		if err != nil {
			return nil, err
		}
		out = append(out, wd)
	}
	return out, nil
}

var untilLayouts = []string{"20060102T150405Z", "20060102T150405", "20060102"}

// ParseRule parses an RRULE string (the "RRULE:" prefix is optional) anchored
// at start. Supported parts:
//
//	FREQ=HOURLY|DAILY|WEEKLY|MONTHLY|YEARLY  (required)
//	INTERVAL=n                               multiplier
//	BYDAY=MO,TH                              WEEKLY weekday set
//	BYDAY=3TH / BYDAY=-1FR                   MONTHLY nth / last weekday
//	BYMONTHDAY=-1                            MONTHLY end of month
//	COUNT=n                                  returned as count
//	UNTIL=20160912T080000Z                   period end
//	X-WEEKEND=BACK|FORWARD                   weekend adjust (MONTHLY, YEARLY)
//
// For the monthly weekday forms the anchor moves forward to the first matching
// day at or after start. count is 0 when COUNT is absent.
func ParseRule(rule string, start time.Time) (Recurrence, int, error) {
	raw := rule
	rule = strings.TrimSpace(rule)
	if len(rule) >= 6 && strings.EqualFold(rule[:6], "RRULE:") {
		rule = rule[6:]
	}
	if rule == "" {
		return Recurrence{}, 0, &ParseError{Rule: raw, Msg: "empty rule"}
	}
	if start.IsZero() {
		start = time.Now()
	}
	fail := func(field, format string, args ...any) (Recurrence, int, error) {
		return Recurrence{}, 0, &ParseError{Rule: raw, Field: field, Msg: fmt.Sprintf(format, args...)}
	}

	var (
		freq       string
		r          = Rule{Start: start, Multiplier: 1}
		count      int
		byDay      []string
		byMonthDay string
	)
	for _, part := range strings.Split(rule, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return fail(part, "expected KEY=VALUE")
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.ToUpper(strings.TrimSpace(v))
		switch k {
		case "FREQ":
			freq = v
		case "INTERVAL":
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return fail(k, "must be a positive integer, got %q", v)
			}
			r.Multiplier = n
		case "COUNT":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fail(k, "must be a non-negative integer, got %q", v)
			}
			count = n
		case "UNTIL":
			t, err := parseUntil(v, start.Location())
			if err != nil {
				return fail(k, "%v", err)
			}
			r.End = t
		case "BYDAY":
			byDay = strings.Split(v, ",")
		case "BYMONTHDAY":
			byMonthDay = v
		case "X-WEEKEND":
			w, err := ParseWeekendAdjust(v)
			if err != nil {
				return fail(k, "%v", err)
			}
			r.WeekendAdjust = w
		case "WKST":
			if v != "MO" {
				return fail(k, "only MO is supported, got %q", v)
			}
		default:
			return fail(k, "unsupported part")
		}
	}

	switch freq {
	case "":
		return fail("FREQ", "missing")
	case "HOURLY":
		r.PeriodType = Hour
	case "DAILY":
		r.PeriodType = Day
	case "WEEKLY":
		r.PeriodType = Week
		for _, code := range byDay {
			wd, err := ParseWeekday(code)
			if err != nil {
				return fail("BYDAY", "%v", err)
			}
			r.ByDays = append(r.ByDays, wd)
		}
		byDay = nil
	case "MONTHLY":
		r.PeriodType = Month
	case "YEARLY":
		r.PeriodType = Year
	default:
		return fail("FREQ", "unsupported frequency %q", freq)
	}

	if len(byDay) > 0 {
		if r.PeriodType != Month || len(byDay) != 1 {
			return fail("BYDAY", "only a single ordinal weekday is supported outside WEEKLY")
		}
		ord, wd, err := parseOrdinalDay(byDay[0])
		if err != nil {
			return fail("BYDAY", "%v", err)
		}
		if ord == -1 {
			r.PeriodType = LastWeekday
		} else {
			r.PeriodType = NthWeekday
		}
		r.Start = anchorMonthly(start, wd, ord)
	}

	if byMonthDay != "" {
		if r.PeriodType != Month {
			return fail("BYMONTHDAY", "only supported with FREQ=MONTHLY")
		}
		switch byMonthDay {
		case "-1":
			r.PeriodType = EndOfMonth
			r.Start = EndOfMonth.step(start, 0)
		case strconv.Itoa(start.Day()):
		default:
			return fail("BYMONTHDAY", "only -1 or the start day is supported, got %q", byMonthDay)
		}
	}

	rec, err := New(r)
	if err != nil {
		return fail("", "%v", err)
	}
	return rec, count, nil
}

func parseUntil(v string, loc *time.Location) (time.Time, error) {
	for _, layout := range untilLayouts {
		l := loc
		if strings.HasSuffix(layout, "Z") {
			l = time.UTC
		}
		if t, err := time.ParseInLocation(layout, v, l); err == nil {
			if layout == "20060102" {
				// A date-only UNTIL includes the whole day.
				t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", v)
}

// parseOrdinalDay parses "3TH", "+2MO" or "-1FR".
func parseOrdinalDay(s string) (int, time.Weekday, error) {
	if len(s) < 3 {
		return 0, time.Sunday, fmt.Errorf("expected ordinal weekday, got %q", s)
	}
	wd, err := ParseWeekday(s[len(s)-2:])
	if err != nil {
		return 0, time.Sunday, err
	}
	n, err := strconv.Atoi(s[:len(s)-2])
	if err != nil || n == 0 || n < -1 || n > 5 {
		return 0, time.Sunday, fmt.Errorf("ordinal must be 1..5 or -1, got %q", s)
	}
	return n, wd, nil
}

// anchorMonthly returns the first ord-th (or last, for -1) wd of a month at
// or after start, keeping start's clock.
func anchorMonthly(start time.Time, wd time.Weekday, ord int) time.Time {
	for i := 0; ; i++ {
		y, m := monthOffset(start, i)
		var d int
		if ord == -1 {
			d = lastWeekdayOf(y, m, wd, start.Location())
		} else {
			d = nthWeekdayOf(y, m, wd, ord, start.Location())
		}
		c := atDay(start, y, m, d)
		if ord > 0 && weekdayOrdinal(c) != ord {
			// Month too short for the ordinal; anchor on one that has it.
			continue
		}
		if !c.Before(start) {
			return c
		}
	}
}

// RuleString renders r as an RRULE body (without the "RRULE:" prefix).
// ONCE has no RRULE form and renders as "".
func (r Recurrence) RuleString() string {
	var b strings.Builder
	switch r.periodType {
	case Hour:
		b.WriteString("FREQ=HOURLY")
	case Day:
		b.WriteString("FREQ=DAILY")
	case Week:
		b.WriteString("FREQ=WEEKLY")
	case Month, LastWeekday, NthWeekday, EndOfMonth:
		b.WriteString("FREQ=MONTHLY")
	case Year:
		b.WriteString("FREQ=YEARLY")
	default:
		return ""
	}
	b.WriteString(";INTERVAL=")
	b.WriteString(strconv.Itoa(r.multiplier))
	switch r.periodType {
	case Week:
		if len(r.byDays) > 0 {
			b.WriteString(";BYDAY=")
			b.WriteString(FormatByDays(r.byDays))
		}
	case LastWeekday:
		b.WriteString(";BYDAY=-1")
		b.WriteString(WeekdayCode(r.start.Weekday()))
	case NthWeekday:
		b.WriteString(";BYDAY=")
		b.WriteString(strconv.Itoa(weekdayOrdinal(r.start)))
		b.WriteString(WeekdayCode(r.start.Weekday()))
	case EndOfMonth:
		b.WriteString(";BYMONTHDAY=-1")
	}
	if r.adjust != AdjustNone {
		b.WriteString(";X-WEEKEND=")
		b.WriteString(r.adjust.String())
	}
	if !r.end.IsZero() {
		b.WriteString(";UNTIL=")
		b.WriteString(r.end.UTC().Format(untilLayouts[0]))
	}
	return b.String()
}
