package recurrence

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrInvalidPeriodType = errors.New("recurrence: invalid period type")
	ErrInvalidMultiplier = errors.New("recurrence: multiplier must be >= 1")
	ErrEndBeforeStart    = errors.New("recurrence: period end is before period start")
	ErrInvalidWeekday    = errors.New("recurrence: invalid weekday")
	ErrInvalidAdjust     = errors.New("recurrence: invalid weekend adjust")
)

// Rule is the plain, mutable description of a Recurrence. Build one and pass
// it to New; Recurrence.Rule returns a copy for modification.
type Rule struct {
	PeriodType PeriodType
	// Multiplier scales the step size. 0 means 1.
	Multiplier int
	// Start anchors the occurrence grid. Zero means now.
	Start time.Time
	// End is optional (zero = open ended). Occurrences after End never happen.
	End time.Time
	// ByDays restricts WEEK rules to the listed weekdays. Ignored by other
	// period types. Empty means the weekday of Start.
	ByDays []time.Weekday
	// WeekendAdjust shifts month- and year-based occurrences off weekends.
	WeekendAdjust WeekendAdjust
}

// Recurrence is an immutable recurrence rule.
type Recurrence struct {
	periodType PeriodType
	multiplier int
	start      time.Time
	end        time.Time
	byDays     []time.Weekday
	adjust     WeekendAdjust
}

// New validates rule and returns the corresponding Recurrence.
func New(rule Rule) (Recurrence, error) {
	if !rule.PeriodType.Valid() {
		return Recurrence{}, fmt.Errorf("%w: %d", ErrInvalidPeriodType, int(rule.PeriodType))
	}
	mult := rule.Multiplier
	if mult == 0 {
		mult = 1
	}
	if mult < 1 {
		return Recurrence{}, fmt.Errorf("%w: got %d", ErrInvalidMultiplier, rule.Multiplier)
	}
	start := rule.Start
	if start.IsZero() {
		start = time.Now()
	}
	if !rule.End.IsZero() && rule.End.Before(start) {
		return Recurrence{}, ErrEndBeforeStart
	}
	days, err := normalizeDays(rule.ByDays)
	if err != nil {
		return Recurrence{}, err
	}
	if !rule.WeekendAdjust.Valid() {
		return Recurrence{}, fmt.Errorf("%w: %d", ErrInvalidAdjust, int(rule.WeekendAdjust))
	}
	return Recurrence{
		periodType: rule.PeriodType,
		multiplier: mult,
		start:      start,
		end:        rule.End,
		byDays:     days,
		adjust:     rule.WeekendAdjust,
	}, nil
}

// normalizeDays de-duplicates and sorts weekdays Monday first.
func normalizeDays(in []time.Weekday) ([]time.Weekday, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]time.Weekday, 0, len(in))
	for _, d := range in {
		if d < time.Sunday || d > time.Saturday {
			return nil, fmt.Errorf("%w: %d", ErrInvalidWeekday, int(d))
		}
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b time.Weekday) int {
		return mondayOffset(a) - mondayOffset(b)
	})
	return out, nil
}

func (r Recurrence) IsZero() bool           { return r.start.IsZero() }
func (r Recurrence) PeriodType() PeriodType { return r.periodType }
func (r Recurrence) Multiplier() int        { return r.multiplier }
func (r Recurrence) PeriodStart() time.Time { return r.start }
func (r Recurrence) PeriodEnd() time.Time   { return r.end }

func (r Recurrence) WeekendAdjust() WeekendAdjust { return r.adjust }

// ByDays returns the explicit weekday set (possibly empty).
func (r Recurrence) ByDays() []time.Weekday { return slices.Clone(r.byDays) }

// Rule returns an editable copy of r's definition.
func (r Recurrence) Rule() Rule {
	return Rule{
		PeriodType:    r.periodType,
		Multiplier:    r.multiplier,
		Start:         r.start,
		End:           r.end,
		ByDays:        slices.Clone(r.byDays),
		WeekendAdjust: r.adjust,
	}
}

func (r Recurrence) WithPeriodStart(t time.Time) (Recurrence, error) {
	rule := r.Rule()
	rule.Start = t
	return New(rule)
}

func (r Recurrence) WithPeriodEnd(t time.Time) (Recurrence, error) {
	rule := r.Rule()
	rule.End = t
	return New(rule)
}

func (r Recurrence) WithMultiplier(n int) (Recurrence, error) {
	rule := r.Rule()
	rule.Multiplier = n
	return New(rule)
}

func (r Recurrence) WithWeekendAdjust(w WeekendAdjust) (Recurrence, error) {
	rule := r.Rule()
	rule.WeekendAdjust = w
	return New(rule)
}

func (r Recurrence) WithByDays(days ...time.Weekday) (Recurrence, error) {
	rule := r.Rule()
	rule.ByDays = days
	return New(rule)
}

// weekDays is the effective weekday set of a WEEK rule.
func (r Recurrence) weekDays() []time.Weekday {
	if len(r.byDays) == 0 {
		return []time.Weekday{r.start.Weekday()}
	}
	return r.byDays
}

// at returns occurrence k of a non-weekly rule. Month and year steps are at
// least 28 days apart, so the weekend shift keeps occurrences ordered. An
// occurrence never moves before the anchor: a weekend start with AdjustBack
// falls forward to Monday instead.
func (r Recurrence) at(k int) time.Time {
	t := r.periodType.step(r.start, k*r.multiplier)
	if r.adjust == AdjustNone {
		return t
	}
	if u := r.periodType.unit(); u != Month && u != Year {
		return t
	}
	adj := r.adjust.apply(t)
	if adj.Before(r.start) {
		adj = AdjustForward.apply(t)
	}
	return adj
}

// Next returns the first occurrence after t (or at t when inclusive). The
// boolean is false when the rule has no such occurrence within its end.
func (r Recurrence) Next(t time.Time, inclusive bool) (time.Time, bool) {
	if r.IsZero() {
		return time.Time{}, false
	}
	accept := func(c time.Time) bool {
		if inclusive {
			return !c.Before(t)
		}
		return c.After(t)
	}

	var occ time.Time
	switch r.periodType {
	case Once:
		occ = r.start
		if !accept(occ) {
			return time.Time{}, false
		}
	case Week:
		occ = r.nextWeekly(t, accept)
	default:
		k := 0
		if t.After(r.start) {
			k = max(r.periodType.unit().approxUnits(r.start, t)/r.multiplier, 0)
		}
		for k > 0 && accept(r.at(k-1)) {
			k--
		}
		for !accept(r.at(k)) {
			k++
		}
		occ = r.at(k)
	}

	if !r.end.IsZero() && occ.After(r.end) {
		return time.Time{}, false
	}
	return occ, true
}

// nextWeekly walks qualifying weeks (anchor week + k*multiplier) and returns
// the first weekday occurrence accepted, skipping days before the anchor.
func (r Recurrence) nextWeekly(t time.Time, accept func(time.Time) bool) time.Time {
	base := weekStart(r.start)
	days := r.weekDays()
	w := 0
	if t.After(base) {
		w = max(int(t.Sub(base)/(7*24*time.Hour))/r.multiplier-1, 0)
	}
	for ; ; w++ {
		y, m, d := shiftDays(base, 7*w*r.multiplier).Date()
		for _, wd := range days {
			occ := atDay(r.start, y, m, d+mondayOffset(wd))
			if occ.Before(r.start) {
				continue
			}
			if accept(occ) {
				return occ
			}
		}
	}
}

// Occurrences lists occurrences after from (or at from when inclusive) up to
// and including until, in increasing order. limit > 0 caps the result size.
func (r Recurrence) Occurrences(from time.Time, inclusive bool, until time.Time, limit int) []time.Time {
	var out []time.Time
	t, ok := r.Next(from, inclusive)
	for ok && !t.After(until) {
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
		t, ok = r.Next(t, false)
	}
	return out
}

// CurrentPeriod returns the half-open [start, end) period containing now.
// Periods are the anchor's calendar unit (hour, day, Monday-based week,
// month, year) stepped by the multiplier. Compound monthly types use months.
// ONCE has a single period, the anchor's day; for any now outside it both
// bounds are zero.
func (r Recurrence) CurrentPeriod(now time.Time) (time.Time, time.Time) {
	u := r.periodType.unit()
	a := r.periodType.truncate(r.start)
	if r.periodType == Once {
		end := u.step(a, 1)
		if now.Before(a) || !now.Before(end) {
			return time.Time{}, time.Time{}
		}
		return a, end
	}
	n := r.multiplier
	k := floorDiv(u.approxUnits(a, now), n)
	for u.step(a, k*n).After(now) {
		k--
	}
	for !u.step(a, (k+1)*n).After(now) {
		k++
	}
	return u.step(a, k*n), u.step(a, (k+1)*n)
}

func (r Recurrence) StartOfCurrentPeriod(now time.Time) time.Time {
	s, _ := r.CurrentPeriod(now)
	return s
}

func (r Recurrence) EndOfCurrentPeriod(now time.Time) time.Time {
	_, e := r.CurrentPeriod(now)
	return e
}

func (r Recurrence) String() string {
	if r.IsZero() {
		return "<none>"
	}
	if s := r.RuleString(); s != "" {
		return s + " from " + r.start.Format(time.RFC3339)
	}
	return "ONCE at " + r.start.Format(time.RFC3339)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
