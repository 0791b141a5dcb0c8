package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// WeekendAdjust moves month- and year-based occurrences that land on a
// Saturday or Sunday. Other period types ignore it: their occurrences are
// too close together to shift without colliding.
type WeekendAdjust int

const (
	AdjustNone WeekendAdjust = iota
	// AdjustBack moves to the preceding Friday.
	AdjustBack
	// AdjustForward moves to the following Monday.
	AdjustForward
)

var adjustNames = [...]string{AdjustNone: "NONE", AdjustBack: "BACK", AdjustForward: "FORWARD"}

func (w WeekendAdjust) String() string {
	if w.Valid() {
		return adjustNames[w]
	}
	return fmt.Sprintf("WeekendAdjust(%d)", int(w))
}

func (w WeekendAdjust) Valid() bool { return w >= AdjustNone && w <= AdjustForward }

// ParseWeekendAdjust parses a persisted policy name; "" is AdjustNone.
func ParseWeekendAdjust(s string) (WeekendAdjust, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return AdjustNone, nil
	}
	for i, name := range adjustNames {
		if name == s {
			return WeekendAdjust(i), nil
		}
	}
	return AdjustNone, fmt.Errorf("unknown weekend adjust %q", s)
}

func (w WeekendAdjust) apply(t time.Time) time.Time {
	var back, fwd int
	switch t.Weekday() {
	case time.Saturday:
		back, fwd = -1, 2
	case time.Sunday:
		back, fwd = -2, 1
	default:
		return t
	}
	switch w {
	case AdjustBack:
		return shiftDays(t, back)
	case AdjustForward:
		return shiftDays(t, fwd)
	}
	return t
}
