package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type TriggerKind int

const (
	TriggerCron TriggerKind = iota
	TriggerInterval
)

// TriggerSpec is a parsed pass trigger.
//
// Accepted forms:
//   - cron: "*/30 * * * *", "0 0 3 * * *" (with seconds), "@hourly", "@every 30m"
//   - Go duration: "30m", "1h30m"
//   - HH:MM interval: "00:30" (30 minutes), "06:00" (6 hours)
//
// The prefixes "cron:", "interval:" and "every:" force one interpretation.
type TriggerSpec struct {
	Kind   TriggerKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

func (t TriggerSpec) String() string {
	if t.Kind == TriggerInterval {
		return "@every " + t.Every.String()
	}
	return t.Cron
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseTrigger parses raw into a TriggerSpec. Cron expressions are validated.
func ParseTrigger(raw string) (TriggerSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return TriggerSpec{}, fmt.Errorf("trigger schedule required")
	}
	low := strings.ToLower(s)
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			return parseInterval(s[len(p):])
		}
	}
	if strings.HasPrefix(low, "cron:") {
		return parseCron(s[len("cron:"):])
	}

	// Whitespace or a descriptor means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if ts, err := parseInterval(s); err == nil {
		return ts, nil
	}
	return TriggerSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/30 * * * *', HH:MM like '00:30', or duration like '30m')",
		raw,
	)
}

func parseCron(expr string) (TriggerSpec, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return TriggerSpec{}, fmt.Errorf("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return TriggerSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	// "@every 30m" is an interval in disguise; keep it one so it gets spread.
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil && d > 0 {
			return TriggerSpec{Kind: TriggerInterval, Every: d, Source: "duration"}, nil
		}
	}
	return TriggerSpec{Kind: TriggerCron, Cron: expr, Source: "cron"}, nil
}

func parseInterval(v string) (TriggerSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return TriggerSpec{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return TriggerSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return TriggerSpec{}, fmt.Errorf("interval must be > 0")
		}
		return TriggerSpec{Kind: TriggerInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return TriggerSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '30m')", v)
	}
	if d <= 0 {
		return TriggerSpec{}, fmt.Errorf("interval must be > 0")
	}
	return TriggerSpec{Kind: TriggerInterval, Every: d, Source: "duration"}, nil
}
