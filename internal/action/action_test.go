package action

import (
	"errors"
	"testing"
	"time"

	"ledgerd/internal/recurrence"
)

func at(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func newWeekly(t *testing.T, start time.Time) *ScheduledAction {
	t.Helper()
	a := New(Transaction)
	a.ActionUID = "tmpl"
	if err := a.SetStartTime(start); err != nil {
		t.Fatalf("SetStartTime: %v", err)
	}
	r, err := recurrence.New(recurrence.Rule{PeriodType: recurrence.Week, Start: start})
	if err != nil {
		t.Fatalf("recurrence.New: %v", err)
	}
	if err := a.SetRecurrence(r); err != nil {
		t.Fatalf("SetRecurrence: %v", err)
	}
	return a
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	a := New(Backup)
	if len(a.UID) != 32 {
		t.Fatalf("UID %q should be 32 hex digits", a.UID)
	}
	if !a.Enabled || a.Type() != Backup {
		t.Fatalf("unexpected defaults: enabled=%v type=%v", a.Enabled, a.Type())
	}
	if !a.LastRunTime().IsZero() || a.ExecutionCount() != 0 {
		t.Fatal("new action should have empty run-state")
	}
	if New(Backup).UID == a.UID {
		t.Fatal("UIDs should be unique")
	}
}

func TestIsDue(t *testing.T) {
	t.Parallel()
	start := at(2016, time.June, 6, 9)

	tests := []struct {
		name  string
		setup func(a *ScheduledAction)
		now   time.Time
		want  bool
	}{
		{name: "at start", now: start, want: true},
		{name: "before start", now: start.Add(-time.Minute), want: false},
		{name: "disabled", setup: func(a *ScheduledAction) { a.Enabled = false }, now: start.AddDate(0, 1, 0), want: false},
		{name: "ran this week", setup: func(a *ScheduledAction) { a.RecordRun(start) }, now: start.AddDate(0, 0, 6), want: false},
		{name: "next week due", setup: func(a *ScheduledAction) { a.RecordRun(start) }, now: start.AddDate(0, 0, 7), want: true},
		{name: "cap reached", setup: func(a *ScheduledAction) {
			a.TotalPlannedExecutionCount = 1
			a.RecordRun(start)
		}, now: start.AddDate(0, 1, 0), want: false},
		{name: "past end", setup: func(a *ScheduledAction) {
			a.RecordRun(start)
			if err := a.SetEndTime(start.AddDate(0, 0, 3)); err != nil {
				t.Fatalf("SetEndTime: %v", err)
			}
		}, now: start.AddDate(0, 1, 0), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newWeekly(t, start)
			if tt.setup != nil {
				tt.setup(a)
			}
			if got := a.IsDue(tt.now); got != tt.want {
				t.Fatalf("IsDue(%s) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestRecordRunMonotonic(t *testing.T) {
	t.Parallel()
	start := at(2016, time.June, 6, 9)
	a := newWeekly(t, start)
	a.RecordRun(start.AddDate(0, 0, 14))
	a.RecordRun(start.AddDate(0, 0, 7))
	if want := start.AddDate(0, 0, 14); !a.LastRunTime().Equal(want) {
		t.Fatalf("LastRunTime regressed to %s, want %s", a.LastRunTime(), want)
	}
	if a.ExecutionCount() != 2 {
		t.Fatalf("ExecutionCount = %d, want 2", a.ExecutionCount())
	}
}

func TestSetStartTimeReanchors(t *testing.T) {
	t.Parallel()
	start := at(2016, time.June, 6, 9)
	a := newWeekly(t, start)
	a.RecordRun(start)

	moved := at(2016, time.July, 1, 9)
	if err := a.SetStartTime(moved); err != nil {
		t.Fatalf("SetStartTime: %v", err)
	}
	if !a.Recurrence().PeriodStart().Equal(moved) {
		t.Fatalf("recurrence start = %s, want %s", a.Recurrence().PeriodStart(), moved)
	}
	if a.ExecutionCount() != 1 || !a.LastRunTime().Equal(start) {
		t.Fatal("SetStartTime must not touch run-state")
	}
	since, inclusive := a.Since()
	if !since.Equal(moved) || !inclusive {
		t.Fatalf("Since = %s,%v; want re-anchored start inclusive", since, inclusive)
	}
	next, ok := a.NextOccurrence()
	if !ok || !next.Equal(moved) {
		t.Fatalf("NextOccurrence = %s,%v; want %s", next, ok, moved)
	}
}

func TestSetEndTimeValidation(t *testing.T) {
	t.Parallel()
	start := at(2016, time.June, 6, 9)
	a := newWeekly(t, start)
	if err := a.SetEndTime(start.Add(-time.Hour)); !errors.Is(err, ErrEndBeforeStart) {
		t.Fatalf("expected ErrEndBeforeStart, got %v", err)
	}
	end := at(2016, time.August, 8, 0)
	if err := a.SetEndTime(end); err != nil {
		t.Fatalf("SetEndTime: %v", err)
	}
	if !a.Recurrence().PeriodEnd().Equal(end) {
		t.Fatalf("recurrence end = %s, want %s", a.Recurrence().PeriodEnd(), end)
	}
	if err := a.SetStartTime(end.Add(time.Hour)); !errors.Is(err, ErrEndBeforeStart) {
		t.Fatalf("start after end should fail, got %v", err)
	}
	if err := a.SetEndTime(time.Time{}); err != nil {
		t.Fatalf("clearing end: %v", err)
	}
	if !a.Recurrence().PeriodEnd().IsZero() {
		t.Fatal("recurrence end should be cleared")
	}
}

func TestApplyRule(t *testing.T) {
	t.Parallel()
	a := New(Transaction)
	if err := a.SetStartTime(at(2016, time.June, 1, 9)); err != nil {
		t.Fatalf("SetStartTime: %v", err)
	}
	if err := a.ApplyRule("FREQ=MONTHLY;BYDAY=3TH;COUNT=4;UNTIL=20170101T000000Z"); err != nil {
		t.Fatalf("ApplyRule: %v", err)
	}
	r := a.Recurrence()
	if r.PeriodType() != recurrence.NthWeekday {
		t.Fatalf("PeriodType = %v, want NTH_WEEKDAY", r.PeriodType())
	}
	if want := at(2016, time.June, 16, 9); !a.StartTime().Equal(want) {
		t.Fatalf("StartTime = %s, want %s", a.StartTime(), want)
	}
	if want := at(2017, time.January, 1, 0); !a.EndTime().Equal(want) {
		t.Fatalf("EndTime = %s, want %s", a.EndTime(), want)
	}
	if a.TotalPlannedExecutionCount != 4 {
		t.Fatalf("TotalPlannedExecutionCount = %d, want 4", a.TotalPlannedExecutionCount)
	}

	var pe *recurrence.ParseError
	if err := a.ApplyRule("FREQ=FORTNIGHTLY"); !errors.As(err, &pe) {
		t.Fatalf("expected *recurrence.ParseError, got %v", err)
	}
	if a.Recurrence().PeriodType() != recurrence.NthWeekday {
		t.Fatal("failed ApplyRule must leave the action unchanged")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := newWeekly(t, at(2016, time.June, 6, 9)).Validate(); err != nil {
		t.Fatalf("valid action: %v", err)
	}

	a := New(Type("PAYROLL"))
	a.TotalPlannedExecutionCount = -1
	err := a.Validate()
	for _, want := range []error{ErrInvalidType, ErrNoStartTime, ErrNoActionUID, ErrNoRecurrence, ErrNegativePlanCount} {
		if !errors.Is(err, want) {
			t.Fatalf("Validate() = %v, missing %v", err, want)
		}
	}
}

func TestParseType(t *testing.T) {
	t.Parallel()
	if typ, err := ParseType(" backup "); err != nil || typ != Backup {
		t.Fatalf("ParseType = %v, %v", typ, err)
	}
	if _, err := ParseType("SWEEP"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
