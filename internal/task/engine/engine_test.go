package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"ledgerd/internal/action"
	"ledgerd/internal/recurrence"
)

type fakeMaterializer struct {
	calls []time.Time
	// failAt makes the call for that occurrence fail with err.
	failAt time.Time
	err    error
	// flaky fails the first n calls.
	flaky int
	panic bool
}

func (f *fakeMaterializer) Materialize(_ context.Context, templateUID string, at time.Time, _ string) error {
	if f.panic {
		panic("boom")
	}
	if f.flaky > 0 {
		f.flaky--
		return errors.New("transient")
	}
	if !f.failAt.IsZero() && at.Equal(f.failAt) {
		return f.err
	}
	f.calls = append(f.calls, at)
	return nil
}

type fakeExporter struct {
	reqs     []ExportRequest
	produced bool
	err      error
}

func (f *fakeExporter) Export(_ context.Context, req ExportRequest) (bool, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return false, f.err
	}
	return f.produced, nil
}

func day(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func newAction(t *testing.T, typ action.Type, rule recurrence.Rule) *action.ScheduledAction {
	t.Helper()
	a := action.New(typ)
	a.ActionUID = "template-1"
	if err := a.SetStartTime(rule.Start); err != nil {
		t.Fatalf("SetStartTime: %v", err)
	}
	if !rule.End.IsZero() {
		if err := a.SetEndTime(rule.End); err != nil {
			t.Fatalf("SetEndTime: %v", err)
		}
	}
	r, err := recurrence.New(rule)
	if err != nil {
		t.Fatalf("recurrence.New: %v", err)
	}
	if err := a.SetRecurrence(r); err != nil {
		t.Fatalf("SetRecurrence: %v", err)
	}
	return a
}

func TestProcessSkips(t *testing.T) {
	t.Parallel()
	start := day(2016, time.June, 6, 9)
	rule := recurrence.Rule{PeriodType: recurrence.Day, Start: start}

	tests := []struct {
		name  string
		setup func(a *action.ScheduledAction)
		now   time.Time
		want  SkipReason
	}{
		{name: "disabled", setup: func(a *action.ScheduledAction) { a.Enabled = false }, now: start.AddDate(1, 0, 0), want: SkipDisabled},
		{name: "future start", now: start.Add(-time.Second), want: SkipNotStarted},
		{name: "missing action uid", setup: func(a *action.ScheduledAction) { a.ActionUID = "" }, now: start.AddDate(0, 0, 3), want: SkipNoActionUID},
		{name: "cap reached", setup: func(a *action.ScheduledAction) {
			a.TotalPlannedExecutionCount = 2
			a.Restore(action.Transaction, start.AddDate(0, 0, 1), 2)
		}, now: start.AddDate(0, 0, 5), want: SkipCapReached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAction(t, action.Transaction, rule)
			if tt.setup != nil {
				tt.setup(a)
			}
			m := &fakeMaterializer{}
			e := New(Deps{Materializer: m})
			res, err := e.Process(context.Background(), a, tt.now)
			if err != nil {
				t.Fatalf("Process error: %v", err)
			}
			if res.Skipped != tt.want || res.Executed != 0 || len(m.calls) != 0 {
				t.Fatalf("got skipped=%q executed=%d calls=%d, want skipped=%q and nothing executed", res.Skipped, res.Executed, len(m.calls), tt.want)
			}
		})
	}
}

func TestProcessTransactionCatchUp(t *testing.T) {
	t.Parallel()
	start := day(2016, time.June, 1, 9)
	a := newAction(t, action.Transaction, recurrence.Rule{PeriodType: recurrence.Day, Start: start})
	m := &fakeMaterializer{}
	e := New(Deps{Materializer: m})

	now := day(2016, time.June, 5, 12)
	res, err := e.Process(context.Background(), a, now)
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Executed != 5 || len(m.calls) != 5 {
		t.Fatalf("executed=%d calls=%d, want 5", res.Executed, len(m.calls))
	}
	for i, c := range m.calls {
		if want := start.AddDate(0, 0, i); !c.Equal(want) {
			t.Fatalf("call %d at %s, want %s", i, c, want)
		}
	}
	if want := day(2016, time.June, 5, 9); !a.LastRunTime().Equal(want) {
		t.Fatalf("LastRunTime = %s, want %s", a.LastRunTime(), want)
	}

	// A second call at the same time must not duplicate anything.
	res, err = e.Process(context.Background(), a, now)
	if err != nil {
		t.Fatalf("second Process error: %v", err)
	}
	if res.Executed != 0 || res.Skipped != SkipNothingDue || len(m.calls) != 5 {
		t.Fatalf("second call executed=%d skipped=%q calls=%d", res.Executed, res.Skipped, len(m.calls))
	}
}

func TestProcessRespectsCap(t *testing.T) {
	t.Parallel()
	start := day(2016, time.June, 1, 9)
	a := newAction(t, action.Transaction, recurrence.Rule{PeriodType: recurrence.Day, Start: start})
	a.TotalPlannedExecutionCount = 3
	m := &fakeMaterializer{}
	e := New(Deps{Materializer: m})

	res, err := e.Process(context.Background(), a, day(2016, time.June, 30, 0))
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Executed != 3 || a.ExecutionCount() != 3 {
		t.Fatalf("executed=%d count=%d, want 3", res.Executed, a.ExecutionCount())
	}
	res, _ = e.Process(context.Background(), a, day(2016, time.July, 30, 0))
	if res.Skipped != SkipCapReached || len(m.calls) != 3 {
		t.Fatalf("after cap: skipped=%q calls=%d", res.Skipped, len(m.calls))
	}
}

func TestProcessWeeklyFanOut(t *testing.T) {
	t.Parallel()
	start := day(2016, time.June, 6, 9)
	end := day(2016, time.September, 12, 8)
	tests := []struct {
		name string
		rule recurrence.Rule
		want int
	}{
		{name: "mon thu weekly", rule: recurrence.Rule{PeriodType: recurrence.Week, Start: start, End: end, ByDays: []time.Weekday{time.Monday, time.Thursday}}, want: 28},
		{name: "biweekly monday", rule: recurrence.Rule{PeriodType: recurrence.Week, Multiplier: 2, Start: start, End: end, ByDays: []time.Weekday{time.Monday}}, want: 7},
		{name: "end time clipping", rule: recurrence.Rule{PeriodType: recurrence.Week, Multiplier: 2, Start: start, End: day(2016, time.August, 8, 0)}, want: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAction(t, action.Transaction, tt.rule)
			m := &fakeMaterializer{}
			res, err := New(Deps{Materializer: m}).Process(context.Background(), a, day(2017, time.January, 1, 0))
			if err != nil {
				t.Fatalf("Process error: %v", err)
			}
			if res.Executed != tt.want {
				t.Fatalf("executed %d occurrences, want %d", res.Executed, tt.want)
			}
			for i := 1; i < len(m.calls); i++ {
				if !m.calls[i].After(m.calls[i-1]) {
					t.Fatalf("occurrences out of order: %s then %s", m.calls[i-1], m.calls[i])
				}
			}
		})
	}
}

func TestProcessStopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	start := day(2016, time.June, 1, 9)
	a := newAction(t, action.Transaction, recurrence.Rule{PeriodType: recurrence.Day, Start: start})
	errLedger := errors.New("ledger locked")
	failAt := day(2016, time.June, 3, 9)
	m := &fakeMaterializer{failAt: failAt, err: errLedger}
	e := New(Deps{Materializer: m})

	res, err := e.Process(context.Background(), a, day(2016, time.June, 10, 0))
	var oe *OccurrenceError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OccurrenceError, got %v", err)
	}
	if !errors.Is(err, errLedger) {
		t.Fatalf("error should wrap the materializer error, got %v", err)
	}
	if !oe.At.Equal(failAt) || oe.ScheduledActionUID != a.UID {
		t.Fatalf("OccurrenceError = %+v", oe)
	}
	if res.Executed != 2 || a.ExecutionCount() != 2 {
		t.Fatalf("executed=%d count=%d, want 2 successes kept", res.Executed, a.ExecutionCount())
	}
	if want := day(2016, time.June, 2, 9); !a.LastRunTime().Equal(want) {
		t.Fatalf("LastRunTime = %s, want %s", a.LastRunTime(), want)
	}

	// Once the failure clears, the batch resumes at the failed occurrence.
	m.failAt = time.Time{}
	res, err = e.Process(context.Background(), a, day(2016, time.June, 4, 10))
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Executed != 2 || !m.calls[2].Equal(failAt) {
		t.Fatalf("resume executed=%d calls=%v", res.Executed, m.calls)
	}
}

func TestProcessRetries(t *testing.T) {
	t.Parallel()
	start := day(2016, time.June, 1, 9)
	now := day(2016, time.June, 1, 10)

	a := newAction(t, action.Transaction, recurrence.Rule{PeriodType: recurrence.Day, Start: start})
	m := &fakeMaterializer{flaky: 1}
	e := New(Deps{Materializer: m, Retry: RetryPolicy{Max: 2, Base: time.Millisecond, MaxDelay: time.Millisecond}})
	if res, err := e.Process(context.Background(), a, now); err != nil || res.Executed != 1 {
		t.Fatalf("flaky materializer: executed=%d err=%v", res.Executed, err)
	}

	a = newAction(t, action.Transaction, recurrence.Rule{PeriodType: recurrence.Day, Start: start})
	permanent := errors.New("template missing")
	calls := 0
	e = New(Deps{
		Materializer: materializeFunc(func() error { calls++; return NoRetry(permanent) }),
		Retry:        RetryPolicy{Max: 3, Base: time.Millisecond},
	})
	_, err := e.Process(context.Background(), a, now)
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("NoRetry error: calls=%d err=%v", calls, err)
	}
	var oe *OccurrenceError
	if !errors.As(err, &oe) || oe.Attempts != 1 {
		t.Fatalf("expected one attempt, got %v", err)
	}
}

type materializeFunc func() error

func (f materializeFunc) Materialize(context.Context, string, time.Time, string) error { return f() }

func TestProcessRecoversPanic(t *testing.T) {
	t.Parallel()
	a := newAction(t, action.Transaction, recurrence.Rule{PeriodType: recurrence.Day, Start: day(2016, time.June, 1, 9)})
	_, err := New(Deps{Materializer: &fakeMaterializer{panic: true}}).Process(context.Background(), a, day(2016, time.June, 2, 0))
	var oe *OccurrenceError
	if !errors.As(err, &oe) {
		t.Fatalf("expected panic to surface as *OccurrenceError, got %v", err)
	}
	if a.ExecutionCount() != 0 {
		t.Fatal("panicking occurrence must not be recorded")
	}
}

func TestProcessBackupCatchUpOnce(t *testing.T) {
	t.Parallel()
	start := day(2016, time.June, 1, 3)
	a := newAction(t, action.Backup, recurrence.Rule{PeriodType: recurrence.Day, Start: start})
	a.Tag = "json;/tmp/backups"
	x := &fakeExporter{produced: true}
	e := New(Deps{Exporter: x})

	now := day(2016, time.June, 10, 12)
	res, err := e.Process(context.Background(), a, now)
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Executed != 1 || len(x.reqs) != 1 {
		t.Fatalf("executed=%d exports=%d, want exactly one catch-up export", res.Executed, len(x.reqs))
	}
	req := x.reqs[0]
	if req.BookUID != "template-1" || req.Tag != a.Tag || !req.At.Equal(now) || !req.Since.IsZero() || req.ScheduledActionUID != a.UID {
		t.Fatalf("unexpected request %+v", req)
	}
	if !a.LastRunTime().Equal(now) || a.ExecutionCount() != 1 {
		t.Fatalf("run-state = %s/%d, want %s/1", a.LastRunTime(), a.ExecutionCount(), now)
	}

	// Nothing further is due until the next grid occurrence after now.
	if res, _ := e.Process(context.Background(), a, day(2016, time.June, 11, 2)); res.Skipped != SkipNothingDue || len(x.reqs) != 1 {
		t.Fatalf("before next occurrence: skipped=%q exports=%d", res.Skipped, len(x.reqs))
	}
	later := day(2016, time.June, 11, 3)
	if res, _ := e.Process(context.Background(), a, later); res.Executed != 1 || len(x.reqs) != 2 {
		t.Fatalf("at next occurrence: executed=%d exports=%d", res.Executed, len(x.reqs))
	}
	if !x.reqs[1].Since.Equal(now) {
		t.Fatalf("second export since %s, want %s", x.reqs[1].Since, now)
	}
}

func TestProcessBackupAfterPriorRuns(t *testing.T) {
	t.Parallel()
	type step struct {
		now          time.Time
		produced     bool
		wantExecuted int
		wantLastRun  time.Time
		wantCount    int
	}
	tests := []struct {
		name    string
		rule    recurrence.Rule
		lastRun time.Time
		count   int
		steps   []step
	}{
		{
			name:    "monthly overdue by two periods exports once",
			rule:    recurrence.Rule{PeriodType: recurrence.Month, Start: day(2016, time.January, 1, 3)},
			lastRun: day(2016, time.March, 1, 3),
			count:   3,
			steps: []step{
				{now: day(2016, time.May, 15, 12), produced: true, wantExecuted: 1, wantLastRun: day(2016, time.May, 15, 12), wantCount: 4},
				// Immediately again, nothing new to export.
				{now: day(2016, time.May, 15, 13), produced: false, wantExecuted: 0, wantLastRun: day(2016, time.May, 15, 12), wantCount: 4},
			},
		},
		{
			name:    "weekly monday waits for the next monday",
			rule:    recurrence.Rule{PeriodType: recurrence.Week, Start: day(2016, time.June, 6, 3), ByDays: []time.Weekday{time.Monday}},
			lastRun: day(2016, time.June, 20, 3),
			count:   3,
			steps: []step{
				{now: day(2016, time.June, 26, 23), produced: true, wantExecuted: 0, wantLastRun: day(2016, time.June, 20, 3), wantCount: 3},
				{now: day(2016, time.June, 27, 4), produced: true, wantExecuted: 1, wantLastRun: day(2016, time.June, 27, 4), wantCount: 4},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newAction(t, action.Backup, tt.rule)
			a.Restore(action.Backup, tt.lastRun, tt.count)
			x := &fakeExporter{}
			e := New(Deps{Exporter: x})
			exports := 0
			for i, st := range tt.steps {
				x.produced = st.produced
				res, err := e.Process(context.Background(), a, st.now)
				if err != nil {
					t.Fatalf("step %d: Process error: %v", i, err)
				}
				exports += st.wantExecuted
				if res.Executed != st.wantExecuted || len(x.reqs) != exports {
					t.Fatalf("step %d: executed=%d exports=%d, want %d", i, res.Executed, len(x.reqs), st.wantExecuted)
				}
				if !a.LastRunTime().Equal(st.wantLastRun) || a.ExecutionCount() != st.wantCount {
					t.Fatalf("step %d: run-state = %s/%d, want %s/%d", i, a.LastRunTime(), a.ExecutionCount(), st.wantLastRun, st.wantCount)
				}
			}
		})
	}
}

func TestProcessRunStateIsMonotonic(t *testing.T) {
	t.Parallel()
	start := day(2016, time.June, 6, 9)
	calls := 0
	flaky := materializeFunc(func() error {
		calls++
		if calls%5 == 0 {
			return NoRetry(errors.New("ledger locked"))
		}
		return nil
	})
	x := &fakeExporter{}
	e := New(Deps{Materializer: flaky, Exporter: x})

	actions := []*action.ScheduledAction{
		newAction(t, action.Transaction, recurrence.Rule{PeriodType: recurrence.Week, Start: start, ByDays: []time.Weekday{time.Monday, time.Thursday}}),
		newAction(t, action.Transaction, recurrence.Rule{PeriodType: recurrence.Month, Multiplier: 2, Start: start, WeekendAdjust: recurrence.AdjustBack}),
		newAction(t, action.Backup, recurrence.Rule{PeriodType: recurrence.Day, Multiplier: 3, Start: start}),
	}
	for _, a := range actions {
		a.TotalPlannedExecutionCount = 40
	}

	now := start.Add(-48 * time.Hour)
	for i := 0; i < 200; i++ {
		// Irregular, non-decreasing steps; every fourth call repeats now.
		if i%4 != 0 {
			now = now.Add(time.Duration(i%7+1) * 29 * time.Hour)
		}
		x.produced = i%3 != 0
		for _, a := range actions {
			prevRun, prevCount := a.LastRunTime(), a.ExecutionCount()
			_, _ = e.Process(context.Background(), a, now)
			if a.LastRunTime().Before(prevRun) || a.ExecutionCount() < prevCount {
				t.Fatalf("call %d at %s: %s went from %s/%d to %s/%d", i, now, a.Recurrence(), prevRun, prevCount, a.LastRunTime(), a.ExecutionCount())
			}
			if a.ExecutionCount() > a.TotalPlannedExecutionCount {
				t.Fatalf("call %d: count %d exceeds cap", i, a.ExecutionCount())
			}
			if a.LastRunTime().After(now) {
				t.Fatalf("call %d: last run %s after now %s", i, a.LastRunTime(), now)
			}
		}
	}
}

func TestProcessWeekendStartWithAdjustBack(t *testing.T) {
	t.Parallel()
	start := day(2016, time.January, 2, 9) // Saturday
	a := newAction(t, action.Transaction, recurrence.Rule{PeriodType: recurrence.Month, Start: start, WeekendAdjust: recurrence.AdjustBack})
	m := &fakeMaterializer{}
	res, err := New(Deps{Materializer: m}).Process(context.Background(), a, day(2016, time.April, 10, 0))
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	want := []time.Time{day(2016, time.January, 4, 9), day(2016, time.February, 2, 9), day(2016, time.March, 2, 9), day(2016, time.April, 1, 9)}
	if res.Executed != len(want) || len(m.calls) != len(want) {
		t.Fatalf("executed=%d calls=%v, want %v", res.Executed, m.calls, want)
	}
	for i := range want {
		if !m.calls[i].Equal(want[i]) {
			t.Fatalf("occurrence %d = %s, want %s", i, m.calls[i], want[i])
		}
	}
}

func TestProcessBackupNothingProduced(t *testing.T) {
	t.Parallel()
	a := newAction(t, action.Backup, recurrence.Rule{PeriodType: recurrence.Week, Start: day(2016, time.June, 6, 3)})
	a.TotalPlannedExecutionCount = 1
	x := &fakeExporter{produced: false}
	e := New(Deps{Exporter: x})

	res, err := e.Process(context.Background(), a, day(2016, time.June, 20, 0))
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Skipped != SkipNothingProduced || res.Executed != 0 {
		t.Fatalf("skipped=%q executed=%d", res.Skipped, res.Executed)
	}
	if !a.LastRunTime().IsZero() || a.ExecutionCount() != 0 {
		t.Fatal("an empty export must not change run-state")
	}

	x.produced = true
	if res, _ := e.Process(context.Background(), a, day(2016, time.June, 20, 1)); res.Executed != 1 {
		t.Fatalf("export after new data: executed=%d", res.Executed)
	}
}

func TestProcessBackupFailure(t *testing.T) {
	t.Parallel()
	start := day(2016, time.June, 6, 3)
	a := newAction(t, action.Backup, recurrence.Rule{PeriodType: recurrence.Day, Start: start})
	diskFull := errors.New("disk full")
	_, err := New(Deps{Exporter: &fakeExporter{err: diskFull}}).Process(context.Background(), a, day(2016, time.June, 8, 0))
	var oe *OccurrenceError
	if !errors.As(err, &oe) || !errors.Is(err, diskFull) {
		t.Fatalf("expected wrapped exporter error, got %v", err)
	}
	if !oe.At.Equal(start) {
		t.Fatalf("failed occurrence = %s, want %s", oe.At, start)
	}
	if a.ExecutionCount() != 0 {
		t.Fatal("failed export must not be recorded")
	}
}

func TestProcessReanchoredStart(t *testing.T) {
	t.Parallel()
	a := newAction(t, action.Transaction, recurrence.Rule{PeriodType: recurrence.Day, Start: day(2016, time.June, 1, 9)})
	a.Restore(action.Transaction, day(2016, time.June, 3, 9), 3)
	moved := day(2016, time.July, 1, 9)
	if err := a.SetStartTime(moved); err != nil {
		t.Fatalf("SetStartTime: %v", err)
	}
	m := &fakeMaterializer{}
	res, err := New(Deps{Materializer: m}).Process(context.Background(), a, day(2016, time.July, 2, 10))
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Executed != 2 || !m.calls[0].Equal(moved) {
		t.Fatalf("executed=%d calls=%v, want the new start included", res.Executed, m.calls)
	}
}

func TestProcessMissingCollaborator(t *testing.T) {
	t.Parallel()
	a := newAction(t, action.Transaction, recurrence.Rule{PeriodType: recurrence.Day, Start: day(2016, time.June, 1, 9)})
	if _, err := New(Deps{}).Process(context.Background(), a, day(2016, time.June, 2, 0)); !errors.Is(err, ErrNoMaterializer) {
		t.Fatalf("expected ErrNoMaterializer, got %v", err)
	}
	b := newAction(t, action.Backup, recurrence.Rule{PeriodType: recurrence.Day, Start: day(2016, time.June, 1, 9)})
	if _, err := New(Deps{}).Process(context.Background(), b, day(2016, time.June, 2, 0)); !errors.Is(err, ErrNoExporter) {
		t.Fatalf("expected ErrNoExporter, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.000001}.withDefaults()
	for retry, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 4: 800 * time.Millisecond, 6: time.Second} {
		got := backoffDelay(p, retry)
		if got < want-time.Millisecond || got > want+time.Millisecond {
			t.Fatalf("backoffDelay(%d) = %s, want ~%s", retry, got, want)
		}
	}
	if got := backoffDelayWithHint(p, 1, RetryAfter(errors.New("busy"), time.Hour)); got != time.Second {
		t.Fatalf("hint should be capped at MaxDelay, got %s", got)
	}
}
