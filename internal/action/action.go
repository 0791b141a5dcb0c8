// Package action defines ScheduledAction: a recurring transaction or backup
// together with its run-state (last run, execution count).
package action

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ledgerd/internal/recurrence"
)

// Type is the kind of effect a scheduled action produces.
type Type string

const (
	Transaction Type = "TRANSACTION"
	Backup      Type = "BACKUP"
)

func (t Type) Valid() bool { return t == Transaction || t == Backup }

// ParseType parses a persisted action type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return t, nil
}

var (
	ErrNoStartTime       = errors.New("action: start time is required")
	ErrEndBeforeStart    = errors.New("action: end time is before start time")
	ErrNoActionUID       = errors.New("action: action UID is not set")
	ErrNoRecurrence      = errors.New("action: recurrence is not set")
	ErrInvalidType       = errors.New("action: invalid action type")
	ErrNegativePlanCount = errors.New("action: total planned execution count must be >= 0")
)

// ScheduledAction is a schedulable entry. It exclusively owns its Recurrence.
//
// Run-state (LastRunTime, ExecutionCount) changes only through RecordRun,
// which the execution engine calls, or through Restore when loading from
// storage.
type ScheduledAction struct {
	UID       string
	ActionUID string
	Enabled   bool
	// Tag carries the export configuration of BACKUP actions.
	Tag string
	// TotalPlannedExecutionCount caps executions when > 0.
	TotalPlannedExecutionCount int

	CreatedAt  time.Time
	ModifiedAt time.Time

	typ            Type
	startTime      time.Time
	endTime        time.Time
	lastRunTime    time.Time
	executionCount int
	recurrence     recurrence.Recurrence
}

// New returns an enabled action of the given type with a fresh UID.
func New(t Type) *ScheduledAction {
	return &ScheduledAction{
		UID:     NewUID(),
		Enabled: true,
		typ:     t,
	}
}

// NewUID returns a 32-hex-digit identifier.
func NewUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (a *ScheduledAction) Type() Type                       { return a.typ }
func (a *ScheduledAction) StartTime() time.Time             { return a.startTime }
func (a *ScheduledAction) EndTime() time.Time               { return a.endTime }
func (a *ScheduledAction) LastRunTime() time.Time           { return a.lastRunTime }
func (a *ScheduledAction) ExecutionCount() int              { return a.executionCount }
func (a *ScheduledAction) Recurrence() recurrence.Recurrence { return a.recurrence }

// SetRecurrence installs r, re-anchored on the action's start and end when
// those are set. Otherwise the action adopts r's bounds.
func (a *ScheduledAction) SetRecurrence(r recurrence.Recurrence) error {
	if r.IsZero() {
		return ErrNoRecurrence
	}
	rule := r.Rule()
	if !a.startTime.IsZero() {
		rule.Start = a.startTime
	}
	if !a.endTime.IsZero() {
		rule.End = a.endTime
	}
	nr, err := recurrence.New(rule)
	if err != nil {
		return err
	}
	a.recurrence = nr
	a.startTime = nr.PeriodStart()
	a.endTime = nr.PeriodEnd()
	return nil
}

// ApplyRule parses an RRULE string anchored at the action's start time and
// installs it. COUNT becomes TotalPlannedExecutionCount and UNTIL the end time.
func (a *ScheduledAction) ApplyRule(rule string) error {
	r, count, err := recurrence.ParseRule(rule, a.startTime)
	if err != nil {
		return err
	}
	def := r.Rule()
	if def.End.IsZero() {
		def.End = a.endTime
	}
	if r, err = recurrence.New(def); err != nil {
		return err
	}
	a.recurrence = r
	a.startTime = r.PeriodStart()
	a.endTime = r.PeriodEnd()
	if count > 0 {
		a.TotalPlannedExecutionCount = count
	}
	return nil
}

// SetStartTime moves the start and re-anchors the recurrence. Run-state is
// not touched.
func (a *ScheduledAction) SetStartTime(t time.Time) error {
	if t.IsZero() {
		return ErrNoStartTime
	}
	if !a.endTime.IsZero() && a.endTime.Before(t) {
		return ErrEndBeforeStart
	}
	if !a.recurrence.IsZero() {
		r, err := a.recurrence.WithPeriodStart(t)
		if err != nil {
			return err
		}
		a.recurrence = r
	}
	a.startTime = t
	return nil
}

// SetEndTime sets (or, with a zero t, clears) the end and re-anchors the
// recurrence end.
func (a *ScheduledAction) SetEndTime(t time.Time) error {
	if !t.IsZero() && !a.startTime.IsZero() && t.Before(a.startTime) {
		return ErrEndBeforeStart
	}
	if !a.recurrence.IsZero() {
		r, err := a.recurrence.WithPeriodEnd(t)
		if err != nil {
			return err
		}
		a.recurrence = r
	}
	a.endTime = t
	return nil
}

// Restore loads persisted run-state. It is meant for storage code only.
func (a *ScheduledAction) Restore(t Type, lastRun time.Time, executionCount int) {
	a.typ = t
	a.lastRunTime = lastRun
	a.executionCount = executionCount
}

// RecordRun marks one successful execution at t. Run-state never regresses:
// an earlier t leaves LastRunTime unchanged.
func (a *ScheduledAction) RecordRun(t time.Time) {
	if t.After(a.lastRunTime) {
		a.lastRunTime = t
	}
	a.executionCount++
}

// CapReached reports whether the planned execution count has been used up.
func (a *ScheduledAction) CapReached() bool {
	return a.TotalPlannedExecutionCount > 0 && a.executionCount >= a.TotalPlannedExecutionCount
}

// RemainingExecutions is the number of executions left before the cap, or
// 0 when the action is uncapped.
func (a *ScheduledAction) RemainingExecutions() int {
	if a.TotalPlannedExecutionCount <= 0 {
		return 0
	}
	return max(a.TotalPlannedExecutionCount-a.executionCount, 0)
}

// Since is the anchor from which missed occurrences are counted, and whether
// an occurrence exactly at it is still pending. An action that never ran from
// its current start includes the start itself.
func (a *ScheduledAction) Since() (time.Time, bool) {
	if a.lastRunTime.IsZero() || a.lastRunTime.Before(a.startTime) {
		return a.startTime, true
	}
	return a.lastRunTime, false
}

// NextOccurrence returns the first pending occurrence after the last run, or
// false when the recurrence has none left.
func (a *ScheduledAction) NextOccurrence() (time.Time, bool) {
	if a.recurrence.IsZero() {
		return time.Time{}, false
	}
	since, inclusive := a.Since()
	return a.recurrence.Next(since, inclusive)
}

// IsDue reports whether the action should run at now.
func (a *ScheduledAction) IsDue(now time.Time) bool {
	if !a.Enabled || a.startTime.IsZero() || now.Before(a.startTime) || a.CapReached() {
		return false
	}
	next, ok := a.NextOccurrence()
	return ok && !next.After(now)
}

// Validate reports configuration errors that make the action unrunnable.
func (a *ScheduledAction) Validate() error {
	var errs []error
	if !a.typ.Valid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidType, a.typ))
	}
	if a.startTime.IsZero() {
		errs = append(errs, ErrNoStartTime)
	}
	if !a.endTime.IsZero() && a.endTime.Before(a.startTime) {
		errs = append(errs, ErrEndBeforeStart)
	}
	if strings.TrimSpace(a.ActionUID) == "" {
		errs = append(errs, ErrNoActionUID)
	}
	if a.recurrence.IsZero() {
		errs = append(errs, ErrNoRecurrence)
	}
	if a.TotalPlannedExecutionCount < 0 {
		errs = append(errs, ErrNegativePlanCount)
	}
	return errors.Join(errs...)
}

func (a *ScheduledAction) String() string {
	return fmt.Sprintf("%s[%s] %s", a.typ, a.UID, a.recurrence)
}
