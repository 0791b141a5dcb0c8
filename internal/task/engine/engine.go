// Package engine executes the due occurrences of scheduled actions.
//
// The engine is synchronous and stateless between calls: the caller owns the
// ScheduledAction, passes it to Process together with the current time, and
// persists the action's run-state afterwards. Occurrences of one action are
// never executed in parallel.
package engine

import (
	"context"
	"fmt"
	"time"

	"ledgerd/internal/action"
	"ledgerd/pkg/logx"
)

// Materializer creates one concrete transaction from a template.
type Materializer interface {
	Materialize(ctx context.Context, templateUID string, at time.Time, scheduledActionUID string) error
}

// Exporter writes one backup of a book.
// produced is false when there was nothing new to export.
type Exporter interface {
	Export(ctx context.Context, req ExportRequest) (produced bool, err error)
}

type ExportRequest struct {
	BookUID string
	// Tag is the action's opaque export configuration.
	Tag string
	// Since is the previous successful export (zero on the first run).
	Since              time.Time
	At                 time.Time
	ScheduledActionUID string
}

type Deps struct {
	Materializer Materializer
	Exporter     Exporter
	Log          logx.Logger
	Retry        RetryPolicy
}

type Engine struct {
	materializer Materializer
	exporter     Exporter
	log          logx.Logger
	retry        RetryPolicy
}

func New(d Deps) *Engine {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		materializer: d.Materializer,
		exporter:     d.Exporter,
		log:          log.With(logx.String("comp", "engine")),
		retry:        d.Retry.withDefaults(),
	}
}

// SkipReason explains why Process executed nothing.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipDisabled        SkipReason = "disabled"
	SkipNotStarted      SkipReason = "not_started"
	SkipCapReached      SkipReason = "cap_reached"
	SkipNoActionUID     SkipReason = "no_action_uid"
	SkipNoRecurrence    SkipReason = "no_recurrence"
	SkipNothingDue      SkipReason = "nothing_due"
	SkipNothingProduced SkipReason = "nothing_produced"
)

// Result summarizes one Process call.
type Result struct {
	ScheduledActionUID string
	Type               action.Type
	Executed           int
	Skipped            SkipReason
	// LastRun is the action's LastRunTime after the call.
	LastRun time.Time
}

// Process executes every occurrence of a that is due at now.
//
// TRANSACTION actions materialize each missed occurrence in order, recording
// run-state after each success, until the planned execution count is reached.
// BACKUP actions export at most once per call, stamped now.
//
// On failure the batch stops at the failing occurrence and an *OccurrenceError
// is returned; earlier successes remain recorded on a.
func (e *Engine) Process(ctx context.Context, a *action.ScheduledAction, now time.Time) (Result, error) {
	res := Result{ScheduledActionUID: a.UID, Type: a.Type()}
	res.Skipped = e.precheck(a, now)
	if res.Skipped != SkipNone {
		res.LastRun = a.LastRunTime()
		e.log.Trace("action skipped", logx.String("action", a.UID), logx.String("reason", string(res.Skipped)))
		return res, nil
	}

	var err error
	switch a.Type() {
	case action.Transaction:
		err = e.processTransactions(ctx, a, now, &res)
	case action.Backup:
		err = e.processBackup(ctx, a, now, &res)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownType, a.Type())
	}
	res.LastRun = a.LastRunTime()
	if err == nil && res.Executed > 0 {
		e.log.Info("action executed",
			logx.String("action", a.UID),
			logx.String("type", string(a.Type())),
			logx.Int("executed", res.Executed),
			logx.Int("total", a.ExecutionCount()),
			logx.Time("last_run", res.LastRun),
		)
	}
	return res, err
}

func (e *Engine) precheck(a *action.ScheduledAction, now time.Time) SkipReason {
	switch {
	case !a.Enabled:
		return SkipDisabled
	case a.StartTime().IsZero() || now.Before(a.StartTime()):
		return SkipNotStarted
	case a.CapReached():
		return SkipCapReached
	case a.ActionUID == "":
		return SkipNoActionUID
	case a.Recurrence().IsZero():
		return SkipNoRecurrence
	}
	return SkipNone
}

// window returns the inclusive upper bound for due occurrences.
func window(a *action.ScheduledAction, now time.Time) time.Time {
	if end := a.EndTime(); !end.IsZero() && end.Before(now) {
		return end
	}
	return now
}

func (e *Engine) processTransactions(ctx context.Context, a *action.ScheduledAction, now time.Time, res *Result) error {
	if e.materializer == nil {
		return ErrNoMaterializer
	}
	rec := a.Recurrence()
	until := window(a, now)
	since, inclusive := a.Since()

	occ, ok := rec.Next(since, inclusive)
	for ok && !occ.After(until) && !a.CapReached() {
		attempts, err := e.attempt(ctx, a.UID, func(ctx context.Context) error {
			return e.materializer.Materialize(ctx, a.ActionUID, occ, a.UID)
		})
		if err != nil {
			return &OccurrenceError{ScheduledActionUID: a.UID, Type: a.Type(), At: occ, Attempts: attempts, Err: err}
		}
		a.RecordRun(occ)
		res.Executed++
		occ, ok = rec.Next(occ, false)
	}
	if res.Executed == 0 {
		res.Skipped = SkipNothingDue
	}
	return nil
}

func (e *Engine) processBackup(ctx context.Context, a *action.ScheduledAction, now time.Time, res *Result) error {
	if e.exporter == nil {
		return ErrNoExporter
	}
	next, ok := a.NextOccurrence()
	if !ok || next.After(window(a, now)) {
		res.Skipped = SkipNothingDue
		return nil
	}

	req := ExportRequest{
		BookUID:            a.ActionUID,
		Tag:                a.Tag,
		Since:              a.LastRunTime(),
		At:                 now,
		ScheduledActionUID: a.UID,
	}
	var produced bool
	attempts, err := e.attempt(ctx, a.UID, func(ctx context.Context) error {
		var err error
		produced, err = e.exporter.Export(ctx, req)
		return err
	})
	if err != nil {
		return &OccurrenceError{ScheduledActionUID: a.UID, Type: a.Type(), At: next, Attempts: attempts, Err: err}
	}
	if !produced {
		res.Skipped = SkipNothingProduced
		e.log.Debug("backup produced nothing", logx.String("action", a.UID), logx.Time("since", req.Since))
		return nil
	}
	a.RecordRun(now)
	res.Executed = 1
	return nil
}
