package storage

import (
	"fmt"
	"time"

	"ledgerd/internal/action"
	"ledgerd/internal/recurrence"
)

// actionRecord is the flat, persisted form of a ScheduledAction.
type actionRecord struct {
	UID            string `db:"uid" json:"uid"`
	Type           string `db:"type" json:"type"`
	Enabled        bool   `db:"enabled" json:"enabled"`
	ActionUID      string `db:"action_uid" json:"action_uid,omitempty"`
	Tag            string `db:"tag" json:"tag,omitempty"`
	StartTime      int64  `db:"start_time" json:"start_time"`
	EndTime        int64  `db:"end_time" json:"end_time,omitempty"`
	LastRunTime    int64  `db:"last_run_time" json:"last_run_time,omitempty"`
	ExecutionCount int    `db:"execution_count" json:"execution_count"`
	PlannedCount   int    `db:"planned_count" json:"planned_count,omitempty"`
	PeriodType     string `db:"period_type" json:"period_type,omitempty"`
	Multiplier     int    `db:"multiplier" json:"multiplier,omitempty"`
	ByDays         string `db:"by_days" json:"by_days,omitempty"`
	WeekendAdjust  string `db:"weekend_adjust" json:"weekend_adjust,omitempty"`
	Location       string `db:"tz" json:"tz,omitempty"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
	ModifiedAt     int64  `db:"modified_at" json:"modified_at"`
}

type txRecord struct {
	UID                string `db:"uid" json:"uid"`
	BookUID            string `db:"book_uid" json:"book_uid"`
	Template           bool   `db:"template" json:"template,omitempty"`
	Description        string `db:"description" json:"description,omitempty"`
	Time               int64  `db:"posted_at" json:"posted_at"`
	Location           string `db:"tz" json:"tz,omitempty"`
	Splits             string `db:"splits" json:"splits,omitempty"`
	ScheduledActionUID string `db:"scheduled_action_uid" json:"scheduled_action_uid,omitempty"`
	CreatedAt          int64  `db:"created_at" json:"created_at"`
	ModifiedAt         int64  `db:"modified_at" json:"modified_at"`
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64, loc *time.Location) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).In(loc)
}

func loadLocation(name string) *time.Location {
	switch name {
	case "", "UTC":
		return time.UTC
	case "Local":
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// stamp fills the bookkeeping timestamps of a before it is written.
func stamp(a *action.ScheduledAction, now time.Time) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.ModifiedAt = now
}

func toActionRecord(a *action.ScheduledAction) actionRecord {
	r := actionRecord{
		UID:            a.UID,
		Type:           string(a.Type()),
		Enabled:        a.Enabled,
		ActionUID:      a.ActionUID,
		Tag:            a.Tag,
		StartTime:      unixNano(a.StartTime()),
		EndTime:        unixNano(a.EndTime()),
		LastRunTime:    unixNano(a.LastRunTime()),
		ExecutionCount: a.ExecutionCount(),
		PlannedCount:   a.TotalPlannedExecutionCount,
		Location:       a.StartTime().Location().String(),
		CreatedAt:      unixNano(a.CreatedAt),
		ModifiedAt:     unixNano(a.ModifiedAt),
	}
	if rec := a.Recurrence(); !rec.IsZero() {
		r.PeriodType = rec.PeriodType().String()
		r.Multiplier = rec.Multiplier()
		r.ByDays = recurrence.FormatByDays(rec.ByDays())
		if w := rec.WeekendAdjust(); w != recurrence.AdjustNone {
			r.WeekendAdjust = w.String()
		}
	}
	return r
}

func (r actionRecord) toAction() (*action.ScheduledAction, error) {
	typ, err := action.ParseType(r.Type)
	if err != nil {
		return nil, fmt.Errorf("scheduled action %s: %w", r.UID, err)
	}
	loc := loadLocation(r.Location)
	start := fromUnixNano(r.StartTime, loc)
	end := fromUnixNano(r.EndTime, loc)

	a := action.New(typ)
	a.UID = r.UID
	a.Enabled = r.Enabled
	a.ActionUID = r.ActionUID
	a.Tag = r.Tag
	a.TotalPlannedExecutionCount = r.PlannedCount
	a.CreatedAt = fromUnixNano(r.CreatedAt, loc)
	a.ModifiedAt = fromUnixNano(r.ModifiedAt, loc)

	if !start.IsZero() {
		if err := a.SetStartTime(start); err != nil {
			return nil, fmt.Errorf("scheduled action %s: %w", r.UID, err)
		}
	}
	if err := a.SetEndTime(end); err != nil {
		return nil, fmt.Errorf("scheduled action %s: %w", r.UID, err)
	}
	if r.PeriodType != "" {
		pt, err := recurrence.ParsePeriodType(r.PeriodType)
		if err != nil {
			return nil, fmt.Errorf("scheduled action %s: %w", r.UID, err)
		}
		days, err := recurrence.ParseByDays(r.ByDays)
		if err != nil {
			return nil, fmt.Errorf("scheduled action %s: %w", r.UID, err)
		}
		adjust, err := recurrence.ParseWeekendAdjust(r.WeekendAdjust)
		if err != nil {
			return nil, fmt.Errorf("scheduled action %s: %w", r.UID, err)
		}
		rec, err := recurrence.New(recurrence.Rule{
			PeriodType:    pt,
			Multiplier:    r.Multiplier,
			Start:         start,
			End:           end,
			ByDays:        days,
			WeekendAdjust: adjust,
		})
		if err != nil {
			return nil, fmt.Errorf("scheduled action %s: %w", r.UID, err)
		}
		if err := a.SetRecurrence(rec); err != nil {
			return nil, fmt.Errorf("scheduled action %s: %w", r.UID, err)
		}
	}
	a.Restore(typ, fromUnixNano(r.LastRunTime, loc), r.ExecutionCount)
	return a, nil
}

func toTxRecord(tx Transaction) txRecord {
	return txRecord{
		UID:                tx.UID,
		BookUID:            tx.BookUID,
		Template:           tx.Template,
		Description:        tx.Description,
		Time:               unixNano(tx.Time),
		Location:           tx.Time.Location().String(),
		Splits:             string(tx.Splits),
		ScheduledActionUID: tx.ScheduledActionUID,
		CreatedAt:          unixNano(tx.CreatedAt),
		ModifiedAt:         unixNano(tx.ModifiedAt),
	}
}

func (r txRecord) toTransaction() Transaction {
	loc := loadLocation(r.Location)
	tx := Transaction{
		UID:                r.UID,
		BookUID:            r.BookUID,
		Template:           r.Template,
		Description:        r.Description,
		Time:               fromUnixNano(r.Time, loc),
		ScheduledActionUID: r.ScheduledActionUID,
		CreatedAt:          fromUnixNano(r.CreatedAt, loc),
		ModifiedAt:         fromUnixNano(r.ModifiedAt, loc),
	}
	if r.Splits != "" {
		tx.Splits = []byte(r.Splits)
	}
	return tx
}

// prepareTx validates tx and fills its bookkeeping timestamps.
func prepareTx(tx *Transaction, now time.Time) error {
	if tx.UID == "" {
		return fmt.Errorf("storage: transaction uid is required")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.ModifiedAt = now
	return nil
}

func validateAction(a *action.ScheduledAction) error {
	if a == nil || a.UID == "" {
		return fmt.Errorf("storage: scheduled action uid is required")
	}
	if !a.Type().Valid() {
		return fmt.Errorf("storage: scheduled action %s: %w", a.UID, action.ErrInvalidType)
	}
	return nil
}
