package scheduler

import (
	"context"
	"fmt"
)

// Snapshot reports trigger state, the last pass and every stored action.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	cfg := s.cfg
	c, id := s.c, s.entryID
	spec, spread, loc := s.spec, s.spread, s.loc
	last := s.lastPass
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:     cfg.Enabled,
		Timezone:    cfg.Timezone,
		Schedule:    cfg.Schedule,
		Spread:      spread,
		Workers:     cfg.Workers,
		PassTimeout: cfg.PassTimeout,
		Running:     s.running.Load(),
		LastPass:    last,
	}
	if c != nil && id != 0 {
		snap.Schedule = spec.String()
		e := c.Entry(id)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	if snap.Timezone == "" && loc != nil {
		snap.Timezone = loc.String()
	}

	actions, err := s.store.ListScheduledActions(ctx, false)
	if err != nil {
		return snap, fmt.Errorf("list scheduled actions: %w", err)
	}
	now := s.now()
	snap.Actions = make([]ActionInfo, 0, len(actions))
	for _, a := range actions {
		it := ActionInfo{
			UID:              a.UID,
			Type:             string(a.Type()),
			ActionUID:        a.ActionUID,
			Enabled:          a.Enabled,
			Recurrence:       a.Recurrence().String(),
			LastRun:          a.LastRunTime(),
			ExecutionCount:   a.ExecutionCount(),
			PlannedCount:     a.TotalPlannedExecutionCount,
			Due:              a.IsDue(now),
			CircuitOpenUntil: s.circuits.openUntil(now, a.UID),
		}
		if next, ok := a.NextOccurrence(); ok {
			it.Next = next
		}
		snap.Actions = append(snap.Actions, it)
	}
	return snap, nil
}
