// Package scheduler drives scheduled-action execution.
//
// A trigger (cron expression or interval) starts a pass. Each pass lists the
// enabled scheduled actions, hands every action to the execution engine and
// persists the resulting run-state. Missed occurrences are caught up by the
// engine itself, so a pass after downtime needs no special handling here.
package scheduler
