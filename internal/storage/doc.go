// Package storage persists scheduled actions and the transaction records
// they generate.
//
// Actions are stored as flat records (run-state, period type, multiplier,
// weekday list) and rebuilt on load, so the immutable recurrence value is
// never shared between callers. Times are kept as unix nanoseconds plus the
// start time's location name, which keeps calendar stepping stable across
// restarts.
package storage
