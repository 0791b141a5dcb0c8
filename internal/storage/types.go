package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": JSON snapshot + append-only journal
//   - "memory": nothing persisted (tests, dry runs)
//
// An empty Driver means "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Transaction is an opaque ledger record. The store carries splits as raw
// JSON and never interprets them.
type Transaction struct {
	UID         string          `json:"uid"`
	BookUID     string          `json:"book_uid"`
	Template    bool            `json:"template,omitempty"`
	Description string          `json:"description,omitempty"`
	Time        time.Time       `json:"time"`
	Splits      json.RawMessage `json:"splits,omitempty"`
	// ScheduledActionUID links a generated record to the action that created it.
	ScheduledActionUID string    `json:"scheduled_action_uid,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	ModifiedAt         time.Time `json:"modified_at"`
}
