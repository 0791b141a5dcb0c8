package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ledgerd/internal/action"
	"ledgerd/pkg/logx"
)

// Store persists scheduled actions and transaction records.
//
// Scheduled actions are returned as fresh values; callers own them and must
// call SaveScheduledAction to persist run-state changes.
type Store interface {
	SaveScheduledAction(ctx context.Context, a *action.ScheduledAction) error
	GetScheduledAction(ctx context.Context, uid string) (*action.ScheduledAction, error)
	ListScheduledActions(ctx context.Context, enabledOnly bool) ([]*action.ScheduledAction, error)
	DeleteScheduledAction(ctx context.Context, uid string) error

	PutTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, uid string) (Transaction, error)
	// ListTransactionsModifiedSince lists non-template records of bookUID (all
	// books when empty) modified after since, oldest first.
	ListTransactionsModifiedSince(ctx context.Context, bookUID string, since time.Time) ([]Transaction, error)
	CountTransactionsForAction(ctx context.Context, scheduledActionUID string) (int, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory", "mem":
		return newMemStore(log), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
