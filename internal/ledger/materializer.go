// Package ledger turns transaction templates into concrete records.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledgerd/internal/action"
	"ledgerd/internal/storage"
	"ledgerd/internal/task/engine"
	"ledgerd/pkg/logx"
)

var ErrTemplateNotFound = errors.New("ledger: template transaction not found")

// Materializer clones template records stored in a storage.Store.
type Materializer struct {
	store storage.Store
	log   logx.Logger
	newID func() string
}

var _ engine.Materializer = (*Materializer)(nil)

func NewMaterializer(st storage.Store, log logx.Logger) *Materializer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Materializer{
		store: st,
		log:   log.With(logx.String("comp", "ledger")),
		newID: action.NewUID,
	}
}

// Materialize stores a copy of the template dated at, linked to the
// scheduled action. A missing template is permanent and is not retried.
func (m *Materializer) Materialize(ctx context.Context, templateUID string, at time.Time, scheduledActionUID string) error {
	tmpl, err := m.store.GetTransaction(ctx, templateUID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !tmpl.Template) {
		return engine.NoRetry(fmt.Errorf("%w: %s", ErrTemplateNotFound, templateUID))
	}
	if err != nil {
		return fmt.Errorf("load template %s: %w", templateUID, err)
	}

	tx := tmpl
	tx.UID = m.newID()
	tx.Template = false
	tx.Time = at
	tx.ScheduledActionUID = scheduledActionUID
	tx.CreatedAt = time.Time{}
	tx.ModifiedAt = time.Time{}
	if err := m.store.PutTransaction(ctx, tx); err != nil {
		return fmt.Errorf("store transaction from %s: %w", templateUID, err)
	}
	m.log.Debug("transaction materialized",
		logx.String("uid", tx.UID),
		logx.String("template", templateUID),
		logx.Time("at", at),
	)
	return nil
}
