package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"ledgerd/internal/action"
	"ledgerd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
	now func() time.Time
}

var _ Store = (*sqliteStore)(nil)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const actionColumns = `uid, type, enabled, action_uid, tag, start_time, end_time, last_run_time,
	execution_count, planned_count, period_type, multiplier, by_days, weekend_adjust, tz, created_at, modified_at`

func (s *sqliteStore) SaveScheduledAction(ctx context.Context, a *action.ScheduledAction) error {
	if err := validateAction(a); err != nil {
		return err
	}
	stamp(a, s.now())
	const q = `
	INSERT INTO scheduled_actions (` + actionColumns + `)
	VALUES (:uid, :type, :enabled, :action_uid, :tag, :start_time, :end_time, :last_run_time,
		:execution_count, :planned_count, :period_type, :multiplier, :by_days, :weekend_adjust, :tz, :created_at, :modified_at)
	ON CONFLICT(uid) DO UPDATE SET
		type = excluded.type,
		enabled = excluded.enabled,
		action_uid = excluded.action_uid,
		tag = excluded.tag,
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		last_run_time = excluded.last_run_time,
		execution_count = excluded.execution_count,
		planned_count = excluded.planned_count,
		period_type = excluded.period_type,
		multiplier = excluded.multiplier,
		by_days = excluded.by_days,
		weekend_adjust = excluded.weekend_adjust,
		tz = excluded.tz,
		modified_at = excluded.modified_at;`
	if _, err := s.db.NamedExecContext(ctx, q, toActionRecord(a)); err != nil {
		s.log.Error("SaveScheduledAction failed", logx.String("uid", a.UID), logx.Err(err))
		return err
	}
	return nil
}

func (s *sqliteStore) GetScheduledAction(ctx context.Context, uid string) (*action.ScheduledAction, error) {
	var r actionRecord
	err := s.db.GetContext(ctx, &r, `SELECT `+actionColumns+` FROM scheduled_actions WHERE uid = ?;`, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scheduled action %s: %w", uid, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r.toAction()
}

func (s *sqliteStore) ListScheduledActions(ctx context.Context, enabledOnly bool) ([]*action.ScheduledAction, error) {
	q := `SELECT ` + actionColumns + ` FROM scheduled_actions`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at, uid;`

	var rows []actionRecord
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		s.log.Error("ListScheduledActions failed", logx.Err(err))
		return nil, err
	}
	out := make([]*action.ScheduledAction, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAction()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *sqliteStore) DeleteScheduledAction(ctx context.Context, uid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_actions WHERE uid = ?;`, uid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled action %s: %w", uid, ErrNotFound)
	}
	return nil
}

const txColumns = `uid, book_uid, template, description, posted_at, tz, splits, scheduled_action_uid, created_at, modified_at`

func (s *sqliteStore) PutTransaction(ctx context.Context, tx Transaction) error {
	if err := prepareTx(&tx, s.now()); err != nil {
		return err
	}
	const q = `
	INSERT INTO transactions (` + txColumns + `)
	VALUES (:uid, :book_uid, :template, :description, :posted_at, :tz, :splits, :scheduled_action_uid, :created_at, :modified_at)
	ON CONFLICT(uid) DO UPDATE SET
		book_uid = excluded.book_uid,
		template = excluded.template,
		description = excluded.description,
		posted_at = excluded.posted_at,
		tz = excluded.tz,
		splits = excluded.splits,
		scheduled_action_uid = excluded.scheduled_action_uid,
		modified_at = excluded.modified_at;`
	if _, err := s.db.NamedExecContext(ctx, q, toTxRecord(tx)); err != nil {
		s.log.Error("PutTransaction failed", logx.String("uid", tx.UID), logx.Err(err))
		return err
	}
	return nil
}

func (s *sqliteStore) GetTransaction(ctx context.Context, uid string) (Transaction, error) {
	var r txRecord
	err := s.db.GetContext(ctx, &r, `SELECT `+txColumns+` FROM transactions WHERE uid = ?;`, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, fmt.Errorf("transaction %s: %w", uid, ErrNotFound)
	}
	if err != nil {
		return Transaction{}, err
	}
	return r.toTransaction(), nil
}

func (s *sqliteStore) ListTransactionsModifiedSince(ctx context.Context, bookUID string, since time.Time) ([]Transaction, error) {
	const q = `
	SELECT ` + txColumns + `
	  FROM transactions
	 WHERE template = 0
	   AND (? = '' OR book_uid = ?)
	   AND modified_at > ?
	 ORDER BY modified_at, uid;`
	var rows []txRecord
	if err := s.db.SelectContext(ctx, &rows, q, bookUID, bookUID, unixNano(since)); err != nil {
		s.log.Error("ListTransactionsModifiedSince failed", logx.String("book", bookUID), logx.Err(err))
		return nil, err
	}
	out := make([]Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTransaction())
	}
	return out, nil
}

func (s *sqliteStore) CountTransactionsForAction(ctx context.Context, scheduledActionUID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM transactions WHERE scheduled_action_uid = ?;`, scheduledActionUID)
	return n, err
}
