package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"ledgerd/internal/action"
	"ledgerd/pkg/logx"
)

// memStore keeps every record in memory. With a journal attached (the "file"
// driver) each write is appended to <prefix>.journal.jsonl and the journal is
// periodically compacted into <prefix>.snapshot.json.
type memStore struct {
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	closed  bool
	actions map[string]actionRecord
	txs     map[string]txRecord

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

var _ Store = (*memStore)(nil)

type journalOp struct {
	Op     string        `json:"op"`
	UID    string        `json:"uid,omitempty"`
	Action *actionRecord `json:"action,omitempty"`
	Tx     *txRecord     `json:"tx,omitempty"`
}

const (
	opPutAction    = "put_action"
	opDeleteAction = "delete_action"
	opPutTx        = "put_tx"
)

type snapshot struct {
	Actions      []actionRecord `json:"actions"`
	Transactions []txRecord     `json:"transactions"`
}

func newMemStore(log logx.Logger) *memStore {
	return &memStore{
		log:          log,
		now:          time.Now,
		actions:      map[string]actionRecord{},
		txs:          map[string]txRecord{},
		compactEvery: 1000,
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := newMemStore(log)
	s.snapshotPath = prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *memStore) SaveScheduledAction(_ context.Context, a *action.ScheduledAction) error {
	if err := validateAction(a); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	stamp(a, s.now())
	r := toActionRecord(a)
	if prev, ok := s.actions[r.UID]; ok {
		r.CreatedAt = prev.CreatedAt
	}
	s.actions[r.UID] = r
	return s.appendLocked(journalOp{Op: opPutAction, Action: &r})
}

func (s *memStore) GetScheduledAction(_ context.Context, uid string) (*action.ScheduledAction, error) {
	s.mu.Lock()
	r, ok := s.actions[uid]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("scheduled action %s: %w", uid, ErrNotFound)
	}
	return r.toAction()
}

func (s *memStore) ListScheduledActions(_ context.Context, enabledOnly bool) ([]*action.ScheduledAction, error) {
	s.mu.Lock()
	rows := make([]actionRecord, 0, len(s.actions))
	for _, r := range s.actions {
		if enabledOnly && !r.Enabled {
			continue
		}
		rows = append(rows, r)
	}
	s.mu.Unlock()

	slices.SortFunc(rows, func(a, b actionRecord) int {
		if a.CreatedAt != b.CreatedAt {
			return compareInt64(a.CreatedAt, b.CreatedAt)
		}
		return strings.Compare(a.UID, b.UID)
	})
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

func (s *memStore) DeleteScheduledAction(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.actions[uid]; !ok {
		return fmt.Errorf("scheduled action %s: %w", uid, ErrNotFound)
	}
	delete(s.actions, uid)
	return s.appendLocked(journalOp{Op: opDeleteAction, UID: uid})
}

func (s *memStore) PutTransaction(_ context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := prepareTx(&tx, s.now()); err != nil {
		return err
	}
	r := toTxRecord(tx)
	if prev, ok := s.txs[r.UID]; ok {
		r.CreatedAt = prev.CreatedAt
	}
	s.txs[r.UID] = r
	return s.appendLocked(journalOp{Op: opPutTx, Tx: &r})
}

func (s *memStore) GetTransaction(_ context.Context, uid string) (Transaction, error) {
	s.mu.Lock()
	r, ok := s.txs[uid]
	s.mu.Unlock()
	if !ok {
		return Transaction{}, fmt.Errorf("transaction %s: %w", uid, ErrNotFound)
	}
	return r.toTransaction(), nil
}

func (s *memStore) ListTransactionsModifiedSince(_ context.Context, bookUID string, since time.Time) ([]Transaction, error) {
	after := unixNano(since)
	s.mu.Lock()
	rows := make([]txRecord, 0)
	for _, r := range s.txs {
		if r.Template || r.ModifiedAt <= after || (bookUID != "" && r.BookUID != bookUID) {
			continue
		}
		rows = append(rows, r)
	}
	s.mu.Unlock()

	slices.SortFunc(rows, func(a, b txRecord) int {
		if a.ModifiedAt != b.ModifiedAt {
			return compareInt64(a.ModifiedAt, b.ModifiedAt)
		}
		return strings.Compare(a.UID, b.UID)
	})
	out := make([]Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTransaction())
	}
	return out, nil
}

func (s *memStore) CountTransactionsForAction(_ context.Context, scheduledActionUID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.txs {
		if r.ScheduledActionUID == scheduledActionUID {
			n++
		}
	}
	return n, nil
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ---- journal ----

func (s *memStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return nil
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *memStore) apply(op journalOp) {
	switch op.Op {
	case opPutAction:
		if op.Action != nil && op.Action.UID != "" {
			s.actions[op.Action.UID] = *op.Action
		}
	case opDeleteAction:
		delete(s.actions, op.UID)
	case opPutTx:
		if op.Tx != nil && op.Tx.UID != "" {
			s.txs[op.Tx.UID] = *op.Tx
		}
	}
}

func (s *memStore) compactLocked() error {
	snap := snapshot{
		Actions:      make([]actionRecord, 0, len(s.actions)),
		Transactions: make([]txRecord, 0, len(s.txs)),
	}
	for _, r := range s.actions {
		snap.Actions = append(snap.Actions, r)
	}
	for _, r := range s.txs {
		snap.Transactions = append(snap.Transactions, r)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *memStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Actions {
		s.actions[r.UID] = r
	}
	for _, r := range snap.Transactions {
		s.txs[r.UID] = r
	}
	return nil
}

func (s *memStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn last line after a crash is expected; skip it.
			continue
		}
		s.apply(op)
	}
	return sc.Err()
}
