package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"ledgerd/internal/action"
	"ledgerd/internal/recurrence"
	"ledgerd/internal/storage"
	"ledgerd/internal/task/engine"
	"ledgerd/pkg/logx"
)

func memStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMaterializeClonesTemplate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memStore(t)
	splits := json.RawMessage(`[{"account":"checking","amount":"-50"},{"account":"gym","amount":"50"}]`)
	if err := st.PutTransaction(ctx, storage.Transaction{UID: "tmpl", BookUID: "book", Template: true, Description: "Gym", Splits: splits}); err != nil {
		t.Fatalf("PutTransaction: %v", err)
	}

	m := NewMaterializer(st, logx.Nop())
	at := time.Date(2016, time.June, 6, 9, 0, 0, 0, time.UTC)
	if err := m.Materialize(ctx, "tmpl", at, "sx1"); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	list, err := st.ListTransactionsModifiedSince(ctx, "book", time.Time{})
	if err != nil || len(list) != 1 {
		t.Fatalf("generated records = %v, %v", list, err)
	}
	tx := list[0]
	if tx.UID == "tmpl" || len(tx.UID) != 32 {
		t.Fatalf("generated record should get a fresh 32-hex uid, got %q", tx.UID)
	}
	if tx.Template || !tx.Time.Equal(at) || tx.ScheduledActionUID != "sx1" || tx.Description != "Gym" || string(tx.Splits) != string(splits) {
		t.Fatalf("unexpected clone: %+v", tx)
	}

	tmpl, _ := st.GetTransaction(ctx, "tmpl")
	if !tmpl.Template || !tmpl.Time.IsZero() {
		t.Fatal("template must stay untouched")
	}
}

func TestMaterializeMissingTemplate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memStore(t)
	if err := st.PutTransaction(ctx, storage.Transaction{UID: "plain", BookUID: "book"}); err != nil {
		t.Fatalf("PutTransaction: %v", err)
	}
	m := NewMaterializer(st, logx.Nop())
	for _, uid := range []string{"missing", "plain"} {
		err := m.Materialize(ctx, uid, time.Now(), "sx")
		if !errors.Is(err, ErrTemplateNotFound) {
			t.Fatalf("Materialize(%s): expected ErrTemplateNotFound, got %v", uid, err)
		}
		if !engine.IsNoRetry(err) {
			t.Fatalf("Materialize(%s): missing template should not be retried", uid)
		}
	}
}

func TestEngineWithMaterializer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memStore(t)
	if err := st.PutTransaction(ctx, storage.Transaction{UID: "rent", BookUID: "book", Template: true}); err != nil {
		t.Fatalf("PutTransaction: %v", err)
	}

	start := time.Date(2016, time.January, 31, 9, 0, 0, 0, time.UTC)
	a := action.New(action.Transaction)
	a.ActionUID = "rent"
	if err := a.SetStartTime(start); err != nil {
		t.Fatalf("SetStartTime: %v", err)
	}
	r, err := recurrence.New(recurrence.Rule{PeriodType: recurrence.Month, Start: start})
	if err != nil {
		t.Fatalf("recurrence.New: %v", err)
	}
	if err := a.SetRecurrence(r); err != nil {
		t.Fatalf("SetRecurrence: %v", err)
	}

	e := engine.New(engine.Deps{Materializer: NewMaterializer(st, logx.Nop())})
	res, err := e.Process(ctx, a, time.Date(2016, time.May, 31, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Executed != 5 {
		t.Fatalf("executed %d, want 5 (Jan..May)", res.Executed)
	}
	n, _ := st.CountTransactionsForAction(ctx, a.UID)
	if n != 5 {
		t.Fatalf("stored %d generated records, want 5", n)
	}
	list, _ := st.ListTransactionsModifiedSince(ctx, "book", time.Time{})
	slices.SortFunc(list, func(a, b storage.Transaction) int { return a.Time.Compare(b.Time) })
	var days []int
	for _, tx := range list {
		days = append(days, tx.Time.Day())
	}
	want := []int{31, 29, 31, 30, 31}
	for i := range want {
		if i >= len(days) || days[i] != want[i] {
			t.Fatalf("posting days = %v, want %v", days, want)
		}
	}
}
