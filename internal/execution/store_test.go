package execution

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, limit int) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "history.db"), filepath.Join(dir, "history.lock"), limit)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(chainID int64, kind StepKind, at time.Time) ConfirmedOperationRecord {
	return ConfirmedOperationRecord{
		ID:        NewRecordID(),
		PlanID:    "plan_test",
		ChainID:   chainID,
		Kind:      kind,
		TxHash:    "0xabc",
		Amount:    "10",
		Token:     "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		Timestamp: at,
		Status:    StepStatusCompleted,
	}
}

func TestStoreSaveGetList(t *testing.T) {
	store := openTestStore(t, 10)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first := testRecord(11155111, StepKindApproval, base)
	second := testRecord(1328, StepKindDeposit, base.Add(time.Second))
	store.Record(first)
	store.Record(second)

	got, err := store.Get(first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Kind != StepKindApproval || got.ChainID != 11155111 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.Timestamp.Equal(base) {
		t.Fatalf("unexpected timestamp: %s", got.Timestamp)
	}

	all, err := store.List(0, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", all)
	}
	sei, err := store.List(1328, 10)
	if err != nil {
		t.Fatalf("List by chain failed: %v", err)
	}
	if len(sei) != 1 || sei[0].Kind != StepKindDeposit {
		t.Fatalf("unexpected chain filter result: %+v", sei)
	}
}

func TestStoreTrimsToLimit(t *testing.T) {
	store := openTestStore(t, 3)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		rec := testRecord(11155111, StepKindDeposit, base.Add(time.Duration(i)*time.Second))
		ids = append(ids, rec.ID)
		if err := store.Save(rec); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}
	all, err := store.List(0, 100)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records after trim, got %d", len(all))
	}
	if all[0].ID != ids[4] || all[2].ID != ids[2] {
		t.Fatalf("expected the three most recent records, got %+v", all)
	}
	if _, err := store.Get(ids[0]); err == nil {
		t.Fatal("expected oldest record to be trimmed")
	}
}

func TestStoreClear(t *testing.T) {
	store := openTestStore(t, 10)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, chainID := range []int64{11155111, 1328, 1328} {
		if err := store.Save(testRecord(chainID, StepKindDeposit, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	n, err := store.Clear(1328)
	if err != nil {
		t.Fatalf("Clear by chain failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sei records cleared, got %d", n)
	}
	left, err := store.List(0, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(left) != 1 || left[0].ChainID != 11155111 {
		t.Fatalf("expected only the sepolia record to remain, got %+v", left)
	}

	if n, err = store.Clear(0); err != nil || n != 1 {
		t.Fatalf("expected to clear the last record, got n=%d err=%v", n, err)
	}
	if left, _ = store.List(0, 0); len(left) != 0 {
		t.Fatalf("expected empty history, got %+v", left)
	}
	// Saving still works once the lock is released.
	if err := store.Save(testRecord(1328, StepKindApproval, base)); err != nil {
		t.Fatalf("Save after Clear failed: %v", err)
	}
}

func TestStoreRejectsMissingID(t *testing.T) {
	store := openTestStore(t, 0)
	if err := store.Save(ConfirmedOperationRecord{}); err == nil {
		t.Fatal("expected missing id error")
	}
}

func TestMemorySinkKeepsNewestFirst(t *testing.T) {
	sink := NewMemorySink(2)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := testRecord(1, StepKindApproval, base)
	b := testRecord(1, StepKindDeposit, base)
	c := testRecord(1, StepKindWithdraw, base)
	sink.Record(a)
	sink.Record(b)
	sink.Record(c)
	got := sink.Records()
	if len(got) != 2 || got[0].ID != c.ID || got[1].ID != b.ID {
		t.Fatalf("unexpected memory sink contents: %+v", got)
	}
}
