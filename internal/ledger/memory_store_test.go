package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newPendingRecord(userID string) *Record {
	return NewRecord(userID, "wallet-1", TxTypeDeposit, decimal.NewFromInt(100), 1)
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := newPendingRecord("user-1")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if !got.Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("amount = %s, want 100", got.Amount)
	}

	if err := store.Create(ctx, record); err == nil {
		t.Fatal("duplicate create must fail")
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := newPendingRecord("user-1")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// 重试钩子只更新计数，不触碰状态。
	updated, err := store.UpdateStatus(ctx, record.ID, StatusUpdate{RetryCount: intPtr(2)})
	if err != nil {
		t.Fatalf("UpdateStatus retry count: %v", err)
	}
	if updated.RetryCount != 2 || updated.Status != StatusPending {
		t.Fatalf("record = %+v, want pending with retry_count 2", updated)
	}

	confirmedAt := time.Now().UTC()
	updated, err = store.UpdateStatus(ctx, record.ID, StatusUpdate{
		Status:      StatusConfirmed,
		TxHash:      strPtr("hash-abc"),
		ConfirmedAt: &confirmedAt,
	})
	if err != nil {
		t.Fatalf("UpdateStatus confirm: %v", err)
	}
	if updated.Status != StatusConfirmed || updated.TxHash != "hash-abc" {
		t.Fatalf("record = %+v, want confirmed with hash", updated)
	}
	if updated.ConfirmedAt == nil {
		t.Fatal("confirmed_at not set")
	}
}

func TestTerminalStatusImmutable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, terminal := range []Status{StatusConfirmed, StatusFailed} {
		record := newPendingRecord("user-1")
		if err := store.Create(ctx, record); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := store.UpdateStatus(ctx, record.ID, StatusUpdate{Status: terminal}); err != nil {
			t.Fatalf("UpdateStatus to %s: %v", terminal, err)
		}

		if _, err := store.UpdateStatus(ctx, record.ID, StatusUpdate{Status: StatusPending}); !errors.Is(err, ErrRecordTerminal) {
			t.Fatalf("revive from %s: err = %v, want ErrRecordTerminal", terminal, err)
		}
		if _, err := store.UpdateStatus(ctx, record.ID, StatusUpdate{RetryCount: intPtr(9)}); !errors.Is(err, ErrRecordTerminal) {
			t.Fatalf("touch %s record: err = %v, want ErrRecordTerminal", terminal, err)
		}

		got, err := store.Get(ctx, record.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != terminal || got.RetryCount == 9 {
			t.Fatalf("terminal record mutated: %+v", got)
		}
	}
}

func TestGetByHash(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := newPendingRecord("user-1")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.GetByHash(ctx, "hash-1"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound before hash assigned", err)
	}

	if _, err := store.UpdateStatus(ctx, record.ID, StatusUpdate{TxHash: strPtr("hash-1")}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, err := store.GetByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if got.ID != record.ID {
		t.Fatalf("id = %s, want %s", got.ID, record.ID)
	}

	// 同一哈希不得指向第二条记录。
	other := newPendingRecord("user-2")
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, other.ID, StatusUpdate{TxHash: strPtr("hash-1")}); err == nil {
		t.Fatal("duplicate tx hash must be rejected")
	}
}

func TestListForUser(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		record := newPendingRecord("user-1")
		record.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if i%2 == 1 {
			record.TxType = TxTypeOpenPosition
		}
		if err := store.Create(ctx, record); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := store.Create(ctx, newPendingRecord("user-2")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	records, err := store.ListForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("records = %d, want 5", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].CreatedAt.After(records[i-1].CreatedAt) {
			t.Fatal("records not ordered most recent first")
		}
	}

	records, err = store.ListForUser(ctx, "user-1", WithTxTypes(TxTypeOpenPosition))
	if err != nil {
		t.Fatalf("ListForUser filtered: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("filtered records = %d, want 2", len(records))
	}

	records, err = store.ListForUser(ctx, "user-1", WithLimit(2), WithOffset(1))
	if err != nil {
		t.Fatalf("ListForUser paged: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("paged records = %d, want 2", len(records))
	}
}

func TestStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		record := newPendingRecord("user-1")
		if err := store.Create(ctx, record); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, record.ID)
	}
	if _, err := store.UpdateStatus(ctx, ids[0], StatusUpdate{Status: StatusConfirmed}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, ids[1], StatusUpdate{Status: StatusFailed}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Confirmed != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
