package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskbazaar/settlement/internal/apierr"
	"github.com/taskbazaar/settlement/internal/testutil"
)

func testPGEscrow(id, orderID string) *Escrow {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Escrow{
		ID:           id,
		OrderID:      orderID,
		BuyerAddr:    "0x00000000000000000000000000000000000000bb",
		SellerAddr:   "0x00000000000000000000000000000000000000aa",
		AmountMinor:  10_000_000,
		FeeMinor:     1_000_000,
		SellerMinor:  9_000_000,
		Status:       StatusPendingFunding,
		FundingNonce: "cafe0000cafe0000",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestPostgresEscrowRoundtrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e := testPGEscrow("esc_pg_1", "ord_pg_1")
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "esc_pg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPendingFunding || got.FeeMinor != 1_000_000 {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.FundingNonce != "cafe0000cafe0000" {
		t.Errorf("funding nonce not persisted: %q", got.FundingNonce)
	}
	if got.FundedAt != nil || got.AutoReleaseAt != nil {
		t.Error("expected nil timestamps before funding")
	}

	byOrder, err := store.GetByOrder(ctx, "ord_pg_1")
	if err != nil {
		t.Fatalf("GetByOrder: %v", err)
	}
	if byOrder.ID != "esc_pg_1" {
		t.Errorf("expected esc_pg_1, got %s", byOrder.ID)
	}

	if _, err := store.Get(ctx, "esc_missing"); !errors.Is(err, apierr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresEscrowUpdateIfPersistsSettlement(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e := testPGEscrow("esc_pg_2", "ord_pg_2")
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	release := now.Add(72 * time.Hour)
	e.Status = StatusFunded
	e.FundingTxRef = "0xfund"
	e.FundedAt = &now
	e.AutoReleaseAt = &release
	e.UpdatedAt = now
	if err := store.UpdateIf(ctx, e, StatusPendingFunding); err != nil {
		t.Fatalf("UpdateIf to funded: %v", err)
	}

	e.Status = StatusReleased
	e.ReleaseTxRefs = []string{"0xleg0", "0xleg1"}
	e.AutoReleaseAt = nil
	e.ReleasedBy = "buyer"
	if err := store.UpdateIf(ctx, e, StatusFunded); err != nil {
		t.Fatalf("UpdateIf to released: %v", err)
	}

	got, err := store.Get(ctx, "esc_pg_2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusReleased || got.ReleasedBy != "buyer" {
		t.Errorf("settlement not persisted: %+v", got)
	}
	if len(got.ReleaseTxRefs) != 2 || got.ReleaseTxRefs[0] != "0xleg0" {
		t.Errorf("release tx refs not persisted: %v", got.ReleaseTxRefs)
	}
	if got.AutoReleaseAt != nil {
		t.Error("expected auto-release deadline cleared")
	}

	// Stale expectation loses the race.
	if err := store.UpdateIf(ctx, e, StatusFunded); !errors.Is(err, apierr.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestPostgresEscrowListDueForRelease(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	overdue := testPGEscrow("esc_pg_due", "ord_pg_due")
	past := now.Add(-time.Hour)
	overdue.Status = StatusFunded
	overdue.FundedAt = &past
	overdue.AutoReleaseAt = &past
	if err := store.Create(ctx, overdue); err != nil {
		t.Fatalf("Create overdue: %v", err)
	}

	pending := testPGEscrow("esc_pg_wait", "ord_pg_wait")
	future := now.Add(time.Hour)
	pending.Status = StatusFunded
	pending.FundedAt = &past
	pending.AutoReleaseAt = &future
	if err := store.Create(ctx, pending); err != nil {
		t.Fatalf("Create pending: %v", err)
	}

	frozen := testPGEscrow("esc_pg_frozen", "ord_pg_frozen")
	frozen.Status = StatusDisputed
	frozen.FundedAt = &past
	if err := store.Create(ctx, frozen); err != nil {
		t.Fatalf("Create frozen: %v", err)
	}

	due, err := store.ListDueForRelease(ctx, now, 100)
	if err != nil {
		t.Fatalf("ListDueForRelease: %v", err)
	}
	if len(due) != 1 || due[0].ID != "esc_pg_due" {
		t.Errorf("expected only esc_pg_due, got %v", ids(due))
	}
}

func TestPostgresEscrowListByAgent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e := testPGEscrow("esc_pg_agent", "ord_pg_agent")
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	asBuyer, err := store.ListByAgent(ctx, e.BuyerAddr, 10)
	if err != nil {
		t.Fatalf("ListByAgent buyer: %v", err)
	}
	asSeller, err := store.ListByAgent(ctx, e.SellerAddr, 10)
	if err != nil {
		t.Fatalf("ListByAgent seller: %v", err)
	}
	if len(asBuyer) != 1 || len(asSeller) != 1 {
		t.Errorf("expected escrow visible to both sides, got buyer=%d seller=%d", len(asBuyer), len(asSeller))
	}
}

func ids(escrows []*Escrow) []string {
	out := make([]string, len(escrows))
	for i, e := range escrows {
		out[i] = e.ID
	}
	return out
}
