package agreement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/dispute"
)

// TestLifecycle_Integration connects to a real PostgreSQL via DATABASE_URL and
// drives a full lease through create, attest, fund, dispute, ruling and
// withdrawal, verifying the persisted state after each step.
func TestLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"agreements", "escrow_entries", "disputes", "timeline_events", "outbox", "idempotency"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skipf("table %s missing; apply migrations first", table)
		}
	}

	attestor := &fakeAttestor{}
	svc := NewService(pool, Deps{
		Disputes: dispute.NewRepository(pool),
		Attestor: attestor,
		Arbiter:  &fakeArbiter{},
		Funds:    &fakeTransferer{},
		Registry: &fakeRegistry{authorized: true},
	}, Config{})

	ref := fmt.Sprintf("itest-%d", time.Now().UnixNano())
	params := CreateParams{
		Ref:          ref,
		Kind:         KindLease,
		EstateID:     "estate-itest",
		PrimaryParty: "0xlandlord",
		Counterparty: "0xtenant",
		Amount:       1000,
	}

	ag, err := svc.Create(ctx, "0xlandlord", params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM escrow_entries WHERE agreement_id = $1`, ag.ID)
		pool.Exec(ctx2, `DELETE FROM disputes WHERE agreement_id = $1`, ag.ID)
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE agreement_id = $1`, ag.ID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'agreement_id' = $1`, ag.ID)
		pool.Exec(ctx2, `DELETE FROM agreements WHERE id = $1`, ag.ID)
		pool.Exec(ctx2, `DELETE FROM idempotency WHERE key LIKE 'itest-%'`)
	})

	// A second live agreement with the same ref must hit the partial unique index.
	if _, err := svc.Create(ctx, "0xlandlord", params); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for live ref, got %v", err)
	}

	if _, err := svc.Attest(ctx, "0xlandlord", ref); err != nil {
		t.Fatalf("attest: %v", err)
	}

	idemKey := fmt.Sprintf("itest-fund-%d", time.Now().UnixNano())
	funded, err := svc.Fund(ctx, "0xtenant", ref, 1000, idemKey)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Status != StatusFunded {
		t.Fatalf("expected funded, got %s", funded.Status)
	}

	// Replaying the deposit must not double the escrow.
	if _, err := svc.Fund(ctx, "0xtenant", ref, 1000, idemKey); err != nil {
		t.Fatalf("fund replay: %v", err)
	}
	var depositCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM escrow_entries WHERE agreement_id = $1 AND entry_type = 'deposit'`, ag.ID).Scan(&depositCount); err != nil {
		t.Fatalf("count deposits: %v", err)
	}
	if depositCount != 1 {
		t.Fatalf("expected 1 deposit after idempotent replay, got %d", depositCount)
	}

	rec, err := svc.OpenDispute(ctx, "0xtenant", ref, "ipfs://itest-evidence", 50)
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	if err := svc.ApplyRuling(ctx, rec.ID, dispute.RulingPrimary); err != nil {
		t.Fatalf("apply ruling: %v", err)
	}
	if err := svc.ApplyRuling(ctx, rec.ID, dispute.RulingCounterparty); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on ruling replay, got %v", err)
	}

	var ruling, status string
	if err := pool.QueryRow(ctx, `SELECT ruling::text FROM disputes WHERE id = $1`, rec.ID).Scan(&ruling); err != nil {
		t.Fatalf("verify ruling: %v", err)
	}
	if ruling != "primary" {
		t.Fatalf("expected primary ruling, got %q", ruling)
	}
	if err := pool.QueryRow(ctx, `SELECT status::text FROM agreements WHERE id = $1`, ag.ID).Scan(&status); err != nil {
		t.Fatalf("verify status: %v", err)
	}
	if status != "concluded" {
		t.Fatalf("expected concluded, got %q", status)
	}

	amount, err := svc.Withdraw(ctx, "0xlandlord", ref)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount != 950 {
		t.Fatalf("expected 950 withdrawn (1000 deposit minus 50 fee), got %d", amount)
	}

	// The ledger must net to zero once everything released has been pulled.
	var net int64
	if err := pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE entry_type
			WHEN 'deposit' THEN amount
			WHEN 'fee' THEN -amount
			WHEN 'withdrawal' THEN -amount
			ELSE 0 END), 0)
		FROM escrow_entries WHERE agreement_id = $1
	`, ag.ID).Scan(&net); err != nil {
		t.Fatalf("verify ledger: %v", err)
	}
	if net != 0 {
		t.Fatalf("expected balance 0 after full withdrawal, got %d", net)
	}

	// Timeline seq must be gapless from 1.
	var evCount, maxSeq int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*), COALESCE(MAX(seq),0) FROM timeline_events WHERE agreement_id = $1`, ag.ID).Scan(&evCount, &maxSeq); err != nil {
		t.Fatalf("verify timeline: %v", err)
	}
	if evCount == 0 || evCount != maxSeq {
		t.Fatalf("expected gapless timeline, count=%d max seq=%d", evCount, maxSeq)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
