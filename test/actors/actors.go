// Package actors holds the concurrent workloads of the stress harness. Each
// actor loops raw SQL against the schema the way a hostile mix of engine
// instances would, leaving the oracles to catch invariant violations.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Creator races competing live agreements onto the same ref. The partial
// unique index must reject all but one.
func Creator(ctx context.Context, pool *pgxpool.Pool, ref, primary, counterparty string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO agreements (ref, kind, estate_id, primary_party, counterparty, amount, status)
                                  VALUES ($1, 'lease', 'estate-stress', $2, $3, 1000, 'created')`, ref, primary, counterparty)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" { // expected under contention
			} else {
				return fmt.Errorf("creator insert: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Attestor flips created agreements to attested under the row lock, stamping
// an attestation ref and a timeline event the way the engine does.
func Attestor(ctx context.Context, pool *pgxpool.Pool, ref string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var agID string
		err = tx.QueryRow(ctx, `SELECT id FROM agreements WHERE ref=$1 AND status='created' LIMIT 1 FOR UPDATE`, ref).Scan(&agID)
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE agreements SET status='attested', attestation_ref=COALESCE(attestation_ref, 'rec-'||id::text), updated_at=now() WHERE id=$1`, agID)
			if err == nil {
				appendEvent(ctx, tx, agID, "AGREEMENT_ATTESTED")
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('agreement.attested', jsonb_build_object('agreement_id',$1::text))`, agID)
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Depositor funds attested agreements with competing partial deposits and
// advances them to funded once the balance covers the amount.
func Depositor(ctx context.Context, pool *pgxpool.Pool, ref, party string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var agID string
		var amount int64
		err = tx.QueryRow(ctx, `SELECT id, amount FROM agreements WHERE ref=$1 AND status='attested' LIMIT 1 FOR UPDATE`, ref).Scan(&agID, &amount)
		if err == nil {
			chunk := amount/2 + int64(rand.Intn(int(amount/2)))
			_, err = tx.Exec(ctx, `INSERT INTO escrow_entries (agreement_id, entry_type, party, amount) VALUES ($1,'deposit',$2,$3)`, agID, party, chunk)
			if err == nil {
				var balance int64
				_ = tx.QueryRow(ctx, `SELECT COALESCE(SUM(CASE entry_type WHEN 'deposit' THEN amount WHEN 'fee' THEN -amount WHEN 'withdrawal' THEN -amount ELSE 0 END),0)
                                      FROM escrow_entries WHERE agreement_id=$1`, agID).Scan(&balance)
				if balance >= amount {
					_, _ = tx.Exec(ctx, `UPDATE agreements SET status='funded', updated_at=now() WHERE id=$1 AND status='attested'`, agID)
				}
				appendEvent(ctx, tx, agID, "ESCROW_DEPOSITED")
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer escalates funded agreements. The dispute id is unique per attempt,
// mirroring the arbitrator-assigned external id.
func Disputer(ctx context.Context, pool *pgxpool.Pool, ref, party string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var agID string
		err = tx.QueryRow(ctx, `SELECT id FROM agreements WHERE ref=$1 AND status='funded' AND dispute_ref IS NULL LIMIT 1 FOR UPDATE`, ref).Scan(&agID)
		if err == nil {
			dispID := fmt.Sprintf("disp-%s-%d", agID, rand.Int63())
			_, err = tx.Exec(ctx, `INSERT INTO disputes (id, agreement_id, evidence_ref, fee, opened_by) VALUES ($1,$2,'ipfs://stress',10,$3)`, dispID, agID, party)
			if err == nil {
				_, _ = tx.Exec(ctx, `UPDATE agreements SET status='disputed', dispute_ref=$2, updated_at=now() WHERE id=$1`, agID, dispID)
				appendEvent(ctx, tx, agID, "DISPUTE_OPENED")
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Arbitrator applies rulings with the guarded one-shot UPDATE, releases the
// remaining balance to the winner and concludes the agreement. Replays of the
// same dispute must match zero rows.
func Arbitrator(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var dispID, agID string
		err = tx.QueryRow(ctx, `SELECT d.id, d.agreement_id FROM disputes d
                                JOIN agreements a ON a.id = d.agreement_id
                                WHERE d.ruling='pending' AND a.status='disputed'
                                LIMIT 1 FOR UPDATE OF d`).Scan(&dispID, &agID)
		if err == nil {
			ruling := "primary"
			winner := "primary_party"
			if rand.Intn(2) == 0 {
				ruling = "counterparty"
				winner = "counterparty"
			}
			tag, err := tx.Exec(ctx, `UPDATE disputes SET ruling=$2::dispute_ruling, settled_at=now() WHERE id=$1 AND ruling='pending'`, dispID, ruling)
			if err == nil && tag.RowsAffected() == 1 {
				var payee string
				var balance int64
				_ = tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM agreements WHERE id=$1`, winner), agID).Scan(&payee)
				_ = tx.QueryRow(ctx, `SELECT COALESCE(SUM(CASE entry_type WHEN 'deposit' THEN amount WHEN 'fee' THEN -amount WHEN 'withdrawal' THEN -amount ELSE 0 END),0)
                                      FROM escrow_entries WHERE agreement_id=$1`, agID).Scan(&balance)
				if balance > 0 {
					_, _ = tx.Exec(ctx, `INSERT INTO escrow_entries (agreement_id, entry_type, party, amount) VALUES ($1,'release',$2,$3)`, agID, payee, balance)
				}
				_, _ = tx.Exec(ctx, `UPDATE agreements SET status='concluded', dispute_ref=NULL, updated_at=now() WHERE id=$1 AND status='disputed'`, agID)
				appendEvent(ctx, tx, agID, "DISPUTE_RULED")
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(80+rand.Intn(120)) * time.Millisecond)
	}
}

// Withdrawer pulls released funds, never more than the outstanding releases
// for the party.
func Withdrawer(ctx context.Context, pool *pgxpool.Pool, ref, party string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var agID string
		err = tx.QueryRow(ctx, `SELECT id FROM agreements WHERE ref=$1 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, ref).Scan(&agID)
		if err == nil {
			var due int64
			_ = tx.QueryRow(ctx, `SELECT COALESCE(SUM(CASE entry_type WHEN 'release' THEN amount WHEN 'withdrawal' THEN -amount ELSE 0 END),0)
                                  FROM escrow_entries WHERE agreement_id=$1 AND party=$2 AND entry_type IN ('release','withdrawal')`, agID, party).Scan(&due)
			if due > 0 {
				_, err = tx.Exec(ctx, `INSERT INTO escrow_entries (agreement_id, entry_type, party, amount) VALUES ($1,'withdrawal',$2,$3)`, agID, party, due)
				if err == nil {
					appendEvent(ctx, tx, agID, "ESCROW_WITHDRAWN")
					_ = tx.Commit(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, occasionally simulating a delivery failure.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

func appendEvent(ctx context.Context, tx pgx.Tx, agID, eventType string) {
	var seq int
	_ = tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM timeline_events WHERE agreement_id=$1`, agID).Scan(&seq)
	_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (agreement_id, seq, type, payload) VALUES ($1,$2,$3,'{}'::jsonb)`, agID, seq, eventType)
}
