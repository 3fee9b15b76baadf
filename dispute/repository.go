package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals no dispute exists for the given id.
	ErrNotFound = errors.New("dispute: not found")
	// ErrDuplicate signals a second record for an already-registered dispute id.
	ErrDuplicate = errors.New("dispute: duplicate dispute id")
	// ErrAlreadyRuled signals the one-shot ruling was already applied.
	ErrAlreadyRuled = errors.New("dispute: already ruled")
)

// Repository persists dispute records. Mutations are tx-scoped so they share
// the atomic unit of the agreement operation that drives them; reads for
// presentation go through the pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create registers the dispute id returned by the arbitrator. The id is the
// primary key, so a replayed registration surfaces as ErrDuplicate.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
INSERT INTO disputes (id, agreement_id, ruling, evidence_ref, fee, opened_by)
VALUES ($1, $2, 'pending', $3, $4, $5)
RETURNING id, agreement_id, ruling::text, evidence_ref, fee, opened_by, created_at, settled_at
`
	var out Record
	err := tx.QueryRow(ctx, query, rec.ID, rec.AgreementID, rec.EvidenceRef, rec.Fee, rec.OpenedBy).
		Scan(&out.ID, &out.AgreementID, &out.Ruling, &out.EvidenceRef, &out.Fee, &out.OpenedBy, &out.CreatedAt, &out.SettledAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return out, nil
}

// GetForUpdate locks the dispute row for the duration of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	const query = `
SELECT id, agreement_id, ruling::text, evidence_ref, fee, opened_by, created_at, settled_at
FROM disputes
WHERE id = $1
FOR UPDATE
`
	var rec Record
	err := tx.QueryRow(ctx, query, disputeID).
		Scan(&rec.ID, &rec.AgreementID, &rec.Ruling, &rec.EvidenceRef, &rec.Fee, &rec.OpenedBy, &rec.CreatedAt, &rec.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: fetch for update: %w", err)
	}
	return rec, nil
}

// MarkRuled applies the one-shot ruling. The WHERE clause refuses rows that
// have already left pending, so a replay that raced past the row lock still
// cannot re-rule.
func (r *Repository) MarkRuled(ctx context.Context, tx pgx.Tx, disputeID string, ruling Ruling) (Record, error) {
	const query = `
UPDATE disputes
SET ruling = $2::dispute_ruling,
    settled_at = now()
WHERE id = $1 AND ruling = 'pending'
RETURNING id, agreement_id, ruling::text, evidence_ref, fee, opened_by, created_at, settled_at
`
	var rec Record
	err := tx.QueryRow(ctx, query, disputeID, string(ruling)).
		Scan(&rec.ID, &rec.AgreementID, &rec.Ruling, &rec.EvidenceRef, &rec.Fee, &rec.OpenedBy, &rec.CreatedAt, &rec.SettledAt)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: mark ruled: %w", err)
	}

	const check = `SELECT ruling::text FROM disputes WHERE id = $1`
	var current Ruling
	if err := tx.QueryRow(ctx, check, disputeID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: mark ruled fetch: %w", err)
	}
	return Record{}, ErrAlreadyRuled
}

// Get returns the dispute record outside any transaction.
func (r *Repository) Get(ctx context.Context, disputeID string) (Record, error) {
	const query = `
SELECT id, agreement_id, ruling::text, evidence_ref, fee, opened_by, created_at, settled_at
FROM disputes
WHERE id = $1
`
	var rec Record
	err := r.pool.QueryRow(ctx, query, disputeID).
		Scan(&rec.ID, &rec.AgreementID, &rec.Ruling, &rec.EvidenceRef, &rec.Fee, &rec.OpenedBy, &rec.CreatedAt, &rec.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// ListByAgreement returns the agreement's disputes, newest first.
func (r *Repository) ListByAgreement(ctx context.Context, agreementID string) ([]Record, error) {
	const query = `
SELECT id, agreement_id, ruling::text, evidence_ref, fee, opened_by, created_at, settled_at
FROM disputes
WHERE agreement_id = $1
ORDER BY created_at DESC
`
	rows, err := r.pool.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.AgreementID, &rec.Ruling, &rec.EvidenceRef, &rec.Fee, &rec.OpenedBy, &rec.CreatedAt, &rec.SettledAt); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
