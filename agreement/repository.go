package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const agreementColumns = `
id, ref, kind::text, estate_id, primary_party, counterparty, amount,
description, status::text, attestation_ref, dispute_ref, due_at,
created_at, updated_at`

// Repository is the tx-scoped data access layer for agreements plus the
// timeline, outbox and idempotency tables written in the same transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert creates the agreement row in created status. The partial unique
// index over live refs turns a duplicate live ref into ErrDuplicate;
// terminal rows with the same ref do not collide.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params CreateParams) (Agreement, error) {
	desc, err := json.Marshal(descriptionOrEmpty(params.Description))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: marshal description: %w", err)
	}

	query := `
INSERT INTO agreements (ref, kind, estate_id, primary_party, counterparty, amount, description, due_at, status)
VALUES ($1, $2::agreement_kind, $3, $4, $5, $6, $7::jsonb, $8, 'created')
RETURNING ` + agreementColumns

	row := tx.QueryRow(ctx, query,
		params.Ref,
		string(params.Kind),
		params.EstateID,
		params.PrimaryParty,
		params.Counterparty,
		params.Amount,
		desc,
		params.DueAt,
	)
	ag, err := scanAgreement(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Agreement{}, ErrDuplicate
		}
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}
	return ag, nil
}

// Get reads the agreement addressed by ref without taking the row lock, with
// the same live-row-first resolution as GetForUpdate.
func (r *Repository) Get(ctx context.Context, tx pgx.Tx, ref string) (Agreement, error) {
	query := `
SELECT ` + agreementColumns + `
FROM agreements
WHERE ref = $1
ORDER BY (status NOT IN ('concluded', 'revoked')) DESC, created_at DESC
LIMIT 1`

	ag, err := scanAgreement(tx.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: fetch: %w", err)
	}
	return ag, nil
}

// GetForUpdate locks the agreement addressed by ref for the duration of the
// transaction. The live row wins; failing that, the newest terminal row is
// returned so post-conclusion operations (withdrawal, reads) still resolve.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, ref string) (Agreement, error) {
	query := `
SELECT ` + agreementColumns + `
FROM agreements
WHERE ref = $1
ORDER BY (status NOT IN ('concluded', 'revoked')) DESC, created_at DESC
LIMIT 1
FOR UPDATE`

	ag, err := scanAgreement(tx.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: fetch for update: %w", err)
	}
	return ag, nil
}

// GetByIDForUpdate locks the agreement row by storage id.
func (r *Repository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	query := `
SELECT ` + agreementColumns + `
FROM agreements
WHERE id = $1
FOR UPDATE`

	ag, err := scanAgreement(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: fetch by id: %w", err)
	}
	return ag, nil
}

// SetStatus advances the row after the transition has been validated.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	const query = `
UPDATE agreements
SET status = $2::agreement_status,
    updated_at = now()
WHERE id = $1`

	if _, err := tx.Exec(ctx, query, id, string(status)); err != nil {
		return fmt.Errorf("agreement: set status: %w", err)
	}
	return nil
}

func (r *Repository) SetAttestationRef(ctx context.Context, tx pgx.Tx, id, recordID string) error {
	const query = `UPDATE agreements SET attestation_ref = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, query, id, recordID); err != nil {
		return fmt.Errorf("agreement: set attestation ref: %w", err)
	}
	return nil
}

func (r *Repository) ClearAttestationRef(ctx context.Context, tx pgx.Tx, id string) error {
	const query = `UPDATE agreements SET attestation_ref = NULL, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("agreement: clear attestation ref: %w", err)
	}
	return nil
}

func (r *Repository) SetDisputeRef(ctx context.Context, tx pgx.Tx, id, disputeID string) error {
	const query = `UPDATE agreements SET dispute_ref = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, query, id, disputeID); err != nil {
		return fmt.Errorf("agreement: set dispute ref: %w", err)
	}
	return nil
}

func (r *Repository) ClearDisputeRef(ctx context.Context, tx pgx.Tx, id string) error {
	const query = `UPDATE agreements SET dispute_ref = NULL, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("agreement: clear dispute ref: %w", err)
	}
	return nil
}

// AppendTimeline writes the next event for the agreement. Sequencing relies
// on the caller holding the agreement row lock.
func (r *Repository) AppendTimeline(ctx context.Context, tx pgx.Tx, agreementID, eventType, actor string, payload map[string]any) error {
	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE agreement_id = $1`, agreementID).Scan(&seq); err != nil {
		return fmt.Errorf("agreement: next timeline seq: %w", err)
	}

	body, err := json.Marshal(descriptionOrEmpty(payload))
	if err != nil {
		return fmt.Errorf("agreement: marshal timeline payload: %w", err)
	}

	var actorArg any
	if actor != "" {
		actorArg = actor
	}

	const query = `
INSERT INTO timeline_events (agreement_id, seq, type, actor, payload)
VALUES ($1, $2, $3, $4, $5::jsonb)`

	if _, err := tx.Exec(ctx, query, agreementID, seq, eventType, actorArg, body); err != nil {
		return fmt.Errorf("agreement: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox stages a message for downstream delivery in the same
// transaction as the state change it announces.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(descriptionOrEmpty(payload))
	if err != nil {
		return fmt.Errorf("agreement: marshal outbox payload: %w", err)
	}

	const query = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, query, topic, body); err != nil {
		return fmt.Errorf("agreement: enqueue outbox: %w", err)
	}
	return nil
}

// InsertIdempotencyKey reserves the caller-supplied key inside the active
// transaction.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("agreement: empty idempotency key")
	}

	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdempotentReplay
		}
		return fmt.Errorf("agreement: insert idempotency key: %w", err)
	}
	return nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		ag   Agreement
		desc []byte
	)
	err := row.Scan(
		&ag.ID,
		&ag.Ref,
		&ag.Kind,
		&ag.EstateID,
		&ag.PrimaryParty,
		&ag.Counterparty,
		&ag.Amount,
		&desc,
		&ag.Status,
		&ag.AttestationRef,
		&ag.DisputeRef,
		&ag.DueAt,
		&ag.CreatedAt,
		&ag.UpdatedAt,
	)
	if err != nil {
		return Agreement{}, err
	}
	if len(desc) > 0 {
		if err := json.Unmarshal(desc, &ag.Description); err != nil {
			return Agreement{}, fmt.Errorf("agreement: unmarshal description: %w", err)
		}
	}
	return ag, nil
}

func descriptionOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
