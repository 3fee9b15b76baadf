package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/dispute"
	"escrowflow/escrow"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the agreement data access required by the service.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, params CreateParams) (Agreement, error)
	Get(ctx context.Context, tx pgx.Tx, ref string) (Agreement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, ref string) (Agreement, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error
	SetAttestationRef(ctx context.Context, tx pgx.Tx, id, recordID string) error
	ClearAttestationRef(ctx context.Context, tx pgx.Tx, id string) error
	SetDisputeRef(ctx context.Context, tx pgx.Tx, id, disputeID string) error
	ClearDisputeRef(ctx context.Context, tx pgx.Tx, id string) error
	AppendTimeline(ctx context.Context, tx pgx.Tx, agreementID, eventType, actor string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
}

// LedgerStore is the escrow ledger surface used by the engine.
type LedgerStore interface {
	Balance(ctx context.Context, tx pgx.Tx, agreementID string) (int64, error)
	ContributionOf(ctx context.Context, tx pgx.Tx, agreementID, party string) (int64, error)
	Deposit(ctx context.Context, tx pgx.Tx, agreementID, party string, amount int64) error
	ChargeFee(ctx context.Context, tx pgx.Tx, agreementID, party string, amount int64) error
	Release(ctx context.Context, tx pgx.Tx, agreementID, payee string, amount int64) error
	Withdraw(ctx context.Context, tx pgx.Tx, agreementID, party string) (int64, error)
}

// DisputeStore persists dispute records inside the engine's transactions.
type DisputeStore interface {
	Create(ctx context.Context, tx pgx.Tx, rec dispute.Record) (dispute.Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (dispute.Record, error)
	MarkRuled(ctx context.Context, tx pgx.Tx, disputeID string, ruling dispute.Ruling) (dispute.Record, error)
}

// Attestor issues and revokes tamper-evident agreement records.
type Attestor interface {
	Issue(ctx context.Context, snapshot Snapshot) (recordID string, err error)
	Revoke(ctx context.Context, recordID string) error
}

// Arbiter opens binary disputes with the external arbitrator.
type Arbiter interface {
	Open(ctx context.Context, evidenceRef string, outcomes int, fee int64) (disputeID string, err error)
}

// Transferer is the external fund-transfer primitive. Failures never
// partially debit the source.
type Transferer interface {
	TransferFrom(ctx context.Context, payer string, amount int64) error
	Transfer(ctx context.Context, payee string, amount int64) error
}

// OwnershipChecker is the external estate registry consulted by the create
// and attest guards.
type OwnershipChecker interface {
	IsAuthorizedOwner(ctx context.Context, estateID, caller string) (bool, error)
}

// Config fixes the deployment-level policy choices of the engine.
type Config struct {
	// RevokeMode selects the revocation outcome; defaults to RevokeReset.
	RevokeMode RevokeMode
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Repo     Store
	Ledger   LedgerStore
	Disputes DisputeStore
	Attestor Attestor
	Arbiter  Arbiter
	Funds    Transferer
	Registry OwnershipChecker
	Policies map[Kind]Policy
}

// Service is the agreement lifecycle state machine. Every public operation
// runs as one transaction: the agreement row is locked first, internal state
// is advanced before any external call, and any error unwinds the whole
// operation.
type Service struct {
	pool     TxBeginner
	repo     Store
	ledger   LedgerStore
	disputes DisputeStore
	attestor Attestor
	arbiter  Arbiter
	funds    Transferer
	registry OwnershipChecker
	policies map[Kind]Policy
	cfg      Config
}

const binaryOutcomes = 2

func NewService(pool TxBeginner, deps Deps, cfg Config) *Service {
	if deps.Repo == nil {
		deps.Repo = NewRepository()
	}
	if deps.Ledger == nil {
		deps.Ledger = escrow.NewLedger()
	}
	if deps.Policies == nil {
		deps.Policies = DefaultPolicies()
	}
	if !cfg.RevokeMode.Valid() {
		cfg.RevokeMode = RevokeReset
	}
	return &Service{
		pool:     pool,
		repo:     deps.Repo,
		ledger:   deps.Ledger,
		disputes: deps.Disputes,
		attestor: deps.Attestor,
		arbiter:  deps.Arbiter,
		funds:    deps.Funds,
		registry: deps.Registry,
		policies: deps.Policies,
		cfg:      cfg,
	}
}

// Create registers a new agreement in created status. The caller must be an
// authorized owner of the referenced estate; a live agreement with the same
// ref fails with ErrDuplicate.
func (s *Service) Create(ctx context.Context, caller string, params CreateParams) (Agreement, error) {
	if err := validateCreate(params); err != nil {
		return Agreement{}, err
	}

	ok, err := s.registry.IsAuthorizedOwner(ctx, params.EstateID, caller)
	if err != nil {
		return Agreement{}, fmt.Errorf("%w: ownership lookup: %v", ErrExternalService, err)
	}
	if !ok {
		return Agreement{}, fmt.Errorf("%w: caller does not own estate %s", ErrUnauthorized, params.EstateID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.repo.Insert(ctx, tx, params)
	if err != nil {
		return Agreement{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, ag.ID, EventCreated, caller, map[string]any{
		"ref":    ag.Ref,
		"kind":   string(ag.Kind),
		"amount": ag.Amount,
	}); err != nil {
		return Agreement{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicCreated, map[string]any{
		"agreement_id": ag.ID,
		"ref":          ag.Ref,
	}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit create: %w", err)
	}
	return ag, nil
}

// Attest issues the tamper-evident record for the agreement. Only the
// attesting party may call it; a second attestation fails with ErrDuplicate.
// The status row is advanced before the attestation service is invoked so a
// reentrant call observes the post-transition state.
func (s *Service) Attest(ctx context.Context, caller, ref string) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.repo.GetForUpdate(ctx, tx, ref)
	if err != nil {
		return Agreement{}, err
	}

	pol := s.policies[ag.Kind]
	if caller != pol.AttestingParty(ag) {
		return Agreement{}, fmt.Errorf("%w: only the attesting party may attest", ErrUnauthorized)
	}
	ok, err := s.registry.IsAuthorizedOwner(ctx, ag.EstateID, caller)
	if err != nil {
		return Agreement{}, fmt.Errorf("%w: ownership lookup: %v", ErrExternalService, err)
	}
	if !ok {
		return Agreement{}, fmt.Errorf("%w: caller does not own estate %s", ErrUnauthorized, ag.EstateID)
	}
	if ag.AttestationRef != nil {
		return Agreement{}, fmt.Errorf("%w: agreement already attested", ErrDuplicate)
	}
	if ag.Status != StatusCreated {
		return Agreement{}, fmt.Errorf("%w: attest requires created, have %s", ErrInvalidStatus, ag.Status)
	}

	if err := s.advance(ctx, tx, ag, StatusAttested); err != nil {
		return Agreement{}, err
	}

	recordID, err := s.attestor.Issue(ctx, snapshotOf(ag))
	if err != nil {
		return Agreement{}, fmt.Errorf("%w: issue attestation: %v", ErrExternalService, err)
	}
	if err := s.repo.SetAttestationRef(ctx, tx, ag.ID, recordID); err != nil {
		return Agreement{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, ag.ID, EventAttested, caller, map[string]any{
		"attestation_ref": recordID,
	}); err != nil {
		return Agreement{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicAttested, map[string]any{
		"agreement_id":    ag.ID,
		"attestation_ref": recordID,
	}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit attest: %w", err)
	}

	ag.Status = StatusAttested
	ag.AttestationRef = &recordID
	return ag, nil
}

// Revoke withdraws the attestation record. Depending on configuration the
// agreement either returns to created for re-attestation or retires to
// revoked.
func (s *Service) Revoke(ctx context.Context, caller, ref string) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.repo.GetForUpdate(ctx, tx, ref)
	if err != nil {
		return Agreement{}, err
	}

	pol := s.policies[ag.Kind]
	if caller != pol.AttestingParty(ag) {
		return Agreement{}, fmt.Errorf("%w: only the attesting party may revoke", ErrUnauthorized)
	}
	if ag.AttestationRef == nil || ag.Status != StatusAttested {
		return Agreement{}, fmt.Errorf("%w: revoke requires an attested agreement", ErrInvalidStatus)
	}

	next := StatusCreated
	if s.cfg.RevokeMode == RevokeTerminal {
		next = StatusRevoked
	}

	// Revoked is terminal, so any partial deposits are released back to the
	// contributing parties first; funds never stay locked behind a retired
	// agreement.
	refunds := map[string]any{}
	if next == StatusRevoked {
		for _, party := range []string{ag.PrimaryParty, ag.Counterparty} {
			contribution, err := s.ledger.ContributionOf(ctx, tx, ag.ID, party)
			if err != nil {
				return Agreement{}, err
			}
			if contribution <= 0 {
				continue
			}
			if err := s.ledger.Release(ctx, tx, ag.ID, party, contribution); err != nil {
				return Agreement{}, err
			}
			refunds[party] = contribution
		}
	}

	if err := s.advance(ctx, tx, ag, next); err != nil {
		return Agreement{}, err
	}
	if err := s.repo.ClearAttestationRef(ctx, tx, ag.ID); err != nil {
		return Agreement{}, err
	}

	if err := s.attestor.Revoke(ctx, *ag.AttestationRef); err != nil {
		return Agreement{}, fmt.Errorf("%w: revoke attestation: %v", ErrExternalService, err)
	}

	payload := map[string]any{
		"attestation_ref": *ag.AttestationRef,
		"next_status":     string(next),
	}
	if len(refunds) > 0 {
		payload["refunded"] = refunds
	}
	if err := s.repo.AppendTimeline(ctx, tx, ag.ID, EventRevoked, caller, payload); err != nil {
		return Agreement{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicRevoked, map[string]any{
		"agreement_id": ag.ID,
	}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit revoke: %w", err)
	}

	ag.Status = next
	ag.AttestationRef = nil
	return ag, nil
}

// Fund deposits amount into the agreement's escrow. Either party may
// deposit while the agreement is attested; once the policy's funding target
// is met the agreement advances to funded. A replayed idempotency key is a
// no-op success.
func (s *Service) Fund(ctx context.Context, caller, ref string, amount int64, idempotencyKey string) (Agreement, error) {
	if amount <= 0 {
		return Agreement{}, fmt.Errorf("%w: deposit must be positive", ErrInsufficientFunds)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.repo.GetForUpdate(ctx, tx, ref)
	if err != nil {
		return Agreement{}, err
	}
	if !ag.IsParty(caller) {
		return Agreement{}, fmt.Errorf("%w: only agreement parties may deposit", ErrUnauthorized)
	}

	// The key is checked before the status guard: a replay of the deposit
	// that moved the agreement to funded must still report success.
	if idempotencyKey != "" {
		if err := s.repo.InsertIdempotencyKey(ctx, tx, idempotencyKey); err != nil {
			if errors.Is(err, ErrIdempotentReplay) {
				return ag, nil
			}
			return Agreement{}, err
		}
	}

	if ag.Status != StatusAttested {
		return Agreement{}, fmt.Errorf("%w: fund requires attested, have %s", ErrInvalidStatus, ag.Status)
	}

	if err := s.ledger.Deposit(ctx, tx, ag.ID, caller, amount); err != nil {
		return Agreement{}, err
	}

	balance, err := s.ledger.Balance(ctx, tx, ag.ID)
	if err != nil {
		return Agreement{}, err
	}
	pol := s.policies[ag.Kind]
	funded := balance >= pol.FundingTarget(ag)
	if funded {
		if err := s.advance(ctx, tx, ag, StatusFunded); err != nil {
			return Agreement{}, err
		}
	}

	if err := s.funds.TransferFrom(ctx, caller, amount); err != nil {
		return Agreement{}, fmt.Errorf("%w: deposit transfer: %v", ErrInsufficientFunds, err)
	}

	if err := s.repo.AppendTimeline(ctx, tx, ag.ID, EventDeposited, caller, map[string]any{
		"amount":  amount,
		"balance": balance,
	}); err != nil {
		return Agreement{}, err
	}
	if funded {
		if err := s.repo.EnqueueOutbox(ctx, tx, TopicFunded, map[string]any{
			"agreement_id": ag.ID,
			"balance":      balance,
		}); err != nil {
			return Agreement{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit fund: %w", err)
	}

	if funded {
		ag.Status = StatusFunded
	}
	return ag, nil
}

// OpenDispute escalates the agreement to the external arbitrator. The fee
// comes out of the caller's escrow contribution when it covers it, otherwise
// from a fresh transfer; either way a transfer failure aborts the whole
// operation with no partial fee debit.
func (s *Service) OpenDispute(ctx context.Context, caller, ref, evidenceRef string, fee int64) (dispute.Record, error) {
	if fee <= 0 {
		return dispute.Record{}, fmt.Errorf("%w: arbitration fee must be positive", ErrInsufficientFunds)
	}
	if evidenceRef == "" {
		return dispute.Record{}, fmt.Errorf("agreement: evidence reference required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dispute.Record{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.repo.GetForUpdate(ctx, tx, ref)
	if err != nil {
		return dispute.Record{}, err
	}
	if !ag.IsParty(caller) {
		return dispute.Record{}, fmt.Errorf("%w: only agreement parties may dispute", ErrUnauthorized)
	}
	if ag.DisputeRef != nil {
		return dispute.Record{}, fmt.Errorf("%w: dispute already open", ErrDuplicate)
	}
	pol := s.policies[ag.Kind]
	if !pol.CanDispute(ag.Status) {
		return dispute.Record{}, fmt.Errorf("%w: cannot dispute from %s", ErrInvalidStatus, ag.Status)
	}

	if err := s.advance(ctx, tx, ag, StatusDisputed); err != nil {
		return dispute.Record{}, err
	}

	contribution, err := s.ledger.ContributionOf(ctx, tx, ag.ID, caller)
	if err != nil {
		return dispute.Record{}, err
	}
	freshTransfer := contribution < fee
	if freshTransfer {
		if err := s.ledger.Deposit(ctx, tx, ag.ID, caller, fee); err != nil {
			return dispute.Record{}, err
		}
	}
	if err := s.ledger.ChargeFee(ctx, tx, ag.ID, caller, fee); err != nil {
		if errors.Is(err, escrow.ErrInsufficientBalance) {
			return dispute.Record{}, fmt.Errorf("%w: arbitration fee exceeds escrow", ErrInsufficientFunds)
		}
		return dispute.Record{}, err
	}

	if freshTransfer {
		if err := s.funds.TransferFrom(ctx, caller, fee); err != nil {
			return dispute.Record{}, fmt.Errorf("%w: fee transfer: %v", ErrInsufficientFunds, err)
		}
	}

	disputeID, err := s.arbiter.Open(ctx, evidenceRef, binaryOutcomes, fee)
	if err != nil {
		return dispute.Record{}, fmt.Errorf("%w: open arbitration: %v", ErrExternalService, err)
	}

	rec, err := s.disputes.Create(ctx, tx, dispute.Record{
		ID:          disputeID,
		AgreementID: ag.ID,
		EvidenceRef: evidenceRef,
		Fee:         fee,
		OpenedBy:    caller,
	})
	if err != nil {
		if errors.Is(err, dispute.ErrDuplicate) {
			return dispute.Record{}, fmt.Errorf("%w: dispute id %s already registered", ErrDuplicate, disputeID)
		}
		return dispute.Record{}, err
	}
	if err := s.repo.SetDisputeRef(ctx, tx, ag.ID, disputeID); err != nil {
		return dispute.Record{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, ag.ID, EventDisputed, caller, map[string]any{
		"dispute_id":   disputeID,
		"evidence_ref": evidenceRef,
		"fee":          fee,
	}); err != nil {
		return dispute.Record{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicDisputed, map[string]any{
		"agreement_id": ag.ID,
		"dispute_id":   disputeID,
	}); err != nil {
		return dispute.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return dispute.Record{}, fmt.Errorf("agreement: commit dispute: %w", err)
	}
	return rec, nil
}

// ApplyRuling consumes the arbitrator's one-shot binary ruling. It is
// reachable only through the dispute router, which authenticates the caller
// first. The winning side's escrow is released for pull-based withdrawal
// and the agreement concludes. Replays fail with ErrDuplicate.
func (s *Service) ApplyRuling(ctx context.Context, disputeID string, ruling dispute.Ruling) error {
	if ruling != dispute.RulingPrimary && ruling != dispute.RulingCounterparty {
		return fmt.Errorf("%w: ruling %q is not a binary outcome", ErrInvalidStatus, ruling)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.disputes.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			return fmt.Errorf("%w: dispute %s", ErrNotFound, disputeID)
		}
		return err
	}
	if rec.Ruling != dispute.RulingPending {
		return fmt.Errorf("%w: dispute %s already ruled", ErrDuplicate, disputeID)
	}

	ag, err := s.repo.GetByIDForUpdate(ctx, tx, rec.AgreementID)
	if err != nil {
		return err
	}
	if ag.Status != StatusDisputed {
		return fmt.Errorf("%w: ruling requires disputed, have %s", ErrInvalidStatus, ag.Status)
	}

	if _, err := s.disputes.MarkRuled(ctx, tx, disputeID, ruling); err != nil {
		if errors.Is(err, dispute.ErrAlreadyRuled) {
			return fmt.Errorf("%w: dispute %s already ruled", ErrDuplicate, disputeID)
		}
		return err
	}

	pol := s.policies[ag.Kind]
	payee := pol.RulingPayee(ag, ruling)
	balance, err := s.ledger.Balance(ctx, tx, ag.ID)
	if err != nil {
		return err
	}
	if balance > 0 {
		if err := s.ledger.Release(ctx, tx, ag.ID, payee, balance); err != nil {
			return err
		}
	}

	if err := s.repo.ClearDisputeRef(ctx, tx, ag.ID); err != nil {
		return err
	}
	if err := s.advance(ctx, tx, ag, StatusConcluded); err != nil {
		return err
	}

	if err := s.repo.AppendTimeline(ctx, tx, ag.ID, EventRuled, "", map[string]any{
		"dispute_id": disputeID,
		"ruling":     string(ruling),
		"payee":      payee,
		"released":   balance,
	}); err != nil {
		return err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicConcluded, map[string]any{
		"agreement_id": ag.ID,
		"dispute_id":   disputeID,
		"ruling":       string(ruling),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit ruling: %w", err)
	}
	return nil
}

// Conclude closes a funded agreement on the normal path, releasing the
// escrow to the payee fixed by the kind policy.
func (s *Service) Conclude(ctx context.Context, caller, ref string) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.repo.GetForUpdate(ctx, tx, ref)
	if err != nil {
		return Agreement{}, err
	}
	if !ag.IsParty(caller) {
		return Agreement{}, fmt.Errorf("%w: only agreement parties may conclude", ErrUnauthorized)
	}
	if ag.Status != StatusFunded {
		return Agreement{}, fmt.Errorf("%w: conclude requires funded, have %s", ErrInvalidStatus, ag.Status)
	}

	pol := s.policies[ag.Kind]
	payee := pol.ConcludePayee(ag)
	balance, err := s.ledger.Balance(ctx, tx, ag.ID)
	if err != nil {
		return Agreement{}, err
	}
	if balance > 0 {
		if err := s.ledger.Release(ctx, tx, ag.ID, payee, balance); err != nil {
			return Agreement{}, err
		}
	}

	if err := s.advance(ctx, tx, ag, StatusConcluded); err != nil {
		return Agreement{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, ag.ID, EventConcluded, caller, map[string]any{
		"payee":    payee,
		"released": balance,
	}); err != nil {
		return Agreement{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicConcluded, map[string]any{
		"agreement_id": ag.ID,
	}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit conclude: %w", err)
	}

	ag.Status = StatusConcluded
	return ag, nil
}

// Withdraw pulls everything released to the caller. The ledger debit lands
// before the transfer so a failed transfer unwinds it with the transaction.
func (s *Service) Withdraw(ctx context.Context, caller, ref string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.repo.GetForUpdate(ctx, tx, ref)
	if err != nil {
		return 0, err
	}
	if !ag.IsParty(caller) {
		return 0, fmt.Errorf("%w: only agreement parties may withdraw", ErrUnauthorized)
	}

	amount, err := s.ledger.Withdraw(ctx, tx, ag.ID, caller)
	if err != nil {
		if errors.Is(err, escrow.ErrNothingWithdrawable) || errors.Is(err, escrow.ErrInsufficientBalance) {
			return 0, fmt.Errorf("%w: nothing to withdraw", ErrInsufficientFunds)
		}
		return 0, err
	}

	if err := s.funds.Transfer(ctx, caller, amount); err != nil {
		return 0, fmt.Errorf("%w: payout transfer: %v", ErrInsufficientFunds, err)
	}

	if err := s.repo.AppendTimeline(ctx, tx, ag.ID, EventWithdrawn, caller, map[string]any{
		"amount": amount,
	}); err != nil {
		return 0, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicWithdrawn, map[string]any{
		"agreement_id": ag.ID,
		"party":        caller,
		"amount":       amount,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("agreement: commit withdraw: %w", err)
	}
	return amount, nil
}

// Get returns the agreement snapshot addressed by ref, preferring the live
// row over retained terminal ones. The read takes no row lock.
func (s *Service) Get(ctx context.Context, ref string) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.Get(ctx, tx, ref)
}

// advance validates the edge against the transition table before moving the
// row. Operation guards should make an illegal edge unreachable; this is the
// authoritative check.
func (s *Service) advance(ctx context.Context, tx pgx.Tx, ag Agreement, next Status) error {
	if !CanTransition(ag.Status, next) {
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrInvalidStatus, ag.Status, next)
	}
	return s.repo.SetStatus(ctx, tx, ag.ID, next)
}

func validateCreate(params CreateParams) error {
	if params.Ref == "" {
		return fmt.Errorf("agreement: ref required")
	}
	if !params.Kind.Valid() {
		return fmt.Errorf("agreement: invalid kind %q", params.Kind)
	}
	if params.EstateID == "" {
		return fmt.Errorf("agreement: estate id required")
	}
	if params.PrimaryParty == "" || params.Counterparty == "" {
		return fmt.Errorf("agreement: both parties required")
	}
	if params.PrimaryParty == params.Counterparty {
		return fmt.Errorf("agreement: parties must be distinct")
	}
	if params.Amount <= 0 {
		return fmt.Errorf("agreement: amount must be positive")
	}
	return nil
}
