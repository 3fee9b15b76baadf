package agreement

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/dispute"
	"escrowflow/escrow"
)

const (
	landlord = "0xlandlord"
	tenant   = "0xtenant"
	stranger = "0xstranger"
)

func TestCreate_UnauthorizedOwner(t *testing.T) {
	fix := newFixture(t)
	fix.registry.authorized = false

	_, err := fix.svc.Create(context.Background(), landlord, leaseParams("A1"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if fix.pool.lastTx() != nil {
		t.Fatal("expected no transaction before the ownership guard passes")
	}
}

func TestCreate_DuplicateLiveRef(t *testing.T) {
	fix := newFixture(t)

	if _, err := fix.svc.Create(context.Background(), landlord, leaseParams("A1")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := fix.svc.Create(context.Background(), landlord, leaseParams("A1")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestAttest_Succeeds_ThenDuplicates(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "A1")

	ag, err := fix.svc.Attest(context.Background(), landlord, "A1")
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	if ag.Status != StatusAttested {
		t.Fatalf("expected attested, got %s", ag.Status)
	}
	if ag.AttestationRef == nil || *ag.AttestationRef == "" {
		t.Fatal("expected attestation ref to be stored")
	}
	if !fix.pool.lastTx().committed {
		t.Fatal("expected attest transaction to commit")
	}

	if _, err := fix.svc.Attest(context.Background(), landlord, "A1"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on second attest, got %v", err)
	}
}

func TestAttest_WrongCaller(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "A1")

	if _, err := fix.svc.Attest(context.Background(), tenant, "A1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if fix.attestor.issued != 0 {
		t.Fatal("expected no attestation call for unauthorized caller")
	}
}

func TestAttest_ServiceRejection_RollsBack(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "A1")
	fix.attestor.issueErr = errors.New("schema rejected")

	if _, err := fix.svc.Attest(context.Background(), landlord, "A1"); !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	tx := fix.pool.lastTx()
	if tx.committed || !tx.rolled {
		t.Fatalf("expected rollback, got committed=%v rolled=%v", tx.committed, tx.rolled)
	}
}

func TestRevoke_BeforeAttest(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "I1")

	if _, err := fix.svc.Revoke(context.Background(), landlord, "I1"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if len(fix.attestor.revoked) != 0 {
		t.Fatal("expected no revoke call without an attestation")
	}
}

func TestRevoke_ResetMode(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "A1")
	fix.mustAttest(t, "A1")

	ag, err := fix.svc.Revoke(context.Background(), landlord, "A1")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ag.Status != StatusCreated {
		t.Fatalf("expected created after reset revoke, got %s", ag.Status)
	}
	if ag.AttestationRef != nil {
		t.Fatal("expected attestation ref cleared")
	}
	if len(fix.attestor.revoked) != 1 {
		t.Fatalf("expected one revoke call, got %d", len(fix.attestor.revoked))
	}

	// The lifecycle may restart.
	if _, err := fix.svc.Attest(context.Background(), landlord, "A1"); err != nil {
		t.Fatalf("re-attest after reset revoke: %v", err)
	}
}

func TestRevoke_TerminalMode(t *testing.T) {
	fix := newFixtureWithConfig(t, Config{RevokeMode: RevokeTerminal})
	fix.mustCreate(t, "A1")
	fix.mustAttest(t, "A1")

	ag, err := fix.svc.Revoke(context.Background(), landlord, "A1")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ag.Status != StatusRevoked {
		t.Fatalf("expected revoked, got %s", ag.Status)
	}
}

func TestRevoke_TerminalReleasesPartialDeposits(t *testing.T) {
	fix := newFixtureWithConfig(t, Config{RevokeMode: RevokeTerminal})
	fix.mustCreate(t, "A1")
	fix.mustAttest(t, "A1")
	if _, err := fix.svc.Fund(context.Background(), tenant, "A1", 400, ""); err != nil {
		t.Fatalf("fund: %v", err)
	}

	ag, err := fix.svc.Revoke(context.Background(), landlord, "A1")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ag.Status != StatusRevoked {
		t.Fatalf("expected revoked, got %s", ag.Status)
	}
	if got := fix.ledger.withdrawable(ag.ID, tenant); got != 400 {
		t.Fatalf("expected 400 released back to the depositor, got %d", got)
	}

	amount, err := fix.svc.Withdraw(context.Background(), tenant, "A1")
	if err != nil {
		t.Fatalf("withdraw after terminal revoke: %v", err)
	}
	if amount != 400 {
		t.Fatalf("expected 400 withdrawn, got %d", amount)
	}
	if got := fix.ledger.balance(ag.ID); got != 0 {
		t.Fatalf("expected ledger to net to zero, got %d", got)
	}
}

func TestFund_ReachesTarget(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "A1")
	fix.mustAttest(t, "A1")

	ag, err := fix.svc.Fund(context.Background(), tenant, "A1", 1000, "")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if ag.Status != StatusFunded {
		t.Fatalf("expected funded, got %s", ag.Status)
	}
	if fix.funds.fromCalls != 1 {
		t.Fatalf("expected one TransferFrom, got %d", fix.funds.fromCalls)
	}
	if got := fix.ledger.balance(ag.ID); got != 1000 {
		t.Fatalf("expected balance 1000, got %d", got)
	}
}

func TestFund_PartialDepositStaysAttested(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "A1")
	fix.mustAttest(t, "A1")

	ag, err := fix.svc.Fund(context.Background(), tenant, "A1", 400, "")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if ag.Status != StatusAttested {
		t.Fatalf("expected attested below target, got %s", ag.Status)
	}
}

func TestFund_TransferFailure_RollsBack(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "A1")
	fix.mustAttest(t, "A1")
	fix.funds.fromErr = errors.New("card declined")

	if _, err := fix.svc.Fund(context.Background(), tenant, "A1", 1000, ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	tx := fix.pool.lastTx()
	if tx.committed || !tx.rolled {
		t.Fatalf("expected rollback, got committed=%v rolled=%v", tx.committed, tx.rolled)
	}
}

func TestFund_IdempotentReplay(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "A1")
	fix.mustAttest(t, "A1")
	fix.repo.idemErr = ErrIdempotentReplay

	if _, err := fix.svc.Fund(context.Background(), tenant, "A1", 1000, "dep-1"); err != nil {
		t.Fatalf("expected replay to be a no-op success, got %v", err)
	}
	if fix.funds.fromCalls != 0 {
		t.Fatal("expected no transfer on idempotent replay")
	}
	if fix.pool.lastTx().committed {
		t.Fatal("expected replay transaction to be discarded")
	}
}

func TestFund_ReplayAfterFunded(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "A1")
	fix.mustAttest(t, "A1")

	if _, err := fix.svc.Fund(context.Background(), tenant, "A1", 1000, "dep-1"); err != nil {
		t.Fatalf("fund: %v", err)
	}

	ag, err := fix.svc.Fund(context.Background(), tenant, "A1", 1000, "dep-1")
	if err != nil {
		t.Fatalf("expected replay after reaching the target to no-op succeed, got %v", err)
	}
	if ag.Status != StatusFunded {
		t.Fatalf("expected funded snapshot on replay, got %s", ag.Status)
	}
	if fix.funds.fromCalls != 1 {
		t.Fatalf("expected a single deposit transfer, got %d", fix.funds.fromCalls)
	}
	if got := fix.ledger.balance(ag.ID); got != 1000 {
		t.Fatalf("expected balance unchanged at 1000, got %d", got)
	}
	if fix.pool.lastTx().committed {
		t.Fatal("expected replay transaction to be discarded")
	}
}

func TestOpenDispute_LeaseRequiresFunded(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "A1")
	fix.mustAttest(t, "A1")

	if _, err := fix.svc.OpenDispute(context.Background(), tenant, "A1", "ipfs://evidence", 50); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for lease dispute before funding, got %v", err)
	}
}

func TestOpenDispute_InvoiceMayDisputeAttested(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreateKind(t, "I1", KindInvoice)
	fix.mustAttest(t, "I1")

	rec, err := fix.svc.OpenDispute(context.Background(), tenant, "I1", "ipfs://evidence", 50)
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if rec.Ruling != dispute.RulingPending {
		t.Fatalf("expected pending ruling, got %s", rec.Ruling)
	}
	// Fee was funded by a fresh transfer since escrow was empty.
	if fix.funds.fromCalls != 1 {
		t.Fatalf("expected one fee transfer, got %d", fix.funds.fromCalls)
	}
}

func TestOpenDispute_FeeFromEscrowContribution(t *testing.T) {
	fix := newFixture(t)
	fix.fundedLease(t, "A1")
	fix.funds.fromCalls = 0

	rec, err := fix.svc.OpenDispute(context.Background(), tenant, "A1", "ipfs://evidence", 50)
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if fix.funds.fromCalls != 0 {
		t.Fatal("expected fee to come out of escrow, not a fresh transfer")
	}
	if rec.Fee != 50 {
		t.Fatalf("expected fee 50, got %d", rec.Fee)
	}
	if got := fix.ledger.balance(fix.repo.byRef("A1").ID); got != 950 {
		t.Fatalf("expected balance 950 after fee, got %d", got)
	}
}

func TestOpenDispute_TransferFailure_Atomic(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreateKind(t, "I1", KindInvoice)
	fix.mustAttest(t, "I1")
	fix.funds.fromErr = errors.New("payer frozen")

	if _, err := fix.svc.OpenDispute(context.Background(), tenant, "I1", "ipfs://evidence", 50); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	tx := fix.pool.lastTx()
	if tx.committed || !tx.rolled {
		t.Fatalf("expected rollback, got committed=%v rolled=%v", tx.committed, tx.rolled)
	}
	if fix.arbiter.opened != 0 {
		t.Fatal("expected no arbitration call after a failed fee transfer")
	}
}

func TestOpenDispute_ByStranger(t *testing.T) {
	fix := newFixture(t)
	fix.fundedLease(t, "A1")

	if _, err := fix.svc.OpenDispute(context.Background(), stranger, "A1", "ipfs://evidence", 50); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestApplyRuling_ReleasesToWinner(t *testing.T) {
	fix := newFixture(t)
	rec := fix.disputedLease(t, "A1")

	if err := fix.svc.ApplyRuling(context.Background(), rec.ID, dispute.RulingPrimary); err != nil {
		t.Fatalf("apply ruling: %v", err)
	}

	ag := fix.repo.byRef("A1")
	if ag.Status != StatusConcluded {
		t.Fatalf("expected concluded, got %s", ag.Status)
	}
	if ag.DisputeRef != nil {
		t.Fatal("expected dispute ref cleared")
	}
	if got := fix.ledger.withdrawable(ag.ID, landlord); got != 950 {
		t.Fatalf("expected 950 released to landlord, got %d", got)
	}
}

func TestApplyRuling_ExactlyOnce(t *testing.T) {
	fix := newFixture(t)
	rec := fix.disputedLease(t, "A1")

	if err := fix.svc.ApplyRuling(context.Background(), rec.ID, dispute.RulingCounterparty); err != nil {
		t.Fatalf("first ruling: %v", err)
	}
	err := fix.svc.ApplyRuling(context.Background(), rec.ID, dispute.RulingPrimary)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on replay, got %v", err)
	}
	// The first ruling's payout stands.
	ag := fix.repo.byRef("A1")
	if got := fix.ledger.withdrawable(ag.ID, tenant); got != 950 {
		t.Fatalf("expected tenant payout unchanged at 950, got %d", got)
	}
}

func TestApplyRuling_RejectsAmbiguousRuling(t *testing.T) {
	fix := newFixture(t)
	rec := fix.disputedLease(t, "A1")

	if err := fix.svc.ApplyRuling(context.Background(), rec.ID, dispute.RulingPending); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	ag := fix.repo.byRef("A1")
	if ag.Status != StatusDisputed {
		t.Fatalf("expected dispute untouched, got %s", ag.Status)
	}
}

func TestApplyRuling_UnknownDispute(t *testing.T) {
	fix := newFixture(t)

	if err := fix.svc.ApplyRuling(context.Background(), "missing", dispute.RulingPrimary); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConclude_LeaseDepositReturnsToTenant(t *testing.T) {
	fix := newFixture(t)
	fix.fundedLease(t, "A1")

	ag, err := fix.svc.Conclude(context.Background(), landlord, "A1")
	if err != nil {
		t.Fatalf("conclude: %v", err)
	}
	if ag.Status != StatusConcluded {
		t.Fatalf("expected concluded, got %s", ag.Status)
	}
	if got := fix.ledger.withdrawable(ag.ID, tenant); got != 1000 {
		t.Fatalf("expected 1000 released to tenant, got %d", got)
	}
}

func TestConclude_RequiresFunded(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "A1")
	fix.mustAttest(t, "A1")

	if _, err := fix.svc.Conclude(context.Background(), landlord, "A1"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestWithdraw_PullsReleasedBalance(t *testing.T) {
	fix := newFixture(t)
	fix.fundedLease(t, "A1")
	if _, err := fix.svc.Conclude(context.Background(), landlord, "A1"); err != nil {
		t.Fatalf("conclude: %v", err)
	}

	amount, err := fix.svc.Withdraw(context.Background(), tenant, "A1")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount != 1000 {
		t.Fatalf("expected 1000 withdrawn, got %d", amount)
	}
	if fix.funds.toCalls != 1 {
		t.Fatalf("expected one payout transfer, got %d", fix.funds.toCalls)
	}

	if _, err := fix.svc.Withdraw(context.Background(), tenant, "A1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds on second withdraw, got %v", err)
	}
}

func TestWithdraw_NothingReleased(t *testing.T) {
	fix := newFixture(t)
	fix.fundedLease(t, "A1")

	if _, err := fix.svc.Withdraw(context.Background(), landlord, "A1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestBalancesNeverNegative(t *testing.T) {
	fix := newFixture(t)
	rec := fix.disputedLease(t, "A1")
	ag := fix.repo.byRef("A1")

	assertNonNegative := func(step string) {
		if got := fix.ledger.balance(ag.ID); got < 0 {
			t.Fatalf("%s: balance went negative: %d", step, got)
		}
	}
	assertNonNegative("after dispute")

	if err := fix.svc.ApplyRuling(context.Background(), rec.ID, dispute.RulingPrimary); err != nil {
		t.Fatalf("apply ruling: %v", err)
	}
	assertNonNegative("after ruling")

	if _, err := fix.svc.Withdraw(context.Background(), landlord, "A1"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	assertNonNegative("after withdraw")
}

func TestGet_NotFound(t *testing.T) {
	fix := newFixture(t)

	if _, err := fix.svc.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_ReadsWithoutRowLock(t *testing.T) {
	fix := newFixture(t)
	fix.mustCreate(t, "A1")
	locked := fix.repo.lockReads

	ag, err := fix.svc.Get(context.Background(), "A1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ag.Ref != "A1" || ag.Status != StatusCreated {
		t.Fatalf("unexpected snapshot: %+v", ag)
	}
	if fix.repo.lockReads != locked {
		t.Fatal("expected the snapshot read to skip the row lock")
	}
}

// --- fixture ---

type fixture struct {
	svc      *Service
	pool     *fakePool
	repo     *fakeStore
	ledger   *fakeLedger
	disputes *fakeDisputes
	attestor *fakeAttestor
	arbiter  *fakeArbiter
	funds    *fakeTransferer
	registry *fakeRegistry
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithConfig(t, Config{})
}

func newFixtureWithConfig(t *testing.T, cfg Config) *fixture {
	t.Helper()
	fix := &fixture{
		pool:     &fakePool{},
		repo:     newFakeStore(),
		ledger:   newFakeLedger(),
		disputes: newFakeDisputes(),
		attestor: &fakeAttestor{},
		arbiter:  &fakeArbiter{},
		funds:    &fakeTransferer{},
		registry: &fakeRegistry{authorized: true},
	}
	fix.svc = NewService(fix.pool, Deps{
		Repo:     fix.repo,
		Ledger:   fix.ledger,
		Disputes: fix.disputes,
		Attestor: fix.attestor,
		Arbiter:  fix.arbiter,
		Funds:    fix.funds,
		Registry: fix.registry,
	}, cfg)
	return fix
}

func leaseParams(ref string) CreateParams {
	return CreateParams{
		Ref:          ref,
		Kind:         KindLease,
		EstateID:     "estate-7",
		PrimaryParty: landlord,
		Counterparty: tenant,
		Amount:       1000,
	}
}

func (fix *fixture) mustCreate(t *testing.T, ref string) {
	t.Helper()
	fix.mustCreateKind(t, ref, KindLease)
}

func (fix *fixture) mustCreateKind(t *testing.T, ref string, kind Kind) {
	t.Helper()
	params := leaseParams(ref)
	params.Kind = kind
	if _, err := fix.svc.Create(context.Background(), landlord, params); err != nil {
		t.Fatalf("create %s: %v", ref, err)
	}
}

func (fix *fixture) mustAttest(t *testing.T, ref string) {
	t.Helper()
	if _, err := fix.svc.Attest(context.Background(), landlord, ref); err != nil {
		t.Fatalf("attest %s: %v", ref, err)
	}
}

func (fix *fixture) fundedLease(t *testing.T, ref string) {
	t.Helper()
	fix.mustCreate(t, ref)
	fix.mustAttest(t, ref)
	if _, err := fix.svc.Fund(context.Background(), tenant, ref, 1000, ""); err != nil {
		t.Fatalf("fund %s: %v", ref, err)
	}
}

func (fix *fixture) disputedLease(t *testing.T, ref string) dispute.Record {
	t.Helper()
	fix.fundedLease(t, ref)
	rec, err := fix.svc.OpenDispute(context.Background(), tenant, ref, "ipfs://evidence", 50)
	if err != nil {
		t.Fatalf("open dispute %s: %v", ref, err)
	}
	return rec
}

// --- fakes ---

type fakeStore struct {
	agreements map[string]*Agreement // keyed by storage id
	idemErr    error
	idemKeys   map[string]bool
	nextID     int
	lockReads  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agreements: make(map[string]*Agreement),
		idemKeys:   make(map[string]bool),
		nextID:     1,
	}
}

func (f *fakeStore) byRef(ref string) *Agreement {
	var best *Agreement
	for _, ag := range f.agreements {
		if ag.Ref != ref {
			continue
		}
		if best == nil || (!ag.Status.Terminal() && best.Status.Terminal()) {
			best = ag
		}
	}
	return best
}

func (f *fakeStore) Insert(ctx context.Context, tx pgx.Tx, params CreateParams) (Agreement, error) {
	if existing := f.byRef(params.Ref); existing != nil && !existing.Status.Terminal() {
		return Agreement{}, ErrDuplicate
	}
	ag := Agreement{
		ID:           fmt.Sprintf("ag-%d", f.nextID),
		Ref:          params.Ref,
		Kind:         params.Kind,
		EstateID:     params.EstateID,
		PrimaryParty: params.PrimaryParty,
		Counterparty: params.Counterparty,
		Amount:       params.Amount,
		Description:  params.Description,
		Status:       StatusCreated,
		DueAt:        params.DueAt,
	}
	f.nextID++
	f.agreements[ag.ID] = &ag
	return ag, nil
}

func (f *fakeStore) Get(ctx context.Context, tx pgx.Tx, ref string) (Agreement, error) {
	if ag := f.byRef(ref); ag != nil {
		return *ag, nil
	}
	return Agreement{}, ErrNotFound
}

func (f *fakeStore) GetForUpdate(ctx context.Context, tx pgx.Tx, ref string) (Agreement, error) {
	f.lockReads++
	if ag := f.byRef(ref); ag != nil {
		return *ag, nil
	}
	return Agreement{}, ErrNotFound
}

func (f *fakeStore) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	if ag, ok := f.agreements[id]; ok {
		return *ag, nil
	}
	return Agreement{}, ErrNotFound
}

func (f *fakeStore) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	f.agreements[id].Status = status
	return nil
}

func (f *fakeStore) SetAttestationRef(ctx context.Context, tx pgx.Tx, id, recordID string) error {
	f.agreements[id].AttestationRef = &recordID
	return nil
}

func (f *fakeStore) ClearAttestationRef(ctx context.Context, tx pgx.Tx, id string) error {
	f.agreements[id].AttestationRef = nil
	return nil
}

func (f *fakeStore) SetDisputeRef(ctx context.Context, tx pgx.Tx, id, disputeID string) error {
	f.agreements[id].DisputeRef = &disputeID
	return nil
}

func (f *fakeStore) ClearDisputeRef(ctx context.Context, tx pgx.Tx, id string) error {
	f.agreements[id].DisputeRef = nil
	return nil
}

func (f *fakeStore) AppendTimeline(ctx context.Context, tx pgx.Tx, agreementID, eventType, actor string, payload map[string]any) error {
	return nil
}

func (f *fakeStore) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return nil
}

func (f *fakeStore) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if f.idemErr != nil {
		return f.idemErr
	}
	if f.idemKeys[key] {
		return ErrIdempotentReplay
	}
	f.idemKeys[key] = true
	return nil
}

type fakeLedger struct {
	deposits    map[string]map[string]int64 // agreement -> party -> net deposits minus fees
	releases    map[string]map[string]int64 // agreement -> party -> released minus withdrawn
	balances    map[string]int64
	outstanding map[string]int64 // agreement -> releases minus withdrawals
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		deposits:    make(map[string]map[string]int64),
		releases:    make(map[string]map[string]int64),
		balances:    make(map[string]int64),
		outstanding: make(map[string]int64),
	}
}

func (f *fakeLedger) bucket(m map[string]map[string]int64, agreementID string) map[string]int64 {
	if m[agreementID] == nil {
		m[agreementID] = make(map[string]int64)
	}
	return m[agreementID]
}

func (f *fakeLedger) balance(agreementID string) int64 { return f.balances[agreementID] }

func (f *fakeLedger) withdrawable(agreementID, party string) int64 {
	return f.bucket(f.releases, agreementID)[party]
}

func (f *fakeLedger) Balance(ctx context.Context, tx pgx.Tx, agreementID string) (int64, error) {
	return f.balances[agreementID], nil
}

func (f *fakeLedger) ContributionOf(ctx context.Context, tx pgx.Tx, agreementID, party string) (int64, error) {
	return f.bucket(f.deposits, agreementID)[party], nil
}

func (f *fakeLedger) Deposit(ctx context.Context, tx pgx.Tx, agreementID, party string, amount int64) error {
	f.bucket(f.deposits, agreementID)[party] += amount
	f.balances[agreementID] += amount
	return nil
}

func (f *fakeLedger) ChargeFee(ctx context.Context, tx pgx.Tx, agreementID, party string, amount int64) error {
	if f.balances[agreementID] < amount {
		return escrow.ErrInsufficientBalance
	}
	f.bucket(f.deposits, agreementID)[party] -= amount
	f.balances[agreementID] -= amount
	return nil
}

func (f *fakeLedger) Release(ctx context.Context, tx pgx.Tx, agreementID, payee string, amount int64) error {
	if f.outstanding[agreementID]+amount > f.balances[agreementID] {
		return escrow.ErrInsufficientBalance
	}
	f.bucket(f.releases, agreementID)[payee] += amount
	f.outstanding[agreementID] += amount
	return nil
}

func (f *fakeLedger) Withdraw(ctx context.Context, tx pgx.Tx, agreementID, party string) (int64, error) {
	due := f.bucket(f.releases, agreementID)[party]
	if due <= 0 {
		return 0, escrow.ErrNothingWithdrawable
	}
	f.bucket(f.releases, agreementID)[party] = 0
	f.balances[agreementID] -= due
	f.outstanding[agreementID] -= due
	return due, nil
}

type fakeDisputes struct {
	records map[string]*dispute.Record
}

func newFakeDisputes() *fakeDisputes {
	return &fakeDisputes{records: make(map[string]*dispute.Record)}
}

func (f *fakeDisputes) Create(ctx context.Context, tx pgx.Tx, rec dispute.Record) (dispute.Record, error) {
	if _, exists := f.records[rec.ID]; exists {
		return dispute.Record{}, dispute.ErrDuplicate
	}
	rec.Ruling = dispute.RulingPending
	f.records[rec.ID] = &rec
	return rec, nil
}

func (f *fakeDisputes) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (dispute.Record, error) {
	if rec, ok := f.records[disputeID]; ok {
		return *rec, nil
	}
	return dispute.Record{}, dispute.ErrNotFound
}

func (f *fakeDisputes) MarkRuled(ctx context.Context, tx pgx.Tx, disputeID string, ruling dispute.Ruling) (dispute.Record, error) {
	rec, ok := f.records[disputeID]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	if rec.Ruling != dispute.RulingPending {
		return dispute.Record{}, dispute.ErrAlreadyRuled
	}
	rec.Ruling = ruling
	return *rec, nil
}

type fakeAttestor struct {
	issued   int
	revoked  []string
	issueErr error
}

func (f *fakeAttestor) Issue(ctx context.Context, snapshot Snapshot) (string, error) {
	if f.issueErr != nil {
		return "", f.issueErr
	}
	f.issued++
	return fmt.Sprintf("rec-%d", f.issued), nil
}

func (f *fakeAttestor) Revoke(ctx context.Context, recordID string) error {
	f.revoked = append(f.revoked, recordID)
	return nil
}

type fakeArbiter struct {
	opened  int
	openErr error
}

func (f *fakeArbiter) Open(ctx context.Context, evidenceRef string, outcomes int, fee int64) (string, error) {
	if f.openErr != nil {
		return "", f.openErr
	}
	f.opened++
	return fmt.Sprintf("disp-%d", f.opened), nil
}

type fakeTransferer struct {
	fromCalls int
	toCalls   int
	fromErr   error
	toErr     error
}

func (f *fakeTransferer) TransferFrom(ctx context.Context, payer string, amount int64) error {
	if f.fromErr != nil {
		return f.fromErr
	}
	f.fromCalls++
	return nil
}

func (f *fakeTransferer) Transfer(ctx context.Context, payee string, amount int64) error {
	if f.toErr != nil {
		return f.toErr
	}
	f.toCalls++
	return nil
}

type fakeRegistry struct {
	authorized bool
	err        error
}

func (f *fakeRegistry) IsAuthorizedOwner(ctx context.Context, estateID, caller string) (bool, error) {
	return f.authorized, f.err
}

// --- fake pgx plumbing ---

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) lastTx() *fakeTx {
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
