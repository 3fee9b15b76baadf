package agreement

import "escrowflow/dispute"

// Policy captures the kind-specific behavior of the lifecycle engine. The
// lease and invoice flows share one state machine; everything that differs
// between them lives behind this interface.
type Policy interface {
	// AttestingParty is the only party allowed to attest and revoke.
	AttestingParty(a Agreement) string
	// CanDispute reports whether a dispute may be opened from the status.
	CanDispute(s Status) bool
	// FundingTarget is the escrow balance at which the agreement counts as
	// funded.
	FundingTarget(a Agreement) int64
	// ConcludePayee receives the remaining escrow on a normal conclusion.
	ConcludePayee(a Agreement) string
	// RulingPayee receives the remaining escrow for the given ruling.
	RulingPayee(a Agreement, r dispute.Ruling) string
}

// RevokeMode fixes what revocation does to an attested agreement. The engine
// implements both outcomes; deployment configuration picks one.
type RevokeMode string

const (
	// RevokeReset returns the agreement to created so it can be re-attested.
	RevokeReset RevokeMode = "reset"
	// RevokeTerminal retires the agreement permanently.
	RevokeTerminal RevokeMode = "terminal"
)

func (m RevokeMode) Valid() bool {
	return m == RevokeReset || m == RevokeTerminal
}

// DefaultPolicies returns the conservative per-kind defaults: the landlord
// attests a lease and the deposit returns to the tenant on normal
// conclusion; the issuer attests an invoice and collects its escrow when the
// invoice settles. Invoices may be disputed before funding; leases may not.
func DefaultPolicies() map[Kind]Policy {
	return map[Kind]Policy{
		KindLease:   leasePolicy{},
		KindInvoice: invoicePolicy{},
	}
}

type leasePolicy struct{}

func (leasePolicy) AttestingParty(a Agreement) string { return a.PrimaryParty }
func (leasePolicy) CanDispute(s Status) bool          { return s == StatusFunded }
func (leasePolicy) FundingTarget(a Agreement) int64   { return a.Amount }
func (leasePolicy) ConcludePayee(a Agreement) string  { return a.Counterparty }

func (leasePolicy) RulingPayee(a Agreement, r dispute.Ruling) string {
	return rulingPayee(a, r)
}

type invoicePolicy struct{}

func (invoicePolicy) AttestingParty(a Agreement) string { return a.PrimaryParty }

func (invoicePolicy) CanDispute(s Status) bool {
	return s == StatusAttested || s == StatusFunded
}

func (invoicePolicy) FundingTarget(a Agreement) int64  { return a.Amount }
func (invoicePolicy) ConcludePayee(a Agreement) string { return a.PrimaryParty }

func (invoicePolicy) RulingPayee(a Agreement, r dispute.Ruling) string {
	return rulingPayee(a, r)
}

func rulingPayee(a Agreement, r dispute.Ruling) string {
	if r == dispute.RulingPrimary {
		return a.PrimaryParty
	}
	return a.Counterparty
}
