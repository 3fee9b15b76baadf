package agreement

import "time"

// Kind discriminates the two agreement flavors sharing the lifecycle engine.
type Kind string

const (
	KindLease   Kind = "lease"
	KindInvoice Kind = "invoice"
)

func (k Kind) Valid() bool {
	return k == KindLease || k == KindInvoice
}

// Agreement mirrors the agreements table. Ref is the caller-assigned
// identifier; ID is the storage key. Terminal rows are retained for audit,
// so several rows may share a ref while at most one of them is live.
type Agreement struct {
	ID             string
	Ref            string
	Kind           Kind
	EstateID       string
	PrimaryParty   string
	Counterparty   string
	Amount         int64
	Description    map[string]any
	Status         Status
	AttestationRef *string
	DisputeRef     *string
	DueAt          *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsParty reports whether addr is one of the agreement's two parties.
func (a Agreement) IsParty(addr string) bool {
	return addr != "" && (addr == a.PrimaryParty || addr == a.Counterparty)
}

// CreateParams carries the caller-supplied terms for a new agreement.
type CreateParams struct {
	Ref          string
	Kind         Kind
	EstateID     string
	PrimaryParty string
	Counterparty string
	Amount       int64
	DueAt        *time.Time
	Description  map[string]any
}

// Snapshot is the agreement view handed to the attestation service when a
// tamper-evident record is issued.
type Snapshot struct {
	Ref          string     `json:"ref"`
	Kind         string     `json:"kind"`
	EstateID     string     `json:"estate_id"`
	PrimaryParty string     `json:"primary_party"`
	Counterparty string     `json:"counterparty"`
	Amount       int64      `json:"amount"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func snapshotOf(a Agreement) Snapshot {
	return Snapshot{
		Ref:          a.Ref,
		Kind:         string(a.Kind),
		EstateID:     a.EstateID,
		PrimaryParty: a.PrimaryParty,
		Counterparty: a.Counterparty,
		Amount:       a.Amount,
		DueAt:        a.DueAt,
		CreatedAt:    a.CreatedAt,
	}
}

// Timeline event types appended by the engine.
const (
	EventCreated   = "AGREEMENT_CREATED"
	EventAttested  = "AGREEMENT_ATTESTED"
	EventRevoked   = "ATTESTATION_REVOKED"
	EventDeposited = "ESCROW_DEPOSITED"
	EventDisputed  = "DISPUTE_OPENED"
	EventRuled     = "DISPUTE_RULED"
	EventConcluded = "AGREEMENT_CONCLUDED"
	EventWithdrawn = "ESCROW_WITHDRAWN"
)

// Outbox topics published alongside the matching timeline events.
const (
	TopicCreated   = "agreement.created"
	TopicAttested  = "agreement.attested"
	TopicRevoked   = "agreement.revoked"
	TopicFunded    = "agreement.funded"
	TopicDisputed  = "agreement.disputed"
	TopicConcluded = "agreement.concluded"
	TopicWithdrawn = "agreement.withdrawn"
)
