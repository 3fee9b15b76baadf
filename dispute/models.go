package dispute

import "time"

// Ruling is the arbitrator's binary outcome for a dispute.
type Ruling string

const (
	RulingPending      Ruling = "pending"
	RulingPrimary      Ruling = "primary"
	RulingCounterparty Ruling = "counterparty"
)

// External outcome codes used by the binary arbitrator.
const (
	OutcomeCodePrimary      = 1
	OutcomeCodeCounterparty = 2
)

// ParseOutcome maps the arbitrator's wire code onto a ruling. Anything
// outside the two binary outcomes is rejected before any funds move.
func ParseOutcome(code int) (Ruling, bool) {
	switch code {
	case OutcomeCodePrimary:
		return RulingPrimary, true
	case OutcomeCodeCounterparty:
		return RulingCounterparty, true
	default:
		return "", false
	}
}

// Record mirrors the disputes table. The dispute id is assigned by the
// external arbitrator; the mapping to the agreement is immutable after
// creation and the ruling transitions exactly once from pending.
type Record struct {
	ID          string
	AgreementID string
	Ruling      Ruling
	EvidenceRef string
	Fee         int64
	OpenedBy    string
	CreatedAt   time.Time
	SettledAt   *time.Time
}
