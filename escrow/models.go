package escrow

import "time"

// EntryType classifies a ledger entry.
type EntryType string

const (
	// EntryDeposit credits escrow from a party's fresh transfer.
	EntryDeposit EntryType = "deposit"
	// EntryFee debits escrow for an arbitration fee.
	EntryFee EntryType = "fee"
	// EntryRelease earmarks an amount as withdrawable by a payee. It does
	// not move funds; the matching withdrawal does.
	EntryRelease EntryType = "release"
	// EntryWithdrawal debits escrow when a payee pulls a released amount.
	EntryWithdrawal EntryType = "withdrawal"
)

// Entry mirrors the escrow_entries table. Entries are append-only; the
// balance of an agreement is the running sum over its entries.
type Entry struct {
	ID          int64
	AgreementID string
	Type        EntryType
	Party       string
	Amount      int64
	CreatedAt   time.Time
}
