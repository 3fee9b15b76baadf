package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrInsufficientBalance signals a debit would drive the agreement's
	// escrow balance below zero.
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
	// ErrNothingWithdrawable signals the party has no released funds left.
	ErrNothingWithdrawable = errors.New("escrow: nothing withdrawable")
)

// Ledger provides tx-scoped access to the append-only escrow ledger. All
// methods expect the caller to hold the agreement row lock for the duration
// of the transaction; balances are only consistent under that lock.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Balance returns deposits minus fees and withdrawals for the agreement.
func (l *Ledger) Balance(ctx context.Context, tx pgx.Tx, agreementID string) (int64, error) {
	const query = `
SELECT COALESCE(SUM(CASE entry_type
    WHEN 'deposit' THEN amount
    WHEN 'fee' THEN -amount
    WHEN 'withdrawal' THEN -amount
    ELSE 0 END), 0)
FROM escrow_entries
WHERE agreement_id = $1
`
	var balance int64
	if err := tx.QueryRow(ctx, query, agreementID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("escrow: balance: %w", err)
	}
	return balance, nil
}

// ContributionOf returns the party's net escrow contribution: its deposits
// minus the fees it has paid out of escrow.
func (l *Ledger) ContributionOf(ctx context.Context, tx pgx.Tx, agreementID, party string) (int64, error) {
	const query = `
SELECT COALESCE(SUM(CASE entry_type
    WHEN 'deposit' THEN amount
    WHEN 'fee' THEN -amount
    ELSE 0 END), 0)
FROM escrow_entries
WHERE agreement_id = $1 AND party = $2 AND entry_type IN ('deposit', 'fee')
`
	var net int64
	if err := tx.QueryRow(ctx, query, agreementID, party).Scan(&net); err != nil {
		return 0, fmt.Errorf("escrow: contribution: %w", err)
	}
	return net, nil
}

// Withdrawable returns what the party may still pull: released amounts minus
// prior withdrawals.
func (l *Ledger) Withdrawable(ctx context.Context, tx pgx.Tx, agreementID, party string) (int64, error) {
	const query = `
SELECT COALESCE(SUM(CASE entry_type
    WHEN 'release' THEN amount
    WHEN 'withdrawal' THEN -amount
    ELSE 0 END), 0)
FROM escrow_entries
WHERE agreement_id = $1 AND party = $2 AND entry_type IN ('release', 'withdrawal')
`
	var due int64
	if err := tx.QueryRow(ctx, query, agreementID, party).Scan(&due); err != nil {
		return 0, fmt.Errorf("escrow: withdrawable: %w", err)
	}
	return due, nil
}

// Deposit appends a credit from party.
func (l *Ledger) Deposit(ctx context.Context, tx pgx.Tx, agreementID, party string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("escrow: deposit amount must be positive")
	}
	return l.insert(ctx, tx, agreementID, EntryDeposit, party, amount)
}

// ChargeFee debits an arbitration fee paid by party out of escrow. Fails if
// the agreement balance cannot cover it.
func (l *Ledger) ChargeFee(ctx context.Context, tx pgx.Tx, agreementID, party string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("escrow: fee amount must be positive")
	}
	balance, err := l.Balance(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if balance < amount {
		return ErrInsufficientBalance
	}
	return l.insert(ctx, tx, agreementID, EntryFee, party, amount)
}

// Release earmarks amount as withdrawable by payee. The total released must
// stay within the agreement's balance net of prior unreleased withdrawals.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, agreementID, payee string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("escrow: release amount must be positive")
	}
	const outstanding = `
SELECT COALESCE(SUM(CASE entry_type WHEN 'release' THEN amount ELSE -amount END), 0)
FROM escrow_entries
WHERE agreement_id = $1 AND entry_type IN ('release', 'withdrawal')
`
	var pending int64
	if err := tx.QueryRow(ctx, outstanding, agreementID).Scan(&pending); err != nil {
		return fmt.Errorf("escrow: outstanding releases: %w", err)
	}
	balance, err := l.Balance(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if pending+amount > balance {
		return ErrInsufficientBalance
	}
	return l.insert(ctx, tx, agreementID, EntryRelease, payee, amount)
}

// Withdraw records the pull of everything released to party and returns the
// amount debited. The caller performs the actual transfer after this write
// so a failed transfer unwinds the debit with the transaction.
func (l *Ledger) Withdraw(ctx context.Context, tx pgx.Tx, agreementID, party string) (int64, error) {
	due, err := l.Withdrawable(ctx, tx, agreementID, party)
	if err != nil {
		return 0, err
	}
	if due <= 0 {
		return 0, ErrNothingWithdrawable
	}
	balance, err := l.Balance(ctx, tx, agreementID)
	if err != nil {
		return 0, err
	}
	if balance < due {
		// Release bookkeeping keeps due within balance; a shortfall here
		// means the ledger was written outside this package.
		return 0, ErrInsufficientBalance
	}
	if err := l.insert(ctx, tx, agreementID, EntryWithdrawal, party, due); err != nil {
		return 0, err
	}
	return due, nil
}

// History returns the agreement's ledger entries in append order.
func (l *Ledger) History(ctx context.Context, tx pgx.Tx, agreementID string) ([]Entry, error) {
	const query = `
SELECT id, agreement_id, entry_type::text, party, amount, created_at
FROM escrow_entries
WHERE agreement_id = $1
ORDER BY id ASC
`
	rows, err := tx.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("escrow: history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, 8)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AgreementID, &e.Type, &e.Party, &e.Amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate entries: %w", err)
	}
	return entries, nil
}

func (l *Ledger) insert(ctx context.Context, tx pgx.Tx, agreementID string, entryType EntryType, party string, amount int64) error {
	const query = `
INSERT INTO escrow_entries (agreement_id, entry_type, party, amount)
VALUES ($1, $2::escrow_entry_type, $3, $4)
`
	if _, err := tx.Exec(ctx, query, agreementID, string(entryType), party, amount); err != nil {
		return fmt.Errorf("escrow: insert %s entry: %w", entryType, err)
	}
	return nil
}
