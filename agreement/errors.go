package agreement

import "errors"

// Engine error taxonomy. Every public operation either commits in full or
// returns one of these (possibly wrapped) with the agreement untouched.
var (
	// ErrNotFound signals no agreement exists for the given ref.
	ErrNotFound = errors.New("agreement: not found")
	// ErrDuplicate signals re-creation of a live ref, re-attestation, or
	// re-application of a ruling.
	ErrDuplicate = errors.New("agreement: duplicate")
	// ErrUnauthorized signals the caller may not perform the guarded action.
	ErrUnauthorized = errors.New("agreement: caller not authorized")
	// ErrInvalidStatus signals the operation is not legal in the current
	// lifecycle state.
	ErrInvalidStatus = errors.New("agreement: invalid status for operation")
	// ErrInsufficientFunds signals a missing balance or a failed transfer.
	ErrInsufficientFunds = errors.New("agreement: insufficient funds")
	// ErrExternalService signals the attestation or arbitration service
	// rejected the call; the operation rolled back.
	ErrExternalService = errors.New("agreement: external service rejected call")
	// ErrIdempotentReplay signals the supplied idempotency key was already
	// consumed; the original outcome stands.
	ErrIdempotentReplay = errors.New("agreement: idempotent replay")
)
