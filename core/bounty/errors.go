package bounty

import "errors"

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

// Ledger invariant violations. These are caller faults and are never retried.
var (
	ErrInvalidAmount             = Err("invalid amount: must be greater than zero")
	ErrInsufficientFunds         = Err("insufficient funds")
	ErrInsufficientAuthorization = Err("insufficient authorization: approve the ledger for at least the amount")
	ErrNotFound                  = Err("bounty not found")
	ErrNotCreator                = Err("caller is not the bounty creator")
	ErrNotOpen                   = Err("bounty not open")
	ErrInvalidRecipient          = Err("invalid recipient")
	ErrInvalidAddress            = Err("invalid address")
	ErrInvalidID                 = Err("invalid bounty id")
	ErrCursorTooOld              = Err("cursor too old: range has been compacted")
)

// Gateway errors.
var (
	ErrInvalidInput    = Err("invalid input")
	ErrAlreadyExists   = Err("bounty metadata already exists")
	ErrLedgerMismatch  = Err("metadata does not match ledger")
	ErrRateLimited     = Err("rate limit exceeded")
	ErrUnavailable     = Err("temporarily unavailable")
)

// IsTransient reports whether err is an infrastructure failure that callers
// should retry with backoff rather than treat as authoritative.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRejection reports whether err is a caller-fault rejection.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount, ErrInsufficientFunds, ErrInsufficientAuthorization,
		ErrNotFound, ErrNotCreator, ErrNotOpen, ErrInvalidRecipient,
		ErrInvalidAddress, ErrInvalidID, ErrInvalidInput, ErrAlreadyExists,
		ErrLedgerMismatch, ErrCursorTooOld,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
