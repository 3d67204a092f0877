package ledger

import "errors"

var (
	// ErrInvalidAmount rejects non-positive amounts or prices before any state change.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientBalance rejects an open that would drive cash negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNoOpenPosition rejects a close or cover without a matching open position.
	ErrNoOpenPosition = errors.New("no open position")

	// ErrUnauthorizedCaller rejects ledger writes from callers outside the allowed roles.
	ErrUnauthorizedCaller = errors.New("unauthorized caller")

	// ErrDuplicateTrade rejects a public append whose trade id was already mirrored.
	ErrDuplicateTrade = errors.New("duplicate trade")
)
