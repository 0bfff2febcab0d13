package protocol

import "errors"

var (
	ErrInvalidAccountID  = errors.New("invalid account id")
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrAccessKeyNotFound = errors.New("access key not found")
	ErrInvalidNonce      = errors.New("invalid nonce")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotAllowed        = errors.New("action not allowed")
	ErrNoContract        = errors.New("account has no contract code")
	ErrUnknownBlock      = errors.New("unknown block")
	ErrUnknownSnapshot   = errors.New("unknown snapshot")
	ErrUnknownTx         = errors.New("unknown transaction")
	ErrOutOfRange        = errors.New("value out of range")
)

// sentinels is the lookup table used to restore errors that crossed the RPC boundary.
var sentinels = []error{
	ErrInvalidAccountID,
	ErrAccountNotFound,
	ErrAccountExists,
	ErrAccessKeyNotFound,
	ErrInvalidNonce,
	ErrInvalidSignature,
	ErrInsufficientFunds,
	ErrNotAllowed,
	ErrNoContract,
	ErrUnknownBlock,
	ErrUnknownSnapshot,
	ErrUnknownTx,
	ErrOutOfRange,
}

// Sentinels returns the known protocol errors.
func Sentinels() []error {
	out := make([]error, len(sentinels))
	copy(out, sentinels)
	return out
}
