package ledger

import "errors"

// Every validation failure surfaces one of these stable kinds; a failed
// transition leaves no partial state behind.
var (
	ErrNotInitialized     = errors.New("ledger: global state not initialized")
	ErrAlreadyInitialized = errors.New("ledger: global state already initialized")
	ErrNotConfigured      = errors.New("ledger: rate bounds not configured")

	ErrInsufficientBalance      = errors.New("ledger: insufficient escrow balance")
	ErrInsufficientOrderBalance = errors.New("ledger: insufficient order balance")
	ErrIllegalInterestRate      = errors.New("ledger: interest rate outside configured bounds")
	ErrOrderNotFound            = errors.New("ledger: order not found")
	ErrReceiptNotFound          = errors.New("ledger: receipt not found")
	ErrNoOperationPermission    = errors.New("ledger: no operation permission")
	ErrTransferFailed           = errors.New("ledger: value transfer failed")
	ErrAmountOverflow           = errors.New("ledger: amount overflows uint64")
)
