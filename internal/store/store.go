// Package store defines the persistence boundary for the lending ledger.
// Records are addressed by stable, typed keys (the owning principal for
// balances, the numeric id for orders and receipts); how an implementation
// derives physical addresses from those keys is its own business.
package store

import (
	"context"
	"errors"

	"github.com/xtrntr/lending/internal/models"
)

var (
	// ErrNotFound is returned when no record exists at the requested key.
	ErrNotFound = errors.New("store: record not found")
	// ErrExists is returned by create calls when the key is already taken.
	ErrExists = errors.New("store: record already exists")
)

// Tx is a single atomic view of the ledger. Every mutation made through a
// Tx is applied in full when the enclosing WithinTx callback returns nil,
// and discarded in full when it returns an error.
//
// Wallet balances model the native value-transfer primitive: funds held by
// a principal outside the ledger's custody. Keeping them on the same Tx
// means a payout and the record mutation that caused it commit together.
type Tx interface {
	GlobalState(ctx context.Context) (*models.GlobalState, error)
	CreateGlobalState(ctx context.Context, gs *models.GlobalState) error
	PutGlobalState(ctx context.Context, gs *models.GlobalState) error

	Config(ctx context.Context) (*models.Config, error)
	PutConfig(ctx context.Context, cfg *models.Config) error

	// EscrowBalance returns zero for principals with no escrow record yet
	// (create-if-absent semantics).
	EscrowBalance(ctx context.Context, p models.Principal) (uint64, error)
	PutEscrowBalance(ctx context.Context, p models.Principal, balance uint64) error

	WalletBalance(ctx context.Context, p models.Principal) (uint64, error)
	PutWalletBalance(ctx context.Context, p models.Principal, balance uint64) error

	Order(ctx context.Context, id uint64) (*models.Order, error)
	CreateOrder(ctx context.Context, o *models.Order) error
	PutOrder(ctx context.Context, o *models.Order) error
	DeleteOrder(ctx context.Context, id uint64) error

	Receipt(ctx context.Context, id uint64) (*models.LoanReceipt, error)
	CreateReceipt(ctx context.Context, r *models.LoanReceipt) error
	DeleteReceipt(ctx context.Context, id uint64) error
}

// Store runs ledger transitions and read-only queries.
type Store interface {
	// WithinTx executes fn atomically. Concurrent calls touching the same
	// records are serialized by the implementation; fn must not retain the
	// Tx after returning.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	OpenOrders(ctx context.Context) ([]models.Order, error)
	OrdersByLender(ctx context.Context, p models.Principal) ([]models.Order, error)
	ReceiptsByBorrower(ctx context.Context, p models.Principal) ([]models.LoanReceipt, error)
}
