// Package ledger implements the lending ledger's state machine: escrow
// balances fund orders, orders fund loan receipts, and receipts settle
// back into the lender's escrow with flat interest. Each exported
// transition runs inside one storage transaction and either applies in
// full or not at all.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/xtrntr/lending/internal/models"
	"github.com/xtrntr/lending/internal/store"
)

// Engine orchestrates the ledger's state transitions.
type Engine struct {
	store        store.Store
	emitter      Emitter
	now          func() time.Time
	borrowEvents bool
}

// NewEngine constructs an engine over the given store. Receipts are
// stamped with the wall clock unless SetClock overrides it.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st, now: time.Now}
}

// SetEmitter wires the notification sink. Events are delivered only after
// the transition that produced them has committed.
func (e *Engine) SetEmitter(em Emitter) { e.emitter = em }

// SetClock overrides the origin-time source for receipts.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// EnableBorrowEvents turns on loan-drawn notifications. Off by default.
func (e *Engine) EnableBorrowEvents() { e.borrowEvents = true }

func (e *Engine) emit(events []Event) {
	if e.emitter == nil {
		return
	}
	for _, evt := range events {
		e.emitter.Emit(evt)
	}
}

// Initialize creates the global sequence counters, both starting at 1.
// Fails with ErrAlreadyInitialized on a second call.
func (e *Engine) Initialize(ctx context.Context) error {
	return e.store.WithinTx(ctx, func(tx store.Tx) error {
		err := tx.CreateGlobalState(ctx, &models.GlobalState{NextOrderID: 1, NextReceiptID: 1})
		if errors.Is(err, store.ErrExists) {
			return ErrAlreadyInitialized
		}
		return err
	})
}

// SetConfig upserts the lending bounds. No cross-field validation is
// performed; the caller is a trusted administrator and only the rate
// bounds are consulted by transitions.
func (e *Engine) SetConfig(ctx context.Context, cfg models.Config) error {
	return e.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.PutConfig(ctx, &cfg)
	})
}

// Config returns the current lending bounds, or ErrNotConfigured if none
// have been set.
func (e *Engine) Config(ctx context.Context) (*models.Config, error) {
	var cfg *models.Config
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		c, err := tx.Config(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotConfigured
		}
		if err != nil {
			return err
		}
		cfg = c
		return nil
	})
	return cfg, err
}

// Deposit moves amount from the principal's wallet into their escrow
// balance, creating the escrow record on first use.
func (e *Engine) Deposit(ctx context.Context, p models.Principal, amount uint64) error {
	return e.store.WithinTx(ctx, func(tx store.Tx) error {
		wallet, err := tx.WalletBalance(ctx, p)
		if err != nil {
			return err
		}
		if wallet < amount {
			return ErrTransferFailed
		}
		escrow, err := tx.EscrowBalance(ctx, p)
		if err != nil {
			return err
		}
		escrow, err = addU64(escrow, amount)
		if err != nil {
			return err
		}
		if err := tx.PutWalletBalance(ctx, p, wallet-amount); err != nil {
			return err
		}
		return tx.PutEscrowBalance(ctx, p, escrow)
	})
}

// Withdraw moves amount from the principal's escrow balance back to their
// wallet. Fails with ErrInsufficientBalance if escrow cannot cover it.
func (e *Engine) Withdraw(ctx context.Context, p models.Principal, amount uint64) error {
	return e.store.WithinTx(ctx, func(tx store.Tx) error {
		escrow, err := tx.EscrowBalance(ctx, p)
		if err != nil {
			return err
		}
		if escrow < amount {
			return ErrInsufficientBalance
		}
		wallet, err := tx.WalletBalance(ctx, p)
		if err != nil {
			return err
		}
		wallet, err = addU64(wallet, amount)
		if err != nil {
			return err
		}
		if err := tx.PutEscrowBalance(ctx, p, escrow-amount); err != nil {
			return err
		}
		return tx.PutWalletBalance(ctx, p, wallet)
	})
}

// EscrowBalance reports the principal's custodial balance; zero for
// principals that never deposited.
func (e *Engine) EscrowBalance(ctx context.Context, p models.Principal) (uint64, error) {
	var balance uint64
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		b, err := tx.EscrowBalance(ctx, p)
		balance = b
		return err
	})
	return balance, err
}

// WalletBalance reports the principal's wallet balance.
func (e *Engine) WalletBalance(ctx context.Context, p models.Principal) (uint64, error) {
	var balance uint64
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		b, err := tx.WalletBalance(ctx, p)
		balance = b
		return err
	})
	return balance, err
}

// PlaceOrder opens a lender offer: escrow funds move into the order's own
// balance and the order consumes the next order id. The rate must fall
// within the configured bounds.
func (e *Engine) PlaceOrder(ctx context.Context, lender models.Principal, amount uint64, rate uint16) (*models.Order, error) {
	var (
		order  *models.Order
		events []Event
	)
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		escrow, err := tx.EscrowBalance(ctx, lender)
		if err != nil {
			return err
		}
		if escrow < amount {
			return ErrInsufficientBalance
		}
		cfg, err := tx.Config(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotConfigured
		}
		if err != nil {
			return err
		}
		if rate < cfg.MinRate || rate > cfg.MaxRate {
			return ErrIllegalInterestRate
		}
		gs, err := tx.GlobalState(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotInitialized
		}
		if err != nil {
			return err
		}

		order = &models.Order{
			ID:      gs.NextOrderID,
			Lender:  lender,
			Balance: amount,
			Rate:    rate,
		}
		gs.NextOrderID++

		if err := tx.PutEscrowBalance(ctx, lender, escrow-amount); err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.PutGlobalState(ctx, gs); err != nil {
			return err
		}
		events = append(events, NewOrderPlacedEvent(order))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(events)
	return order, nil
}

// CancelOrder closes an offer owned by the lender and refunds its
// remaining balance to their escrow. Allowed at any remaining balance;
// receipts already drawn against the order are unaffected. Returns the
// refunded amount.
func (e *Engine) CancelOrder(ctx context.Context, lender models.Principal, orderID uint64) (uint64, error) {
	var (
		refund uint64
		events []Event
	)
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		order, err := tx.Order(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if order.Lender != lender {
			return ErrOrderNotFound
		}

		escrow, err := tx.EscrowBalance(ctx, lender)
		if err != nil {
			return err
		}
		escrow, err = addU64(escrow, order.Balance)
		if err != nil {
			return err
		}
		if err := tx.PutEscrowBalance(ctx, lender, escrow); err != nil {
			return err
		}
		if err := tx.DeleteOrder(ctx, orderID); err != nil {
			return err
		}
		refund = order.Balance
		events = append(events, NewOrderCanceledEvent(order))
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.emit(events)
	return refund, nil
}

// Borrow draws amount from an order into the recipient's wallet and
// records a loan receipt against the borrower. The receipt copies the
// order's lender and rate and consumes the next receipt id.
func (e *Engine) Borrow(ctx context.Context, borrower models.Principal, orderID uint64, amount uint64, recipient models.Principal) (*models.LoanReceipt, error) {
	var (
		receipt *models.LoanReceipt
		events  []Event
	)
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		order, err := tx.Order(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if order.Balance < amount {
			return ErrInsufficientOrderBalance
		}
		gs, err := tx.GlobalState(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotInitialized
		}
		if err != nil {
			return err
		}

		receipt = &models.LoanReceipt{
			ID:         gs.NextReceiptID,
			Borrower:   borrower,
			Lender:     order.Lender,
			Amount:     amount,
			OriginTime: uint64(e.now().Unix()),
			Rate:       order.Rate,
		}
		gs.NextReceiptID++
		order.Balance -= amount

		wallet, err := tx.WalletBalance(ctx, recipient)
		if err != nil {
			return err
		}
		wallet, err = addU64(wallet, amount)
		if err != nil {
			return err
		}
		if err := tx.PutWalletBalance(ctx, recipient, wallet); err != nil {
			return err
		}
		if err := tx.CreateReceipt(ctx, receipt); err != nil {
			return err
		}
		if err := tx.PutOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.PutGlobalState(ctx, gs); err != nil {
			return err
		}
		if e.borrowEvents {
			events = append(events, NewLoanDrawnEvent(receipt, orderID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(events)
	return receipt, nil
}

// Repay settles a receipt in full: principal plus flat interest moves
// from the borrower's wallet into the lender's escrow and the receipt is
// released. Returns the amount due. There is no partial repayment.
func (e *Engine) Repay(ctx context.Context, borrower models.Principal, receiptID uint64) (uint64, error) {
	var due uint64
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		receipt, err := tx.Receipt(ctx, receiptID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrReceiptNotFound
		}
		if err != nil {
			return err
		}
		if receipt.Borrower != borrower {
			return ErrReceiptNotFound
		}

		due, err = interestDue(receipt.Amount, receipt.Rate)
		if err != nil {
			return err
		}
		wallet, err := tx.WalletBalance(ctx, borrower)
		if err != nil {
			return err
		}
		if wallet < due {
			return ErrTransferFailed
		}
		escrow, err := tx.EscrowBalance(ctx, receipt.Lender)
		if err != nil {
			return err
		}
		escrow, err = addU64(escrow, due)
		if err != nil {
			return err
		}

		if err := tx.PutWalletBalance(ctx, borrower, wallet-due); err != nil {
			return err
		}
		if err := tx.PutEscrowBalance(ctx, receipt.Lender, escrow); err != nil {
			return err
		}
		return tx.DeleteReceipt(ctx, receiptID)
	})
	if err != nil {
		return 0, err
	}
	return due, nil
}

// OpenOrders lists every standing offer, oldest id first.
func (e *Engine) OpenOrders(ctx context.Context) ([]models.Order, error) {
	return e.store.OpenOrders(ctx)
}

// OrdersByLender lists the lender's standing offers.
func (e *Engine) OrdersByLender(ctx context.Context, p models.Principal) ([]models.Order, error) {
	return e.store.OrdersByLender(ctx, p)
}

// ReceiptsByBorrower lists the borrower's outstanding receipts.
func (e *Engine) ReceiptsByBorrower(ctx context.Context, p models.Principal) ([]models.LoanReceipt, error) {
	return e.store.ReceiptsByBorrower(ctx, p)
}
