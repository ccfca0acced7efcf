package ledger

import (
	"strconv"

	"github.com/xtrntr/lending/internal/models"
)

const (
	EventTypeOrderPlaced   = "lending.order.placed"
	EventTypeOrderCanceled = "lending.order.canceled"
	EventTypeLoanDrawn     = "lending.loan.drawn"
)

// Event is the canonical notification payload for a completed transition.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter receives events after the transition that produced them has
// committed. Implementations must not fail the transition.
type Emitter interface {
	Emit(evt Event)
}

// NewOrderPlacedEvent returns the payload emitted when a lender opens an
// offer.
func NewOrderPlacedEvent(o *models.Order) Event {
	return Event{
		Type: EventTypeOrderPlaced,
		Attributes: map[string]string{
			"id":      strconv.FormatUint(o.ID, 10),
			"lender":  string(o.Lender),
			"balance": strconv.FormatUint(o.Balance, 10),
			"rate":    strconv.FormatUint(uint64(o.Rate), 10),
		},
	}
}

// NewOrderCanceledEvent returns the payload emitted when an offer is
// closed and its remaining balance refunded.
func NewOrderCanceledEvent(o *models.Order) Event {
	return Event{
		Type: EventTypeOrderCanceled,
		Attributes: map[string]string{
			"id":      strconv.FormatUint(o.ID, 10),
			"lender":  string(o.Lender),
			"balance": strconv.FormatUint(o.Balance, 10),
		},
	}
}

// NewLoanDrawnEvent returns the payload for a successful draw. Emission is
// disabled by default; see Engine.EnableBorrowEvents.
func NewLoanDrawnEvent(r *models.LoanReceipt, orderID uint64) Event {
	return Event{
		Type: EventTypeLoanDrawn,
		Attributes: map[string]string{
			"receipt_id": strconv.FormatUint(r.ID, 10),
			"borrower":   string(r.Borrower),
			"lender":     string(r.Lender),
			"amount":     strconv.FormatUint(r.Amount, 10),
			"time":       strconv.FormatUint(r.OriginTime, 10),
			"rate":       strconv.FormatUint(uint64(r.Rate), 10),
			"order_id":   strconv.FormatUint(orderID, 10),
		},
	}
}
