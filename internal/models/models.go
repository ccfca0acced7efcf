package models

// Principal identifies an authenticated caller. It is the stable owner
// reference recorded on escrow balances, orders and receipts.
type Principal string

// User represents a registered user.
type User struct {
	ID           int
	Name         Principal
	PasswordHash string
	Admin        bool
}

// GlobalState holds the sequence counters for order and receipt ids.
// Both counters start at 1 and only ever move forward; each successful
// place_order/borrow consumes exactly one value.
type GlobalState struct {
	NextOrderID   uint64
	NextReceiptID uint64
}

// Config holds the globally configured lending bounds. Only MinRate and
// MaxRate are consulted by transitions; the remaining fields are stored
// for future penalty accrual and currently read by nothing.
type Config struct {
	MinRate        uint16 `json:"min_rate"` // basis points
	MaxRate        uint16 `json:"max_rate"` // basis points
	PenaltyRate    uint8  `json:"penalty_rate"`
	PenaltyDays    uint8  `json:"penalty_days"`
	CommissionRate uint8  `json:"commission_rate"`
	Cycle          uint64 `json:"cycle"`
	Deadline       uint64 `json:"deadline"`
}

// Order is a lender's standing offer: a partially drawable pool of funds
// at a fixed rate. Balance decreases as borrowers draw against it.
type Order struct {
	ID      uint64    `json:"id"`
	Lender  Principal `json:"lender"`
	Balance uint64    `json:"balance"`
	Rate    uint16    `json:"rate"` // basis points, fixed at creation
}

// LoanReceipt records one completed draw against an order. The rate is
// copied from the order at draw time and never changes afterwards.
type LoanReceipt struct {
	ID         uint64    `json:"id"`
	Borrower   Principal `json:"borrower"`
	Lender     Principal `json:"lender"`
	Amount     uint64    `json:"amount"`      // principal drawn
	OriginTime uint64    `json:"origin_time"` // unix seconds at draw
	Rate       uint16    `json:"rate"`        // basis points
}
