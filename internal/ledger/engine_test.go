package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xtrntr/lending/internal/models"
	"github.com/xtrntr/lending/internal/store"
	"github.com/xtrntr/lending/internal/store/memory"
)

type captureEmitter struct {
	events []Event
}

func (c *captureEmitter) Emit(evt Event) { c.events = append(c.events, evt) }

// newTestEngine returns an initialized engine over a memory store with
// default rate bounds [100, 2000] bps and a fixed clock.
func newTestEngine(t *testing.T) (*Engine, *memory.Store, *captureEmitter) {
	t.Helper()
	ctx := context.Background()

	st := memory.New()
	em := &captureEmitter{}
	eng := NewEngine(st)
	eng.SetEmitter(em)
	eng.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })

	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := eng.SetConfig(ctx, models.Config{MinRate: 100, MaxRate: 2000}); err != nil {
		t.Fatalf("set config: %v", err)
	}
	return eng, st, em
}

func fundWallet(t *testing.T, st *memory.Store, p models.Principal, amount uint64) {
	t.Helper()
	err := st.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.PutWalletBalance(context.Background(), p, amount)
	})
	if err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
}

func TestInitializeOnce(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(memory.New())

	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("first initialize: %v", err)
	}
	if err := eng.Initialize(ctx); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestSetConfigUpsert(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	// No cross-field validation: min > max is persisted as given.
	cfg := models.Config{MinRate: 900, MaxRate: 100, PenaltyRate: 5, Cycle: 30, Deadline: 90}
	if err := eng.SetConfig(ctx, cfg); err != nil {
		t.Fatalf("set config: %v", err)
	}
	got, err := eng.Config(ctx)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if *got != cfg {
		t.Errorf("config = %+v, want %+v", got, cfg)
	}
}

func TestDepositAndWithdraw(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)
	alice := models.Principal("alice")
	fundWallet(t, st, alice, 1000)

	if err := eng.Deposit(ctx, alice, 600); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	escrow, _ := eng.EscrowBalance(ctx, alice)
	wallet, _ := eng.WalletBalance(ctx, alice)
	if escrow != 600 || wallet != 400 {
		t.Fatalf("after deposit: escrow=%d wallet=%d, want 600/400", escrow, wallet)
	}

	// Deposit beyond wallet funds fails with no state change.
	if err := eng.Deposit(ctx, alice, 500); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	escrow, _ = eng.EscrowBalance(ctx, alice)
	if escrow != 600 {
		t.Fatalf("escrow changed on failed deposit: %d", escrow)
	}

	if err := eng.Withdraw(ctx, alice, 600); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	escrow, _ = eng.EscrowBalance(ctx, alice)
	wallet, _ = eng.WalletBalance(ctx, alice)
	if escrow != 0 || wallet != 1000 {
		t.Fatalf("after withdraw: escrow=%d wallet=%d, want 0/1000", escrow, wallet)
	}

	if err := eng.Withdraw(ctx, alice, 1); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	wallet, _ = eng.WalletBalance(ctx, alice)
	if wallet != 1000 {
		t.Fatalf("wallet changed on failed withdraw: %d", wallet)
	}
}

func TestPlaceOrder(t *testing.T) {
	ctx := context.Background()
	eng, st, em := newTestEngine(t)
	alice := models.Principal("alice")
	fundWallet(t, st, alice, 1000)
	if err := eng.Deposit(ctx, alice, 1000); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		amount  uint64
		rate    uint16
		wantErr error
	}{
		{name: "RateBelowMin", amount: 100, rate: 99, wantErr: ErrIllegalInterestRate},
		{name: "RateAboveMax", amount: 100, rate: 2001, wantErr: ErrIllegalInterestRate},
		{name: "InsufficientEscrow", amount: 1001, rate: 300, wantErr: ErrInsufficientBalance},
		{name: "Success", amount: 400, rate: 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := eng.PlaceOrder(ctx, alice, tt.amount, tt.rate)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("place order: %v", err)
			}
			if order.ID != 1 || order.Balance != 400 || order.Rate != 300 || order.Lender != alice {
				t.Errorf("unexpected order %+v", order)
			}
		})
	}

	escrow, _ := eng.EscrowBalance(ctx, alice)
	if escrow != 600 {
		t.Errorf("escrow = %d, want 600", escrow)
	}
	if len(em.events) != 1 || em.events[0].Type != EventTypeOrderPlaced {
		t.Fatalf("expected one order-placed event, got %+v", em.events)
	}
	if em.events[0].Attributes["id"] != "1" || em.events[0].Attributes["balance"] != "400" {
		t.Errorf("unexpected event attributes %v", em.events[0].Attributes)
	}
}

func TestOrderIDsGaplessAcrossFailures(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)
	alice := models.Principal("alice")
	fundWallet(t, st, alice, 1000)
	if err := eng.Deposit(ctx, alice, 1000); err != nil {
		t.Fatal(err)
	}

	first, err := eng.PlaceOrder(ctx, alice, 100, 300)
	if err != nil {
		t.Fatal(err)
	}
	// A failed transition must not consume an id.
	if _, err := eng.PlaceOrder(ctx, alice, 100, 1); !errors.Is(err, ErrIllegalInterestRate) {
		t.Fatal(err)
	}
	second, err := eng.PlaceOrder(ctx, alice, 100, 400)
	if err != nil {
		t.Fatal(err)
	}

	if first.ID != 1 || second.ID != 2 {
		t.Errorf("ids = %d, %d, want gapless 1, 2", first.ID, second.ID)
	}
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	eng, st, em := newTestEngine(t)
	alice := models.Principal("alice")
	mallory := models.Principal("mallory")
	fundWallet(t, st, alice, 1000)
	if err := eng.Deposit(ctx, alice, 1000); err != nil {
		t.Fatal(err)
	}

	order, err := eng.PlaceOrder(ctx, alice, 700, 300)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := eng.CancelOrder(ctx, mallory, order.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign caller, got %v", err)
	}
	if _, err := eng.CancelOrder(ctx, alice, 99); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for missing id, got %v", err)
	}

	// Round trip: place then cancel restores the lender's escrow.
	refund, err := eng.CancelOrder(ctx, alice, order.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if refund != 700 {
		t.Errorf("refund = %d, want 700", refund)
	}
	escrow, _ := eng.EscrowBalance(ctx, alice)
	if escrow != 1000 {
		t.Errorf("escrow = %d, want 1000", escrow)
	}
	if _, err := eng.CancelOrder(ctx, alice, order.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound after close, got %v", err)
	}

	last := em.events[len(em.events)-1]
	if last.Type != EventTypeOrderCanceled || last.Attributes["balance"] != "700" {
		t.Errorf("unexpected cancel event %+v", last)
	}
}

func TestCancelOrderWithZeroBalance(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)
	alice := models.Principal("alice")
	bob := models.Principal("bob")
	fundWallet(t, st, alice, 500)
	if err := eng.Deposit(ctx, alice, 500); err != nil {
		t.Fatal(err)
	}

	order, err := eng.PlaceOrder(ctx, alice, 500, 300)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Borrow(ctx, bob, order.ID, 500, bob); err != nil {
		t.Fatal(err)
	}

	// Fully drawn order can still be canceled; refund is zero and the
	// outstanding receipt stays payable.
	refund, err := eng.CancelOrder(ctx, alice, order.ID)
	if err != nil {
		t.Fatalf("cancel drawn order: %v", err)
	}
	if refund != 0 {
		t.Errorf("refund = %d, want 0", refund)
	}
	receipts, err := eng.ReceiptsByBorrower(ctx, bob)
	if err != nil || len(receipts) != 1 {
		t.Fatalf("expected one outstanding receipt, got %v (%v)", receipts, err)
	}
}

func TestBorrow(t *testing.T) {
	ctx := context.Background()
	eng, st, em := newTestEngine(t)
	alice := models.Principal("alice")
	bob := models.Principal("bob")
	carol := models.Principal("carol")
	fundWallet(t, st, alice, 1000)
	if err := eng.Deposit(ctx, alice, 1000); err != nil {
		t.Fatal(err)
	}
	order, err := eng.PlaceOrder(ctx, alice, 1000, 300)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := eng.Borrow(ctx, bob, 99, 100, carol); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := eng.Borrow(ctx, bob, order.ID, 1001, carol); !errors.Is(err, ErrInsufficientOrderBalance) {
		t.Fatalf("expected ErrInsufficientOrderBalance, got %v", err)
	}
	// Failed draw leaves everything untouched.
	if orders, _ := eng.OpenOrders(ctx); orders[0].Balance != 1000 {
		t.Fatalf("order balance changed on failed borrow: %d", orders[0].Balance)
	}
	if receipts, _ := eng.ReceiptsByBorrower(ctx, bob); len(receipts) != 0 {
		t.Fatalf("receipt created on failed borrow: %v", receipts)
	}

	receipt, err := eng.Borrow(ctx, bob, order.ID, 400, carol)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if receipt.ID != 1 || receipt.Borrower != bob || receipt.Lender != alice ||
		receipt.Amount != 400 || receipt.Rate != 300 || receipt.OriginTime != 1_700_000_000 {
		t.Errorf("unexpected receipt %+v", receipt)
	}
	if orders, _ := eng.OpenOrders(ctx); orders[0].Balance != 600 {
		t.Errorf("order balance = %d, want 600", orders[0].Balance)
	}
	// Funds land directly in the caller-specified recipient wallet.
	if wallet, _ := eng.WalletBalance(ctx, carol); wallet != 400 {
		t.Errorf("recipient wallet = %d, want 400", wallet)
	}

	// Borrow notifications are off by default.
	for _, evt := range em.events {
		if evt.Type == EventTypeLoanDrawn {
			t.Fatalf("unexpected loan-drawn event: %+v", evt)
		}
	}

	// An order backs multiple receipts via repeated partial draws.
	second, err := eng.Borrow(ctx, bob, order.ID, 100, bob)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != 2 {
		t.Errorf("second receipt id = %d, want 2", second.ID)
	}
}

func TestBorrowEventsOptIn(t *testing.T) {
	ctx := context.Background()
	eng, st, em := newTestEngine(t)
	eng.EnableBorrowEvents()
	alice := models.Principal("alice")
	bob := models.Principal("bob")
	fundWallet(t, st, alice, 500)
	if err := eng.Deposit(ctx, alice, 500); err != nil {
		t.Fatal(err)
	}
	order, err := eng.PlaceOrder(ctx, alice, 500, 300)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Borrow(ctx, bob, order.ID, 200, bob); err != nil {
		t.Fatal(err)
	}

	last := em.events[len(em.events)-1]
	if last.Type != EventTypeLoanDrawn {
		t.Fatalf("expected loan-drawn event, got %+v", last)
	}
	if last.Attributes["order_id"] != "1" || last.Attributes["amount"] != "200" {
		t.Errorf("unexpected attributes %v", last.Attributes)
	}
}

func TestRepay(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)
	alice := models.Principal("alice")
	bob := models.Principal("bob")
	mallory := models.Principal("mallory")
	fundWallet(t, st, alice, 1000)
	if err := eng.Deposit(ctx, alice, 1000); err != nil {
		t.Fatal(err)
	}
	order, err := eng.PlaceOrder(ctx, alice, 1000, 500)
	if err != nil {
		t.Fatal(err)
	}
	receipt, err := eng.Borrow(ctx, bob, order.ID, 1000, bob)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := eng.Repay(ctx, mallory, receipt.ID); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound for foreign caller, got %v", err)
	}
	if _, err := eng.Repay(ctx, bob, 99); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound for missing id, got %v", err)
	}

	// Borrower holds the 1000 principal but owes 1050.
	if _, err := eng.Repay(ctx, bob, receipt.ID); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if receipts, _ := eng.ReceiptsByBorrower(ctx, bob); len(receipts) != 1 {
		t.Fatalf("receipt released on failed repay")
	}

	fundWallet(t, st, bob, 1050)
	due, err := eng.Repay(ctx, bob, receipt.ID)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if due != 1050 {
		t.Errorf("due = %d, want 1050", due)
	}
	if escrow, _ := eng.EscrowBalance(ctx, alice); escrow != 1050 {
		t.Errorf("lender escrow = %d, want 1050", escrow)
	}
	if receipts, _ := eng.ReceiptsByBorrower(ctx, bob); len(receipts) != 0 {
		t.Errorf("receipt not released: %v", receipts)
	}
	if _, err := eng.Repay(ctx, bob, receipt.ID); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound after settlement, got %v", err)
	}
}

// TestLendingRoundTrip walks the documented end-to-end scenario: deposit,
// place, partial draw, settle, cancel.
func TestLendingRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)
	a := models.Principal("a")
	b := models.Principal("b")
	c := models.Principal("c")
	_ = c
	fundWallet(t, st, a, 1000)
	fundWallet(t, st, b, 12) // enough for the interest on top of the drawn 400

	if err := eng.Deposit(ctx, a, 1000); err != nil {
		t.Fatal(err)
	}
	order, err := eng.PlaceOrder(ctx, a, 1000, 300)
	if err != nil {
		t.Fatal(err)
	}
	if escrow, _ := eng.EscrowBalance(ctx, a); escrow != 0 {
		t.Fatalf("escrow = %d, want 0", escrow)
	}

	receipt, err := eng.Borrow(ctx, b, order.ID, 400, b)
	if err != nil {
		t.Fatal(err)
	}
	if orders, _ := eng.OpenOrders(ctx); orders[0].Balance != 600 {
		t.Fatalf("order balance = %d, want 600", orders[0].Balance)
	}

	due, err := eng.Repay(ctx, b, receipt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if due != 412 {
		t.Fatalf("due = %d, want 412", due)
	}
	if escrow, _ := eng.EscrowBalance(ctx, a); escrow != 412 {
		t.Fatalf("escrow = %d, want 412", escrow)
	}

	if _, err := eng.CancelOrder(ctx, a, order.ID); err != nil {
		t.Fatal(err)
	}
	if escrow, _ := eng.EscrowBalance(ctx, a); escrow != 1012 {
		t.Fatalf("escrow = %d, want 1012", escrow)
	}
	if orders, _ := eng.OpenOrders(ctx); len(orders) != 0 {
		t.Fatalf("order not removed: %v", orders)
	}
}

// TestConservation checks that no transition creates or destroys value:
// across wallets, escrow and order balances the total stays constant at
// every step (receipts are claims, not funds in flight).
func TestConservation(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)
	principals := []models.Principal{"a", "b", "c"}
	const initial = uint64(10_000)
	for _, p := range principals {
		fundWallet(t, st, p, initial)
	}

	total := func() uint64 {
		var sum uint64
		for _, p := range principals {
			w, _ := eng.WalletBalance(ctx, p)
			e, _ := eng.EscrowBalance(ctx, p)
			sum += w + e
		}
		orders, _ := eng.OpenOrders(ctx)
		for _, o := range orders {
			sum += o.Balance
		}
		return sum
	}

	check := func(step string) {
		if got := total(); got != initial*uint64(len(principals)) {
			t.Fatalf("conservation broken after %s: total = %d", step, got)
		}
	}

	if err := eng.Deposit(ctx, "a", 5000); err != nil {
		t.Fatal(err)
	}
	check("deposit")
	order, err := eng.PlaceOrder(ctx, "a", 4000, 1000)
	if err != nil {
		t.Fatal(err)
	}
	check("place_order")
	receipt, err := eng.Borrow(ctx, "b", order.ID, 1500, "c")
	if err != nil {
		t.Fatal(err)
	}
	check("borrow")
	if _, err := eng.Repay(ctx, "b", receipt.ID); err != nil {
		t.Fatal(err)
	}
	check("repay")
	if _, err := eng.CancelOrder(ctx, "a", order.ID); err != nil {
		t.Fatal(err)
	}
	check("cancel_order")
	if err := eng.Withdraw(ctx, "a", 1000); err != nil {
		t.Fatal(err)
	}
	check("withdraw")
}
