package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/xtrntr/lending/internal/models"
	"github.com/xtrntr/lending/internal/store"
)

func TestWithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()

	failed := errors.New("boom")
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.PutEscrowBalance(ctx, "alice", 500); err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, &models.Order{ID: 1, Lender: "alice", Balance: 500, Rate: 300}); err != nil {
			return err
		}
		return failed
	})
	if !errors.Is(err, failed) {
		t.Fatalf("expected callback error, got %v", err)
	}

	// Nothing staged may have leaked.
	s.WithinTx(ctx, func(tx store.Tx) error {
		if b, _ := tx.EscrowBalance(ctx, "alice"); b != 0 {
			t.Errorf("escrow leaked: %d", b)
		}
		if _, err := tx.Order(ctx, 1); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("order leaked: %v", err)
		}
		return nil
	})
}

func TestCreateSemantics(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateGlobalState(ctx, &models.GlobalState{NextOrderID: 1, NextReceiptID: 1}); err != nil {
			return err
		}
		if err := tx.CreateGlobalState(ctx, &models.GlobalState{}); !errors.Is(err, store.ErrExists) {
			t.Errorf("expected ErrExists within tx, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CreateGlobalState(ctx, &models.GlobalState{})
	})
	if !errors.Is(err, store.ErrExists) {
		t.Fatalf("expected ErrExists across tx, got %v", err)
	}
}

func TestDeleteVisibleWithinTx(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CreateOrder(ctx, &models.Order{ID: 7, Lender: "alice", Balance: 10, Rate: 200})
	})

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.DeleteOrder(ctx, 7); err != nil {
			return err
		}
		if _, err := tx.Order(ctx, 7); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("deleted order still visible in tx: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	orders, _ := s.OpenOrders(ctx)
	if len(orders) != 0 {
		t.Fatalf("delete not committed: %v", orders)
	}

	if err := s.WithinTx(ctx, func(tx store.Tx) error { return tx.DeleteOrder(ctx, 7) }); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestQueriesFilterAndSort(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.WithinTx(ctx, func(tx store.Tx) error {
		for i := uint64(1); i <= 4; i++ {
			lender := models.Principal("alice")
			if i%2 == 0 {
				lender = "bob"
			}
			if err := tx.CreateOrder(ctx, &models.Order{ID: 5 - i, Lender: lender, Balance: 100, Rate: 300}); err != nil {
				return err
			}
		}
		for i := uint64(1); i <= 3; i++ {
			borrower := models.Principal(fmt.Sprintf("user%d", i%2))
			if err := tx.CreateReceipt(ctx, &models.LoanReceipt{ID: i, Borrower: borrower, Lender: "alice", Amount: 10, Rate: 300}); err != nil {
				return err
			}
		}
		return nil
	})

	orders, err := s.OpenOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 4 {
		t.Fatalf("expected 4 orders, got %d", len(orders))
	}
	for i := 1; i < len(orders); i++ {
		if orders[i-1].ID >= orders[i].ID {
			t.Fatalf("orders not sorted by id: %v", orders)
		}
	}

	byLender, err := s.OrdersByLender(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(byLender) != 2 {
		t.Fatalf("expected 2 orders for bob, got %d", len(byLender))
	}

	receipts, err := s.ReceiptsByBorrower(ctx, "user1")
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 2 || receipts[0].ID != 1 || receipts[1].ID != 3 {
		t.Fatalf("unexpected receipts %v", receipts)
	}
}
