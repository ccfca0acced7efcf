package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/xtrntr/lending/internal/auth"
	"github.com/xtrntr/lending/internal/config"
	"github.com/xtrntr/lending/internal/db"
	"github.com/xtrntr/lending/internal/ledger"
	"github.com/xtrntr/lending/internal/models"
	"github.com/xtrntr/lending/internal/store"
)

// Seed the database with test data
func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("LENDING_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	engine := ledger.NewEngine(database)
	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.AdminPrincipals)

	// Skip if the ledger is already live
	if orders, err := engine.OpenOrders(ctx); err != nil {
		log.Fatalf("Failed to check orders: %v", err)
	} else if len(orders) > 0 {
		fmt.Printf("Database already has %d open orders. No need to seed.\n", len(orders))
		os.Exit(0)
	}

	if err := engine.Initialize(ctx); err != nil && !errors.Is(err, ledger.ErrAlreadyInitialized) {
		log.Fatalf("Failed to initialize ledger: %v", err)
	}
	if err := engine.SetConfig(ctx, models.Config{MinRate: 100, MaxRate: 2000}); err != nil {
		log.Fatalf("Failed to set config: %v", err)
	}

	for _, name := range []models.Principal{"lender1", "borrower1"} {
		if _, err := authService.Register(ctx, name, "password123"); err != nil {
			log.Printf("User %s already exists, skipping", name)
		}
	}

	// Fund lender1 and move the money into escrow
	err = database.WithinTx(ctx, func(tx store.Tx) error {
		return tx.PutWalletBalance(ctx, "lender1", 10_000)
	})
	if err != nil {
		log.Fatalf("Failed to fund wallet: %v", err)
	}
	if err := engine.Deposit(ctx, "lender1", 10_000); err != nil {
		log.Fatalf("Failed to deposit: %v", err)
	}

	order, err := engine.PlaceOrder(ctx, "lender1", 5_000, 300)
	if err != nil {
		log.Fatalf("Failed to place order: %v", err)
	}

	fmt.Printf("Successfully seeded the database: order %d for 5000 at 300 bps\n", order.ID)
}
