// Package db implements the ledger store on PostgreSQL. Every transition
// runs in one transaction; touched rows are locked with SELECT ... FOR
// UPDATE so concurrent transitions on the same records serialize.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/lending/internal/models"
	"github.com/xtrntr/lending/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, name models.Principal, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (name, password_hash) VALUES ($1, $2) RETURNING id, name, password_hash",
		string(name), passwordHash).Scan(&user.ID, &user.Name, &user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// UserByName retrieves a user by principal name
func (db *DB) UserByName(ctx context.Context, name models.Principal) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, name, password_hash FROM users WHERE name = $1",
		string(name)).Scan(&user.ID, &user.Name, &user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// WithinTx runs fn inside a database transaction, committing only when fn
// succeeds.
func (db *DB) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// OpenOrders retrieves all standing orders, oldest id first
func (db *DB) OpenOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, lender, balance, rate FROM orders ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// OrdersByLender retrieves all orders owned by a lender
func (db *DB) OrdersByLender(ctx context.Context, p models.Principal) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, lender, balance, rate FROM orders WHERE lender = $1 ORDER BY id ASC",
		string(p))
	if err != nil {
		return nil, fmt.Errorf("failed to get lender orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ReceiptsByBorrower retrieves all outstanding receipts for a borrower
func (db *DB) ReceiptsByBorrower(ctx context.Context, p models.Principal) ([]models.LoanReceipt, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, borrower, lender, amount, origin_time, rate FROM receipts WHERE borrower = $1 ORDER BY id ASC",
		string(p))
	if err != nil {
		return nil, fmt.Errorf("failed to get borrower receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.LoanReceipt
	for rows.Next() {
		var r models.LoanReceipt
		if err := rows.Scan(&r.ID, &r.Borrower, &r.Lender, &r.Amount, &r.OriginTime, &r.Rate); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func scanOrders(rows pgx.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.Lender, &o.Balance, &o.Rate); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// pgTx adapts one pgx transaction to the ledger's Tx interface.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GlobalState(ctx context.Context) (*models.GlobalState, error) {
	gs := &models.GlobalState{}
	err := t.tx.QueryRow(ctx,
		"SELECT next_order_id, next_receipt_id FROM global_state WHERE id = 1 FOR UPDATE").
		Scan(&gs.NextOrderID, &gs.NextReceiptID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get global state: %w", err)
	}
	return gs, nil
}

func (t *pgTx) CreateGlobalState(ctx context.Context, gs *models.GlobalState) error {
	tag, err := t.tx.Exec(ctx,
		"INSERT INTO global_state (id, next_order_id, next_receipt_id) VALUES (1, $1, $2) ON CONFLICT (id) DO NOTHING",
		gs.NextOrderID, gs.NextReceiptID)
	if err != nil {
		return fmt.Errorf("failed to create global state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrExists
	}
	return nil
}

func (t *pgTx) PutGlobalState(ctx context.Context, gs *models.GlobalState) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE global_state SET next_order_id = $1, next_receipt_id = $2 WHERE id = 1",
		gs.NextOrderID, gs.NextReceiptID)
	if err != nil {
		return fmt.Errorf("failed to update global state: %w", err)
	}
	return nil
}

func (t *pgTx) Config(ctx context.Context) (*models.Config, error) {
	cfg := &models.Config{}
	err := t.tx.QueryRow(ctx,
		"SELECT min_rate, max_rate, penalty_rate, penalty_days, commission_rate, cycle, deadline FROM config WHERE id = 1 FOR UPDATE").
		Scan(&cfg.MinRate, &cfg.MaxRate, &cfg.PenaltyRate, &cfg.PenaltyDays, &cfg.CommissionRate, &cfg.Cycle, &cfg.Deadline)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	return cfg, nil
}

func (t *pgTx) PutConfig(ctx context.Context, cfg *models.Config) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO config (id, min_rate, max_rate, penalty_rate, penalty_days, commission_rate, cycle, deadline)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			min_rate = EXCLUDED.min_rate,
			max_rate = EXCLUDED.max_rate,
			penalty_rate = EXCLUDED.penalty_rate,
			penalty_days = EXCLUDED.penalty_days,
			commission_rate = EXCLUDED.commission_rate,
			cycle = EXCLUDED.cycle,
			deadline = EXCLUDED.deadline`,
		cfg.MinRate, cfg.MaxRate, cfg.PenaltyRate, cfg.PenaltyDays, cfg.CommissionRate, cfg.Cycle, cfg.Deadline)
	if err != nil {
		return fmt.Errorf("failed to upsert config: %w", err)
	}
	return nil
}

func (t *pgTx) EscrowBalance(ctx context.Context, p models.Principal) (uint64, error) {
	return t.balance(ctx, "escrow_balances", p)
}

func (t *pgTx) PutEscrowBalance(ctx context.Context, p models.Principal, balance uint64) error {
	return t.putBalance(ctx, "escrow_balances", p, balance)
}

func (t *pgTx) WalletBalance(ctx context.Context, p models.Principal) (uint64, error) {
	return t.balance(ctx, "wallets", p)
}

func (t *pgTx) PutWalletBalance(ctx context.Context, p models.Principal, balance uint64) error {
	return t.putBalance(ctx, "wallets", p, balance)
}

func (t *pgTx) balance(ctx context.Context, table string, p models.Principal) (uint64, error) {
	var balance uint64
	err := t.tx.QueryRow(ctx,
		"SELECT balance FROM "+table+" WHERE principal = $1 FOR UPDATE",
		string(p)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s balance: %w", table, err)
	}
	return balance, nil
}

func (t *pgTx) putBalance(ctx context.Context, table string, p models.Principal, balance uint64) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO "+table+" (principal, balance) VALUES ($1, $2) ON CONFLICT (principal) DO UPDATE SET balance = EXCLUDED.balance",
		string(p), balance)
	if err != nil {
		return fmt.Errorf("failed to put %s balance: %w", table, err)
	}
	return nil
}

func (t *pgTx) Order(ctx context.Context, id uint64) (*models.Order, error) {
	o := &models.Order{}
	err := t.tx.QueryRow(ctx,
		"SELECT id, lender, balance, rate FROM orders WHERE id = $1 FOR UPDATE",
		id).Scan(&o.ID, &o.Lender, &o.Balance, &o.Rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (t *pgTx) CreateOrder(ctx context.Context, o *models.Order) error {
	tag, err := t.tx.Exec(ctx,
		"INSERT INTO orders (id, lender, balance, rate) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING",
		o.ID, string(o.Lender), o.Balance, o.Rate)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrExists
	}
	return nil
}

func (t *pgTx) PutOrder(ctx context.Context, o *models.Order) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE orders SET lender = $2, balance = $3, rate = $4 WHERE id = $1",
		o.ID, string(o.Lender), o.Balance, o.Rate)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteOrder(ctx context.Context, id uint64) error {
	tag, err := t.tx.Exec(ctx, "DELETE FROM orders WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) Receipt(ctx context.Context, id uint64) (*models.LoanReceipt, error) {
	r := &models.LoanReceipt{}
	err := t.tx.QueryRow(ctx,
		"SELECT id, borrower, lender, amount, origin_time, rate FROM receipts WHERE id = $1 FOR UPDATE",
		id).Scan(&r.ID, &r.Borrower, &r.Lender, &r.Amount, &r.OriginTime, &r.Rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return r, nil
}

func (t *pgTx) CreateReceipt(ctx context.Context, r *models.LoanReceipt) error {
	tag, err := t.tx.Exec(ctx,
		"INSERT INTO receipts (id, borrower, lender, amount, origin_time, rate) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING",
		r.ID, string(r.Borrower), string(r.Lender), r.Amount, r.OriginTime, r.Rate)
	if err != nil {
		return fmt.Errorf("failed to create receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrExists
	}
	return nil
}

func (t *pgTx) DeleteReceipt(ctx context.Context, id uint64) error {
	tag, err := t.tx.Exec(ctx, "DELETE FROM receipts WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
