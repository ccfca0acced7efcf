// Package memory provides an in-memory Store for tests and local
// development. A single mutex serializes transitions, which matches the
// one-at-a-time scheduling the ledger assumes of its host.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xtrntr/lending/internal/models"
	"github.com/xtrntr/lending/internal/store"
)

type Store struct {
	mu       sync.Mutex
	state    *models.GlobalState
	config   *models.Config
	escrow   map[models.Principal]uint64
	wallets  map[models.Principal]uint64
	orders   map[uint64]models.Order
	receipts map[uint64]models.LoanReceipt
}

func New() *Store {
	return &Store{
		escrow:   make(map[models.Principal]uint64),
		wallets:  make(map[models.Principal]uint64),
		orders:   make(map[uint64]models.Order),
		receipts: make(map[uint64]models.LoanReceipt),
	}
}

// WithinTx runs fn against a staged copy of the store and applies the
// staged writes only when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := newTx(s)
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *Store) OpenOrders(ctx context.Context) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

func (s *Store) OrdersByLender(ctx context.Context, p models.Principal) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []models.Order
	for _, o := range s.orders {
		if o.Lender == p {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

func (s *Store) ReceiptsByBorrower(ctx context.Context, p models.Principal) ([]models.LoanReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var receipts []models.LoanReceipt
	for _, r := range s.receipts {
		if r.Borrower == p {
			receipts = append(receipts, r)
		}
	}
	sort.Slice(receipts, func(i, j int) bool { return receipts[i].ID < receipts[j].ID })
	return receipts, nil
}

// tx stages writes in overlay maps; deletions are staged as tombstones.
type tx struct {
	s *Store

	state       *models.GlobalState
	stateDirty  bool
	config      *models.Config
	configDirty bool
	escrow      map[models.Principal]uint64
	wallets     map[models.Principal]uint64
	orders      map[uint64]*models.Order
	receipts    map[uint64]*models.LoanReceipt
}

func newTx(s *Store) *tx {
	return &tx{
		s:        s,
		escrow:   make(map[models.Principal]uint64),
		wallets:  make(map[models.Principal]uint64),
		orders:   make(map[uint64]*models.Order),
		receipts: make(map[uint64]*models.LoanReceipt),
	}
}

func (t *tx) commit() {
	if t.stateDirty {
		t.s.state = t.state
	}
	if t.configDirty {
		t.s.config = t.config
	}
	for p, b := range t.escrow {
		t.s.escrow[p] = b
	}
	for p, b := range t.wallets {
		t.s.wallets[p] = b
	}
	for id, o := range t.orders {
		if o == nil {
			delete(t.s.orders, id)
		} else {
			t.s.orders[id] = *o
		}
	}
	for id, r := range t.receipts {
		if r == nil {
			delete(t.s.receipts, id)
		} else {
			t.s.receipts[id] = *r
		}
	}
}

func (t *tx) GlobalState(ctx context.Context) (*models.GlobalState, error) {
	if t.stateDirty {
		if t.state == nil {
			return nil, store.ErrNotFound
		}
		gs := *t.state
		return &gs, nil
	}
	if t.s.state == nil {
		return nil, store.ErrNotFound
	}
	gs := *t.s.state
	return &gs, nil
}

func (t *tx) CreateGlobalState(ctx context.Context, gs *models.GlobalState) error {
	if _, err := t.GlobalState(ctx); err == nil {
		return store.ErrExists
	}
	cp := *gs
	t.state = &cp
	t.stateDirty = true
	return nil
}

func (t *tx) PutGlobalState(ctx context.Context, gs *models.GlobalState) error {
	cp := *gs
	t.state = &cp
	t.stateDirty = true
	return nil
}

func (t *tx) Config(ctx context.Context) (*models.Config, error) {
	if t.configDirty {
		cfg := *t.config
		return &cfg, nil
	}
	if t.s.config == nil {
		return nil, store.ErrNotFound
	}
	cfg := *t.s.config
	return &cfg, nil
}

func (t *tx) PutConfig(ctx context.Context, cfg *models.Config) error {
	cp := *cfg
	t.config = &cp
	t.configDirty = true
	return nil
}

func (t *tx) EscrowBalance(ctx context.Context, p models.Principal) (uint64, error) {
	if b, ok := t.escrow[p]; ok {
		return b, nil
	}
	return t.s.escrow[p], nil
}

func (t *tx) PutEscrowBalance(ctx context.Context, p models.Principal, balance uint64) error {
	t.escrow[p] = balance
	return nil
}

func (t *tx) WalletBalance(ctx context.Context, p models.Principal) (uint64, error) {
	if b, ok := t.wallets[p]; ok {
		return b, nil
	}
	return t.s.wallets[p], nil
}

func (t *tx) PutWalletBalance(ctx context.Context, p models.Principal, balance uint64) error {
	t.wallets[p] = balance
	return nil
}

func (t *tx) Order(ctx context.Context, id uint64) (*models.Order, error) {
	if o, ok := t.orders[id]; ok {
		if o == nil {
			return nil, store.ErrNotFound
		}
		cp := *o
		return &cp, nil
	}
	if o, ok := t.s.orders[id]; ok {
		cp := o
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (t *tx) CreateOrder(ctx context.Context, o *models.Order) error {
	if _, err := t.Order(ctx, o.ID); err == nil {
		return store.ErrExists
	}
	cp := *o
	t.orders[o.ID] = &cp
	return nil
}

func (t *tx) PutOrder(ctx context.Context, o *models.Order) error {
	cp := *o
	t.orders[o.ID] = &cp
	return nil
}

func (t *tx) DeleteOrder(ctx context.Context, id uint64) error {
	if _, err := t.Order(ctx, id); err != nil {
		return err
	}
	t.orders[id] = nil
	return nil
}

func (t *tx) Receipt(ctx context.Context, id uint64) (*models.LoanReceipt, error) {
	if r, ok := t.receipts[id]; ok {
		if r == nil {
			return nil, store.ErrNotFound
		}
		cp := *r
		return &cp, nil
	}
	if r, ok := t.s.receipts[id]; ok {
		cp := r
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (t *tx) CreateReceipt(ctx context.Context, r *models.LoanReceipt) error {
	if _, err := t.Receipt(ctx, r.ID); err == nil {
		return store.ErrExists
	}
	cp := *r
	t.receipts[r.ID] = &cp
	return nil
}

func (t *tx) DeleteReceipt(ctx context.Context, id uint64) error {
	if _, err := t.Receipt(ctx, id); err != nil {
		return err
	}
	t.receipts[id] = nil
	return nil
}
