// Package storage holds the order, catalog and ledger stores: an in-memory
// implementation for tests and local runs, and a Postgres one.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/wallet"
)

// MemoryStore keeps orders, services and coupons in maps guarded by one
// mutex, so every compare-and-set is trivially atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*models.Order
	services map[string]models.Service
	coupons  map[string]*models.Coupon // by code
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*models.Order),
		services: make(map[string]models.Service),
		coupons:  make(map[string]*models.Coupon),
	}
}

func (m *MemoryStore) PutService(s models.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.ID] = s
}

func (m *MemoryStore) PutCoupon(c models.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coupons[c.Code] = &c
}

func (m *MemoryStore) Service(ctx context.Context, id string) (models.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return models.Service{}, fmt.Errorf("service %s: %w", id, apperr.ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) CouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coupons[code]
	if !ok {
		return nil, fmt.Errorf("coupon %s: %w", code, apperr.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("order %s exists: %w", o.ID, apperr.ErrConflict)
	}
	if err := m.guardCouponLocked(o); err != nil {
		return err
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return o.Clone(), nil
}

// UpdateOrder applies mutate only while the order is still in status from.
func (m *MemoryStore) UpdateOrder(ctx context.Context, id string, from models.OrderStatus, mutate func(*models.Order) error) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	if cur.Status != from {
		return nil, fmt.Errorf("order %s is %s, not %s: %w", id, cur.Status, from, apperr.ErrConflict)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if cur.CouponID == nil && next.CouponID != nil {
		if err := m.guardCouponLocked(next); err != nil {
			return nil, err
		}
	}
	m.orders[id] = next
	return next.Clone(), nil
}

// guardCouponLocked re-counts coupon usage under the write lock so two
// concurrent orders cannot both take the last use.
func (m *MemoryStore) guardCouponLocked(o *models.Order) error {
	if o.CouponID == nil {
		return nil
	}
	var c *models.Coupon
	for _, cand := range m.coupons {
		if cand.ID == *o.CouponID {
			c = cand
			break
		}
	}
	if c == nil || !c.Capped() {
		return nil
	}
	total, mine := m.usageLocked(c.ID, o.CustomerID, o.ID)
	return fare.CheckUsage(c, total, mine)
}

func (m *MemoryStore) usageLocked(couponID, customerID, excludeOrderID string) (int, int) {
	var total, mine int
	for _, o := range m.orders {
		if o.ID == excludeOrderID || o.CouponID == nil || *o.CouponID != couponID || o.Status.Canceled() {
			continue
		}
		total++
		if o.CustomerID == customerID {
			mine++
		}
	}
	return total, mine
}

// AcceptDriver claims a Booked order for driverID and moves it straight to
// DriverAccepted in one write. Found and accepted times are the same.
func (m *MemoryStore) AcceptDriver(ctx context.Context, id, driverID string, at time.Time) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	if cur.Status != models.StatusBooked || cur.DriverID != nil {
		return nil, fmt.Errorf("order %s not assignable: %w", id, apperr.ErrConflict)
	}
	next := cur.Clone()
	next.DriverID = &driverID
	next.Status = models.StatusDriverAccepted
	next.FoundAt = &at
	next.AcceptedAt = &at
	m.orders[id] = next
	return next.Clone(), nil
}

// PendingDispatch lists orders still waiting for a driver, oldest first.
func (m *MemoryStore) PendingDispatch(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var pending []*models.Order
	for _, o := range m.orders {
		if o.Status == models.StatusRequested || o.Status == models.StatusBooked {
			pending = append(pending, o)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	ids := make([]string, 0, len(pending))
	for _, o := range pending {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (m *MemoryStore) CouponUsage(ctx context.Context, couponID, customerID string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total, mine := m.usageLocked(couponID, customerID, "")
	return total, mine, nil
}

func (m *MemoryStore) HasActiveOrder(ctx context.Context, customerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.CustomerID == customerID && !o.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// MemoryLedger is a wallet.Store whose rows and balances change under the
// same lock.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	txs      map[string][]models.Transaction
	keys     map[string]models.Transaction
	now      func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]decimal.Decimal),
		txs:      make(map[string][]models.Transaction),
		keys:     make(map[string]models.Transaction),
		now:      time.Now,
	}
}

func (l *MemoryLedger) Append(ctx context.Context, b wallet.Batch) ([]models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var existing []models.Transaction
	for _, e := range b.Entries {
		if tx, ok := l.keys[e.IdempotencyKey]; ok && e.IdempotencyKey != "" {
			existing = append(existing, tx)
		}
	}
	if len(existing) > 0 {
		return existing, wallet.ErrDuplicate
	}

	next := make(map[string]decimal.Decimal)
	for _, e := range b.Entries {
		bal, ok := next[e.AccountID]
		if !ok {
			bal = l.balances[e.AccountID]
		}
		if e.Type == models.Debit {
			bal = bal.Sub(e.Amount)
		} else {
			bal = bal.Add(e.Amount)
		}
		next[e.AccountID] = bal
	}
	if b.RequireFunds {
		for acct, bal := range next {
			if bal.IsNegative() {
				return nil, fmt.Errorf("account %s: %w", acct, wallet.ErrInsufficientBalance)
			}
		}
	}

	now := l.now().UTC()
	out := make([]models.Transaction, 0, len(b.Entries))
	for _, e := range b.Entries {
		tx := models.Transaction{
			ID:             uuid.NewString(),
			AccountID:      e.AccountID,
			Type:           e.Type,
			Action:         e.Action,
			Amount:         e.Amount,
			Description:    e.Description,
			OrderID:        e.OrderID,
			IdempotencyKey: e.IdempotencyKey,
			CreatedAt:      now,
		}
		l.txs[e.AccountID] = append(l.txs[e.AccountID], tx)
		if e.IdempotencyKey != "" {
			l.keys[e.IdempotencyKey] = tx
		}
		out = append(out, tx)
	}
	for acct, bal := range next {
		l.balances[acct] = bal
	}
	return out, nil
}

func (l *MemoryLedger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountID], nil
}

func (l *MemoryLedger) Transactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	l.mu.Lock()
	rows := append([]models.Transaction(nil), l.txs[accountID]...)
	l.mu.Unlock()

	// rows are kept in posting order; callers want newest first
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
