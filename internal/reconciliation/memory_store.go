package reconciliation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/dbtx"
)

type paymentKey struct{ orderID, paymentID string }

// MemoryStore is an in-memory reconciliation store for development and
// tests.
type MemoryStore struct {
	orders    map[string]*OrderRecord
	processed map[paymentKey]*ProcessedPayment
	mu        sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory reconciliation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*OrderRecord),
		processed: make(map[paymentKey]*ProcessedPayment),
	}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.orders[o.OrderID] = &cp
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.orders, o.OrderID)
	})
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, orderID string) (*OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) MarkOrderPaid(ctx context.Context, orderID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status == OrderPaid {
		return nil
	}
	prev := *o
	o.Status = OrderPaid
	o.PaidAt = &now
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		*m.orders[orderID] = prev
	})
	return nil
}

func (m *MemoryStore) ListStaleOrders(_ context.Context, before time.Time, limit int) ([]*OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*OrderRecord
	for _, o := range m.orders {
		if o.Status == OrderCreated && o.CreatedAt.Before(before) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertProcessed(ctx context.Context, p *ProcessedPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := paymentKey{p.OrderID, p.PaymentID}
	if _, ok := m.processed[key]; ok {
		return ErrAlreadyProcessed
	}
	cp := *p
	m.processed[key] = &cp
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.processed, key)
	})
	return nil
}

func (m *MemoryStore) SumProcessed(_ context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, p := range m.processed {
		sum = sum.Add(p.Amount)
	}
	return sum, nil
}
