package verification

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/dealroom/internal/dbtx"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	requests map[string]*Request
	mu       sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.requests[r.ID] = &cp
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.requests, r.ID)
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Request{}
	for _, r := range m.requests {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) update(ctx context.Context, id string, pred func(*Request) bool, fn func(*Request)) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok || !pred(r) {
		return nil, errNotApplied
	}
	prev := *r
	fn(r)
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		*m.requests[id] = prev
	})
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) MarkPaid(ctx context.Context, id string, now time.Time) (*Request, error) {
	return m.update(ctx, id,
		func(r *Request) bool { return r.PaymentStatus == PaymentPending },
		func(r *Request) {
			r.PaymentStatus = PaymentPaid
			r.PaidAt = &now
		})
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, from []Status, to Status) (*Request, error) {
	return m.update(ctx, id,
		func(r *Request) bool { return r.PaymentStatus == PaymentPaid && slices.Contains(from, r.Status) },
		func(r *Request) { r.Status = to })
}
