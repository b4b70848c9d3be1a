package payout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/pagination"
)

// MemoryStore is an in-memory payout store for development and tests.
type MemoryStore struct {
	payouts map[string]*Payout
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payouts: make(map[string]*Payout)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payouts[p.ID] = &cp
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.payouts, p.ID)
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByGatewayID(_ context.Context, gatewayPayoutID string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payouts {
		if p.GatewayPayoutID == gatewayPayoutID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPayoutNotFound
}

func (m *MemoryStore) mutate(ctx context.Context, id string, pred func(*Payout) bool, fn func(*Payout)) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[id]
	if !ok || !pred(p) {
		return nil, errNotApplied
	}
	prev := *p
	fn(p)
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		*m.payouts[id] = prev
	})
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status, note, gatewayPayoutID string, now time.Time) (*Payout, error) {
	return m.mutate(ctx, id,
		func(p *Payout) bool { return p.Status == from },
		func(p *Payout) {
			p.Status = to
			p.UpdatedAt = now
			if to.IsTerminal() {
				p.ProcessedAt = &now
			}
			if note != "" {
				p.AdminNote = note
			}
			if gatewayPayoutID != "" {
				p.GatewayPayoutID = gatewayPayoutID
			}
		})
}

func (m *MemoryStore) MarkRefunded(ctx context.Context, id string, now time.Time) error {
	_, err := m.mutate(ctx, id,
		func(p *Payout) bool { return p.RefundedAt == nil },
		func(p *Payout) { p.RefundedAt = &now })
	return err
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Payout, error) {
	return m.list(func(p *Payout) bool { return p.UserID == userID }, cursor, limit), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, cursor *pagination.Cursor, limit int) ([]*Payout, error) {
	return m.list(func(p *Payout) bool { return p.Status == status }, cursor, limit), nil
}

func (m *MemoryStore) list(match func(*Payout) bool, cursor *pagination.Cursor, limit int) []*Payout {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payout
	for _, p := range m.payouts {
		if !match(p) {
			continue
		}
		if cursor != nil && !olderThan(p, cursor) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func olderThan(p *Payout, c *pagination.Cursor) bool {
	if p.RequestedAt.Equal(c.CreatedAt) {
		return p.ID < c.ID
	}
	return p.RequestedAt.Before(c.CreatedAt)
}
