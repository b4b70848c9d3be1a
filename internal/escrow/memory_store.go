package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/pagination"
)

// MemoryStore is an in-memory deal store for development and tests.
type MemoryStore struct {
	deals    map[string]*Deal
	releases map[string][]*Release
	mu       sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:    make(map[string]*Deal),
		releases: make(map[string][]*Release),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.deals[d.ID] = &cp
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.deals, d.ID)
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	cp := *d
	return &cp, nil
}

// mutate applies fn to the stored deal when pred holds, journaling the
// previous version for rollback.
func (m *MemoryStore) mutate(ctx context.Context, id string, pred func(*Deal) bool, fn func(*Deal)) (*Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[id]
	if !ok || !pred(d) {
		return nil, errNotApplied
	}
	prev := *d
	fn(d)
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		*m.deals[id] = prev
	})
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) AddReleased(ctx context.Context, id string, percent int, now time.Time) (*Deal, error) {
	return m.mutate(ctx, id,
		func(d *Deal) bool { return d.Status == StatusActive && d.ReleasedPercent+percent <= 100 },
		func(d *Deal) {
			d.ReleasedPercent += percent
			d.UpdatedAt = now
			if d.ReleasedPercent == 100 {
				d.Status = StatusCompleted
				d.CompletedAt = &now
			}
		})
}

func (m *MemoryStore) MarkPaid(ctx context.Context, id string, now time.Time) (*Deal, error) {
	return m.mutate(ctx, id,
		func(d *Deal) bool { return d.Status == StatusPendingPayment && d.PaymentStatus == PaymentPending },
		func(d *Deal) {
			d.Status = StatusActive
			d.PaymentStatus = PaymentPaid
			d.UpdatedAt = now
		})
}

func (m *MemoryStore) Cancel(ctx context.Context, id string, now time.Time) (*Deal, error) {
	return m.mutate(ctx, id,
		func(d *Deal) bool { return d.Status == StatusActive },
		func(d *Deal) {
			d.Status = StatusCancelled
			d.CancelledAt = &now
			d.UpdatedAt = now
		})
}

func (m *MemoryStore) SetRefunded(ctx context.Context, id string, amount decimal.Decimal) error {
	_, err := m.mutate(ctx, id,
		func(*Deal) bool { return true },
		func(d *Deal) { d.RefundedAmount = amount })
	if err == errNotApplied {
		return ErrDealNotFound
	}
	return err
}

func (m *MemoryStore) DeleteUnpaid(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[id]
	if !ok || d.PaymentStatus != PaymentPending {
		return errNotApplied
	}
	delete(m.deals, id)
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.deals[id] = d
	})
	return nil
}

func (m *MemoryStore) InsertRelease(ctx context.Context, r *Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	n := len(m.releases[r.DealID])
	m.releases[r.DealID] = append(m.releases[r.DealID], &cp)
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.releases[r.DealID] = m.releases[r.DealID][:n]
	})
	return nil
}

func (m *MemoryStore) ListReleases(_ context.Context, dealID string) ([]*Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Release, 0, len(m.releases[dealID]))
	for _, r := range m.releases[dealID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SumReleased(_ context.Context, dealID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, r := range m.releases[dealID] {
		sum = sum.Add(r.Amount)
	}
	return sum, nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Deal, error) {
	return m.list(func(d *Deal) bool { return d.IsParty(userID) }, cursor, limit), nil
}

func (m *MemoryStore) ListForConversation(_ context.Context, conversationID string, cursor *pagination.Cursor, limit int) ([]*Deal, error) {
	return m.list(func(d *Deal) bool { return d.ConversationID == conversationID }, cursor, limit), nil
}

// list returns matching deals ordered by (created_at, id) descending,
// starting after cursor.
func (m *MemoryStore) list(match func(*Deal) bool, cursor *pagination.Cursor, limit int) []*Deal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Deal
	for _, d := range m.deals {
		if !match(d) {
			continue
		}
		if cursor != nil && !before(d, cursor) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func before(d *Deal, c *pagination.Cursor) bool {
	if d.CreatedAt.Equal(c.CreatedAt) {
		return d.ID < c.ID
	}
	return d.CreatedAt.Before(c.CreatedAt)
}
