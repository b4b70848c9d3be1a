package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/dbtx"
)

type account struct {
	balance decimal.Decimal
	entries []*Entry
}

// MemoryStore is an in-memory Store for development and tests. Writes
// register undo steps with the enclosing dbtx.MemoryRunner unit.
type MemoryStore struct {
	accounts map[string]*account
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*account)}
}

func (m *MemoryStore) Apply(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[e.UserID]
	if !ok {
		acct = &account{}
	}

	next := acct.balance.Add(e.Amount)
	if next.IsNegative() {
		return &InsufficientFundsError{UserID: e.UserID, Required: e.Amount.Neg(), Available: acct.balance}
	}

	prevBalance, prevLen := acct.balance, len(acct.entries)
	e.Seq = int64(prevLen + 1)
	e.ResultingBalance = next
	acct.balance = next
	stored := *e
	acct.entries = append(acct.entries, &stored)
	m.accounts[e.UserID] = acct

	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		acct.balance = prevBalance
		acct.entries = acct.entries[:prevLen]
		if !ok {
			delete(m.accounts, e.UserID)
		}
	})
	return nil
}

func (m *MemoryStore) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acct, ok := m.accounts[userID]; ok {
		return acct.balance, nil
	}
	return decimal.Zero, nil
}

func (m *MemoryStore) History(_ context.Context, userID string, before int64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return []*Entry{}, nil
	}
	result := make([]*Entry, 0, limit)
	for i := len(acct.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := acct.entries[i]
		if before > 0 && e.Seq >= before {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Chain(_ context.Context, userID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return []*Entry{}, nil
	}
	result := make([]*Entry, len(acct.entries))
	for i, e := range acct.entries {
		cp := *e
		result[i] = &cp
	}
	return result, nil
}

func (m *MemoryStore) SumBalances(context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, acct := range m.accounts {
		total = total.Add(acct.balance)
	}
	return total, nil
}

var _ Store = (*MemoryStore)(nil)
