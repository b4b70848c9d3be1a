// Package ledger keeps per-user wallet balances as a materialized view over
// an append-only entry log.
//
// Every balance change appends exactly one entry in the same unit of work,
// and each entry records the balance it produced:
//
//	entry[n].ResultingBalance = entry[n-1].ResultingBalance + entry[n].Amount
//
// Debits are applied through a conditional update so that concurrent
// debits against one wallet serialize and none can drive it negative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/idgen"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/pagination"
	"github.com/mbd888/dealroom/internal/traces"
)

var (
	ErrInsufficientFunds = apperr.New(apperr.InsufficientFunds, "insufficient funds")
	ErrInvalidMutation   = apperr.New(apperr.Validation, "invalid ledger mutation")
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindDebit         Kind = "debit"
	KindCredit        Kind = "credit"
	KindEscrowRelease Kind = "escrow_release"
	KindPayout        Kind = "payout"
)

// Valid reports whether k is a known entry kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDebit, KindCredit, KindEscrowRelease, KindPayout:
		return true
	}
	return false
}

// Entry is one immutable line of a user's wallet history.
type Entry struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	Seq              int64           `json:"seq"`
	Kind             Kind            `json:"kind"`
	Amount           decimal.Decimal `json:"amount"`
	ResultingBalance decimal.Decimal `json:"resultingBalance"`
	Reference        string          `json:"reference,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Mutation is a requested balance change. Amount is signed: negative
// amounts debit the wallet.
type Mutation struct {
	UserID    string
	Amount    decimal.Decimal
	Kind      Kind
	Reference string
	Metadata  map[string]any
}

// Result is the outcome of a committed mutation.
type Result struct {
	NewBalance decimal.Decimal `json:"newBalance"`
	Entry      *Entry          `json:"entry"`
}

// InsufficientFundsError reports the amount a debit needed and the balance
// that was available when it was evaluated.
type InsufficientFundsError struct {
	UserID    string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s",
		money.Format(e.Required), money.Format(e.Available))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

func (e *InsufficientFundsError) Details() map[string]any {
	return map[string]any{
		"required":  money.Format(e.Required),
		"available": money.Format(e.Available),
	}
}

// Store persists balances and entries. Apply must run inside a unit of
// work opened by the dbtx.Runner paired with the store.
type Store interface {
	// Apply adds e.Amount to the user's balance if the result stays
	// non-negative, then appends e. It fills e.Seq and e.ResultingBalance.
	// A balance that would go negative yields *InsufficientFundsError and
	// no change.
	Apply(ctx context.Context, e *Entry) error
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// History returns entries with seq < before (all when before is 0),
	// newest first, at most limit.
	History(ctx context.Context, userID string, before int64, limit int) ([]*Entry, error)
	// Chain returns every entry for the user in seq order.
	Chain(ctx context.Context, userID string) ([]*Entry, error)
	SumBalances(ctx context.Context) (decimal.Decimal, error)
}

// Service applies wallet mutations.
type Service struct {
	store  Store
	runner dbtx.Runner
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a ledger service.
func NewService(store Store, runner dbtx.Runner, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		runner: runner,
		logger: logger,
		now:    time.Now,
	}
}

// Apply changes a user's balance and appends the matching entry as one
// atomic unit. When ctx already carries a unit of work the mutation joins it,
// so an insufficient-funds failure rolls back the caller's other writes too.
func (s *Service) Apply(ctx context.Context, m Mutation) (*Result, error) {
	if err := validateMutation(m); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "ledger.Apply",
		traces.UserID(m.UserID), traces.Amount(money.Format(m.Amount)), traces.Reference(m.Reference))
	start := time.Now()

	entry := &Entry{
		ID:        idgen.WithPrefix("le_"),
		UserID:    m.UserID,
		Kind:      m.Kind,
		Amount:    money.Round(m.Amount),
		Reference: m.Reference,
		Metadata:  m.Metadata,
		CreatedAt: s.now().UTC(),
	}
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		return s.store.Apply(ctx, entry)
	})

	observeMutation(m.Kind, err, time.Since(start))
	traces.End(span, err)

	if err != nil {
		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			return nil, err
		}
		return nil, fmt.Errorf("apply %s to %s: %w", m.Kind, m.UserID, err)
	}
	return &Result{NewBalance: entry.ResultingBalance, Entry: entry}, nil
}

// Credit is Apply with a positive amount.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal, kind Kind, reference string, metadata map[string]any) (*Result, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit amount must be positive", ErrInvalidMutation)
	}
	return s.Apply(ctx, Mutation{UserID: userID, Amount: amount, Kind: kind, Reference: reference, Metadata: metadata})
}

// Debit is Apply with the negation of a positive amount.
func (s *Service) Debit(ctx context.Context, userID string, amount decimal.Decimal, kind Kind, reference string, metadata map[string]any) (*Result, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: debit amount must be positive", ErrInvalidMutation)
	}
	return s.Apply(ctx, Mutation{UserID: userID, Amount: amount.Neg(), Kind: kind, Reference: reference, Metadata: metadata})
}

// Balance returns the user's current balance (zero for unknown users).
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.store.Balance(ctx, userID)
}

// History returns a page of entries, newest first.
func (s *Service) History(ctx context.Context, userID, cursor string, limit int) ([]*Entry, string, error) {
	before, err := pagination.DecodeSeq(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = pagination.Clamp(limit)
	entries, err := s.store.History(ctx, userID, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputeSeqPage(entries, limit, func(e *Entry) int64 { return e.Seq })
	return page, next, nil
}

// SumBalances returns the total held across all wallets.
func (s *Service) SumBalances(ctx context.Context) (decimal.Decimal, error) {
	return s.store.SumBalances(ctx)
}

func validateMutation(m Mutation) error {
	switch {
	case m.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidMutation)
	case !m.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	case m.Amount.IsZero():
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidMutation)
	case !m.Amount.Equal(money.Round(m.Amount)):
		return fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidMutation, money.Scale)
	}
	return nil
}
