// Package verification tracks paid identity-verification requests. The fee
// is collected through a gateway order; reconciliation marks it paid.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/gateway"
	"github.com/mbd888/dealroom/internal/idgen"
)

var (
	ErrNotFound               = apperr.New(apperr.NotFound, "verification request not found")
	ErrUnauthorized           = apperr.New(apperr.Unauthorized, "not authorized for this verification request")
	ErrInvalidStateTransition = apperr.New(apperr.InvalidStateTransition, "verification request cannot move to that status")
	ErrAlreadyPaid            = apperr.New(apperr.Conflict, "verification fee is already paid")

	errNotApplied = errors.New("conditional update matched no row")
)

// PaymentStatus tracks the verification fee.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// Status is the review state.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
)

// Request is a verification request.
type Request struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	FeeAmount     decimal.Decimal `json:"feeAmount"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
}

// Store persists verification requests.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]*Request, error)
	// MarkPaid moves a pending request to paid.
	MarkPaid(ctx context.Context, id string, now time.Time) (*Request, error)
	// SetStatus moves a paid request from one of from to to.
	SetStatus(ctx context.Context, id string, from []Status, to Status) (*Request, error)
}

// OrderInitiator opens the gateway order for the fee.
type OrderInitiator interface {
	Initiate(ctx context.Context, subject gateway.Subject, amount decimal.Decimal) (*gateway.Order, error)
}

// Checkout is a new request with the order the user must pay.
type Checkout struct {
	Request *Request       `json:"request"`
	Order   *gateway.Order `json:"order"`
	KeyID   string         `json:"keyId,omitempty"`
}

// Service implements verification requests.
type Service struct {
	store  Store
	runner dbtx.Runner
	orders OrderInitiator
	keyID  string
	fee    decimal.Decimal
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a verification service charging fee per request.
func NewService(store Store, runner dbtx.Runner, fee decimal.Decimal, logger *slog.Logger) *Service {
	return &Service{store: store, runner: runner, fee: fee, logger: logger, now: time.Now}
}

// WithOrderInitiator enables fee collection through the gateway.
func (s *Service) WithOrderInitiator(o OrderInitiator, keyID string) *Service {
	s.orders = o
	s.keyID = keyID
	return s
}

// Create records a request and opens its fee order.
func (s *Service) Create(ctx context.Context, userID string) (*Checkout, error) {
	if s.orders == nil {
		return nil, fmt.Errorf("%w: fee collection is not configured", ErrInvalidStateTransition)
	}
	r := &Request{
		ID:            idgen.WithPrefix("ver_"),
		UserID:        userID,
		FeeAmount:     s.fee,
		PaymentStatus: PaymentPending,
		Status:        StatusSubmitted,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.runner.InTx(ctx, func(ctx context.Context) error {
		return s.store.Create(ctx, r)
	}); err != nil {
		return nil, fmt.Errorf("create verification request: %w", err)
	}

	order, err := s.orders.Initiate(ctx, gateway.Subject{Type: gateway.SubjectVerificationFee, ID: r.ID, UserID: userID}, r.FeeAmount)
	if err != nil {
		return nil, fmt.Errorf("initiate fee order for %s: %w", r.ID, err)
	}
	return &Checkout{Request: r, Order: order, KeyID: s.keyID}, nil
}

// Get returns a request to its owner, or to an admin when admin is set.
func (s *Service) Get(ctx context.Context, callerID, id string, admin bool) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && r.UserID != callerID {
		return nil, ErrUnauthorized
	}
	return r, nil
}

// ListForUser returns the caller's requests, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	return s.store.ListForUser(ctx, userID, limit)
}

// MarkPaid records the fee as paid. It is called by reconciliation inside
// its unit of work. ErrAlreadyPaid means another payment paid it first.
func (s *Service) MarkPaid(ctx context.Context, id string) (*Request, error) {
	var out *Request
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		r, err := s.store.MarkPaid(ctx, id, s.now().UTC())
		if errors.Is(err, errNotApplied) {
			if _, gerr := s.store.Get(ctx, id); gerr != nil {
				return gerr
			}
			return ErrAlreadyPaid
		}
		if err != nil {
			return fmt.Errorf("mark verification paid: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Review moves a paid request through under_review to approved or rejected.
func (s *Service) Review(ctx context.Context, id string, to Status) (*Request, error) {
	var from []Status
	switch to {
	case StatusUnderReview:
		from = []Status{StatusSubmitted}
	case StatusApproved, StatusRejected:
		from = []Status{StatusSubmitted, StatusUnderReview}
	default:
		return nil, ErrInvalidStateTransition
	}

	var out *Request
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		r, err := s.store.SetStatus(ctx, id, from, to)
		if errors.Is(err, errNotApplied) {
			if _, gerr := s.store.Get(ctx, id); gerr != nil {
				return gerr
			}
			return ErrInvalidStateTransition
		}
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("verification reviewed", "requestId", id, "status", to)
	return out, nil
}
