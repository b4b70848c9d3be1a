// Package payout moves wallet money out to a bank account or UPI address.
//
// The wallet is debited once when the payout is requested. A payout that
// ends failed or cancelled is credited back exactly once; refunded_at
// records that the compensation happened.
//
//	pending ──► processing ──► completed
//	   │            │
//	   ├────────────┴──► failed
//	   └──► cancelled
package payout

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/events"
	"github.com/mbd888/dealroom/internal/ledger"
	"github.com/mbd888/dealroom/internal/notify"
	"github.com/mbd888/dealroom/internal/pagination"
	"github.com/mbd888/dealroom/internal/validation"
)

var (
	ErrPayoutNotFound     = apperr.New(apperr.NotFound, "payout not found")
	ErrUnauthorized       = apperr.New(apperr.Unauthorized, "not authorized for this payout")
	ErrBelowMinimum       = apperr.New(apperr.Validation, "amount is below the minimum payout")
	ErrInvalidTransition  = apperr.New(apperr.InvalidStateTransition, "payout cannot move to that status")
	ErrConflict           = apperr.New(apperr.Conflict, "payout status changed concurrently")
	ErrAlreadyProcessed   = apperr.New(apperr.AlreadyProcessed, "payout already in that status")
	ErrInvalidDestination = apperr.New(apperr.Validation, "invalid payout destination")

	errNotApplied = errors.New("conditional update matched no row")
)

// Status is the lifecycle state of a payout.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// IsTerminal returns true for completed, failed and cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// refunds reports whether entering s returns the money to the wallet.
func (s Status) refunds() bool {
	return s == StatusFailed || s == StatusCancelled
}

// Method is the destination kind.
type Method string

const (
	MethodBank Method = "bank"
	MethodVPA  Method = "vpa"
)

// Destination is where the money goes. Bank destinations carry account
// fields; VPA destinations carry Address.
type Destination struct {
	Method        Method `json:"method"`
	AccountHolder string `json:"accountHolder,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
	Address       string `json:"address,omitempty"`
}

// Validate checks the fields required by the method.
func (d Destination) Validate() error {
	switch d.Method {
	case MethodBank:
		return validation.Validate(
			validation.Required("destination.accountHolder", d.AccountHolder),
			validation.MaxLen("destination.accountHolder", d.AccountHolder, 120),
			validation.ValidAccountNumber("destination.accountNumber", d.AccountNumber),
			validation.ValidIFSC("destination.ifsc", d.IFSC),
		)
	case MethodVPA:
		return validation.Validate(validation.ValidVPA("destination.address", d.Address))
	default:
		return ErrInvalidDestination
	}
}

// Masked hides all but the last four digits of a bank account number.
func (d Destination) Masked() Destination {
	if n := len(d.AccountNumber); n > 4 {
		d.AccountNumber = strings.Repeat("X", n-4) + d.AccountNumber[n-4:]
	}
	return d
}

// Payout is a withdrawal request.
type Payout struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Amount          decimal.Decimal `json:"amount"`
	Destination     Destination     `json:"destination"`
	Status          Status          `json:"status"`
	RequestedAt     time.Time       `json:"requestedAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
	RefundedAt      *time.Time      `json:"refundedAt,omitempty"`
	GatewayPayoutID string          `json:"gatewayPayoutId,omitempty"`
	AdminNote       string          `json:"adminNote,omitempty"`
}

// Store persists payouts. Conditional methods return errNotApplied when
// their predicate matched nothing.
type Store interface {
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	GetByGatewayID(ctx context.Context, gatewayPayoutID string) (*Payout, error)
	// Transition moves a payout whose status is still from to to. Empty
	// note or gatewayPayoutID leave the stored values unchanged.
	Transition(ctx context.Context, id string, from, to Status, note, gatewayPayoutID string, now time.Time) (*Payout, error)
	// MarkRefunded sets refunded_at if it is still unset.
	MarkRefunded(ctx context.Context, id string, now time.Time) error
	ListForUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Payout, error)
	ListByStatus(ctx context.Context, status Status, cursor *pagination.Cursor, limit int) ([]*Payout, error)
}

// Wallet abstracts the ledger operations payouts need.
type Wallet interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, kind ledger.Kind, reference string, metadata map[string]any) (*ledger.Result, error)
	Debit(ctx context.Context, userID string, amount decimal.Decimal, kind ledger.Kind, reference string, metadata map[string]any) (*ledger.Result, error)
}

// RequestInput contains the parameters for a payout request.
type RequestInput struct {
	Amount      string      `json:"amount" binding:"required"`
	Destination Destination `json:"destination"`
}

// TransitionInput is an admin status change.
type TransitionInput struct {
	From            Status `json:"from" binding:"required"`
	To              Status `json:"to" binding:"required"`
	Note            string `json:"note"`
	GatewayPayoutID string `json:"gatewayPayoutId"`
}

// Ref identifies a payout from a gateway callback by either id.
type Ref struct {
	PayoutID        string
	GatewayPayoutID string
}

// Outcome is a gateway-reported status for a payout.
type Outcome struct {
	Status Status
	Reason string
}

// Service implements payout business logic.
type Service struct {
	store    Store
	runner   dbtx.Runner
	wallet   Wallet
	emitter  events.Emitter
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new payout service.
func NewService(store Store, runner dbtx.Runner, wallet Wallet, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		runner:   runner,
		wallet:   wallet,
		emitter:  events.Nop{},
		notifier: notify.Nop{},
		logger:   logger,
		now:      time.Now,
	}
}

// WithEmitter adds a real-time event emitter.
func (s *Service) WithEmitter(e events.Emitter) *Service {
	s.emitter = e
	return s
}

// WithNotifier adds a notification dispatcher.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}
