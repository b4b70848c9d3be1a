// Package escrow holds client funds for a deal negotiated in a conversation
// and releases them to the vendor in percentage steps.
//
// Flow:
//  1. Client creates a deal → gross debited from the client's wallet (or a
//     gateway order is opened and the deal waits in pending_payment)
//  2. Client releases p% → net × p / 100 credited to the vendor
//  3. Releases reach 100% → deal completed
//  4. Client cancels an active deal → unreleased net refunded to the client
//
// The platform fee is taken from gross at creation and never refunded.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/chat"
	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/events"
	"github.com/mbd888/dealroom/internal/gateway"
	"github.com/mbd888/dealroom/internal/idempotency"
	"github.com/mbd888/dealroom/internal/ledger"
	"github.com/mbd888/dealroom/internal/notify"
	"github.com/mbd888/dealroom/internal/pagination"
)

var (
	ErrDealNotFound            = apperr.New(apperr.NotFound, "deal not found")
	ErrUnauthorized            = apperr.New(apperr.Unauthorized, "not authorized for this deal")
	ErrInvalidParticipants     = apperr.New(apperr.Validation, "conversation participants do not match the deal parties")
	ErrInvalidStateTransition  = apperr.New(apperr.InvalidStateTransition, "deal is not in a state that allows this operation")
	ErrReleaseExceedsRemaining = apperr.New(apperr.ReleaseExceedsRemaining, "release exceeds the remaining percentage")
	ErrDuplicateSubmission     = apperr.New(apperr.Conflict, "an identical deal was just submitted")
	ErrInvalidPercent          = apperr.New(apperr.Validation, "percent must be between 1 and 100")
	ErrInvalidAmount           = apperr.New(apperr.Validation, "amount must be positive")
	ErrAlreadyPaid             = apperr.New(apperr.Conflict, "deal is already paid")

	// errNotApplied is returned by stores when a conditional write matched
	// no row.
	errNotApplied = errors.New("conditional update matched no row")
)

// DuplicateWindow is how long an identical create request is rejected.
const DuplicateWindow = 10 * time.Second

// Status is the lifecycle state of a deal.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusActive         Status = "active"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// PaymentStatus tracks whether the deal's gross has been collected.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// FundingSource is where the gross came from.
type FundingSource string

const (
	FundingWallet  FundingSource = "wallet"
	FundingGateway FundingSource = "gateway"
)

// Deal is an escrow agreement between a client and a vendor.
type Deal struct {
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversationId"`
	ClientID        string          `json:"clientId"`
	VendorID        string          `json:"vendorId"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Terms           string          `json:"terms,omitempty"`
	GrossAmount     decimal.Decimal `json:"grossAmount"`
	FeeAmount       decimal.Decimal `json:"feeAmount"`
	FeePercent      decimal.Decimal `json:"feePercent"`
	NetAmount       decimal.Decimal `json:"netAmount"`
	ReleasedPercent int             `json:"releasedPercent"`
	RefundedAmount  decimal.Decimal `json:"refundedAmount"`
	Status          Status          `json:"status"`
	PaymentStatus   PaymentStatus   `json:"paymentStatus"`
	FundingSource   FundingSource   `json:"fundingSource"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	CancelledAt     *time.Time      `json:"cancelledAt,omitempty"`
}

// IsTerminal returns true if the deal is in a final state.
func (d *Deal) IsTerminal() bool {
	return d.Status == StatusCompleted || d.Status == StatusCancelled
}

// IsParty reports whether userID is the client or the vendor.
func (d *Deal) IsParty(userID string) bool {
	return userID == d.ClientID || userID == d.VendorID
}

// Counterpart returns the other party to userID.
func (d *Deal) Counterpart(userID string) string {
	if userID == d.ClientID {
		return d.VendorID
	}
	return d.ClientID
}

// Release is one append-only release step.
type Release struct {
	ID        string          `json:"id"`
	DealID    string          `json:"dealId"`
	Percent   int             `json:"percent"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists deals and releases. Conditional methods return
// errNotApplied when their predicate matched nothing.
type Store interface {
	Create(ctx context.Context, d *Deal) error
	Get(ctx context.Context, id string) (*Deal, error)
	// AddReleased adds percent to an active deal whose released percent
	// stays <= 100, completing it at 100, and returns the updated deal.
	AddReleased(ctx context.Context, id string, percent int, now time.Time) (*Deal, error)
	// MarkPaid moves a pending_payment/pending deal to active/paid.
	MarkPaid(ctx context.Context, id string, now time.Time) (*Deal, error)
	// Cancel moves an active deal to cancelled.
	Cancel(ctx context.Context, id string, now time.Time) (*Deal, error)
	SetRefunded(ctx context.Context, id string, amount decimal.Decimal) error
	// DeleteUnpaid removes a deal whose payment is still pending.
	DeleteUnpaid(ctx context.Context, id string) error
	InsertRelease(ctx context.Context, r *Release) error
	ListReleases(ctx context.Context, dealID string) ([]*Release, error)
	SumReleased(ctx context.Context, dealID string) (decimal.Decimal, error)
	ListForUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Deal, error)
	ListForConversation(ctx context.Context, conversationID string, cursor *pagination.Cursor, limit int) ([]*Deal, error)
}

// Wallet abstracts ledger operations so escrow only sees credits and debits.
type Wallet interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, kind ledger.Kind, reference string, metadata map[string]any) (*ledger.Result, error)
	Debit(ctx context.Context, userID string, amount decimal.Decimal, kind ledger.Kind, reference string, metadata map[string]any) (*ledger.Result, error)
}

// OrderInitiator opens gateway orders for gateway-funded deals.
type OrderInitiator interface {
	Initiate(ctx context.Context, subject gateway.Subject, amount decimal.Decimal) (*gateway.Order, error)
}

// CreateRequest contains the parameters for creating a deal. The caller is
// the client; CounterpartID is the vendor.
type CreateRequest struct {
	ConversationID string `json:"conversationId" binding:"required"`
	CounterpartID  string `json:"counterpartId" binding:"required"`
	Title          string `json:"title" binding:"required"`
	Description    string `json:"description"`
	Terms          string `json:"terms"`
	Amount         string `json:"amount" binding:"required"`
}

// ReleaseRequest contains the parameters for a release.
type ReleaseRequest struct {
	Percent int    `json:"percent" binding:"required"`
	Note    string `json:"note"`
}

// ReleaseResult is the outcome of a committed release.
type ReleaseResult struct {
	Deal    *Deal    `json:"deal"`
	Release *Release `json:"release"`
}

// GatewayDeal is a gateway-funded deal with the order the client must pay.
type GatewayDeal struct {
	Deal  *Deal          `json:"deal"`
	Order *gateway.Order `json:"order"`
	KeyID string         `json:"keyId,omitempty"`
}

// Service implements escrow business logic.
type Service struct {
	store     Store
	runner    dbtx.Runner
	wallet    Wallet
	directory chat.Directory
	guard     idempotency.Guard
	orders    OrderInitiator
	keyID     string
	emitter   events.Emitter
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, runner dbtx.Runner, wallet Wallet, directory chat.Directory, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		runner:    runner,
		wallet:    wallet,
		directory: directory,
		guard:     idempotency.NewMemoryGuard(),
		emitter:   events.Nop{},
		notifier:  notify.Nop{},
		logger:    logger,
		now:       time.Now,
	}
}

// WithGuard replaces the in-process double-submit guard.
func (s *Service) WithGuard(g idempotency.Guard) *Service {
	s.guard = g
	return s
}

// WithOrderInitiator enables gateway-funded deals. keyID is handed to
// checkout clients with each order.
func (s *Service) WithOrderInitiator(o OrderInitiator, keyID string) *Service {
	s.orders = o
	s.keyID = keyID
	return s
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
