// Package reconciliation turns gateway payments into exactly one platform
// effect each.
//
// Payments arrive three ways: the client's checkout verification, the
// gateway's payment.captured webhook, and the sweep that polls orders left
// unpaid. All three converge on apply, which records (order_id, payment_id)
// in processed_payments in the same unit of work as the effect. The primary
// key on that table is the only deduplication there is.
package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/escrow"
	"github.com/mbd888/dealroom/internal/events"
	"github.com/mbd888/dealroom/internal/gateway"
	"github.com/mbd888/dealroom/internal/ledger"
	"github.com/mbd888/dealroom/internal/payout"
	"github.com/mbd888/dealroom/internal/verification"
)

var (
	ErrOrderNotFound     = apperr.New(apperr.NotFound, "payment order not found")
	ErrPaymentNotSettled = apperr.New(apperr.PaymentNotSettled, "payment is not captured")
	ErrAlreadyProcessed  = apperr.New(apperr.AlreadyProcessed, "payment already processed")
	ErrSubjectMismatch   = apperr.New(apperr.InvalidSignature, "payment verification failed")
	ErrInvalidAmount     = apperr.New(apperr.Validation, "amount must be positive")
	ErrNotConfigured     = apperr.New(apperr.Validation, "payment subject is not supported")
)

// OrderStatus is the platform's view of a gateway order.
type OrderStatus string

const (
	OrderCreated OrderStatus = "created"
	OrderPaid    OrderStatus = "paid"
)

// Source labels how a payment reached reconciliation.
type Source string

const (
	SourceVerify  Source = "verify"
	SourceWebhook Source = "webhook"
	SourceSweep   Source = "sweep"
)

// OrderRecord maps a gateway order to the subject it pays for.
type OrderRecord struct {
	OrderID   string          `json:"orderId"`
	Subject   gateway.Subject `json:"subject"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	PaidAt    *time.Time      `json:"paidAt,omitempty"`
}

// ProcessedPayment is the deduplication record of an applied payment.
type ProcessedPayment struct {
	OrderID     string          `json:"orderId"`
	PaymentID   string          `json:"paymentId"`
	Subject     gateway.Subject `json:"subject"`
	Amount      decimal.Decimal `json:"amount"`
	Source      Source          `json:"source"`
	ProcessedAt time.Time       `json:"processedAt"`
}

// Store persists order mappings and processed payments.
type Store interface {
	CreateOrder(ctx context.Context, o *OrderRecord) error
	GetOrder(ctx context.Context, orderID string) (*OrderRecord, error)
	// MarkOrderPaid is a no-op for an order already paid.
	MarkOrderPaid(ctx context.Context, orderID string, now time.Time) error
	// ListStaleOrders returns created orders older than before, oldest first.
	ListStaleOrders(ctx context.Context, before time.Time, limit int) ([]*OrderRecord, error)
	// InsertProcessed returns ErrAlreadyProcessed for a known
	// (order_id, payment_id).
	InsertProcessed(ctx context.Context, p *ProcessedPayment) error
	// SumProcessed totals every applied payment.
	SumProcessed(ctx context.Context) (decimal.Decimal, error)
}

// Deals is the escrow side of gateway funding.
type Deals interface {
	Get(ctx context.Context, callerID, dealID string) (*escrow.Deal, error)
	MarkPaid(ctx context.Context, dealID string) (*escrow.Deal, error)
}

// Verifications is the verification-fee side of gateway funding.
type Verifications interface {
	Get(ctx context.Context, callerID, id string, admin bool) (*verification.Request, error)
	MarkPaid(ctx context.Context, id string) (*verification.Request, error)
}

// Payouts receives gateway payout outcomes.
type Payouts interface {
	GatewayCallback(ctx context.Context, ref payout.Ref, out payout.Outcome) (*payout.Payout, error)
}

// Wallet credits top-ups and payments whose subject is gone.
type Wallet interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, kind ledger.Kind, reference string, metadata map[string]any) (*ledger.Result, error)
	SumBalances(ctx context.Context) (decimal.Decimal, error)
}

// Service reconciles gateway payments with platform state.
type Service struct {
	store         Store
	runner        dbtx.Runner
	client        gateway.Client
	wallet        Wallet
	deals         Deals
	verifications Verifications
	payouts       Payouts
	emitter       events.Emitter
	logger        *slog.Logger
	currency      string
	sweepGrace    time.Duration
	now           func() time.Time
}

// DefaultSweepGrace is how long an order may stay unpaid before the sweep
// asks the gateway about it.
const DefaultSweepGrace = 15 * time.Minute

// NewService creates a reconciliation service.
func NewService(store Store, runner dbtx.Runner, client gateway.Client, wallet Wallet, currency string, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		runner:     runner,
		client:     client,
		wallet:     wallet,
		emitter:    events.Nop{},
		logger:     logger,
		currency:   currency,
		sweepGrace: DefaultSweepGrace,
		now:        time.Now,
	}
}

// WithDeals enables the escrow subject.
func (s *Service) WithDeals(d Deals) *Service {
	s.deals = d
	return s
}

// WithVerifications enables the verification-fee subject.
func (s *Service) WithVerifications(v Verifications) *Service {
	s.verifications = v
	return s
}

// WithPayouts enables payout webhooks.
func (s *Service) WithPayouts(p Payouts) *Service {
	s.payouts = p
	return s
}

// WithEmitter adds a real-time event emitter.
func (s *Service) WithEmitter(e events.Emitter) *Service {
	s.emitter = e
	return s
}

// WithSweepGrace overrides DefaultSweepGrace.
func (s *Service) WithSweepGrace(d time.Duration) *Service {
	s.sweepGrace = d
	return s
}

// KeyID is the public gateway key the checkout widget needs.
func (s *Service) KeyID() string { return s.client.KeyID() }
