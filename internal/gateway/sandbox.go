package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/idgen"
	"github.com/mbd888/dealroom/internal/money"
)

// Sandbox is an in-process gateway for development and tests. It keeps
// orders and payments in memory, signs with the configured secrets, and can
// simulate checkout completion and webhooks.
type Sandbox struct {
	keyID         string
	keySecret     string
	webhookSecret string

	mu       sync.Mutex
	orders   map[string]*Order
	payments map[string]*Payment
	failNext error
}

var _ Client = (*Sandbox)(nil)

// NewSandbox creates a sandbox gateway.
func NewSandbox(keyID, keySecret, webhookSecret string) *Sandbox {
	return &Sandbox{
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
		orders:        make(map[string]*Order),
		payments:      make(map[string]*Payment),
	}
}

func (s *Sandbox) KeyID() string { return s.keyID }

// FailNext makes the next API call return err.
func (s *Sandbox) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Sandbox) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *Sandbox) CreateOrder(_ context.Context, amount decimal.Decimal, currency string, notes map[string]string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	o := &Order{
		ID:        idgen.WithPrefix("order_"),
		Amount:    amount,
		Currency:  currency,
		Status:    "created",
		Notes:     notes,
		CreatedAt: time.Now().UTC(),
	}
	s.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (s *Sandbox) FetchPayment(_ context.Context, paymentID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	p, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Sandbox) FetchOrderPayments(_ context.Context, orderID string) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	var out []*Payment
	for _, p := range s.payments {
		if p.OrderID == orderID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Sandbox) VerifyPaymentSignature(orderID, paymentID, signature string) error {
	return verify(s.keySecret, []byte(orderID+"|"+paymentID), signature)
}

func (s *Sandbox) VerifyWebhookSignature(body []byte, signature string) error {
	return verify(s.webhookSecret, body, signature)
}

// Pay records a payment with the given status against an order and returns
// it with its checkout signature.
func (s *Sandbox) Pay(orderID string, status PaymentStatus) (*Payment, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, "", fmt.Errorf("sandbox: unknown order %s", orderID)
	}
	p := &Payment{
		ID:        idgen.WithPrefix("pay_"),
		OrderID:   orderID,
		Amount:    o.Amount,
		Currency:  o.Currency,
		Status:    status,
		Method:    "upi",
		Notes:     o.Notes,
		CreatedAt: time.Now().UTC(),
	}
	s.payments[p.ID] = p
	if status.Settled() {
		o.Status = "paid"
	}
	cp := *p
	return &cp, PaymentSignature(s.keySecret, orderID, p.ID), nil
}

// CapturedWebhook builds a signed payment.captured webhook for p.
func (s *Sandbox) CapturedWebhook(p *Payment) ([]byte, string) {
	body, _ := json.Marshal(map[string]any{
		"entity": "event",
		"event":  "payment.captured",
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": paymentEntity{
					ID:        p.ID,
					OrderID:   p.OrderID,
					Amount:    money.ToMinor(p.Amount),
					Currency:  p.Currency,
					Status:    string(PaymentCaptured),
					Method:    p.Method,
					Notes:     p.Notes,
					CreatedAt: p.CreatedAt.Unix(),
				},
			},
		},
	})
	return body, Sign(s.webhookSecret, body)
}

// PayoutWebhook builds a signed payout webhook such as "payout.failed".
func (s *Sandbox) PayoutWebhook(event, gatewayPayoutID, referenceID, reason string) ([]byte, string) {
	body, _ := json.Marshal(map[string]any{
		"entity": "event",
		"event":  event,
		"payload": map[string]any{
			"payout": map[string]any{
				"entity": map[string]any{
					"id":             gatewayPayoutID,
					"reference_id":   referenceID,
					"failure_reason": reason,
				},
			},
		},
	})
	return body, Sign(s.webhookSecret, body)
}
