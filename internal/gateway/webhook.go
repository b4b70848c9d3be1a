package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/dealroom/internal/money"
)

// Event is a parsed webhook. It is one of CapturedEvent, PayoutProcessed,
// PayoutFailed, PayoutRejected, PayoutPending or Unrecognized.
type Event interface {
	// Name is the gateway's event name, e.g. "payment.captured".
	Name() string
	sealed()
}

// CapturedEvent reports a captured payment.
type CapturedEvent struct {
	Event   string
	Payment Payment
}

// PayoutOutcome identifies a payout in a payout webhook. ReferenceID is the
// platform's payout id, PayoutID the gateway's.
type PayoutOutcome struct {
	Event       string
	PayoutID    string
	ReferenceID string
	Reason      string
	UTR         string
}

// PayoutProcessed reports money delivered to the destination.
type PayoutProcessed struct{ PayoutOutcome }

// PayoutFailed reports a failed or reversed payout.
type PayoutFailed struct {
	PayoutOutcome
	Reversed bool
}

// PayoutRejected reports a payout the gateway refused.
type PayoutRejected struct{ PayoutOutcome }

// PayoutPending reports a payout accepted but not yet processed.
type PayoutPending struct{ PayoutOutcome }

// Unrecognized is any event the platform does not act on.
type Unrecognized struct {
	Event string
}

func (e CapturedEvent) Name() string   { return e.Event }
func (e PayoutProcessed) Name() string { return e.Event }
func (e PayoutFailed) Name() string    { return e.Event }
func (e PayoutRejected) Name() string  { return e.Event }
func (e PayoutPending) Name() string   { return e.Event }
func (e Unrecognized) Name() string    { return e.Event }

func (CapturedEvent) sealed()   {}
func (PayoutProcessed) sealed() {}
func (PayoutFailed) sealed()    {}
func (PayoutRejected) sealed()  {}
func (PayoutPending) sealed()   {}
func (Unrecognized) sealed()    {}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Payout *struct {
			Entity payoutEntity `json:"entity"`
		} `json:"payout"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Method    string            `json:"method"`
	Notes     map[string]string `json:"notes"`
	CreatedAt int64             `json:"created_at"`
}

func (p paymentEntity) toPayment() Payment {
	return Payment{
		ID:        p.ID,
		OrderID:   p.OrderID,
		Amount:    money.FromMinor(p.Amount),
		Currency:  p.Currency,
		Status:    PaymentStatus(p.Status),
		Method:    p.Method,
		Notes:     p.Notes,
		CreatedAt: time.Unix(p.CreatedAt, 0).UTC(),
	}
}

type payoutEntity struct {
	ID            string `json:"id"`
	ReferenceID   string `json:"reference_id"`
	Status        string `json:"status"`
	UTR           string `json:"utr"`
	FailureReason string `json:"failure_reason"`
	StatusDetails struct {
		Description string `json:"description"`
	} `json:"status_details"`
}

// ParseWebhook decodes a webhook body. The signature must have been
// verified before calling it.
func ParseWebhook(body []byte) (Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook: %v", ErrRejected, err)
	}

	switch env.Event {
	case "payment.captured":
		if env.Payload.Payment == nil || env.Payload.Payment.Entity.ID == "" {
			return nil, fmt.Errorf("%w: payment.captured without payment", ErrRejected)
		}
		return CapturedEvent{Event: env.Event, Payment: env.Payload.Payment.Entity.toPayment()}, nil
	case "payout.processed", "payout.failed", "payout.reversed", "payout.rejected",
		"payout.pending", "payout.queued", "payout.initiated":
		if env.Payload.Payout == nil || env.Payload.Payout.Entity.ID == "" {
			return nil, fmt.Errorf("%w: %s without payout", ErrRejected, env.Event)
		}
		return payoutEvent(env.Event, env.Payload.Payout.Entity), nil
	default:
		return Unrecognized{Event: env.Event}, nil
	}
}

func payoutEvent(name string, p payoutEntity) Event {
	reason := p.FailureReason
	if reason == "" {
		reason = p.StatusDetails.Description
	}
	o := PayoutOutcome{Event: name, PayoutID: p.ID, ReferenceID: p.ReferenceID, Reason: reason, UTR: p.UTR}

	switch name {
	case "payout.processed":
		return PayoutProcessed{o}
	case "payout.failed":
		return PayoutFailed{PayoutOutcome: o}
	case "payout.reversed":
		return PayoutFailed{PayoutOutcome: o, Reversed: true}
	case "payout.rejected":
		return PayoutRejected{o}
	default:
		return PayoutPending{o}
	}
}
