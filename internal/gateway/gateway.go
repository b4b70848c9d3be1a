// Package gateway is the adapter for the external payment gateway.
//
// The gateway speaks an order/payment model: the platform creates an order
// for an amount, the payer completes checkout against it, and the gateway
// reports the resulting payment through a signed verify callback from the
// client and through signed webhooks. Amounts cross the wire in integer
// minor units (paise).
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/apperr"
)

var (
	ErrTransient        = apperr.New(apperr.Transient, "payment gateway unavailable")
	ErrRejected         = apperr.New(apperr.Validation, "payment gateway rejected the request")
	ErrNotFound         = apperr.New(apperr.NotFound, "payment not found at gateway")
	ErrInvalidSignature = apperr.New(apperr.InvalidSignature, "payment verification failed")
)

// SubjectType names what a gateway order pays for.
type SubjectType string

const (
	SubjectEscrow          SubjectType = "escrow"
	SubjectVerificationFee SubjectType = "verification_fee"
	SubjectWalletTopup     SubjectType = "wallet_topup"
)

// Valid reports whether t is a known subject type.
func (t SubjectType) Valid() bool {
	switch t {
	case SubjectEscrow, SubjectVerificationFee, SubjectWalletTopup:
		return true
	}
	return false
}

// Subject is the platform object an order pays for. It travels with the
// order as gateway notes so webhooks can be attributed without a lookup.
type Subject struct {
	Type   SubjectType `json:"type"`
	ID     string      `json:"id"`
	UserID string      `json:"userId"`
}

const (
	noteSubjectType = "subject_type"
	noteSubjectID   = "subject_id"
	noteUserID      = "user_id"
)

// Notes encodes s as order notes.
func (s Subject) Notes() map[string]string {
	return map[string]string{
		noteSubjectType: string(s.Type),
		noteSubjectID:   s.ID,
		noteUserID:      s.UserID,
	}
}

// SubjectFromNotes decodes a subject from order or payment notes.
func SubjectFromNotes(notes map[string]string) (Subject, bool) {
	s := Subject{
		Type:   SubjectType(notes[noteSubjectType]),
		ID:     notes[noteSubjectID],
		UserID: notes[noteUserID],
	}
	if !s.Type.Valid() || s.UserID == "" {
		return Subject{}, false
	}
	return s, true
}

// Order is a gateway order.
type Order struct {
	ID        string            `json:"id"`
	Amount    decimal.Decimal   `json:"amount"`
	Currency  string            `json:"currency"`
	Receipt   string            `json:"receipt,omitempty"`
	Status    string            `json:"status"`
	Notes     map[string]string `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// PaymentStatus is the gateway's state for a payment.
type PaymentStatus string

const (
	PaymentCreated    PaymentStatus = "created"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentFailed     PaymentStatus = "failed"
)

// Settled reports whether the payer's money is secured.
func (s PaymentStatus) Settled() bool {
	return s == PaymentCaptured || s == PaymentAuthorized
}

// Payment is a gateway payment against an order.
type Payment struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"orderId"`
	Amount    decimal.Decimal   `json:"amount"`
	Currency  string            `json:"currency"`
	Status    PaymentStatus     `json:"status"`
	Method    string            `json:"method,omitempty"`
	Notes     map[string]string `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Client is the payment gateway.
type Client interface {
	// KeyID is the public key id checkout clients need alongside an order.
	KeyID() string
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency string, notes map[string]string) (*Order, error)
	FetchPayment(ctx context.Context, paymentID string) (*Payment, error)
	FetchOrderPayments(ctx context.Context, orderID string) ([]*Payment, error)
	// VerifyPaymentSignature checks the checkout signature over
	// "orderID|paymentID".
	VerifyPaymentSignature(orderID, paymentID, signature string) error
	// VerifyWebhookSignature checks the signature over the raw body.
	VerifyWebhookSignature(body []byte, signature string) error
}

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// PaymentSignature is the checkout signature for a payment.
func PaymentSignature(secret, orderID, paymentID string) string {
	return Sign(secret, []byte(orderID+"|"+paymentID))
}

// verify compares signature with the expected HMAC in constant time.
func verify(secret string, payload []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrInvalidSignature
	}
	expected := Sign(secret, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
