package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/retry"
)

func newTestClient(url string) *HTTPClient {
	c := NewHTTPClient(Config{BaseURL: url, KeyID: "rzp_test", KeySecret: "key-secret", WebhookSecret: "hook-secret"})
	c.policy = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	return c
}

func TestCreateOrder_SendsMinorUnitsWithBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test", user)
		assert.Equal(t, "key-secret", pass)
		assert.Equal(t, "/v1/orders", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 100050, body["amount"])
		assert.Equal(t, "INR", body["currency"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "order_1", "amount": 100050, "currency": "INR", "status": "created",
			"notes": body["notes"], "created_at": 1700000000,
		})
	}))
	defer srv.Close()

	subject := Subject{Type: SubjectWalletTopup, ID: "u1", UserID: "u1"}
	o, err := newTestClient(srv.URL).CreateOrder(context.Background(), money.MustParse("1000.50"), "INR", subject.Notes())
	require.NoError(t, err)
	assert.Equal(t, "order_1", o.ID)
	assert.Equal(t, "1000.50", money.Format(o.Amount))

	got, ok := SubjectFromNotes(o.Notes)
	require.True(t, ok)
	assert.Equal(t, subject, got)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "pay_1", "order_id": "order_1", "amount": 5000, "currency": "INR", "status": "captured",
		})
	}))
	defer srv.Close()

	p, err := newTestClient(srv.URL).FetchPayment(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, PaymentCaptured, p.Status)
	assert.True(t, p.Status.Settled())
	assert.Equal(t, "50.00", money.Format(p.Amount))
}

func TestClient_ExhaustedRetriesAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchPayment(context.Background(), "pay_1")
	require.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, apperr.Transient, apperr.KindOf(err))
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"description":"amount too small"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreateOrder(context.Background(), money.MustParse("0.01"), "INR", nil)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "amount too small")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchPayment(context.Background(), "pay_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_OpenBreakerIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.policy = retry.Policy{Attempts: 1}
	for i := 0; i < 5; i++ {
		_, _ = c.FetchOrderPayments(context.Background(), "order_1")
	}
	before := calls.Load()

	_, err := c.FetchOrderPayments(context.Background(), "order_1")
	require.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, before, calls.Load())
}

func TestVerifyPaymentSignature(t *testing.T) {
	c := newTestClient("http://unused")

	sig := PaymentSignature("key-secret", "order_1", "pay_1")
	assert.NoError(t, c.VerifyPaymentSignature("order_1", "pay_1", sig))
	assert.ErrorIs(t, c.VerifyPaymentSignature("order_1", "pay_2", sig), ErrInvalidSignature)
	assert.ErrorIs(t, c.VerifyPaymentSignature("order_1", "pay_1", ""), ErrInvalidSignature)

	body := []byte(`{"event":"payment.captured"}`)
	assert.NoError(t, c.VerifyWebhookSignature(body, Sign("hook-secret", body)))
	assert.ErrorIs(t, c.VerifyWebhookSignature(body, Sign("key-secret", body)), ErrInvalidSignature)
}

func TestParseWebhook(t *testing.T) {
	sb := NewSandbox("rzp_test", "key-secret", "hook-secret")

	tests := []struct {
		name  string
		body  []byte
		check func(t *testing.T, ev Event)
	}{
		{
			name: "payout processed",
			body: first(sb.PayoutWebhook("payout.processed", "pout_1", "po_1", "")),
			check: func(t *testing.T, ev Event) {
				p, ok := ev.(PayoutProcessed)
				require.True(t, ok)
				assert.Equal(t, "pout_1", p.PayoutID)
				assert.Equal(t, "po_1", p.ReferenceID)
			},
		},
		{
			name: "payout reversed",
			body: first(sb.PayoutWebhook("payout.reversed", "pout_1", "po_1", "beneficiary bank down")),
			check: func(t *testing.T, ev Event) {
				p, ok := ev.(PayoutFailed)
				require.True(t, ok)
				assert.True(t, p.Reversed)
				assert.Equal(t, "beneficiary bank down", p.Reason)
			},
		},
		{
			name: "payout rejected",
			body: first(sb.PayoutWebhook("payout.rejected", "pout_1", "po_1", "")),
			check: func(t *testing.T, ev Event) {
				_, ok := ev.(PayoutRejected)
				assert.True(t, ok)
			},
		},
		{
			name: "payout queued",
			body: first(sb.PayoutWebhook("payout.queued", "pout_1", "po_1", "")),
			check: func(t *testing.T, ev Event) {
				_, ok := ev.(PayoutPending)
				assert.True(t, ok)
			},
		},
		{
			name: "unrecognized",
			body: []byte(`{"event":"refund.created","payload":{}}`),
			check: func(t *testing.T, ev Event) {
				u, ok := ev.(Unrecognized)
				require.True(t, ok)
				assert.Equal(t, "refund.created", u.Name())
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseWebhook(tt.body)
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}

func TestParseWebhook_PaymentCapturedFromSandbox(t *testing.T) {
	sb := NewSandbox("rzp_test", "key-secret", "hook-secret")
	subject := Subject{Type: SubjectEscrow, ID: "deal_1", UserID: "client"}
	o, err := sb.CreateOrder(context.Background(), money.MustParse("250.00"), "INR", subject.Notes())
	require.NoError(t, err)
	p, sig, err := sb.Pay(o.ID, PaymentCaptured)
	require.NoError(t, err)
	require.NoError(t, sb.VerifyPaymentSignature(o.ID, p.ID, sig))

	body, hookSig := sb.CapturedWebhook(p)
	require.NoError(t, sb.VerifyWebhookSignature(body, hookSig))

	ev, err := ParseWebhook(body)
	require.NoError(t, err)
	captured, ok := ev.(CapturedEvent)
	require.True(t, ok)
	assert.Equal(t, p.ID, captured.Payment.ID)
	assert.Equal(t, o.ID, captured.Payment.OrderID)
	assert.Equal(t, "250.00", money.Format(captured.Payment.Amount))

	got, ok := SubjectFromNotes(captured.Payment.Notes)
	require.True(t, ok)
	assert.Equal(t, subject, got)
}

func TestParseWebhook_Malformed(t *testing.T) {
	_, err := ParseWebhook([]byte(`{`))
	assert.ErrorIs(t, err, ErrRejected)

	_, err = ParseWebhook([]byte(`{"event":"payment.captured","payload":{}}`))
	assert.ErrorIs(t, err, ErrRejected)
}

func first(body []byte, _ string) []byte { return body }
