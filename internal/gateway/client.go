package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/circuitbreaker"
	"github.com/mbd888/dealroom/internal/idgen"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/retry"
)

const (
	// DefaultHTTPTimeout bounds a single gateway call.
	DefaultHTTPTimeout = 15 * time.Second

	maxResponseSize = 1 << 20
	breakerKey      = "gateway"
)

// Config holds gateway credentials.
type Config struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
}

// HTTPClient talks to the gateway's REST API with basic auth. Transport
// errors, 5xx and 429 are retried and count against a circuit breaker.
type HTTPClient struct {
	cfg     Config
	client  *http.Client
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a gateway client.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.IsFailure = func(err error) bool { return errors.Is(err, ErrTransient) }

	return &HTTPClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		policy:  retry.Default,
		breaker: breaker,
	}
}

func (c *HTTPClient) KeyID() string { return c.cfg.KeyID }

type orderEntity struct {
	ID        string            `json:"id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Receipt   string            `json:"receipt"`
	Status    string            `json:"status"`
	Notes     map[string]string `json:"notes"`
	CreatedAt int64             `json:"created_at"`
}

func (c *HTTPClient) CreateOrder(ctx context.Context, amount decimal.Decimal, currency string, notes map[string]string) (*Order, error) {
	body := map[string]any{
		"amount":   money.ToMinor(amount),
		"currency": currency,
		"receipt":  idgen.WithPrefix("rcpt_"),
		"notes":    notes,
	}
	var out orderEntity
	if err := c.do(ctx, "create_order", http.MethodPost, "/v1/orders", body, &out); err != nil {
		return nil, err
	}
	return &Order{
		ID:        out.ID,
		Amount:    money.FromMinor(out.Amount),
		Currency:  out.Currency,
		Receipt:   out.Receipt,
		Status:    out.Status,
		Notes:     out.Notes,
		CreatedAt: time.Unix(out.CreatedAt, 0).UTC(),
	}, nil
}

func (c *HTTPClient) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var out paymentEntity
	if err := c.do(ctx, "fetch_payment", http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &out); err != nil {
		return nil, err
	}
	p := out.toPayment()
	return &p, nil
}

func (c *HTTPClient) FetchOrderPayments(ctx context.Context, orderID string) ([]*Payment, error) {
	var out struct {
		Items []paymentEntity `json:"items"`
	}
	if err := c.do(ctx, "fetch_order_payments", http.MethodGet, "/v1/orders/"+url.PathEscape(orderID)+"/payments", nil, &out); err != nil {
		return nil, err
	}
	payments := make([]*Payment, 0, len(out.Items))
	for _, item := range out.Items {
		p := item.toPayment()
		payments = append(payments, &p)
	}
	return payments, nil
}

func (c *HTTPClient) VerifyPaymentSignature(orderID, paymentID, signature string) error {
	return verify(c.cfg.KeySecret, []byte(orderID+"|"+paymentID), signature)
}

func (c *HTTPClient) VerifyWebhookSignature(body []byte, signature string) error {
	return verify(c.cfg.WebhookSecret, body, signature)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
	}

	start := time.Now()
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		err := c.breaker.Execute(breakerKey, func() error {
			return c.roundTrip(ctx, method, path, payload, out)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(fmt.Errorf("%w: %v", ErrTransient, err))
		}
		if err != nil && !errors.Is(err, ErrTransient) {
			return retry.Permanent(err)
		}
		return err
	})
	observeRequest(op, err, time.Since(start))
	if err != nil {
		return fmt.Errorf("gateway %s: %w", op, err)
	}
	return nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, errorDescription(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRejected, err)
	}
	return nil
}

func errorDescription(raw []byte) string {
	var body struct {
		Error struct {
			Description string `json:"description"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error.Description != "" {
		return body.Error.Description
	}
	return "no description"
}
