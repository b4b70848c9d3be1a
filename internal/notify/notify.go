// Package notify delivers user-facing notifications through the external
// notification service.
//
// Delivery is best-effort. Services call Notify after their unit of work has
// committed and log a failure without affecting the operation's outcome.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/dealroom/internal/idgen"
	"github.com/mbd888/dealroom/internal/metrics"
	"github.com/mbd888/dealroom/internal/retry"
)

// Severity is the display level of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
)

// Notification is a message for one user.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Severity  Severity          `json:"severity"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

const (
	HeaderSignature = "X-Dealroom-Signature"
	HeaderTimestamp = "X-Dealroom-Timestamp"
)

// HTTPNotifier posts HMAC-signed JSON to the notification service.
type HTTPNotifier struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
}

// NewHTTPNotifier creates a notifier posting to url.
func NewHTTPNotifier(url, secret string, logger *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Default,
		logger: logger,
	}
}

func (h *HTTPNotifier) Notify(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = idgen.WithPrefix("ntf_")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Severity == "" {
		n.Severity = SeverityInfo
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	err = retry.Do(ctx, h.policy, func(ctx context.Context) error {
		return h.post(ctx, payload, n.CreatedAt)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("deliver notification %s: %w", n.ID, err)
	}
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	return nil
}

func (h *HTTPNotifier) post(ctx context.Context, payload []byte, at time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(at.Unix(), 10))
	if h.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(payload, h.secret))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("notification service returned %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("notification service rejected with %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Recorder keeps notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

// Sent returns notifications recorded for userID, or all when userID is "".
func (r *Recorder) Sent(userID string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.sent {
		if userID == "" || n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}
