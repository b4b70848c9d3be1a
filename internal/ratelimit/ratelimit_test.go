package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealroom/internal/auth"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestLimiter(t *testing.T, rps, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	l := New(Config{RequestsPerSecond: rps, BurstSize: burst, IdleTTL: time.Minute, CleanupInterval: time.Hour})
	t.Cleanup(l.Stop)
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.now = clk.now
	return l, clk
}

func TestLimiterAllow(t *testing.T) {
	l, clk := newTestLimiter(t, 1, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow("ip:1.2.3.4") {
			t.Errorf("request %d should be allowed (within burst)", i)
		}
	}
	if l.Allow("ip:1.2.3.4") {
		t.Error("request after burst should be denied")
	}

	clk.t = clk.t.Add(time.Second)
	if !l.Allow("ip:1.2.3.4") {
		t.Error("request after refill should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 3)

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	if l.Allow("client-a") {
		t.Error("client-a should be limited")
	}
	if !l.Allow("client-b") {
		t.Error("client-b should have its own bucket")
	}
}

func TestLimiterEvictsIdleClients(t *testing.T) {
	l, clk := newTestLimiter(t, 1, 1)

	l.Allow("a")
	clk.t = clk.t.Add(30 * time.Second)
	l.Allow("b")
	clk.t = clk.t.Add(45 * time.Second)
	l.evictIdle()

	if got := l.Tracked(); got != 1 {
		t.Fatalf("expected 1 tracked client after eviction, got %d", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig(0))
	l.Stop()
	l.Stop()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 1, 1)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(auth.ContextKeyUserID, u)
		}
		c.Next()
	})
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do(""); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	w := do("")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	// Same IP, but an authenticated caller gets its own bucket.
	if w := do("user_1"); w.Code != http.StatusOK {
		t.Fatalf("authenticated request: expected 200, got %d", w.Code)
	}
}
