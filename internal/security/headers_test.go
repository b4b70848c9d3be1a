package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for _, production := range []bool{false, true} {
		router := gin.New()
		router.Use(HeadersMiddleware(production))
		router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		headers := map[string]string{
			"X-Content-Type-Options":  "nosniff",
			"X-Frame-Options":         "DENY",
			"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
			"Cache-Control":           "no-store",
		}
		for header, expected := range headers {
			if got := w.Header().Get(header); got != expected {
				t.Errorf("%s = %q, want %q", header, got, expected)
			}
		}
		assert.Equal(t, production, w.Header().Get("Strict-Transport-Security") != "")
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name            string
		allowedOrigins  []string
		requestOrigin   string
		expectHeader    bool
		expectCredsFlag bool
	}{
		{"allowed origin", []string{"https://app.dealroom.in"}, "https://app.dealroom.in", true, true},
		{"trailing slash in config", []string{"https://app.dealroom.in/"}, "https://app.dealroom.in", true, true},
		{"empty list allows any", nil, "https://anything.com", true, false},
		{"wildcard allows any", []string{"*"}, "https://anything.com", true, false},
		{"disallowed origin", []string{"https://app.dealroom.in"}, "https://evil.com", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.Use(CORSMiddleware(tc.allowedOrigins))
			router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Origin", tc.requestOrigin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.expectHeader, w.Header().Get("Access-Control-Allow-Origin") != "")
			assert.Equal(t, tc.expectCredsFlag, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(CORSMiddleware(nil))
	router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Access-Control-Allow-Methods not set")
	}
}

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestValidateOutboundURL(t *testing.T) {
	resolver := fakeResolver{
		"notify.example.com":   {"93.184.216.34"},
		"internal.example.com": {"93.184.216.34", "10.0.0.7"},
	}

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://notify.example.com/hooks", false},
		{"http://notify.example.com/hooks", true},
		{"https://localhost/hooks", true},
		{"https://127.0.0.1/hooks", true},
		{"https://169.254.169.254/latest", true},
		{"https://internal.example.com", true},
		{"https://unknown.example.com", true},
		{"https://93.184.216.34/hooks", false},
		{"://bad", true},
	}
	for _, tc := range tests {
		err := ValidateOutboundURL(context.Background(), tc.url, resolver)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidateOutboundURL(%q) err = %v, wantErr %v", tc.url, err, tc.wantErr)
		}
	}
}
