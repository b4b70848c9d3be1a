package apperr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fundsErr struct{}

func (fundsErr) Error() string { return "insufficient funds: need 10.00, have 5.00" }
func (fundsErr) Unwrap() error { return errFunds }
func (fundsErr) Details() map[string]any {
	return map[string]any{"required": "10.00", "available": "5.00"}
}

var errFunds = New(InsufficientFunds, "insufficient funds")

func respond(t *testing.T, err error) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	Respond(c, nil, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestKindOf_Wrapped(t *testing.T) {
	sentinel := New(Conflict, "duplicate")
	err := fmt.Errorf("create deal: %w", sentinel)

	assert.Equal(t, Conflict, KindOf(err))
	assert.True(t, Is(err, Conflict))
	assert.Equal(t, Internal, KindOf(fmt.Errorf("plain")))
	assert.False(t, Is(nil, Internal))
}

func TestRespond_Statuses(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{Validation, 400},
		{InvalidSignature, 400},
		{Unauthorized, 403},
		{NotFound, 404},
		{InsufficientFunds, 402},
		{InvalidStateTransition, 409},
		{ReleaseExceedsRemaining, 409},
		{Conflict, 409},
		{Transient, 503},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			w, body := respond(t, New(tt.kind, "x"))
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.kind.String(), body["error"])
		})
	}
}

func TestRespond_InsufficientFundsDetails(t *testing.T) {
	w, body := respond(t, fmt.Errorf("debit: %w", fundsErr{}))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_funds", body["error"])
	assert.Equal(t, "10.00", body["required"])
	assert.Equal(t, "5.00", body["available"])
}

func TestRespond_SignatureMessageIsGeneric(t *testing.T) {
	_, body := respond(t, New(InvalidSignature, "hmac mismatch for order_123"))
	assert.Equal(t, "payment verification failed", body["message"])
}

func TestRespond_AlreadyProcessed(t *testing.T) {
	w, body := respond(t, New(AlreadyProcessed, "payment already applied"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "already_processed", body["status"])
}

func TestRespond_InternalHidesCause(t *testing.T) {
	w, body := respond(t, fmt.Errorf("pq: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", body["message"])
}
