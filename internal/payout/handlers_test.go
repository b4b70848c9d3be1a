package payout

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dealroom/internal/auth"
	"github.com/mbd888/dealroom/internal/logging"
	"github.com/mbd888/dealroom/internal/settings"
)

func setupTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, c.GetHeader("X-Test-User"))
		role := auth.RoleUser
		if c.GetHeader("X-Test-Admin") == "1" {
			role = auth.RoleAdmin
		}
		c.Set(auth.ContextKeyRole, role)
		c.Next()
	})
	h := NewHandler(f.svc, settings.NewMemoryProvider(snap), logging.Discard())
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1"))
	return r
}

func do(r *gin.Engine, method, path, user string, admin bool, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	if admin {
		req.Header.Set("X-Test-Admin", "1")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type payoutBody struct {
	Payout Payout `json:"payout"`
}

func TestHandler_RequestAndAdminComplete(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "500.00")
	r := setupTestRouter(f)

	w := do(r, http.MethodPost, "/v1/payouts", user, false, RequestInput{Amount: "250.00", Destination: bank})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created payoutBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "XXXXXXXX9012", created.Payout.Destination.AccountNumber)
	assert.Equal(t, "250", created.Payout.Amount.String())

	w = do(r, http.MethodGet, "/v1/admin/payouts", "admin_1", true, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "123456789012", "admins see the full destination")

	path := "/v1/admin/payouts/" + created.Payout.ID + "/transition"
	w = do(r, http.MethodPost, path, "admin_1", true, TransitionInput{From: StatusPending, To: StatusProcessing})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, path, "admin_1", true, TransitionInput{From: StatusPending, To: StatusProcessing})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, path, "admin_1", true, TransitionInput{From: StatusProcessing, To: StatusCompleted})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/payouts/"+created.Payout.ID, user, false, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got payoutBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, StatusCompleted, got.Payout.Status)
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "500.00")
	r := setupTestRouter(f)

	w := do(r, http.MethodPost, "/v1/payouts", user, false, RequestInput{Amount: "20.00", Destination: bank})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/payouts", user, false, RequestInput{Amount: "900.00", Destination: bank})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	p := f.request(t, "200.00")
	w = do(r, http.MethodGet, "/v1/payouts/"+p.ID, "stranger", false, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/v1/payouts/"+p.ID+"/cancel", user, false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodPost, "/v1/payouts/"+p.ID+"/cancel", user, false, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}
