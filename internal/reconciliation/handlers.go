package reconciliation

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/auth"
	"github.com/mbd888/dealroom/internal/validation"
)

// HeaderWebhookSignature carries the gateway's HMAC of the raw webhook body.
const HeaderWebhookSignature = "X-Razorpay-Signature"

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up routes for the authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/orders", h.CreateOrder)
	r.POST("/payments/verify", h.VerifyPayment)
}

// RegisterWebhookRoutes sets up the gateway webhook. It must not sit behind
// caller authentication; the body signature authenticates it.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Webhook)
}

// RegisterAdminRoutes sets up admin reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation/balances", h.Balances)
	r.POST("/admin/reconciliation/sweep", h.Sweep)
}

// CreateOrder handles POST /v1/payments/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "subjectType is required")
		return
	}
	out, err := h.service.OpenOrder(c.Request.Context(), auth.CallerID(c), req)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// VerifyPayment handles POST /v1/payments/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "orderId, paymentId and signature are required")
		return
	}
	out, err := h.service.ApplyVerifiedPayment(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied", "payment": out})
}

// Webhook handles POST /v1/webhooks/gateway
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, validation.MaxRequestSize))
	if err != nil {
		apperr.BadRequest(c, "unreadable body")
		return
	}
	if err := h.service.ApplyWebhook(c.Request.Context(), body, c.GetHeader(HeaderWebhookSignature)); err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Balances handles GET /v1/admin/reconciliation/balances
func (h *Handler) Balances(c *gin.Context) {
	report, err := h.service.ReconcileBalances(c.Request.Context())
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Sweep handles POST /v1/admin/reconciliation/sweep
func (h *Handler) Sweep(c *gin.Context) {
	out, err := h.service.Sweep(c.Request.Context())
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
