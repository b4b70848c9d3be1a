package payout

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/auth"
	"github.com/mbd888/dealroom/internal/pagination"
	"github.com/mbd888/dealroom/internal/settings"
)

// Handler provides HTTP endpoints for payouts.
type Handler struct {
	service  *Service
	settings settings.Provider
	logger   *slog.Logger
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service, provider settings.Provider, logger *slog.Logger) *Handler {
	return &Handler{service: service, settings: provider, logger: logger}
}

// RegisterRoutes sets up routes for the authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payouts", h.RequestPayout)
	r.GET("/payouts", h.ListPayouts)
	r.GET("/payouts/:id", h.GetPayout)
	r.POST("/payouts/:id/cancel", h.CancelPayout)
}

// RegisterAdminRoutes sets up the payout queue for admins.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/payouts", h.ListQueue)
	r.POST("/admin/payouts/:id/transition", h.Transition)
}

// RequestPayout handles POST /v1/payouts
func (h *Handler) RequestPayout(c *gin.Context) {
	var req RequestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	snap, err := h.settings.Snapshot(c.Request.Context())
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}

	p, err := h.service.Request(c.Request.Context(), auth.CallerID(c), req, snap)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payout": view(p)})
}

// ListPayouts handles GET /v1/payouts
func (h *Handler) ListPayouts(c *gin.Context) {
	items, next, err := h.service.ListForUser(c.Request.Context(), auth.CallerID(c), c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": views(items), "nextCursor": next})
}

// GetPayout handles GET /v1/payouts/:id
func (h *Handler) GetPayout(c *gin.Context) {
	id, _ := auth.Caller(c)
	p, err := h.service.Get(c.Request.Context(), id.UserID, c.Param("id"), id.IsAdmin())
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	if id.IsAdmin() {
		c.JSON(http.StatusOK, gin.H{"payout": p})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": view(p)})
}

// CancelPayout handles POST /v1/payouts/:id/cancel
func (h *Handler) CancelPayout(c *gin.Context) {
	p, err := h.service.Cancel(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": view(p)})
}

// ListQueue handles GET /v1/admin/payouts?status=pending
func (h *Handler) ListQueue(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusPending)))
	items, next, err := h.service.ListByStatus(c.Request.Context(), status, c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": items, "nextCursor": next})
}

// Transition handles POST /v1/admin/payouts/:id/transition
func (h *Handler) Transition(c *gin.Context) {
	var req TransitionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "from and to are required")
		return
	}
	p, err := h.service.AdminTransition(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	h.logger.Info("payout transitioned by admin",
		"payoutId", p.ID, "from", req.From, "to", req.To, "admin", auth.CallerID(c))
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// view masks the destination for the payout owner.
func view(p *Payout) *Payout {
	cp := *p
	cp.Destination = p.Destination.Masked()
	return &cp
}

func views(items []*Payout) []*Payout {
	out := make([]*Payout, len(items))
	for i, p := range items {
		out[i] = view(p)
	}
	return out
}
