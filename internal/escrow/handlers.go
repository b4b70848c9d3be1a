package escrow

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/auth"
	"github.com/mbd888/dealroom/internal/pagination"
	"github.com/mbd888/dealroom/internal/settings"
)

// Handler provides HTTP endpoints for escrow deals.
type Handler struct {
	service  *Service
	settings settings.Provider
	logger   *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, provider settings.Provider, logger *slog.Logger) *Handler {
	return &Handler{service: service, settings: provider, logger: logger}
}

// RegisterRoutes sets up deal routes. All of them require an authenticated
// caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deals", h.CreateDeal)
	r.POST("/deals/gateway", h.CreateGatewayDeal)
	r.GET("/deals", h.ListDeals)
	r.GET("/deals/:id", h.GetDeal)
	r.DELETE("/deals/:id", h.DeleteDeal)
	r.POST("/deals/:id/release", h.ReleaseDeal)
	r.POST("/deals/:id/cancel", h.CancelDeal)
	r.GET("/deals/:id/releases", h.ListReleases)
	r.GET("/conversations/:id/deals", h.ListConversationDeals)
}

// CreateDeal handles POST /v1/deals
func (h *Handler) CreateDeal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	snap, err := h.settings.Snapshot(c.Request.Context())
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}

	deal, err := h.service.CreateWalletFunded(c.Request.Context(), auth.CallerID(c), req, snap)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deal": deal})
}

// CreateGatewayDeal handles POST /v1/deals/gateway
func (h *Handler) CreateGatewayDeal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	snap, err := h.settings.Snapshot(c.Request.Context())
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}

	out, err := h.service.CreateGatewayFunded(c.Request.Context(), auth.CallerID(c), req, snap)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// GetDeal handles GET /v1/deals/:id
func (h *Handler) GetDeal(c *gin.Context) {
	deal, err := h.service.Get(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": deal})
}

// ListDeals handles GET /v1/deals
func (h *Handler) ListDeals(c *gin.Context) {
	deals, next, err := h.service.ListForUser(c.Request.Context(), auth.CallerID(c),
		c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deals":      deals,
		"count":      len(deals),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// ListConversationDeals handles GET /v1/conversations/:id/deals
func (h *Handler) ListConversationDeals(c *gin.Context) {
	deals, next, err := h.service.ListForConversation(c.Request.Context(), auth.CallerID(c),
		c.Param("id"), c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deals":      deals,
		"count":      len(deals),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// ReleaseDeal handles POST /v1/deals/:id/release
func (h *Handler) ReleaseDeal(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "percent is required")
		return
	}

	out, err := h.service.Release(c.Request.Context(), auth.CallerID(c), c.Param("id"), req.Percent, req.Note)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// CancelDeal handles POST /v1/deals/:id/cancel
func (h *Handler) CancelDeal(c *gin.Context) {
	out, err := h.service.Cancel(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// DeleteDeal handles DELETE /v1/deals/:id
func (h *Handler) DeleteDeal(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), auth.CallerID(c), c.Param("id")); err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListReleases handles GET /v1/deals/:id/releases
func (h *Handler) ListReleases(c *gin.Context) {
	releases, err := h.service.Releases(c.Request.Context(), auth.CallerID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"releases": releases, "count": len(releases)})
}
