package settings

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealroom/internal/apperr"
)

// Handler exposes admin endpoints for platform settings.
type Handler struct {
	settings Updater
	logger   *slog.Logger
}

// NewHandler creates a settings handler.
func NewHandler(settings Updater, logger *slog.Logger) *Handler {
	return &Handler{settings: settings, logger: logger}
}

// RegisterAdminRoutes sets up admin-only settings routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/settings", h.Get)
	r.PUT("/admin/settings", h.Put)
}

// UpdateRequest is the body of PUT /admin/settings.
type UpdateRequest struct {
	PlatformFeePercent string `json:"platformFeePercent" binding:"required"`
	MinPayout          string `json:"minPayout" binding:"required"`
}

// Get handles GET /admin/settings
func (h *Handler) Get(c *gin.Context) {
	snap, err := h.settings.Snapshot(c.Request.Context())
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Put handles PUT /admin/settings
func (h *Handler) Put(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "platformFeePercent and minPayout are required")
		return
	}
	snap, err := Parse(req.PlatformFeePercent, req.MinPayout)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	if err := h.settings.Update(c.Request.Context(), snap); err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	h.logger.Info("platform settings updated",
		"platform_fee_percent", snap.PlatformFeePercent.String(), "min_payout", snap.MinPayout.StringFixed(2))
	c.JSON(http.StatusOK, snap)
}
