package verification

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/auth"
	"github.com/mbd888/dealroom/internal/pagination"
)

// Handler provides HTTP endpoints for verification requests.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new verification handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up routes for the authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/verification-requests", h.Create)
	r.GET("/verification-requests", h.List)
	r.GET("/verification-requests/:id", h.Get)
}

// RegisterAdminRoutes sets up admin review routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/verification-requests/:id/review", h.Review)
}

// Create handles POST /v1/verification-requests
func (h *Handler) Create(c *gin.Context) {
	out, err := h.service.Create(c.Request.Context(), auth.CallerID(c))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// List handles GET /v1/verification-requests
func (h *Handler) List(c *gin.Context) {
	requests, err := h.service.ListForUser(c.Request.Context(), auth.CallerID(c), pagination.Limit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests, "count": len(requests)})
}

// Get handles GET /v1/verification-requests/:id
func (h *Handler) Get(c *gin.Context) {
	id, _ := auth.Caller(c)
	r, err := h.service.Get(c.Request.Context(), id.UserID, c.Param("id"), id.IsAdmin())
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

type reviewRequest struct {
	Status Status `json:"status" binding:"required"`
}

// Review handles POST /v1/admin/verification-requests/:id/review
func (h *Handler) Review(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "status is required")
		return
	}
	r, err := h.service.Review(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}
