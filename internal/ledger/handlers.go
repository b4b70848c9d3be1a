package ledger

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/auth"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/pagination"
)

// Handler provides HTTP endpoints for wallet reads.
type Handler struct {
	service  *Service
	currency string
	logger   *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *Service, currency string, logger *slog.Logger) *Handler {
	return &Handler{service: service, currency: currency, logger: logger}
}

// RegisterRoutes sets up wallet routes for the authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/entries", h.ListEntries)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/wallets/:userId/audit", h.Audit)
	r.GET("/admin/wallets/:userId/entries", h.ListUserEntries)
}

// GetWallet handles GET /wallet
func (h *Handler) GetWallet(c *gin.Context) {
	userID := auth.CallerID(c)
	balance, err := h.service.Balance(c.Request.Context(), userID)
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":   userID,
		"balance":  money.Format(balance),
		"currency": h.currency,
	})
}

// ListEntries handles GET /wallet/entries
func (h *Handler) ListEntries(c *gin.Context) {
	h.listEntries(c, auth.CallerID(c))
}

// ListUserEntries handles GET /admin/wallets/:userId/entries
func (h *Handler) ListUserEntries(c *gin.Context) {
	h.listEntries(c, c.Param("userId"))
}

func (h *Handler) listEntries(c *gin.Context, userID string) {
	entries, next, err := h.service.History(c.Request.Context(), userID,
		c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"count":      len(entries),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// Audit handles GET /admin/wallets/:userId/audit
func (h *Handler) Audit(c *gin.Context) {
	report, err := h.service.Audit(c.Request.Context(), c.Param("userId"))
	if err != nil {
		apperr.Respond(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
