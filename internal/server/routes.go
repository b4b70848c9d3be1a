package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealroom/internal/auth"
	"github.com/mbd888/dealroom/internal/escrow"
	"github.com/mbd888/dealroom/internal/ledger"
	"github.com/mbd888/dealroom/internal/metrics"
	"github.com/mbd888/dealroom/internal/payout"
	"github.com/mbd888/dealroom/internal/ratelimit"
	"github.com/mbd888/dealroom/internal/reconciliation"
	"github.com/mbd888/dealroom/internal/settings"
	"github.com/mbd888/dealroom/internal/verification"
)

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	reconHandler := reconciliation.NewHandler(s.reconciliation, s.logger)

	// The gateway authenticates with a body signature, not a bearer token,
	// and is not rate limited per IP.
	reconHandler.RegisterWebhookRoutes(s.router.Group("/v1"))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig(s.cfg.RateLimitRPS))
	v1 := s.router.Group("/v1", auth.Middleware(s.verifier), s.rateLimiter.Middleware(), callerMiddleware())

	v1.GET("/ws", s.realtimeHandler)

	user := v1.Group("", auth.RequireAuth())
	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))

	ledgerHandler := ledger.NewHandler(s.ledger, s.cfg.Currency, s.logger)
	ledgerHandler.RegisterRoutes(user)
	ledgerHandler.RegisterAdminRoutes(admin)

	escrow.NewHandler(s.escrow, s.settings, s.logger).RegisterRoutes(user)

	payoutHandler := payout.NewHandler(s.payouts, s.settings, s.logger)
	payoutHandler.RegisterRoutes(user)
	payoutHandler.RegisterAdminRoutes(admin)

	verificationHandler := verification.NewHandler(s.verifications, s.logger)
	verificationHandler.RegisterRoutes(user)
	verificationHandler.RegisterAdminRoutes(admin)

	reconHandler.RegisterRoutes(user)
	reconHandler.RegisterAdminRoutes(admin)

	settings.NewHandler(s.settings, s.logger).RegisterAdminRoutes(admin)

	admin.GET("/admin/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// realtimeHandler upgrades to the event stream. Browsers cannot set headers
// on a WebSocket handshake, so the token may also come as ?token=.
func (s *Server) realtimeHandler(c *gin.Context) {
	userID := auth.CallerID(c)
	if userID == "" {
		if raw := strings.TrimSpace(c.Query("token")); raw != "" {
			if id, err := s.verifier.Verify(raw); err == nil {
				userID = id.UserID
			}
		}
	}
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthenticated",
			"message": "Bearer token required.",
		})
		return
	}
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, userID)
}
