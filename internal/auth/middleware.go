package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the gin context key for the caller's user id.
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the gin context key for the caller's role.
	ContextKeyRole = "authRole"
)

// Middleware extracts and validates the bearer token.
// Sets authUserID and authRole in context if valid.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if raw != "" {
			if id, err := v.Verify(raw); err == nil {
				c.Set(ContextKeyUserID, id.UserID)
				c.Set(ContextKeyRole, id.Role)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Bearer token required.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated callers without the given role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Bearer token required.",
			})
			return
		}
		if c.GetString(ContextKeyRole) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Insufficient role.",
			})
			return
		}
		c.Next()
	}
}

// CallerID returns the authenticated user id, or "".
func CallerID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// Caller returns the authenticated identity.
func Caller(c *gin.Context) (Identity, bool) {
	id := CallerID(c)
	if id == "" {
		return Identity{}, false
	}
	return Identity{UserID: id, Role: c.GetString(ContextKeyRole)}, true
}
