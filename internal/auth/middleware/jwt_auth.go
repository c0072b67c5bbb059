package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/afkfleet/afkfleet-backend/internal/auth/service"
)

// CtxUsername is the gin context key holding the authenticated username.
const CtxUsername = "username"

// RequireAuth validates the Bearer token and stores the resolved username in
// the context. Every mutating route runs behind it.
func RequireAuth(authService *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authorization token required"})
			c.Abort()
			return
		}

		claims := authService.VerifyToken(token)
		if claims == nil {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(CtxUsername, claims.Username)
		c.Next()
	}
}

// Username extracts the authenticated username set by RequireAuth.
func Username(c *gin.Context) string {
	return strings.TrimSpace(c.GetString(CtxUsername))
}

// extractToken extracts the Bearer token from the Authorization header.
func extractToken(c *gin.Context) string {
	bearerToken := c.GetHeader("Authorization")
	if len(bearerToken) > 7 && strings.HasPrefix(bearerToken, "Bearer ") {
		return bearerToken[7:]
	}
	return ""
}
