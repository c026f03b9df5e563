package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codepair/gateway/internal/slogging"
)

// Middleware verifies the access token on the WebSocket handshake before a
// session is registered. The token comes from the Authorization header or,
// because browser WebSocket clients cannot set headers, from the
// access_token query parameter. Verification failure refuses the
// connection; the auth service being unreachable is surfaced as 503, not
// treated as a rejection.
func Middleware(client *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("userId")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "userId query parameter is required",
			})
			return
		}

		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing access token",
			})
			return
		}

		if err := client.Verify(c.Request.Context(), token, userID); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Invalid or expired token",
				})
				return
			}
			slogging.Get().Error("Auth service unreachable during handshake: %v", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "auth_unavailable",
				"message": "Authentication service unavailable",
			})
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return c.Query("access_token")
}
