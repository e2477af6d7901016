package middlewares

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const adminKeyHeader = "X-Admin-Key"

// RequireAdminKey guards the admin surface with a shared key. An empty
// configured key disables the admin routes entirely rather than leaving
// them open.
func RequireAdminKey(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "Forbidden",
				"message": "Admin API is not configured",
			})
			c.Abort()
			return
		}

		supplied := c.GetHeader(adminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(adminKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "Invalid admin key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
