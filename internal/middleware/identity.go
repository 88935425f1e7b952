package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys set by Identity.
const (
	UserIDKey   = "userID"
	UserNameKey = "userName"
)

// Identity reads the caller from the trusted X-User-ID / X-User-Name headers
// set by the fronting proxy. Browsers cannot set headers on a websocket
// handshake, so the uid and name query parameters are accepted as well.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if uid == "" {
			uid = strings.TrimSpace(c.Query("uid"))
		}
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user id"})
			return
		}

		name := strings.TrimSpace(c.GetHeader("X-User-Name"))
		if name == "" {
			name = strings.TrimSpace(c.Query("name"))
		}
		if name == "" {
			name = uid
		}

		c.Set(UserIDKey, uid)
		c.Set(UserNameKey, name)
		c.Next()
	}
}

// UserID returns the caller set by Identity, or "".
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// UserName returns the caller's display name set by Identity, or "".
func UserName(c *gin.Context) string {
	return c.GetString(UserNameKey)
}
