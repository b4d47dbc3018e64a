package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OriginCheck returns a middleware that only allows browser requests
// from the listed origins. Requests without an Origin header
// (same-origin navigation, curl, native clients) always pass. An empty
// allowlist allows every origin.
func OriginCheck(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || len(allowed) == 0 {
			c.Next()
			return
		}
		if !allowed[origin] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Next()
	}
}
