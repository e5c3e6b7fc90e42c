package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// principalCtxKey is the Gin context key used to store the authenticated caller name.
const principalCtxKey = "principal"

// APIKeyMiddleware maps X-API-Key → principal for operator and service-to-service routes.
// An empty key set rejects every request.
func APIKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader("X-API-Key"))
		principal, ok := keys[apiKey]
		if apiKey == "" || !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(principalCtxKey, principal)
		c.Next()
	}
}

// Principal returns the authenticated caller from the request context.
func Principal(c *gin.Context) string {
	v, _ := c.Get(principalCtxKey)
	s, _ := v.(string)
	return s
}
