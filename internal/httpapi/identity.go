package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/laisky/llmgateway/internal/ctxkey"
)

// IdentityHeaders names the request headers the upstream edge auth
// gateway sets, spec.md §6 "the upstream edge translates it to
// identity headers: consumer id, username, external id".
type IdentityHeaders struct {
	ConsumerID   string
	ConsumerName string
	ExternalID   string
}

// RequireIdentity implements spec.md §6's 401 "if identity headers
// absent" rule: the consumer id header is mandatory, the others are
// informational.
func RequireIdentity(h IdentityHeaders) gin.HandlerFunc {
	return func(c *gin.Context) {
		consumerID := c.GetHeader(h.ConsumerID)
		if consumerID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing identity header", "type": "gateway_error", "code": "unauthenticated"},
			})
			return
		}
		c.Set(ctxkey.ConsumerID, consumerID)
		c.Set(ctxkey.ConsumerName, c.GetHeader(h.ConsumerName))
		c.Set(ctxkey.ExternalID, c.GetHeader(h.ExternalID))
		c.Next()
	}
}
