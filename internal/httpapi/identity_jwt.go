package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	gwlogger "github.com/laisky/llmgateway/internal/logger"
)

// VerifyIdentityAssertion is a defensive check on an optional signed
// identity-assertion header the edge auth gateway may attach
// alongside the plain identity headers (SPEC_FULL.md §11). Primary
// identity trust is still header-based per spec.md's Non-goals — this
// only rejects a request whose assertion is present but invalid,
// catching a misconfigured or spoofed edge hop rather than replacing
// the non-goal'd auth mechanism.
func VerifyIdentityAssertion(headerName string, verifyKey []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(headerName)
		if token == "" || len(verifyKey) == 0 {
			c.Next()
			return
		}

		_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			return verifyKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			gwlogger.L().Warn("rejecting request with invalid identity assertion")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid identity assertion", "type": "gateway_error", "code": "unauthenticated"},
			})
			return
		}
		c.Next()
	}
}
