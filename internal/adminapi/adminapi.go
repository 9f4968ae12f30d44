// Package adminapi implements the read-only admin/query surface of
// spec.md's component table ("Admin/query surface... Read-side
// endpoints for audit, stats, pricing, verification"), gated by a
// shared-secret header rather than the full RBAC that belongs to the
// out-of-scope admin console.
package adminapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/laisky/llmgateway/internal/anchor"
	"github.com/laisky/llmgateway/internal/audit"
	"github.com/laisky/llmgateway/internal/pricing"
	"github.com/laisky/llmgateway/internal/quota"
)

// RequireSharedSecret rejects any admin request that doesn't present
// the configured secret via the X-Admin-Secret header.
func RequireSharedSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin secret"})
			return
		}
		c.Next()
	}
}

// Handler bundles the read-only dependencies the admin surface needs.
type Handler struct {
	audit    *audit.Store
	quota    *quota.Store
	pricing  *pricing.Engine
	verifier *anchor.Verifier
}

// New builds an admin Handler.
func New(auditStore *audit.Store, quotaStore *quota.Store, pricingEngine *pricing.Engine, verifier *anchor.Verifier) *Handler {
	return &Handler{audit: auditStore, quota: quotaStore, pricing: pricingEngine, verifier: verifier}
}

// GetAudit returns one usage_logs row by id.
func (h *Handler) GetAudit(c *gin.Context) {
	row, err := h.audit.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit record not found"})
		return
	}
	c.JSON(http.StatusOK, row)
}

// GetConsumerUsage returns a consumer's quota row plus recent usage.
func (h *Handler) GetConsumerUsage(c *gin.Context) {
	consumerID := c.Param("id")
	quotaRow, err := h.quota.Get(c.Request.Context(), consumerID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "consumer not found"})
		return
	}
	rows, err := h.audit.ListByConsumer(c.Request.Context(), consumerID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": quotaRow, "usage": rows})
}

// ListPricing dumps the current pricing table, used by operators to
// confirm a seed or edit took effect.
func (h *Handler) ListPricing(c *gin.Context) {
	rows, err := h.pricing.ListAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load pricing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pricing": rows})
}

// VerifyLog implements spec.md §4.5's verifyLog admin surface.
func (h *Handler) VerifyLog(c *gin.Context) {
	result, err := h.verifier.VerifyLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
