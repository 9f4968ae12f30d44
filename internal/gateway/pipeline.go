package gateway

import (
	"context"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/laisky/llmgateway/internal/anchor/batcher"
	"github.com/laisky/llmgateway/internal/audit"
	gwlogger "github.com/laisky/llmgateway/internal/logger"
	"github.com/laisky/llmgateway/internal/metrics"
	"github.com/laisky/llmgateway/internal/pricing"
	"github.com/laisky/llmgateway/internal/usage"
)

// runPostFlight implements spec.md §4.1's "Post-flight" step and §5's
// ordering guarantee: usage extraction → audit insert + quota debit
// (one transaction) → batcher enqueue. It runs detached from the
// client request's cancellation (context.WithoutCancel) so a client
// disconnect never aborts billing or the audit write, per spec.md §5
// "Cancellation".
func (r *Router) runPostFlight(
	c *gin.Context,
	consumerID string,
	provider Provider,
	strippedModel string,
	requestBody, responseBody []byte,
	status int,
	rates pricing.Rates,
) {
	ctx := context.WithoutCancel(c.Request.Context())
	lg := gwlogger.L()

	facts, err := usage.Extract(toUsageProvider(provider), status, requestBody, responseBody)
	if err != nil {
		// spec.md §7 InsufficientUsageData: reject the log, do not debit.
		lg.Warn("usage extraction failed, skipping billing", zap.Error(err))
		return
	}

	cost := pricing.Cost(facts, rates)

	var logID string
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.quota.DebitTx(tx, consumerID, cost); err != nil {
			return err
		}
		id, err := r.audit.Insert(ctx, tx, audit.Record{
			ConsumerID:   consumerID,
			Provider:     string(provider),
			Model:        strippedModel,
			Status:       status,
			Facts:        facts,
			Cost:         cost,
			RequestBody:  requestBody,
			ResponseBody: responseBody,
		})
		if err != nil {
			return err
		}
		logID = id
		return nil
	})
	if err != nil {
		lg.Error("quota debit / audit insert failed", zap.Error(err))
		return
	}

	metrics.QuotaDebitTotal.WithLabelValues(string(provider)).Inc()

	future, err := r.batcher.Enqueue(ctx, batcher.Record{
		LogID:            logID,
		ConsumerID:       consumerID,
		Provider:         string(provider),
		Model:            strippedModel,
		PromptTokens:     facts.PromptTokens,
		CompletionTokens: facts.CompletionTokens,
		RequestHash:      facts.RequestHash,
		ResponseHash:     facts.ResponseHash,
	})
	if err != nil {
		lg.Error("anchor batcher enqueue failed", zap.Error(err))
		return
	}
	_ = future // fire-and-forget from the caller's perspective, spec.md §5
}

func toUsageProvider(p Provider) usage.Provider {
	switch p {
	case ProviderOpenAI:
		return usage.ProviderOpenAI
	case ProviderAnthropic:
		return usage.ProviderAnthropic
	default:
		return usage.ProviderLocal
	}
}
