// Package pricing implements the hot in-memory rate table described in
// spec.md §4.3: an exact-match `(provider, model)` lookup with an
// atomic-dirty-flag reload, and the cost formula.
package pricing

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/laisky/llmgateway/internal/gatewayerr"
	gwlogger "github.com/laisky/llmgateway/internal/logger"
	"github.com/laisky/llmgateway/internal/model"
	"github.com/laisky/llmgateway/internal/usage"
)

// Rates are the per-token prices for one (provider, model) pair, spec.md
// §3 "Pricing row". Missing cache rates count as zero in the cost
// formula.
type Rates struct {
	InputRate      decimal.Decimal
	OutputRate     decimal.Decimal
	CacheWriteRate decimal.Decimal
	CacheReadRate  decimal.Decimal
	// Multiplier scales the result of Cost (zero is treated as 1) — the
	// single-tenant analogue of the teacher's per-group/per-channel ratio
	// (SPEC_FULL.md §12). reload sets it to 1 for every row, and no
	// configuration or endpoint sets another value.
	Multiplier decimal.Decimal
}

type key struct {
	provider, model string
}

// Engine is the process-wide pricing cache. One Engine is constructed at
// startup and shared by every request; readers never block per spec.md
// §5 "Shared-resource policy".
type Engine struct {
	db    *gorm.DB
	dirty atomic.Bool

	mu    sync.RWMutex
	rates map[key]Rates

	// redisClient, when configured, lets invalidate() propagate across
	// gateway replicas via pub/sub instead of only flipping the local
	// dirty flag (SPEC_FULL.md §11).
	redisClient *redis.Client
	channel     string
}

// NewEngine loads the pricing table into memory. redisClient may be nil
// for a single-replica deployment.
func NewEngine(ctx context.Context, db *gorm.DB, redisClient *redis.Client) (*Engine, error) {
	e := &Engine{
		db:          db,
		redisClient: redisClient,
		channel:     "pricing:invalidate",
	}
	if err := e.reload(ctx); err != nil {
		return nil, errors.Wrap(err, "initial pricing load")
	}
	if redisClient != nil {
		go e.subscribeInvalidations(context.Background())
	}
	return e, nil
}

func (e *Engine) reload(ctx context.Context) error {
	var rows []model.ModelPricing
	if err := e.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return errors.Wrap(err, "load pricing rows")
	}

	next := make(map[key]Rates, len(rows))
	for _, r := range rows {
		rates := Rates{
			InputRate:  r.InputRate,
			OutputRate: r.OutputRate,
			Multiplier: decimal.NewFromInt(1),
		}
		if r.CacheWriteRate != nil {
			rates.CacheWriteRate = *r.CacheWriteRate
		}
		if r.CacheReadRate != nil {
			rates.CacheReadRate = *r.CacheReadRate
		}
		next[key{provider: r.Provider, model: r.Model}] = rates
	}

	e.mu.Lock()
	e.rates = next
	e.mu.Unlock()
	e.dirty.Store(false)
	return nil
}

// Invalidate flips the dirty flag and, if a redis client is configured,
// publishes to other replicas. The next GetPricing call on any replica
// reloads atomically before serving (spec.md §4.3 "Lifecycle").
func (e *Engine) Invalidate(ctx context.Context) {
	e.dirty.Store(true)
	if e.redisClient != nil {
		if err := e.redisClient.Publish(ctx, e.channel, "1").Err(); err != nil {
			gwlogger.L().Warn("publish pricing invalidation", zap.Error(err))
		}
	}
}

func (e *Engine) subscribeInvalidations(ctx context.Context) {
	sub := e.redisClient.Subscribe(ctx, e.channel)
	defer sub.Close()
	ch := sub.Channel()
	for range ch {
		e.dirty.Store(true)
	}
}

// GetPricing performs the exact-match lookup spec.md §3/§4.3 requires:
// no implicit fallback to a provider-wide default, so an unpriced model
// is a hard UnsupportedModel error rather than a silent zero-cost bill.
func (e *Engine) GetPricing(ctx context.Context, provider, model string) (Rates, error) {
	if e.dirty.Load() {
		if err := e.reload(ctx); err != nil {
			return Rates{}, errors.Wrap(err, "reload pricing after invalidation")
		}
	}

	e.mu.RLock()
	rates, ok := e.rates[key{provider: provider, model: model}]
	e.mu.RUnlock()
	if !ok {
		return Rates{}, gatewayerr.New(gatewayerr.UnsupportedModel,
			"no pricing row for "+provider+"/"+model)
	}
	return rates, nil
}

// Cost implements the formula from spec.md §4.3 and the invariant from
// §8: cost = prompt*inputRate + completion*outputRate +
// cacheCreation*cacheWriteRate + cacheRead*cacheReadRate, scaled by the
// rate-table multiplier.
func Cost(facts usage.Facts, rates Rates) decimal.Decimal {
	total := decimal.NewFromInt(facts.PromptTokens).Mul(rates.InputRate).
		Add(decimal.NewFromInt(facts.CompletionTokens).Mul(rates.OutputRate)).
		Add(decimal.NewFromInt(facts.CacheCreationTokens).Mul(rates.CacheWriteRate)).
		Add(decimal.NewFromInt(facts.CacheReadTokens).Mul(rates.CacheReadRate))

	mult := rates.Multiplier
	if mult.IsZero() {
		mult = decimal.NewFromInt(1)
	}
	return total.Mul(mult)
}

// ListAll returns every pricing row currently persisted, for the admin
// query surface's pricing dump (spec.md's admin/query component table).
// It reads straight from the database rather than the in-memory cache so
// a dump always reflects the latest Seed/edit, even mid-reload.
func (e *Engine) ListAll(ctx context.Context) ([]model.ModelPricing, error) {
	var rows []model.ModelPricing
	if err := e.db.WithContext(ctx).Order("provider, model").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list pricing rows")
	}
	return rows, nil
}

// Seed inserts or updates pricing rows, used by config-driven startup
// seeding (gopkg.in/yaml.v3-decoded pricing table, SPEC_FULL.md §11).
// The admin surface is read-only and has no pricing-edit endpoint.
func (e *Engine) Seed(ctx context.Context, rows []model.ModelPricing) error {
	for _, row := range rows {
		if err := e.db.WithContext(ctx).Save(&row).Error; err != nil {
			return errors.Wrapf(err, "seed pricing row %s/%s", row.Provider, row.Model)
		}
	}
	e.Invalidate(ctx)
	return nil
}
