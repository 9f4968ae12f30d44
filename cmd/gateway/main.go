// Command gateway runs one LLM API gateway process: it loads
// configuration from the environment, wires every internal component
// together, and serves the HTTP API until terminated.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/laisky/llmgateway/internal/adminapi"
	"github.com/laisky/llmgateway/internal/anchor"
	"github.com/laisky/llmgateway/internal/anchor/batcher"
	"github.com/laisky/llmgateway/internal/audit"
	"github.com/laisky/llmgateway/internal/config"
	"github.com/laisky/llmgateway/internal/gateway"
	"github.com/laisky/llmgateway/internal/httpapi"
	gwlogger "github.com/laisky/llmgateway/internal/logger"
	"github.com/laisky/llmgateway/internal/metrics"
	"github.com/laisky/llmgateway/internal/model"
	"github.com/laisky/llmgateway/internal/pricing"
	"github.com/laisky/llmgateway/internal/quota"
)

func main() {
	if err := run(); err != nil {
		gwlogger.L().Fatal("gateway exited", zap.Error(err))
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	gwlogger.Init(os.Getenv("GATEWAY_DEBUG") == "true")
	lg := gwlogger.L()

	db, err := model.OpenDB(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return errors.Wrap(err, "open database")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	ctx := context.Background()

	pricingEngine, err := pricing.NewEngine(ctx, db, redisClient)
	if err != nil {
		return errors.Wrap(err, "start pricing engine")
	}
	if err := seedPricingFromFile(ctx, pricingEngine, "config/pricing.yaml"); err != nil {
		lg.Warn("skipping pricing seed file", zap.Error(err))
	}

	chain := anchor.NewHTTPChain(cfg.AnchorEndpointURL, cfg.ContractAddress, cfg.AnchorSigningKey, cfg.UpstreamTimeout)
	verifier := anchor.NewVerifier(db)

	anchorBatcher, err := batcher.New(ctx, chain, db, batcher.Config{
		BaseSize:      cfg.BatchBaseSize,
		FlushInterval: cfg.BatchFlushInterval,
		DailyBudget:   cfg.DailyTxBudget,
		Adaptive:      cfg.AdaptiveBatching,
	})
	if err != nil {
		return errors.Wrap(err, "start anchor batcher")
	}
	defer anchorBatcher.Stop()

	defaultQuota, err := decimal.NewFromString(cfg.DefaultQuota)
	if err != nil {
		return errors.Wrapf(err, "parse DEFAULT_QUOTA %q", cfg.DefaultQuota)
	}
	quotaStore := quota.New(db, defaultQuota)
	auditStore := audit.New(db, audit.CaptureConfig{
		StoreFullBodies: cfg.StoreFullBodies,
		MaxBodyBytes:    cfg.MaxCapturedBodyKB * 1024,
	})

	upstreams := map[gateway.Provider]gateway.UpstreamConfig{
		gateway.ProviderOpenAI:    {BaseURL: cfg.OpenAIBaseURL, APIKey: cfg.OpenAIAPIKey},
		gateway.ProviderAnthropic: {BaseURL: cfg.AnthropicBaseURL, APIKey: cfg.AnthropicAPIKey},
		gateway.ProviderLocal:     {BaseURL: cfg.LocalBaseURL, APIKey: cfg.LocalAPIKey},
	}

	router := gateway.New(db, pricingEngine, quotaStore, auditStore, anchorBatcher, upstreams, cfg.UpstreamTimeout, cfg.MaxCapturedBodyKB*1024)
	admin := adminapi.New(auditStore, quotaStore, pricingEngine, verifier)

	engine := httpapi.New(router, admin, httpapi.Options{
		Identity: httpapi.IdentityHeaders{
			ConsumerID:   cfg.HeaderConsumerID,
			ConsumerName: cfg.HeaderConsumerName,
			ExternalID:   cfg.HeaderExternalID,
		},
		AdminSharedSecret: cfg.AdminSharedSecret,
		TraceServiceName:  "llmgateway",
	})

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":9090", Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("metrics server stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: engine}
	go func() {
		lg.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server stopped", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("graceful shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

type pricingSeedRow struct {
	Provider       string  `yaml:"provider"`
	Model          string  `yaml:"model"`
	InputRate      string  `yaml:"input_rate"`
	OutputRate     string  `yaml:"output_rate"`
	CacheWriteRate *string `yaml:"cache_write_rate"`
	CacheReadRate  *string `yaml:"cache_read_rate"`
}

// seedPricingFromFile loads an optional operator-maintained pricing
// table at startup. The database stays the single source of truth:
// the file is applied only while the pricing table is empty, so it
// bootstraps a fresh deployment and never overwrites existing rows.
func seedPricingFromFile(ctx context.Context, engine *pricing.Engine, path string) error {
	existing, err := engine.ListAll(ctx)
	if err != nil {
		return errors.Wrap(err, "check existing pricing rows")
	}
	if len(existing) > 0 {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read pricing seed file")
	}

	var seedRows []pricingSeedRow
	if err := yaml.Unmarshal(raw, &seedRows); err != nil {
		return errors.Wrap(err, "parse pricing seed file")
	}

	rows := make([]model.ModelPricing, 0, len(seedRows))
	for _, s := range seedRows {
		input, err := decimal.NewFromString(s.InputRate)
		if err != nil {
			return errors.Wrapf(err, "parse input_rate for %s/%s", s.Provider, s.Model)
		}
		output, err := decimal.NewFromString(s.OutputRate)
		if err != nil {
			return errors.Wrapf(err, "parse output_rate for %s/%s", s.Provider, s.Model)
		}
		row := model.ModelPricing{Provider: s.Provider, Model: s.Model, InputRate: input, OutputRate: output}
		if s.CacheWriteRate != nil {
			v, err := decimal.NewFromString(*s.CacheWriteRate)
			if err != nil {
				return errors.Wrapf(err, "parse cache_write_rate for %s/%s", s.Provider, s.Model)
			}
			row.CacheWriteRate = &v
		}
		if s.CacheReadRate != nil {
			v, err := decimal.NewFromString(*s.CacheReadRate)
			if err != nil {
				return errors.Wrapf(err, "parse cache_read_rate for %s/%s", s.Provider, s.Model)
			}
			row.CacheReadRate = &v
		}
		rows = append(rows, row)
	}

	return engine.Seed(ctx, rows)
}
