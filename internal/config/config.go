// Package config loads the gateway's process-environment configuration
// into a single typed struct at startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the full set of environment-driven settings for one gateway
// process. It is read once at startup; nothing in the hot path re-reads
// the environment.
type Config struct {
	// Upstream providers.
	OpenAIBaseURL    string `validate:"required,url"`
	OpenAIAPIKey     string `validate:"required"`
	AnthropicBaseURL string `validate:"required,url"`
	AnthropicAPIKey  string `validate:"required"`
	LocalBaseURL     string `validate:"required,url"`
	LocalAPIKey      string

	// Identity headers set by the upstream edge auth gateway.
	HeaderConsumerID   string `validate:"required"`
	HeaderConsumerName string
	HeaderExternalID   string

	// Anchoring / on-chain.
	AnchorEndpointURL string `validate:"required,url"`
	AnchorSigningKey  string `validate:"required"`
	ContractAddress   string `validate:"required"`

	// Batching.
	BatchBaseSize      int           `validate:"required,min=1"`
	BatchFlushInterval time.Duration `validate:"required"`
	DailyTxBudget      int           `validate:"required,min=1"`
	AdaptiveBatching   bool

	// Billing / admission.
	DefaultQuota      string `validate:"required"` // decimal string, parsed by the quota store
	StoreFullBodies   bool
	MaxCapturedBodyKB int `validate:"min=1"`

	// Storage.
	DBDriver string `validate:"required,oneof=postgres mysql sqlite"`
	DBDSN    string `validate:"required"`

	// Admin surface.
	AdminSharedSecret string `validate:"required"`

	// Networking.
	UpstreamTimeout time.Duration `validate:"required"`
	ListenAddr      string        `validate:"required"`

	// Redis pub/sub used to propagate pricing-cache invalidation across
	// replicas. Optional: a single-replica deployment can leave this empty
	// and rely on the in-process dirty flag alone.
	RedisAddr string
}

// Load reads a ".env" file if present (ignoring a missing file, the way
// the teacher's godotenv.Load call in cmd/ does for local development),
// then populates Config from the process environment and validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env file")
	}

	cfg := &Config{
		OpenAIBaseURL:      getenv("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		AnthropicBaseURL:   getenv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		AnthropicAPIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		LocalBaseURL:       getenv("LOCAL_BASE_URL", "http://127.0.0.1:8000"),
		LocalAPIKey:        os.Getenv("LOCAL_API_KEY"),
		HeaderConsumerID:   getenv("HEADER_CONSUMER_ID", "X-Consumer-ID"),
		HeaderConsumerName: getenv("HEADER_CONSUMER_NAME", "X-Consumer-Username"),
		HeaderExternalID:   getenv("HEADER_EXTERNAL_ID", "X-Consumer-Custom-ID"),
		AnchorEndpointURL:  os.Getenv("ANCHOR_ENDPOINT_URL"),
		AnchorSigningKey:   os.Getenv("ANCHOR_SIGNING_KEY"),
		ContractAddress:    os.Getenv("ANCHOR_CONTRACT_ADDRESS"),
		BatchBaseSize:      getenvInt("BATCH_BASE_SIZE", 50),
		BatchFlushInterval: getenvDuration("BATCH_FLUSH_INTERVAL", 30*time.Second),
		DailyTxBudget:      getenvInt("DAILY_TX_BUDGET", 200),
		AdaptiveBatching:   getenvBool("ADAPTIVE_BATCHING", true),
		DefaultQuota:       getenv("DEFAULT_QUOTA", "10.00"),
		StoreFullBodies:    getenvBool("STORE_FULL_BODIES", false),
		MaxCapturedBodyKB:  getenvInt("MAX_CAPTURED_BODY_KB", 512),
		DBDriver:           getenv("DB_DRIVER", "sqlite"),
		DBDSN:              getenv("DB_DSN", "file:gateway.db?cache=shared"),
		AdminSharedSecret:  os.Getenv("ADMIN_SHARED_SECRET"),
		UpstreamTimeout:    getenvDuration("UPSTREAM_TIMEOUT", 120*time.Second),
		ListenAddr:         getenv("LISTEN_ADDR", ":3000"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
