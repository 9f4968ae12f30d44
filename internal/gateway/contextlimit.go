package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/laisky/llmgateway/internal/gatewayerr"
)

// contextLimiter implements spec.md §4.1 admission step (iii): for the
// local provider only, the model's context limit is "queried once
// from the provider's introspection endpoint and memoised"
// (SPEC_FULL.md §12), coalescing concurrent first-lookups for the same
// model with singleflight so a cold cache under load does not fire N
// identical introspection calls.
type contextLimiter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cache   *gocache.Cache
	group   singleflight.Group
}

func newContextLimiter(baseURL, apiKey string, client *http.Client) *contextLimiter {
	return &contextLimiter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  client,
		cache:   gocache.New(1*time.Hour, 10*time.Minute),
	}
}

// Check fails with ContextLengthExceeded when estimatedPromptTokens
// exceeds the model's context window.
func (l *contextLimiter) Check(ctx context.Context, model string, estimatedPromptTokens int64) error {
	limit, err := l.limitFor(ctx, model)
	if err != nil {
		// The introspection endpoint being unreachable should not itself
		// block requests — admission proceeds without the check rather
		// than failing every local-provider call on an outage.
		return nil
	}
	if limit > 0 && estimatedPromptTokens > limit {
		return gatewayerr.New(gatewayerr.ContextLengthExceeded,
			"estimated prompt tokens exceed the model's context window")
	}
	return nil
}

func (l *contextLimiter) limitFor(ctx context.Context, model string) (int64, error) {
	if cached, ok := l.cache.Get(model); ok {
		return cached.(int64), nil
	}

	v, err, _ := l.group.Do(model, func() (any, error) {
		if cached, ok := l.cache.Get(model); ok {
			return cached.(int64), nil
		}
		limit, err := l.fetchLimit(ctx, model)
		if err != nil {
			return int64(0), err
		}
		l.cache.SetDefault(model, limit)
		return limit, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

type modelInfoResponse struct {
	ContextLength int64 `json:"context_length"`
}

func (l *contextLimiter) fetchLimit(ctx context.Context, model string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/v1/models/"+model, nil)
	if err != nil {
		return 0, errors.Wrap(err, "build model introspection request")
	}
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "do model introspection request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("model introspection returned %d", resp.StatusCode)
	}

	var out modelInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, errors.Wrap(err, "decode model introspection response")
	}
	return out.ContextLength, nil
}
