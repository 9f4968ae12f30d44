// Package gateway implements spec.md §4.1's request router and
// streaming proxy: provider detection, bidirectional parameter
// rewrite, admission (pricing/quota/context-length), streaming
// relay with bounded tee capture, and the post-flight
// usage/pricing/quota/audit/anchor pipeline.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/laisky/llmgateway/internal/anchor/batcher"
	"github.com/laisky/llmgateway/internal/audit"
	"github.com/laisky/llmgateway/internal/ctxkey"
	"github.com/laisky/llmgateway/internal/gatewayerr"
	"github.com/laisky/llmgateway/internal/metrics"
	"github.com/laisky/llmgateway/internal/pricing"
	"github.com/laisky/llmgateway/internal/quota"
	"github.com/laisky/llmgateway/internal/tokenest"
)

// UpstreamConfig is one provider's connection details.
type UpstreamConfig struct {
	BaseURL string
	APIKey  string
}

// Router implements spec.md §4's `proxyChat(request, identity) →
// streamed response` and everything admission/post-flight needs.
type Router struct {
	db      *gorm.DB
	pricing *pricing.Engine
	quota   *quota.Store
	audit   *audit.Store
	batcher *batcher.Batcher

	upstreams map[Provider]UpstreamConfig
	client    *http.Client
	localCtx  *contextLimiter

	maxCapturedBody int
}

// New builds a Router. upstreams must have entries for all three
// providers; the local provider's base URL also backs the
// context-length introspection client.
func New(
	db *gorm.DB,
	pricingEngine *pricing.Engine,
	quotaStore *quota.Store,
	auditStore *audit.Store,
	batcherInst *batcher.Batcher,
	upstreams map[Provider]UpstreamConfig,
	upstreamTimeout time.Duration,
	maxCapturedBodyBytes int,
) *Router {
	client := &http.Client{Timeout: upstreamTimeout}
	local := upstreams[ProviderLocal]
	return &Router{
		db:              db,
		pricing:         pricingEngine,
		quota:           quotaStore,
		audit:           auditStore,
		batcher:         batcherInst,
		upstreams:       upstreams,
		client:          client,
		localCtx:        newContextLimiter(local.BaseURL, local.APIKey, client),
		maxCapturedBody: maxCapturedBodyBytes,
	}
}

type chatRequestEnvelope struct {
	Model string `json:"model"`
}

// ProxyChat is the gin handler implementing spec.md §4.1's single
// public operation end to end.
func (r *Router) ProxyChat(c *gin.Context) {
	lg := gmw.GetLogger(c)
	start := time.Now()

	consumerID, _ := c.Get(ctxkey.ConsumerID)
	consumerName, _ := c.Get(ctxkey.ConsumerName)
	externalID, _ := c.Get(ctxkey.ExternalID)

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		r.abort(c, gatewayerr.Wrap(err, gatewayerr.InternalError, "read request body"))
		return
	}

	var envelope chatRequestEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		r.abort(c, gatewayerr.Wrap(err, gatewayerr.InvalidModelFormat, "malformed JSON body"))
		return
	}

	provider, strippedModel, err := DetectProvider(envelope.Model)
	if err != nil {
		r.abort(c, err)
		return
	}

	// Admission step (i): pricing lookup. Absence rejects before any
	// upstream contact, spec.md §4.1.
	rates, err := r.pricing.GetPricing(c.Request.Context(), string(provider), strippedModel)
	if err != nil {
		r.abort(c, err)
		return
	}

	// Admission step (ii): quota check.
	consumerIDStr, _ := consumerID.(string)
	if err := r.quota.Admit(c.Request.Context(), consumerIDStr, toStr(consumerName), toStr(externalID)); err != nil {
		r.abort(c, err)
		return
	}

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		r.abort(c, gatewayerr.Wrap(err, gatewayerr.InvalidModelFormat, "malformed JSON body"))
		return
	}

	// Admission step (iii): local-provider context length check.
	if provider == ProviderLocal {
		estimated := estimatePromptTokensForAdmission(body)
		if err := r.localCtx.Check(c.Request.Context(), strippedModel, estimated); err != nil {
			r.abort(c, err)
			return
		}
	}

	RewriteParams(provider, strippedModel, body)
	rewrittenBody, err := json.Marshal(body)
	if err != nil {
		r.abort(c, gatewayerr.Wrap(err, gatewayerr.InternalError, "re-encode rewritten request"))
		return
	}

	upstream := r.upstreams[provider]
	upstreamReq, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost,
		upstream.BaseURL+"/v1/chat/completions", bytes.NewReader(rewrittenBody))
	if err != nil {
		r.abort(c, gatewayerr.Wrap(err, gatewayerr.InternalError, "build upstream request"))
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	if upstream.APIKey != "" {
		upstreamReq.Header.Set("Authorization", "Bearer "+upstream.APIKey)
	}

	resp, err := r.client.Do(upstreamReq)
	if err != nil {
		switch {
		case isUpstreamTimeout(err):
			// spec.md §5 "Timeouts": "on timeout the call records as an
			// error with input-only estimated tokens" — route through
			// the post-flight pipeline instead of aborting so the call
			// still bills/audits, same as a client disconnect.
			r.runPostFlight(c, consumerIDStr, provider, strippedModel, rewrittenBody, nil, http.StatusGatewayTimeout, rates)
		case isClientDisconnect(c):
			r.runPostFlight(c, consumerIDStr, provider, strippedModel, rewrittenBody, nil, 499, rates)
		default:
			r.abort(c, gatewayerr.Wrap(err, gatewayerr.UpstreamError, "upstream request failed"))
		}
		return
	}
	defer resp.Body.Close()

	captured, disconnected := r.relay(c, resp)

	status := resp.StatusCode
	if disconnected {
		status = 499
	}
	r.runPostFlight(c, consumerIDStr, provider, strippedModel, rewrittenBody, captured, status, rates)

	metrics.ObserveRequest(string(provider), statusClass(status), time.Since(start))
	lg.Debug("proxyChat completed", zap.String("provider", string(provider)), zap.Int("status", status))
}

// relay streams the upstream response to the client unmodified while
// tee-ing a bounded copy for usage extraction, spec.md §4.1 "Streaming
// proxy". Content-encoding/length headers are stripped since the tee
// may have implicitly decoded the payload.
func (r *Router) relay(c *gin.Context, resp *http.Response) (captured []byte, disconnected bool) {
	for k, vs := range resp.Header {
		if isStrippedHeader(k) {
			continue
		}
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)

	var buf bytes.Buffer
	limit := r.maxCapturedBody
	if limit <= 0 {
		limit = 512 * 1024
	}

	writer := io.MultiWriter(c.Writer, &boundedWriter{buf: &buf, limit: limit})
	flusher, canFlush := c.Writer.(http.Flusher)

	chunk := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			if _, werr := writer.Write(chunk[:n]); werr != nil {
				return buf.Bytes(), true
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			select {
			case <-c.Request.Context().Done():
				return buf.Bytes(), true
			default:
				return buf.Bytes(), false
			}
		}
	}
	return buf.Bytes(), false
}

// boundedWriter caps how much of the response body is retained for
// usage extraction; oversize bodies are truncated and the overflow is
// simply dropped. Nothing checks whether the limit was reached: no
// oversize log line is written, and usage extraction runs on the
// truncated prefix.
type boundedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func isStrippedHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Content-Encoding", "Content-Length", "Transfer-Encoding":
		return true
	default:
		return false
	}
}

// isUpstreamTimeout reports whether err is http.Client's own deadline
// firing, as opposed to a connection-level failure or the client
// disconnecting. http.Client enforces Timeout via a context it derives
// internally (distinct from the request's own context), wrapping the
// result as a *url.Error around either context.DeadlineExceeded or a
// net.Error whose Timeout() is true — so neither a bare
// context.DeadlineExceeded check nor a select on the request's own
// context catches it.
func isUpstreamTimeout(err error) bool {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

func isClientDisconnect(c *gin.Context) bool {
	select {
	case <-c.Request.Context().Done():
		return true
	default:
		return false
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

func (r *Router) abort(c *gin.Context, err error) {
	var gwErr *gatewayerr.Error
	if !asGatewayErr(err, &gwErr) {
		gwErr = gatewayerr.Wrap(err, gatewayerr.InternalError, err.Error())
	}
	c.JSON(gwErr.Kind.Status(), gwErr.ToBody())
}

func asGatewayErr(err error, target **gatewayerr.Error) bool {
	if ge, ok := err.(*gatewayerr.Error); ok {
		*target = ge
		return true
	}
	return false
}

func toStr(v any) string {
	s, _ := v.(string)
	return s
}

// estimatePromptTokensForAdmission gives the local-provider
// context-length check (admission step iii) a cheap prompt-token
// estimate using the real BPE counter where available, falling back
// to the ⌈len/4⌉ char heuristic when the encoder cannot be built.
func estimatePromptTokensForAdmission(body map[string]any) int64 {
	messages, ok := body["messages"].([]any)
	if !ok {
		return 0
	}
	var text string
	for _, m := range messages {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if content, ok := mm["content"].(string); ok {
			text += content + " "
		}
	}
	if count, ok := tokenest.BPEEstimate(text); ok {
		return count
	}
	return tokenest.CharEstimate(text, 4)
}
