// Package usage implements the response/usage extractor from spec.md
// §4.2: SSE and JSON parsing across the OpenAI and Anthropic usage
// schemas, with fallback token estimation when the upstream never
// reports usage.
package usage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/laisky/llmgateway/internal/gatewayerr"
	"github.com/laisky/llmgateway/internal/tokenest"
)

// Facts is the normalized usage extracted from one upstream call,
// spec.md §4.2 `UsageFacts`.
type Facts struct {
	PromptTokens        int64
	CompletionTokens    int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	RequestHash         string
	ResponseHash        string
	// Estimated marks that at least one of the token counts came from the
	// fallback heuristic rather than an upstream-reported usage object
	// ("mark record as estimated internally" per spec.md §7
	// ExtractionEstimated).
	Estimated bool
}

// Provider is the detected upstream dialect, used only to pick the usage
// schema to look for — the two providers agree on transport (HTTP, JSON
// or SSE) but disagree on field names (spec.md §4.2).
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderLocal     Provider = "local"
)

type openAIUsage struct {
	PromptTokens     *int64 `json:"prompt_tokens"`
	CompletionTokens *int64 `json:"completion_tokens"`
	PromptDetails    *struct {
		CachedTokens *int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type anthropicUsage struct {
	InputTokens              *int64 `json:"input_tokens"`
	OutputTokens             *int64 `json:"output_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
}

// rawUsageFrame is the shape both provider schemas happen to share enough
// of to detect "is there a usage object in this JSON frame at all".
type rawUsageFrame struct {
	Usage json.RawMessage `json:"usage"`
	// Anthropic's message_delta SSE event nests usage at top level too,
	// identical position to the non-streaming top-level `usage` key, so
	// no special-casing is needed beyond trying both schemas below.
	Type string `json:"type"`
}

// Extract implements the single public operation of spec.md §4.2. It is
// deterministic: identical (requestBody, responseBody, provider, status)
// always yields identical Facts, as required by the spec.
func Extract(provider Provider, status int, requestBody, responseBody []byte) (Facts, error) {
	facts := Facts{
		RequestHash:  hashHex(requestBody),
		ResponseHash: hashHex(responseBody),
	}

	normalized, found := findUsageObject(responseBody)
	if found {
		p, c, cc, cr, ok := normalizeUsage(provider, normalized)
		if ok {
			facts.PromptTokens = p
			facts.CompletionTokens = c
			facts.CacheCreationTokens = cc
			facts.CacheReadTokens = cr
			return facts, nil
		}
	}

	// Fallback estimation path, spec.md §4.2 "Fallback estimation".
	facts.Estimated = true
	if len(responseBody) > 0 {
		facts.CompletionTokens = ceilDiv(int64(len(string(responseBody))), 4)
	}

	promptText, hasStructured := extractPromptText(requestBody)
	switch {
	case hasStructured:
		facts.PromptTokens = tokenest.CharEstimate(promptText, 4)
	default:
		facts.PromptTokens = tokenest.CharEstimate(string(requestBody), 6)
	}

	if status >= 400 && len(responseBody) == 0 {
		// "error status with no response body, estimate prompt tokens only"
		facts.CompletionTokens = 0
		return facts, nil
	}

	if status < 400 && facts.PromptTokens == 0 && facts.CompletionTokens == 0 {
		return Facts{}, gatewayerr.New(gatewayerr.InsufficientUsageData,
			"success response carried no usage data and no text to estimate from")
	}

	return facts, nil
}

// findUsageObject implements spec.md §4.2 "Response shape detection" +
// "SSE extraction idempotence": for SSE, walk `data:` chunks in reverse
// and take the first that parses as JSON with a non-empty `usage`
// object; for plain JSON, use the top-level `usage` object.
func findUsageObject(body []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}

	if bytes.HasPrefix(trimmed, []byte("event:")) || bytes.HasPrefix(trimmed, []byte("data:")) {
		return findUsageInSSE(trimmed)
	}

	var frame rawUsageFrame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return nil, false
	}
	if len(frame.Usage) == 0 || string(frame.Usage) == "null" {
		return nil, false
	}
	return frame.Usage, true
}

func findUsageInSSE(body []byte) (json.RawMessage, bool) {
	lines := strings.Split(string(body), "\n")
	var chunks []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		chunks = append(chunks, payload)
	}

	for i := len(chunks) - 1; i >= 0; i-- {
		var frame rawUsageFrame
		if err := json.Unmarshal([]byte(chunks[i]), &frame); err != nil {
			continue
		}
		if len(frame.Usage) == 0 || string(frame.Usage) == "null" {
			continue
		}
		return frame.Usage, true
	}
	return nil, false
}

// normalizeUsage implements spec.md §4.2 "Schema normalisation",
// including the OpenAI cached-tokens split.
func normalizeUsage(provider Provider, raw json.RawMessage) (prompt, completion, cacheCreate, cacheRead int64, ok bool) {
	switch provider {
	case ProviderAnthropic:
		var u anthropicUsage
		if err := json.Unmarshal(raw, &u); err != nil || u.InputTokens == nil || u.OutputTokens == nil {
			return 0, 0, 0, 0, false
		}
		prompt = *u.InputTokens
		completion = *u.OutputTokens
		if u.CacheCreationInputTokens != nil {
			cacheCreate = *u.CacheCreationInputTokens
		}
		if u.CacheReadInputTokens != nil {
			cacheRead = *u.CacheReadInputTokens
		}
		return prompt, completion, cacheCreate, cacheRead, true
	default: // openai and local both speak the OpenAI usage schema
		var u openAIUsage
		if err := json.Unmarshal(raw, &u); err != nil || u.PromptTokens == nil || u.CompletionTokens == nil {
			return 0, 0, 0, 0, false
		}
		prompt = *u.PromptTokens
		completion = *u.CompletionTokens
		if u.PromptDetails != nil && u.PromptDetails.CachedTokens != nil {
			cached := *u.PromptDetails.CachedTokens
			cacheRead = cached
			prompt = prompt - cached // may go negative on malformed input; tolerated per spec.md §4.2
		}
		return prompt, completion, 0, cacheRead, true
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
	Prompt   *string       `json:"prompt"`
}

// extractPromptText implements spec.md §4.2's "messages array (string or
// content-array form) or a legacy prompt string" text concatenation.
func extractPromptText(requestBody []byte) (string, bool) {
	var req chatRequest
	if err := json.Unmarshal(requestBody, &req); err != nil {
		return "", false
	}

	var sb strings.Builder
	wrote := false
	for _, m := range req.Messages {
		wrote = true
		sb.WriteString(contentToText(m.Content))
		sb.WriteString(" ")
	}
	if wrote {
		return sb.String(), true
	}

	if req.Prompt != nil {
		return *req.Prompt, true
	}

	return "", false
}

func contentToText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
