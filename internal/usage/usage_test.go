package usage

import (
	"testing"

	"github.com/laisky/llmgateway/internal/gatewayerr"
)

func TestExtract_Scenario1_OpenAINonStream(t *testing.T) {
	req := []byte(`{"model":"openai/gpt-5","max_completion_tokens":10}`)
	resp := []byte(`{"usage":{"prompt_tokens":8,"completion_tokens":12}}`)

	facts, err := Extract(ProviderOpenAI, 200, req, resp)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if facts.PromptTokens != 8 || facts.CompletionTokens != 12 {
		t.Fatalf("got prompt=%d completion=%d, want 8/12", facts.PromptTokens, facts.CompletionTokens)
	}
	if facts.Estimated {
		t.Fatalf("facts should not be marked estimated when usage was reported")
	}
}

func TestExtract_Scenario2_AnthropicSSEWithCache(t *testing.T) {
	sse := []byte("" +
		"event: message_start\n" +
		"data: {\"type\":\"message_start\"}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\"}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"usage\":{\"input_tokens\":100,\"output_tokens\":50,\"cache_creation_input_tokens\":2000,\"cache_read_input_tokens\":500}}\n\n" +
		"data: [DONE]\n")

	facts, err := Extract(ProviderAnthropic, 200, []byte(`{}`), sse)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if facts.PromptTokens != 100 || facts.CompletionTokens != 50 {
		t.Fatalf("got prompt=%d completion=%d, want 100/50", facts.PromptTokens, facts.CompletionTokens)
	}
	if facts.CacheCreationTokens != 2000 || facts.CacheReadTokens != 500 {
		t.Fatalf("got cacheCreate=%d cacheRead=%d, want 2000/500", facts.CacheCreationTokens, facts.CacheReadTokens)
	}
}

func TestExtract_Scenario3_OpenAICachedTokensSplit(t *testing.T) {
	resp := []byte(`{"usage":{"prompt_tokens":2000,"completion_tokens":30,"prompt_tokens_details":{"cached_tokens":1500}}}`)

	facts, err := Extract(ProviderOpenAI, 200, []byte(`{}`), resp)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if facts.PromptTokens != 500 {
		t.Fatalf("promptTokens = %d, want 500", facts.PromptTokens)
	}
	if facts.CacheReadTokens != 1500 {
		t.Fatalf("cacheReadTokens = %d, want 1500", facts.CacheReadTokens)
	}
}

func TestExtract_Scenario4_CancelledStreamFallsBackToEstimate(t *testing.T) {
	// Three messages whose contents plus the extractor's inter-message
	// separators total 400 characters, captured body ends mid-stream
	// with no usage chunk.
	req := []byte(`{"messages":[` +
		`{"role":"user","content":"` + repeat("a", 131) + `"},` +
		`{"role":"user","content":"` + repeat("b", 135) + `"},` +
		`{"role":"user","content":"` + repeat("c", 131) + `"}]}`)
	captured := repeat("x", 40) // 40 captured chars -> ceil(40/4) = 10

	facts, err := Extract(ProviderOpenAI, 499, req, []byte(captured))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !facts.Estimated {
		t.Fatalf("expected fallback estimation to be used")
	}
	if facts.PromptTokens != 100 {
		t.Fatalf("promptTokens = %d, want ceil(400/4)=100", facts.PromptTokens)
	}
	if facts.CompletionTokens != 10 {
		t.Fatalf("completionTokens = %d, want ceil(40/4)=10", facts.CompletionTokens)
	}
}

func TestExtract_Scenario5_ErrorWithNoBodyYieldsPromptOnlyEstimate(t *testing.T) {
	req := []byte(`{"messages":[{"role":"user","content":"hello"}]}`)

	facts, err := Extract(ProviderOpenAI, 400, req, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if facts.CompletionTokens != 0 {
		t.Fatalf("completionTokens = %d, want 0 for an error with no body", facts.CompletionTokens)
	}
}

func TestExtract_SuccessWithNoUsageAndNoTextIsInsufficientUsageData(t *testing.T) {
	_, err := Extract(ProviderOpenAI, 200, []byte(`{}`), []byte(`{}`))
	if err == nil {
		t.Fatalf("expected an error for a success response with nothing to estimate from")
	}
	gerr, ok := err.(*gatewayerr.Error)
	if !ok {
		t.Fatalf("expected *gatewayerr.Error, got %T", err)
	}
	if gerr.Kind != gatewayerr.InsufficientUsageData {
		t.Fatalf("Kind = %v, want InsufficientUsageData", gerr.Kind)
	}
}

func TestExtract_SSEIdempotence_OnlyLastUsageChunkCounts(t *testing.T) {
	withoutNoise := []byte("" +
		"data: {\"type\":\"x\"}\n\n" +
		"data: {\"type\":\"message_delta\",\"usage\":{\"input_tokens\":1,\"output_tokens\":2}}\n\n" +
		"data: [DONE]\n")

	withNoise := []byte("" +
		"data: {\"type\":\"x\"}\n\n" +
		"data: {\"type\":\"noise-with-usage\",\"usage\":{\"input_tokens\":999,\"output_tokens\":999}}\n\n" +
		"data: {\"type\":\"more-noise\"}\n\n" +
		"data: {\"type\":\"message_delta\",\"usage\":{\"input_tokens\":1,\"output_tokens\":2}}\n\n" +
		"data: [DONE]\n")

	f1, err := Extract(ProviderAnthropic, 200, []byte(`{}`), withoutNoise)
	if err != nil {
		t.Fatalf("Extract (no noise): %v", err)
	}
	f2, err := Extract(ProviderAnthropic, 200, []byte(`{}`), withNoise)
	if err != nil {
		t.Fatalf("Extract (with noise): %v", err)
	}
	if f1.PromptTokens != f2.PromptTokens || f1.CompletionTokens != f2.CompletionTokens {
		t.Fatalf("inserting unrelated chunks before the final usage chunk changed the result: %+v vs %+v", f1, f2)
	}
	if f2.PromptTokens != 1 || f2.CompletionTokens != 2 {
		t.Fatalf("expected the LAST usage chunk to win, got prompt=%d completion=%d", f2.PromptTokens, f2.CompletionTokens)
	}
}

func TestExtract_Deterministic(t *testing.T) {
	req := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	resp := []byte(`{"usage":{"prompt_tokens":3,"completion_tokens":4}}`)

	f1, err1 := Extract(ProviderOpenAI, 200, req, resp)
	f2, err2 := Extract(ProviderOpenAI, 200, req, resp)
	if err1 != nil || err2 != nil {
		t.Fatalf("Extract errors: %v %v", err1, err2)
	}
	if f1 != f2 {
		t.Fatalf("Extract is not deterministic: %+v vs %+v", f1, f2)
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s[0])
	}
	return string(out)
}
