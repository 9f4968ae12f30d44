package gateway

// RewriteParams implements spec.md §4.1's bidirectional parameter
// rewrite on a decoded JSON request body:
//
//   - strict-completion OpenAI models (gpt-5*, o1*): rename
//     max_tokens → max_completion_tokens; if both present, keep
//     max_completion_tokens and drop max_tokens.
//   - local-inference provider: the inverse rename.
//   - all other OpenAI models: left as-is.
//   - streamed OpenAI-family requests get stream_options.include_usage
//     forced true, since it is the only reliable source of token
//     counts for a streamed OpenAI response.
//
// body is mutated in place; it must already be decoded from JSON
// (map[string]any, matching encoding/json's default object decoding).
func RewriteParams(provider Provider, strippedModel string, body map[string]any) {
	switch {
	case provider == ProviderOpenAI && classify(provider, strippedModel) == classStrictCompletion:
		renameField(body, "max_tokens", "max_completion_tokens")
	case provider == ProviderLocal:
		renameField(body, "max_completion_tokens", "max_tokens")
	}

	if provider == ProviderOpenAI && isStreamRequested(body) {
		forceIncludeUsage(body)
	}
}

// renameField implements the "if request has from and not to, rename
// it; if both present, keep to and drop from" rule shared by both
// rewrite directions.
func renameField(body map[string]any, from, to string) {
	toVal, hasTo := body[to]
	fromVal, hasFrom := body[from]
	if !hasFrom {
		return
	}
	if hasTo {
		_ = toVal
		delete(body, from)
		return
	}
	body[to] = fromVal
	delete(body, from)
}

func isStreamRequested(body map[string]any) bool {
	stream, ok := body["stream"].(bool)
	return ok && stream
}

// forceIncludeUsage sets stream_options.include_usage = true unless
// already set, spec.md §4.1 "this is mandatory".
func forceIncludeUsage(body map[string]any) {
	opts, ok := body["stream_options"].(map[string]any)
	if !ok {
		opts = map[string]any{}
		body["stream_options"] = opts
	}
	if _, set := opts["include_usage"]; !set {
		opts["include_usage"] = true
	}
}
