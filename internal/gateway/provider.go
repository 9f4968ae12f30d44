package gateway

import (
	"strings"

	"github.com/laisky/llmgateway/internal/gatewayerr"
)

// Provider is one of the three upstream dialects spec.md §4.1
// recognises by model-name prefix.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderLocal     Provider = "local"
)

// DetectProvider implements spec.md §4.1 "Provider detection": split
// `provider/modelName`, validate the prefix against the recognised
// set, and strip it before forwarding. Anything else is
// InvalidModelFormat.
func DetectProvider(model string) (Provider, string, error) {
	idx := strings.IndexByte(model, '/')
	if idx <= 0 || idx == len(model)-1 {
		return "", "", gatewayerr.New(gatewayerr.InvalidModelFormat,
			"model must be of the form provider/modelName")
	}

	prefix := Provider(model[:idx])
	rest := model[idx+1:]
	switch prefix {
	case ProviderOpenAI, ProviderAnthropic, ProviderLocal:
		return prefix, rest, nil
	default:
		return "", "", gatewayerr.New(gatewayerr.InvalidModelFormat,
			"unrecognised provider prefix: "+string(prefix))
	}
}

// modelClass is the classification table of spec.md §9's "Branching by
// substring tests on model name" redesign flag: represent as an
// explicit table rather than ad-hoc string contains checks scattered
// through the rewrite logic.
type modelClass int

const (
	classLegacyCompletion modelClass = iota
	classStrictCompletion
)

// strictCompletionPrefixes is spec.md §4.1's "subset of model names
// within openai/ (gpt-5*, o1*)".
var strictCompletionPrefixes = []string{"gpt-5", "o1"}

func classify(provider Provider, strippedModel string) modelClass {
	if provider != ProviderOpenAI {
		return classLegacyCompletion
	}
	for _, prefix := range strictCompletionPrefixes {
		if strings.HasPrefix(strippedModel, prefix) {
			return classStrictCompletion
		}
	}
	return classLegacyCompletion
}
