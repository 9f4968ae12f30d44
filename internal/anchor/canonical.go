package anchor

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"

	"github.com/laisky/llmgateway/internal/merkle"
)

// LeafInput is the set of fields spec.md §4.5 step 1 canonicalizes
// into one Merkle leaf: `canonical(record) = {consumerId, provider,
// model, promptTokens, completionTokens, requestHash, responseHash}`.
type LeafInput struct {
	ConsumerID       string `json:"consumerId"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptTokens     int64  `json:"promptTokens"`
	CompletionTokens int64  `json:"completionTokens"`
	RequestHash      string `json:"requestHash"`
	ResponseHash     string `json:"responseHash"`
}

// Canonicalize renders a LeafInput as deterministic key-ordered JSON.
// Go's encoding/json always emits struct fields in declaration order,
// so a fixed field order on the struct is sufficient determinism here
// — no generic map-key sort is needed.
func Canonicalize(in LeafInput) ([]byte, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalize leaf input")
	}
	return b, nil
}

// Leaf hashes a LeafInput into the Merkle leaf, spec.md §4.5 step 1:
// `Li = H(canonical(record_i))`.
func Leaf(in LeafInput) ([32]byte, error) {
	canon, err := Canonicalize(in)
	if err != nil {
		return [32]byte{}, err
	}
	return merkle.LeafHash(canon), nil
}
