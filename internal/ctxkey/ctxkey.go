// Package ctxkey centralizes the gin.Context keys the gateway sets,
// mirroring the teacher's common/ctxkey package.
package ctxkey

const (
	// ConsumerID is the opaque consumer identifier read from the identity
	// header set by the upstream edge auth gateway.
	ConsumerID = "consumer_id"
	// ConsumerName is the display name from the identity headers.
	ConsumerName = "consumer_name"
	// ExternalID is the external id from the identity headers.
	ExternalID = "external_id"
	// RequestID is a per-request generated identifier used for audit rows
	// and log correlation.
	RequestID = "request_id"
	// Provider is the detected provider tag (openai|anthropic|local).
	Provider = "provider"
	// Model is the provider-stripped model name.
	Model = "model"
	// RequestBody caches the raw request bytes so handlers can re-read them.
	RequestBody = "request_body"
)
