// Package gatewayerr defines the fixed set of domain error kinds the
// gateway raises, each bound to an HTTP status and a stable code string,
// the way the teacher's middleware.AbortWithError classifies errors by
// status rather than by ad-hoc string matching.
package gatewayerr

import "net/http"

// Kind is one of the error kinds enumerated in spec.md §7.
type Kind string

const (
	InvalidModelFormat    Kind = "invalid_model_format"
	UnsupportedModel      Kind = "unsupported_model"
	QuotaExceeded         Kind = "quota_exceeded"
	ContextLengthExceeded Kind = "context_length_exceeded"
	UpstreamError         Kind = "upstream_error"
	InsufficientUsageData Kind = "insufficient_usage_data"
	InternalError         Kind = "internal_error"
)

// Status returns the HTTP status code the client sees for a given kind,
// per spec.md §4.1 and §7. UpstreamError has no fixed status: the caller
// must propagate whatever the upstream returned.
func (k Kind) Status() int {
	switch k {
	case InvalidModelFormat, UnsupportedModel, ContextLengthExceeded:
		return http.StatusBadRequest
	case QuotaExceeded:
		return http.StatusTooManyRequests
	case InsufficientUsageData, InternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed gateway error with a stable machine-readable code,
// matching the client-facing `{error:{message,type,code}}` body spec.md
// §6 requires.
type Error struct {
	Kind    Kind
	Message string
	// cause wraps the originating error, when any, without changing the
	// public HTTP contract.
	cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a human-readable message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches kind/message to an underlying cause, preserving it for
// errors.Is/As chains and logging.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Body is the JSON error envelope returned to clients.
type Body struct {
	Error BodyError `json:"error"`
}

// BodyError is the inner object of Body.
type BodyError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ToBody renders the error as the wire envelope spec.md §6 requires.
func (e *Error) ToBody() Body {
	return Body{Error: BodyError{
		Message: e.Error(),
		Type:    "gateway_error",
		Code:    string(e.Kind),
	}}
}
