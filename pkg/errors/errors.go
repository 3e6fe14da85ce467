package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a provider failure into a closed set of causes.
type ErrorKind string

const (
	KindNetworkTimeout ErrorKind = "network_timeout"
	KindRateLimit      ErrorKind = "rate_limit"
	KindServerError    ErrorKind = "server_error"
	KindAuthFailure    ErrorKind = "auth_failure"
	KindBadRequest     ErrorKind = "bad_request"
	KindContextTooLong ErrorKind = "context_too_long"
	KindConnection     ErrorKind = "connection_error"
	KindUnknown        ErrorKind = "unknown"
)

// retryableKinds are the kinds worth retrying with backoff. Everything else
// either needs caller intervention or a credential rotation.
var retryableKinds = map[ErrorKind]bool{
	KindNetworkTimeout: true,
	KindRateLimit:      true,
	KindServerError:    true,
	KindConnection:     true,
}

// IsRetryableKind reports whether kind is in the default retryable set.
// KindUnknown is deliberately not retryable.
func IsRetryableKind(kind ErrorKind) bool {
	return retryableKinds[kind]
}

// OrchestrationError is the error currency of the orchestration core.
type OrchestrationError struct {
	Kind       ErrorKind         `json:"kind"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	Cause      error             `json:"-"`
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *OrchestrationError) Unwrap() error {
	return e.Cause
}

// NewError creates a new orchestration error.
func NewError(kind ErrorKind, code, message string) *OrchestrationError {
	return &OrchestrationError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// WithCause attaches the underlying cause.
func (e *OrchestrationError) WithCause(cause error) *OrchestrationError {
	e.Cause = cause
	return e
}

// WithSuggestion attaches a user-facing remediation hint.
func (e *OrchestrationError) WithSuggestion(suggestion string) *OrchestrationError {
	e.Suggestion = suggestion
	return e
}

// WithRetryAfter attaches an explicit server-provided retry delay.
func (e *OrchestrationError) WithRetryAfter(d time.Duration) *OrchestrationError {
	e.RetryAfter = d
	return e
}

// WithDetail adds a detail entry.
func (e *OrchestrationError) WithDetail(key, value string) *OrchestrationError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// RetryableError marks a transient failure that the retry executor may retry.
type RetryableError struct {
	*OrchestrationError
}

// PermanentError marks a failure that retrying cannot fix. It carries a
// suggestion so callers can surface something actionable.
type PermanentError struct {
	*OrchestrationError
}

// NewRetryable wraps an orchestration error as retryable.
func NewRetryable(err *OrchestrationError) *RetryableError {
	return &RetryableError{OrchestrationError: err}
}

// NewPermanent wraps an orchestration error as permanent.
func NewPermanent(err *OrchestrationError) *PermanentError {
	return &PermanentError{OrchestrationError: err}
}

// IsRetryable reports whether err (or anything it wraps) is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Common constructors

func NewTimeoutError(operation string) *OrchestrationError {
	return NewError(KindNetworkTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation)).
		WithSuggestion("the provider is slow; the request will be retried automatically")
}

func NewRateLimitError(provider string) *OrchestrationError {
	return NewError(KindRateLimit, "RATE_LIMIT_EXCEEDED", fmt.Sprintf("provider %s rate limited the request", provider)).
		WithDetail("provider", provider).
		WithSuggestion("reduce request volume or raise the provider's rate limit tier")
}

func NewServerError(provider, message string) *OrchestrationError {
	return NewError(KindServerError, "PROVIDER_SERVER_ERROR", message).
		WithDetail("provider", provider)
}

func NewAuthFailureError(provider string) *OrchestrationError {
	return NewError(KindAuthFailure, "AUTH_FAILURE", fmt.Sprintf("provider %s rejected the credential", provider)).
		WithDetail("provider", provider).
		WithSuggestion("verify the API key is valid and has not been revoked")
}

func NewBadRequestError(message string) *OrchestrationError {
	return NewError(KindBadRequest, "BAD_REQUEST", message).
		WithSuggestion("check the request parameters; this request will not be retried")
}

func NewContextTooLongError(model string) *OrchestrationError {
	return NewError(KindContextTooLong, "CONTEXT_TOO_LONG", fmt.Sprintf("prompt exceeds the context window of %s", model)).
		WithDetail("model", model).
		WithSuggestion("shorten the prompt or pick a model with a larger context window")
}

func NewConnectionError(provider string, cause error) *OrchestrationError {
	return NewError(KindConnection, "CONNECTION_ERROR", fmt.Sprintf("could not reach provider %s", provider)).
		WithDetail("provider", provider).
		WithCause(cause)
}

func NewValidationError(message string) *OrchestrationError {
	return NewError(KindBadRequest, "VALIDATION_ERROR", message)
}

func NewInternalError(message string) *OrchestrationError {
	return NewError(KindUnknown, "INTERNAL_ERROR", message)
}

// IsKind checks whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

// GetKind extracts the kind from err, defaulting to KindUnknown.
func GetKind(err error) ErrorKind {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindUnknown
}

// GetCode extracts the code from err.
func GetCode(err error) string {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return "UNKNOWN_ERROR"
}

// GetRetryAfter extracts an explicit retry-after hint, zero if absent.
func GetRetryAfter(err error) time.Duration {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.RetryAfter
	}
	return 0
}
