package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the shared failure vocabulary every provider adapter and
// gateway stage translates into.
type ErrorKind string

const (
	// KindInvalidRequest indicates a malformed request: unknown task type or
	// empty payload. Caller error, never retried.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindBudgetExceeded indicates a budget scope denied the reservation.
	// Terminal unless the caller opted into degraded routing.
	KindBudgetExceeded ErrorKind = "budget_exceeded"

	// KindCircuitOpen indicates the provider's circuit breaker rejected the
	// call without attempting the network. Provider-local; triggers fallback.
	KindCircuitOpen ErrorKind = "circuit_open"

	// KindRateLimited indicates the provider throttled the call.
	KindRateLimited ErrorKind = "rate_limited"

	// KindTimeout indicates the provider call exceeded its connect or read
	// timeout.
	KindTimeout ErrorKind = "timeout"

	// KindInvalidCredentials indicates the provider rejected our credentials.
	KindInvalidCredentials ErrorKind = "invalid_credentials"

	// KindProviderInternal indicates a 5xx-class provider failure.
	KindProviderInternal ErrorKind = "provider_internal_error"

	// KindNoEligibleProvider indicates routing produced an empty candidate
	// list; no network call was attempted.
	KindNoEligibleProvider ErrorKind = "no_eligible_provider"

	// KindAllProvidersUnavailable indicates every candidate failed or was
	// circuit-open.
	KindAllProvidersUnavailable ErrorKind = "all_providers_unavailable"

	// KindDeadlineExceeded indicates the caller's overall deadline expired
	// while iterating candidates.
	KindDeadlineExceeded ErrorKind = "deadline_exceeded"

	// KindCanceled indicates the caller went away while a provider call or
	// stream was in flight. Never counted against the provider's breaker.
	KindCanceled ErrorKind = "canceled"
)

// Attempt records one candidate try for diagnosability on terminal errors.
type Attempt struct {
	Provider string    `json:"provider"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message,omitempty"`
}

// GatewayError is the canonical error surfaced by the gateway and produced by
// adapters. Terminal errors carry the attempted-provider list; budget denials
// carry the exhausted scope.
type GatewayError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Scope names the exhausted budget scope for KindBudgetExceeded.
	Scope string `json:"scope,omitempty"`

	// Attempts lists candidate providers tried before a terminal failure.
	Attempts []Attempt `json:"attempts,omitempty"`

	// StatusCode overrides the default HTTP mapping when set.
	StatusCode int `json:"-"`
}

func (e *GatewayError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Scope, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatusCode maps the error kind to a response status.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInvalidCredentials:
		return http.StatusBadGateway
	case KindTimeout, KindDeadlineExceeded, KindCanceled:
		return http.StatusGatewayTimeout
	case KindCircuitOpen, KindNoEligibleProvider, KindAllProvidersUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// WithScope sets the exhausted budget scope.
func (e *GatewayError) WithScope(scope string) *GatewayError {
	e.Scope = scope
	return e
}

// WithAttempts attaches the attempted-provider list.
func (e *GatewayError) WithAttempts(attempts []Attempt) *GatewayError {
	e.Attempts = attempts
	return e
}

// NewError creates a GatewayError of the given kind.
func NewError(kind ErrorKind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

func ErrInvalidRequest(message string) *GatewayError {
	return NewError(KindInvalidRequest, message)
}

func ErrBudgetExceeded(scope, message string) *GatewayError {
	return NewError(KindBudgetExceeded, message).WithScope(scope)
}

func ErrCircuitOpen(provider string) *GatewayError {
	return NewError(KindCircuitOpen, fmt.Sprintf("circuit open for provider %s", provider))
}

func ErrTimeout(message string) *GatewayError {
	return NewError(KindTimeout, message)
}

func ErrCanceled(message string) *GatewayError {
	return NewError(KindCanceled, message)
}

func ErrRateLimited(message string) *GatewayError {
	return NewError(KindRateLimited, message)
}

func ErrInvalidCredentials(message string) *GatewayError {
	return NewError(KindInvalidCredentials, message)
}

func ErrProviderInternal(message string) *GatewayError {
	return NewError(KindProviderInternal, message)
}

func ErrNoEligibleProvider(task TaskType) *GatewayError {
	return NewError(KindNoEligibleProvider, fmt.Sprintf("no eligible provider for task type %q", task))
}

func ErrAllProvidersUnavailable(attempts []Attempt) *GatewayError {
	return NewError(KindAllProvidersUnavailable, "all candidate providers failed").WithAttempts(attempts)
}

func ErrDeadlineExceeded(attempts []Attempt) *GatewayError {
	return NewError(KindDeadlineExceeded, "deadline expired while iterating candidates").WithAttempts(attempts)
}

// ProviderLocal reports whether the kind is absorbed inside the engine and
// retried against the next candidate rather than surfaced to the caller.
func ProviderLocal(kind ErrorKind) bool {
	switch kind {
	case KindCircuitOpen, KindRateLimited, KindTimeout, KindInvalidCredentials, KindProviderInternal, KindCanceled:
		return true
	}
	return false
}

// KindOf extracts the ErrorKind from any error, defaulting to
// KindProviderInternal for errors that are not GatewayErrors.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindProviderInternal
}
