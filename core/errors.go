package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Request validation and authorization
	ErrValidation    = errors.New("validation failed")
	ErrAuthorization = errors.New("authorization failed")
	ErrQuotaExceeded = errors.New("tenant quota exceeded")

	// Rate limiting and provider protection
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrCircuitOpen         = errors.New("circuit breaker open")
	ErrProviderQuota       = errors.New("provider quota exhausted")
	ErrTransientProvider   = errors.New("transient provider failure")
	ErrPermanentProvider   = errors.New("permanent provider failure")
	ErrProviderUnavailable = errors.New("provider unavailable")

	// Routing
	ErrNoCompatibleProvider = errors.New("no compatible provider")
	ErrAllProvidersFailed   = errors.New("all providers failed")

	// Lifecycle
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrTimeout           = errors.New("request timeout")
	ErrCancelled         = errors.New("request cancelled")
	ErrStreamTimeout     = errors.New("stream idle timeout")
	ErrStreamOverflow    = errors.New("stream buffer overflow")

	// Plugins and registration
	ErrPluginFailure     = errors.New("plugin failure")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotFound          = errors.New("not found")

	// Configuration
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// ErrorKind is the stable taxonomy key surfaced to clients.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindAuthorization     ErrorKind = "authorization"
	KindRateLimited       ErrorKind = "rate_limited"
	KindQuotaExhausted    ErrorKind = "quota_exhausted"
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindTransientProvider ErrorKind = "transient_provider"
	KindPermanentProvider ErrorKind = "permanent_provider"
	KindPluginFailure     ErrorKind = "plugin_failure"
	KindTimeout           ErrorKind = "timeout"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal"
)

// GatewayError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type GatewayError struct {
	Op         string        // Operation that failed (e.g., "router.Route")
	Kind       ErrorKind     // Taxonomy kind
	RequestID  string        // Optional request the error belongs to
	RetryAfter time.Duration // Optional hint for rate/quota errors
	Message    string        // Human-readable message, no secrets
	Err        error         // Underlying error for wrapping
}

func (e *GatewayError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		if e.Op != "" {
			return fmt.Sprintf("%s: %s", e.Op, e.Message)
		}
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind) + " error"
	}
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *GatewayError) Unwrap() error { return e.Err }

// NewGatewayError creates a GatewayError wrapping err.
func NewGatewayError(op string, kind ErrorKind, err error) *GatewayError {
	return &GatewayError{Op: op, Kind: kind, Err: err}
}

// KindOf classifies an arbitrary error into the taxonomy. Unrecognized
// errors are KindInternal.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) && ge.Kind != "" {
		return ge.Kind
	}
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAuthorization), errors.Is(err, ErrQuotaExceeded):
		return KindAuthorization
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrProviderQuota):
		return KindQuotaExhausted
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrTransientProvider), errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrNoCompatibleProvider), errors.Is(err, ErrAllProvidersFailed):
		return KindTransientProvider
	case errors.Is(err, ErrPermanentProvider):
		return KindPermanentProvider
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrStreamTimeout):
		return KindTimeout
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrPluginFailure):
		return KindPluginFailure
	default:
		return KindInternal
	}
}

// IsRetriable reports whether the orchestrator may recover from the error
// through failover to another provider.
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindQuotaExhausted, KindCircuitOpen, KindTransientProvider, KindRateLimited:
		return true
	}
	return false
}

// IsValidation reports whether an error is a request validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsAuthorization reports whether an error is an authorization failure.
func IsAuthorization(err error) bool { return KindOf(err) == KindAuthorization }

// CountsAsBreakerFailure reports whether the error should feed the circuit
// breaker. Validation, authorization and quota errors reflect the caller or
// accounting, not provider health, and are excluded.
func CountsAsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindAuthorization, KindQuotaExhausted,
		KindRateLimited, KindPermanentProvider, KindCancelled:
		return false
	}
	return true
}

// RetryAfterOf extracts the retry-after hint from an error chain, or zero.
func RetryAfterOf(err error) time.Duration {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}

// ClientError is the structured failure object returned at the gateway
// boundary. Stack traces and internal details never cross this boundary.
type ClientError struct {
	Code       ErrorKind `json:"code"`
	Message    string    `json:"message"`
	RetryAfter int       `json:"retryAfter,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
}

// ToClientError converts an internal error to its client-visible form.
// Internal errors are reduced to a generic message; details stay in the
// audit log.
func ToClientError(requestID string, err error) *ClientError {
	kind := KindOf(err)
	ce := &ClientError{Code: kind, RequestID: requestID}
	if kind == KindInternal {
		ce.Message = "internal error"
	} else {
		ce.Message = err.Error()
	}
	if ra := RetryAfterOf(err); ra > 0 {
		ce.RetryAfter = int(ra.Seconds() + 0.5)
	}
	return ce
}
