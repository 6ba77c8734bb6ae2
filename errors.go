package stanchion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Error type constants carried in ClientError.Type. They distinguish the
// failure classes callers are expected to branch on: fast-fail because the
// downstream is known unhealthy, failed after N attempts, invalid request,
// and the transient classes in between.
const (
	ErrorTypeNetwork       = "TransientNetwork"
	ErrorTypeTimeout       = "Timeout"
	ErrorTypeCircuitOpen   = "CircuitOpen"
	ErrorTypeValidation    = "Validation"
	ErrorTypeExhausted     = "ExhaustedRetries"
	ErrorTypeRateLimit     = "RateLimit"
	ErrorTypePoolExhausted = "PoolExhausted"
	ErrorTypeServer        = "Server"
	ErrorTypeClient        = "Client"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a request
	// without attempting the network call.
	ErrCircuitOpen = errors.New("stanchion: circuit open")

	// ErrRateLimited is returned when a request is denied by the local
	// token bucket.
	ErrRateLimited = errors.New("stanchion: rate limited")

	// ErrPoolExhausted is returned when no connection slot became available
	// within the acquire timeout.
	ErrPoolExhausted = errors.New("stanchion: connection pool exhausted")

	// ErrRetryBudgetExceeded is returned when the windowed retry budget is
	// spent.
	ErrRetryBudgetExceeded = errors.New("stanchion: retry budget exceeded")

	// ErrCacheMiss is returned by cache-only lookups that found nothing.
	ErrCacheMiss = errors.New("stanchion: cache miss")
)

// ClientError is the typed error returned by the client. Type carries the
// taxonomy class; the remaining fields carry request diagnostics.
type ClientError struct {
	Type        string
	Message     string
	Cause       error
	RequestID   string
	Method      string
	URL         string
	Endpoint    string
	StatusCode  int
	Attempt     int
	MaxAttempts int
	Timestamp   time.Time
	Duration    time.Duration
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var msg string
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Cause)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches ClientErrors by taxonomy type, and maps the circuit-open,
// rate-limit and pool classes onto their sentinels for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	switch target {
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	case ErrPoolExhausted:
		return e.Type == ErrorTypePoolExhausted
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxAttempts)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTransient reports whether err represents a failure that might succeed
// on retry: network errors, timeouts, 5xx responses, rate limiting (local
// or 429) and pool exhaustion. Circuit-open rejections are NOT transient:
// the breaker has already decided the downstream is unhealthy, so retrying
// through it is pointless. Validation and exhausted-retries errors are
// terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRetryBudgetExceeded) || errors.Is(err, ErrPoolExhausted) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit, ErrorTypePoolExhausted:
			return true
		case ErrorTypeClient:
			return clientErr.StatusCode == 429
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsTimeout reports whether err is a deadline failure at any stage.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCircuitOpen reports whether err is a breaker fast-fail.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsValidation reports whether err is a malformed-request failure.
func IsValidation(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr) && clientErr.Type == ErrorTypeValidation
}

// IsExhausted reports whether err is a retries-exhausted failure. The
// ClientError carries the attempt count and wraps the last underlying
// error.
func IsExhausted(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr) && clientErr.Type == ErrorTypeExhausted
}

// classifyError maps a transport-level error to a taxonomy type. Deadline
// expiry at any stage is a timeout; everything else that escapes the
// transport (refused, reset, DNS failure) counts as transient network.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}
	return ErrorTypeNetwork
}
