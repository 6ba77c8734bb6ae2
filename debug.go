package stanchion

import (
	"github.com/google/uuid"
)

// DebugConfig selects which pipeline stages emit debug logs. Logging only
// happens when Enabled is true and the client has a Logger.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogCache     bool
	LogRetries   bool
	LogCircuit   bool
	LogRateLimit bool
	LogPool      bool
	LogDNS       bool

	// RequestIDGen produces the correlation ID attached to every log
	// line for a request.
	RequestIDGen func() string
}

// DefaultDebugConfig returns a disabled config whose flags are all on, so
// enabling debug logging turns on every stage unless narrowed.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRequests:  true,
		LogCache:     true,
		LogRetries:   true,
		LogCircuit:   true,
		LogRateLimit: true,
		LogPool:      true,
		LogDNS:       true,
		RequestIDGen: DefaultRequestIDGen,
	}
}

// DefaultRequestIDGen returns a random UUID.
func DefaultRequestIDGen() string {
	return uuid.NewString()
}
