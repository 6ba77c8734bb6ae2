package stanchion

import (
	"sync/atomic"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration. Zero values
// take the documented defaults.
type CircuitBreakerConfig struct {
	// Name identifies this breaker scope in metrics and events.
	Name string

	// FailureThreshold is the failure count that opens the breaker.
	// Default 5. The count is reset on every state transition.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before probing.
	// Default 60s. A failure while open restarts the timer.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open probe
	// successes that close the breaker. Default 2.
	SuccessThreshold int

	// HalfOpenMaxProbes bounds how many probe requests may be in flight
	// concurrently while half-open. Default SuccessThreshold.
	HalfOpenMaxProbes int

	// OnStateChange, when set, is invoked synchronously on every state
	// transition. It must not call back into the breaker.
	OnStateChange func(from, to CircuitState)
}

// CircuitBreaker is a lock-free three-state failure guard. All state lives
// in int64 fields driven by atomic loads and compare-and-swap, so Allow and
// the Record methods are safe and cheap under concurrency.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state          int64
	failures       int64
	successes      int64
	lastFailure    int64
	lastTransition int64
	halfOpenProbes int64
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "default"
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.HalfOpenMaxProbes == 0 {
		config.HalfOpenMaxProbes = config.SuccessThreshold
	}

	return &CircuitBreaker{
		config:         config,
		state:          int64(StateClosed),
		lastTransition: time.Now().UnixNano(),
	}
}

// Allow reports whether a request may proceed under the current state.
// While open it returns false until the recovery timeout elapses, then
// flips to half-open; while half-open it admits at most HalfOpenMaxProbes
// concurrent probes.
func (cb *CircuitBreaker) Allow() bool {
	now := time.Now().UnixNano()
	state := CircuitState(atomic.LoadInt64(&cb.state))

	switch state {
	case StateClosed:
		return true
	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailure)
		if now-lastFailure >= int64(cb.config.RecoveryTimeout) {
			if cb.transition(StateOpen, StateHalfOpen) {
				atomic.AddInt64(&cb.halfOpenProbes, 1)
				return true
			}
			// Another caller won the transition; compete for a probe slot.
			return cb.claimProbe()
		}
		return false
	case StateHalfOpen:
		return cb.claimProbe()
	default:
		return false
	}
}

func (cb *CircuitBreaker) claimProbe() bool {
	if CircuitState(atomic.LoadInt64(&cb.state)) != StateHalfOpen {
		return false
	}
	for {
		probes := atomic.LoadInt64(&cb.halfOpenProbes)
		if probes >= int64(cb.config.HalfOpenMaxProbes) {
			return false
		}
		if atomic.CompareAndSwapInt64(&cb.halfOpenProbes, probes, probes+1) {
			return true
		}
	}
}

// RecordFailure records a failed attempt. In closed state it may open the
// breaker; in half-open state any probe failure reopens it immediately and
// restarts the recovery timer.
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.lastFailure, time.Now().UnixNano())

	state := CircuitState(atomic.LoadInt64(&cb.state))
	switch state {
	case StateClosed:
		failures := atomic.AddInt64(&cb.failures, 1)
		if failures >= int64(cb.config.FailureThreshold) {
			cb.transition(StateClosed, StateOpen)
		}
	case StateOpen:
		// Already open; the refreshed lastFailure restarts the timer.
	case StateHalfOpen:
		atomic.AddInt64(&cb.halfOpenProbes, -1)
		cb.transition(StateHalfOpen, StateOpen)
	}
}

// RecordSuccess records a successful attempt. Enough consecutive half-open
// probe successes close the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	state := CircuitState(atomic.LoadInt64(&cb.state))
	switch state {
	case StateClosed, StateOpen:
		// Nothing to update; counters reset on transitions.
	case StateHalfOpen:
		atomic.AddInt64(&cb.halfOpenProbes, -1)
		successes := atomic.AddInt64(&cb.successes, 1)
		if successes >= int64(cb.config.SuccessThreshold) {
			cb.transition(StateHalfOpen, StateClosed)
		}
	}
}

// Execute runs fn under the breaker's current-state decision: an immediate
// ErrCircuitOpen while open, otherwise fn's outcome is recorded and its
// error returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// Counts returns the failure and success counters accumulated since the
// last state transition.
func (cb *CircuitBreaker) Counts() (failures, successes int64) {
	return atomic.LoadInt64(&cb.failures), atomic.LoadInt64(&cb.successes)
}

// LastTransition returns when the breaker last changed state.
func (cb *CircuitBreaker) LastTransition() time.Time {
	return time.Unix(0, atomic.LoadInt64(&cb.lastTransition))
}

// Reset forces the breaker back to closed with cleared counters. This is
// the administrative escape hatch; normal recovery goes through half-open.
func (cb *CircuitBreaker) Reset() {
	for {
		state := CircuitState(atomic.LoadInt64(&cb.state))
		if state == StateClosed {
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.successes, 0)
			return
		}
		if cb.transition(state, StateClosed) {
			return
		}
	}
}

// transition moves from one state to another, resetting the per-state
// counters and notifying the observer. Counter resets on every transition
// keep the failure window simple and testable.
func (cb *CircuitBreaker) transition(from, to CircuitState) bool {
	if !atomic.CompareAndSwapInt64(&cb.state, int64(from), int64(to)) {
		return false
	}
	atomic.StoreInt64(&cb.lastTransition, time.Now().UnixNano())

	atomic.StoreInt64(&cb.failures, 0)
	atomic.StoreInt64(&cb.successes, 0)
	atomic.StoreInt64(&cb.halfOpenProbes, 0)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
	return true
}
