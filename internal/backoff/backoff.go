// Package backoff provides the delay calculation strategies used by the
// retry executor. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay to wait before the next retry attempt.
// Attempt numbering is zero-based: attempt 0 yields the base delay.
type Strategy interface {
	Calculate(attempt int, baseDelay, maxDelay time.Duration, multiplier, jitter float64) time.Duration
}

// ExponentialJitter implements exponential backoff with uniform jitter:
// min(maxDelay, baseDelay*multiplier^attempt) plus a random amount in
// [0, jitter*delay), never exceeding maxDelay.
type ExponentialJitter struct{}

func (ExponentialJitter) Calculate(attempt int, baseDelay, maxDelay time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Exponent is capped to keep the float math from overflowing.
	if attempt > 30 {
		attempt = 30
	}

	delay := time.Duration(float64(baseDelay) * Pow(multiplier, attempt))
	if delay < 0 || delay > maxDelay {
		delay = maxDelay
	}

	jitter = clampJitter(jitter)
	if jitter > 0 {
		amount := time.Duration(float64(delay) * jitter * rand.Float64())
		if delay+amount > maxDelay {
			delay = maxDelay
		} else {
			delay += amount
		}
	}
	return delay
}

// DecorrelatedJitter implements AWS-style decorrelated jitter:
// a random delay in [base, min(maxDelay, base*3^attempt)]. It spreads
// retry storms more evenly than exponential jitter at the cost of less
// predictable individual delays.
type DecorrelatedJitter struct{}

func (DecorrelatedJitter) Calculate(attempt int, baseDelay, maxDelay time.Duration, multiplier, jitter float64) time.Duration {
	if attempt <= 0 {
		return baseDelay
	}

	if attempt > 10 {
		attempt = 10
	}

	base := float64(baseDelay)
	upper := base * Pow(3.0, attempt)

	maxFloat := float64(maxDelay)
	if upper > maxFloat || upper < 0 {
		upper = maxFloat
	}
	if upper < base {
		upper = base
	}

	delay := time.Duration(base + rand.Float64()*(upper-base))
	if delay < 0 || delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// Pow computes base^exponent by repeated multiplication. Exponents are
// small integers here, so this avoids pulling in math.Pow semantics for
// negative or fractional inputs.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
