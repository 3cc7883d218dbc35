// Package retry computes exponential backoff delays and provides an optional
// wrapper that re-invokes retryable operations.
//
// A Policy is a pure value: it never sleeps or schedules anything by itself.
// Do is the only place that waits between attempts.
package retry

import (
	"math"
	"time"

	"github.com/ajitpratap0/conduit/pkg/config"
	"github.com/ajitpratap0/conduit/pkg/errors"
)

// Policy defines exponential backoff parameters.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Multiplier  float64
}

// DefaultPolicy returns a sensible default retry policy
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 3,
		Multiplier:  2.0,
	}
}

// NoRetry returns a policy that makes a single attempt.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1, Multiplier: 1}
}

// FromConfig builds a policy from the reliability section.
func FromConfig(rc config.ReliabilityConfig) Policy {
	return Policy{
		BaseDelay:   rc.RetryDelay,
		MaxDelay:    rc.MaxRetryDelay,
		MaxAttempts: rc.RetryAttempts,
		Multiplier:  rc.RetryMultiplier,
	}
}

// Validate reports a config error for unusable parameters.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errors.New(errors.ErrorTypeConfig, "retry max attempts must be at least 1").
			WithDetail("max_attempts", p.MaxAttempts)
	case p.Multiplier < 1.0:
		return errors.New(errors.ErrorTypeConfig, "retry multiplier must be at least 1.0").
			WithDetail("multiplier", p.Multiplier)
	case p.BaseDelay < 0:
		return errors.New(errors.ErrorTypeConfig, "retry base delay must not be negative")
	case p.BaseDelay > p.MaxDelay:
		return errors.New(errors.ErrorTypeConfig, "retry base delay must not exceed max delay").
			WithDetail("base_delay", p.BaseDelay).
			WithDetail("max_delay", p.MaxDelay)
	}
	return nil
}

// Delay returns min(BaseDelay * Multiplier^attempt, MaxDelay). Attempts are
// zero-indexed; negative attempts are treated as zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsNaN(delay) || delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Delays returns the delay for every attempt from 0 to MaxAttempts-1.
func (p Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 0 {
		return nil
	}
	delays := make([]time.Duration, p.MaxAttempts)
	for i := range delays {
		delays[i] = p.Delay(i)
	}
	return delays
}

// WithMaxAttempts returns a copy with updated max attempts
func (p Policy) WithMaxAttempts(attempts int) Policy {
	p.MaxAttempts = attempts
	return p
}

// WithDelay returns a copy with updated delays
func (p Policy) WithDelay(base, max time.Duration) Policy {
	p.BaseDelay = base
	p.MaxDelay = max
	return p
}

// WithMultiplier returns a copy with updated multiplier
func (p Policy) WithMultiplier(multiplier float64) Policy {
	p.Multiplier = multiplier
	return p
}
