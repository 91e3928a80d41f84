package resilience

import (
	"fmt"
	"time"
)

// Default values, chosen to match the defaults documented for the
// circuit breaker and retry policy.
const (
	DefaultRetryMaxAttempts  = 3
	DefaultRetryInitialDelay = 100 * time.Millisecond
	DefaultRetryMaxDelay     = 5 * time.Second

	DefaultBreakerFailureThreshold         = 5
	DefaultBreakerCooldown                 = 10 * time.Second
	DefaultBreakerHalfOpenMaxCalls         = 2
	DefaultBreakerHalfOpenSuccessesToClose = 2
)

// RetryConfig configures a Retrier.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first
	// (non-retry) one. Must be >= 1.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff delay between retries.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns a RetryConfig with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  DefaultRetryMaxAttempts,
		InitialDelay: DefaultRetryInitialDelay,
		MaxDelay:     DefaultRetryMaxDelay,
	}
}

func (c *RetryConfig) validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be greater than 0, got %d", c.MaxAttempts)
	}
	if c.InitialDelay <= 0 {
		return fmt.Errorf("initial_delay must be greater than 0, got %s", c.InitialDelay)
	}
	if c.MaxDelay <= 0 {
		return fmt.Errorf("max_delay must be greater than 0, got %s", c.MaxDelay)
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max_delay must be >= initial_delay, got max_delay=%s initial_delay=%s", c.MaxDelay, c.InitialDelay)
	}
	return nil
}

// Validate reports whether the configuration is usable, returning a
// descriptive error if not.
func (c RetryConfig) Validate() error {
	return c.validate()
}

// BreakerConfig configures a Breaker. The two half-open fields are kept
// independently configurable on purpose: a breaker may want to admit
// more trial calls than it requires successes to close, or the reverse.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures, while
	// closed, that trips the breaker open.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before moving to
	// half-open.
	Cooldown time.Duration
	// HalfOpenMaxCalls is the number of trial calls admitted while
	// half-open.
	HalfOpenMaxCalls int
	// HalfOpenSuccessesToClose is the number of those trial calls that
	// must succeed before the breaker closes again.
	HalfOpenSuccessesToClose int
}

// DefaultBreakerConfig returns a BreakerConfig with sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:         DefaultBreakerFailureThreshold,
		Cooldown:                 DefaultBreakerCooldown,
		HalfOpenMaxCalls:         DefaultBreakerHalfOpenMaxCalls,
		HalfOpenSuccessesToClose: DefaultBreakerHalfOpenSuccessesToClose,
	}
}

func (c *BreakerConfig) validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be greater than 0, got %d", c.FailureThreshold)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be greater than 0, got %s", c.Cooldown)
	}
	if c.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("half_open_max_calls must be greater than 0, got %d", c.HalfOpenMaxCalls)
	}
	if c.HalfOpenSuccessesToClose < 1 {
		return fmt.Errorf("half_open_successes_to_close must be greater than 0, got %d", c.HalfOpenSuccessesToClose)
	}
	if c.HalfOpenSuccessesToClose > c.HalfOpenMaxCalls {
		return fmt.Errorf("half_open_successes_to_close (%d) cannot exceed half_open_max_calls (%d)", c.HalfOpenSuccessesToClose, c.HalfOpenMaxCalls)
	}
	return nil
}

// Validate reports whether the configuration is usable, returning a
// descriptive error if not.
func (c BreakerConfig) Validate() error {
	return c.validate()
}
