package merrors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig controls backoff behavior for Retry.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter randomizes delays by the given fraction to avoid thundering herds.
	Jitter float64
	// RetryableFunc decides whether an error is worth another attempt.
	RetryableFunc func(error) bool
	// OnRetry runs before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns the backoff settings used by outbound clients.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		Jitter:        0.1,
		RetryableFunc: IsRetryable,
	}
}

// Retry executes fn until it succeeds, the error is not retryable, the
// attempt budget is spent, or the context is cancelled.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Wrap(ctx.Err(), ErrCodeTimeout, "retry cancelled")
			default:
			}

			jittered := ApplyJitter(delay, config.Jitter)
			if config.OnRetry != nil {
				config.OnRetry(attempt, lastErr, jittered)
			}

			timer := time.NewTimer(jittered)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Wrap(ctx.Err(), ErrCodeTimeout, "retry cancelled during backoff")
			case <-timer.C:
			}

			delay = time.Duration(float64(delay) * config.Multiplier)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableFunc != nil && !config.RetryableFunc(err) {
			return err
		}

		// Respect server-provided backoff hints.
		var e *Error
		if As(err, &e) && e.RetryAfter != nil {
			delay = *e.RetryAfter
		}
	}

	return Wrapf(lastErr, ErrCodeResourceExhausted,
		"operation failed after %d attempts", config.MaxAttempts)
}

// RetryWithBackoff retries fn with the default configuration.
func RetryWithBackoff(ctx context.Context, fn func() error) error {
	return Retry(ctx, DefaultRetryConfig(), fn)
}

// RetryWithCustom retries fn with an inline attempt budget and initial delay.
func RetryWithCustom(ctx context.Context, maxAttempts int, delay time.Duration, fn func() error) error {
	config := &RetryConfig{
		MaxAttempts:   maxAttempts,
		InitialDelay:  delay,
		MaxDelay:      delay * 10,
		Multiplier:    2.0,
		Jitter:        0.1,
		RetryableFunc: IsRetryable,
	}
	return Retry(ctx, config, fn)
}

// ApplyJitter randomizes delay within ±(delay*jitter).
func ApplyJitter(delay time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return delay
	}
	jitterRange := float64(delay) * jitter
	jitterValue := (rand.Float64()*2 - 1) * jitterRange
	newDelay := float64(delay) + jitterValue
	if newDelay < 0 {
		newDelay = 0
	}
	return time.Duration(newDelay)
}

// ExponentialBackoff computes the delay for the given attempt number.
func ExponentialBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 0 {
		return initial
	}
	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// RetryPolicy bundles a retry configuration with an optional circuit breaker.
type RetryPolicy struct {
	config         *RetryConfig
	circuitBreaker *CircuitBreaker
}

// NewRetryPolicy creates a reusable policy for an outbound dependency.
func NewRetryPolicy(config *RetryConfig, cb *CircuitBreaker) *RetryPolicy {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryPolicy{config: config, circuitBreaker: cb}
}

// Execute runs fn under the policy.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	if p.circuitBreaker != nil {
		return Retry(ctx, p.config, func() error {
			return p.circuitBreaker.Execute(ctx, fn)
		})
	}
	return Retry(ctx, p.config, fn)
}
