package merrors

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	config := &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		Multiplier:    2.0,
		RetryableFunc: func(error) bool { return true },
	}

	err := Retry(context.Background(), config, func() error {
		attempts++
		if attempts < 3 {
			return New(ErrCodeUnavailable, "transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), func() error {
		attempts++
		return New(ErrCodeInvalidInput, "bad request")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt for non-retryable error, got %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	config := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Multiplier:    2.0,
		RetryableFunc: func(error) bool { return true },
	}

	err := Retry(context.Background(), config, func() error {
		attempts++
		return errors.New("always fails")
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if GetCode(err) != ErrCodeResourceExhausted {
		t.Errorf("expected RESOURCE_EXHAUSTED, got %s", GetCode(err))
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	config := &RetryConfig{
		MaxAttempts:   10,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		Multiplier:    2.0,
		RetryableFunc: func(error) bool { return true },
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, config, func() error {
		attempts++
		return New(ErrCodeUnavailable, "transient")
	})

	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if GetCode(err) != ErrCodeTimeout {
		t.Errorf("expected TIMEOUT code on cancellation, got %s", GetCode(err))
	}
}

func TestRetryHonorsRetryAfterHint(t *testing.T) {
	var delays []time.Duration
	config := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Second,
		Multiplier:    2.0,
		RetryableFunc: func(error) bool { return true },
		OnRetry: func(attempt int, err error, delay time.Duration) {
			delays = append(delays, delay)
		},
	}

	hint := 5 * time.Millisecond
	attempts := 0
	_ = Retry(context.Background(), config, func() error {
		attempts++
		return New(ErrCodeRateLimited, "slow down").WithRetryAfter(hint)
	})

	if len(delays) != 2 {
		t.Fatalf("expected 2 retry callbacks, got %d", len(delays))
	}
	// Second delay derives from the hint rather than the initial delay.
	if delays[1] < hint {
		t.Errorf("expected second delay >= %v, got %v", hint, delays[1])
	}
}

func TestApplyJitter(t *testing.T) {
	base := 100 * time.Millisecond

	if got := ApplyJitter(base, 0); got != base {
		t.Errorf("expected no jitter, got %v", got)
	}

	for i := 0; i < 50; i++ {
		got := ApplyJitter(base, 0.1)
		if got < 90*time.Millisecond || got > 110*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±10%% of %v", got, base)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, time.Second},
	}

	for _, tt := range tests {
		got := ExponentialBackoff(tt.attempt, 100*time.Millisecond, time.Second, 2.0)
		if got != tt.expected {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}
}

func TestRetryPolicyWithCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures: 2,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
	})
	policy := NewRetryPolicy(&RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		RetryableFunc: func(err error) bool {
			// Stop as soon as the breaker itself rejects the call.
			var e *Error
			if As(err, &e) && e.Metadata["circuit_state"] != nil {
				return false
			}
			return true
		},
	}, cb)

	calls := 0
	err := policy.Execute(context.Background(), func() error {
		calls++
		return New(ErrCodeUnavailable, "down")
	})

	if err == nil {
		t.Fatal("expected failure")
	}
	// The breaker opens after two failures, so the third attempt never reaches fn.
	if calls != 2 {
		t.Errorf("expected 2 calls before circuit opened, got %d", calls)
	}
}
