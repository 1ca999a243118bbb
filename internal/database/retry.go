package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ConnectRetryConfig controls boot-time connection retries, so the server
// survives starting before Postgres is accepting connections.
type ConnectRetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultConnectRetryConfig returns the boot retry settings.
func DefaultConnectRetryConfig() ConnectRetryConfig {
	return ConnectRetryConfig{
		MaxRetries:    10,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// NewWithRetry calls New until it succeeds or the retry budget is spent.
func NewWithRetry(ctx context.Context, config *Config, retry ConnectRetryConfig) (*DB, error) {
	delay := retry.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= retry.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("cancelled while connecting to database: %w", ctx.Err())
		default:
		}

		db, err := New(config)
		if err == nil {
			return db, nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return nil, err
		}

		slog.Warn("database connection failed, retrying",
			"error", err,
			"attempt", attempt,
			"max_attempts", retry.MaxRetries)

		if attempt < retry.MaxRetries {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("cancelled while connecting to database: %w", ctx.Err())
			case <-timer.C:
			}
			delay = nextBackoff(delay, retry.MaxDelay, retry.BackoffFactor)
		}
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", retry.MaxRetries, lastErr)
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

// isRetryableError matches transient connection failures.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"temporary failure",
		"too many connections",
		"the database system is starting up",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
