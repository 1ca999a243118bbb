package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"mdmd.sh/internal/merrors"
)

// RedisRateLimiter enforces a sliding-window limit shared across server
// replicas. The in-memory RateLimiter protects a single instance; this
// one makes the limit hold fleet-wide.
type RedisRateLimiter struct {
	client        *redis.Client
	requestLimit  int
	windowSeconds int
}

// NewRedisRateLimiter connects to Redis and verifies the connection.
func NewRedisRateLimiter(addr string, requestLimit, windowSeconds int) (*RedisRateLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, merrors.Wrap(err, merrors.ErrCodeUnavailable, "connecting to redis")
	}

	return &RedisRateLimiter{
		client:        client,
		requestLimit:  requestLimit,
		windowSeconds: windowSeconds,
	}, nil
}

// Middleware applies the shared limit per client.
func (rl *RedisRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining := rl.check(r.Context(), ClientID(r))
		rateLimitHeaders(w, rl.requestLimit, remaining, rl.windowSeconds)

		if !allowed {
			w.Header().Set("Retry-After", "1")
			WriteError(w, r, merrors.New(merrors.ErrCodeRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// check counts the client's requests in the sliding window with a sorted
// set. Redis failures fail open: the in-memory limiter still stands.
func (rl *RedisRateLimiter) check(ctx context.Context, clientID string) (allowed bool, remaining int) {
	key := "ratelimit:" + clientID
	now := time.Now()
	windowStart := now.Add(-time.Duration(rl.windowSeconds) * time.Second)
	member := fmt.Sprintf("%d", now.UnixNano())

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.Unix()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: member})
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, time.Duration(rl.windowSeconds)*time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0
	}

	count := countCmd.Val()
	remaining = rl.requestLimit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if count > int64(rl.requestLimit) {
		// Drop the entry we just wrote so a rejected request does not
		// extend the client's penalty.
		rl.client.ZRem(ctx, key, member)
		return false, remaining
	}
	return true, remaining
}

// Close releases the Redis connection.
func (rl *RedisRateLimiter) Close() error {
	return rl.client.Close()
}
