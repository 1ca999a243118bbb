package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mdmd.sh/internal/merrors"
)

// RateLimiter keeps a token bucket per client. Buckets idle past the
// expiration are dropped by a background sweep.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*limiterState
	rate       rate.Limit
	burst      int
	expiration time.Duration
	ticker     *time.Ticker
	done       chan struct{}
}

type limiterState struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// RateLimiterConfig configures the per-client limiter.
type RateLimiterConfig struct {
	Rate       float64       // requests per second
	Burst      int           // bucket size
	Expiration time.Duration // idle time before a bucket is dropped
}

// NewRateLimiter creates the limiter and starts its sweep loop.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Expiration <= 0 {
		config.Expiration = 10 * time.Minute
	}
	rl := &RateLimiter{
		limiters:   make(map[string]*limiterState),
		rate:       rate.Limit(config.Rate),
		burst:      config.Burst,
		expiration: config.Expiration,
		ticker:     time.NewTicker(config.Expiration),
		done:       make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether the client may proceed.
func (rl *RateLimiter) Allow(clientID string) bool {
	return rl.getLimiter(clientID).Allow()
}

func (rl *RateLimiter) getLimiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.limiters[clientID]
	if !ok {
		state = &limiterState{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[clientID] = state
	}
	state.lastUsed = time.Now()
	return state.limiter
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for clientID, state := range rl.limiters {
		if time.Since(state.lastUsed) > rl.expiration {
			delete(rl.limiters, clientID)
		}
	}
}

func (rl *RateLimiter) sweepLoop() {
	for {
		select {
		case <-rl.ticker.C:
			rl.sweep()
		case <-rl.done:
			return
		}
	}
}

// Stop halts the sweep loop.
func (rl *RateLimiter) Stop() {
	close(rl.done)
	rl.ticker.Stop()
}

// ClientID picks the rate-limit key for a request: the authenticated
// device, then the admin identity, then the remote IP.
func ClientID(r *http.Request) string {
	if device, ok := DeviceFromContext(r.Context()); ok {
		return "device:" + device.DeviceID
	}
	if admin, ok := AdminFromContext(r.Context()); ok {
		return "admin:" + admin.UserID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimit rejects clients that exceed their bucket with 429 and a
// Retry-After hint.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(ClientID(r)) {
				w.Header().Set("Retry-After", "1")
				WriteError(w, r, merrors.New(merrors.ErrCodeRateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitHeaders exposes the window state to well-behaved clients.
func rateLimitHeaders(w http.ResponseWriter, limit, remaining, windowSeconds int) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Window", strconv.Itoa(windowSeconds))
}
