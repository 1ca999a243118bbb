package merrors

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	// StateClosed allows all requests through.
	StateClosed BreakerState = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig tunes a CircuitBreaker.
type CircuitBreakerConfig struct {
	// MaxFailures opens the circuit once reached within Interval.
	MaxFailures uint32
	// MaxRequests limits probes while half-open.
	MaxRequests uint32
	// Interval resets the failure count while closed.
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// OnStateChange observes transitions.
	OnStateChange func(from, to BreakerState)
	// ShouldTrip decides whether an error counts as a failure.
	ShouldTrip func(error) bool
}

// DefaultCircuitBreakerConfig returns the settings used for webhook and
// push delivery.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures: 5,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// CircuitBreaker sheds load from a failing dependency.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      uint32
	requests      uint32
	successTotal  uint64
	failureTotal  uint64
	lastFailure   time.Time
	lastStateTime time.Time
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{
		config:        config,
		state:         StateClosed,
		lastStateTime: time.Now(),
	}
}

// Execute runs fn if the circuit permits it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err)
	return err
}

// ExecuteWithFallback runs fallback when the circuit is open or fn fails.
func (cb *CircuitBreaker) ExecuteWithFallback(ctx context.Context, fn, fallback func() error) error {
	if err := cb.beforeRequest(); err != nil {
		if fallback != nil {
			return fallback()
		}
		return err
	}
	err := fn()
	cb.afterRequest(err)
	if err != nil && fallback != nil {
		return fallback()
	}
	return err
}

// State returns the current state, applying timeout transitions.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked(time.Now())
}

func (cb *CircuitBreaker) currentStateLocked(now time.Time) BreakerState {
	switch cb.state {
	case StateOpen:
		if now.After(cb.lastStateTime.Add(cb.config.Timeout)) {
			cb.setStateLocked(StateHalfOpen)
		}
	case StateClosed:
		if now.After(cb.lastStateTime.Add(cb.config.Interval)) {
			cb.failures = 0
			cb.lastStateTime = now
		}
	}
	return cb.state
}

// Metrics reports breaker counters for diagnostics endpoints.
func (cb *CircuitBreaker) Metrics() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"state":         cb.currentStateLocked(time.Now()).String(),
		"failures":      cb.failures,
		"requests":      cb.requests,
		"success_total": cb.successTotal,
		"failure_total": cb.failureTotal,
		"last_failure":  cb.lastFailure,
	}
}

// Reset returns the breaker to closed with counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(StateClosed)
	cb.failures = 0
	cb.requests = 0
	cb.lastStateTime = time.Now()
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.currentStateLocked(now) {
	case StateOpen:
		retryAfter := cb.lastStateTime.Add(cb.config.Timeout).Sub(now)
		e := New(ErrCodeUnavailable, "circuit breaker is open")
		e.Severity = SeverityWarning
		e.WithMetadata("circuit_state", StateOpen.String())
		return e.WithRetryAfter(retryAfter)
	case StateHalfOpen:
		cb.requests++
		if cb.requests > cb.config.MaxRequests {
			e := New(ErrCodeUnavailable, "circuit breaker half-open probe budget exceeded")
			e.Severity = SeverityWarning
			e.WithMetadata("circuit_state", StateHalfOpen.String())
			e.WithMetadata("max_requests", cb.config.MaxRequests)
			return e
		}
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.successTotal++
		if cb.state == StateHalfOpen && cb.requests >= cb.config.MaxRequests {
			cb.setStateLocked(StateClosed)
			cb.failures = 0
			cb.requests = 0
		}
		return
	}

	cb.failureTotal++
	cb.lastFailure = time.Now()

	if cb.config.ShouldTrip != nil && !cb.config.ShouldTrip(err) {
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.MaxFailures {
			cb.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) setStateLocked(state BreakerState) {
	if cb.state == state {
		return
	}
	from := cb.state
	cb.state = state
	cb.lastStateTime = time.Now()
	if state == StateOpen {
		cb.requests = 0
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, state)
	}
}

// CircuitBreakerGroup shares a config across named breakers, one per
// downstream endpoint.
type CircuitBreakerGroup struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   *CircuitBreakerConfig
}

// NewCircuitBreakerGroup creates an empty group.
func NewCircuitBreakerGroup(config *CircuitBreakerConfig) *CircuitBreakerGroup {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreakerGroup{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get returns the breaker for name, creating it on first use.
func (g *CircuitBreakerGroup) Get(name string) *CircuitBreaker {
	g.mu.RLock()
	cb, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok = g.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(g.config)
	g.breakers[name] = cb
	return cb
}

// Execute runs fn through the named breaker.
func (g *CircuitBreakerGroup) Execute(ctx context.Context, name string, fn func() error) error {
	return g.Get(name).Execute(ctx, fn)
}
