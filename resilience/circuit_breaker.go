// Package resilience provides the protective primitives wrapped around
// provider invocations: circuit breakers, rate limiters and retry backoff.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfluxai/fluxgate/core"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows a bounded number of probe requests.
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

// ErrorClassifier determines which errors count toward the failure
// threshold. The default excludes caller errors (validation, quota, 4xx).
type ErrorClassifier func(error) bool

// BreakerConfig holds the circuit breaker parameters.
type BreakerConfig struct {
	// Name identifies the breaker, typically the provider id.
	Name string

	// FailureThreshold is the failure count within Window that opens the
	// circuit.
	FailureThreshold int

	// Window is the rolling window failures are counted over.
	Window time.Duration

	// OpenDuration is how long the circuit stays open before probing.
	OpenDuration time.Duration

	// ProbePermits bounds concurrent calls in half-open state.
	ProbePermits int

	// SuccessThreshold is the number of successive half-open successes
	// required to close.
	SuccessThreshold int

	// Classifier decides which errors count as failures.
	Classifier ErrorClassifier

	Logger core.Logger
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig(name string) *BreakerConfig {
	return &BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		Window:           10 * time.Second,
		OpenDuration:     30 * time.Second,
		ProbePermits:     1,
		SuccessThreshold: 1,
		Classifier:       core.CountsAsBreakerFailure,
		Logger:           &core.NoOpLogger{},
	}
}

// Validate checks the configuration.
func (c *BreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %v", c.Window)
	}
	if c.OpenDuration <= 0 {
		return fmt.Errorf("open duration must be positive, got %v", c.OpenDuration)
	}
	if c.ProbePermits < 1 {
		return fmt.Errorf("probe permits must be at least 1, got %d", c.ProbePermits)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success threshold must be at least 1, got %d", c.SuccessThreshold)
	}
	return nil
}

// BreakerMetrics is a point-in-time view of breaker counters.
type BreakerMetrics struct {
	State      string
	Failures   int
	Rejected   uint64
	Executions uint64
}

// CircuitBreaker guards a single provider. Closed passes calls and counts
// failures in a rolling window; open rejects until OpenDuration elapses;
// half-open admits at most ProbePermits concurrent probes and closes after
// SuccessThreshold successive successes.
type CircuitBreaker struct {
	config *BreakerConfig

	mu                sync.Mutex
	state             CircuitState
	transitionAt      time.Time
	failures          []time.Time // rolling window, head-evicted
	halfOpenSuccesses int

	probeInFlight atomic.Int32

	rejected   atomic.Uint64
	executions atomic.Uint64

	now func() time.Time // injectable for tests
}

// NewCircuitBreaker creates a circuit breaker from config.
func NewCircuitBreaker(config *BreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		return nil, errors.New("configuration cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.Classifier == nil {
		config.Classifier = core.CountsAsBreakerFailure
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{
		config:       config,
		state:        StateClosed,
		transitionAt: time.Now(),
		now:          time.Now,
	}, nil
}

// token records whether a permitted call holds a half-open probe slot.
type token struct {
	halfOpen bool
}

// Execute runs fn with circuit breaker protection. Rejections wrap
// core.ErrCircuitOpen; fn errors pass through unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	tok, allowed := cb.acquire()
	if !allowed {
		cb.rejected.Add(1)
		cb.config.Logger.Debug("Circuit breaker rejected call", map[string]interface{}{
			"operation": "circuit_breaker_reject",
			"name":      cb.config.Name,
			"state":     cb.State().String(),
		})
		return &core.GatewayError{
			Op:   "breaker.Execute",
			Kind: core.KindCircuitOpen,
			Err:  fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitOpen),
		}
	}
	cb.executions.Add(1)

	err := fn()
	if ctx.Err() != nil && err == nil {
		err = ctx.Err()
	}
	cb.record(tok, err)
	return err
}

// acquire decides whether a call may proceed.
func (cb *CircuitBreaker) acquire() (token, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return token{}, true

	case StateOpen:
		if cb.now().Sub(cb.transitionAt) < cb.config.OpenDuration {
			return token{}, false
		}
		cb.transitionLocked(StateHalfOpen)
		fallthrough

	case StateHalfOpen:
		for {
			current := cb.probeInFlight.Load()
			if int(current) >= cb.config.ProbePermits {
				return token{}, false
			}
			if cb.probeInFlight.CompareAndSwap(current, current+1) {
				return token{halfOpen: true}, true
			}
		}

	default:
		return token{}, false
	}
}

// record accounts the outcome of a permitted call.
func (cb *CircuitBreaker) record(tok token, err error) {
	counted := err != nil && cb.config.Classifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if tok.halfOpen {
		cb.probeInFlight.Add(-1)
		if cb.state == StateHalfOpen {
			if counted {
				cb.transitionLocked(StateOpen)
				return
			}
			if err == nil {
				cb.halfOpenSuccesses++
				if cb.halfOpenSuccesses >= cb.config.SuccessThreshold {
					cb.transitionLocked(StateClosed)
				}
			}
			return
		}
		// State moved while the probe was in flight; fall through to
		// normal accounting.
	}

	if cb.state != StateClosed {
		return
	}
	if counted {
		now := cb.now()
		cb.failures = append(cb.failures, now)
		cb.purgeLocked(now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	}
}

// purgeLocked drops failures older than the rolling window.
func (cb *CircuitBreaker) purgeLocked(now time.Time) {
	cutoff := now.Add(-cb.config.Window)
	idx := 0
	for idx < len(cb.failures) && !cb.failures[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		cb.failures = cb.failures[idx:]
	}
}

// transitionLocked changes state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionLocked(next CircuitState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.transitionAt = cb.now()

	switch next {
	case StateHalfOpen:
		cb.halfOpenSuccesses = 0
		cb.probeInFlight.Store(0)
	case StateClosed:
		cb.failures = nil
		cb.halfOpenSuccesses = 0
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.config.Name,
		"from":      prev.String(),
		"to":        next.String(),
	})
}

// State returns the current state. An expired open period reports open
// until the next call attempts the half-open transition.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns current counters.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	failures := len(cb.failures)
	state := cb.state.String()
	cb.mu.Unlock()
	return BreakerMetrics{
		State:      state,
		Failures:   failures,
		Rejected:   cb.rejected.Load(),
		Executions: cb.executions.Load(),
	}
}

// Reset returns the breaker to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failures = nil
	cb.halfOpenSuccesses = 0
	cb.probeInFlight.Store(0)
}

// BreakerGroup manages one breaker per provider, created on demand.
type BreakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	template BreakerConfig
	logger   core.Logger
}

// NewBreakerGroup creates a group using template for every new breaker.
// The template Name is replaced with the provider id.
func NewBreakerGroup(template *BreakerConfig, logger core.Logger) *BreakerGroup {
	if template == nil {
		template = DefaultBreakerConfig("provider")
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &BreakerGroup{
		breakers: make(map[string]*CircuitBreaker),
		template: *template,
		logger:   logger,
	}
}

// For returns the breaker for the given provider, creating it if needed.
func (g *BreakerGroup) For(providerID string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[providerID]; ok {
		return cb
	}
	cfg := g.template
	cfg.Name = providerID
	cfg.Logger = g.logger
	cb, err := NewCircuitBreaker(&cfg)
	if err != nil {
		// Template was validated at construction; a bad clone means a
		// programming error, fall back to defaults rather than panic.
		cb, _ = NewCircuitBreaker(DefaultBreakerConfig(providerID))
	}
	g.breakers[providerID] = cb
	return cb
}

// States returns the current state of every known breaker.
func (g *BreakerGroup) States() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.breakers))
	for id, cb := range g.breakers {
		out[id] = cb.State().String()
	}
	return out
}
