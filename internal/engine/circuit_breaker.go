package engine

import (
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting dispatches
	CircuitHalfOpen                     // testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures breaker behavior. Breakers are keyed by step
// type: a flaky HTTP endpoint trips the http_request breaker without touching
// pure transforms.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing recovery.
	Cooldown time.Duration
	// HalfOpenMax is the number of test dispatches allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the engine defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single step type.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages per-step-type circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	onChange func(stepType string, from, to CircuitState)
}

// NewCircuitBreakerRegistry creates a registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// OnStateChange registers a hook invoked on every breaker state transition.
// The hook runs with the breaker lock held: it must return quickly and must
// not call back into the registry. Set before the registry sees traffic.
func (r *CircuitBreakerRegistry) OnStateChange(fn func(stepType string, from, to CircuitState)) {
	r.onChange = fn
}

func (r *CircuitBreakerRegistry) notify(stepType string, from, to CircuitState) {
	if r.onChange != nil && from != to {
		r.onChange(stepType, from, to)
	}
}

// AllowRequest checks whether a dispatch of the given step type is allowed.
// Returns nil if allowed, or a CIRCUIT_OPEN FlowError if not. CIRCUIT_OPEN is
// not retryable, so a tripped breaker fails the step without burning retries.
func (r *CircuitBreakerRegistry) AllowRequest(stepType string) error {
	cb := r.getOrCreate(stepType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this dispatch is the first probe
			r.notify(stepType, CircuitOpen, CircuitHalfOpen)
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for step type %q: %d consecutive failures",
			stepType, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"step_type":            stepType,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for step type %q: max probes reached", stepType)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful dispatch for the step type.
func (r *CircuitBreakerRegistry) RecordSuccess(stepType string) {
	cb := r.getOrCreate(stepType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prev := cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	r.notify(stepType, prev, CircuitClosed)
}

// RecordFailure records a failed dispatch for the step type and returns the
// resulting circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(stepType string) CircuitState {
	cb := r.getOrCreate(stepType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	// Any failure while half-open reopens the circuit.
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		r.notify(stepType, CircuitHalfOpen, CircuitOpen)
		return CircuitOpen
	}

	if cb.state == CircuitClosed && cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		r.notify(stepType, CircuitClosed, CircuitOpen)
		return CircuitOpen
	}

	return cb.state
}

// GetState returns the current circuit state for a step type, applying the
// open-to-half-open transition if the cooldown has elapsed.
func (r *CircuitBreakerRegistry) GetState(stepType string) CircuitState {
	cb := r.getOrCreate(stepType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
		r.notify(stepType, CircuitOpen, CircuitHalfOpen)
	}

	return cb.state
}

// GetStats returns diagnostic information about a breaker.
func (r *CircuitBreakerRegistry) GetStats(stepType string) map[string]any {
	cb := r.getOrCreate(stepType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"step_type":            stepType,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(stepType string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[stepType]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[stepType] = cb
	}
	return cb
}
