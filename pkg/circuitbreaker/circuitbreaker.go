package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests fail immediately
	StateHalfOpen              // limited probes test recovery
)

func (s State) String() string {
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

// Config holds circuit breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures to open
	SuccessThreshold int           // consecutive half-open successes to close
	OpenTimeout      time.Duration // open duration before probing
	HalfOpenProbes   int           // max concurrent probes while half-open
}

// DefaultConfig returns thresholds suited to a local network store.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenProbes:   3,
	}
}

// CircuitBreaker guards a dependency against cascading failure. Consecutive
// failures open the circuit; after OpenTimeout a few probe requests are let
// through, and sustained probe success closes it again.
type CircuitBreaker struct {
	config Config

	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
	changedAt   time.Time

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config:    config,
		state:     StateClosed,
		changedAt: time.Now(),
	}
}

// OnStateChange registers a callback invoked on every state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn if the circuit allows it and records the outcome. Errors
// from fn are returned unwrapped so callers can match sentinels.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if !cb.allow() {
		return fmt.Errorf("circuit breaker is %s, request rejected", cb.State())
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.changedAt) >= cb.config.OpenTimeout {
			cb.transition(StateHalfOpen)
			cb.probes++
			return true
		}
		return false
	case StateHalfOpen:
		if cb.probes >= cb.config.HalfOpenProbes {
			return false
		}
		cb.probes++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.successes = 0
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		// A failed probe reopens immediately
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.failures = 0

	if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessThreshold {
		cb.transition(StateClosed)
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.changedAt = time.Now()
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0

	if cb.onStateChange != nil {
		go cb.onStateChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is a diagnostic snapshot.
type Stats struct {
	State       State
	Failures    int
	Successes   int
	Probes      int
	LastFailure time.Time
	ChangedAt   time.Time
}

// Snapshot returns current counters for diagnostics.
func (cb *CircuitBreaker) Snapshot() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Stats{
		State:       cb.state,
		Failures:    cb.failures,
		Successes:   cb.successes,
		Probes:      cb.probes,
		LastFailure: cb.lastFailure,
		ChangedAt:   cb.changedAt,
	}
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}
