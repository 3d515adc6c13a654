// Package resilience keeps the Cards path producing results when the
// realtime provider degrades.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a failing model. [FallbackGroup] chains candidates behind
// per-entry breakers so a tripped primary is skipped in favour of healthy
// backups, and [CardsGenerator] uses the group to produce Cards results over
// plain chat completions.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker defaults.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to decide
	// between closing and re-opening.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values select the
// defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs, typically the model it guards.
	Name string

	// MaxFailures is the consecutive-failure count that trips the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is the open period before probing resumes. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls in half-open. Default 3.
	HalfOpenMax int
}

// CircuitBreaker is a classic three-state breaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	probeOK  int
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn when the breaker allows it and feeds the outcome back into
// the state machine. While open it returns [ErrCircuitOpen] without calling
// fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	callErr := fn()
	cb.settle(probe, callErr)
	return callErr
}

// admit decides whether a call may proceed and reports whether it counts as
// a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeOK = 0
		slog.Info("circuit breaker transitioning to half-open", "name", cb.cfg.Name)

	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			// Probe budget spent; wait for the in-flight probes to settle.
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle applies the call outcome.
func (cb *CircuitBreaker) settle(probe bool, callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr != nil {
		if probe {
			// One failed probe re-opens immediately.
			cb.trip()
			slog.Warn("circuit breaker re-opened from half-open", "name", cb.cfg.Name)
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
			slog.Warn("circuit breaker opened",
				"name", cb.cfg.Name,
				"consecutive_failures", cb.failures,
			)
		}
		return
	}

	if probe {
		cb.probeOK++
		if cb.probeOK >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			slog.Info("circuit breaker closed after successful probes", "name", cb.cfg.Name)
		}
		return
	}
	cb.failures = 0
}

// trip moves the breaker to open. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.failures = cb.cfg.MaxFailures
}

// State reports the current state. An open breaker whose reset timeout has
// elapsed reports half-open; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeOK = 0
	slog.Info("circuit breaker manually reset", "name", cb.cfg.Name)
}
