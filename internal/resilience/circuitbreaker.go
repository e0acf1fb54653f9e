// Package resilience keeps the voice pipeline alive when a speech or language
// provider degrades.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a provider once it fails repeatedly. [FallbackGroup] chains
// several providers of the same kind behind per-entry breakers, so a turn can
// ride over to a secondary STT, LLM, or TTS backend while the primary cools
// off.
//
// Everything here is safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and its reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen]. Entered after too many
	// consecutive failures; left when the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. Enough
	// successes close the breaker again; a single failure re-opens it.
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
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log output, typically the provider name.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker while
	// closed. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting
	// probe calls. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax caps probe calls in the half-open state. Default: 3.
	HalfOpenMax int
}

// CircuitBreaker tracks consecutive provider failures and short-circuits
// calls once a provider looks dead.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// NewCircuitBreaker builds a breaker, filling zero config fields with the
// documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Execute runs fn under the breaker's admission policy. Open breakers return
// [ErrCircuitOpen] without calling fn; half-open breakers admit at most
// HalfOpenMax probes.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenFails = 0
		slog.Info("circuit breaker transitioning to half-open",
			"name", cb.name)

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			// Probe budget spent, the outcome is still pending.
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	probing := cb.state == StateHalfOpen
	if probing {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure(probing)
	} else {
		cb.recordSuccess(probing)
	}
	return err
}

// recordFailure updates failure counters. Caller holds cb.mu.
func (cb *CircuitBreaker) recordFailure(probing bool) {
	cb.lastFailure = time.Now()

	if probing {
		cb.halfOpenFails++
		// One failed probe is enough evidence, back to open.
		cb.state = StateOpen
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open",
			"name", cb.name)
		return
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccess updates success counters. Caller holds cb.mu.
func (cb *CircuitBreaker) recordSuccess(probing bool) {
	if probing {
		if cb.halfOpenCalls-cb.halfOpenFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			slog.Info("circuit breaker closed after successful probes",
				"name", cb.name)
		}
		return
	}

	cb.consecutiveFail = 0
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the stored state flips on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
