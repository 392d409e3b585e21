package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast with ErrOpen
	StateHalfOpen              // a few trial calls probe recovery
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

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold    int           // Consecutive failures that open the circuit
	SuccessThreshold    int           // Half-open successes that close it again
	Timeout             time.Duration // How long the circuit stays open
	MaxRequestsHalfOpen int           // Trial calls allowed while half-open
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

// Stats is a snapshot of the breaker.
type Stats struct {
	State            State
	Failures         int
	Successes        int
	HalfOpenRequests int
	LastFailure      time.Time
	Changed          time.Time
}

type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	success  int
	trials   int
	lastFail time.Time
	changed  time.Time
	onChange func(from, to State)
}

func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.MaxRequestsHalfOpen < cfg.SuccessThreshold {
		cfg.MaxRequestsHalfOpen = cfg.SuccessThreshold
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, changed: time.Now()}
}

// OnStateChange registers fn, called synchronously after each transition
// with the breaker unlocked.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := Do(cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do runs fn through cb and returns its result. Errors from fn are returned
// unchanged.
func Do[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, err
	}
	result, err := fn()
	cb.record(err == nil)
	if err != nil {
		return zero, err
	}
	return result, nil
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	var from, to State
	changed := false

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.changed) < cb.cfg.Timeout {
			cb.mu.Unlock()
			return ErrOpen
		}
		from, to, changed = cb.state, StateHalfOpen, true
		cb.transition(StateHalfOpen)
		cb.trials = 1
	case StateHalfOpen:
		if cb.trials >= cb.cfg.MaxRequestsHalfOpen {
			cb.mu.Unlock()
			return fmt.Errorf("%w: half-open trial limit reached", ErrOpen)
		}
		cb.trials++
	}
	notify := cb.onChange
	cb.mu.Unlock()

	if changed && notify != nil {
		notify(from, to)
	}
	return nil
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	from := cb.state
	if ok {
		cb.failures = 0
		cb.success++
		if cb.state == StateHalfOpen && cb.success >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	} else {
		cb.success = 0
		cb.failures++
		cb.lastFail = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	}
	to, notify := cb.state, cb.onChange
	cb.mu.Unlock()

	if from != to && notify != nil {
		notify(from, to)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.changed = cb.now()
	cb.failures = 0
	cb.success = 0
	cb.trials = 0
}

// State returns the current state. An expired open circuit still reports
// open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.success,
		HalfOpenRequests: cb.trials,
		LastFailure:      cb.lastFail,
		Changed:          cb.changed,
	}
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.transition(StateClosed)
	notify := cb.onChange
	cb.mu.Unlock()
	if from != StateClosed && notify != nil {
		notify(from, StateClosed)
	}
}
