package internal

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling a failing provider API after threshold
// consecutive failures, and lets one trial call through after resetTimeout.
type CircuitBreaker struct {
	mu sync.Mutex

	state        BreakerState
	threshold    int
	resetTimeout time.Duration
	failures     int
	openedAt     time.Time
	now          func() time.Time

	onStateChange func(BreakerState)
}

// NewCircuitBreaker creates a closed breaker. onStateChange may be nil.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration, onStateChange func(BreakerState)) *CircuitBreaker {
	return &CircuitBreaker{
		state:         StateClosed,
		threshold:     threshold,
		resetTimeout:  resetTimeout,
		now:           time.Now,
		onStateChange: onStateChange,
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() BreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the breaker is open. Errors for which
// countFailure returns false pass through without tripping the breaker;
// a nil countFailure counts every error.
func (cb *CircuitBreaker) Execute(fn func() error, countFailure func(error) bool) error {
	cb.mu.Lock()
	state := cb.currentState()
	if state == StateOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	if state == StateHalfOpen {
		cb.setState(StateHalfOpen)
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil && (countFailure == nil || countFailure(err)) {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
		}
		return err
	}
	cb.failures = 0
	cb.setState(StateClosed)
	return err
}

func (cb *CircuitBreaker) setState(s BreakerState) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onStateChange != nil {
		cb.onStateChange(s)
	}
}
