// Package brokerconn manages the lifecycle of the connection to the
// broker gateway: circuit breaking, exponential-backoff reconnection, and
// SRV-based host discovery. Grounded on
// original_source/packages/ibkr_connection/__init__.py.
package brokerconn

import (
	"sync"
	"time"
)

// CircuitState is one of the three canonical breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker trips after a run of consecutive failures and only
// allows a trial call through once recoveryTimeout has elapsed; it closes
// again after successThreshold consecutive successes in HALF_OPEN.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration

	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// NewCircuitBreaker constructs a breaker in the CLOSED state.
func NewCircuitBreaker(failureThreshold, successThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            CircuitClosed,
	}
}

// CanAttempt reports whether a call may proceed, transitioning OPEN to
// HALF_OPEN as a side effect once the recovery timeout has elapsed.
func (c *CircuitBreaker) CanAttempt(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if c.lastFailureTime.IsZero() || now.Sub(c.lastFailureTime) >= c.recoveryTimeout {
			c.state = CircuitHalfOpen
			c.successCount = 0
			return true
		}
		return false
	default: // half-open
		return true
	}
}

// RecordSuccess resets the failure count and, in HALF_OPEN, counts toward
// closing the circuit.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount = 0
	if c.state == CircuitHalfOpen {
		c.successCount++
		if c.successCount >= c.successThreshold {
			c.state = CircuitClosed
			c.successCount = 0
		}
	}
}

// RecordFailure increments the failure count and opens the circuit once
// the threshold is crossed.
func (c *CircuitBreaker) RecordFailure(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	c.successCount = 0
	c.lastFailureTime = now
	if c.failureCount >= c.failureThreshold {
		c.state = CircuitOpen
	}
}

// State returns the current breaker state.
func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset returns the breaker to CLOSED with all counters zeroed.
func (c *CircuitBreaker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.failureCount = 0
	c.successCount = 0
	c.lastFailureTime = time.Time{}
}

// FailureCount reports the current consecutive-failure count, for status
// endpoints.
func (c *CircuitBreaker) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureCount
}
