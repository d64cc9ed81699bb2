// Package exchange implements the gateway to remote venues: connector
// construction and caching, per-venue circuit breaking, and the bundled
// mock venue.
package exchange

import (
	"fmt"
	"sync"
	"time"

	"spot_trader/pkg/telemetry"

	apperrors "spot_trader/pkg/errors"
)

// CircuitState is the breaker's current disposition.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
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

// BreakerConfig holds the tunable thresholds.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
}

// DefaultBreakerConfig matches the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// OpenError is returned on fail-fast with the time until the next probe.
type OpenError struct {
	Venue      string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: venue %s, retry after %s", apperrors.ErrCircuitOpen, e.Venue, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Unwrap() error {
	return apperrors.ErrCircuitOpen
}

// CircuitBreaker is a three-state per-venue breaker. The open→half_open
// transition happens lazily on the next admission attempt once
// ResetTimeout has elapsed since the last failure.
type CircuitBreaker struct {
	venue   string
	config  BreakerConfig
	metrics *telemetry.Metrics

	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	successCount  int
	halfOpenCalls int
	lastFailure   time.Time
	now           func() time.Time
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(venue string, config BreakerConfig, metrics *telemetry.Metrics) *CircuitBreaker {
	return &CircuitBreaker{
		venue:   venue,
		config:  config,
		metrics: metrics,
		state:   CircuitClosed,
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// Allow admits or rejects a call. The caller must report the outcome
// with OnSuccess or OnFailure when admitted.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		elapsed := cb.now().Sub(cb.lastFailure)
		if elapsed < cb.config.ResetTimeout {
			return &OpenError{Venue: cb.venue, RetryAfter: cb.config.ResetTimeout - elapsed}
		}
		cb.transition(CircuitHalfOpen)
		cb.halfOpenCalls = 1
		return nil
	case CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return &OpenError{Venue: cb.venue, RetryAfter: 0}
		}
		cb.halfOpenCalls++
		return nil
	}
	return nil
}

// OnSuccess records a successful call.
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed)
		}
	}
}

// OnFailure records a failed call.
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(next CircuitState) {
	cb.state = next
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
	if cb.metrics != nil {
		// Gauge encoding: 0 closed, 1 half-open, 2 open.
		var v float64
		switch next {
		case CircuitHalfOpen:
			v = 1
		case CircuitOpen:
			v = 2
		}
		cb.metrics.CircuitState.WithLabelValues(cb.venue).Set(v)
	}
}
