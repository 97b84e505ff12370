// Package resilience provides the failure-containment primitives shared by
// every component of the connector: the circuit breaker, the order
// deduplication guard, backoff schedules and the periodic health monitor.
package resilience

import (
	"context"
	"sync"
	"time"

	apperrors "kite-connector/internal/errors"
)

// Clock returns the current time. Tests replace it to move time by hand.
type Clock func() time.Time

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed CircuitState = "CLOSED" // Normal operation
	CircuitOpen   CircuitState = "OPEN"   // Failing fast until reset_at
)

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before auto-closing.
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold: 10,
		Cooldown:  30 * time.Second,
	}
}

// CircuitBreaker counts consecutive failures across the whole connector.
// Once the count reaches the threshold it opens for a fixed cooldown and
// then closes on its own. Any success closes it immediately.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    Clock

	mu       sync.Mutex
	failures int
	open     bool
	resetAt  time.Time
	onOpen   func(CircuitBreakerStats)
	onClose  func(CircuitBreakerStats)

	// Metrics
	totalFailures  int64
	totalSuccesses int64
	totalTrips     int64
	lastFailure    time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.Threshold < 1 {
		config.Threshold = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
	}
}

// WithClock replaces the breaker's time source.
func (cb *CircuitBreaker) WithClock(now Clock) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	return cb
}

// OnOpen registers a callback fired once each time the breaker trips.
func (cb *CircuitBreaker) OnOpen(fn func(CircuitBreakerStats)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onOpen = fn
}

// OnClose registers a callback fired when an open breaker closes.
func (cb *CircuitBreaker) OnClose(fn func(CircuitBreakerStats)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onClose = fn
}

// RecordFailure counts one failure and trips the breaker at the threshold.
// While open, further failures never move reset_at.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	closed := cb.expireLocked()

	cb.failures++
	cb.totalFailures++
	cb.lastFailure = cb.now()

	var tripped bool
	if cb.failures >= cb.config.Threshold && !cb.open {
		cb.open = true
		cb.resetAt = cb.now().Add(cb.config.Cooldown)
		cb.totalTrips++
		tripped = true
	}
	stats := cb.statsLocked()
	onOpen, onClose := cb.onOpen, cb.onClose
	cb.mu.Unlock()

	if closed && onClose != nil {
		onClose(stats)
	}
	if tripped && onOpen != nil {
		onOpen(stats)
	}
}

// RecordSuccess decrements the failure count toward zero. An open breaker
// closes immediately and its count is cleared.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.totalSuccesses++

	wasOpen := cb.open
	if cb.open {
		cb.open = false
		cb.failures = 0
		cb.resetAt = time.Time{}
	} else if cb.failures > 0 {
		cb.failures--
	}
	stats := cb.statsLocked()
	onClose := cb.onClose
	cb.mu.Unlock()

	if wasOpen && onClose != nil {
		onClose(stats)
	}
}

// IsOpen reports whether callers must fail fast. It auto-closes the breaker
// first if the cooldown has elapsed.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	closed := cb.expireLocked()
	open := cb.open
	stats := cb.statsLocked()
	onClose := cb.onClose
	cb.mu.Unlock()

	if closed && onClose != nil {
		onClose(stats)
	}
	return open
}

// expireLocked closes the breaker once now >= reset_at. It reports whether
// it did so.
func (cb *CircuitBreaker) expireLocked() bool {
	if !cb.open || cb.now().Before(cb.resetAt) {
		return false
	}
	cb.open = false
	cb.failures = 0
	cb.resetAt = time.Time{}
	return true
}

// ResetAt returns when an open breaker will auto-close, or the zero time.
func (cb *CircuitBreaker) ResetAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.resetAt
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	if cb.IsOpen() {
		return CircuitOpen
	}
	return CircuitClosed
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Guard returns a CircuitOpenError for op when the breaker is open.
func (cb *CircuitBreaker) Guard(op string) error {
	if cb.IsOpen() {
		return apperrors.NewCircuitOpenError(op, cb.ResetAt())
	}
	return nil
}

// Execute runs fn unless the breaker is open, recording its outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := cb.Guard(op); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Reset forces the breaker closed with a zero count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.open = false
	cb.failures = 0
	cb.resetAt = time.Time{}
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.statsLocked()
}

func (cb *CircuitBreaker) statsLocked() CircuitBreakerStats {
	state := CircuitClosed
	if cb.open {
		state = CircuitOpen
	}
	return CircuitBreakerStats{
		Name:            cb.name,
		State:           state,
		Threshold:       cb.config.Threshold,
		CurrentFailures: cb.failures,
		ResetAt:         cb.resetAt,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalTrips:      cb.totalTrips,
		LastFailureTime: cb.lastFailure,
	}
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	Threshold       int
	CurrentFailures int
	ResetAt         time.Time
	TotalFailures   int64
	TotalSuccesses  int64
	TotalTrips      int64
	LastFailureTime time.Time
}

// FailureRate returns the failure rate as a percentage.
func (s CircuitBreakerStats) FailureRate() float64 {
	total := s.TotalFailures + s.TotalSuccesses
	if total == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(total) * 100
}
