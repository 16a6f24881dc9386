package httpx

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff tracks exponential-backoff-with-jitter state, grounded on the
// teacher's calculateBackoff in stellar-live-source/go/server/server.go.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Next returns the backoff duration for the given retry attempt (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > b.Cap {
			d = b.Cap
			break
		}
	}
	jitter := time.Duration(rand.Float64() * float64(d) * 0.1)
	return d + jitter
}

// CircuitBreaker is the same closed/open/half-open state machine as the
// teacher's server.CircuitBreaker, reused across LedgerReader,
// PeerGraphClient, and SyncEngine rather than redefined per component.
type CircuitBreaker struct {
	mu               sync.RWMutex
	failureThreshold int
	resetTimeout     time.Duration
	lastFailureTime  time.Time
	failureCount     int
	state            string // "closed", "open", "half-open"
}

// NewCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive failures and allows a single half-open probe after
// resetTimeout has elapsed.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            "closed",
	}
}

// Allow reports whether a call may proceed under the current state.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.RLock()
	state := cb.state
	lastFailure := cb.lastFailureTime
	cb.mu.RUnlock()

	if state == "closed" {
		return true
	}
	if state == "open" && time.Since(lastFailure) > cb.resetTimeout {
		cb.mu.Lock()
		cb.state = "half-open"
		cb.mu.Unlock()
		return true
	}
	return false
}

// RecordSuccess resets the consecutive-failure count and closes the
// breaker from a half-open probe.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	if cb.state == "half-open" {
		cb.state = "closed"
	}
}

// RecordFailure counts a failure and opens the breaker past threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailureTime = time.Now()
	if cb.failureCount >= cb.failureThreshold {
		cb.state = "open"
	}
}

// State returns the current breaker state string, for health reporting.
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
