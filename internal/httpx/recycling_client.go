// Package httpx provides the shared HTTP client lifecycle primitives used
// by LedgerReader, PeerGraphClient, and SyncEngine: a client that is
// periodically recreated to release pooled transport buffers (spec.md §5
// memory discipline item 1), and a single-goroutine janitor that owns its
// own cancellation signal rather than the teacher's scattered
// setInterval-style cleanup (spec.md §9 re-architecting note).
package httpx

import (
	"net/http"
	"sync"
	"time"
)

// RecyclingClient wraps an *http.Client that is swapped out for a fresh
// one on a fixed interval, closing the old transport's idle connections
// so pooled response buffers don't accumulate across hours of operation.
type RecyclingClient struct {
	mu       sync.RWMutex
	client   *http.Client
	timeout  time.Duration
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewRecyclingClient builds a client recreated every interval, with each
// underlying *http.Client using the given per-request timeout.
func NewRecyclingClient(timeout, interval time.Duration) *RecyclingClient {
	rc := &RecyclingClient{
		client:   newClient(timeout),
		timeout:  timeout,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go rc.janitor()
	return rc
}

func newClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (rc *RecyclingClient) janitor() {
	defer close(rc.done)
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-rc.stop:
			return
		case <-ticker.C:
			rc.Recycle()
		}
	}
}

// Recycle closes the current transport's idle connections and installs a
// fresh *http.Client. Safe to call concurrently with Client().
func (rc *RecyclingClient) Recycle() {
	rc.mu.Lock()
	old := rc.client
	rc.client = newClient(rc.timeout)
	rc.mu.Unlock()
	old.CloseIdleConnections()
}

// Client returns the currently active *http.Client.
func (rc *RecyclingClient) Client() *http.Client {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.client
}

// Close stops the janitor goroutine and releases the current transport's
// idle connections. Idempotent-ish: calling it twice panics on a closed
// channel, matching the teacher's single-owner-closes-once convention.
func (rc *RecyclingClient) Close() {
	close(rc.stop)
	<-rc.done
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	rc.client.CloseIdleConnections()
}
