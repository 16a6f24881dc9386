package peergraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/httpx"
	"github.com/withobsrvr/oip-index-node/internal/oiperr"
)

// Envelope is the wire shape spec.md §4.3 names: "envelope = {data, oip,
// meta?, encrypted?}".
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	OIP       json.RawMessage `json:"oip,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Encrypted *Sealed         `json:"encrypted,omitempty"`
}

// RecordStub is one entry of a discovery registry listing, spec.md
// §4.7.1's "did → { recordType, creatorPubKey, lastUpdated, encrypted? }".
type RecordStub struct {
	RecordType   string    `json:"recordType"`
	CreatorPubKey string   `json:"creatorPubKey"`
	LastUpdated  time.Time `json:"lastUpdated"`
	Encrypted    bool      `json:"encrypted,omitempty"`
}

const (
	getRetries    = 2
	putRetries    = 3
	retryBackoff  = 500 * time.Millisecond
)

// Client is PeerGraphClient from spec.md §4.3.
type Client struct {
	baseURL string
	rc      *httpx.RecyclingClient
	breaker *httpx.CircuitBreaker
	misses  *missCache
	log     *zap.Logger
}

// New builds a peer-graph client against baseURL (the peer's HTTP
// endpoint), sharing the node-wide HTTP client recycling discipline.
func New(baseURL string, rc *httpx.RecyclingClient, breaker *httpx.CircuitBreaker, log *zap.Logger) *Client {
	return &Client{baseURL: baseURL, rc: rc, breaker: breaker, misses: newMissCache(), log: log}
}

// Put writes envelope at soul, retrying network errors up to 3 times.
func (c *Client) Put(ctx context.Context, soul string, envelope Envelope) error {
	if !c.breaker.Allow() {
		return oiperr.New(oiperr.TransientIO, "peergraph.put", fmt.Errorf("circuit open for %s", c.baseURL))
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return oiperr.New(oiperr.BadRequest, "peergraph.put", err)
	}

	var lastErr error
	for attempt := 0; attempt <= putRetries; attempt++ {
		if attempt > 0 {
			if werr := sleep(ctx, retryBackoff); werr != nil {
				return oiperr.New(oiperr.TransientIO, "peergraph.put", werr)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/souls/"+soul, bytes.NewReader(body))
		if err != nil {
			return oiperr.New(oiperr.BadRequest, "peergraph.put", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.rc.Client().Do(req)
		if err != nil {
			lastErr = err
			c.breaker.RecordFailure()
			continue
		}
		status := resp.StatusCode
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if status >= 200 && status < 300 {
			c.breaker.RecordSuccess()
			c.misses.Forget(soul)
			return nil
		}
		lastErr = fmt.Errorf("peer returned status %d", status)
		c.breaker.RecordFailure()
	}
	return oiperr.New(oiperr.TransientIO, "peergraph.put", lastErr)
}

// Delete is equivalent to Put(soul, null), per spec.md §4.3.
func (c *Client) Delete(ctx context.Context, soul string) error {
	return c.Put(ctx, soul, Envelope{Data: json.RawMessage("null")})
}

// Get reads the envelope at soul. ok=false with a nil error means a
// cached or freshly observed 404 ("missing"), not an error.
func (c *Client) Get(ctx context.Context, soul string) (env *Envelope, ok bool, err error) {
	if c.misses.IsMissing(soul, time.Now()) {
		return nil, false, nil
	}
	if !c.breaker.Allow() {
		return nil, false, oiperr.New(oiperr.TransientIO, "peergraph.get", fmt.Errorf("circuit open for %s", c.baseURL))
	}

	var lastErr error
	for attempt := 0; attempt <= getRetries; attempt++ {
		if attempt > 0 {
			if werr := sleep(ctx, retryBackoff); werr != nil {
				return nil, false, oiperr.New(oiperr.TransientIO, "peergraph.get", werr)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/souls/"+soul, nil)
		if err != nil {
			return nil, false, oiperr.New(oiperr.BadRequest, "peergraph.get", err)
		}

		resp, err := c.rc.Client().Do(req)
		if err != nil {
			lastErr = err
			c.breaker.RecordFailure()
			continue
		}

		// The mandatory bug-fix from spec.md §4.3: read the status
		// before any response-body cleanup, so a 404 short-circuits
		// straight into the miss cache instead of being treated as a
		// retryable network failure after the body has already been
		// drained and closed.
		status := resp.StatusCode
		if status == http.StatusNotFound {
			resp.Body.Close()
			c.misses.Mark(soul, time.Now())
			return nil, false, nil
		}
		if status < 200 || status >= 300 {
			resp.Body.Close()
			lastErr = fmt.Errorf("peer returned status %d", status)
			c.breaker.RecordFailure()
			continue
		}

		var env Envelope
		decErr := json.NewDecoder(resp.Body).Decode(&env)
		resp.Body.Close()
		if decErr != nil {
			lastErr = decErr
			c.breaker.RecordFailure()
			continue
		}
		c.breaker.RecordSuccess()
		return &env, true, nil
	}
	return nil, false, oiperr.New(oiperr.TransientIO, "peergraph.get", lastErr)
}

// List reads a shared discovery registry soul, returning its did →
// RecordStub mapping per spec.md §4.7.1.
func (c *Client) List(ctx context.Context, registrySoul string) (map[string]RecordStub, error) {
	env, ok, err := c.Get(ctx, registrySoul)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]RecordStub{}, nil
	}
	var registry map[string]RecordStub
	if err := json.Unmarshal(env.Data, &registry); err != nil {
		return nil, oiperr.New(oiperr.TypeMismatch, "peergraph.list", err)
	}
	return registry, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
