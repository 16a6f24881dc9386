// Package ledger implements LedgerReader from spec.md §4.2: a resumable,
// strictly ordered stream of ledger items, built against an HTTP query
// endpoint. Grounded on stellar-live-source/go/server/server.go's
// retry/backoff/circuit-breaker shape, re-expressed as the channel-pair
// "lazy sequence" spec.md calls for instead of the teacher's gRPC stream.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/httpx"
	"github.com/withobsrvr/oip-index-node/internal/oiperr"
	"github.com/withobsrvr/oip-index-node/internal/state"
)

// Kind distinguishes the two shapes of ledger item named in spec.md §4.2.
type Kind string

const (
	KindTemplate Kind = "template"
	KindRecord   Kind = "record"
)

// Tags carries the ledger metadata fields spec.md §4.2 names: "Index-
// Method, Ver, Creator, and (v0.9) CreatorSig, PayloadDigest, KeyIndex."
type Tags struct {
	IndexMethod   string `json:"Index-Method"`
	Ver           string `json:"Ver"`
	Creator       string `json:"Creator"`
	CreatorSig    string `json:"CreatorSig,omitempty"`
	PayloadDigest string `json:"PayloadDigest,omitempty"`
	KeyIndex      uint32 `json:"KeyIndex,omitempty"`
	// RecordType names the template a KindRecord item's compressed
	// sections should be validated against; templates carry their own
	// name in Raw and ignore this tag.
	RecordType string `json:"RecordType,omitempty"`
}

// Item is one element of the ordered ledger stream: "(block, kind, raw,
// tags)".
type Item struct {
	Block           uint64
	PositionInBlock int
	Kind            Kind
	// TxID is the ledger-assigned transaction id this item was
	// submitted under; did:ledger:<TxID> is the resulting record's did.
	TxID string `json:"txId"`
	Raw  json.RawMessage
	Tags Tags
}

const (
	backoffBase    = 500 * time.Millisecond
	backoffCap     = 30 * time.Second
	maxAttempts    = 6
	recycleEvery   = 30 * time.Minute
	httpTimeout    = 15 * time.Second
)

// pageResponse is the shape the ledger's HTTP query endpoint is assumed
// to return for a page of items strictly after a given block.
type pageResponse struct {
	Items     []Item `json:"items"`
	TipHeight uint64 `json:"tipHeight"`
}

// Reader is LedgerReader.
type Reader struct {
	baseURL string
	rc      *httpx.RecyclingClient
	breaker *httpx.CircuitBreaker
	store   *state.Store
	log     *zap.Logger
}

// New builds a Reader against the ledger's HTTP query endpoint.
func New(baseURL string, store *state.Store, log *zap.Logger) *Reader {
	return &Reader{
		baseURL: baseURL,
		rc:      httpx.NewRecyclingClient(httpTimeout, recycleEvery),
		breaker: httpx.NewCircuitBreaker(5, 30*time.Second),
		store:   store,
		log:     log,
	}
}

// Close releases the reader's HTTP client resources.
func (r *Reader) Close() {
	r.rc.Close()
}

// Stream produces the ordered item sequence from spec.md §4.2: "stream(from,
// to?) → lazy sequence... ordered by (block, positionInBlock)... finite
// when to is supplied, otherwise terminates at the current chain tip at
// the moment the stream was opened." Without to, the tip is the
// tipHeight the endpoint reports on the first page; if the endpoint
// reports none, the stream ends at the first empty page. The item
// channel is closed when the stream finishes (or fails); the error
// channel carries at most one terminal error and is closed alongside it.
func (r *Reader) Stream(ctx context.Context, from uint64, to *uint64) (<-chan Item, <-chan error) {
	items := make(chan Item)
	errs := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errs)

		tip := to
		cursor := from
		backoff := httpx.Backoff{Base: backoffBase, Cap: backoffCap}

		for {
			if tip != nil && cursor > *tip {
				return
			}

			page, err := r.fetchPageWithRetry(ctx, cursor, backoff)
			if err != nil {
				errs <- err
				return
			}
			if tip == nil && page.TipHeight > 0 {
				// No `to` bound was given: pin the tip reported at
				// stream-open time so later blocks are not streamed.
				h := page.TipHeight
				tip = &h
			}
			if tip == nil && len(page.Items) == 0 {
				// No bound and no reported tip: an empty page means the
				// current chain tip has been reached.
				return
			}

			for _, it := range page.Items {
				if tip != nil && it.Block > *tip {
					return
				}
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case items <- it:
				}
				cursor = it.Block + 1
			}
			if len(page.Items) == 0 {
				return
			}
		}
	}()

	return items, errs
}

func (r *Reader) fetchPageWithRetry(ctx context.Context, from uint64, backoff httpx.Backoff) (*pageResponse, error) {
	if !r.breaker.Allow() {
		return nil, oiperr.New(oiperr.TransientIO, "ledger.stream", fmt.Errorf("circuit open for %s", r.baseURL))
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff.Next(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		page, err := r.fetchPage(ctx, from)
		if err == nil {
			r.breaker.RecordSuccess()
			return page, nil
		}
		lastErr = err
		r.breaker.RecordFailure()
	}
	return nil, oiperr.New(oiperr.TransientIO, "ledger.stream", fmt.Errorf("exhausted %d attempts: %w", maxAttempts, lastErr))
}

func (r *Reader) fetchPage(ctx context.Context, from uint64) (*pageResponse, error) {
	url := fmt.Sprintf("%s/ledger/items?from=%d", r.baseURL, from)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: build request: %w", err)
	}

	resp, err := r.rc.Client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger: unexpected status %d", resp.StatusCode)
	}

	var page pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("ledger: decode response: %w", err)
	}
	return &page, nil
}

// Checkpoint returns the durable resume point recorded by the last
// successful ingestion, per spec.md §4.2's "periodic keep-up-to-date loop
// persists the highest committed block."
func (r *Reader) Checkpoint() (uint64, error) {
	return r.store.LedgerCheckpoint()
}

// Advance records a new checkpoint. Only call this after every item up
// to and including height has been durably indexed — a failed ingest
// attempt must never advance it.
func (r *Reader) Advance(height uint64) error {
	return r.store.SetLedgerCheckpoint(height)
}

type submitRequest struct {
	Sections map[string]map[string]any `json:"sections"`
	Tags     map[string]string         `json:"tags"`
}

type submitResponse struct {
	TxID string `json:"txId"`
}

// Submit implements publisher.LedgerSubmitter: it writes a compressed
// record to the ledger's submission endpoint and returns the assigned
// transaction id, which becomes the "ledger:" half of the resulting
// did:ledger:<txId>.
func (r *Reader) Submit(ctx context.Context, compressed map[string]map[string]any, tags map[string]string) (string, error) {
	if !r.breaker.Allow() {
		return "", oiperr.New(oiperr.TransientIO, "ledger.submit", fmt.Errorf("circuit open for %s", r.baseURL))
	}

	body, err := json.Marshal(submitRequest{Sections: compressed, Tags: tags})
	if err != nil {
		return "", oiperr.New(oiperr.BadRequest, "ledger.submit", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/ledger/items", bytes.NewReader(body))
	if err != nil {
		return "", oiperr.New(oiperr.Fatal, "ledger.submit", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.rc.Client().Do(req)
	if err != nil {
		r.breaker.RecordFailure()
		return "", oiperr.New(oiperr.TransientIO, "ledger.submit", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		r.breaker.RecordFailure()
		return "", oiperr.Newf(oiperr.TransientIO, "ledger.submit", "unexpected status %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		r.breaker.RecordFailure()
		return "", oiperr.New(oiperr.TransientIO, "ledger.submit", err)
	}
	r.breaker.RecordSuccess()
	return out.TxID, nil
}
