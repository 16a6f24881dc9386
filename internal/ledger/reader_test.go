package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/state"
)

func newTestReader(t *testing.T, handler http.HandlerFunc) *Reader {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := state.Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	r := New(srv.URL, st, zap.NewNop())
	t.Cleanup(r.Close)
	return r
}

func TestStreamOrderedAndFinite(t *testing.T) {
	pages := [][]Item{
		{{Block: 1, PositionInBlock: 0, Kind: KindRecord}, {Block: 1, PositionInBlock: 1, Kind: KindRecord}},
		{{Block: 2, PositionInBlock: 0, Kind: KindTemplate}},
		{},
	}
	call := 0
	r := newTestReader(t, func(w http.ResponseWriter, req *http.Request) {
		if call >= len(pages) {
			call = len(pages) - 1
		}
		resp := pageResponse{Items: pages[call]}
		call++
		json.NewEncoder(w).Encode(resp)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	items, errs := r.Stream(ctx, 0, nil)
	var got []Item
	for it := range items {
		got = append(got, it)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0].Block != 1 || got[2].Block != 2 {
		t.Fatalf("expected ordering by block, got %+v", got)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	r := newTestReader(t, func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(pageResponse{})
	})

	h, err := r.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if h != 0 {
		t.Fatalf("expected 0, got %d", h)
	}
	if err := r.Advance(10); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	h, err = r.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if h != 10 {
		t.Fatalf("expected 10, got %d", h)
	}
}

func TestStreamSurfacesPersistentFailure(t *testing.T) {
	r := newTestReader(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	items, errs := r.Stream(ctx, 0, nil)
	for range items {
	}
	if err := <-errs; err == nil {
		t.Fatal("expected a terminal error after exhausting retries")
	}
}
