package query

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/oip"
	"github.com/withobsrvr/oip-index-node/internal/resolver"
	"github.com/withobsrvr/oip-index-node/internal/search"
)

func newTestEngine(t *testing.T) (*Engine, *search.Store) {
	t.Helper()
	store, err := search.Open(filepath.Join(t.TempDir(), "idx.bleve"), zap.NewNop())
	if err != nil {
		t.Fatalf("search.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, resolver.New(store)), store
}

func TestQueryDefaultsAndLimitBounds(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Query(Request{Limit: "501"}, Caller{}); err == nil {
		t.Fatal("expected an error for limit over 500")
	}
	if _, err := e.Query(Request{ResolveDepth: "4"}, Caller{}); err == nil {
		t.Fatal("expected an error for resolveDepth >= 4")
	}
	if _, err := e.Query(Request{Storage: "bogus"}, Caller{}); err == nil {
		t.Fatal("expected an error for an invalid storage value")
	}
}

func TestQueryFiltersPrivateRecordsByOwner(t *testing.T) {
	e, store := newTestEngine(t)
	if err := store.Index(&search.Doc{
		Did: "did:ledger:priv", RecordType: "basic", Storage: "ledger",
		AccessLevel: "private", OwnerPubKey: "owner-1",
		Record: &oip.Record{OIP: oip.SystemMeta{
			Did: "did:ledger:priv", RecordType: "basic",
			AccessControl: &oip.AccessControl{Level: oip.AccessPrivate, OwnerPubKey: "owner-1"},
		}},
	}); err != nil {
		t.Fatalf("Index: %v", err)
	}

	page, err := e.Query(Request{RecordType: "basic"}, Caller{PubKey: "someone-else"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Records) != 0 {
		t.Fatalf("expected private record hidden from non-owner, got %d records", len(page.Records))
	}

	page, err = e.Query(Request{RecordType: "basic"}, Caller{PubKey: "owner-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("expected private record visible to its owner, got %d records", len(page.Records))
	}
}

func TestQueryAlwaysShowsPublicRecords(t *testing.T) {
	e, store := newTestEngine(t)
	if err := store.Index(&search.Doc{
		Did: "did:ledger:pub", RecordType: "basic", Storage: "ledger",
		AccessLevel: "public",
		Record:      &oip.Record{OIP: oip.SystemMeta{Did: "did:ledger:pub", RecordType: "basic"}},
	}); err != nil {
		t.Fatalf("Index: %v", err)
	}

	page, err := e.Query(Request{RecordType: "basic"}, Caller{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("expected public record visible to anyone, got %d", len(page.Records))
	}
}
