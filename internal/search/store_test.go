package search

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/oip"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "idx.bleve"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIndexAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	doc := &Doc{
		Did:        "did:ledger:abc",
		RecordType: "recipe",
		Storage:    "ledger",
		Creator:    "GABC",
		Date:       1000,
		Tags:       []string{"greek", "grill"},
		Fields:     map[string]any{"name": "Greek Chicken"},
		Record:     &oip.Record{OIP: oip.SystemMeta{Did: "did:ledger:abc", RecordType: "recipe"}},
	}
	if err := s.Index(doc); err != nil {
		t.Fatalf("Index: %v", err)
	}

	got, ok, err := s.Get("did:ledger:abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected document to be present")
	}
	if got.Record.OIP.Did != "did:ledger:abc" {
		t.Fatalf("expected nested record to round-trip, got %+v", got.Record)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	s := openTestStore(t)
	doc := &Doc{Did: "did:ledger:xyz", RecordType: "basic", Storage: "ledger"}
	if err := s.Index(doc); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := s.Delete("did:ledger:xyz"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := s.Get("did:ledger:xyz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected document to be gone after Delete")
	}
}

func TestGetManyRejectsOversizedBatch(t *testing.T) {
	s := openTestStore(t)
	dids := make([]string, maxTermsLookup+1)
	for i := range dids {
		dids[i] = "did:ledger:x"
	}
	if _, err := s.GetMany(dids); err == nil {
		t.Fatal("expected an error for a batch over the terms-lookup limit")
	}
}

func TestSearchFindsIndexedDocument(t *testing.T) {
	s := openTestStore(t)
	if err := s.Index(&Doc{
		Did: "did:ledger:1", RecordType: "recipe", Storage: "ledger",
		Date: 1, Fields: map[string]any{"name": "Greek Chicken"},
	}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := s.Index(&Doc{
		Did: "did:ledger:2", RecordType: "recipe", Storage: "ledger",
		Date: 2, Fields: map[string]any{"name": "Pasta Carbonara"},
	}); err != nil {
		t.Fatalf("Index: %v", err)
	}

	req := BuildQuery(Params{RecordType: "recipe", Search: "Greek", Limit: 20})
	dids, total, err := s.Search(req)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 1 || len(dids) != 1 || dids[0] != "did:ledger:1" {
		t.Fatalf("expected exactly did:ledger:1, got %v (total %d)", dids, total)
	}
}
