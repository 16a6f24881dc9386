package indexer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/codec"
	"github.com/withobsrvr/oip-index-node/internal/oip"
	"github.com/withobsrvr/oip-index-node/internal/search"
	"github.com/withobsrvr/oip-index-node/internal/state"
)

func newTestIndexer(t *testing.T) (*Indexer, *codec.Directory, *search.Store) {
	t.Helper()
	dir := codec.NewDirectory()
	store, err := search.Open(filepath.Join(t.TempDir(), "idx.bleve"), zap.NewNop())
	if err != nil {
		t.Fatalf("search.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	st, err := state.Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ix := New(dir, store, st, zap.NewNop())
	go ix.Run()
	t.Cleanup(ix.Stop)
	return ix, dir, store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestRecordBuffersUntilTemplateArrives(t *testing.T) {
	ix, _, store := newTestIndexer(t)
	ctx := context.Background()

	record := &oip.Record{
		OIP: oip.SystemMeta{Did: "did:ledger:rec1", RecordType: "basic", Storage: oip.StorageLedger, Signature: "sig1"},
		Sections: map[string]map[string]any{
			"basic": {"name": "hello"},
		},
	}
	if err := ix.Enqueue(ctx, Item{Record: record}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, func() bool { return ix.PendingCount() == 1 })

	tmpl := &oip.Template{
		TemplateDid: "did:ledger:tmpl-basic",
		Name:        "basic",
		Fields: []oip.FieldDef{
			{Name: "name", Index: 0, Type: oip.FieldString},
		},
	}
	if err := ix.Enqueue(ctx, Item{Template: tmpl}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, func() bool {
		_, ok, _ := store.Get("did:ledger:rec1")
		return ok
	})
	if ix.PendingCount() != 0 {
		t.Fatalf("expected pending buffer to drain, got %d", ix.PendingCount())
	}
}

func TestIdempotentOnIdenticalSignature(t *testing.T) {
	ix, dir, store := newTestIndexer(t)
	ctx := context.Background()

	dir.Put(&oip.Template{
		TemplateDid: "did:ledger:tmpl-basic2",
		Name:        "basic2",
		Fields:      []oip.FieldDef{{Name: "name", Index: 0, Type: oip.FieldString}},
	})

	record := &oip.Record{
		OIP: oip.SystemMeta{Did: "did:ledger:rec2", RecordType: "basic2", Storage: oip.StorageLedger, Signature: "sig-x", IndexedAt: 1},
		Sections: map[string]map[string]any{
			"basic2": {"name": "first"},
		},
	}
	if err := ix.Enqueue(ctx, Item{Record: record}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool {
		_, ok, _ := store.Get("did:ledger:rec2")
		return ok
	})

	// Re-submitting the same signature must be a no-op: the name must
	// not change even though the incoming section does.
	record2 := &oip.Record{
		OIP: oip.SystemMeta{Did: "did:ledger:rec2", RecordType: "basic2", Storage: oip.StorageLedger, Signature: "sig-x", IndexedAt: 2},
		Sections: map[string]map[string]any{
			"basic2": {"name": "second"},
		},
	}
	if err := ix.Enqueue(ctx, Item{Record: record2}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	got, _, err := store.Get("did:ledger:rec2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Fields["basic2.name"] != "first" {
		t.Fatalf("expected no-op on identical signature, got %v", got.Fields["basic2.name"])
	}
}

type fakeOrgMirror struct {
	orgDid  string
	org     oip.Organization
	domains []string
}

func (f *fakeOrgMirror) UpsertOrganization(_ context.Context, orgDid string, org oip.Organization, domains []string) error {
	f.orgDid = orgDid
	f.org = org
	f.domains = domains
	return nil
}

func TestOrganizationRecordMirrorsToOrgMirror(t *testing.T) {
	ix, dir, store := newTestIndexer(t)
	ctx := context.Background()

	mirror := &fakeOrgMirror{}
	ix.SetOrgMirror(mirror)

	dir.Put(&oip.Template{
		TemplateDid: "did:ledger:tmpl-org",
		Name:        "organization",
		Fields: []oip.FieldDef{
			{Name: "orgHandle", Index: 0, Type: oip.FieldString},
			{Name: "orgPublicKey", Index: 1, Type: oip.FieldString},
			{Name: "adminPubKeys", Index: 2, Type: oip.FieldRepeated, Of: oip.FieldString},
			{Name: "membershipPolicy", Index: 3, Type: oip.FieldString},
			{Name: "autoEnrollDomains", Index: 4, Type: oip.FieldRepeated, Of: oip.FieldString},
		},
	})

	record := &oip.Record{
		OIP: oip.SystemMeta{Did: "did:ledger:org1", RecordType: "organization", Storage: oip.StorageLedger, Signature: "sig-org"},
		Sections: map[string]map[string]any{
			"organization": {
				"orgHandle":         "acme",
				"orgPublicKey":      "pub-acme",
				"adminPubKeys":      []any{"pub-admin-1"},
				"membershipPolicy":  "autoEnrollByDomain",
				"autoEnrollDomains": []any{"acme.example"},
			},
		},
	}
	if err := ix.Enqueue(ctx, Item{Record: record}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool {
		_, ok, _ := store.Get("did:ledger:org1")
		return ok
	})
	waitFor(t, func() bool { return mirror.orgDid != "" })

	if mirror.org.OrgHandle != "acme" {
		t.Fatalf("expected orgHandle acme, got %q", mirror.org.OrgHandle)
	}
	if len(mirror.domains) != 1 || mirror.domains[0] != "acme.example" {
		t.Fatalf("expected one auto-enroll domain, got %v", mirror.domains)
	}
}
