package publisher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/codec"
	"github.com/withobsrvr/oip-index-node/internal/identity"
	"github.com/withobsrvr/oip-index-node/internal/indexer"
	"github.com/withobsrvr/oip-index-node/internal/oip"
	"github.com/withobsrvr/oip-index-node/internal/search"
	"github.com/withobsrvr/oip-index-node/internal/state"
)

type fakeLedger struct {
	nextTxID string
}

func (f *fakeLedger) Submit(ctx context.Context, compressed map[string]map[string]any, tags map[string]string) (string, error) {
	return f.nextTxID, nil
}

func newTestPublisher(t *testing.T) (*Publisher, *search.Store) {
	t.Helper()
	dir := codec.NewDirectory()
	dir.Put(&oip.Template{
		TemplateDid: "did:ledger:tmpl-basic",
		Name:        "basic",
		Fields:      []oip.FieldDef{{Name: "name", Index: 0, Type: oip.FieldString}},
	})

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
	ix := indexer.New(dir, store, st, zap.NewNop())
	go ix.Run()
	t.Cleanup(ix.Stop)

	wallet, _, err := identity.NewRandomWallet(128)
	if err != nil {
		t.Fatalf("NewRandomWallet: %v", err)
	}
	signingKey, err := wallet.DerivePath(identity.SigningPath(0)...)
	if err != nil {
		t.Fatalf("DerivePath: %v", err)
	}

	pub := New(signingKey, &fakeLedger{nextTxID: "tx123"}, nil, ix, dir, zap.NewNop())
	return pub, store
}

func TestPublishToLedgerCommitsAndIndexes(t *testing.T) {
	pub, store := newTestPublisher(t)
	ctx := context.Background()

	receipt, err := pub.Publish(ctx, map[string]map[string]any{
		"basic": {"name": "Greek Chicken"},
	}, "basic", Options{Storage: oip.StorageLedger})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if receipt.Did != "did:ledger:tx123" {
		t.Fatalf("expected did:ledger:tx123, got %s", receipt.Did)
	}
	if receipt.State != StateSubmitted {
		t.Fatalf("expected state submitted, got %s", receipt.State)
	}

	waitForDoc(t, store, receipt.Did)
}

func waitForDoc(t *testing.T, store *search.Store, did string) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if _, ok, _ := store.Get(did); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %s to be indexed", did)
}

func TestPublishRejectsTamperedClientSignature(t *testing.T) {
	pub, _ := newTestPublisher(t)
	ctx := context.Background()

	_, err := pub.Publish(ctx, map[string]map[string]any{
		"basic": {"name": "x"},
	}, "basic", Options{
		Storage: oip.StorageLedger,
		ClientSigned: &ClientSignedPayload{
			Creator:       "did:ledger:someone",
			CreatorSig:    "not-a-real-signature",
			PayloadDigest: "wrong-digest",
			KeyIndex:      0,
		},
	})
	if err == nil {
		t.Fatal("expected InvalidSignature for a mismatched payload digest")
	}
}
