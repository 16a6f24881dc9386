package accessstore

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/oip"
)

// These tests exercise a real Postgres connection and only run when
// ACCESSSTORE_TEST_DSN is set, matching how the rest of the node keeps
// database integration tests out of the default local/CI run.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ACCESSSTORE_TEST_DSN")
	if dsn == "" {
		t.Skip("ACCESSSTORE_TEST_DSN not set, skipping accessstore integration test")
	}
	s, err := Open(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertOrganizationAndIsAdmin(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	org := oip.Organization{
		OrgHandle:        "acme",
		OrgPublicKey:     "pub-acme",
		AdminPubKeys:     []string{"pub-admin-1"},
		MembershipPolicy: oip.InviteOnly,
	}
	if err := s.UpsertOrganization(ctx, "did:ledger:org-acme", org, nil); err != nil {
		t.Fatalf("UpsertOrganization: %v", err)
	}

	isAdmin, err := s.IsAdmin(ctx, "did:ledger:org-acme", "pub-admin-1")
	if err != nil {
		t.Fatalf("IsAdmin: %v", err)
	}
	if !isAdmin {
		t.Fatal("expected pub-admin-1 to be an admin")
	}

	isAdmin, err = s.IsAdmin(ctx, "did:ledger:org-acme", "someone-else")
	if err != nil {
		t.Fatalf("IsAdmin: %v", err)
	}
	if isAdmin {
		t.Fatal("expected someone-else to not be an admin")
	}
}

func TestAutoEnrollMatchesOnlyForMatchingPolicy(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	org := oip.Organization{
		OrgHandle:        "acme",
		OrgPublicKey:     "pub-acme",
		MembershipPolicy: oip.AutoEnrollByDomain,
	}
	if err := s.UpsertOrganization(ctx, "did:ledger:org-autoenroll", org, []string{"Acme.example"}); err != nil {
		t.Fatalf("UpsertOrganization: %v", err)
	}

	matches, err := s.AutoEnrollMatches(ctx, "did:ledger:org-autoenroll", "acme.example")
	if err != nil {
		t.Fatalf("AutoEnrollMatches: %v", err)
	}
	if !matches {
		t.Fatal("expected a case-insensitive domain match")
	}

	matches, err = s.AutoEnrollMatches(ctx, "did:ledger:org-autoenroll", "other.example")
	if err != nil {
		t.Fatalf("AutoEnrollMatches: %v", err)
	}
	if matches {
		t.Fatal("expected no match for an unregistered domain")
	}
}
