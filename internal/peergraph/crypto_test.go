package peergraph

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	key := DerivePrivateKey("04abc", salt)

	plaintext := []byte(`{"name":"secret recipe"}`)
	sealed, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	recovered, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Fatalf("round trip mismatch: got %s want %s", recovered, plaintext)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key1 := DerivePrivateKey("owner1", []byte("0123456789012345678901234567890a"))
	key2 := DerivePrivateKey("owner2", []byte("0123456789012345678901234567890a"))

	sealed, err := Seal(key1, []byte("hello"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(key2, sealed); err == nil {
		t.Fatal("expected decryption under the wrong key to fail")
	}
}

func TestDeriveOrganizationKeyIsDeterministic(t *testing.T) {
	k1 := DeriveOrganizationKey("did:ledger:org-abc")
	k2 := DeriveOrganizationKey("did:ledger:org-abc")
	if !bytes.Equal(k1, k2) {
		t.Fatal("expected organization key derivation to be deterministic")
	}
	k3 := DeriveOrganizationKey("did:ledger:org-xyz")
	if bytes.Equal(k1, k3) {
		t.Fatal("expected different organizations to derive different keys")
	}
}

func TestContentSoulIsStableForSameInput(t *testing.T) {
	data := []byte(`{"a":1}`)
	s1 := ContentSoul("pub1", data)
	s2 := ContentSoul("pub1", data)
	if s1 != s2 {
		t.Fatalf("expected stable content soul, got %s vs %s", s1, s2)
	}
	if ContentSoul("pub2", data) == s1 {
		t.Fatal("expected different publishers to produce different souls")
	}
}
