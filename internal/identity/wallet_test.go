package identity

import (
	"bytes"
	"testing"
)

func TestNewRandomWalletRoundTrip(t *testing.T) {
	wallet, mnemonic, err := NewRandomWallet(128)
	if err != nil {
		t.Fatalf("NewRandomWallet: %v", err)
	}
	if mnemonic == "" {
		t.Fatal("expected non-empty mnemonic")
	}

	recovered, err := WalletFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("WalletFromMnemonic: %v", err)
	}
	if recovered.PublicKeyCompressedHex() != wallet.PublicKeyCompressedHex() {
		t.Fatalf("recovered master key does not match: %s vs %s",
			recovered.PublicKeyCompressedHex(), wallet.PublicKeyCompressedHex())
	}
}

func TestWalletFromMnemonicRejectsBadChecksum(t *testing.T) {
	_, err := WalletFromMnemonic("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon", "")
	if err == nil {
		t.Fatal("expected invalid mnemonic checksum error")
	}
}

func TestIdentityPathIsDeterministic(t *testing.T) {
	wallet, _, err := NewRandomWallet(256)
	if err != nil {
		t.Fatalf("NewRandomWallet: %v", err)
	}

	a, err := wallet.DerivePath(IdentityPath()...)
	if err != nil {
		t.Fatalf("DerivePath: %v", err)
	}
	b, err := wallet.DerivePath(IdentityPath()...)
	if err != nil {
		t.Fatalf("DerivePath: %v", err)
	}
	if a.CreatorDid() != b.CreatorDid() {
		t.Fatalf("identity derivation is not deterministic: %s vs %s", a.CreatorDid(), b.CreatorDid())
	}
}

func TestCreatorDidShapeIsDidLedger(t *testing.T) {
	wallet, _, err := NewRandomWallet(128)
	if err != nil {
		t.Fatalf("NewRandomWallet: %v", err)
	}
	identityKey, err := wallet.DerivePath(IdentityPath()...)
	if err != nil {
		t.Fatalf("DerivePath: %v", err)
	}
	did := identityKey.CreatorDid()
	if len(did) < len("did:ledger:") || did[:len("did:ledger:")] != "did:ledger:" {
		t.Fatalf("expected did:ledger: prefix, got %s", did)
	}
}

func TestSignAndVerifyPayloadRoundTrip(t *testing.T) {
	wallet, _, err := NewRandomWallet(128)
	if err != nil {
		t.Fatalf("NewRandomWallet: %v", err)
	}
	signingAccount, err := wallet.DerivePath(SigningPath(0)...)
	if err != nil {
		t.Fatalf("DerivePath: %v", err)
	}

	digest := PayloadDigest([]byte(`{"sections":{"basic":{"name":"x"}}}`))
	sig, keyIndex, err := SignPayload(signingAccount, digest)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	if keyIndex != KeyIndex(digest) {
		t.Fatalf("expected keyIndex to match KeyIndex(digest) deterministically")
	}

	accountPub := signingAccount.privKey.PubKey().SerializeCompressed()
	ok, err := VerifyPayload(accountPub, signingAccount.chainCode, digest, sig, keyIndex)
	if err != nil {
		t.Fatalf("VerifyPayload: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyPayloadRejectsTamperedDigest(t *testing.T) {
	wallet, _, err := NewRandomWallet(128)
	if err != nil {
		t.Fatalf("NewRandomWallet: %v", err)
	}
	signingAccount, err := wallet.DerivePath(SigningPath(0)...)
	if err != nil {
		t.Fatalf("DerivePath: %v", err)
	}

	digest := PayloadDigest([]byte("original"))
	sig, keyIndex, err := SignPayload(signingAccount, digest)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}

	tampered := PayloadDigest([]byte("tampered"))
	accountPub := signingAccount.privKey.PubKey().SerializeCompressed()
	ok, err := VerifyPayload(accountPub, signingAccount.chainCode, tampered, sig, keyIndex)
	if err != nil {
		t.Fatalf("VerifyPayload: %v", err)
	}
	if ok {
		t.Fatal("expected tampered digest to fail verification")
	}
}

func TestEncodeDecodeSignatureRoundTrip(t *testing.T) {
	sig := []byte{0x30, 0x44, 0x02, 0x20}
	encoded := EncodeSignature(sig)
	decoded, err := DecodeSignature(encoded)
	if err != nil {
		t.Fatalf("DecodeSignature: %v", err)
	}
	if !bytes.Equal(sig, decoded) {
		t.Fatalf("round trip mismatch: got %x want %x", decoded, sig)
	}
}
