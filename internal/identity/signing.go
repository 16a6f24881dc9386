// Signing implements the record-level ECDSA/secp256k1 signature scheme
// from spec.md §4.8: a record's payloadDigest is signed by a child key
// derived from the creator's signing account, and the child's index is
// recorded as KeyIndex so a verifier can re-derive the same public key
// from the creator's extended public key alone.
package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// PayloadDigest is SHA-256 over the canonical (sorted-key) JSON of a
// record's expanded sections, as the publisher computes it before any
// compression, per spec.md §4.8 step 1.
func PayloadDigest(canonicalBytes []byte) []byte {
	sum := sha256.Sum256(canonicalBytes)
	return sum[:]
}

// KeyIndex derives the 31-bit non-hardened child index used to sign a
// given payload: the first four bytes of SHA256("oip:" + payloadDigest)
// read big-endian, with the top bit cleared,
// matching spec.md §6's "record-signing child at deriveChild(KeyIndex)".
func KeyIndex(payloadDigest []byte) uint32 {
	h := sha256.New()
	h.Write([]byte("oip:"))
	h.Write(payloadDigest)
	sum := h.Sum(nil)
	idx := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	return idx & 0x7fffffff
}

// SignPayload derives the signing child at KeyIndex(payloadDigest) from
// signingAccount (the extended key at m/176800'/0'/<account>') and
// produces a DER-encoded ECDSA signature over the digest, plus the
// key index the verifier needs to redo the same derivation.
func SignPayload(signingAccount *ExtendedKey, payloadDigest []byte) (sig []byte, keyIndex uint32, err error) {
	keyIndex = KeyIndex(payloadDigest)
	child, err := signingAccount.DeriveChild(keyIndex)
	if err != nil {
		return nil, 0, fmt.Errorf("identity: derive signing child: %w", err)
	}
	s := btcecdsa.Sign(child.privKey, payloadDigest)
	return s.Serialize(), keyIndex, nil
}

// VerifyPayload verifies a record signature given only the creator's
// compressed signing-account extended public key material: it re-derives
// the non-hardened child public key at keyIndex via the BIP-32 public
// parent-to-child formula (no private key needed), then checks sig.
//
// This is the v0.9 "client-signed" verification path spec.md §4.8
// describes for peer-stored records signed by a creator's own device:
// the indexer never sees the private key, only the account-level
// extended public key published alongside the record.
func VerifyPayload(accountPubKeyCompressed, accountChainCode, payloadDigest, sig []byte, keyIndex uint32) (bool, error) {
	childPub, err := deriveChildPublic(accountPubKeyCompressed, accountChainCode, keyIndex)
	if err != nil {
		return false, err
	}
	parsedSig, err := btcecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, fmt.Errorf("identity: parse signature: %w", err)
	}
	return parsedSig.Verify(payloadDigest, childPub), nil
}

// deriveChildPublic implements the public-only BIP-32 CKD formula for a
// non-hardened index: child pub = parent pub + (IL * G), where
// I = HMAC-SHA512(chainCode, parentPubCompressed || index).
func deriveChildPublic(parentPubCompressed, chainCode []byte, index uint32) (*btcec.PublicKey, error) {
	if index >= hardenedOffset {
		return nil, errors.New("identity: cannot derive hardened child from public key alone")
	}
	parentPub, err := btcec.ParsePubKey(parentPubCompressed)
	if err != nil {
		return nil, fmt.Errorf("identity: parse parent pubkey: %w", err)
	}

	data := make([]byte, len(parentPubCompressed)+4)
	copy(data, parentPubCompressed)
	data[len(data)-4] = byte(index >> 24)
	data[len(data)-3] = byte(index >> 16)
	data[len(data)-2] = byte(index >> 8)
	data[len(data)-1] = byte(index)

	i := hmacSHA512(chainCode, data)
	il := i[:32]

	var ilScalar btcec.ModNScalar
	if overflow := ilScalar.SetByteSlice(il); overflow {
		return nil, errors.New("identity: derived public key invalid, retry with next index")
	}

	ilX, ilY := btcec.S256().ScalarBaseMult(ilScalar.Bytes()[:])
	childX, childY := btcec.S256().Add(parentPub.X(), parentPub.Y(), ilX, ilY)

	childPub, err := publicKeyFromCoords(childX, childY)
	if err != nil {
		return nil, err
	}
	return childPub, nil
}

// publicKeyFromCoords builds a *btcec.PublicKey by round-tripping through
// an uncompressed SEC1 encoding, since btcec/v2 does not expose a
// from-raw-coordinates constructor directly.
func publicKeyFromCoords(x, y *big.Int) (*btcec.PublicKey, error) {
	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	x.FillBytes(uncompressed[1:33])
	y.FillBytes(uncompressed[33:65])
	return btcec.ParsePubKey(uncompressed)
}

// Sign is a generic ECDSA-over-SHA256 primitive for identity-level
// (non-record) signing; the publisher signs records with SignPayload and
// does not call it. sig is DER-encoded.
func Sign(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	btcecPriv, _ := btcec.PrivKeyFromBytes(priv.D.Bytes())
	s := btcecdsa.Sign(btcecPriv, digest)
	return s.Serialize(), nil
}

// EncodeSignature base64url-encodes a DER signature for wire transport.
func EncodeSignature(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}

// DecodeSignature reverses EncodeSignature.
func DecodeSignature(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
