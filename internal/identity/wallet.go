// Package identity implements the BIP-39 / BIP-32-style key material and
// DID derivation from spec.md §6: "masterSeed = BIP39(mnemonic);
// identityKey at path m/176800'/0'/0'/0/0 (secp256k1); creatorDid =
// did:ledger: + base64url(SHA256(publicKey)). Signing keys derived at
// m/176800'/0'/<account>', record-signing child at deriveChild(KeyIndex)."
//
// Grounded on the HD-wallet shape in
// orbas1-Synnergy/synnergy-network/core/wallet.go (master key via
// HMAC-SHA512 over a fixed seed string, then iterated child derivation),
// adapted from SLIP-10/ed25519-only (hardened children only) to
// secp256k1 BIP-32, which also supports normal (non-hardened) children —
// required here because the spec's path ends in an unhardened index.
package identity

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	bip39 "github.com/tyler-smith/go-bip39"
)

const hardenedOffset uint32 = 0x80000000

// masterHMACKey is the BIP-32 master-key HMAC key string, mirrored from
// the "ed25519 seed" constant in the teacher's wallet.go but using the
// standard BIP-32 "Bitcoin seed" string since derivation here targets
// secp256k1.
const masterHMACKey = "Bitcoin seed"

// recordPathPurpose is the non-standard purpose constant named in
// spec.md §6 ("m/176800'/...").
const recordPathPurpose uint32 = 176800

// ExtendedKey is one node of the derivation tree: a secp256k1 private
// key plus the chain code needed to derive its children.
type ExtendedKey struct {
	privKey   *btcec.PrivateKey
	chainCode []byte
}

// WalletFromMnemonic derives the master extended key from a BIP-39
// mnemonic and optional passphrase.
func WalletFromMnemonic(mnemonic, passphrase string) (*ExtendedKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("identity: invalid mnemonic checksum")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return masterFromSeed(seed)
}

// NewRandomWallet generates a fresh mnemonic (entropyBits must be 128 or
// 256) and the corresponding master extended key.
func NewRandomWallet(entropyBits int) (*ExtendedKey, string, error) {
	if entropyBits != 128 && entropyBits != 256 {
		return nil, "", fmt.Errorf("identity: unsupported entropy size %d", entropyBits)
	}
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", fmt.Errorf("identity: entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("identity: mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := masterFromSeed(seed)
	if err != nil {
		return nil, "", err
	}
	return master, mnemonic, nil
}

func masterFromSeed(seed []byte) (*ExtendedKey, error) {
	if len(seed) < 16 {
		return nil, errors.New("identity: seed too short")
	}
	i := hmacSHA512([]byte(masterHMACKey), seed)
	priv := privKeyFromBytes(i[:32])
	return &ExtendedKey{privKey: priv, chainCode: i[32:]}, nil
}

// privKeyFromBytes builds a secp256k1 private key from a 32-byte scalar,
// as produced by an HMAC-SHA512 derivation step.
func privKeyFromBytes(b []byte) *btcec.PrivateKey {
	var scalar btcec.ModNScalar
	scalar.SetByteSlice(b)
	return btcec.NewPrivateKey(&scalar)
}

func hmacSHA512(key, data []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// Child derives the child at the given index. Set the top bit of index
// (or pass it already ORed with 0x80000000) to request a hardened child.
func (k *ExtendedKey) Child(index uint32) (*ExtendedKey, error) {
	var data []byte
	if index >= hardenedOffset {
		// Hardened: 0x00 || parent private key || index
		data = make([]byte, 1+32+4)
		privBytes := k.privKey.Serialize()
		copy(data[1:], privBytes)
	} else {
		// Normal: parent compressed public key || index
		pub := k.privKey.PubKey().SerializeCompressed()
		data = make([]byte, len(pub)+4)
		copy(data, pub)
	}
	binary.BigEndian.PutUint32(data[len(data)-4:], index)

	i := hmacSHA512(k.chainCode, data)
	il, ir := i[:32], i[32:]

	var ilScalar btcec.ModNScalar
	if overflow := ilScalar.SetByteSlice(il); overflow {
		return nil, errors.New("identity: derived key invalid, retry with next index")
	}
	childScalar := new(btcec.ModNScalar).Set(&ilScalar)
	childScalar.Add(&k.privKey.Key)
	if childScalar.IsZero() {
		return nil, errors.New("identity: derived key is zero, retry with next index")
	}

	childPriv := btcec.NewPrivateKey(childScalar)
	return &ExtendedKey{privKey: childPriv, chainCode: ir}, nil
}

// DeriveChild is the §4.8 "deriveChild(KeyIndex)" convenience wrapper:
// KeyIndex in the spec is a 31-bit unsigned value, always a non-hardened
// index.
func (k *ExtendedKey) DeriveChild(keyIndex uint32) (*ExtendedKey, error) {
	return k.Child(keyIndex & 0x7fffffff)
}

// DerivePath walks a sequence of indices (already hardened-offset where
// needed) from k, e.g. the identity key at m/176800'/0'/0'/0/0.
func (k *ExtendedKey) DerivePath(indices ...uint32) (*ExtendedKey, error) {
	cur := k
	for _, idx := range indices {
		next, err := cur.Child(idx)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// IdentityPath is m/176800'/0'/0'/0/0 from spec.md §6, pre-split into
// BIP-32 indices.
func IdentityPath() []uint32 {
	return []uint32{
		recordPathPurpose | hardenedOffset,
		0 | hardenedOffset,
		0 | hardenedOffset,
		0,
		0,
	}
}

// SigningPath is m/176800'/0'/<account>' from spec.md §6.
func SigningPath(account uint32) []uint32 {
	return []uint32{
		recordPathPurpose | hardenedOffset,
		0 | hardenedOffset,
		account | hardenedOffset,
	}
}

// PrivateKey returns the underlying ECDSA private key.
func (k *ExtendedKey) PrivateKey() *ecdsa.PrivateKey {
	return k.privKey.ToECDSA()
}

// PublicKeyCompressedHex returns the compressed secp256k1 public key as
// lowercase hex, the form creator identities are carried as.
func (k *ExtendedKey) PublicKeyCompressedHex() string {
	return fmt.Sprintf("%x", k.privKey.PubKey().SerializeCompressed())
}

// CreatorDid derives "did:ledger:" + base64url(SHA256(publicKey)) per
// spec.md §6.
func (k *ExtendedKey) CreatorDid() string {
	pub := k.privKey.PubKey().SerializeCompressed()
	sum := sha256.Sum256(pub)
	return "did:ledger:" + base64.RawURLEncoding.EncodeToString(sum[:])
}
