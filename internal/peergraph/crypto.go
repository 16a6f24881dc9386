// Package peergraph implements PeerGraphClient from spec.md §4.3: reads
// and writes against a mutable peer key/value graph indexed by opaque
// "souls", with the three encryption modes, the mandatory 404-cache
// bug-fix, and the get/put retry policy.
package peergraph

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLen      = 32
)

// DerivePrivateKey implements the `private` encryption mode's key
// function from spec.md §4.3: PBKDF2(ownerPubKey || salt,
// "oip-gun-encryption", iter=100000, len=32, SHA-256).
func DerivePrivateKey(ownerPubKey string, salt []byte) []byte {
	return pbkdf2.Key(append([]byte(ownerPubKey), salt...), []byte("oip-gun-encryption"), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
}

// DeriveOrganizationKey implements the `organization` encryption mode's
// key function from spec.md §4.3: PBKDF2(organizationDid,
// "oip-organization-encryption", 100000, 32, SHA-256) — deterministic so
// any node can derive it without a shared secret exchange.
func DeriveOrganizationKey(organizationDid string) []byte {
	return pbkdf2.Key([]byte(organizationDid), []byte("oip-organization-encryption"), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
}

// NewSalt generates the per-user 32-byte random salt spec.md §4.3
// requires be created once at registration.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("peergraph: generate salt: %w", err)
	}
	return salt, nil
}

// Sealed is the ciphertext envelope payload spec.md §4.3 describes as
// "{encrypted, iv, tag}".
type Sealed struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
}

// Seal AES-256-GCM encrypts plaintext under key, splitting the GCM
// output into the {encrypted, iv, tag} envelope shape the wire format
// expects.
func Seal(key, plaintext []byte) (Sealed, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return Sealed{}, fmt.Errorf("peergraph: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Sealed{}, fmt.Errorf("peergraph: new gcm: %w", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("peergraph: generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	return Sealed{
		Encrypted: hex.EncodeToString(sealed[:tagStart]),
		IV:        hex.EncodeToString(iv),
		Tag:       hex.EncodeToString(sealed[tagStart:]),
	}, nil
}

// Open decrypts a Sealed envelope under key, rejecting any tampering via
// GCM's built-in authentication.
func Open(key []byte, s Sealed) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("peergraph: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("peergraph: new gcm: %w", err)
	}
	iv, err := hex.DecodeString(s.IV)
	if err != nil {
		return nil, fmt.Errorf("peergraph: decode iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(s.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("peergraph: decode ciphertext: %w", err)
	}
	tag, err := hex.DecodeString(s.Tag)
	if err != nil {
		return nil, fmt.Errorf("peergraph: decode tag: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, errors.New("peergraph: invalid iv length")
	}
	combined := append(ciphertext, tag...)
	plaintext, err := gcm.Open(nil, iv, combined, nil)
	if err != nil {
		return nil, fmt.Errorf("peergraph: decrypt: %w", err)
	}
	return plaintext, nil
}

// ContentSoul computes the content-addressed soul form from spec.md
// §4.3: "oip:records:<publisherPubKey>:h:<first12hex(SHA256(canonicalJson(data)))>".
func ContentSoul(publisherPubKey string, canonicalJSON []byte) string {
	sum := sha256.Sum256(canonicalJSON)
	return fmt.Sprintf("oip:records:%s:h:%s", publisherPubKey, hex.EncodeToString(sum[:])[:12])
}

// LocalIDSoul computes the stable-localId soul form:
// "oip:records:<publisherPubKey>:<localId>".
func LocalIDSoul(publisherPubKey, localID string) string {
	return fmt.Sprintf("oip:records:%s:%s", publisherPubKey, localID)
}
