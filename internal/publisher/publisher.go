// Package publisher implements Publisher from spec.md §4.8: sign a
// client-constructed record, dispatch it to the ledger or the peer
// graph, and hand the record to the Indexer's work queue before returning
// a receipt. Publish does not wait for the Indexer to commit the record.
package publisher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/codec"
	"github.com/withobsrvr/oip-index-node/internal/identity"
	"github.com/withobsrvr/oip-index-node/internal/indexer"
	"github.com/withobsrvr/oip-index-node/internal/oip"
	"github.com/withobsrvr/oip-index-node/internal/oiperr"
	"github.com/withobsrvr/oip-index-node/internal/peergraph"
)

// PublishState is the state machine from spec.md §4.8: "draft → signed →
// submitted → {confirmed, rejected}."
type PublishState string

const (
	StateDraft     PublishState = "draft"
	StateSigned    PublishState = "signed"
	StateSubmitted PublishState = "submitted"
	StateConfirmed PublishState = "confirmed"
	StateRejected  PublishState = "rejected"
)

// Options carries the caller-supplied publish options.
type Options struct {
	Storage       oip.Storage
	AccessControl *oip.AccessControl
	LocalID       string // stable soul component; if empty, a content-addressed soul is computed

	// ClientSigned carries the v0.9 login-less pre-signed envelope
	// fields; nil means the node signs with its own wallet instead.
	ClientSigned *ClientSignedPayload
}

// ClientSignedPayload is the v0.9 client-signing input from spec.md
// §4.8: "Creator, CreatorSig, PayloadDigest, KeyIndex."
type ClientSignedPayload struct {
	Creator               string
	CreatorSig            string // base64url DER signature
	PayloadDigest         string // base64url SHA-256
	KeyIndex              uint32
	SigningAccountPubKey  []byte // compressed secp256k1 pubkey for the creator's signing account
	SigningAccountChainCode []byte
}

// Receipt is the §4.8 return value: "{ did, storage, encrypted }".
type Receipt struct {
	Did       string
	Storage   oip.Storage
	Encrypted bool
	State     PublishState
}

// LedgerSubmitter abstracts the ledger submission endpoint so Publisher
// stays testable without a live ledger.
type LedgerSubmitter interface {
	Submit(ctx context.Context, compressed map[string]map[string]any, tags map[string]string) (txID string, err error)
}

// Publisher is Publisher.
type Publisher struct {
	wallet  *identity.ExtendedKey // node's own signing account, for non-client-signed publishes
	ledger  LedgerSubmitter
	peer    *peergraph.Client
	indexer *indexer.Indexer
	dir     *codec.Directory
	log     *zap.Logger
}

// New builds a Publisher.
func New(wallet *identity.ExtendedKey, ledger LedgerSubmitter, peer *peergraph.Client, ix *indexer.Indexer, dir *codec.Directory, log *zap.Logger) *Publisher {
	return &Publisher{wallet: wallet, ledger: ledger, peer: peer, indexer: ix, dir: dir, log: log}
}

// Publish implements the §4.8 operation.
func (p *Publisher) Publish(ctx context.Context, expanded map[string]map[string]any, recordType string, opts Options) (Receipt, error) {
	canonical, err := canonicalJSON(expanded)
	if err != nil {
		return Receipt{}, oiperr.New(oiperr.BadRequest, "publisher.publish", err)
	}

	creatorPubKey, creatorSig, keyIndex, err := p.signOrVerify(canonical, opts)
	if err != nil {
		return Receipt{}, err
	}

	if opts.Storage == oip.StorageLedger {
		return p.publishToLedger(ctx, expanded, recordType, creatorPubKey, creatorSig, keyIndex)
	}
	return p.publishToPeer(ctx, expanded, recordType, canonical, creatorPubKey, opts)
}

// signOrVerify implements §4.8 steps 1-2, including the v0.9 client-signed
// verification path.
func (p *Publisher) signOrVerify(canonical []byte, opts Options) (creatorPubKey string, sig []byte, keyIndex uint32, err error) {
	digest := identity.PayloadDigest(canonical)

	if opts.ClientSigned != nil {
		cs := opts.ClientSigned
		expectedDigest := base64.RawURLEncoding.EncodeToString(digest)
		if cs.PayloadDigest != expectedDigest {
			return "", nil, 0, oiperr.New(oiperr.InvalidSignature, "publisher.verify", fmt.Errorf("payloadDigest mismatch"))
		}
		expectedKeyIndex := identity.KeyIndex(digest)
		if cs.KeyIndex != expectedKeyIndex {
			return "", nil, 0, oiperr.New(oiperr.InvalidSignature, "publisher.verify", fmt.Errorf("keyIndex mismatch"))
		}
		sigBytes, decErr := identity.DecodeSignature(cs.CreatorSig)
		if decErr != nil {
			return "", nil, 0, oiperr.New(oiperr.InvalidSignature, "publisher.verify", decErr)
		}
		ok, verr := identity.VerifyPayload(cs.SigningAccountPubKey, cs.SigningAccountChainCode, digest, sigBytes, cs.KeyIndex)
		if verr != nil || !ok {
			return "", nil, 0, oiperr.New(oiperr.InvalidSignature, "publisher.verify", fmt.Errorf("signature verification failed"))
		}
		return cs.Creator, sigBytes, cs.KeyIndex, nil
	}

	if p.wallet == nil {
		return "", nil, 0, oiperr.New(oiperr.Fatal, "publisher.publish", fmt.Errorf("no signing key configured and no client-signed payload supplied"))
	}
	sigBytes, idx, serr := identity.SignPayload(p.wallet, digest)
	if serr != nil {
		return "", nil, 0, oiperr.New(oiperr.Fatal, "publisher.publish", serr)
	}
	return p.wallet.PublicKeyCompressedHex(), sigBytes, idx, nil
}

func (p *Publisher) publishToLedger(ctx context.Context, expanded map[string]map[string]any, recordType, creatorPubKey string, sig []byte, keyIndex uint32) (Receipt, error) {
	compressed, err := codec.Compress(expanded, p.dir)
	if err != nil {
		return Receipt{}, err
	}

	tags := map[string]string{
		"Index-Method": "OIP",
		"Ver":          "0.9",
		"Content-Type": "application/json",
		"Creator":      creatorPubKey,
		"CreatorSig":   identity.EncodeSignature(sig),
		"KeyIndex":     fmt.Sprintf("%d", keyIndex),
		"RecordType":   recordType,
	}
	txID, err := p.ledger.Submit(ctx, compressed, tags)
	if err != nil {
		return Receipt{}, oiperr.New(oiperr.TransientIO, "publisher.submit", err)
	}

	did := "did:ledger:" + txID
	record := &oip.Record{
		OIP: oip.SystemMeta{
			Did: did, RecordType: recordType, Storage: oip.StorageLedger,
			Creator: oip.CreatorInfo{PubKey: creatorPubKey}, Signature: identity.EncodeSignature(sig),
			IndexedAt: time.Now().Unix(), Ver: "0.9",
		},
		Sections: expanded,
	}
	if err := p.indexer.Enqueue(ctx, indexer.Item{Record: record}); err != nil {
		return Receipt{}, oiperr.New(oiperr.TransientIO, "publisher.index", err)
	}

	return Receipt{Did: did, Storage: oip.StorageLedger, State: StateSubmitted}, nil
}

func (p *Publisher) publishToPeer(ctx context.Context, expanded map[string]map[string]any, recordType string, canonical []byte, creatorPubKey string, opts Options) (Receipt, error) {
	soul := opts.soulFor(creatorPubKey, canonical)
	did := "did:peer:" + soul

	// Built up front so it can travel with the envelope itself (the
	// "oip" field spec.md §4.3 names): a peer reading this envelope
	// back has only the registry's bare encrypted flag to go on, not
	// which key derived it, so the access-control metadata needed to
	// decrypt (or know who owns a private record) must ride along.
	meta := oip.SystemMeta{
		Did: did, RecordType: recordType, Storage: oip.StoragePeer,
		Creator: oip.CreatorInfo{PubKey: creatorPubKey}, AccessControl: opts.AccessControl,
		IndexedAt: time.Now().Unix(), Ver: "0.9",
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Receipt{}, oiperr.New(oiperr.Fatal, "publisher.publish", err)
	}

	data := canonical
	var sealed *peergraph.Sealed
	encrypted := false
	if opts.AccessControl != nil {
		switch opts.AccessControl.Level {
		case oip.AccessPrivate:
			salt, err := peergraph.NewSalt()
			if err != nil {
				return Receipt{}, oiperr.New(oiperr.Fatal, "publisher.encrypt", err)
			}
			key := peergraph.DerivePrivateKey(opts.AccessControl.OwnerPubKey, salt)
			s, err := peergraph.Seal(key, data)
			if err != nil {
				return Receipt{}, oiperr.New(oiperr.Fatal, "publisher.encrypt", err)
			}
			sealed = &s
			encrypted = true
		case oip.AccessOrganization:
			key := peergraph.DeriveOrganizationKey(opts.AccessControl.OrganizationDid)
			s, err := peergraph.Seal(key, data)
			if err != nil {
				return Receipt{}, oiperr.New(oiperr.Fatal, "publisher.encrypt", err)
			}
			sealed = &s
			encrypted = true
		}
	}

	env := peergraph.Envelope{Data: data, OIP: metaJSON}
	if sealed != nil {
		env.Data = nil
		env.Encrypted = sealed
	}
	if err := p.peer.Put(ctx, soul, env); err != nil {
		return Receipt{}, err
	}

	record := &oip.Record{OIP: meta, Sections: expanded}
	if err := p.indexer.Enqueue(ctx, indexer.Item{Record: record}); err != nil {
		return Receipt{}, oiperr.New(oiperr.TransientIO, "publisher.index", err)
	}

	return Receipt{Did: did, Storage: oip.StoragePeer, Encrypted: encrypted, State: StateConfirmed}, nil
}

func (o Options) soulFor(creatorPubKey string, canonical []byte) string {
	if o.LocalID != "" {
		return peergraph.LocalIDSoul(creatorPubKey, o.LocalID)
	}
	return peergraph.ContentSoul(creatorPubKey, canonical)
}

// canonicalJSON produces a deterministic byte encoding of expanded by
// sorting section and field keys, so PayloadDigest is stable regardless
// of map iteration order.
func canonicalJSON(expanded map[string]map[string]any) ([]byte, error) {
	// encoding/json sorts map[string]... keys lexicographically on
	// marshal, which is what makes this deterministic across calls.
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(expanded); err != nil {
		return nil, err
	}
	return []byte(strings.TrimSpace(b.String())), nil
}

