// Package state persists the node's durable cross-restart bookkeeping —
// the ledger checkpoint, the peer-sync watermarks, the deletion registry,
// and the decryption queue named in spec.md §6 "Persisted state" — in an
// embedded badger/v3 store, grounded on the KV-as-ledger-store pattern in
// KaffinPX-proxima/proxi/glb/db.go (open once at startup, close on
// shutdown, one *badger.DB shared by several typed views over it).
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Store wraps a single badger database with the typed sub-stores the rest
// of the node uses. One Store per process.
type Store struct {
	db  *badger.DB
	log *zap.Logger
}

// Open opens (or creates) the badger store rooted at dir.
func Open(dir string, log *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("state: open badger at %s: %w", dir, err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC triggers badger's value-log garbage collection once. Call this
// periodically (e.g. from SyncEngine's end-of-cycle housekeeping, spec.md
// §4.7.4) rather than on a tight timer — it is a relatively expensive
// scan.
func (s *Store) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

var (
	ledgerCheckpointKey = []byte("checkpoint:ledger")
)

// LedgerCheckpoint returns the last confirmed ledger height processed by
// LedgerReader/Indexer, or 0 if none has been recorded yet.
func (s *Store) LedgerCheckpoint() (uint64, error) {
	var height uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ledgerCheckpointKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			height = binary.BigEndian.Uint64(v)
			return nil
		})
	})
	return height, err
}

// SetLedgerCheckpoint advances the ledger checkpoint. Per spec.md §4.4's
// per-item ingestion transaction, call this only after a block's records
// have all been durably indexed.
func (s *Store) SetLedgerCheckpoint(height uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ledgerCheckpointKey, buf)
	})
}

// peerWatermarkKey namespaces per-peer lastUpdated high-watermarks, §4.7.2
// "the checkpoint does not advance for that peer" on a failed cycle.
func peerWatermarkKey(peerSoul string) []byte {
	return []byte("peerwm:" + peerSoul)
}

// PeerWatermark returns the lastUpdated high-watermark last durably
// recorded for peerSoul, or the zero time if none exists.
func (s *Store) PeerWatermark(peerSoul string) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(peerWatermarkKey(peerSoul))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			ms := int64(binary.BigEndian.Uint64(v))
			t = time.UnixMilli(ms).UTC()
			return nil
		})
	})
	return t, err
}

// SetPeerWatermark advances peerSoul's high-watermark. Only call this
// after a peer's entire batch in the current sync cycle has been
// successfully ingested — a partial-cycle failure must leave the
// previous watermark in place so the next cycle re-reads the tail.
func (s *Store) SetPeerWatermark(peerSoul string, lastUpdated time.Time) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(lastUpdated.UnixMilli()))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(peerWatermarkKey(peerSoul), buf)
	})
}

// DeletionEntry is one append-only record in the deletion registry.
type DeletionEntry struct {
	Did       string `json:"did"`
	Sequence  uint64 `json:"sequence"`
	DeletedAt int64  `json:"deletedAt"` // unix millis
}

func deletionKey(did string) []byte {
	return []byte("delreg:" + did)
}

var deletionSeqKey = []byte("delreg:$seq")

// RecordDeletion appends did to the deletion registry with the next
// per-node sequence number, per spec.md §6 "append-only list of dids
// with per-node sequence numbers". Re-recording an already-deleted did
// is a no-op so sequence numbers stay stable across retries.
func (s *Store) RecordDeletion(did string, at time.Time) (DeletionEntry, error) {
	var entry DeletionEntry
	err := s.db.Update(func(txn *badger.Txn) error {
		if existing, err := txn.Get(deletionKey(did)); err == nil {
			return existing.Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			})
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		seq := uint64(0)
		if item, err := txn.Get(deletionSeqKey); err == nil {
			if valErr := item.Value(func(v []byte) error {
				seq = binary.BigEndian.Uint64(v)
				return nil
			}); valErr != nil {
				return valErr
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		seq++

		entry = DeletionEntry{Did: did, Sequence: seq, DeletedAt: at.UnixMilli()}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := txn.Set(deletionKey(did), raw); err != nil {
			return err
		}
		seqBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBuf, seq)
		return txn.Set(deletionSeqKey, seqBuf)
	})
	return entry, err
}

// ListDeletions returns every entry in the deletion registry, for
// SyncEngine's §4.7.2 step 3 sweep ("for each did in the deletion
// registry not yet locally deleted: mark deleted in local index").
func (s *Store) ListDeletions() ([]DeletionEntry, error) {
	var entries []DeletionEntry
	prefix := []byte("delreg:")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if string(item.Key()) == string(deletionSeqKey) {
				continue
			}
			var entry DeletionEntry
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// IsSuppressed reports whether did was processed as a deletion within the
// last window — the fix for the repeated-deletion loop in spec.md §4.7.3:
// "a deleted record processed in the current 24-hour window is never
// re-fetched, regardless of how many times it appears in peers'
// registries".
func (s *Store) IsSuppressed(did string, now time.Time, window time.Duration) (bool, error) {
	var suppressed bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(deletionKey(did))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			var entry DeletionEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			deletedAt := time.UnixMilli(entry.DeletedAt)
			suppressed = now.Sub(deletedAt) < window
			return nil
		})
	})
	return suppressed, err
}

// DecryptionStatus is one of the decryption queue row states spec.md §6
// names: "status ∈ {pending, decrypted, failed}".
type DecryptionStatus string

const (
	DecryptionPending   DecryptionStatus = "pending"
	DecryptionDecrypted DecryptionStatus = "decrypted"
	DecryptionFailed    DecryptionStatus = "failed"
)

// QueuedDecryption is one row in the decryption queue keyed by the
// record owner's public key, spec.md §4.7.2 step "enqueue in the
// decryption queue keyed by ownerPubKey; on the next login of that owner
// on any node, drain the queue." Envelope carries the raw content to
// decrypt (or, when reused as the Indexer's dead-letter queue, the raw
// record that failed to commit) so a queued row can actually be
// replayed later rather than only remembering its did (spec.md §6:
// "rows (did, ownerPubKey, envelope, enqueuedAt, status)").
type QueuedDecryption struct {
	Did         string           `json:"did"`
	OwnerPubKey string           `json:"ownerPubKey"`
	QueuedAt    int64            `json:"queuedAt"`
	Envelope    []byte           `json:"envelope,omitempty"`
	Status      DecryptionStatus `json:"status"`
}

func decryptionQueueKey(ownerPubKey, did string) []byte {
	return []byte("decq:" + ownerPubKey + ":" + did)
}

func decryptionQueuePrefix(ownerPubKey string) []byte {
	return []byte("decq:" + ownerPubKey + ":")
}

// Enqueue adds did to ownerPubKey's decryption queue. Re-enqueueing the
// same did is idempotent.
func (s *Store) Enqueue(q QueuedDecryption) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(decryptionQueueKey(q.OwnerPubKey, q.Did), raw)
	})
}

// DrainQueue returns and removes every queued decryption for
// ownerPubKey, in queued order. Call this when that owner authenticates
// on any node.
func (s *Store) DrainQueue(ownerPubKey string) ([]QueuedDecryption, error) {
	var drained []QueuedDecryption
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = decryptionQueuePrefix(ownerPubKey)
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			var q QueuedDecryption
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &q)
			}); err != nil {
				return err
			}
			drained = append(drained, q)
			keys = append(keys, item.KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(drained, func(i, j int) bool { return drained[i].QueuedAt < drained[j].QueuedAt })
	return drained, nil
}
