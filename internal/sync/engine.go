// Package sync implements SyncEngine from spec.md §4.7: registry-based
// peer discovery, per-cycle dedupe, 24h deleted-did suppression, a
// decryption queue per owner, and N_http-bounded concurrent fanout with
// a GC hint after every N_http completed requests. The engine does not
// recycle any HTTP client at the end of a cycle.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/indexer"
	"github.com/withobsrvr/oip-index-node/internal/memmonitor"
	"github.com/withobsrvr/oip-index-node/internal/oip"
	"github.com/withobsrvr/oip-index-node/internal/peergraph"
	"github.com/withobsrvr/oip-index-node/internal/state"
)

const (
	registrySoul    = "oip:registry"
	defaultInterval = 5 * time.Minute  // T_sync
	defaultNHTTP    = 5                // N_http
	reprocessWindow = 24 * time.Hour   // T_reprocess
	cycleTimeoutMul = 10               // overall cycle timeout = cycleTimeoutMul * T_sync
)

// Peer is one configured sync target.
type Peer struct {
	Soul   string // this peer's soul namespace prefix, e.g. "oip:records:<pubKey>"
	Client *peergraph.Client
}

// Engine is SyncEngine.
type Engine struct {
	peers    []Peer
	state    *state.Store
	indexer  *indexer.Indexer
	monitor  *memmonitor.Monitor
	log      *zap.Logger

	nHTTP    int
	interval time.Duration

	mu       sync.Mutex
	lastStats CycleStats
}

// CycleStats summarizes the most recently completed sync cycle, for the
// §6 supplemented health endpoint.
type CycleStats struct {
	StartedAt      time.Time
	Duration       time.Duration
	Fetched        int
	Skipped        int
	Deleted        int
	Errors         int
}

// New builds a SyncEngine against a fixed peer set.
func New(peers []Peer, st *state.Store, ix *indexer.Indexer, monitor *memmonitor.Monitor, log *zap.Logger) *Engine {
	return &Engine{
		peers: peers, state: st, indexer: ix, monitor: monitor, log: log,
		nHTTP: defaultNHTTP, interval: defaultInterval,
	}
}

// Run fires RunOnce every interval until stop closes.
func (e *Engine) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cycleTimeoutMul)*e.interval)
			if err := e.RunOnce(ctx); err != nil {
				e.log.Warn("sync: cycle failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// RunOnce performs exactly one sync cycle, per spec.md §4.7.2. Safe to
// call directly for cron-style single-shot operation (the `oipctl sync
// run-once` subcommand).
func (e *Engine) RunOnce(ctx context.Context) error {
	start := time.Now()
	stats := CycleStats{StartedAt: start}

	processedThisCycle := make(map[string]bool)
	var processedMu sync.Mutex

	sem := make(chan struct{}, e.nHTTP)
	var wg sync.WaitGroup
	var statsMu sync.Mutex
	completed := 0

	for _, peer := range e.peers {
		registry, err := peer.Client.List(ctx, registrySoul)
		if err != nil {
			e.log.Warn("sync: failed to read peer registry", zap.String("peer", peer.Soul), zap.Error(err))
			statsMu.Lock()
			stats.Errors++
			statsMu.Unlock()
			continue
		}

		watermark, err := e.state.PeerWatermark(peer.Soul)
		if err != nil {
			return err
		}
		peerFailed := false

		for did, stub := range registry {
			did, stub := did, stub

			processedMu.Lock()
			already := processedThisCycle[did]
			processedThisCycle[did] = true
			processedMu.Unlock()
			if already {
				continue
			}

			if !stub.LastUpdated.After(watermark) {
				continue
			}

			suppressed, err := e.state.IsSuppressed(did, time.Now(), reprocessWindow)
			if err != nil {
				return err
			}
			if suppressed {
				statsMu.Lock()
				stats.Skipped++
				statsMu.Unlock()
				continue
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(peer Peer, did string, stub peergraph.RecordStub) {
				defer wg.Done()
				defer func() { <-sem }()
				// §4.7.2 step 4: after every N_http completed requests,
				// trigger an explicit GC hint.
				defer func() {
					statsMu.Lock()
					completed++
					hint := completed%e.nHTTP == 0
					statsMu.Unlock()
					if hint {
						debug.FreeOSMemory()
					}
				}()

				if err := e.ingestOne(ctx, peer, did, stub); err != nil {
					e.log.Warn("sync: ingest failed", zap.String("did", did), zap.Error(err))
					statsMu.Lock()
					stats.Errors++
					peerFailed = true
					statsMu.Unlock()
					return
				}
				statsMu.Lock()
				stats.Fetched++
				statsMu.Unlock()
			}(peer, did, stub)
		}
		wg.Wait()

		// §4.7.3: "if an ingest attempt fails mid-cycle, the checkpoint
		// does not advance for that peer."
		if !peerFailed {
			if err := e.state.SetPeerWatermark(peer.Soul, time.Now()); err != nil {
				return err
			}
		}
	}

	deleted, err := e.sweepDeletionRegistry(processedThisCycle, &processedMu)
	if err != nil {
		return err
	}
	stats.Deleted = deleted

	stats.Duration = time.Since(start)
	e.mu.Lock()
	e.lastStats = stats
	e.mu.Unlock()

	if e.monitor != nil {
		e.monitor.Sample()
	}

	return nil
}

// ingestOne implements §4.7.2 step 2's three envelope cases: unencrypted
// (parse and index), organization-keyed (derive the deterministic key
// and decrypt), and per-user-keyed (park in the decryption queue for the
// owner's next login). The envelope's own "oip" metadata — not the
// registry stub — is authoritative for access control, since the
// registry only advertises a bare encrypted flag (spec.md §4.7.1).
func (e *Engine) ingestOne(ctx context.Context, peer Peer, did string, stub peergraph.RecordStub) error {
	env, ok, err := peer.Client.Get(ctx, did)
	if err != nil {
		return err
	}
	if !ok {
		return nil // 404: not actually present despite the registry advertisement.
	}

	if env.Encrypted == nil {
		sections, err := decodeSections(env.Data)
		if err != nil {
			return fmt.Errorf("sync: decode envelope for %s: %w", did, err)
		}
		return e.indexer.Enqueue(ctx, indexer.Item{Record: &oip.Record{
			OIP:      oip.SystemMeta{Did: did, RecordType: stub.RecordType, Storage: oip.StoragePeer},
			Sections: sections,
		}})
	}

	var meta oip.SystemMeta
	if len(env.OIP) > 0 {
		if err := json.Unmarshal(env.OIP, &meta); err != nil {
			return fmt.Errorf("sync: decode envelope metadata for %s: %w", did, err)
		}
	}
	if meta.Did == "" {
		meta.Did = did
	}
	if meta.RecordType == "" {
		meta.RecordType = stub.RecordType
	}
	meta.Storage = oip.StoragePeer

	if meta.AccessControl != nil && meta.AccessControl.Level == oip.AccessOrganization {
		// Organization-keyed envelope: the key is a deterministic
		// function of the organization DID, so this node can derive
		// and decrypt it directly without any secret exchange.
		key := peergraph.DeriveOrganizationKey(meta.AccessControl.OrganizationDid)
		plaintext, err := peergraph.Open(key, *env.Encrypted)
		if err != nil {
			return fmt.Errorf("sync: decrypt organization envelope for %s: %w", did, err)
		}
		sections, err := decodeSections(plaintext)
		if err != nil {
			return fmt.Errorf("sync: decode decrypted envelope for %s: %w", did, err)
		}
		return e.indexer.Enqueue(ctx, indexer.Item{Record: &oip.Record{OIP: meta, Sections: sections}})
	}

	// Per-user encrypted envelope: this node cannot derive the owner's
	// key without their credentials, so the envelope itself is parked
	// in the decryption queue and replayed on the owner's next login.
	ownerPubKey := stub.CreatorPubKey
	if meta.AccessControl != nil && meta.AccessControl.OwnerPubKey != "" {
		ownerPubKey = meta.AccessControl.OwnerPubKey
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("sync: marshal envelope for decryption queue, did %s: %w", did, err)
	}
	return e.state.Enqueue(state.QueuedDecryption{
		Did:         did,
		OwnerPubKey: ownerPubKey,
		QueuedAt:    time.Now().UnixMilli(),
		Envelope:    raw,
		Status:      state.DecryptionPending,
	})
}

func decodeSections(raw []byte) (map[string]map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var sections map[string]map[string]any
	if err := json.Unmarshal(raw, &sections); err != nil {
		return nil, err
	}
	return sections, nil
}

// sweepDeletionRegistry implements §4.7.2 step 3: every did the
// deletion registry knows about that was not already handled earlier in
// this cycle (e.g. skipped as suppressed when a peer advertised it) is
// pruned from the local index again, in case it reappeared (e.g. via a peer still advertising
// it before observing the tombstone itself). Deleting an absent did is
// a no-op, so this is safe to run unconditionally rather than tracking
// a separate "already swept" flag.
func (e *Engine) sweepDeletionRegistry(processedThisCycle map[string]bool, mu *sync.Mutex) (int, error) {
	entries, err := e.state.ListDeletions()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, entry := range entries {
		mu.Lock()
		already := processedThisCycle[entry.Did]
		processedThisCycle[entry.Did] = true
		mu.Unlock()
		if already {
			continue
		}
		if err := e.indexer.DeleteIndexed(entry.Did); err != nil {
			e.log.Warn("sync: failed to sweep deletion", zap.String("did", entry.Did), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

// DeleteRecord implements spec.md §4.7.4's cooperative tombstone:
// "the node calls put(soul, null) on the peer graph and appends did to
// the deletion registry."
func (e *Engine) DeleteRecord(ctx context.Context, peer Peer, did string) error {
	if err := peer.Client.Delete(ctx, did); err != nil {
		return err
	}
	_, err := e.state.RecordDeletion(did, time.Now())
	return err
}

// Stats returns the most recently completed cycle's summary.
func (e *Engine) Stats() CycleStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStats
}
