// Package indexer implements Indexer from spec.md §4.4: the per-item
// ingestion transaction that commits validated records and templates
// into the search store, with a pending buffer keyed by template name
// (not by templateDid), a bounded work queue, and a dead-letter queue.
package indexer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/codec"
	"github.com/withobsrvr/oip-index-node/internal/oip"
	"github.com/withobsrvr/oip-index-node/internal/oiperr"
	"github.com/withobsrvr/oip-index-node/internal/search"
	"github.com/withobsrvr/oip-index-node/internal/state"
)

const (
	queueCapacity  = 256
	writeRetries   = 3
	writeRetryBase = 200 * time.Millisecond
)

// Item is one unit of ingestion work: either a template commit or a
// record to validate and commit.
type Item struct {
	Template *oip.Template
	Record   *oip.Record
	// CompressedSections is the wire-compressed form the record arrived
	// in; it is re-expanded against the directory at ingestion time so a
	// template committed out-of-order can still resolve it.
	CompressedSections map[string]map[string]any
}

// OrgMirror receives the current state of every committed organization
// record, so internal/accessstore can answer admin/auto-enroll
// membership lookups without re-walking the search index.
type OrgMirror interface {
	UpsertOrganization(ctx context.Context, orgDid string, org oip.Organization, domains []string) error
}

// Indexer is the transactional commit point from spec.md §4.4.
type Indexer struct {
	dir     *codec.Directory
	store   *search.Store
	state   *state.Store
	log     *zap.Logger
	orgs    OrgMirror // optional; nil when no accessstore is configured

	queue chan Item

	mu      sync.Mutex
	pending map[string][]Item // keyed by the missing template's name (the record's RecordType)

	wg   sync.WaitGroup
	stop chan struct{}
}

// New builds an Indexer against the given template directory, search
// store, and persisted state.
func New(dir *codec.Directory, store *search.Store, st *state.Store, log *zap.Logger) *Indexer {
	return &Indexer{
		dir:     dir,
		store:   store,
		state:   st,
		log:     log,
		queue:   make(chan Item, queueCapacity),
		pending: make(map[string][]Item),
		stop:    make(chan struct{}),
	}
}

// SetOrgMirror wires an organization membership mirror; safe to call
// before Run starts.
func (ix *Indexer) SetOrgMirror(m OrgMirror) {
	ix.orgs = m
}

// Run drains the work queue until Stop is called. Call this from a
// single goroutine per spec.md §5's one-goroutine-per-loop rule.
func (ix *Indexer) Run() {
	ix.wg.Add(1)
	defer ix.wg.Done()
	for {
		select {
		case <-ix.stop:
			return
		case item := <-ix.queue:
			ix.commit(item)
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (ix *Indexer) Stop() {
	close(ix.stop)
	ix.wg.Wait()
}

// Enqueue blocks when the work queue is full, per spec.md §4.4's
// backpressure rule: "when full, the producer... blocks; no items are
// dropped."
func (ix *Indexer) Enqueue(ctx context.Context, item Item) error {
	select {
	case ix.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ix *Indexer) commit(item Item) {
	if item.Template != nil {
		ix.commitTemplate(item.Template)
		return
	}
	ix.commitRecord(item)
}

// commitTemplate implements step 3: check the template's field types
// against the search store (search.ApplyTemplateMapping), then drain any records that were pending on this template's name.
func (ix *Indexer) commitTemplate(t *oip.Template) {
	if err := search.ApplyTemplateMapping(t); err != nil {
		ix.log.Warn("indexer: dropping template with unmappable field", zap.String("templateDid", t.TemplateDid), zap.Error(err))
		return
	}
	ix.dir.Put(t)

	ix.mu.Lock()
	waiting := ix.pending[t.Name]
	delete(ix.pending, t.Name)
	ix.mu.Unlock()

	for _, w := range waiting {
		ix.commitRecord(w)
	}
}

// commitRecord implements the per-item ingestion transaction, steps 1-2
// and 4-5 (step 3's template side is above).
func (ix *Indexer) commitRecord(item Item) {
	r := item.Record

	// Step 1: look up the referenced template; if absent, enqueue in the
	// pending buffer keyed by template name.
	primaryName := r.OIP.RecordType
	tmpl, ok := ix.dir.ByName(primaryName)
	if !ok {
		ix.mu.Lock()
		// The pending key is the template *name*, since that's all a
		// record carries before the template itself is known;
		// commitTemplate drains this entry by the committed template's Name.
		ix.pending[primaryName] = append(ix.pending[primaryName], item)
		ix.mu.Unlock()
		return
	}

	expanded := r.Sections
	if item.CompressedSections != nil {
		var err error
		expanded, err = codec.Expand(item.CompressedSections, ix.dir)
		if err != nil {
			ix.log.Warn("indexer: dropping record, expand failed", zap.String("did", r.OIP.Did), zap.Error(err))
			return
		}
	}

	// Step 2: validate.
	if err := codec.Validate(expanded, ix.dir); err != nil {
		ix.log.Warn("indexer: dropping record, validation failed", zap.String("did", r.OIP.Did), zap.Error(err))
		return
	}

	// Step 4: idempotency.
	existing, found, err := ix.store.Get(r.OIP.Did)
	if err != nil {
		ix.deadLetter(item, err)
		return
	}
	if found {
		if existing.Record.OIP.Signature == r.OIP.Signature {
			return // no-op: identical record already committed.
		}
		if r.OIP.Storage != oip.StoragePeer && !isStrictlyNewer(r, existing.Record) {
			return
		}
	}

	// Step 5: commit record + access-control metadata.
	doc := recordToDoc(r, tmpl, expanded)
	if err := ix.writeWithRetry(doc); err != nil {
		ix.deadLetter(item, err)
		return
	}

	if ix.orgs != nil && r.OIP.RecordType == "organization" {
		ix.mirrorOrganization(r, tmpl, expanded)
	}
}

// mirrorOrganization pushes a committed organization record's admin and
// auto-enroll-domain sets into accessstore, so QueryEngine's access
// filter sees them without re-reading the search index.
func (ix *Indexer) mirrorOrganization(r *oip.Record, tmpl *oip.Template, expanded map[string]map[string]any) {
	section, ok := expanded[tmpl.Name]
	if !ok {
		return
	}
	org := oip.Organization{
		OrgHandle:        stringField(section, "orgHandle"),
		OrgPublicKey:     stringField(section, "orgPublicKey"),
		AdminPubKeys:     stringSliceField(section, "adminPubKeys"),
		MembershipPolicy: oip.MembershipPolicy(stringField(section, "membershipPolicy")),
		WebUrl:           stringField(section, "webUrl"),
	}
	domains := stringSliceField(section, "autoEnrollDomains")
	if err := ix.orgs.UpsertOrganization(context.Background(), r.OIP.Did, org, domains); err != nil {
		ix.log.Warn("indexer: failed to mirror organization", zap.String("did", r.OIP.Did), zap.Error(err))
	}
}

func stringField(section map[string]any, name string) string {
	s, _ := section[name].(string)
	return s
}

func stringSliceField(section map[string]any, name string) []string {
	raw, ok := section[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func isStrictlyNewer(candidate, existing *oip.Record) bool {
	return candidate.OIP.IndexedAt > existing.OIP.IndexedAt
}

func recordToDoc(r *oip.Record, tmpl *oip.Template, expanded map[string]map[string]any) *search.Doc {
	doc := &search.Doc{
		Did:        r.OIP.Did,
		LegacyDid:  r.OIP.LegacyDid,
		RecordType: r.OIP.RecordType,
		Storage:    string(r.OIP.Storage),
		Creator:    r.OIP.Creator.Address,
		Date:       r.OIP.IndexedAt,
		Fields:     flattenSections(expanded),
		Record:     r,
	}
	if r.OIP.AccessControl != nil {
		doc.AccessLevel = string(r.OIP.AccessControl.Level)
		doc.OwnerPubKey = r.OIP.AccessControl.OwnerPubKey
		doc.OrgDid = r.OIP.AccessControl.OrganizationDid
	}
	if section, ok := expanded[tmpl.Name]; ok {
		if tags, ok := section["tagItems"].([]any); ok {
			for _, tag := range tags {
				if s, ok := tag.(string); ok {
					doc.Tags = append(doc.Tags, s)
				}
			}
		}
	}
	return doc
}

func flattenSections(sections map[string]map[string]any) map[string]any {
	out := make(map[string]any)
	for sectionName, fields := range sections {
		for fieldName, v := range fields {
			out[sectionName+"."+fieldName] = v
			// Also hoist "name"/"description" unqualified so the §4.6
			// full-text search fields (fields.name, fields.description)
			// match regardless of which section they came from.
			if fieldName == "name" || fieldName == "description" {
				out[fieldName] = v
			}
		}
	}
	return out
}

func (ix *Indexer) writeWithRetry(doc *search.Doc) error {
	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(writeRetryBase * time.Duration(attempt))
		}
		if err := ix.store.Index(doc); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return oiperr.New(oiperr.TransientIO, "indexer.commit", lastErr)
}

// deadLetter parks a persistently-failing item rather than dropping it
// silently, per spec.md §4.4's failure semantics.
func (ix *Indexer) deadLetter(item Item, cause error) {
	ix.log.Error("indexer: parking item in dead-letter queue", zap.String("did", item.Record.OIP.Did), zap.Error(cause))
	raw, err := json.Marshal(item.Record)
	if err != nil {
		ix.log.Error("indexer: failed to marshal dead-letter item", zap.Error(err))
		return
	}
	if err := ix.state.Enqueue(deadLetterAsQueuedDecryption(item.Record.OIP.Did, raw)); err != nil {
		ix.log.Error("indexer: failed to persist dead-letter item", zap.Error(err))
	}
}

// deadLetterAsQueuedDecryption reuses state.Store's generic queue
// primitive (keyed here by a synthetic "dead-letter" owner) rather than
// introducing a second badger-backed queue type for what is structurally
// the same append/drain shape. raw is the full marshaled record that
// failed to commit, kept so the item can actually be replayed later
// instead of only remembering its did.
func deadLetterAsQueuedDecryption(did string, raw []byte) state.QueuedDecryption {
	return state.QueuedDecryption{
		Did: did, OwnerPubKey: "$deadletter", QueuedAt: time.Now().UnixMilli(),
		Envelope: raw, Status: state.DecryptionFailed,
	}
}

// DeleteIndexed removes did from the search store directly, bypassing
// the ingestion queue. Used by SyncEngine's deletion-registry sweep
// (spec.md §4.7.2 step 3), which must prune a stale local entry
// synchronously rather than racing the queue's commit order.
func (ix *Indexer) DeleteIndexed(did string) error {
	return ix.store.Delete(did)
}

// DeadLetterQueue returns and clears every parked item.
func (ix *Indexer) DeadLetterQueue() ([]state.QueuedDecryption, error) {
	return ix.state.DrainQueue("$deadletter")
}

// PendingCount reports how many records are buffered awaiting a
// not-yet-committed template, for the §6 supplemented health endpoint.
func (ix *Indexer) PendingCount() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := 0
	for _, items := range ix.pending {
		n += len(items)
	}
	return n
}

// QueueDepth reports the current backlog on the bounded work queue.
func (ix *Indexer) QueueDepth() int {
	return len(ix.queue)
}
