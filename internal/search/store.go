// Package search wraps an embedded bleve/v2 index as the system's single
// search store: the Indexer's commit target, the QueryEngine's read
// path, and the ReferenceResolver's batch terms-lookup all go through
// this package. Grounded on the teacher's one-client-per-concern shape
// (stellar-live-source/go/server/server.go keeps a single long-lived
// client field) but backed by bleve instead of an RPC client.
package search

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/oip"
	"github.com/withobsrvr/oip-index-node/internal/oiperr"
)

// Doc is the flattened, bleve-indexable projection of an oip.Record: the
// system metadata plus every section's fields hoisted into Fields under
// "<sectionName>.<fieldName>" so cross-section full-text queries work
// without a join.
type Doc struct {
	Did         string         `json:"did"`
	LegacyDid   string         `json:"legacyDid,omitempty"`
	RecordType  string         `json:"recordType"`
	Storage     string         `json:"storage"`
	Creator     string         `json:"creator"`
	Date        int64          `json:"date"`
	Tags        []string       `json:"tags,omitempty"`
	AccessLevel string         `json:"accessLevel,omitempty"`
	OwnerPubKey string         `json:"ownerPubKey,omitempty"`
	OrgDid      string         `json:"organizationDid,omitempty"`
	Fields      map[string]any `json:"fields"`
	Record      *oip.Record    `json:"record"`
}

// indexedFields is the subset of Doc bleve actually tokenizes and
// searches on. The full Doc (including the nested Record) is held
// separately in bleve's internal key/value store, keyed by did, so a hit
// can be hydrated back into a complete Doc without asking bleve's
// document mapping to round-trip an arbitrary nested struct.
type indexedFields struct {
	Did         string         `json:"did"`
	LegacyDid   string         `json:"legacyDid,omitempty"`
	RecordType  string         `json:"recordType"`
	Storage     string         `json:"storage"`
	Creator     string         `json:"creator"`
	Date        int64          `json:"date"`
	Tags        []string       `json:"tags,omitempty"`
	AccessLevel string         `json:"accessLevel,omitempty"`
	OwnerPubKey string         `json:"ownerPubKey,omitempty"`
	OrgDid      string         `json:"organizationDid,omitempty"`
	Fields      map[string]any `json:"fields"`
}

// Store is the search store named throughout spec.md §4.4/§4.5/§4.6.
type Store struct {
	mu    sync.RWMutex
	index bleve.Index
	log   *zap.Logger
}

// Open opens (or creates) a bleve index rooted at dir with the default
// mapping; committed templates add no field mappings to it (see
// ApplyTemplateMapping).
func Open(dir string, log *zap.Logger) (*Store, error) {
	idx, err := bleve.Open(dir)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(dir, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("search: open index at %s: %w", dir, err)
	}
	return &Store{index: idx, log: log}, nil
}

// Close releases the underlying bleve index.
func (s *Store) Close() error {
	return s.index.Close()
}

// ApplyTemplateMapping checks a template's field types against the
// search store before the template is committed. It does not derive or
// apply a per-template field mapping: bleve's index mapping is fixed at
// index-creation time, and every field is indexed under the running
// index's default dynamic mapping. A field of unknown type is rejected
// before any record referencing it is ever indexed.
func ApplyTemplateMapping(t *oip.Template) error {
	for _, f := range t.Fields {
		switch f.Type {
		case oip.FieldString, oip.FieldLong, oip.FieldUint64, oip.FieldFloat, oip.FieldBool, oip.FieldEnum, oip.FieldDref, oip.FieldRepeated:
			// representable under the dynamic mapping.
		default:
			return oiperr.Newf(oiperr.UnknownField, "search.applyTemplateMapping", "field %q has unmapped type %q", f.Name, f.Type)
		}
	}
	return nil
}

func internalKey(did string) []byte {
	return []byte("doc:" + did)
}

// Index commits (inserts or replaces) a single document, keyed by did.
func (s *Store) Index(d *Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := indexedFields{
		Did: d.Did, LegacyDid: d.LegacyDid, RecordType: d.RecordType, Storage: d.Storage,
		Creator: d.Creator, Date: d.Date, Tags: d.Tags, AccessLevel: d.AccessLevel,
		OwnerPubKey: d.OwnerPubKey, OrgDid: d.OrgDid, Fields: d.Fields,
	}
	if err := s.index.Index(d.Did, fields); err != nil {
		return oiperr.New(oiperr.TransientIO, "search.index", err)
	}

	raw, err := json.Marshal(d)
	if err != nil {
		return oiperr.New(oiperr.BadRequest, "search.index", err)
	}
	if err := s.index.SetInternal(internalKey(d.Did), raw); err != nil {
		return oiperr.New(oiperr.TransientIO, "search.index", err)
	}
	return nil
}

// Delete removes a document by did. Deleting a did that was never
// indexed is a no-op, matching bleve's own semantics.
func (s *Store) Delete(did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.index.Delete(did); err != nil {
		return oiperr.New(oiperr.TransientIO, "search.delete", err)
	}
	if err := s.index.DeleteInternal(internalKey(did)); err != nil {
		return oiperr.New(oiperr.TransientIO, "search.delete", err)
	}
	return nil
}

// Get fetches a single document by did, or ok=false if absent.
func (s *Store) Get(did string) (*Doc, bool, error) {
	docs, err := s.GetMany([]string{did})
	if err != nil {
		return nil, false, err
	}
	d, ok := docs[did]
	return d, ok, nil
}

// maxTermsLookup is the batch-fetch bound from spec.md §4.5: "batch fetch
// uses terms lookups of at most 1,024 DIDs per request."
const maxTermsLookup = 1024

// GetMany is the ReferenceResolver's batch terms-lookup primitive: fetch
// up to 1,024 documents by did in one request. Callers that need more
// must chunk themselves — GetMany errors rather than silently truncating.
func (s *Store) GetMany(dids []string) (map[string]*Doc, error) {
	if len(dids) == 0 {
		return map[string]*Doc{}, nil
	}
	if len(dids) > maxTermsLookup {
		return nil, oiperr.Newf(oiperr.BadRequest, "search.getMany", "batch of %d dids exceeds the %d terms-lookup limit", len(dids), maxTermsLookup)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Doc, len(dids))
	for _, did := range dids {
		raw, err := s.index.GetInternal(internalKey(did))
		if err != nil {
			return nil, oiperr.New(oiperr.TransientIO, "search.getMany", err)
		}
		if raw == nil {
			continue
		}
		var d Doc
		if err := json.Unmarshal(raw, &d); err != nil {
			s.log.Warn("search: dropping unreadable stored document", zap.String("did", did), zap.Error(err))
			continue
		}
		out[did] = &d
	}
	return out, nil
}

// Search runs a bleve query built by the caller (typically QueryEngine,
// via BuildQuery) and returns the matching dids in ranked order along
// with the total hit count, for pagination.
func (s *Store) Search(req *bleve.SearchRequest) ([]string, uint64, error) {
	s.mu.RLock()
	result, err := s.index.Search(req)
	s.mu.RUnlock()
	if err != nil {
		return nil, 0, oiperr.New(oiperr.TransientIO, "search.search", err)
	}
	dids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		dids = append(dids, hit.ID)
	}
	return dids, result.Total, nil
}
