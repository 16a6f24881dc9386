// Package resolver implements ReferenceResolver from spec.md §4.5:
// depth-bounded breadth-first expansion of dref fields, with a
// visited-set cycle guard and batch fetches bounded at 1,024 DIDs.
package resolver

import (
	"github.com/withobsrvr/oip-index-node/internal/oip"
	"github.com/withobsrvr/oip-index-node/internal/oiperr"
	"github.com/withobsrvr/oip-index-node/internal/search"
)

const maxDepth = 3

// Resolution is the side-channel spec.md §4.5 requires for unresolved
// references: "left as the DID string and flagged."
type Resolution struct {
	UnresolvedDids []string
	StubDids       []string // already-visited DIDs substituted by a reference-only stub
	// Resolved carries every record fetched while expanding roots, keyed
	// by did, so a caller (QueryEngine's HTTP layer) can inline dref
	// targets into its response tree without a second round trip.
	Resolved map[string]*oip.Record
}

// Resolver is ReferenceResolver.
type Resolver struct {
	store *search.Store
}

// New builds a Resolver against the shared search store.
func New(store *search.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve expands dref fields in roots up to depth levels. depth=0
// returns roots untouched per spec.md §4.5's "numeric semantics";
// depth>=4 is rejected.
func (r *Resolver) Resolve(roots []*search.Doc, depth int) ([]*search.Doc, Resolution, error) {
	if depth < 0 || depth > maxDepth {
		return nil, Resolution{}, oiperr.Newf(oiperr.BadRequest, "resolver.resolve", "resolveDepth %d out of range [0,%d]", depth, maxDepth)
	}
	if depth == 0 {
		return roots, Resolution{}, nil
	}

	visited := make(map[string]bool, len(roots))
	for _, d := range roots {
		visited[d.Did] = true
	}

	var res Resolution
	frontier := roots
	for i := 0; i < depth; i++ {
		refs, stubs := collectDrefs(frontier, visited)
		res.StubDids = append(res.StubDids, stubs...)
		if len(refs) == 0 {
			break
		}

		fetched, err := fetchInBatches(r.store, refs)
		if err != nil {
			return nil, Resolution{}, err
		}

		var next []*search.Doc
		for _, did := range refs {
			if doc, ok := fetched[did]; ok {
				visited[did] = true
				next = append(next, doc)
				if res.Resolved == nil {
					res.Resolved = make(map[string]*oip.Record)
				}
				res.Resolved[did] = doc.Record
			} else {
				res.UnresolvedDids = append(res.UnresolvedDids, did)
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return roots, res, nil
}

// collectDrefs gathers every string (or string-array) field value across
// frontier's records that parses as a DID; template field types are not
// consulted, so any DID-shaped value counts as a reference. They are split into dids not yet visited (to fetch next) and dids
// already visited (substituted by a reference-only stub per spec.md
// §4.5: "the first (shallowest) binding wins and the deeper visit
// yields a stub"). A did already in visited is never re-fetched, so a
// later (deeper) encounter — including a cycle back to an ancestor —
// never overwrites the shallow binding; it is recorded in stubs instead.
func collectDrefs(frontier []*search.Doc, visited map[string]bool) (unvisited, stubs []string) {
	seen := make(map[string]bool)
	stubSeen := make(map[string]bool)
	for _, doc := range frontier {
		if doc.Record == nil {
			continue
		}
		for _, section := range doc.Record.Sections {
			for _, v := range section {
				for _, did := range extractDids(v) {
					if visited[did] {
						if !stubSeen[did] {
							stubSeen[did] = true
							stubs = append(stubs, did)
						}
						continue
					}
					if seen[did] {
						continue
					}
					seen[did] = true
					unvisited = append(unvisited, did)
				}
			}
		}
	}
	return unvisited, stubs
}

func extractDids(v any) []string {
	switch val := v.(type) {
	case string:
		if oip.IsValidDid(val) {
			return []string{val}
		}
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok && oip.IsValidDid(s) {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

const maxTermsLookup = 1024

func fetchInBatches(store *search.Store, dids []string) (map[string]*search.Doc, error) {
	out := make(map[string]*search.Doc, len(dids))
	for start := 0; start < len(dids); start += maxTermsLookup {
		end := start + maxTermsLookup
		if end > len(dids) {
			end = len(dids)
		}
		batch, err := store.GetMany(dids[start:end])
		if err != nil {
			return nil, err
		}
		for k, v := range batch {
			out[k] = v
		}
	}
	return out, nil
}
