// Package query implements QueryEngine from spec.md §4.6: translate a
// structured query into a search-store request, cache raw results for
// up to 60s, then apply the access filter after cache lookup.
package query

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/withobsrvr/oip-index-node/internal/oip"
	"github.com/withobsrvr/oip-index-node/internal/oiperr"
	"github.com/withobsrvr/oip-index-node/internal/resolver"
	"github.com/withobsrvr/oip-index-node/internal/search"
)

const (
	defaultLimit = 20
	maxLimit     = 500
	cacheTTL     = 60 * time.Second
)

// Caller identifies who is asking, for the §4.6 access filter.
type Caller struct {
	PubKey string
	Domain string
	// OrgAdmin reports whether the caller is an admin of orgDid, looked
	// up against internal/accessstore by the HTTP layer before Query is
	// called.
	OrgAdmin func(orgDid string) bool
	// AutoEnroll reports whether Domain auto-enrolls the caller into
	// orgDid, via internal/accessstore.AutoEnrollMatches. Only consulted
	// when the organization's policy is AutoEnrollByDomain.
	AutoEnroll func(orgDid string) bool
}

// Request is the raw query-string shape from spec.md §4.6's table,
// parsed but not yet defaulted/bounds-checked.
type Request struct {
	Did             string
	RecordType      string
	Storage         string
	Source          string // alias for Storage, backward compatibility
	Search          string
	SearchMatchMode string
	Tags            string // comma-separated
	TagsMatchMode   string
	Creator         string
	SortBy          string
	Limit           string
	Offset          string
	ResolveDepth    string
	IncludeSigs     bool
}

// Page is the returned result.
type Page struct {
	Records    []*oip.Record
	Total      uint64
	Limit      int
	Offset     int
	Resolution resolver.Resolution
}

// Engine is QueryEngine.
type Engine struct {
	store    *search.Store
	resolver *resolver.Resolver
	cache    *resultCache
}

// New builds an Engine against the shared search store.
func New(store *search.Store, resolver *resolver.Resolver) *Engine {
	return &Engine{store: store, resolver: resolver, cache: newResultCache()}
}

// Query executes req on behalf of caller.
func (e *Engine) Query(req Request, caller Caller) (Page, error) {
	params, resolveDepth, err := parseRequest(req)
	if err != nil {
		return Page{}, err
	}

	dids, total, err := e.cachedSearch(params)
	if err != nil {
		return Page{}, oiperr.New(oiperr.TransientIO, "query.query", err)
	}

	docs, err := fetchAll(e.store, dids)
	if err != nil {
		return Page{}, oiperr.New(oiperr.TransientIO, "query.query", err)
	}

	visible := filterAccess(docs, caller)

	resolved, resolution, err := e.resolver.Resolve(visible, resolveDepth)
	if err != nil {
		return Page{}, err
	}

	records := make([]*oip.Record, 0, len(resolved))
	for _, d := range resolved {
		r := d.Record
		if !req.IncludeSigs {
			r = stripSignatures(r)
		}
		records = append(records, r)
	}

	return Page{Records: records, Total: total, Limit: params.Limit, Offset: params.Offset, Resolution: resolution}, nil
}

func stripSignatures(r *oip.Record) *oip.Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.OIP.Signature = ""
	return &cp
}

func (e *Engine) cachedSearch(params search.Params) ([]string, uint64, error) {
	key := cacheKey(params)
	if dids, total, ok := e.cache.Get(key); ok {
		return dids, total, nil
	}
	req := search.BuildQuery(params)
	dids, total, err := e.store.Search(req)
	if err != nil {
		return nil, 0, err
	}
	e.cache.Set(key, dids, total)
	return dids, total, nil
}

func fetchAll(store *search.Store, dids []string) ([]*search.Doc, error) {
	fetched, err := store.GetMany(dids)
	if err != nil {
		return nil, err
	}
	out := make([]*search.Doc, 0, len(dids))
	for _, did := range dids {
		if d, ok := fetched[did]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// filterAccess strips every record the caller may not see, per spec.md
// §4.6: public is always visible; private only to the owner; organization
// only to an org admin or a caller whose domain auto-enrolls.
func filterAccess(docs []*search.Doc, caller Caller) []*search.Doc {
	out := make([]*search.Doc, 0, len(docs))
	for _, d := range docs {
		if isVisible(d, caller) {
			out = append(out, d)
		}
	}
	return out
}

func isVisible(d *search.Doc, caller Caller) bool {
	level := oip.AccessLevel(d.AccessLevel)
	switch level {
	case "", oip.AccessPublic:
		return true
	case oip.AccessPrivate:
		return d.OwnerPubKey != "" && d.OwnerPubKey == caller.PubKey
	case oip.AccessOrganization:
		if caller.OrgAdmin != nil && caller.OrgAdmin(d.OrgDid) {
			return true
		}
		return caller.AutoEnroll != nil && caller.AutoEnroll(d.OrgDid)
	default:
		return false
	}
}

func parseRequest(req Request) (search.Params, int, error) {
	storage := req.Storage
	if storage == "" {
		storage = req.Source
	}
	if storage == "" {
		storage = "all"
	}
	if storage != "all" && storage != string(oip.StorageLedger) && storage != string(oip.StoragePeer) {
		return search.Params{}, 0, oiperr.Newf(oiperr.BadRequest, "query.parse", "invalid storage %q", storage)
	}

	limit := defaultLimit
	if req.Limit != "" {
		n, err := strconv.Atoi(req.Limit)
		if err != nil || n < 0 {
			return search.Params{}, 0, oiperr.Newf(oiperr.BadRequest, "query.parse", "invalid limit %q", req.Limit)
		}
		limit = n
	}
	if limit > maxLimit {
		return search.Params{}, 0, oiperr.Newf(oiperr.BadRequest, "query.parse", "limit %d exceeds the maximum of %d", limit, maxLimit)
	}

	offset := 0
	if req.Offset != "" {
		n, err := strconv.Atoi(req.Offset)
		if err != nil || n < 0 {
			return search.Params{}, 0, oiperr.Newf(oiperr.BadRequest, "query.parse", "invalid offset %q", req.Offset)
		}
		offset = n
	}

	resolveDepth := 0
	if req.ResolveDepth != "" {
		n, err := strconv.Atoi(req.ResolveDepth)
		if err != nil || n < 0 || n > 3 {
			return search.Params{}, 0, oiperr.Newf(oiperr.BadRequest, "query.parse", "invalid resolveDepth %q", req.ResolveDepth)
		}
		resolveDepth = n
	}

	var tags []string
	if req.Tags != "" {
		tags = strings.Split(req.Tags, ",")
	}

	params := search.Params{
		Did: req.Did, RecordType: req.RecordType, Storage: storage,
		Search: req.Search, SearchMatchMode: defaultMode(req.SearchMatchMode),
		Tags: tags, TagsMatchMode: defaultMode(req.TagsMatchMode),
		Creator: req.Creator, SortBy: req.SortBy, Limit: limit, Offset: offset,
	}
	return params, resolveDepth, nil
}

func defaultMode(mode string) string {
	if mode == "" {
		return "AND"
	}
	return mode
}

func cacheKey(p search.Params) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%v|%s|%s|%s|%d|%d",
		p.Did, p.RecordType, p.Storage, p.Search, p.SearchMatchMode, p.Tags, p.TagsMatchMode, p.Creator, p.SortBy, p.Limit, p.Offset)
}

// resultCache is the 60s raw-result cache from spec.md §4.6: "the raw
// result set of a query for up to 60s; access filtering is applied after
// cache lookup."
type resultCache struct {
	mu      sync.Mutex
	entries map[string]cachedResult
}

type cachedResult struct {
	dids    []string
	total   uint64
	cached  time.Time
}

func newResultCache() *resultCache {
	return &resultCache{entries: make(map[string]cachedResult)}
}

func (c *resultCache) Get(key string) ([]string, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.cached) > cacheTTL {
		return nil, 0, false
	}
	return e.dids, e.total, true
}

func (c *resultCache) Set(key string, dids []string, total uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedResult{dids: dids, total: total, cached: time.Now()}
}
