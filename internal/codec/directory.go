package codec

import (
	"sync"

	"github.com/withobsrvr/oip-index-node/internal/oip"
)

// Directory is the shared in-memory template cache described in spec.md
// §5's shared-resource table: writes take an exclusive lock and reads
// take a shared read lock on the same lookup maps, so reads are not
// lock-free and wait behind a concurrent Put.
type Directory struct {
	mu      sync.RWMutex
	byName  map[string]*oip.Template
	byDid   map[string]*oip.Template
}

// NewDirectory returns an empty template directory.
func NewDirectory() *Directory {
	return &Directory{
		byName: make(map[string]*oip.Template),
		byDid:  make(map[string]*oip.Template),
	}
}

// Put commits a template. Once committed, a template is observably
// append-only: Put silently refuses to replace an existing templateDid
// entry, matching the "once published, a template is append-only
// observable" invariant in spec.md §3.
func (d *Directory) Put(t *oip.Template) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byDid[t.TemplateDid]; exists {
		return
	}
	d.byDid[t.TemplateDid] = t
	// Template names are not globally unique; last-committed-by-name wins
	// for the name-indexed lookup used when a record section only carries
	// a bare template name (no explicit templateDid).
	d.byName[t.Name] = t
}

// ByName implements TemplateLookup.
func (d *Directory) ByName(name string) (*oip.Template, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.byName[name]
	return t, ok
}

// ByDid implements TemplateLookup.
func (d *Directory) ByDid(did string) (*oip.Template, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.byDid[did]
	return t, ok
}

// Has reports whether templateDid has already been committed.
func (d *Directory) Has(templateDid string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byDid[templateDid]
	return ok
}
