// Package pagedeleter is the in-memory reference-counted page arena used to
// drive pagerecycler/volume integration tests and the cmd/llfsinspect demo
// path (spec.md calls this collaborator PageCache/PageArena/PageAllocator —
// SPEC_FULL.md's "pagedeleter test/demo implementation" component). Grounded
// on the teacher's mutex-guarded, map-backed Memtable
// (_examples/weaviate-weaviate/adapters/repos/db/lsmkv/memtable.go): an
// embedded sync.RWMutex over a plain map, no external store.
package pagedeleter

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/rbeerala/llfs/page"
)

var errUnknownPage = errors.New("pagedeleter: unknown page id")

// entry is one arena-resident page: its outgoing references (pages it, in
// turn, holds a reference to) plus the incoming reference count that keeps
// it alive.
type entry struct {
	refs     []page.ID
	refcount int
}

// Arena is a ref-counted store of pages and the edges between them. It has
// no notion of content — spec.md's Non-goals explicitly exclude a page
// content model — only identity and the reference graph needed to drive
// cascading deletion.
type Arena struct {
	sync.RWMutex
	pages  map[page.ID]*entry
	nextID page.ID
}

// NewArena constructs an empty arena.
func NewArena() *Arena {
	return &Arena{pages: make(map[page.ID]*entry)}
}

// Allocate creates a new page referencing refs, incrementing each ref's
// refcount, and returns its ID with an initial refcount of one (the
// allocation itself counts as a reference; callers that want the page
// anchored by something longer-lived should IncRef again before dropping
// their own hold).
func (a *Arena) Allocate(refs []page.ID) (page.ID, error) {
	a.Lock()
	defer a.Unlock()

	for _, r := range refs {
		e, ok := a.pages[r]
		if !ok {
			return 0, errors.Wrapf(errUnknownPage, "id=%d", r)
		}
		e.refcount++
	}

	a.nextID++
	id := a.nextID
	a.pages[id] = &entry{refs: append([]page.ID(nil), refs...), refcount: 1}
	return id, nil
}

// IncRef increments id's refcount.
func (a *Arena) IncRef(id page.ID) error {
	a.Lock()
	defer a.Unlock()
	e, ok := a.pages[id]
	if !ok {
		return errors.Wrapf(errUnknownPage, "id=%d", id)
	}
	e.refcount++
	return nil
}

// DecRef decrements id's refcount and returns the new value. Decrementing
// an unknown page is a no-op returning 0 — the page may already have been
// deleted by an earlier, not-yet-trimmed batch commit (exactly-once delete
// semantics are enforced by batch_slot dedup in the recycler, not here).
func (a *Arena) DecRef(id page.ID) int {
	a.Lock()
	defer a.Unlock()
	e, ok := a.pages[id]
	if !ok {
		return 0
	}
	e.refcount--
	return e.refcount
}

// Refcount reports id's current refcount, or 0 if unknown.
func (a *Arena) Refcount(id page.ID) int {
	a.RLock()
	defer a.RUnlock()
	e, ok := a.pages[id]
	if !ok {
		return 0
	}
	return e.refcount
}

// Delete removes id from the arena and returns the pages it referenced, so
// the caller can decrement and cascade. Deleting an unknown page returns
// (nil, false) rather than an error — idempotent for retried batches.
func (a *Arena) Delete(id page.ID) ([]page.ID, bool) {
	a.Lock()
	defer a.Unlock()
	e, ok := a.pages[id]
	if !ok {
		return nil, false
	}
	delete(a.pages, id)
	return e.refs, true
}

// Len reports how many pages are live, for tests.
func (a *Arena) Len() int {
	a.RLock()
	defer a.RUnlock()
	return len(a.pages)
}
