package pagerecycler

import (
	"sync"

	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/slotlog"
)

// State is the in-memory priority structure of pages awaiting recycling
// (spec.md §4.2, component C2): a PageID -> PageToRecycle map plus a
// deepest-first ordered index, guarded by a single mutex. Grounded on the
// teacher's mutex+map bucket pattern in lsmkv/memtable.go, generalized to
// depth-bucketed ordering.
type State struct {
	mu      sync.Mutex
	byPage  map[page.ID]page.ToRecycle
	byDepth map[int][]page.ID // insertion order within a depth; oldest first

	pending *pendingCount
}

// NewState constructs an empty RecyclerState.
func NewState() *State {
	return &State{
		byPage:  make(map[page.ID]page.ToRecycle),
		byDepth: make(map[int][]page.ID),
		pending: newPendingCount(),
	}
}

// PendingCount exposes the observable used for idle-wait and shutdown.
func (s *State) PendingCount() *pendingCount {
	return s.pending
}

// Insert records item as pending. Idempotent: if page_id is already
// pending at a depth equal to or greater than item.Depth, this is a no-op
// and returns nil. If
// already pending at a smaller depth than item.Depth, the stored depth is
// upgraded and item is returned (so the caller writes a new WAL record —
// recovery must observe the deeper cascade level). Otherwise item is newly
// inserted and returned.
//
// This resolves spec.md §9's Open Question: depth upgrades are observable
// recovery-relevant events and must re-enter the WAL; DESIGN.md records the
// decision.
func (s *State) Insert(item page.ToRecycle) []page.ToRecycle {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byPage[item.PageID]
	if !ok {
		s.byPage[item.PageID] = item
		s.byDepth[item.Depth] = append(s.byDepth[item.Depth], item.PageID)
		s.pending.set(len(s.byPage))
		return []page.ToRecycle{item}
	}

	if existing.Depth >= item.Depth {
		return nil
	}

	s.removeFromDepthLocked(existing.Depth, item.PageID)
	s.byPage[item.PageID] = item
	s.byDepth[item.Depth] = append(s.byDepth[item.Depth], item.PageID)
	return []page.ToRecycle{item}
}

func (s *State) removeFromDepthLocked(depth int, id page.ID) {
	ids := s.byDepth[depth]
	for i, existingID := range ids {
		if existingID == id {
			s.byDepth[depth] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// CollectBatch removes and returns up to maxSize items from the greatest
// non-empty depth group, oldest slot_offset first within that group, so
// ref-count cascades terminate depth-first (spec.md §4.2).
func (s *State) CollectBatch(maxSize int) []page.ToRecycle {
	s.mu.Lock()
	defer s.mu.Unlock()

	deepest := -1
	for d, ids := range s.byDepth {
		if len(ids) > 0 && d > deepest {
			deepest = d
		}
	}
	if deepest < 0 {
		return nil
	}

	ids := s.byDepth[deepest]
	n := maxSize
	if n > len(ids) {
		n = len(ids)
	}
	out := make([]page.ToRecycle, 0, n)
	for _, id := range ids[:n] {
		out = append(out, s.byPage[id])
		delete(s.byPage, id)
	}
	s.byDepth[deepest] = ids[n:]
	s.pending.set(len(s.byPage))
	return out
}

// GetLRUSlot returns the smallest slot_offset of any pending item; ok is
// false when the state is empty. Trimming must not pass this (spec.md §4.2,
// §8 "lru floor" invariant).
func (s *State) GetLRUSlot() (offset slotlog.SlotOffset, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := true
	for _, item := range s.byPage {
		if first || slotlog.SlotLessThan(item.SlotOffset, offset) {
			offset = item.SlotOffset
			first = false
		}
	}
	return offset, !first
}

// BulkLoad repopulates the state from recovery in one step, replacing any
// existing contents.
func (s *State) BulkLoad(items []page.ToRecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byPage = make(map[page.ID]page.ToRecycle, len(items))
	s.byDepth = make(map[int][]page.ID)
	for _, item := range items {
		s.byPage[item.PageID] = item
		s.byDepth[item.Depth] = append(s.byDepth[item.Depth], item.PageID)
	}
	s.pending.set(len(s.byPage))
}

// Close unblocks every awaiter of PendingCount with err, used during
// PageRecycler.Halt.
func (s *State) Close(err error) {
	s.pending.Close(err)
}

// Len reports the number of pending items, for diagnostics and tests.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPage)
}
