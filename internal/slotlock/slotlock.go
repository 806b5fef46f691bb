// Package slotlock implements a minimal SlotLockManager: named-range
// reader-locks used to pin log regions against trimming (spec.md §1, §4.5).
// Not specified in detail by spec.md (it's an external collaborator), but
// needed in-process for Volume.Reader/Volume.Trim to be exercisable. This
// is a small interval-tracking structure, not a distributed lock service —
// keeping the "no distribution" Non-goal intact.
package slotlock

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/rbeerala/llfs/slotlog"
)

// Lock represents one held read-lock on a slot range. Callers release it
// via Manager.Unlock.
type Lock struct {
	id    uint64
	rng   slotlog.SlotRange
	mode  slotlog.SyncMode
	owner string
}

// Range reports the locked span.
func (l *Lock) Range() slotlog.SlotRange { return l.rng }

// Manager tracks the set of live locks and exposes the minimum lower bound
// across them: the physical trim floor.
type Manager struct {
	mu     sync.Mutex
	nextID uint64
	locks  map[uint64]*Lock
}

// NewManager constructs an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[uint64]*Lock)}
}

// Lock acquires a named read-lock over rng at the given mode. owner is a
// free-form label (e.g. "volume.reader") for diagnostics.
func (m *Manager) Lock(rng slotlog.SlotRange, mode slotlog.SyncMode, owner string) *Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	l := &Lock{id: m.nextID, rng: rng, mode: mode, owner: owner}
	m.locks[l.id] = l
	return l
}

// Unlock releases a previously acquired lock. Unlocking an unknown lock is
// a no-op (idempotent release, matching the teacher's defensive style in
// bucket lifecycle teardown).
func (m *Manager) Unlock(l *Lock) {
	if l == nil {
		return
	}
	m.mu.Lock()
	delete(m.locks, l.id)
	m.mu.Unlock()
}

// LowWaterMark returns the minimum Lower bound across all live locks. A
// Trimmer must not advance past this. ok is false when no locks are held.
func (m *Manager) LowWaterMark() (offset slotlog.SlotOffset, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := true
	for _, l := range m.locks {
		if first || slotlog.SlotLessThan(l.rng.Lower, offset) {
			offset = l.rng.Lower
			first = false
		}
	}
	return offset, !first
}

// CheckBounds returns an ErrStaleRead-flavored error (via errors.Wrap at the
// call site) when rng's lower bound falls below floor — used by
// Volume.Reader to reject reads of already-trimmed data.
func CheckBounds(rng, floor slotlog.SlotRange) error {
	if slotlog.SlotLessThan(rng.Lower, floor.Lower) {
		return errors.Errorf("requested lower bound %d is below trim floor %d", rng.Lower, floor.Lower)
	}
	return nil
}
