package volume

import (
	"github.com/google/uuid"

	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/pagerecycler"
	"github.com/rbeerala/llfs/slotlog"
)

// AppendableJob is anything Volume.AppendJob can durably record: a job
// knows how to serialize itself into the PrepareJob slot (spec.md §4.5).
// What it actually does to the PageCache on commit is opaque to Volume —
// the PageCache implementation interprets the same bytes again on replay.
type AppendableJob = slotlog.Packable

// JobCommitParams is JobCommitParams (spec.md §4.5 Phase 2a): the
// dedup/cascade context a PageCache needs to apply a job's side effects
// exactly once and to enqueue any pages it drops.
type JobCommitParams struct {
	CallerUUID   uuid.UUID
	CallerSlot   slotlog.SlotOffset
	Recycler     *pagerecycler.Recycler
	RecycleGrant *slotlog.Grant
	RecycleDepth int
}

// PageCache is the external collaborator spec.md §1 scopes out of the
// core: it owns reference counts and physical page lifetimes. Volume only
// needs enough of its surface to run the append pipeline, device
// attachment, and pending-job resolution.
type PageCache struct {
	commit           CommitFunc
	referencedPages  ReferencedPagesFunc
	isPresent        IsPresentFunc
	arenaCount       int
	attachUser       AttachUserFunc
	syncUser         SyncUserFunc
}

// CommitFunc applies jobBytes' side effects under params, deduplicating on
// params.CallerSlot so replays and retries are exactly-once.
type CommitFunc func(jobBytes []byte, params JobCommitParams) error

// ReferencedPagesFunc decodes jobBytes far enough to report which pages it
// touches, used by resolve_pending_jobs's presence check (spec.md §9's
// Open Question resolution).
type ReferencedPagesFunc func(jobBytes []byte) ([]page.ID, error)

// IsPresentFunc reports whether id is still live in the arena.
type IsPresentFunc func(id page.ID) bool

// AttachUserFunc attaches clientUUID to the arena at index arenaIndex and
// returns the user's initial slot (spec.md §4.5 step 4).
type AttachUserFunc func(arenaIndex int, clientUUID uuid.UUID) (slotlog.SlotOffset, error)

// SyncUserFunc blocks until the arena's own log has durably recorded the
// slot AttachUserFunc returned (spec.md §4.5 step 4: "sync the returned
// slot"), so the AttachEvent Volume records next never outlives the
// arena-side fact it depends on.
type SyncUserFunc func(arenaIndex int, at slotlog.SlotOffset) error

// NewPageCache builds a PageCache facade from the operations Volume needs.
// A concrete page store (e.g. internal/pagedeleter's Arena) wires its
// methods in here rather than Volume depending on a concrete type.
func NewPageCache(arenaCount int, commit CommitFunc, referencedPages ReferencedPagesFunc, isPresent IsPresentFunc, attachUser AttachUserFunc, syncUser SyncUserFunc) *PageCache {
	return &PageCache{
		arenaCount:      arenaCount,
		commit:          commit,
		referencedPages: referencedPages,
		isPresent:       isPresent,
		attachUser:      attachUser,
		syncUser:        syncUser,
	}
}

func (c *PageCache) Commit(jobBytes []byte, params JobCommitParams) error {
	return c.commit(jobBytes, params)
}

func (c *PageCache) ReferencedPages(jobBytes []byte) ([]page.ID, error) {
	return c.referencedPages(jobBytes)
}

func (c *PageCache) IsPresent(id page.ID) bool {
	return c.isPresent(id)
}

func (c *PageCache) ArenaCount() int {
	return c.arenaCount
}

func (c *PageCache) AttachUser(arenaIndex int, clientUUID uuid.UUID) (slotlog.SlotOffset, error) {
	return c.attachUser(arenaIndex, clientUUID)
}

func (c *PageCache) SyncUser(arenaIndex int, at slotlog.SlotOffset) error {
	return c.syncUser(arenaIndex, at)
}
