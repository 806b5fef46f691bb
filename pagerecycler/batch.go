package pagerecycler

import (
	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/slotlog"
)

// Batch is the set of pages the recycler processes together (spec.md §3).
// SlotOffset is the WAL slot of the batch's first PagePrepare record; it is
// both the batch's identity and the dedup key passed to the page allocator
// to guarantee exactly-once ref-count decrement.
type Batch struct {
	ToRecycle  []page.ToRecycle
	SlotOffset slotlog.SlotOffset
	// Depth is the cascade depth every item in ToRecycle shares (CollectBatch
	// only ever draws from one depth bucket at a time).
	Depth int
}
