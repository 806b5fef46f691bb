// Package page defines the shared page-identity types used by both the
// volume and pagerecycler packages: PageID, cascade depth, and the
// PageToRecycle record spec.md §3 names.
package page

import "github.com/rbeerala/llfs/slotlog"

// ID is an opaque 64-bit page identifier (spec.md §3).
type ID uint64

// MaxRefDepth bounds how many reference-chain levels a cascading delete may
// peel (spec.md §3's kMaxPageRefDepth). Depth 0 is user-initiated; depth
// d+1 is a cascade from a depth-d page.
const MaxRefDepth = 16

// ToRecycle is a page scheduled for deletion, recorded at the slot offset
// it was enqueued and the cascade depth it was discovered at (spec.md §3).
type ToRecycle struct {
	PageID     ID
	SlotOffset slotlog.SlotOffset
	Depth      int
}
