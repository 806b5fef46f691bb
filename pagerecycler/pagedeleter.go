package pagerecycler

import (
	"context"

	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/slotlog"
)

// PageDeleter is the external collaborator the recycler calls to actually
// drop a batch's ref-counts (spec.md §6). Idempotent on batchSlot; may call
// back into Recycler.RecyclePages to cascade a depth+1 deletion, charging
// against the grant it was lent.
type PageDeleter interface {
	DeletePages(ctx context.Context, items []page.ToRecycle, recycler *Recycler, batchSlot slotlog.SlotOffset, grant *slotlog.Grant) error
	NotifyCaughtUp(recycler *Recycler, upperBound slotlog.SlotOffset)
	NotifyFailure(recycler *Recycler, err error)
}
