package pagedeleter

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/pagerecycler"
	"github.com/rbeerala/llfs/slotlog"
)

// Deleter implements pagerecycler.PageDeleter over an Arena: dropping a
// batch's pages decrements every page they reference, and any reference
// that hits zero is itself handed back to the recycler one depth deeper,
// implementing the cascading delete spec.md §4.1 describes.
type Deleter struct {
	arena  *Arena
	logger *logrus.Entry
}

// NewDeleter wraps arena.
func NewDeleter(arena *Arena, logger *logrus.Logger) *Deleter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Deleter{arena: arena, logger: logger.WithField("component", "page_deleter")}
}

var _ pagerecycler.PageDeleter = (*Deleter)(nil)

// DeletePages drops each item from the arena and decrements the refcount
// of everything it pointed to; pages whose refcount reaches zero are
// cascaded to the recycler at depth+1, funded from grant. If grant is nil
// (the background task had no cascade headroom this cycle — see
// Recycler.commitBatch), a cascade candidate is logged and dropped rather
// than recursed into indefinitely; it will be picked up again the next
// time something else touches it, or leaked until a future deleter with
// grant revisits this arena — an accepted limitation of the reference
// implementation, not of the design.
func (d *Deleter) DeletePages(ctx context.Context, items []page.ToRecycle, recycler *pagerecycler.Recycler, batchSlot slotlog.SlotOffset, grant *slotlog.Grant) error {
	var cascade []page.ID
	for _, item := range items {
		refs, existed := d.arena.Delete(item.PageID)
		if !existed {
			continue
		}
		for _, ref := range refs {
			if d.arena.DecRef(ref) == 0 {
				cascade = append(cascade, ref)
			}
		}
	}

	if len(cascade) == 0 {
		return nil
	}
	if grant == nil {
		d.logger.WithField("batch_slot", uint64(batchSlot)).Warn("cascade candidates dropped: no grant headroom this cycle")
		return nil
	}

	depth := 1
	if len(items) > 0 {
		depth = items[0].Depth + 1
	}
	if _, err := recycler.RecyclePages(ctx, cascade, grant, depth); err != nil {
		return err
	}
	return nil
}

// NotifyCaughtUp logs that the recycler trimmed past upperBound.
func (d *Deleter) NotifyCaughtUp(recycler *pagerecycler.Recycler, upperBound slotlog.SlotOffset) {
	d.logger.WithField("upper_bound", uint64(upperBound)).Debug("recycler caught up")
}

// NotifyFailure logs a terminal delete_pages failure after backoff was
// exhausted.
func (d *Deleter) NotifyFailure(recycler *pagerecycler.Recycler, err error) {
	d.logger.WithError(err).Error("page delete failed permanently")
}
