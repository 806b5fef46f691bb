package pagerecycler

import (
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/rbeerala/llfs/internal/wire"
	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/slotlog"
)

// optionsSnapshotSize is the fixed packed size of an Options snapshot
// embedded in an Info slot.
const optionsSnapshotSize = 16

// Options configures a PageRecycler (spec.md §4.4).
type Options struct {
	// MaxRefsPerPage bounds fan-out per page.
	MaxRefsPerPage uint32
	// BatchSize is the number of items collected per batch. Zero means
	// "derive from MaxRefsPerPage" (see effectiveBatchSize).
	BatchSize uint32
	// InfoRefreshRate is how many info slots are budgeted in the WAL.
	InfoRefreshRate uint32
	// MaxBufferedPages bounds the insert grant pool sizing.
	MaxBufferedPages uint32
	// DepthWarnThreshold logs a warning (not a hard limit) when a cascade's
	// depth reaches or exceeds it (SPEC_FULL.md, grounded in
	// original_source/page_recycler.cpp's max_page_ref_depth_to_log).
	DepthWarnThreshold int
}

// DefaultOptions returns the recycler's default configuration.
func DefaultOptions() Options {
	return Options{
		MaxRefsPerPage:     64,
		BatchSize:          0,
		InfoRefreshRate:    4,
		MaxBufferedPages:   256,
		DepthWarnThreshold: page.MaxRefDepth - 2,
	}
}

// FromEnv overlays environment variables onto an existing Options, only
// changing fields that are explicitly set — the same pattern as the
// teacher's usecases/config/environment.go FromEnv.
func FromEnv(o *Options) error {
	if v := os.Getenv("LLFS_RECYCLER_MAX_REFS_PER_PAGE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return errors.Wrap(err, "LLFS_RECYCLER_MAX_REFS_PER_PAGE")
		}
		o.MaxRefsPerPage = uint32(n)
	}
	if v := os.Getenv("LLFS_RECYCLER_BATCH_SIZE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return errors.Wrap(err, "LLFS_RECYCLER_BATCH_SIZE")
		}
		o.BatchSize = uint32(n)
	}
	if v := os.Getenv("LLFS_RECYCLER_INFO_REFRESH_RATE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return errors.Wrap(err, "LLFS_RECYCLER_INFO_REFRESH_RATE")
		}
		o.InfoRefreshRate = uint32(n)
	}
	if v := os.Getenv("LLFS_RECYCLER_MAX_BUFFERED_PAGES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return errors.Wrap(err, "LLFS_RECYCLER_MAX_BUFFERED_PAGES")
		}
		o.MaxBufferedPages = uint32(n)
	}
	return nil
}

// effectiveBatchSize returns BatchSize, deriving a default from
// MaxRefsPerPage when unset.
func (o Options) effectiveBatchSize() int {
	if o.BatchSize > 0 {
		return int(o.BatchSize)
	}
	return int(o.MaxRefsPerPage)
}

// Marshal packs the snapshot-relevant fields for embedding in an Info slot.
func (o Options) Marshal() []byte {
	buf := make([]byte, optionsSnapshotSize)
	b := wire.NewBuilder(buf)
	b.PutUint32(o.MaxRefsPerPage)
	b.PutUint32(uint32(o.effectiveBatchSize()))
	b.PutUint32(o.InfoRefreshRate)
	b.PutUint32(o.MaxBufferedPages)
	return buf
}

// insertGrantSize is the per-insert grant charge: the packed size of one
// PagePrepare record.
func insertGrantSize() int {
	return PagePrepare{}.PackedSize()
}

// infoSlotSize is the packed size of one Info record.
func infoSlotSize(o Options) int {
	return Info{OptionsSnapshot: make([]byte, optionsSnapshotSize)}.PackedSize()
}

// batchCommitSize is the packed size of one BatchCommit record.
func batchCommitSize() int {
	return BatchCommit{}.PackedSize()
}

// recycleTaskTarget is the floor credit for the background task to write
// prepares, commits, and info refreshes for one batch cycle (spec.md §4.4).
func recycleTaskTarget(o Options) int {
	return o.effectiveBatchSize()*insertGrantSize() + batchCommitSize() + infoSlotSize(o)
}

// totalPageGrantSize is the grant required to insert a single page at
// depth 0.
func totalPageGrantSize() int {
	return insertGrantSize()
}

// totalGrantSizeForDepth returns enough grant to carry a cascading delete
// from depth d all the way to page.MaxRefDepth without the deleter having
// to re-reserve from the shared pool at each level — the grant lent to
// PageDeleter.delete_pages must cover every remaining cascade level.
func totalGrantSizeForDepth(d int) int {
	remaining := page.MaxRefDepth - d
	if remaining < 1 {
		remaining = 1
	}
	return remaining * insertGrantSize()
}

// insertGrantPoolSize sizes the pool callers' recycle_pages(nil grant, ...)
// draws from.
func insertGrantPoolSize(o Options) int {
	return int(o.MaxBufferedPages) * insertGrantSize()
}

// calculateLogSize returns the minimum WAL size sufficient for the given
// options, per spec.md §4.4:
//
//	log_size >= insert_grant_pool + recycle_task_target +
//	            (info_refresh_rate+1)*sizeof(Info) + slack
func calculateLogSize(o Options) uint64 {
	slack := uint64(insertGrantSize() * 4)
	size := uint64(insertGrantPoolSize(o)) +
		uint64(recycleTaskTarget(o)) +
		uint64(o.InfoRefreshRate+1)*uint64(infoSlotSize(o)) +
		slack
	return size
}

// infoNeedsRefresh reports whether a new Info anchor should be written
// before the next trim, per options.info_needs_refresh(slot, dev) —
// refresh when the current device span has grown enough since the last
// refresh to risk the anchor falling out of the configured refresh budget.
func infoNeedsRefresh(o Options, lastInfoSlot slotlog.SlotOffset, dev slotlog.LogDevice) bool {
	span := dev.SlotRange(slotlog.Speculative)
	if !span.Contains(lastInfoSlot) && lastInfoSlot != span.Upper {
		return true
	}
	budget := uint64(dev.Capacity()) / uint64(o.InfoRefreshRate+1)
	sinceRefresh := uint64(span.Upper - lastInfoSlot)
	return sinceRefresh >= budget
}
