package pagerecycler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rbeerala/llfs/errs"
	"github.com/rbeerala/llfs/internal/metrics"
	"github.com/rbeerala/llfs/page"
	"github.com/rbeerala/llfs/slotlog"
)

// unbatchedSlot marks a PagePrepare record written by insertToLog at
// enqueue time, before the page belongs to any officially batched group.
// It is never a legitimate batch_slot (that would require an addressable
// log position near 2^64 bytes), so recovery can tell the two kinds of
// PagePrepare apart without a fourth wire tag. Resolves a gap in spec.md
// §4.3/§4.4, which names insert_to_log's write and prepare_batch's writes
// as the same record type but never says how recovery should treat the
// former as distinct from a genuine multi-item batch — see DESIGN.md.
const unbatchedSlot = slotlog.SlotOffset(math.MaxUint64)

// recyclerMetrics mirrors the teacher's PrometheusMetrics struct of named
// collector fields (usecases/monitoring), registered under the
// PageRecycler_<uuid>_<metric> keys spec.md §9 specifies.
type recyclerMetrics struct {
	pending      prometheus.Gauge
	batchesSent  prometheus.Counter
	pagesDeleted prometheus.Counter
	deleteErrors prometheus.Counter
}

func newRecyclerMetrics(reg *metrics.Registry, instance string) *recyclerMetrics {
	return &recyclerMetrics{
		pending:      reg.NewGauge(metrics.PageRecyclerMetricName(instance, "pending_count"), "pages awaiting recycling"),
		batchesSent:  reg.NewCounter(metrics.PageRecyclerMetricName(instance, "batches_committed"), "recycle batches committed"),
		pagesDeleted: reg.NewCounter(metrics.PageRecyclerMetricName(instance, "pages_deleted"), "pages deleted"),
		deleteErrors: reg.NewCounter(metrics.PageRecyclerMetricName(instance, "delete_errors"), "delete_pages failures before retry succeeded or gave up"),
	}
}

// Recycler is the live PageRecycler (spec.md §4.4, component C4): a
// background task draining State's pending pages into depth-bounded
// batches, prepared and committed durably through a SlotWriter, with a
// caller-facing grant-gated enqueue path.
//
// Constructed in two steps, per SPEC_FULL.md's recover()/start() split:
// call Recover(dev) first, then NewRecycler(dev, summary, ...).
type Recycler struct {
	uuid    uuid.UUID
	logger  *logrus.Entry
	options Options

	writer  *slotlog.SlotWriter
	state   *State
	deleter PageDeleter
	metrics *recyclerMetrics

	// insertGrant is the shared credit pool recycle_pages(nil grant, ...)
	// draws from; refreshed from the SlotWriter's pool after every trim.
	insertGrantMu   sync.Mutex
	insertGrantCond *sync.Cond
	insertGrant     *slotlog.Grant

	// recycleTaskGrant funds the background task's own prepare/commit/info
	// writes; touched only by the background goroutine, so it needs no
	// separate condition variable.
	recycleTaskGrant *slotlog.Grant

	mu                     sync.Mutex
	preparedBatch          *Batch
	haveLatestBatchUpper   bool
	latestBatchUpperBound  slotlog.SlotOffset
	latestInfoSlot         slotlog.SlotOffset
	haveLatestInfoSlot     bool

	stopRequested atomic.Bool
	group         *errgroup.Group
	groupCancel   context.CancelFunc
	joined        chan struct{}
}

// NewRecycler constructs a live Recycler from a recovered summary. It
// bulk-loads State from summary.Pending (and summary.LatestBatch, which
// must be retried), seeds the writer's current slot, reserves the insert
// and recycle-task grant pools out of writer's capacity, and asserts the
// device is large enough for options (spec.md §4.4's construction-time
// log-size assertion).
func NewRecycler(dev slotlog.LogDevice, summary RecoverySummary, opts Options, deleter PageDeleter, logger *logrus.Logger, reg *metrics.Registry) (*Recycler, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if reg == nil {
		reg = metrics.DefaultRegistry
	}

	if uint64(dev.Capacity()) < calculateLogSize(opts) {
		errs.Policy("recycler log device capacity %d below required %d for options", dev.Capacity(), calculateLogSize(opts))
	}

	id := uuid.New()
	if summary.LatestInfo != nil {
		id = summary.LatestInfo.UUID
	}

	writer := slotlog.NewSlotWriter(dev, dev.SlotRange(slotlog.Speculative).Upper, logger)
	state := NewState()

	pending := append([]page.ToRecycle(nil), summary.Pending...)
	if summary.LatestBatch != nil {
		pending = append(pending, summary.LatestBatch.ToRecycle...)
	}
	state.BulkLoad(pending)

	insertGrant, err := writer.Reserve(context.Background(), insertGrantPoolSize(opts), true)
	if err != nil {
		return nil, errors.Wrap(err, "pagerecycler: reserve insert grant pool")
	}
	// One extra Info slot pays for the anchor the first trimLog writes, so
	// the first batch cycle starts with a full recycleTaskTarget.
	taskGrant, err := writer.Reserve(context.Background(), recycleTaskTarget(opts)+infoSlotSize(opts), true)
	if err != nil {
		return nil, errors.Wrap(err, "pagerecycler: reserve recycle task grant")
	}

	r := &Recycler{
		uuid:             id,
		logger:           logger.WithFields(logrus.Fields{"component": "page_recycler", "recycler": id.String()}),
		options:          opts,
		writer:           writer,
		state:            state,
		deleter:          deleter,
		metrics:          newRecyclerMetrics(reg, id.String()),
		insertGrant:      insertGrant,
		recycleTaskGrant: taskGrant,
		joined:           make(chan struct{}),
	}
	r.insertGrantCond = sync.NewCond(&r.insertGrantMu)

	if summary.LatestBatch != nil {
		r.preparedBatch = summary.LatestBatch
	}
	if summary.LatestInfo != nil {
		r.latestInfoSlot = summary.LatestInfoRange.Lower
		r.haveLatestInfoSlot = true
	}

	return r, nil
}

// UUID identifies this recycler instance, matching the Info record's UUID.
func (r *Recycler) UUID() uuid.UUID { return r.uuid }

// PendingCount reports the current number of pending pages.
func (r *Recycler) PendingCount() int { return r.state.Len() }

// RecyclePages enqueues pageIDs for recycling (spec.md §4.4). A nil grant
// means these are depth-0 (caller-initiated) deletes, funded from the
// shared insert grant pool, blocking until credit is available. A non-nil
// grant is used directly (and must have been sized for depth via
// totalGrantSizeForDepth) — this is the path PageDeleter.DeletePages takes
// to cascade a depth+1 deletion.
func (r *Recycler) RecyclePages(ctx context.Context, pageIDs []page.ID, grant *slotlog.Grant, depth int) (slotlog.SlotOffset, error) {
	if len(pageIDs) == 0 {
		return r.writer.SlotRange(slotlog.Durable).Upper, nil
	}

	if grant == nil {
		if depth != 0 {
			errs.Policy("recycle_pages: depth %d requires a caller-supplied grant", depth)
		}
		var lastUpper slotlog.SlotOffset
		for _, pid := range pageIDs {
			upper, err := r.appendInsertRecord(ctx, pid, 0)
			if err != nil {
				return 0, err
			}
			lastUpper = upper
		}
		return lastUpper, nil
	}

	if depth >= page.MaxRefDepth {
		errs.Policy("recycle_pages: depth %d exceeds MaxRefDepth %d", depth, page.MaxRefDepth)
	}
	if depth >= r.options.DepthWarnThreshold {
		r.logger.WithField("depth", depth).Warn("recycle cascade approaching max depth")
	}

	var lastUpper slotlog.SlotOffset
	for _, pid := range pageIDs {
		upper, err := r.insertToLog(page.ToRecycle{PageID: pid, Depth: depth}, grant)
		if err != nil {
			return 0, err
		}
		lastUpper = upper
	}
	return lastUpper, nil
}

// appendInsertRecord blocks on the insert grant pool and retries on the
// rare race where another caller spends the credit between the wait
// returning and the append consuming it.
func (r *Recycler) appendInsertRecord(ctx context.Context, pid page.ID, depth int) (slotlog.SlotOffset, error) {
	for {
		if err := r.awaitInsertGrant(ctx); err != nil {
			return 0, err
		}
		upper, err := r.insertToLog(page.ToRecycle{PageID: pid, Depth: depth}, r.insertGrant)
		if err != nil {
			if errors.Cause(err) == errs.ErrNoSpace {
				continue
			}
			return 0, err
		}
		return upper, nil
	}
}

func (r *Recycler) awaitInsertGrant(ctx context.Context) error {
	r.insertGrantMu.Lock()
	defer r.insertGrantMu.Unlock()
	need := insertGrantSize()
	for r.insertGrant.Remaining() < need {
		if r.stopRequested.Load() {
			return errs.ErrRecyclerStopped
		}
		if err := ctx.Err(); err != nil {
			return errs.ErrCancelled
		}
		waitLocked(r.insertGrantCond, ctx)
	}
	return nil
}

// insertToLog records item in State and, if it is newly pending or a depth
// upgrade, appends a PagePrepare record so a crash before the next
// official batch doesn't lose the page (spec.md §4.4's insert_to_log,
// generalized with the unbatchedSlot sentinel — see DESIGN.md).
func (r *Recycler) insertToLog(item page.ToRecycle, grant *slotlog.Grant) (slotlog.SlotOffset, error) {
	item.SlotOffset = r.writer.CurrentSlot()
	returned := r.state.Insert(item)
	if len(returned) == 0 {
		r.metrics.pending.Set(float64(r.state.Len()))
		return r.writer.CurrentSlot(), nil
	}

	var lastUpper slotlog.SlotOffset
	for _, it := range returned {
		rng, err := r.writer.Append(grant, PagePrepare{PageID: it.PageID, BatchSlot: unbatchedSlot})
		if err != nil {
			return 0, errors.Wrap(err, "pagerecycler: insert_to_log append")
		}
		lastUpper = rng.Upper
	}
	r.metrics.pending.Set(float64(r.state.Len()))
	return lastUpper, nil
}

// AwaitFlush blocks until every slot up to at is durable.
func (r *Recycler) AwaitFlush(at slotlog.SlotOffset) error {
	return r.writer.Sync(slotlog.Durable, slotlog.SlotUpperBoundAt{Offset: at})
}

// Start launches the background recycle task (spec.md §4.4's
// recycle_task_main), supervised by an errgroup the way the teacher
// supervises its replication consumer background loop
// (cluster_replication/consumer.go).
func (r *Recycler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	r.groupCancel = cancel
	r.group = g
	g.Go(func() error {
		defer close(r.joined)
		return r.recycleTaskMain(gctx)
	})
}

// Halt requests the background task stop and unblocks every suspended
// caller (grant waiters, pending-count waiters) with ErrRecyclerStopped.
// Idempotent.
func (r *Recycler) Halt() {
	if r.stopRequested.Swap(true) {
		return
	}
	r.logger.Info("recycler halt requested")
	if r.groupCancel != nil {
		r.groupCancel()
	}
	r.state.Close(errs.ErrRecyclerStopped)
	r.insertGrantMu.Lock()
	r.insertGrantCond.Broadcast()
	r.insertGrantMu.Unlock()
}

// Join waits for the background task to exit after Halt, returning its
// terminal error (nil on a clean stop).
func (r *Recycler) Join() error {
	if r.group == nil {
		return nil
	}
	<-r.joined
	return r.group.Wait()
}

// recycleTaskMain is the background loop: finish any batch left prepared
// by a prior crash, trim, then repeatedly wait for pending work, collect a
// batch, and prepare it.
func (r *Recycler) recycleTaskMain(ctx context.Context) error {
	r.mu.Lock()
	pending := r.preparedBatch
	r.mu.Unlock()
	if pending != nil {
		if err := r.commitBatch(ctx, *pending); err != nil {
			return err
		}
	}
	if err := r.trimLog(ctx); err != nil {
		return err
	}

	for {
		if r.stopRequested.Load() {
			return nil
		}
		if _, err := r.state.PendingCount().AwaitNotEqual(ctx, 0); err != nil {
			if errors.Cause(err) == errs.ErrRecyclerStopped || errors.Cause(err) == errs.ErrCancelled {
				return nil
			}
			return err
		}
		if r.stopRequested.Load() {
			return nil
		}

		items := r.state.CollectBatch(r.options.effectiveBatchSize())
		if len(items) == 0 {
			continue
		}

		batch, err := r.prepareBatch(items)
		if err != nil {
			return err
		}
		if err := r.commitBatch(ctx, batch); err != nil {
			return err
		}
		if err := r.trimLog(ctx); err != nil {
			return err
		}
	}
}

// prepareBatch assigns items an official batch identity (the slot of its
// first PagePrepare write) and records it durably before any delete side
// effect runs.
func (r *Recycler) prepareBatch(items []page.ToRecycle) (Batch, error) {
	batchSlot := r.writer.CurrentSlot()
	depth := 0
	if len(items) > 0 {
		depth = items[0].Depth
	}
	for _, it := range items {
		if _, err := r.writer.Append(r.recycleTaskGrant, PagePrepare{PageID: it.PageID, BatchSlot: batchSlot}); err != nil {
			return Batch{}, errors.Wrap(err, "pagerecycler: prepare_batch append")
		}
	}
	if err := r.AwaitFlush(r.writer.CurrentSlot()); err != nil {
		return Batch{}, errors.Wrap(err, "pagerecycler: prepare_batch flush")
	}

	batch := Batch{ToRecycle: items, SlotOffset: batchSlot, Depth: depth}
	r.mu.Lock()
	r.preparedBatch = &batch
	r.mu.Unlock()
	return batch, nil
}

// commitBatch runs PageDeleter.DeletePages with exponential backoff (the
// same cenkalti/backoff retry shape the teacher wraps around its
// replication RPCs in cluster_replication/consumer.go), then durably
// records the commit.
func (r *Recycler) commitBatch(ctx context.Context, batch Batch) error {
	deleteGrant, err := r.recycleTaskGrant.Spend(totalGrantSizeForDepth(batch.Depth))
	if err != nil {
		// no grant headroom left for cascading deletes this cycle; the
		// deleter gets nil and must not cascade deeper than depth 0.
		deleteGrant = nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err = backoff.Retry(func() error {
		err := r.deleter.DeletePages(ctx, batch.ToRecycle, r, batch.SlotOffset, deleteGrant)
		if err != nil {
			r.metrics.deleteErrors.Inc()
			r.logger.WithError(err).WithField("batch_slot", uint64(batch.SlotOffset)).Warn("delete_pages failed, retrying")
		}
		return err
	}, policy)
	if err != nil {
		r.deleter.NotifyFailure(r, err)
		return errors.Wrap(errs.ErrPageDeleteFailed, err.Error())
	}
	if deleteGrant != nil {
		// return whatever the cascade did not spend to the task grant.
		r.recycleTaskGrant.Subsume(deleteGrant)
	}

	rng, err := r.writer.Append(r.recycleTaskGrant, BatchCommit{BatchSlot: batch.SlotOffset})
	if err != nil {
		return errors.Wrap(err, "pagerecycler: commit_batch append")
	}
	if err := r.AwaitFlush(rng.Upper); err != nil {
		return errors.Wrap(err, "pagerecycler: commit_batch flush")
	}

	r.mu.Lock()
	r.preparedBatch = nil
	r.latestBatchUpperBound = rng.Upper
	r.haveLatestBatchUpper = true
	r.mu.Unlock()

	r.metrics.batchesSent.Inc()
	r.metrics.pagesDeleted.Add(float64(len(batch.ToRecycle)))
	r.deleter.NotifyCaughtUp(r, rng.Upper)
	return nil
}

// trimLog computes the trim point as the floor of the state's LRU slot and
// the latest committed batch's upper bound, writes a fresh Info anchor when
// infoNeedsRefresh says so or the trim point lies past the latest one,
// asserts the trim point never passes the latest Info anchor (spec.md §4.4's
// anchor-preservation invariant — a violation is a PolicyViolation, not a
// recoverable error), trims, then tops the grant pools back up.
func (r *Recycler) trimLog(ctx context.Context) error {
	r.mu.Lock()
	lastInfoSlot := r.latestInfoSlot
	haveInfo := r.haveLatestInfoSlot
	latestBatchUpper := r.latestBatchUpperBound
	haveBatchUpper := r.haveLatestBatchUpper
	r.mu.Unlock()

	trimPoint, haveTrimPoint := latestBatchUpper, haveBatchUpper
	if lru, ok := r.state.GetLRUSlot(); ok && (!haveTrimPoint || slotlog.SlotLessThan(lru, trimPoint)) {
		trimPoint, haveTrimPoint = lru, true
	}

	if !haveInfo || infoNeedsRefresh(r.options, lastInfoSlot, r.writer.Device()) ||
		(haveTrimPoint && slotlog.SlotLessThan(lastInfoSlot, trimPoint)) {
		info := Info{UUID: r.uuid, OptionsSnapshot: r.options.Marshal()}
		rng, err := r.writer.Append(r.recycleTaskGrant, info)
		if err != nil {
			return errors.Wrap(err, "pagerecycler: trim_log info refresh")
		}
		r.mu.Lock()
		r.latestInfoSlot = rng.Lower
		r.haveLatestInfoSlot = true
		lastInfoSlot = rng.Lower
		r.mu.Unlock()
	}

	if !haveTrimPoint {
		return nil
	}

	if slotlog.SlotLessThan(lastInfoSlot, trimPoint) {
		errs.Policy("trim_log: trim point %d would pass the latest info anchor at %d", uint64(trimPoint), uint64(lastInfoSlot))
	}

	if err := r.writer.Trim(trimPoint); err != nil {
		return errors.Wrap(err, "pagerecycler: trim_log")
	}
	r.refreshGrants(ctx)
	return nil
}

// refreshGrants tops the recycle-task grant back up to its target first
// (the background task must never starve), then pours whatever pool
// capacity remains into the insert grant pool, waking any callers blocked
// in appendInsertRecord.
func (r *Recycler) refreshGrants(ctx context.Context) {
	target := recycleTaskTarget(r.options)
	if deficit := target - r.recycleTaskGrant.Remaining(); deficit > 0 {
		if n := min(deficit, r.writer.Available()); n > 0 {
			if g, err := r.writer.Reserve(ctx, n, false); err == nil {
				r.recycleTaskGrant.Subsume(g)
			}
		}
	}

	r.insertGrantMu.Lock()
	defer r.insertGrantMu.Unlock()
	if n := r.writer.Available(); n > 0 {
		if g, err := r.writer.Reserve(ctx, n, false); err == nil {
			r.insertGrant.Subsume(g)
		}
	}
	r.insertGrantCond.Broadcast()
}
