package volume

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rbeerala/llfs/errs"
	"github.com/rbeerala/llfs/internal/metrics"
	"github.com/rbeerala/llfs/internal/slotlock"
	"github.com/rbeerala/llfs/pagerecycler"
	"github.com/rbeerala/llfs/slotlog"
)

// volumeMetrics mirrors pagerecycler's recyclerMetrics: a struct of named
// collectors registered under the Volume_<uuid>_<metric> keys
// SPEC_FULL.md generalizes from spec.md §9's recycler convention.
type volumeMetrics struct {
	jobsAppended   prometheus.Counter
	jobsCommitted  prometheus.Counter
	jobsRolledBack prometheus.Counter
	bytesTrimmed   prometheus.Counter
}

func newVolumeMetrics(reg *metrics.Registry, instance string) *volumeMetrics {
	return &volumeMetrics{
		jobsAppended:   reg.NewCounter(metrics.VolumeMetricName(instance, "jobs_appended"), "jobs whose prepare record was durably written"),
		jobsCommitted:  reg.NewCounter(metrics.VolumeMetricName(instance, "jobs_committed"), "jobs whose commit record was appended"),
		jobsRolledBack: reg.NewCounter(metrics.VolumeMetricName(instance, "jobs_rolled_back"), "pending jobs resolved as rollback on recovery"),
		bytesTrimmed:   reg.NewCounter(metrics.VolumeMetricName(instance, "bytes_trimmed"), "bytes released by the trimmer task"),
	}
}

// Volume is the live Volume (spec.md §4.5, component C6): the root WAL,
// device attachment bookkeeping, the two-phase AppendJob pipeline, and a
// background Trimmer task that advances the physical trim point to the
// floor of the caller-requested trim target and the lowest live reader
// lock.
//
// Constructed in two steps, matching pagerecycler's recover()/construct
// split: call Recover(dev) first, then NewVolume(dev, summary, ...).
type Volume struct {
	ids     Ids
	logger  *logrus.Entry
	writer  *slotlog.SlotWriter
	cache   *PageCache
	recycler *pagerecycler.Recycler
	locks   *slotlock.Manager
	metrics *volumeMetrics

	trimMu        sync.Mutex
	trimCond      *sync.Cond
	trimFloor     slotlog.SlotOffset
	haveTrimFloor bool

	stopRequested atomic.Bool
	group         *errgroup.Group
	groupCancel   context.CancelFunc
	joined        chan struct{}
}

// NewVolume constructs a live Volume from a recovered summary: it
// persists a fresh VolumeIds record on first open, attaches every
// (main/recycler/trimmer) identity to every cache arena not already
// attached, resolves every prepare left pending by a prior crash, and
// starts with an empty trim target (nothing is trimmed until the caller
// or a collaborator calls Trim).
//
// configuredMainUUID, if non-nil, is used as main_uuid on a fresh volume
// (no PackedVolumeIds observed during recovery) instead of a random one
// (spec.md §4.5 step 3). It is ignored once ids have already been
// persisted by a prior open — the recovered identity always wins.
func NewVolume(dev slotlog.LogDevice, summary RecoverySummary, cache *PageCache, recycler *pagerecycler.Recycler, configuredMainUUID *uuid.UUID, logger *logrus.Logger, reg *metrics.Registry) (*Volume, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if reg == nil {
		reg = metrics.DefaultRegistry
	}

	writer := slotlog.NewSlotWriter(dev, dev.SlotRange(slotlog.Speculative).Upper, logger)

	mainUUID := uuid.New()
	if configuredMainUUID != nil {
		mainUUID = *configuredMainUUID
	}
	ids := Ids{MainUUID: mainUUID, RecyclerUUID: recycler.UUID(), TrimmerUUID: uuid.New()}
	needPersistIds := true
	if summary.Ids != nil {
		ids = *summary.Ids
		needPersistIds = false
	}

	v := &Volume{
		ids:      ids,
		logger:   logger.WithFields(logrus.Fields{"component": "volume", "volume": ids.MainUUID.String()}),
		writer:   writer,
		cache:    cache,
		recycler: recycler,
		locks:    slotlock.NewManager(),
		metrics:  newVolumeMetrics(reg, ids.MainUUID.String()),
		joined:   make(chan struct{}),
	}
	v.trimCond = sync.NewCond(&v.trimMu)

	if needPersistIds {
		if err := v.appendDurable(ids); err != nil {
			return nil, errors.Wrap(err, "volume: persist ids")
		}
	}

	attached := make(map[string]bool, len(summary.Attached))
	for k, ok := range summary.Attached {
		attached[k] = ok
	}
	if err := v.attachDevices(attached); err != nil {
		return nil, errors.Wrap(err, "volume: attach devices")
	}

	if err := v.resolvePendingJobs(summary); err != nil {
		return nil, errors.Wrap(err, "volume: resolve pending jobs")
	}

	return v, nil
}

// appendDurable reserves exactly enough grant for payload, appends it, and
// blocks until it is fsynced — used for the one-off bookkeeping writes
// (ids, attach events, pending-job resolutions) construction performs
// before the Volume is handed to its caller.
func (v *Volume) appendDurable(payload slotlog.Packable) error {
	grant, err := v.writer.Reserve(context.Background(), payload.PackedSize(), true)
	if err != nil {
		return err
	}
	rng, err := v.writer.Append(grant, payload)
	if err != nil {
		return err
	}
	return v.writer.Sync(slotlog.Durable, slotlog.SlotUpperBoundAt{Offset: rng.Upper})
}

// attachDevices attaches every (client uuid, arena) pair not already
// recorded by a prior AttachEvent (spec.md §4.5 step 4). attach_user is
// not assumed idempotent in general, so recovery's Attached set is the
// sole guard against re-attaching.
func (v *Volume) attachDevices(attached map[string]bool) error {
	clients := []uuid.UUID{v.ids.MainUUID, v.ids.RecyclerUUID, v.ids.TrimmerUUID}
	for _, client := range clients {
		for arena := 0; arena < v.cache.ArenaCount(); arena++ {
			deviceID := uint64(arena)
			key := attachKey(client, deviceID)
			if attached[key] {
				continue
			}
			userSlot, err := v.cache.AttachUser(arena, client)
			if err != nil {
				return errors.Wrapf(err, "attach client %s to arena %d", client, arena)
			}
			if err := v.cache.SyncUser(arena, userSlot); err != nil {
				return errors.Wrapf(err, "sync attach slot for client %s arena %d", client, arena)
			}
			if err := v.appendDurable(AttachEvent{ClientUUID: client, DeviceID: deviceID}); err != nil {
				return errors.Wrapf(err, "record attach event for client %s arena %d", client, arena)
			}
			attached[key] = true
		}
	}
	return nil
}

// resolvePendingJobs implements the Open Question #1 policy documented in
// DESIGN.md: a prepare left with no matching commit or rollback is
// committed if every page it references is still present in the cache
// arena, and rolled back otherwise (a page having already been recycled
// means the job's effects can never be safely replayed).
func (v *Volume) resolvePendingJobs(summary RecoverySummary) error {
	for _, slot := range summary.PendingOrder {
		job, ok := summary.PendingJobs[slot]
		if !ok {
			continue
		}

		refs, err := v.cache.ReferencedPages(job.JobBytes)
		if err != nil {
			return errors.Wrapf(err, "decode referenced pages for pending job at slot %d", uint64(job.PrepareSlot))
		}
		allPresent := true
		for _, id := range refs {
			if !v.cache.IsPresent(id) {
				allPresent = false
				break
			}
		}

		if allPresent {
			// Recycler/RecycleGrant/RecycleDepth mirror AppendJob's Phase 2a: a
			// resolved pending job can drop pages exactly like a freshly
			// committed one, so PageCache.Commit needs the same recycler wiring
			// here as it does on the live path.
			params := JobCommitParams{
				CallerUUID:   v.ids.MainUUID,
				CallerSlot:   job.PrepareSlot,
				Recycler:     v.recycler,
				RecycleGrant: nil,
				RecycleDepth: 0,
			}
			if err := v.cache.Commit(job.JobBytes, params); err != nil {
				return errors.Wrapf(err, "commit pending job at slot %d", uint64(job.PrepareSlot))
			}
			if err := v.appendDurable(CommitJob{PrepareSlot: job.PrepareSlot}); err != nil {
				return errors.Wrapf(err, "record commit for pending job at slot %d", uint64(job.PrepareSlot))
			}
			v.metrics.jobsCommitted.Inc()
			continue
		}

		v.logger.WithField("prepare_slot", uint64(job.PrepareSlot)).Warn("rolling back pending job: a referenced page is gone")
		if err := v.appendDurable(RollbackJob{PrepareSlot: job.PrepareSlot}); err != nil {
			return errors.Wrapf(err, "record rollback for pending job at slot %d", uint64(job.PrepareSlot))
		}
		v.metrics.jobsRolledBack.Inc()
	}
	return nil
}

// UUID identifies this Volume's main identity.
func (v *Volume) UUID() uuid.UUID { return v.ids.MainUUID }

// Ids returns the three identities persisted at first open.
func (v *Volume) Ids() Ids { return v.ids }

// Reserve carves n bytes from the root log's grant pool.
func (v *Volume) Reserve(ctx context.Context, n int, wait bool) (*slotlog.Grant, error) {
	return v.writer.Reserve(ctx, n, wait)
}

// Append records a single non-job payload, consuming grant. It does not
// sync; call Sync for durability.
func (v *Volume) Append(payload slotlog.Packable, grant *slotlog.Grant) (slotlog.SlotRange, error) {
	return v.writer.Append(grant, payload)
}

// AppendJob runs the two-phase job protocol (spec.md §4.5):
//
// Phase 0 — if seq is non-nil, await its predecessor's resolution, then
// take a speculative sync point so this job's ordering is anchored to
// everything already speculatively visible.
//
// Phase 1 — durably append PrepareJob, resolving seq on success or
// failure so any job chained after this one is never left waiting on a
// seq that will never resolve.
//
// Phase 2a — hand the job's bytes to PageCache.Commit, keyed on this
// prepare's lower bound so a retry or replay applies its effects exactly
// once; any page the job drops is enqueued to recycler with a fresh
// depth-0 RecyclePages call funded from the recycler's own insert grant
// pool (RecycleGrant is nil), not from the caller's grant.
//
// Phase 2b — append CommitJob, using the same grant as Phase 1. The commit
// record is not synced here; call Sync to make it durable.
func (v *Volume) AppendJob(ctx context.Context, job AppendableJob, grant *slotlog.Grant, seq *Sequencer) (slotlog.SlotRange, error) {
	if seq != nil {
		if _, err := seq.AwaitPrev(ctx); err != nil {
			seq.SetError(err)
			return slotlog.SlotRange{}, err
		}
	}

	if err := v.writer.Sync(slotlog.Speculative, slotlog.SlotUpperBoundAt{Offset: v.writer.CurrentSlot()}); err != nil {
		if seq != nil {
			seq.SetError(err)
		}
		return slotlog.SlotRange{}, err
	}

	jobBytes := make([]byte, job.PackedSize())
	if err := job.MarshalTo(jobBytes); err != nil {
		err = errors.Wrap(err, "volume: marshal job")
		if seq != nil {
			seq.SetError(err)
		}
		return slotlog.SlotRange{}, err
	}

	prepareRng, err := v.writer.Append(grant, PrepareJob{JobBytes: jobBytes})
	if err != nil {
		if seq != nil {
			seq.SetError(err)
		}
		return slotlog.SlotRange{}, err
	}
	if err := v.writer.Sync(slotlog.Durable, slotlog.SlotUpperBoundAt{Offset: prepareRng.Upper}); err != nil {
		if seq != nil {
			seq.SetError(err)
		}
		return slotlog.SlotRange{}, err
	}
	if seq != nil {
		seq.SetCurrent(prepareRng)
	}
	v.metrics.jobsAppended.Inc()

	// RecycleGrant is nil: a job's dropped pages are depth-0 cascades, and
	// recycler.RecyclePages funds those out of its own shared insert grant
	// pool (spec.md §4.4) rather than grant, which is tied to this Volume's
	// own SlotWriter pool and cannot durably fund writes to the recycler's
	// distinct WAL.
	params := JobCommitParams{
		CallerUUID:   v.ids.MainUUID,
		CallerSlot:   prepareRng.Lower,
		Recycler:     v.recycler,
		RecycleGrant: nil,
		RecycleDepth: 0,
	}
	if err := v.cache.Commit(jobBytes, params); err != nil {
		return slotlog.SlotRange{}, errors.Wrap(err, "volume: commit job")
	}

	commitRng, err := v.writer.Append(grant, CommitJob{PrepareSlot: prepareRng.Lower})
	if err != nil {
		return slotlog.SlotRange{}, err
	}
	v.metrics.jobsCommitted.Inc()

	return slotlog.SlotRange{Lower: prepareRng.Lower, Upper: commitRng.Upper}, nil
}

// Sync blocks until every slot with upper_bound <= at is reflected at mode.
func (v *Volume) Sync(mode slotlog.SyncMode, at slotlog.SlotOffset) error {
	return v.writer.Sync(mode, slotlog.SlotUpperBoundAt{Offset: at})
}

// LockSlots acquires an explicit read-lock over rng, pinning it against
// the Trimmer task until Unlock is called.
func (v *Volume) LockSlots(rng slotlog.SlotRange, mode slotlog.SyncMode) *slotlock.Lock {
	return v.locks.Lock(rng, mode, "volume.lock_slots")
}

// Unlock releases a lock acquired via LockSlots or Reader.
func (v *Volume) Unlock(l *slotlock.Lock) {
	v.locks.Unlock(l)
}

// Reader opens a VolumeReader over rangeSpec (or the device's full current
// span at mode, if nil), failing with ErrStaleRead if the requested lower
// bound has already fallen below the volume's trim floor.
func (v *Volume) Reader(rangeSpec *slotlog.SlotRange, mode slotlog.SyncMode) (*VolumeReader, error) {
	var rng slotlog.SlotRange
	if rangeSpec != nil {
		rng = *rangeSpec
	} else {
		rng = v.writer.SlotRange(mode)
	}

	floor := v.writer.SlotRange(slotlog.Speculative)
	if err := slotlock.CheckBounds(rng, floor); err != nil {
		return nil, errors.Wrap(errs.ErrStaleRead, err.Error())
	}

	lock := v.locks.Lock(rng, mode, "volume.reader")
	lower := rng.Lower
	reader, err := v.writer.Device().NewReader(&lower, mode)
	if err != nil {
		v.locks.Unlock(lock)
		return nil, errors.Wrap(err, "volume: open reader")
	}
	return &VolumeReader{reader: reader, lock: lock, locks: v.locks}, nil
}

// Trim advances the Volume's trim-lock to at least lowerBound (monotone: a
// lower request than one already recorded is a no-op). The Trimmer task
// observes the new target and physically trims once no live reader lock
// still needs the span.
func (v *Volume) Trim(lowerBound slotlog.SlotOffset) {
	v.trimMu.Lock()
	if !v.haveTrimFloor || slotlog.SlotLessThan(v.trimFloor, lowerBound) {
		v.trimFloor = lowerBound
		v.haveTrimFloor = true
	}
	v.trimCond.Broadcast()
	v.trimMu.Unlock()
}

// Start launches the background Trimmer task.
func (v *Volume) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	v.groupCancel = cancel
	v.group = g
	g.Go(func() error {
		defer close(v.joined)
		return v.trimmerMain(gctx)
	})
}

// Halt requests the Trimmer task stop and unblocks every suspended caller.
// Idempotent.
func (v *Volume) Halt() {
	if v.stopRequested.Swap(true) {
		return
	}
	v.logger.Info("volume halt requested")
	if v.groupCancel != nil {
		v.groupCancel()
	}
	v.writer.Halt()
	v.trimMu.Lock()
	v.trimCond.Broadcast()
	v.trimMu.Unlock()
}

// Join waits for the Trimmer task to exit after Halt.
func (v *Volume) Join() error {
	if v.group == nil {
		return nil
	}
	<-v.joined
	return v.group.Wait()
}

// trimmerMain waits for Trim to move the target forward, clamps it to the
// lowest live reader lock, and physically trims the log.
func (v *Volume) trimmerMain(ctx context.Context) error {
	var lastApplied slotlog.SlotOffset
	appliedAny := false

	for {
		v.trimMu.Lock()
		for {
			if v.stopRequested.Load() {
				v.trimMu.Unlock()
				return nil
			}
			if v.haveTrimFloor && (!appliedAny || slotlog.SlotLessThan(lastApplied, v.trimFloor)) {
				break
			}
			if err := ctx.Err(); err != nil {
				v.trimMu.Unlock()
				return nil
			}
			waitLocked(v.trimCond, ctx)
		}
		target := v.trimFloor
		v.trimMu.Unlock()

		if lwm, ok := v.locks.LowWaterMark(); ok && slotlog.SlotLessThan(lwm, target) {
			target = lwm
		}

		current := v.writer.SlotRange(slotlog.Speculative).Lower
		if slotlog.SlotLessThan(current, target) {
			if err := v.writer.Trim(target); err != nil {
				return errors.Wrap(err, "volume: trimmer trim")
			}
			v.metrics.bytesTrimmed.Add(float64(uint64(target - current)))
		}
		lastApplied = target
		appliedAny = true
	}
}

// VolumeReader is a read handle over a locked slot range (spec.md §4.5's
// reader()), grounded on the same Reader-plus-lock pairing
// internal/slotlock.Manager exists to support.
type VolumeReader struct {
	reader slotlog.Reader
	lock   *slotlock.Lock
	locks  *slotlock.Manager

	closeOnce sync.Once
}

// Read satisfies io.Reader.
func (r *VolumeReader) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

// Range reports the locked span this reader covers.
func (r *VolumeReader) Range() slotlog.SlotRange {
	return r.lock.Range()
}

// Close releases the underlying read-lock, unblocking the Trimmer task if
// this was the last lock pinning the span. Idempotent.
func (r *VolumeReader) Close() error {
	r.closeOnce.Do(func() {
		r.locks.Unlock(r.lock)
	})
	return nil
}
