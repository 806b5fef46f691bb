package slotlog

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rbeerala/llfs/errs"
)

// Packable is anything a SlotWriter can serialize into a slot: a payload
// that knows its own packed (serialized) size and can write itself to a
// byte buffer. Concrete WAL payload types (in pagerecycler and volume) all
// implement this so append(grant, payload) never over- or under-consumes
// the grant.
type Packable interface {
	PackedSize() int
	MarshalTo(buf []byte) error
}

// SlotWriter is the facade atop a LogDevice (spec C1): reserve, append,
// sync, trim, with move-only Grant credits guarding the pool.
type SlotWriter struct {
	log    LogDevice
	pool   *grantPool
	logger *logrus.Entry

	mu      sync.Mutex
	current SlotOffset
	halted  bool
}

// NewSlotWriter wraps dev with pool-accounted reservation. current is the
// device's current upper bound (from recovery or a fresh open).
func NewSlotWriter(dev LogDevice, current SlotOffset, logger *logrus.Logger) *SlotWriter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SlotWriter{
		log:     dev,
		pool:    newGrantPool(dev.Capacity()),
		logger:  logger.WithField("component", "slot_writer"),
		current: current,
	}
}

// Reserve carves n bytes from the pool. wait=true blocks (cooperatively,
// respecting ctx) until space is available or the writer halts; wait=false
// fails immediately with ErrNoSpace.
func (w *SlotWriter) Reserve(ctx context.Context, n int, wait bool) (*Grant, error) {
	return w.pool.reserve(ctx, n, wait)
}

// CurrentSlot returns the next offset an append will be assigned.
func (w *SlotWriter) CurrentSlot() SlotOffset {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Append serializes payload, consumes exactly payload.PackedSize() bytes
// from grant, and returns the assigned SlotRange. Appends are strictly
// sequential: the returned range's Lower always equals the previous
// append's Upper.
func (w *SlotWriter) Append(grant *Grant, payload Packable) (SlotRange, error) {
	if grant.GetIssuer() != w.pool {
		errs.Policy("slotwriter append: grant was issued by a different writer's pool")
	}

	size := payload.PackedSize()

	if err := grant.spendInternal(size); err != nil {
		return SlotRange{}, errors.Wrap(err, "slotwriter append: grant exhausted")
	}

	buf := make([]byte, size)
	if err := payload.MarshalTo(buf); err != nil {
		return SlotRange{}, errors.Wrap(err, "slotwriter append: marshal")
	}

	w.mu.Lock()
	if w.halted {
		w.mu.Unlock()
		return SlotRange{}, errs.ErrCancelled
	}
	w.mu.Unlock()

	r, err := w.log.Append(buf)
	if err != nil {
		return SlotRange{}, errors.Wrap(errs.ErrLogIO, err.Error())
	}

	w.mu.Lock()
	w.current = r.Upper
	w.mu.Unlock()

	return r, nil
}

// Sync blocks until every slot with upper_bound <= at.Offset is reflected
// at the given mode.
func (w *SlotWriter) Sync(mode SyncMode, at SlotUpperBoundAt) error {
	if err := w.log.Sync(mode, at); err != nil {
		return errors.Wrap(errs.ErrLogIO, err.Error())
	}
	return nil
}

// Trim advances the log's lower bound; the released byte span becomes
// reclaimable by Reserve.
func (w *SlotWriter) Trim(slot SlotOffset) error {
	before := w.log.SlotRange(Speculative).Lower
	if err := w.log.Trim(slot); err != nil {
		return errors.Wrap(errs.ErrLogIO, err.Error())
	}
	released := int(slot - before)
	if released > 0 {
		w.pool.releaseSpent(released)
	}
	w.logger.WithFields(logrus.Fields{"trim_point": uint64(slot)}).Debug("trimmed log")
	return nil
}

// Halt unblocks all waiting reservations with ErrCancelled; later Reserve
// and Append calls fail with ErrCancelled. Sync and Trim do not check the
// halted state and keep operating on the device. Idempotent.
func (w *SlotWriter) Halt() {
	w.mu.Lock()
	already := w.halted
	w.halted = true
	w.mu.Unlock()
	if already {
		return
	}
	w.pool.halt(errs.ErrCancelled)
	w.logger.Info("slot writer halted")
}

// SlotRange reports the underlying device's current span.
func (w *SlotWriter) SlotRange(mode SyncMode) SlotRange {
	return w.log.SlotRange(mode)
}

// Available reports how many pool bytes could be reserved right now,
// without blocking or actually reserving them.
func (w *SlotWriter) Available() int {
	return w.pool.available()
}

// Device exposes the underlying LogDevice for readers that need to open
// their own Reader (spec.md §4.5 Volume.reader).
func (w *SlotWriter) Device() LogDevice {
	return w.log
}
