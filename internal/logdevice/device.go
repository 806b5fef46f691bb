package logdevice

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rbeerala/llfs/slotlog"
)

// Device is a file-backed, mmap'd ring-buffered byte log. The first
// PackedConfigSize bytes of the file hold a PackedLogDeviceConfig header;
// the remainder (Config.PhysicalSize bytes starting at Config.Block0Offset)
// is the ring buffer data region addressed by physical = logical %
// Config.LogicalSize.
type Device struct {
	mu     sync.Mutex
	file   *os.File
	region mmap.MMap
	Config PackedLogDeviceConfig

	lower, upper SlotOffset
	durableUpper SlotOffset
	closed       bool
}

// SlotOffset is a local alias to avoid importing slotlog in every method
// signature's doc comment; identical underlying type.
type SlotOffset = slotlog.SlotOffset

var _ slotlog.LogDevice = (*Device)(nil)

// dataRegion returns the ring-buffer byte slice of the mapped file (the
// header precedes it).
func (d *Device) dataRegion() []byte {
	return d.region[d.Config.Block0Offset:]
}

// Capacity implements slotlog.LogDevice.
func (d *Device) Capacity() int {
	return int(d.Config.LogicalSize)
}

// Append implements slotlog.LogDevice. Writes wrap around the ring when
// they cross the physical end.
func (d *Device) Append(data []byte) (slotlog.SlotRange, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return slotlog.SlotRange{}, errors.New("logdevice: device closed")
	}

	n := len(data)
	cap := int(d.Config.LogicalSize)
	inUse := int(d.upper - d.lower)
	if inUse+n > cap {
		return slotlog.SlotRange{}, errors.Errorf("logdevice: append of %d bytes exceeds remaining capacity (%d of %d in use)", n, inUse, cap)
	}

	region := d.dataRegion()
	start := int(uint64(d.upper) % uint64(cap))
	if start+n <= cap {
		copy(region[start:], data)
	} else {
		first := cap - start
		copy(region[start:], data[:first])
		copy(region[:n-first], data[first:])
	}

	r := slotlog.SlotRange{Lower: d.upper, Upper: d.upper + slotlog.SlotOffset(n)}
	d.upper = r.Upper
	d.persistWatermarkLocked()
	return r, nil
}

// persistWatermarkLocked writes the current lower/upper/durableUpper
// bookkeeping into the watermark area so a later open can resume without
// re-deriving it. d.mu must be held.
func (d *Device) persistWatermarkLocked() {
	wm := d.region[PackedConfigSize : PackedConfigSize+watermarkSize]
	binary.LittleEndian.PutUint64(wm[0:8], uint64(d.lower))
	binary.LittleEndian.PutUint64(wm[8:16], uint64(d.upper))
	binary.LittleEndian.PutUint64(wm[16:24], uint64(d.durableUpper))
}

// persistWatermark acquires the lock and persists the watermark; used by
// the factory immediately after a fresh recovery scan.
func (d *Device) persistWatermark() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.persistWatermarkLocked()
}

// SlotRange implements slotlog.LogDevice.
func (d *Device) SlotRange(mode slotlog.SyncMode) slotlog.SlotRange {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mode == slotlog.Durable {
		return slotlog.SlotRange{Lower: d.lower, Upper: d.durableUpper}
	}
	return slotlog.SlotRange{Lower: d.lower, Upper: d.upper}
}

// Sync implements slotlog.LogDevice. This reference device writes directly
// into the mmap'd region, so Speculative visibility is immediate; Durable
// sync msyncs the mapping.
func (d *Device) Sync(mode slotlog.SyncMode, at slotlog.SlotUpperBoundAt) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if mode == slotlog.Speculative {
		if slotlog.SlotLessThan(d.upper, at.Offset) {
			return errors.Errorf("logdevice: requested speculative sync to %d exceeds current upper %d", at.Offset, d.upper)
		}
		return nil
	}

	if err := d.region.Flush(); err != nil {
		return errors.Wrap(err, "logdevice: flush")
	}
	d.durableUpper = d.upper
	d.persistWatermarkLocked()
	if slotlog.SlotLessThan(d.durableUpper, at.Offset) {
		return errors.Errorf("logdevice: durable sync to %d did not reach requested offset", at.Offset)
	}
	return nil
}

// Trim implements slotlog.LogDevice.
func (d *Device) Trim(slot slotlog.SlotOffset) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if slotlog.SlotLessThan(d.upper, slot) {
		return errors.Errorf("logdevice: trim(%d) exceeds current upper %d", slot, d.upper)
	}
	if slotlog.SlotLessThan(slot, d.lower) {
		return errors.Errorf("logdevice: trim(%d) is below current lower %d", slot, d.lower)
	}
	d.lower = slot
	d.persistWatermarkLocked()
	return nil
}

// Flush implements slotlog.LogDevice.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Wrap(d.region.Flush(), "logdevice: flush")
}

// Close implements slotlog.LogDevice.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.persistWatermarkLocked()
	if err := d.region.Flush(); err != nil {
		return errors.Wrap(err, "logdevice: flush on close")
	}
	if err := d.region.Unmap(); err != nil {
		return errors.Wrap(err, "logdevice: unmap")
	}
	return errors.Wrap(d.file.Close(), "logdevice: close")
}

// reader implements slotlog.Reader over a Device's mapped ring region.
type reader struct {
	dev *Device
	pos slotlog.SlotOffset
}

// NewReader implements slotlog.LogDevice.
func (d *Device) NewReader(lower *slotlog.SlotOffset, mode slotlog.SyncMode) (slotlog.Reader, error) {
	d.mu.Lock()
	start := d.lower
	d.mu.Unlock()
	if lower != nil {
		start = *lower
	}
	return &reader{dev: d, pos: start}, nil
}

func (r *reader) SlotRange() slotlog.SlotRange {
	return slotlog.SlotRange{Lower: r.pos, Upper: r.dev.SlotRange(slotlog.Speculative).Upper}
}

func (r *reader) Read(p []byte) (int, error) {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()

	avail := int(r.dev.upper - r.pos)
	if avail <= 0 {
		return 0, io.EOF
	}
	n := len(p)
	if n > avail {
		n = avail
	}
	cap := int(r.dev.Config.LogicalSize)
	region := r.dev.dataRegion()
	start := int(uint64(r.pos) % uint64(cap))
	if start+n <= cap {
		copy(p, region[start:start+n])
	} else {
		first := cap - start
		copy(p, region[start:])
		copy(p[first:], region[:n-first])
	}
	r.pos += slotlog.SlotOffset(n)
	return n, nil
}

// NewUUID is a small convenience re-export so callers constructing a
// PackedLogDeviceConfig don't need their own uuid import for this package's
// test helpers.
func NewUUID() [16]byte {
	var out [16]byte
	id := uuid.New()
	copy(out[:], id[:])
	return out
}
