package slotlog

import "io"

// Reader reads a contiguous span of a LogDevice starting at some lower
// bound, yielding raw bytes in slot order.
type Reader interface {
	io.Reader
	// SlotRange reports the span this reader is currently positioned
	// within; Upper advances as the underlying device grows and Sync is
	// observed.
	SlotRange() SlotRange
}

// LogDevice is the physical, appendable, trimmable, durable ring-buffered
// byte log SlotWriter is a facade over (spec.md §1, §6). It is external to
// this module's core and is consumed only through this interface; see
// internal/logdevice for the reference implementation used by tests and
// cmd/llfsinspect.
//
// Append and Trim are not enumerated in spec.md §6's External Interfaces
// list, which names only NewReader/SlotRange/Capacity/Sync/Flush/Close —
// but §1 describes the device itself as "appendable, trimmable", and
// SlotWriter cannot carve slots or release space without them. DESIGN.md
// records this as a deliberate filled-in gap rather than an invented
// feature.
type LogDevice interface {
	// NewReader opens a Reader over [lower, current upper) at the given
	// sync mode. A nil lower starts at the device's current lower bound.
	NewReader(lower *SlotOffset, mode SyncMode) (Reader, error)

	// SlotRange reports the device's current [lower, upper) span at the
	// given sync mode.
	SlotRange(mode SyncMode) SlotRange

	// Capacity reports the total byte capacity of the ring buffer.
	Capacity() int

	// Append writes data sequentially to the log and returns its assigned
	// SlotRange. Appends are strictly ordered: the returned range's Lower
	// equals the previous call's Upper.
	Append(data []byte) (SlotRange, error)

	// Sync blocks until every slot with upper_bound <= at.Offset is
	// reflected at the given mode.
	Sync(mode SyncMode, at SlotUpperBoundAt) error

	// Trim advances the device's lower bound to slot, releasing the
	// corresponding byte span back to the pool reserve() draws from.
	Trim(slot SlotOffset) error

	// Flush forces any buffered writes out without necessarily fsyncing.
	Flush() error

	// Close releases the device's resources.
	Close() error
}

// ScanFunc is invoked with a Reader positioned at the device's start during
// LogDeviceFactory.OpenLogDevice, and returns the slot offset up to which
// recovery consumed data.
type ScanFunc func(Reader) (SlotOffset, error)

// LogDeviceFactory opens a LogDevice, replaying its contents through scan
// before returning control to the caller.
type LogDeviceFactory interface {
	OpenLogDevice(scan ScanFunc) (LogDevice, error)
}
