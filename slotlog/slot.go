// Package slotlog implements the SlotWriter facade (spec C1): reservation,
// append, sync, and trim atop a LogDevice, addressed by monotone slot
// offsets.
package slotlog

import "fmt"

// SlotOffset is a 64-bit logical position in an append-only log. Offsets
// wrap around; comparisons must use slot-order, not plain integer order.
type SlotOffset uint64

// SlotRange is a half-open [Lower, Upper) span of slot offsets.
type SlotRange struct {
	Lower SlotOffset
	Upper SlotOffset
}

// Size returns the number of bytes spanned by the range, tolerant of
// wraparound.
func (r SlotRange) Size() uint64 {
	return uint64(r.Upper - r.Lower)
}

func (r SlotRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Lower, r.Upper)
}

// Contains reports whether offset o falls within [Lower, Upper) in
// slot-order.
func (r SlotRange) Contains(o SlotOffset) bool {
	return !slotLessThan(o, r.Lower) && slotLessThan(o, r.Upper)
}

// slotLessThan implements the sliding-window, wraparound-tolerant
// comparison spec.md §3 requires: treat the 64-bit offset space as a
// circular window and compare signed differences rather than raw
// magnitudes, so an offset that has wrapped past the top of uint64 still
// compares correctly against one that hasn't.
func slotLessThan(a, b SlotOffset) bool {
	return int64(a-b) < 0
}

// SlotLessThan is the exported form of the slot-order predicate spec.md §3
// names explicitly.
func SlotLessThan(a, b SlotOffset) bool {
	return slotLessThan(a, b)
}

// SlotMin returns the slot-order minimum of a and b.
func SlotMin(a, b SlotOffset) SlotOffset {
	if slotLessThan(a, b) {
		return a
	}
	return b
}

// SlotMax returns the slot-order maximum of a and b.
func SlotMax(a, b SlotOffset) SlotOffset {
	if slotLessThan(a, b) {
		return b
	}
	return a
}

// SyncMode distinguishes speculative (visible to readers) from durable
// (fsynced) flush targets.
type SyncMode int

const (
	// Speculative means the data is visible to readers of the device but
	// not yet guaranteed durable.
	Speculative SyncMode = iota
	// Durable means the data has been fsynced.
	Durable
)

func (m SyncMode) String() string {
	switch m {
	case Speculative:
		return "speculative"
	case Durable:
		return "durable"
	default:
		return "unknown"
	}
}

// SlotUpperBoundAt names the sync/wait target: block until every slot
// with upper_bound <= Offset is reflected at the requested SyncMode.
type SlotUpperBoundAt struct {
	Offset SlotOffset
}
