// Package logdevice is the reference, file-backed, mmap'd implementation of
// slotlog.LogDevice and slotlog.LogDeviceFactory (spec.md §6). spec.md
// scopes the physical LogDevice out of the core's specification — it only
// pins the interface — but the core can't be run or tested without one, so
// this module ships exactly one: grounded on usecases/mmap's mmap
// lifecycle and lsmkv/contentReader's mapped-region read path.
package logdevice

import (
	"github.com/pkg/errors"

	"github.com/rbeerala/llfs/internal/wire"
)

// ConfigTag identifies a PackedLogDeviceConfig slot among other on-disk
// config entries (spec.md §6).
const ConfigTag uint32 = 1

// PackedConfigSize is the fixed on-disk size of a PackedLogDeviceConfig, in
// bytes (spec.md §6: "fixed 64-byte slot").
const PackedConfigSize = 64

// PackedLogDeviceConfig is the on-disk config header for a log device
// (spec.md §6), little-endian, fixed 64-byte layout.
type PackedLogDeviceConfig struct {
	Tag               uint32
	PagesPerBlockLog2 uint16
	Block0Offset      int64
	PhysicalSize      uint64
	LogicalSize       uint64
	UUID              [16]byte
}

// BlockSize returns 4 KiB * 2^PagesPerBlockLog2.
func (c PackedLogDeviceConfig) BlockSize() uint64 {
	return 4096 << c.PagesPerBlockLog2
}

// MarshalTo writes the fixed 64-byte layout: tag(4) + reserved(2) +
// pages_per_block_log2(2) + block_0_offset(8) + physical_size(8) +
// logical_size(8) + uuid(16) + reserved(16).
func (c PackedLogDeviceConfig) MarshalTo(buf []byte) error {
	if len(buf) != PackedConfigSize {
		return errors.Errorf("logdevice: config buffer must be %d bytes, got %d", PackedConfigSize, len(buf))
	}
	b := wire.NewBuilder(buf)
	b.PutUint32(c.Tag)
	b.PutUint16(0) // reserved
	b.PutUint16(c.PagesPerBlockLog2)
	b.PutUint64(uint64(c.Block0Offset))
	b.PutUint64(c.PhysicalSize)
	b.PutUint64(c.LogicalSize)
	b.PutBytes(c.UUID[:])
	b.PutBytes(make([]byte, 16)) // reserved
	return nil
}

// UnmarshalConfig decodes a 64-byte PackedLogDeviceConfig.
func UnmarshalConfig(buf []byte) (PackedLogDeviceConfig, error) {
	var c PackedLogDeviceConfig
	if len(buf) != PackedConfigSize {
		return c, errors.Errorf("logdevice: config buffer must be %d bytes, got %d", PackedConfigSize, len(buf))
	}
	cur := wire.NewCursor(buf)
	tag, _ := cur.Uint32()
	_, _ = cur.Uint16() // reserved
	ppb, _ := cur.Uint16()
	b0, err := cur.Uint64()
	if err != nil {
		return c, errors.Wrap(err, "logdevice: decode config")
	}
	phys, _ := cur.Uint64()
	logical, _ := cur.Uint64()
	uuidBytes, err := cur.Bytes(16)
	if err != nil {
		return c, errors.Wrap(err, "logdevice: decode config uuid")
	}
	c.Tag = tag
	c.PagesPerBlockLog2 = ppb
	c.Block0Offset = int64(b0)
	c.PhysicalSize = phys
	c.LogicalSize = logical
	copy(c.UUID[:], uuidBytes)
	if c.Tag != ConfigTag {
		return c, errors.Errorf("logdevice: unexpected config tag %d, want %d", c.Tag, ConfigTag)
	}
	return c, nil
}
