// Package wire provides little-endian, length-prefixed binary encode/decode
// helpers for WAL slot payloads, generalized from the teacher's
// commitlogger.go (binary.Write over a bufio.Writer, length-prefixed
// key/value framing).
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Cursor is a simple read cursor over an in-memory slot payload. Records
// are small (a handful of fixed fields plus optional byte strings), so a
// byte-slice cursor is simpler and just as correct as a streaming reader.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor wraps buf for sequential little-endian reads.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

func (c *Cursor) need(n int) error {
	if c.pos+n > len(c.buf) {
		return errors.Errorf("wire: short buffer: need %d bytes at offset %d, have %d total", n, c.pos, len(c.buf))
	}
	return nil
}

// Uint16 reads a little-endian uint16.
func (c *Cursor) Uint16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

// Uint32 reads a little-endian uint32.
func (c *Cursor) Uint32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

// Uint64 reads a little-endian uint64.
func (c *Cursor) Uint64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

// Bytes reads n raw bytes.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	v := c.buf[c.pos : c.pos+n]
	c.pos += n
	return v, nil
}

// LenPrefixedBytes reads a uint32-length-prefixed byte string, matching
// commitlogger.go's key/value framing.
func (c *Cursor) LenPrefixedBytes() ([]byte, error) {
	n, err := c.Uint32()
	if err != nil {
		return nil, err
	}
	return c.Bytes(int(n))
}

// Remaining reports how many bytes are left unread.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}

// Builder accumulates little-endian fields into a pre-sized buffer. Callers
// size the buffer to PackedSize() up front so MarshalTo never reallocates
// mid-record.
type Builder struct {
	buf []byte
	pos int
}

// NewBuilder wraps buf, which must already be sized to the record's packed
// size.
func NewBuilder(buf []byte) *Builder {
	return &Builder{buf: buf}
}

// PutUint16 appends a little-endian uint16.
func (b *Builder) PutUint16(v uint16) {
	binary.LittleEndian.PutUint16(b.buf[b.pos:], v)
	b.pos += 2
}

// PutUint32 appends a little-endian uint32.
func (b *Builder) PutUint32(v uint32) {
	binary.LittleEndian.PutUint32(b.buf[b.pos:], v)
	b.pos += 4
}

// PutUint64 appends a little-endian uint64.
func (b *Builder) PutUint64(v uint64) {
	binary.LittleEndian.PutUint64(b.buf[b.pos:], v)
	b.pos += 8
}

// PutBytes copies raw bytes into place.
func (b *Builder) PutBytes(v []byte) {
	copy(b.buf[b.pos:], v)
	b.pos += len(v)
}

// PutLenPrefixedBytes writes a uint32 length prefix followed by the bytes.
func (b *Builder) PutLenPrefixedBytes(v []byte) {
	b.PutUint32(uint32(len(v)))
	b.PutBytes(v)
}
