// Package bytecursor provides bounds-checked little-endian access to an immutable byte buffer.
package bytecursor

import (
	"bytes"
	"encoding/binary"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
)

// Cursor reads sequentially from a window of a byte buffer.
// Offsets reported in errors are absolute within the original buffer.
type Cursor struct {
	buf  []byte
	base int64 // absolute offset of buf[0]
	pos  int
}

// New returns a cursor positioned at the start of buf.
func New(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// NewAt returns a cursor over buf whose reported offsets start at base.
func NewAt(buf []byte, base int64) *Cursor {
	return &Cursor{buf: buf, base: base}
}

// Pos returns the position relative to the start of the window.
func (c *Cursor) Pos() int { return c.pos }

// Offset returns the absolute offset of the current position.
func (c *Cursor) Offset() int64 { return c.base + int64(c.pos) }

// Len returns the length of the window.
func (c *Cursor) Len() int { return len(c.buf) }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// EOF reports whether every byte has been consumed.
func (c *Cursor) EOF() bool { return c.pos >= len(c.buf) }

// Bytes returns the whole window.
func (c *Cursor) Bytes() []byte { return c.buf }

func (c *Cursor) need(width int) error {
	if width < 0 || c.pos < 0 || c.pos+width > len(c.buf) {
		return mderrors.Truncated(c.Offset(), width, len(c.buf))
	}
	return nil
}

// Seek moves to an absolute position within the window.
func (c *Cursor) Seek(pos int) error {
	if pos < 0 || pos > len(c.buf) {
		return mderrors.Truncated(c.base+int64(pos), 0, len(c.buf))
	}
	c.pos = pos
	return nil
}

// Skip moves forward (or backward) by n bytes.
func (c *Cursor) Skip(n int) error {
	return c.Seek(c.pos + n)
}

// Align advances to the next multiple of n relative to the window start.
func (c *Cursor) Align(n int) error {
	if n <= 1 {
		return nil
	}
	return c.Seek((c.pos + n - 1) / n * n)
}

func (c *Cursor) U8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

func (c *Cursor) U16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *Cursor) U32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *Cursor) U64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

func (c *Cursor) I8() (int8, error) {
	v, err := c.U8()
	return int8(v), err
}

func (c *Cursor) I16() (int16, error) {
	v, err := c.U16()
	return int16(v), err
}

func (c *Cursor) I32() (int32, error) {
	v, err := c.U32()
	return int32(v), err
}

func (c *Cursor) I64() (int64, error) {
	v, err := c.U64()
	return int64(v), err
}

// UVar reads an unsigned value of the given width (2 or 4 bytes), as used by
// metadata index columns.
func (c *Cursor) UVar(width int) (uint32, error) {
	if width == 2 {
		v, err := c.U16()
		return uint32(v), err
	}
	return c.U32()
}

// CompressedU32 reads an ECMA-335 compressed unsigned integer (1, 2 or 4 bytes).
func (c *Cursor) CompressedU32() (uint32, error) {
	start := c.pos
	b0, err := c.U8()
	if err != nil {
		return 0, err
	}
	switch {
	case b0&0x80 == 0:
		return uint32(b0), nil
	case b0&0xC0 == 0x80:
		b1, err := c.U8()
		if err != nil {
			c.pos = start
			return 0, err
		}
		return uint32(b0&0x3F)<<8 | uint32(b1), nil
	case b0&0xE0 == 0xC0:
		if err := c.need(3); err != nil {
			c.pos = start
			return 0, err
		}
		b := c.buf[c.pos : c.pos+3]
		c.pos += 3
		return uint32(b0&0x1F)<<24 | uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
	default:
		c.pos = start
		return 0, mderrors.Corrupt(mderrors.SubBadSignature, "invalid compressed integer lead byte 0x%02x", b0).WithOffset(c.base + int64(start))
	}
}

// CompressedI32 reads an ECMA-335 compressed signed integer. The sign bit is
// rotated into the least significant position of the encoded value.
func (c *Cursor) CompressedI32() (int32, error) {
	start := c.pos
	u, err := c.CompressedU32()
	if err != nil {
		return 0, err
	}
	var bits uint
	switch c.pos - start {
	case 1:
		bits = 7
	case 2:
		bits = 14
	default:
		bits = 29
	}
	v := int32(u >> 1)
	if u&1 != 0 {
		v -= int32(1) << (bits - 1)
	}
	return v, nil
}

// Read returns the next n bytes without copying.
func (c *Cursor) Read(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// Peek returns the next n bytes without advancing.
func (c *Cursor) Peek(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	return c.buf[c.pos : c.pos+n], nil
}

// ZString reads a NUL-terminated string and consumes the terminator.
func (c *Cursor) ZString() (string, error) {
	i := bytes.IndexByte(c.buf[c.pos:], 0)
	if i < 0 {
		return "", mderrors.Truncated(c.Offset(), len(c.buf)-c.pos+1, len(c.buf))
	}
	s := string(c.buf[c.pos : c.pos+i])
	c.pos += i + 1
	return s, nil
}

// Sub returns a cursor over the next n bytes and advances past them.
func (c *Cursor) Sub(n int) (*Cursor, error) {
	start := c.Offset()
	b, err := c.Read(n)
	if err != nil {
		return nil, err
	}
	return NewAt(b, start), nil
}

// Window returns a cursor over buf[off:off+n] of this cursor's window
// without moving the current position.
func (c *Cursor) Window(off, n int) (*Cursor, error) {
	if off < 0 || n < 0 || off+n > len(c.buf) {
		return nil, mderrors.Truncated(c.base+int64(off), n, len(c.buf))
	}
	return NewAt(c.buf[off:off+n], c.base+int64(off)), nil
}
