// Package ilbody extracts method bodies (IL code, locals token and exception
// clauses) from a managed image.
package ilbody

import (
	"fmt"

	"github.com/zelig-tools/mdimport/internal/bytecursor"
	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/peimage"
)

// Method header flags.
const (
	headerTiny       = 0x2
	headerFat        = 0x3
	headerFormatMask = 0x3
	flagMoreSects    = 0x08
	flagInitLocals   = 0x10

	sectEHTable   = 0x01
	sectFatFormat = 0x40
	sectMoreSects = 0x80

	tinyMaxStack = 8
)

// ClauseKind is the exception handler kind.
type ClauseKind uint32

const (
	ClauseException ClauseKind = 0x0000
	ClauseFilter    ClauseKind = 0x0001
	ClauseFinally   ClauseKind = 0x0002
	ClauseFault     ClauseKind = 0x0004
)

func (k ClauseKind) String() string {
	switch k {
	case ClauseException:
		return "catch"
	case ClauseFilter:
		return "filter"
	case ClauseFinally:
		return "finally"
	case ClauseFault:
		return "fault"
	}
	return fmt.Sprintf("clause(0x%x)", uint32(k))
}

// ExceptionClause is one protected region with its handler.
type ExceptionClause struct {
	Kind          ClauseKind
	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32
	// ClassToken is the caught type for ClauseException.
	ClassToken uint32
	// FilterOffset is the filter entry for ClauseFilter.
	FilterOffset uint32
}

// Body is one extracted method body.
type Body struct {
	Token      uint32 // owning MethodDef token, set by the caller
	RVA        uint32
	Offset     int64
	Fat        bool
	Flags      uint16
	HeaderSize int
	MaxStack   uint16
	InitLocals bool
	// LocalVarSigToken is a StandAloneSig token, or 0.
	LocalVarSigToken uint32
	Code             []byte
	Clauses          []ExceptionClause

	// Unavailable marks a body that could not be extracted; Err holds the cause.
	Unavailable bool
	Err         error
}

// Unavailable returns a placeholder body recording why extraction failed.
func Unavailable(token, rva uint32, err error) *Body {
	return &Body{Token: token, RVA: rva, Unavailable: true, Err: err}
}

// Extract reads the method body at rva. The code must lie inside the section
// that contains the header.
func Extract(img *peimage.Image, rva uint32) (*Body, error) {
	c, err := img.CursorAt(rva)
	if err != nil {
		return nil, err
	}
	b := &Body{RVA: rva, Offset: c.Offset()}

	first, err := c.U8()
	if err != nil {
		return nil, err
	}
	switch first & headerFormatMask {
	case headerTiny:
		b.HeaderSize = 1
		b.MaxStack = tinyMaxStack
		b.Flags = uint16(first & headerFormatMask)
		if b.Code, err = readCode(c, uint32(first>>2), rva); err != nil {
			return nil, err
		}
		return b, nil
	case headerFat:
	default:
		return nil, mderrors.Corrupt(mderrors.SubBadHeader, "method header at RVA 0x%x has format 0x%x", rva, first&headerFormatMask).
			WithOffset(b.Offset)
	}

	if err := c.Seek(0); err != nil {
		return nil, err
	}
	fs, err := c.U16()
	if err != nil {
		return nil, err
	}
	b.Fat = true
	b.Flags = fs & 0x0FFF
	b.HeaderSize = int(fs>>12) * 4
	b.InitLocals = b.Flags&flagInitLocals != 0
	if b.HeaderSize < 12 {
		return nil, mderrors.Corrupt(mderrors.SubBadHeader, "fat method header at RVA 0x%x declares size %d", rva, b.HeaderSize).
			WithOffset(b.Offset)
	}
	if b.MaxStack, err = c.U16(); err != nil {
		return nil, err
	}
	size, err := c.U32()
	if err != nil {
		return nil, err
	}
	if b.LocalVarSigToken, err = c.U32(); err != nil {
		return nil, err
	}
	if b.LocalVarSigToken != 0 && b.LocalVarSigToken>>24 != 0x11 {
		return nil, mderrors.Corrupt(mderrors.SubBadToken, "locals token 0x%08x is not a StandAloneSig", b.LocalVarSigToken).
			WithOffset(c.Offset() - 4)
	}
	if err := c.Seek(b.HeaderSize); err != nil {
		return nil, err
	}
	if b.Code, err = readCode(c, size, rva); err != nil {
		return nil, err
	}
	if b.Flags&flagMoreSects != 0 {
		if err := b.readSections(c); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func readCode(c *bytecursor.Cursor, size, rva uint32) ([]byte, error) {
	if int64(size) > int64(c.Remaining()) {
		return nil, mderrors.Corrupt(mderrors.SubBodyOutOfBounds,
			"method at RVA 0x%x declares %d code bytes but only %d remain in its section", rva, size, c.Remaining()).
			WithOffset(c.Offset())
	}
	return c.Read(int(size))
}

func (b *Body) readSections(c *bytecursor.Cursor) error {
	for {
		if err := c.Align(4); err != nil {
			return err
		}
		kind, err := c.U8()
		if err != nil {
			return err
		}
		fat := kind&sectFatFormat != 0
		var size uint32
		if fat {
			hdr, err := c.Read(3)
			if err != nil {
				return err
			}
			size = uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16
		} else {
			s, err := c.U8()
			if err != nil {
				return err
			}
			size = uint32(s)
			if err := c.Skip(2); err != nil {
				return err
			}
		}
		if size < 4 {
			return mderrors.Corrupt(mderrors.SubBadHeader, "method data section of %d bytes", size).WithOffset(c.Offset() - 4)
		}
		data, err := c.Sub(int(size) - 4)
		if err != nil {
			return err
		}
		if kind&sectEHTable != 0 {
			if err := b.readClauses(data, fat); err != nil {
				return err
			}
		}
		if kind&sectMoreSects == 0 {
			return nil
		}
	}
}

var (
	smallClauseLayout = [5]int{2, 2, 1, 2, 1}
	fatClauseLayout   = [5]int{4, 4, 4, 4, 4}
)

func (b *Body) readClauses(c *bytecursor.Cursor, fat bool) error {
	layout, width := smallClauseLayout, 12
	if fat {
		layout, width = fatClauseLayout, 24
	}
	n := c.Len() / width
	for i := 0; i < n; i++ {
		var v [5]uint32
		for j, w := range layout {
			x, err := readWidth(c, w)
			if err != nil {
				return err
			}
			v[j] = x
		}
		extra, err := c.U32()
		if err != nil {
			return err
		}
		cl := ExceptionClause{
			Kind:          ClauseKind(v[0]),
			TryOffset:     v[1],
			TryLength:     v[2],
			HandlerOffset: v[3],
			HandlerLength: v[4],
		}
		if cl.Kind == ClauseFilter {
			cl.FilterOffset = extra
		} else {
			cl.ClassToken = extra
		}
		if err := b.checkClause(cl); err != nil {
			return err
		}
		b.Clauses = append(b.Clauses, cl)
	}
	return nil
}

func readWidth(c *bytecursor.Cursor, w int) (uint32, error) {
	switch w {
	case 1:
		v, err := c.U8()
		return uint32(v), err
	case 2:
		v, err := c.U16()
		return uint32(v), err
	}
	return c.U32()
}

func (b *Body) checkClause(cl ExceptionClause) error {
	n := uint64(len(b.Code))
	if uint64(cl.TryOffset)+uint64(cl.TryLength) > n || uint64(cl.HandlerOffset)+uint64(cl.HandlerLength) > n {
		return mderrors.Corrupt(mderrors.SubBodyOutOfBounds,
			"%s clause [0x%x+%d, 0x%x+%d] exceeds %d code bytes",
			cl.Kind, cl.TryOffset, cl.TryLength, cl.HandlerOffset, cl.HandlerLength, n).WithOffset(b.Offset)
	}
	return nil
}
