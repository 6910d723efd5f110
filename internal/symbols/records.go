package symbols

import (
	"github.com/zelig-tools/mdimport/internal/bytecursor"
	mderrors "github.com/zelig-tools/mdimport/internal/errors"
)

// CodeView record kinds understood by the module stream reader.
const (
	symEnd        = 0x0006
	symOEM        = 0x0404
	symBlock32    = 0x1103
	symManSlot    = 0x1120
	symUNamespace = 0x1124
	symGManProc   = 0x112A
	symLManProc   = 0x112B

	moduleSignatureC13 = 4

	maxScopeDepth = 256
)

// Slot is a managed local variable bound to an IL local slot.
type Slot struct {
	Index     uint32
	TypeIndex uint32
	Address   uint32
	Segment   uint16
	Flags     uint16
	Name      string
}

// OEM is a vendor-specific blob attached to a function, such as the
// compiler's custom debug information.
type OEM struct {
	ID        [16]byte
	TypeIndex uint32
	Data      []byte
}

// Scope is a lexical block inside a function.
type Scope struct {
	Segment    uint16
	Address    uint32
	Length     uint32
	Name       string
	Scopes     []*Scope
	Slots      []Slot
	Namespaces []string
	OEM        []OEM
}

type record struct {
	kind uint16
	off  int64
	body *bytecursor.Cursor
}

func nextRecord(c *bytecursor.Cursor) (record, error) {
	off := c.Offset()
	n, err := c.U16()
	if err != nil {
		return record{}, err
	}
	if n < 2 {
		return record{}, mderrors.Corrupt(mderrors.SubBadHeader, "symbol record of %d bytes", n).WithOffset(off)
	}
	body, err := c.Sub(int(n))
	if err != nil {
		return record{}, err
	}
	kind, err := body.U16()
	if err != nil {
		return record{}, err
	}
	return record{kind: kind, off: off, body: body}, nil
}

// readSymbols walks the symbol region of a module stream and returns its
// managed procedures. Records outside a procedure that are not procedures
// themselves are skipped.
func readSymbols(c *bytecursor.Cursor, module string) ([]*Function, error) {
	var funcs []*Function
	for !c.EOF() {
		rec, err := nextRecord(c)
		if err != nil {
			return nil, err
		}
		if rec.kind != symGManProc && rec.kind != symLManProc {
			continue
		}
		fn, err := readManProc(rec.body)
		if err != nil {
			return nil, err
		}
		fn.Module = module
		fn.Global = rec.kind == symGManProc
		if err := readChildren(c, &fn.Scope, 0); err != nil {
			return nil, err
		}
		funcs = append(funcs, fn)
	}
	return funcs, nil
}

func readManProc(c *bytecursor.Cursor) (*Function, error) {
	fn := &Function{}
	if err := c.Skip(12); err != nil { // parent, end, next
		return nil, err
	}
	var err error
	if fn.Length, err = c.U32(); err != nil {
		return nil, err
	}
	if fn.DebugStart, err = c.U32(); err != nil {
		return nil, err
	}
	if fn.DebugEnd, err = c.U32(); err != nil {
		return nil, err
	}
	if fn.Token, err = c.U32(); err != nil {
		return nil, err
	}
	if fn.Address, err = c.U32(); err != nil {
		return nil, err
	}
	if fn.Segment, err = c.U16(); err != nil {
		return nil, err
	}
	if fn.Flags, err = c.U8(); err != nil {
		return nil, err
	}
	if err := c.Skip(2); err != nil { // return register
		return nil, err
	}
	if fn.Name, err = c.ZString(); err != nil {
		return nil, err
	}
	fn.Scope.Segment = fn.Segment
	fn.Scope.Address = fn.Address
	fn.Scope.Length = fn.Length
	fn.Scope.Name = fn.Name
	return fn, nil
}

// readChildren consumes records up to and including the S_END closing s.
func readChildren(c *bytecursor.Cursor, s *Scope, depth int) error {
	if depth > maxScopeDepth {
		return mderrors.Corrupt(mderrors.SubBadHeader, "scopes nested deeper than %d", maxScopeDepth).WithOffset(c.Offset())
	}
	for {
		if c.EOF() {
			return mderrors.Corrupt(mderrors.SubBadHeader, "scope %q has no S_END", s.Name).WithOffset(c.Offset())
		}
		rec, err := nextRecord(c)
		if err != nil {
			return err
		}
		switch rec.kind {
		case symEnd:
			return nil
		case symBlock32:
			child, err := readBlock(rec.body)
			if err != nil {
				return err
			}
			if err := readChildren(c, child, depth+1); err != nil {
				return err
			}
			s.Scopes = append(s.Scopes, child)
		case symManSlot:
			slot, err := readSlot(rec.body)
			if err != nil {
				return err
			}
			s.Slots = append(s.Slots, slot)
		case symUNamespace:
			ns, err := rec.body.ZString()
			if err != nil {
				return err
			}
			s.Namespaces = append(s.Namespaces, ns)
		case symOEM:
			oem, err := readOEM(rec.body)
			if err != nil {
				return err
			}
			s.OEM = append(s.OEM, oem)
		}
	}
}

func readBlock(c *bytecursor.Cursor) (*Scope, error) {
	s := &Scope{}
	if err := c.Skip(8); err != nil { // parent, end
		return nil, err
	}
	var err error
	if s.Length, err = c.U32(); err != nil {
		return nil, err
	}
	if s.Address, err = c.U32(); err != nil {
		return nil, err
	}
	if s.Segment, err = c.U16(); err != nil {
		return nil, err
	}
	if s.Name, err = c.ZString(); err != nil {
		return nil, err
	}
	return s, nil
}

func readSlot(c *bytecursor.Cursor) (Slot, error) {
	var s Slot
	var err error
	if s.Index, err = c.U32(); err != nil {
		return s, err
	}
	if s.TypeIndex, err = c.U32(); err != nil {
		return s, err
	}
	if s.Address, err = c.U32(); err != nil {
		return s, err
	}
	if s.Segment, err = c.U16(); err != nil {
		return s, err
	}
	if s.Flags, err = c.U16(); err != nil {
		return s, err
	}
	s.Name, err = c.ZString()
	return s, err
}

func readOEM(c *bytecursor.Cursor) (OEM, error) {
	var o OEM
	id, err := c.Read(16)
	if err != nil {
		return o, err
	}
	copy(o.ID[:], id)
	if o.TypeIndex, err = c.U32(); err != nil {
		return o, err
	}
	rest, err := c.Read(c.Remaining())
	if err != nil {
		return o, err
	}
	o.Data = append([]byte(nil), rest...)
	return o, nil
}
