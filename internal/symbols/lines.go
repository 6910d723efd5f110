package symbols

import (
	"github.com/zelig-tools/mdimport/internal/bytecursor"
	mderrors "github.com/zelig-tools/mdimport/internal/errors"
)

const (
	debugSLines        = 0xF2
	debugSFileChecksum = 0xF4

	linesHaveColumns = 0x0001

	// HiddenLine marks sequence points the debugger should step over.
	HiddenLine = 0xFEEFEE
)

// Source is a document referenced by line information.
type Source struct {
	Name         string
	ChecksumKind uint8
	Checksum     []byte
}

// Line maps an IL offset to a source range. Start and End are line
// numbers; columns are zero when the producer omitted them.
type Line struct {
	Offset      uint32
	Start       uint32
	End         uint32
	StartColumn uint16
	EndColumn   uint16
	Statement   bool
}

// Hidden reports whether the entry carries the hidden-line sentinel.
func (l Line) Hidden() bool { return l.Start == HiddenLine }

// LineBlock is the run of lines a function has in one source file.
type LineBlock struct {
	Source *Source
	Lines  []Line
}

type subsection struct {
	kind uint32
	body *bytecursor.Cursor
}

func subsections(c *bytecursor.Cursor) ([]subsection, error) {
	var out []subsection
	for !c.EOF() {
		kind, err := c.U32()
		if err != nil {
			return nil, err
		}
		n, err := c.U32()
		if err != nil {
			return nil, err
		}
		body, err := c.Sub(int(n))
		if err != nil {
			return nil, err
		}
		out = append(out, subsection{kind: kind, body: body})
		if c.Remaining() < 4 {
			break
		}
		if err := c.Align(4); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// readLines decodes the C13 region of a module stream and attaches line
// blocks to funcs, which must be sorted by address. New sources are
// appended to sources and returned.
func readLines(c *bytecursor.Cursor, funcs []*Function, nm *names, sources []*Source) ([]*Source, error) {
	subs, err := subsections(c)
	if err != nil {
		return nil, err
	}
	checks := map[uint32]*Source{}
	for _, s := range subs {
		if s.kind != debugSFileChecksum {
			continue
		}
		b := s.body
		for !b.EOF() {
			key := uint32(b.Pos())
			nameOff, err := b.U32()
			if err != nil {
				return nil, err
			}
			n, err := b.U8()
			if err != nil {
				return nil, err
			}
			kind, err := b.U8()
			if err != nil {
				return nil, err
			}
			sum, err := b.Read(int(n))
			if err != nil {
				return nil, err
			}
			name, err := nm.lookup(nameOff)
			if err != nil {
				return nil, err
			}
			src := &Source{Name: name, ChecksumKind: kind, Checksum: append([]byte(nil), sum...)}
			checks[key] = src
			sources = append(sources, src)
			if b.Remaining() < 4 {
				break
			}
			if err := b.Align(4); err != nil {
				return nil, err
			}
		}
	}

	for _, s := range subs {
		if s.kind != debugSLines {
			continue
		}
		b := s.body
		off, err := b.U32()
		if err != nil {
			return nil, err
		}
		seg, err := b.U16()
		if err != nil {
			return nil, err
		}
		flags, err := b.U16()
		if err != nil {
			return nil, err
		}
		if _, err := b.U32(); err != nil { // code size
			return nil, err
		}
		fn := findExact(funcs, seg, off)
		var blocks []LineBlock
		for !b.EOF() {
			block, err := readLineBlock(b, flags, checks)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)
		}
		if fn != nil {
			fn.Lines = append(fn.Lines, blocks...)
		}
	}
	return sources, nil
}

func readLineBlock(b *bytecursor.Cursor, flags uint16, checks map[uint32]*Source) (LineBlock, error) {
	var block LineBlock
	file, err := b.U32()
	if err != nil {
		return block, err
	}
	count, err := b.U32()
	if err != nil {
		return block, err
	}
	if _, err := b.U32(); err != nil { // block size
		return block, err
	}
	src, ok := checks[file]
	if !ok {
		return block, mderrors.Corrupt(mderrors.SubBadHeader, "line block names unknown file checksum 0x%x", file).WithOffset(b.Offset() - 12)
	}
	block.Source = src

	entry := 8
	if flags&linesHaveColumns != 0 {
		entry += 4
	}
	if int64(count)*int64(entry) > int64(b.Remaining()) {
		return block, mderrors.Truncated(b.Offset(), int(count)*entry, b.Len())
	}
	lines, err := b.Sub(int(count) * 8)
	if err != nil {
		return block, err
	}
	block.Lines = make([]Line, count)
	for i := range block.Lines {
		off, err := lines.U32()
		if err != nil {
			return block, err
		}
		bits, err := lines.U32()
		if err != nil {
			return block, err
		}
		start := bits & 0x00FFFFFF
		block.Lines[i] = Line{
			Offset:    off,
			Start:     start,
			End:       start + (bits&0x7F000000)>>24,
			Statement: bits&0x80000000 != 0,
		}
	}
	if flags&linesHaveColumns != 0 {
		for i := range block.Lines {
			if block.Lines[i].StartColumn, err = b.U16(); err != nil {
				return block, err
			}
			if block.Lines[i].EndColumn, err = b.U16(); err != nil {
				return block, err
			}
		}
	}
	return block, nil
}
