package metadata

import (
	"bytes"
	stderrors "errors"

	"github.com/zelig-tools/mdimport/internal/bytecursor"
	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/peimage"
)

const (
	metadataSignature = 0x424A5342

	heapExtraData = 0x40
)

// Table holds the decoded rows of one metadata table. Coded-index cells are
// stored as tokens; simple and list indexes as row numbers.
type Table struct {
	ID      TableID
	Rows    uint32
	RowSize int
	Offset  int64 // absolute file offset of row 1

	cols  []Column
	cells []uint32
}

// Columns returns the schema the table was decoded with.
func (t *Table) Columns() []Column { return t.cols }

// Cell returns a decoded cell value. Row is 1-based.
func (t *Table) Cell(row uint32, col int) uint32 {
	r := t.row(row)
	if r == nil || col < 0 || col >= len(r) {
		return 0
	}
	return r[col]
}

func (t *Table) row(row uint32) []uint32 {
	if row == 0 || row > t.Rows {
		return nil
	}
	n := uint32(len(t.cols))
	return t.cells[(row-1)*n : row*n]
}

// Decode parses the metadata root of img and eagerly decodes every present
// table. Heap content is only range-checked; it is read when resolved.
func Decode(img *peimage.Image) (*Graph, error) {
	g, err := decode(img)
	if err != nil {
		var e *mderrors.Error
		if stderrors.As(err, &e) {
			e.WithAssembly(img.Name)
		}
		return nil, err
	}
	return g, nil
}

func decode(img *peimage.Image) (*Graph, error) {
	rva, size := img.MetadataRoot()
	c, err := img.CursorAt(rva)
	if err != nil {
		return nil, err
	}
	n := int(size)
	if n > c.Len() {
		n = c.Len()
	}
	root, err := c.Window(0, n)
	if err != nil {
		return nil, err
	}

	g := &Graph{Name: img.Name, Image: img}
	stream, err := g.readRoot(root, int64(size) > int64(c.Len()))
	if err != nil {
		return nil, err
	}
	if err := g.readTables(stream); err != nil {
		return nil, err
	}
	if err := g.readIdentity(); err != nil {
		return nil, err
	}
	return g, nil
}

type tableStream struct {
	data      []byte
	base      int64
	clamped   bool
	compacted bool
}

func (g *Graph) readRoot(root *bytecursor.Cursor, truncated bool) (*tableStream, error) {
	sig, err := root.U32()
	if err != nil {
		return nil, err
	}
	if sig != metadataSignature {
		return nil, mderrors.Corrupt(mderrors.SubBadHeader, "bad metadata root signature 0x%08x", sig).WithOffset(root.Offset() - 4)
	}
	if g.RootMajor, err = root.U16(); err != nil {
		return nil, err
	}
	if g.RootMinor, err = root.U16(); err != nil {
		return nil, err
	}
	if err := root.Skip(4); err != nil {
		return nil, err
	}
	vlen, err := root.U32()
	if err != nil {
		return nil, err
	}
	vb, err := root.Read(int(vlen))
	if err != nil {
		return nil, err
	}
	g.RuntimeVersion = string(bytes.TrimRight(vb, "\x00"))
	if err := root.Align(4); err != nil {
		return nil, err
	}
	if _, err := root.U16(); err != nil {
		return nil, err
	}
	count, err := root.U16()
	if err != nil {
		return nil, err
	}

	var ts *tableStream
	for i := 0; i < int(count); i++ {
		off, err := root.U32()
		if err != nil {
			return nil, err
		}
		sz, err := root.U32()
		if err != nil {
			return nil, err
		}
		name, err := root.ZString()
		if err != nil {
			return nil, err
		}
		if err := root.Align(4); err != nil {
			return nil, err
		}

		// A truncated buffer clamps streams instead of failing here, so the
		// failure is reported at the first row that cannot be read.
		start, end := int64(off), int64(off)+int64(sz)
		clamped := false
		if end > int64(root.Len()) {
			if !truncated {
				return nil, mderrors.Corrupt(mderrors.SubBadHeader, "stream %s extends past the metadata root", name)
			}
			clamped = true
			end = int64(root.Len())
			if start > end {
				start = end
			}
		}
		data := root.Bytes()[start:end]
		base := root.Offset() - int64(root.Pos()) + start

		switch name {
		case "#~", "#-":
			if ts != nil {
				return nil, mderrors.Corrupt(mderrors.SubUnsupportedStreams, "image carries more than one table stream")
			}
			ts = &tableStream{data: data, base: base, clamped: clamped, compacted: name == "#~"}
		case "#Strings":
			g.strings = heap{name: name, data: data, base: base}
		case "#US":
			g.userStrings = heap{name: name, data: data, base: base}
		case "#Blob":
			g.blobs = heap{name: name, data: data, base: base}
		case "#GUID":
			g.guids = heap{name: name, data: data, base: base}
		}
	}
	if ts == nil {
		return nil, mderrors.Corrupt(mderrors.SubUnsupportedStreams, "image has no #~ or #- table stream")
	}
	g.Compressed = ts.compacted
	return ts, nil
}

func (g *Graph) readTables(ts *tableStream) error {
	c := bytecursor.NewAt(ts.data, ts.base)
	if err := c.Skip(4); err != nil {
		return err
	}
	var err error
	if g.TableMajor, err = c.U8(); err != nil {
		return err
	}
	if g.TableMinor, err = c.U8(); err != nil {
		return err
	}
	if g.HeapSizes, err = c.U8(); err != nil {
		return err
	}
	if err := c.Skip(1); err != nil {
		return err
	}
	if g.Valid, err = c.U64(); err != nil {
		return err
	}
	if g.Sorted, err = c.U64(); err != nil {
		return err
	}

	var rows [TableCount]uint32
	for i := uint(0); i < 64; i++ {
		if g.Valid&(1<<i) == 0 {
			continue
		}
		if i >= TableCount {
			return mderrors.Corrupt(mderrors.SubUnsupportedStreams, "table stream declares unknown table 0x%02x", i).WithOffset(c.Offset())
		}
		if rows[i], err = c.U32(); err != nil {
			return err
		}
	}
	if !g.Compressed && g.HeapSizes&heapExtraData != 0 {
		if _, err := c.U32(); err != nil {
			return err
		}
	}

	w := NewWidths(g.HeapSizes, rows)
	for id := TableID(0); id < TableCount; id++ {
		if g.Valid&(1<<uint(id)) == 0 {
			continue
		}
		if err := g.readTable(c, &w, id, rows, ts.clamped); err != nil {
			return err
		}
	}
	return g.checkHeapIndexes()
}

// checkHeapIndexes runs after every row is read so that a short stream is
// reported before any heap inconsistency it causes.
func (g *Graph) checkHeapIndexes() error {
	for id := range g.tables {
		t := &g.tables[id]
		for r := uint32(1); r <= t.Rows; r++ {
			cells := t.row(r)
			for i, col := range t.cols {
				if e := g.checkHeapCell(col, cells[i]); e != nil {
					e.Message = "column " + col.Name + ": " + e.Message
					return e.WithRow(t.ID.String(), r)
				}
			}
		}
	}
	return nil
}

func (g *Graph) readTable(c *bytecursor.Cursor, w *Widths, id TableID, rows [TableCount]uint32, clamped bool) error {
	t := &g.tables[id]
	t.ID = id
	t.Rows = rows[id]
	t.cols = schemas[id]
	t.RowSize = w.RowSize(id)
	t.Offset = c.Offset()

	// The declared count must fit the stream before anything is reserved
	// for it. A clamped stream keeps failing at the first unreadable row.
	fit := uint32(0)
	if t.RowSize > 0 {
		fit = uint32(c.Remaining() / t.RowSize)
	}
	if t.Rows > fit {
		if !clamped {
			return mderrors.Corrupt(mderrors.SubRowCountMismatch,
				"table %s declares %d rows of %d bytes; stream holds %d bytes", id, t.Rows, t.RowSize, c.Remaining()).
				WithRow(id.String(), fit+1).WithOffset(c.Offset() + int64(fit)*int64(t.RowSize))
		}
	} else {
		fit = t.Rows
	}
	t.cells = make([]uint32, 0, int(fit)*len(t.cols))

	for r := uint32(1); r <= t.Rows; r++ {
		for _, col := range t.cols {
			v, err := readCell(c, w.Column(col))
			if err != nil {
				if clamped {
					return wrapRow(err, id, r)
				}
				return mderrors.Corrupt(mderrors.SubRowCountMismatch,
					"table %s declares %d rows of %d bytes; stream ends in row %d", id, t.Rows, t.RowSize, r).
					WithRow(id.String(), r).WithOffset(c.Offset()).WithCause(err)
			}
			switch col.Type {
			case ColCoded:
				tok, ok := col.Coded.Decode(v)
				if !ok || tok.Row() > rows[tok.Table()] {
					return mderrors.Corrupt(mderrors.SubBadToken, "column %s: invalid %s value 0x%x", col.Name, col.Coded, v).
						WithRow(id.String(), r).WithOffset(c.Offset() - int64(w.Column(col)))
				}
				v = uint32(tok)
			case ColIndex, ColList:
				ref := col.Ref
				if ptr, ok := pointerTables[ref]; ok && col.Type == ColList && rows[ptr] > 0 {
					ref = ptr
				}
				limit := rows[ref]
				if col.Type == ColList {
					limit++
				}
				if v > limit {
					return mderrors.Corrupt(mderrors.SubBadToken, "column %s: %s row %d beyond %d rows", col.Name, ref, v, rows[ref]).
						WithRow(id.String(), r).WithOffset(c.Offset() - int64(w.Column(col)))
				}
				if v == 0 && isPointerTable(id) {
					return mderrors.Corrupt(mderrors.SubBadToken, "column %s: null %s row", col.Name, ref).
						WithRow(id.String(), r).WithOffset(c.Offset() - int64(w.Column(col)))
				}
			}
			t.cells = append(t.cells, v)
		}
	}
	return nil
}

func readCell(c *bytecursor.Cursor, width int) (uint32, error) {
	switch width {
	case 1:
		v, err := c.U8()
		return uint32(v), err
	case 2:
		v, err := c.U16()
		return uint32(v), err
	default:
		return c.U32()
	}
}

func wrapRow(err error, id TableID, row uint32) error {
	var e *mderrors.Error
	if stderrors.As(err, &e) {
		e.WithRow(id.String(), row)
	}
	return err
}
