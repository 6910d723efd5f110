// Package testimage synthesizes small managed PE images for tests.
package testimage

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/version"
)

const (
	fileAlignment = 0x200
	sectionRVA    = 0x2000
	cliHeaderSize = 72
	dosHeaderSize = 0x80
)

// Options controls the container around the metadata.
type Options struct {
	PE32Plus bool
	DLL      bool
	// OmitCLIHeader leaves data directory 14 empty.
	OmitCLIHeader bool
	// WideHeaps forces 4-byte string, GUID and blob indexes.
	WideHeaps bool
	// Uncompressed emits a #- table stream instead of #~.
	Uncompressed bool
}

// Builder accumulates heaps, rows and method bodies.
type Builder struct {
	Name       string
	Opts       Options
	EntryPoint metadata.Token

	strings     []byte
	stringIdx   map[string]uint32
	blobs       []byte
	guids       []byte
	userStrings []byte
	rows        [metadata.TableCount][][]uint32
	code        []byte
	bodies      map[metadata.Token]uint32 // offset into code
}

// Layout reports where Build placed things.
type Layout struct {
	MetadataOffset int64
	TableStream    int64 // file offset of the table stream header
	TableOffsets   map[metadata.TableID]int64
	RowSizes       map[metadata.TableID]int
	BodyRVAs       map[metadata.Token]uint32
}

// New returns a builder whose heaps already contain the mandatory empty entries.
func New(name string) *Builder {
	return &Builder{
		Name:        name,
		strings:     []byte{0},
		stringIdx:   map[string]uint32{"": 0},
		blobs:       []byte{0},
		userStrings: []byte{0},
	}
}

// String interns s in #Strings.
func (b *Builder) String(s string) uint32 {
	if i, ok := b.stringIdx[s]; ok {
		return i
	}
	i := uint32(len(b.strings))
	b.strings = append(append(b.strings, s...), 0)
	b.stringIdx[s] = i
	return i
}

// Blob appends a length-prefixed blob.
func (b *Builder) Blob(data []byte) uint32 {
	if len(data) == 0 {
		return 0
	}
	i := uint32(len(b.blobs))
	b.blobs = append(append(b.blobs, Compress(uint32(len(data)))...), data...)
	return i
}

// GUID appends a GUID and returns its 1-based index.
func (b *Builder) GUID(g [16]byte) uint32 {
	b.guids = append(b.guids, g[:]...)
	return uint32(len(b.guids) / 16)
}

// UserString appends a #US entry and returns its offset.
func (b *Builder) UserString(s string) uint32 {
	units := utf16.Encode([]rune(s))
	data := make([]byte, 0, len(units)*2+1)
	for _, u := range units {
		data = append(data, byte(u), byte(u>>8))
	}
	data = append(data, 0)
	i := uint32(len(b.userStrings))
	b.userStrings = append(append(b.userStrings, Compress(uint32(len(data)))...), data...)
	return i
}

// Row appends a raw row. Coded-index cells are given as tokens.
func (b *Builder) Row(t metadata.TableID, cells ...uint32) metadata.Token {
	if len(cells) != len(metadata.Schema(t)) {
		panic("testimage: wrong cell count for " + t.String())
	}
	b.rows[t] = append(b.rows[t], cells)
	return metadata.MakeToken(t, uint32(len(b.rows[t])))
}

// Rows returns the number of rows added to t so far.
func (b *Builder) Rows(t metadata.TableID) uint32 { return uint32(len(b.rows[t])) }

// SetCell overwrites one cell of an existing row.
func (b *Builder) SetCell(tok metadata.Token, col int, v uint32) {
	b.rows[tok.Table()][tok.Row()-1][col] = v
}

// Module adds the Module row.
func (b *Builder) Module(name string) metadata.Token {
	var mvid [16]byte
	copy(mvid[:], name)
	return b.Row(metadata.TableModule, 0, b.String(name), b.GUID(mvid), 0, 0)
}

// Assembly adds the Assembly row.
func (b *Builder) Assembly(name string, v version.Version, publicKey []byte) metadata.Token {
	flags := uint32(0)
	if len(publicKey) > 0 {
		flags = metadata.AssemblyFlagPublicKey
	}
	return b.Row(metadata.TableAssembly, 0x8004, uint32(v.Major), uint32(v.Minor), uint32(v.Build), uint32(v.Revision),
		flags, b.Blob(publicKey), b.String(name), 0)
}

// AssemblyRef adds an assembly reference.
func (b *Builder) AssemblyRef(name string, v version.Version) metadata.Token {
	return b.Row(metadata.TableAssemblyRef, uint32(v.Major), uint32(v.Minor), uint32(v.Build), uint32(v.Revision),
		0, 0, b.String(name), 0, 0)
}

// TypeRef adds a type reference.
func (b *Builder) TypeRef(scope metadata.Token, namespace, name string) metadata.Token {
	return b.Row(metadata.TableTypeRef, uint32(scope), b.String(name), b.String(namespace))
}

// TypeDef adds a type whose members are the fields and methods added after it.
func (b *Builder) TypeDef(flags uint32, namespace, name string, extends metadata.Token) metadata.Token {
	return b.Row(metadata.TableTypeDef, flags, b.String(name), b.String(namespace), uint32(extends),
		b.Rows(metadata.TableField)+1, b.Rows(metadata.TableMethodDef)+1)
}

// Field adds a field to the most recent type.
func (b *Builder) Field(flags uint16, name string, sig []byte) metadata.Token {
	return b.Row(metadata.TableField, uint32(flags), b.String(name), b.Blob(sig))
}

// Method adds a method to the most recent type. A non-nil body is placed in
// the code area and its RVA recorded in the row.
func (b *Builder) Method(flags uint16, name string, sig []byte, body []byte) metadata.Token {
	tok := b.Row(metadata.TableMethodDef, 0, 0, uint32(flags), b.String(name), b.Blob(sig), b.Rows(metadata.TableParam)+1)
	if body != nil {
		for len(b.code)%4 != 0 {
			b.code = append(b.code, 0)
		}
		if b.bodies == nil {
			b.bodies = map[metadata.Token]uint32{}
		}
		b.bodies[tok] = uint32(len(b.code))
		b.code = append(b.code, body...)
	}
	return tok
}

// Data places raw bytes in the code area and returns their RVA.
func (b *Builder) Data(data []byte) uint32 {
	for len(b.code)%8 != 0 {
		b.code = append(b.code, 0)
	}
	off := uint32(len(b.code))
	b.code = append(b.code, data...)
	return sectionRVA + uint32(align(cliHeaderSize, 4)) + off
}

// Param adds a parameter to the most recent method.
func (b *Builder) Param(flags, sequence uint16, name string) metadata.Token {
	return b.Row(metadata.TableParam, uint32(flags), uint32(sequence), b.String(name))
}

// MemberRef adds a member reference.
func (b *Builder) MemberRef(parent metadata.Token, name string, sig []byte) metadata.Token {
	return b.Row(metadata.TableMemberRef, uint32(parent), b.String(name), b.Blob(sig))
}

// Build lays out the image and returns its bytes.
func (b *Builder) Build() []byte {
	out, _ := b.BuildLayout()
	return out
}

// BuildLayout is Build plus the offsets of the emitted structures.
func (b *Builder) BuildLayout() ([]byte, *Layout) {
	lay := &Layout{
		TableOffsets: map[metadata.TableID]int64{},
		RowSizes:     map[metadata.TableID]int{},
		BodyRVAs:     map[metadata.Token]uint32{},
	}

	// Section layout: CLI header, method bodies, metadata.
	codeStart := uint32(align(cliHeaderSize, 4))
	mdStart := align(int(codeStart)+len(b.code), 4)
	for tok, off := range b.bodies {
		lay.BodyRVAs[tok] = sectionRVA + codeStart + off
	}
	md := b.metadata(int64(fileAlignment+mdStart), lay)

	section := make([]byte, mdStart, mdStart+len(md))
	copy(section[codeStart:], b.code)
	section = append(section, md...)
	if !b.Opts.OmitCLIHeader {
		cli := section[:cliHeaderSize]
		le := binary.LittleEndian
		le.PutUint32(cli[0:], cliHeaderSize)
		le.PutUint16(cli[4:], 2)
		le.PutUint16(cli[6:], 5)
		le.PutUint32(cli[8:], sectionRVA+uint32(mdStart))
		le.PutUint32(cli[12:], uint32(len(md)))
		le.PutUint32(cli[16:], 1) // IL only
		le.PutUint32(cli[20:], uint32(b.EntryPoint))
	}
	lay.MetadataOffset = int64(fileAlignment + mdStart)

	rawSize := align(len(section), fileAlignment)
	img := make([]byte, fileAlignment+rawSize)
	b.headers(img, uint32(len(section)), uint32(rawSize))
	copy(img[fileAlignment:], section)
	// Drop the trailing padding so the metadata ends the file.
	return img[:fileAlignment+len(section)], lay
}

func (b *Builder) headers(img []byte, virtualSize, rawSize uint32) {
	le := binary.LittleEndian
	img[0], img[1] = 'M', 'Z'
	le.PutUint32(img[0x3C:], dosHeaderSize)
	p := dosHeaderSize
	copy(img[p:], "PE\x00\x00")
	p += 4

	optSize := 224
	if b.Opts.PE32Plus {
		optSize = 240
	}
	machine := uint16(0x14C)
	if b.Opts.PE32Plus {
		machine = 0x8664
	}
	chars := uint16(0x0002 | 0x0100)
	if b.Opts.DLL {
		chars |= 0x2000
	}
	le.PutUint16(img[p:], machine)
	le.PutUint16(img[p+2:], 1)
	le.PutUint16(img[p+16:], uint16(optSize))
	le.PutUint16(img[p+18:], chars)
	p += 20

	opt := img[p : p+optSize]
	dirs := 96
	if b.Opts.PE32Plus {
		le.PutUint16(opt[0:], 0x20B)
		le.PutUint64(opt[24:], 0x180000000)
		le.PutUint32(opt[108:], 16)
		dirs = 112
	} else {
		le.PutUint16(opt[0:], 0x10B)
		le.PutUint32(opt[28:], 0x400000)
		le.PutUint32(opt[92:], 16)
	}
	le.PutUint32(opt[32:], 0x2000)
	le.PutUint32(opt[36:], fileAlignment)
	if !b.Opts.OmitCLIHeader {
		le.PutUint32(opt[dirs+14*8:], sectionRVA)
		le.PutUint32(opt[dirs+14*8+4:], cliHeaderSize)
	}
	p += optSize

	sh := img[p : p+40]
	copy(sh, ".text")
	le.PutUint32(sh[8:], virtualSize)
	le.PutUint32(sh[12:], sectionRVA)
	le.PutUint32(sh[16:], rawSize)
	le.PutUint32(sh[20:], fileAlignment)
	le.PutUint32(sh[36:], 0x60000020)
}

func (b *Builder) metadata(base int64, lay *Layout) []byte {
	tables := b.tableStream(lay)
	type stream struct {
		name string
		data []byte
	}
	tableName := "#~"
	if b.Opts.Uncompressed {
		tableName = "#-"
	}
	streams := []stream{
		{tableName, tables},
		{"#Strings", pad4(b.strings)},
		{"#US", pad4(b.userStrings)},
		{"#GUID", b.guids},
		{"#Blob", pad4(b.blobs)},
	}

	var hdr bytes.Buffer
	le := binary.LittleEndian
	w := func(v interface{}) { _ = binary.Write(&hdr, le, v) }
	w(uint32(0x424A5342))
	w(uint16(1))
	w(uint16(1))
	w(uint32(0))
	ver := []byte("v4.0.30319\x00\x00")
	w(uint32(len(ver)))
	hdr.Write(ver)
	w(uint16(0))
	w(uint16(len(streams)))

	headerLen := hdr.Len()
	for _, s := range streams {
		headerLen += 8 + align(len(s.name)+1, 4)
	}
	off := headerLen
	for _, s := range streams {
		w(uint32(off))
		w(uint32(len(s.data)))
		name := make([]byte, align(len(s.name)+1, 4))
		copy(name, s.name)
		hdr.Write(name)
		off += len(s.data)
	}
	out := hdr.Bytes()
	tableBase := base + int64(len(out))
	lay.TableStream = tableBase
	for id, o := range lay.TableOffsets {
		lay.TableOffsets[id] = tableBase + o
	}
	for _, s := range streams {
		out = append(out, s.data...)
	}
	return out
}

func (b *Builder) heapSizes() uint8 {
	var hs uint8
	if b.Opts.WideHeaps || len(b.strings) > 0xFFFF {
		hs |= 0x01
	}
	if b.Opts.WideHeaps || len(b.guids)/16 > 0xFFFF {
		hs |= 0x02
	}
	if b.Opts.WideHeaps || len(b.blobs) > 0xFFFF {
		hs |= 0x04
	}
	return hs
}

func (b *Builder) tableStream(lay *Layout) []byte {
	var counts [metadata.TableCount]uint32
	var valid uint64
	for id := range b.rows {
		if n := len(b.rows[id]); n > 0 {
			counts[id] = uint32(n)
			valid |= 1 << uint(id)
		}
	}
	hs := b.heapSizes()
	widths := metadata.NewWidths(hs, counts)

	var buf bytes.Buffer
	le := binary.LittleEndian
	w := func(v interface{}) { _ = binary.Write(&buf, le, v) }
	w(uint32(0))
	w(uint8(2))
	w(uint8(0))
	w(hs)
	w(uint8(1))
	w(valid)
	w(uint64(0))
	for id := range counts {
		if counts[id] > 0 {
			w(counts[id])
		}
	}

	for id := range b.rows {
		t := metadata.TableID(id)
		if counts[id] == 0 {
			continue
		}
		lay.TableOffsets[t] = int64(buf.Len())
		lay.RowSizes[t] = widths.RowSize(t)
		cols := metadata.Schema(t)
		for r, row := range b.rows[id] {
			for i, col := range cols {
				v := row[i]
				if t == metadata.TableMethodDef && i == 0 {
					if rva, ok := lay.BodyRVAs[metadata.MakeToken(t, uint32(r+1))]; ok {
						v = rva
					}
				}
				if col.Type == metadata.ColCoded && v != 0 {
					enc, ok := col.Coded.Encode(metadata.Token(v))
					if !ok {
						panic("testimage: token " + metadata.Token(v).String() + " not valid for " + col.Coded.String())
					}
					v = enc
				}
				switch widths.Column(col) {
				case 1:
					w(uint8(v))
				case 2:
					w(uint16(v))
				default:
					w(v)
				}
			}
		}
	}
	return pad4(buf.Bytes())
}

func align(n, a int) int { return (n + a - 1) / a * a }

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}
