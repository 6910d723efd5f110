// Package pdbtest writes small managed PDB files for tests.
package pdbtest

import (
	"bytes"
	"encoding/binary"
)

// BlockSize is the MSF page size Build uses.
const BlockSize = 512

// Record kinds and stream constants of the PDB layout.
const (
	symEnd        = 0x0006
	symOEM        = 0x0404
	symBlock32    = 0x1103
	symManSlot    = 0x1120
	symUNamespace = 0x1124
	symGManProc   = 0x112A
	symLManProc   = 0x112B

	moduleSignatureC13 = 4
	debugSLines        = 0xF2
	debugSFileChecksum = 0xF4
	linesHaveColumns   = 0x0001
	hiddenLine         = 0xFEEFEE

	namesSignature = 0xEFFEEFFE
	namesVersion   = 1
	dbiVersionV70  = 19990903
	noStream       = 0xFFFF
)

var msfMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

type le struct{ bytes.Buffer }

func (b *le) u8(v uint8)   { b.WriteByte(v) }
func (b *le) u16(v uint16) { _ = binary.Write(&b.Buffer, binary.LittleEndian, v) }
func (b *le) u32(v uint32) { _ = binary.Write(&b.Buffer, binary.LittleEndian, v) }
func (b *le) str(s string) {
	b.WriteString(s)
	b.WriteByte(0)
}

func (b *le) pad(n int) {
	for b.Len()%n != 0 {
		b.WriteByte(0)
	}
}

// writeMSF lays streams out one after another behind the superblock and
// the two free block map blocks, then appends the directory and its map.
func writeMSF(streams [][]byte) []byte {
	blocks := func(n int) int { return (n + BlockSize - 1) / BlockSize }
	next := 3
	var dir le
	dir.u32(uint32(len(streams)))
	for _, s := range streams {
		dir.u32(uint32(len(s)))
	}
	var body []byte
	for _, s := range streams {
		for i := 0; i < blocks(len(s)); i++ {
			dir.u32(uint32(next))
			next++
		}
		chunk := make([]byte, blocks(len(s))*BlockSize)
		copy(chunk, s)
		body = append(body, chunk...)
	}
	dirBlock := next
	dirData := make([]byte, blocks(dir.Len())*BlockSize)
	copy(dirData, dir.Bytes())
	next += blocks(dir.Len())
	mapBlock := next
	next++

	var sb le
	sb.Write(msfMagic)
	sb.u32(BlockSize)
	sb.u32(1)
	sb.u32(uint32(next))
	sb.u32(uint32(dir.Len()))
	sb.u32(0)
	sb.u32(uint32(mapBlock))

	out := make([]byte, next*BlockSize)
	copy(out, sb.Bytes())
	copy(out[3*BlockSize:], body)
	copy(out[dirBlock*BlockSize:], dirData)
	var bm le
	for i := 0; i < blocks(dir.Len()); i++ {
		bm.u32(uint32(dirBlock + i))
	}
	copy(out[mapBlock*BlockSize:], bm.Bytes())
	return out
}

func symRecord(kind uint16, body []byte) []byte {
	var b le
	b.u16(uint16(len(body) + 2))
	b.u16(kind)
	b.Write(body)
	return b.Bytes()
}

func manProc(kind uint16, token, addr, length uint32, name string) []byte {
	var b le
	b.u32(0)
	b.u32(0)
	b.u32(0)
	b.u32(length)
	b.u32(0)
	b.u32(length)
	b.u32(token)
	b.u32(addr)
	b.u16(1)
	b.u8(0)
	b.u16(0)
	b.str(name)
	return symRecord(kind, b.Bytes())
}

func block(addr, length uint32) []byte {
	var b le
	b.u32(0)
	b.u32(0)
	b.u32(length)
	b.u32(addr)
	b.u16(1)
	b.str("")
	return symRecord(symBlock32, b.Bytes())
}

func slot(index uint32, name string) []byte {
	var b le
	b.u32(index)
	b.u32(0x1001)
	b.u32(0)
	b.u16(0)
	b.u16(0)
	b.str(name)
	return symRecord(symManSlot, b.Bytes())
}

func end() []byte { return symRecord(symEnd, nil) }

// Options varies the generated file.
type Options struct {
	// RidMap, when set, is written as the token-to-rid remapping stream.
	RidMap []uint32
	// DBIVersion overrides the DBI stream version.
	DBIVersion uint32
	// NoNames leaves the /names stream out of the info stream.
	NoNames bool
}

// Build writes a PDB with one module holding Run (0x06000001, 0x1000+0x20)
// and Helper (0x06000002, 0x1040+0x10) plus lines for Run in a.cs.
func Build(p Options) []byte {
	var nameStream le
	nameStream.u32(namesSignature)
	nameStream.u32(namesVersion)
	strs := "\x00a.cs\x00"
	nameStream.u32(uint32(len(strs)))
	nameStream.WriteString(strs)
	nameStream.u32(1)
	nameStream.u32(1)
	nameStream.u32(1)

	var info le
	info.u32(20000404)
	info.u32(0x5A5A5A5A)
	info.u32(3)
	info.Write(bytes.Repeat([]byte{0xAB}, 16))
	if p.NoNames {
		info.u32(0)
		info.u32(0)
		info.u32(0)
		info.u32(0)
		info.u32(0)
	} else {
		info.u32(7)
		info.str("/names")
		info.u32(1)
		info.u32(1)
		info.u32(1)
		info.u32(1)
		info.u32(0)
		info.u32(0)
		info.u32(4)
	}

	var syms le
	syms.Write(manProc(symGManProc, 0x06000001, 0x1000, 0x20, "Run"))
	syms.Write(slot(0, "count"))
	var ns le
	ns.str("System.Text")
	syms.Write(symRecord(symUNamespace, ns.Bytes()))
	var oem le
	oem.Write(bytes.Repeat([]byte{0xC9}, 16))
	oem.u32(0)
	oem.Write([]byte{4, 0, 1, 2})
	syms.Write(symRecord(symOEM, oem.Bytes()))
	syms.Write(block(0x1004, 0x8))
	syms.Write(slot(1, "inner"))
	syms.Write(end())
	syms.Write(end())
	syms.Write(manProc(symLManProc, 0x06000002, 0x1040, 0x10, "Helper"))
	syms.Write(end())

	var chk le
	chk.u32(1) // "a.cs"
	chk.u8(2)
	chk.u8(1)
	chk.Write([]byte{0xDE, 0xAD})
	chk.pad(4)

	var lines le
	lines.u32(0x1000)
	lines.u16(1)
	lines.u16(linesHaveColumns)
	lines.u32(0x20)
	lines.u32(0) // checksum entry offset
	lines.u32(2)
	lines.u32(12 + 2*12)
	lines.u32(0)
	lines.u32(10 | 2<<24 | 0x80000000)
	lines.u32(6)
	lines.u32(hiddenLine)
	lines.u16(5)
	lines.u16(9)
	lines.u16(0)
	lines.u16(0)

	var c13 le
	c13.u32(debugSFileChecksum)
	c13.u32(uint32(chk.Len()))
	c13.Write(chk.Bytes())
	c13.u32(debugSLines)
	c13.u32(uint32(lines.Len()))
	c13.Write(lines.Bytes())

	var mod le
	mod.u32(moduleSignatureC13)
	mod.Write(syms.Bytes())
	symBytes := mod.Len()
	mod.Write(c13.Bytes())

	ridStream := uint16(noStream)
	var rid le
	if p.RidMap != nil {
		ridStream = 6
		for _, v := range p.RidMap {
			rid.u32(v)
		}
	}

	var modi le
	modi.Write(make([]byte, 34))
	modi.u16(5)
	modi.u32(uint32(symBytes))
	modi.u32(0)
	modi.u32(uint32(c13.Len()))
	modi.Write(make([]byte, 64-48))
	modi.str("Program.obj")
	modi.str("Program.obj")
	modi.pad(4)

	var dbg le
	for i := 0; i < 6; i++ {
		dbg.u16(noStream)
	}
	dbg.u16(ridStream)

	ver := p.DBIVersion
	if ver == 0 {
		ver = dbiVersionV70
	}
	var d le
	d.u32(0xFFFFFFFF)
	d.u32(ver)
	d.u32(3)
	d.Write(make([]byte, 12))
	d.u32(uint32(modi.Len()))
	d.u32(0)
	d.u32(0)
	d.u32(0)
	d.u32(0)
	d.u32(0)
	d.u32(uint32(dbg.Len()))
	d.u32(0)
	d.u16(0)
	d.u16(0x14C)
	d.u32(0)
	d.Write(modi.Bytes())
	d.Write(dbg.Bytes())

	streams := [][]byte{nil, info.Bytes(), nil, d.Bytes(), nameStream.Bytes(), mod.Bytes()}
	if p.RidMap != nil {
		streams = append(streams, rid.Bytes())
	}
	return writeMSF(streams)
}
