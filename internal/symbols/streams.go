package symbols

import (
	"github.com/zelig-tools/mdimport/internal/bytecursor"
	mderrors "github.com/zelig-tools/mdimport/internal/errors"
)

// Fixed stream indexes.
const (
	streamPDB = 1
	streamDBI = 3
)

const (
	namesSignature = 0xEFFEEFFE
	namesVersion   = 1

	dbiVersionV70  = 19990903
	dbiHeaderSize  = 64
	modInfoSize    = 64
	noStream       = 0xFFFF
	dbgTokenRidMap = 6
)

// Info is the PDB info stream header.
type Info struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      [16]byte
	// NamedStreams maps stream names such as "/names" to stream indexes.
	NamedStreams map[string]uint32
}

func readInfo(data []byte) (*Info, error) {
	c := bytecursor.New(data)
	info := &Info{NamedStreams: map[string]uint32{}}
	var err error
	if info.Version, err = c.U32(); err != nil {
		return nil, err
	}
	if info.Signature, err = c.U32(); err != nil {
		return nil, err
	}
	if info.Age, err = c.U32(); err != nil {
		return nil, err
	}
	g, err := c.Read(16)
	if err != nil {
		return nil, err
	}
	copy(info.GUID[:], g)

	strLen, err := c.U32()
	if err != nil {
		return nil, err
	}
	strs, err := c.Sub(int(strLen))
	if err != nil {
		return nil, err
	}
	if _, err := c.U32(); err != nil { // entry count
		return nil, err
	}
	capacity, err := c.U32()
	if err != nil {
		return nil, err
	}
	present, err := bitVector(c)
	if err != nil {
		return nil, err
	}
	if _, err := bitVector(c); err != nil { // deleted
		return nil, err
	}
	for i := uint32(0); i < capacity; i++ {
		if !bitSet(present, i) {
			continue
		}
		key, err := c.U32()
		if err != nil {
			return nil, err
		}
		idx, err := c.U32()
		if err != nil {
			return nil, err
		}
		name, err := cstring(strs, key)
		if err != nil {
			return nil, err
		}
		info.NamedStreams[name] = idx
	}
	return info, nil
}

func bitVector(c *bytecursor.Cursor) ([]uint32, error) {
	n, err := c.U32()
	if err != nil {
		return nil, err
	}
	if int64(n)*4 > int64(c.Remaining()) {
		return nil, mderrors.Truncated(c.Offset(), int(n)*4, c.Len())
	}
	words := make([]uint32, n)
	for i := range words {
		if words[i], err = c.U32(); err != nil {
			return nil, err
		}
	}
	return words, nil
}

func bitSet(words []uint32, n uint32) bool {
	w := n / 32
	return w < uint32(len(words)) && words[w]&(1<<(n%32)) != 0
}

func cstring(c *bytecursor.Cursor, off uint32) (string, error) {
	if int64(off) >= int64(c.Len()) {
		return "", mderrors.Corrupt(mderrors.SubBadHeader, "string offset %d beyond %d bytes", off, c.Len())
	}
	w, err := c.Window(int(off), c.Len()-int(off))
	if err != nil {
		return "", err
	}
	return w.ZString()
}

// names is the "/names" string table, addressed by byte offset.
type names struct {
	buf *bytecursor.Cursor
}

func readNames(data []byte) (*names, error) {
	c := bytecursor.New(data)
	sig, err := c.U32()
	if err != nil {
		return nil, err
	}
	ver, err := c.U32()
	if err != nil {
		return nil, err
	}
	if sig != namesSignature || ver != namesVersion {
		return nil, mderrors.Corrupt(mderrors.SubBadHeader, "unsupported /names stream 0x%08x version %d", sig, ver)
	}
	n, err := c.U32()
	if err != nil {
		return nil, err
	}
	buf, err := c.Sub(int(n))
	if err != nil {
		return nil, err
	}
	return &names{buf: buf}, nil
}

func (n *names) lookup(off uint32) (string, error) { return cstring(n.buf, off) }

// moduleInfo is one DBI module descriptor.
type moduleInfo struct {
	Name       string
	ObjectName string
	Stream     uint16
	SymBytes   uint32
	C11Bytes   uint32
	C13Bytes   uint32
}

type dbi struct {
	Age         uint32
	Machine     uint16
	Modules     []moduleInfo
	TokenRidMap uint16
}

func readDBI(data []byte) (*dbi, error) {
	c := bytecursor.New(data)
	sig, err := c.I32()
	if err != nil {
		return nil, err
	}
	ver, err := c.U32()
	if err != nil {
		return nil, err
	}
	if sig != -1 || ver != dbiVersionV70 {
		return nil, mderrors.Corrupt(mderrors.SubBadHeader, "unsupported DBI stream version %d", ver)
	}
	d := &dbi{TokenRidMap: noStream}
	if d.Age, err = c.U32(); err != nil {
		return nil, err
	}
	if err := c.Seek(24); err != nil {
		return nil, err
	}
	var sizes [5]int32 // modules, section contributions, section map, files, type server map
	for i := range sizes {
		if sizes[i], err = c.I32(); err != nil {
			return nil, err
		}
	}
	if err := c.Skip(4); err != nil { // MFC type server index
		return nil, err
	}
	dbgSize, err := c.I32()
	if err != nil {
		return nil, err
	}
	ecSize, err := c.I32()
	if err != nil {
		return nil, err
	}
	if err := c.Skip(2); err != nil {
		return nil, err
	}
	if d.Machine, err = c.U16(); err != nil {
		return nil, err
	}
	if err := c.Seek(dbiHeaderSize); err != nil {
		return nil, err
	}

	mods, err := c.Sub(int(sizes[0]))
	if err != nil {
		return nil, err
	}
	for !mods.EOF() {
		m, err := readModuleInfo(mods)
		if err != nil {
			return nil, err
		}
		d.Modules = append(d.Modules, m)
	}
	for _, n := range append(sizes[1:], ecSize) {
		if err := c.Skip(int(n)); err != nil {
			return nil, err
		}
	}

	dbg, err := c.Sub(int(dbgSize))
	if err != nil {
		return nil, err
	}
	for i := 0; !dbg.EOF(); i++ {
		s, err := dbg.U16()
		if err != nil {
			return nil, err
		}
		if i == dbgTokenRidMap {
			d.TokenRidMap = s
			break
		}
	}
	return d, nil
}

func readModuleInfo(c *bytecursor.Cursor) (moduleInfo, error) {
	var m moduleInfo
	fixed, err := c.Sub(modInfoSize)
	if err != nil {
		return m, err
	}
	if err := fixed.Seek(34); err != nil {
		return m, err
	}
	if m.Stream, err = fixed.U16(); err != nil {
		return m, err
	}
	if m.SymBytes, err = fixed.U32(); err != nil {
		return m, err
	}
	if m.C11Bytes, err = fixed.U32(); err != nil {
		return m, err
	}
	if m.C13Bytes, err = fixed.U32(); err != nil {
		return m, err
	}
	if m.Name, err = c.ZString(); err != nil {
		return m, err
	}
	if m.ObjectName, err = c.ZString(); err != nil {
		return m, err
	}
	return m, c.Align(4)
}

func readTokenRidMap(data []byte) ([]uint32, error) {
	c := bytecursor.New(data)
	out := make([]uint32, len(data)/4)
	for i := range out {
		v, err := c.U32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
