package symbols

import (
	"bytes"

	"github.com/zelig-tools/mdimport/internal/bytecursor"
	mderrors "github.com/zelig-tools/mdimport/internal/errors"
)

// msfMagic opens every MSF 7.00 container.
var msfMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

const (
	superBlockSize = 56
	unusedStream   = 0xFFFFFFFF
)

var validBlockSizes = []uint32{512, 1024, 2048, 4096}

// msf is a parsed multi-stream container held in memory.
type msf struct {
	data      []byte
	blockSize uint32
	numBlocks uint32
	sizes     []uint32
	blocks    [][]uint32
}

func openMSF(buf []byte) (*msf, error) {
	c := bytecursor.New(buf)
	magic, err := c.Read(len(msfMagic))
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, msfMagic) {
		return nil, mderrors.Corrupt(mderrors.SubBadHeader, "not an MSF 7.00 container").WithOffset(0)
	}
	m := &msf{data: buf}
	if m.blockSize, err = c.U32(); err != nil {
		return nil, err
	}
	if !isValidBlockSize(m.blockSize) {
		return nil, mderrors.Corrupt(mderrors.SubBadHeader, "invalid MSF block size %d", m.blockSize).WithOffset(c.Offset() - 4)
	}
	if err := c.Skip(4); err != nil { // free block map
		return nil, err
	}
	if m.numBlocks, err = c.U32(); err != nil {
		return nil, err
	}
	dirBytes, err := c.U32()
	if err != nil {
		return nil, err
	}
	if err := c.Skip(4); err != nil {
		return nil, err
	}
	mapAddr, err := c.U32()
	if err != nil {
		return nil, err
	}

	dirBlocks := (dirBytes + m.blockSize - 1) / m.blockSize
	mapData, err := m.block(mapAddr)
	if err != nil {
		return nil, err
	}
	mc := bytecursor.NewAt(mapData, int64(mapAddr)*int64(m.blockSize))
	list := make([]uint32, dirBlocks)
	for i := range list {
		if list[i], err = mc.U32(); err != nil {
			return nil, err
		}
	}
	dir, err := m.gather(list, dirBytes)
	if err != nil {
		return nil, err
	}
	return m, m.readDirectory(dir)
}

func isValidBlockSize(size uint32) bool {
	for _, v := range validBlockSizes {
		if size == v {
			return true
		}
	}
	return false
}

func (m *msf) block(i uint32) ([]byte, error) {
	if i >= m.numBlocks {
		return nil, mderrors.Corrupt(mderrors.SubBadHeader, "MSF block %d beyond %d blocks", i, m.numBlocks)
	}
	off := int64(i) * int64(m.blockSize)
	end := off + int64(m.blockSize)
	if end > int64(len(m.data)) {
		return nil, mderrors.Truncated(off, int(m.blockSize), len(m.data))
	}
	return m.data[off:end], nil
}

// gather concatenates the first size bytes of the listed blocks.
func (m *msf) gather(list []uint32, size uint32) ([]byte, error) {
	out := make([]byte, 0, size)
	for _, b := range list {
		data, err := m.block(b)
		if err != nil {
			return nil, err
		}
		n := uint32(len(data))
		if rest := size - uint32(len(out)); rest < n {
			n = rest
		}
		out = append(out, data[:n]...)
	}
	return out, nil
}

func (m *msf) readDirectory(dir []byte) error {
	c := bytecursor.New(dir)
	n, err := c.U32()
	if err != nil {
		return err
	}
	if int64(n)*4 > int64(c.Remaining()) {
		return mderrors.Corrupt(mderrors.SubBadHeader, "MSF directory declares %d streams", n)
	}
	m.sizes = make([]uint32, n)
	for i := range m.sizes {
		if m.sizes[i], err = c.U32(); err != nil {
			return err
		}
	}
	m.blocks = make([][]uint32, n)
	for i, size := range m.sizes {
		if size == unusedStream {
			continue
		}
		count := (size + m.blockSize - 1) / m.blockSize
		if int64(count)*4 > int64(c.Remaining()) {
			return mderrors.Corrupt(mderrors.SubBadHeader, "stream %d block list runs past the directory", i)
		}
		list := make([]uint32, count)
		for j := range list {
			if list[j], err = c.U32(); err != nil {
				return err
			}
		}
		m.blocks[i] = list
	}
	return nil
}

func (m *msf) numStreams() int { return len(m.sizes) }

// stream returns the contents of stream i; unused streams are empty.
func (m *msf) stream(i int) ([]byte, error) {
	if i < 0 || i >= len(m.sizes) {
		return nil, mderrors.Corrupt(mderrors.SubBadHeader, "stream index %d out of range [0, %d)", i, len(m.sizes))
	}
	if m.sizes[i] == unusedStream {
		return nil, nil
	}
	return m.gather(m.blocks[i], m.sizes[i])
}
