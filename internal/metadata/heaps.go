package metadata

import (
	"bytes"
	"unicode/utf16"

	"github.com/zelig-tools/mdimport/internal/bytecursor"
	mderrors "github.com/zelig-tools/mdimport/internal/errors"
)

// heap is one passive metadata heap. base is the absolute file offset of data[0].
type heap struct {
	name string
	data []byte
	base int64
}

func (h *heap) inRange(i uint32) bool {
	return i == 0 || int64(i) < int64(len(h.data))
}

func (h *heap) indexError(i uint32) *mderrors.Error {
	return mderrors.Corrupt(mderrors.SubHeapIndex, "%s index 0x%x out of range (heap size %d)", h.name, i, len(h.data)).
		WithOffset(h.base + int64(i))
}

// blobAt reads a length-prefixed entry shared by #Blob and #US.
func (h *heap) blobAt(i uint32) ([]byte, error) {
	if i == 0 {
		return nil, nil
	}
	if !h.inRange(i) {
		return nil, h.indexError(i)
	}
	c := bytecursor.NewAt(h.data, h.base)
	if err := c.Seek(int(i)); err != nil {
		return nil, h.indexError(i)
	}
	n, err := c.CompressedU32()
	if err != nil {
		return nil, err
	}
	b, err := c.Read(int(n))
	if err != nil {
		return nil, h.indexError(i).WithCause(err)
	}
	return b, nil
}

// StringIndex is an offset into the #Strings heap.
type StringIndex uint32

// Resolve returns the UTF-8 string at the index. Index 0 is the empty string.
func (s StringIndex) Resolve(g *Graph) (string, error) {
	h := &g.strings
	if s == 0 {
		return "", nil
	}
	if !h.inRange(uint32(s)) {
		return "", h.indexError(uint32(s))
	}
	rest := h.data[s:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", h.indexError(uint32(s))
	}
	return string(rest[:end]), nil
}

// BlobIndex is an offset into the #Blob heap.
type BlobIndex uint32

// Resolve returns the blob bytes without copying. Index 0 yields an empty blob.
func (b BlobIndex) Resolve(g *Graph) ([]byte, error) {
	return g.blobs.blobAt(uint32(b))
}

// GUIDIndex is a 1-based index into the #GUID heap.
type GUIDIndex uint32

// Resolve returns the GUID at the index. Index 0 yields the zero GUID.
func (x GUIDIndex) Resolve(g *Graph) ([16]byte, error) {
	var out [16]byte
	if x == 0 {
		return out, nil
	}
	h := &g.guids
	off := int64(x-1) * 16
	if off+16 > int64(len(h.data)) {
		return out, mderrors.Corrupt(mderrors.SubHeapIndex, "#GUID index %d out of range (%d entries)", x, len(h.data)/16).
			WithOffset(h.base + off)
	}
	copy(out[:], h.data[off:off+16])
	return out, nil
}

// UserStringIndex is an offset into the #US heap, as carried by ldstr tokens.
type UserStringIndex uint32

// Resolve decodes the UTF-16 string at the index. The trailing flag byte is dropped.
func (u UserStringIndex) Resolve(g *Graph) (string, error) {
	b, err := g.userStrings.blobAt(uint32(u))
	if err != nil {
		return "", err
	}
	n := len(b) / 2
	units := make([]uint16, n)
	for i := 0; i < n; i++ {
		units[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return string(utf16.Decode(units)), nil
}

func (g *Graph) checkHeapCell(col Column, v uint32) *mderrors.Error {
	switch col.Type {
	case ColString:
		if !g.strings.inRange(v) {
			return g.strings.indexError(v)
		}
	case ColBlob:
		if !g.blobs.inRange(v) {
			return g.blobs.indexError(v)
		}
	case ColGUID:
		if v != 0 && int64(v)*16 > int64(len(g.guids.data)) {
			return mderrors.Corrupt(mderrors.SubHeapIndex, "#GUID index %d out of range (%d entries)", v, len(g.guids.data)/16)
		}
	}
	return nil
}
