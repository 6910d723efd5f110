// Package peimage parses the PE/COFF container of a managed image and maps
// relative virtual addresses to file offsets.
package peimage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zelig-tools/mdimport/internal/bytecursor"
	mderrors "github.com/zelig-tools/mdimport/internal/errors"
)

const (
	dosSignature = 0x5A4D     // "MZ"
	peSignature  = 0x00004550 // "PE\0\0"
	lfanewOffset = 0x3C

	MagicPE32     = 0x10b
	MagicPE32Plus = 0x20b

	// DirectoryCLIHeader is the data directory slot of the CLI (COR20) header.
	DirectoryCLIHeader = 14

	cliHeaderSize = 72
)

// COFF characteristics
const (
	FileExecutableImage = 0x0002
	FileDLL             = 0x2000
)

// CLI header flags
const (
	COMImageILOnly           = 0x00000001
	COMImage32BitRequired    = 0x00000002
	COMImageStrongNameSigned = 0x00000008
	COMImageNativeEntryPoint = 0x00000010
)

// Machine types
const (
	MachineUnknown = 0x0000
	MachineI386    = 0x014c
	MachineARM     = 0x01c0
	MachineARMNT   = 0x01c4
	MachineIA64    = 0x0200
	MachineAMD64   = 0x8664
	MachineARM64   = 0xaa64
)

// OS-specific machine overrides XORed into the machine field by newer toolchains.
var machineOverrides = []uint16{0, 0x4644, 0xADC4, 0x7B79, 0x1993}

// DataDirectory is an RVA/size pair from the optional header or CLI header.
type DataDirectory struct {
	RVA  uint32
	Size uint32
}

// Empty reports whether the directory is absent.
func (d DataDirectory) Empty() bool { return d.RVA == 0 || d.Size == 0 }

// Section is one entry of the section table.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	RawPointer      uint32
	RawSize         uint32
	Characteristics uint32
}

// Contains reports whether the section's raw data covers rva.
func (s *Section) Contains(rva uint32) bool {
	return rva >= s.VirtualAddress && uint64(rva) < uint64(s.VirtualAddress)+uint64(s.RawSize)
}

// CLIHeader is the managed-code (COR20) header.
type CLIHeader struct {
	Cb                      uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                DataDirectory
	Flags                   uint32
	EntryPoint              uint32 // token, or RVA when COMImageNativeEntryPoint is set
	Resources               DataDirectory
	StrongNameSignature     DataDirectory
	CodeManagerTable        DataDirectory
	VTableFixups            DataDirectory
	ExportAddressTableJumps DataDirectory
	ManagedNativeHeader     DataDirectory
}

// Image is a parsed PE container. It is immutable after Load.
type Image struct {
	Name            string
	Machine         uint16
	Characteristics uint16
	Magic           uint16
	ImageBase       uint64
	Directories     []DataDirectory
	Sections        []Section
	CLI             CLIHeader

	data        []byte
	order       []int // section indices sorted by VirtualAddress
	overlapping bool
}

// Load parses the DOS, PE and section headers of buf and locates the CLI header.
func Load(buf []byte, name string) (*Image, error) {
	img, err := load(buf, name)
	if err != nil {
		if e, ok := err.(*mderrors.Error); ok {
			e.WithAssembly(name)
		}
		return nil, err
	}
	return img, nil
}

func load(buf []byte, name string) (*Image, error) {
	img := &Image{Name: name, data: buf}
	c := bytecursor.New(buf)

	magic, err := c.U16()
	if err != nil {
		return nil, err
	}
	if magic != dosSignature {
		return nil, mderrors.IllegalImageFormat("bad DOS signature 0x%04x", magic)
	}
	if err := c.Seek(lfanewOffset); err != nil {
		return nil, err
	}
	lfanew, err := c.U32()
	if err != nil {
		return nil, err
	}
	if err := c.Seek(int(lfanew)); err != nil {
		return nil, mderrors.IllegalImageFormat("PE header offset 0x%x outside image", lfanew)
	}
	sig, err := c.U32()
	if err != nil {
		return nil, err
	}
	if sig != peSignature {
		return nil, mderrors.IllegalImageFormat("bad PE signature 0x%08x", sig)
	}

	// COFF file header
	if img.Machine, err = c.U16(); err != nil {
		return nil, err
	}
	if !knownMachine(img.Machine) {
		return nil, mderrors.IllegalImageFormat("unsupported machine 0x%04x", img.Machine)
	}
	numSections, err := c.U16()
	if err != nil {
		return nil, err
	}
	if err := c.Skip(12); err != nil { // timestamp, symbol table, symbol count
		return nil, err
	}
	optSize, err := c.U16()
	if err != nil {
		return nil, err
	}
	if img.Characteristics, err = c.U16(); err != nil {
		return nil, err
	}

	optStart := c.Pos()
	if err := img.readOptionalHeader(c); err != nil {
		return nil, err
	}
	if err := c.Seek(optStart + int(optSize)); err != nil {
		return nil, err
	}
	if err := img.readSections(c, int(numSections)); err != nil {
		return nil, err
	}

	if len(img.Directories) <= DirectoryCLIHeader || img.Directories[DirectoryCLIHeader].Empty() {
		return nil, mderrors.MissingManagedHeader(name)
	}
	off, err := img.RVAToOffset(img.Directories[DirectoryCLIHeader].RVA)
	if err != nil {
		return nil, mderrors.MissingManagedHeader(name).WithCause(err)
	}
	if err := img.readCLIHeader(off); err != nil {
		return nil, err
	}
	return img, nil
}

func knownMachine(m uint16) bool {
	for _, o := range machineOverrides {
		switch m ^ o {
		case MachineUnknown, MachineI386, MachineARM, MachineARMNT, MachineIA64, MachineAMD64, MachineARM64:
			return true
		}
	}
	return false
}

func (img *Image) readOptionalHeader(c *bytecursor.Cursor) error {
	start := c.Pos()
	var err error
	if img.Magic, err = c.U16(); err != nil {
		return err
	}

	var dirCountAt int
	switch img.Magic {
	case MagicPE32:
		if err := c.Seek(start + 28); err != nil {
			return err
		}
		base, err := c.U32()
		if err != nil {
			return err
		}
		img.ImageBase = uint64(base)
		dirCountAt = start + 92
	case MagicPE32Plus:
		if err := c.Seek(start + 24); err != nil {
			return err
		}
		if img.ImageBase, err = c.U64(); err != nil {
			return err
		}
		dirCountAt = start + 108
	default:
		return mderrors.IllegalImageFormat("bad optional header magic 0x%04x", img.Magic)
	}

	if err := c.Seek(dirCountAt); err != nil {
		return err
	}
	count, err := c.U32()
	if err != nil {
		return err
	}
	if count > 16 {
		count = 16
	}
	img.Directories = make([]DataDirectory, count)
	for i := range img.Directories {
		if img.Directories[i].RVA, err = c.U32(); err != nil {
			return err
		}
		if img.Directories[i].Size, err = c.U32(); err != nil {
			return err
		}
	}
	return nil
}

func (img *Image) readSections(c *bytecursor.Cursor, n int) error {
	img.Sections = make([]Section, n)
	for i := 0; i < n; i++ {
		raw, err := c.Read(8)
		if err != nil {
			return err
		}
		s := &img.Sections[i]
		s.Name = strings.TrimRight(string(raw), "\x00")
		if s.VirtualSize, err = c.U32(); err != nil {
			return err
		}
		if s.VirtualAddress, err = c.U32(); err != nil {
			return err
		}
		if s.RawSize, err = c.U32(); err != nil {
			return err
		}
		if s.RawPointer, err = c.U32(); err != nil {
			return err
		}
		if err := c.Skip(12); err != nil { // relocations, line numbers
			return err
		}
		if s.Characteristics, err = c.U32(); err != nil {
			return err
		}
	}

	img.order = make([]int, n)
	for i := range img.order {
		img.order[i] = i
	}
	sort.SliceStable(img.order, func(a, b int) bool {
		return img.Sections[img.order[a]].VirtualAddress < img.Sections[img.order[b]].VirtualAddress
	})
	for i := 1; i < n; i++ {
		prev := &img.Sections[img.order[i-1]]
		cur := &img.Sections[img.order[i]]
		if uint64(prev.VirtualAddress)+uint64(prev.RawSize) > uint64(cur.VirtualAddress) {
			img.overlapping = true
			break
		}
	}
	return nil
}

func (img *Image) readCLIHeader(off int64) error {
	c, err := bytecursor.New(img.data).Window(int(off), cliHeaderSize)
	if err != nil {
		return err
	}
	h := &img.CLI
	if h.Cb, err = c.U32(); err != nil {
		return err
	}
	if h.MajorRuntimeVersion, err = c.U16(); err != nil {
		return err
	}
	if h.MinorRuntimeVersion, err = c.U16(); err != nil {
		return err
	}
	if h.MetaData, err = readDirectory(c); err != nil {
		return err
	}
	if h.Flags, err = c.U32(); err != nil {
		return err
	}
	if h.EntryPoint, err = c.U32(); err != nil {
		return err
	}
	for _, d := range []*DataDirectory{&h.Resources, &h.StrongNameSignature, &h.CodeManagerTable,
		&h.VTableFixups, &h.ExportAddressTableJumps, &h.ManagedNativeHeader} {
		if *d, err = readDirectory(c); err != nil {
			return err
		}
	}
	if h.MetaData.Empty() {
		return mderrors.Corrupt(mderrors.SubBadHeader, "CLI header has no metadata directory").WithOffset(off)
	}
	return nil
}

func readDirectory(c *bytecursor.Cursor) (DataDirectory, error) {
	var d DataDirectory
	var err error
	if d.RVA, err = c.U32(); err != nil {
		return d, err
	}
	d.Size, err = c.U32()
	return d, err
}

// Data returns the underlying image bytes. Callers must not modify them.
func (img *Image) Data() []byte { return img.data }

// MetadataRoot returns the RVA and size of the metadata root.
func (img *Image) MetadataRoot() (rva, size uint32) {
	return img.CLI.MetaData.RVA, img.CLI.MetaData.Size
}

// IsExecutable reports whether the image is an executable rather than a library.
func (img *Image) IsExecutable() bool {
	return img.Characteristics&FileExecutableImage != 0 && img.Characteristics&FileDLL == 0
}

// IsDLL reports whether the image is a library.
func (img *Image) IsDLL() bool { return img.Characteristics&FileDLL != 0 }

// EntryPointToken returns the managed entry point token, or 0 if the image has
// none or uses a native entry point.
func (img *Image) EntryPointToken() uint32 {
	if img.CLI.Flags&COMImageNativeEntryPoint != 0 {
		return 0
	}
	return img.CLI.EntryPoint
}

// SectionContaining returns the section whose raw data covers rva.
func (img *Image) SectionContaining(rva uint32) (*Section, error) {
	if img.overlapping {
		return img.scan(rva)
	}
	i := sort.Search(len(img.order), func(i int) bool {
		return img.Sections[img.order[i]].VirtualAddress > rva
	})
	if i > 0 {
		s := &img.Sections[img.order[i-1]]
		if s.Contains(rva) {
			return s, nil
		}
	}
	return nil, mderrors.Corrupt(mderrors.SubUnmappedRVA, "RVA 0x%x is not mapped by any section", rva)
}

func (img *Image) scan(rva uint32) (*Section, error) {
	var found *Section
	for i := range img.Sections {
		s := &img.Sections[i]
		if !s.Contains(rva) {
			continue
		}
		if found != nil {
			return nil, mderrors.Corrupt(mderrors.SubAmbiguousSection,
				"RVA 0x%x claimed by sections %q and %q", rva, found.Name, s.Name)
		}
		found = s
	}
	if found == nil {
		return nil, mderrors.Corrupt(mderrors.SubUnmappedRVA, "RVA 0x%x is not mapped by any section", rva)
	}
	return found, nil
}

// RVAToOffset maps an RVA to a file offset.
func (img *Image) RVAToOffset(rva uint32) (int64, error) {
	s, err := img.SectionContaining(rva)
	if err != nil {
		return 0, err
	}
	off := int64(rva-s.VirtualAddress) + int64(s.RawPointer)
	if off >= int64(len(img.data)) {
		return 0, mderrors.Truncated(off, 1, len(img.data))
	}
	return off, nil
}

// CursorAt returns a cursor starting at rva and bounded by the end of the
// containing section's raw data (or the end of the file, whichever comes first).
func (img *Image) CursorAt(rva uint32) (*bytecursor.Cursor, error) {
	s, err := img.SectionContaining(rva)
	if err != nil {
		return nil, err
	}
	off := int64(rva-s.VirtualAddress) + int64(s.RawPointer)
	end := int64(s.RawPointer) + int64(s.RawSize)
	if end > int64(len(img.data)) {
		end = int64(len(img.data))
	}
	if off > end {
		return nil, mderrors.Truncated(off, 0, len(img.data))
	}
	return bytecursor.NewAt(img.data[off:end], off), nil
}

// Slice returns size bytes at rva; the range must lie inside one section.
func (img *Image) Slice(rva, size uint32) ([]byte, error) {
	c, err := img.CursorAt(rva)
	if err != nil {
		return nil, err
	}
	return c.Read(int(size))
}

func (img *Image) String() string {
	return fmt.Sprintf("Image(%s)", img.Name)
}
