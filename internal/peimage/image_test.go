package peimage_test

import (
	"encoding/binary"
	"errors"
	"testing"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/peimage"
	"github.com/zelig-tools/mdimport/internal/testimage"
	"github.com/zelig-tools/mdimport/internal/version"
)

func minimal(opts testimage.Options) []byte {
	b := testimage.New("Minimal")
	b.Opts = opts
	b.Module("Minimal.dll")
	b.Assembly("Minimal", version.MustParse("1.0.0.0"), nil)
	return b.Build()
}

func TestLoadPE32(t *testing.T) {
	img, err := peimage.Load(minimal(testimage.Options{}), "Minimal.exe")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if img.Magic != peimage.MagicPE32 {
		t.Fatalf("magic = 0x%x", img.Magic)
	}
	if img.ImageBase != 0x400000 {
		t.Fatalf("image base = 0x%x", img.ImageBase)
	}
	if !img.IsExecutable() || img.IsDLL() {
		t.Fatal("expected an executable")
	}
	if len(img.Sections) != 1 || img.Sections[0].Name != ".text" {
		t.Fatalf("sections = %+v", img.Sections)
	}
	rva, size := img.MetadataRoot()
	if rva == 0 || size == 0 {
		t.Fatal("metadata directory not located")
	}
	if img.CLI.MajorRuntimeVersion != 2 || img.CLI.MinorRuntimeVersion != 5 {
		t.Fatalf("runtime version %d.%d", img.CLI.MajorRuntimeVersion, img.CLI.MinorRuntimeVersion)
	}
	off, err := img.RVAToOffset(rva)
	if err != nil {
		t.Fatalf("rva to offset: %v", err)
	}
	if binary.LittleEndian.Uint32(img.Data()[off:]) != 0x424A5342 {
		t.Fatal("metadata root signature not at mapped offset")
	}
}

func TestLoadPE32Plus(t *testing.T) {
	img, err := peimage.Load(minimal(testimage.Options{PE32Plus: true, DLL: true}), "Minimal.dll")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if img.Magic != peimage.MagicPE32Plus || img.ImageBase != 0x180000000 {
		t.Fatalf("magic/base = 0x%x/0x%x", img.Magic, img.ImageBase)
	}
	if !img.IsDLL() || img.IsExecutable() {
		t.Fatal("expected a library")
	}
}

func TestMissingManagedHeaderIsRecoverable(t *testing.T) {
	_, err := peimage.Load(minimal(testimage.Options{OmitCLIHeader: true}), "native.dll")
	if !errors.Is(err, mderrors.ErrMissingManagedHeader) {
		t.Fatalf("expected MissingManagedHeader, got %v", err)
	}
	if !mderrors.Recoverable(err) {
		t.Fatal("missing managed header must be recoverable")
	}
}

func TestIllegalImageFormat(t *testing.T) {
	buf := minimal(testimage.Options{})
	bad := append([]byte(nil), buf...)
	bad[0] = 'X'
	if _, err := peimage.Load(bad, "bad"); !errors.Is(err, mderrors.ErrIllegalImageFormat) {
		t.Fatalf("bad DOS signature: %v", err)
	}

	bad = append([]byte(nil), buf...)
	bad[0x80] = 'N'
	if _, err := peimage.Load(bad, "bad"); !errors.Is(err, mderrors.ErrIllegalImageFormat) {
		t.Fatalf("bad PE signature: %v", err)
	}

	bad = append([]byte(nil), buf...)
	binary.LittleEndian.PutUint16(bad[0x80+24:], 0x1234)
	if _, err := peimage.Load(bad, "bad"); !errors.Is(err, mderrors.ErrIllegalImageFormat) {
		t.Fatalf("bad optional magic: %v", err)
	}

	var e *mderrors.Error
	if _, err := peimage.Load(bad, "bad.dll"); !errors.As(err, &e) || e.Assembly != "bad.dll" {
		t.Fatalf("error must name the image: %v", err)
	}
}

func TestTruncatedHeader(t *testing.T) {
	if _, err := peimage.Load([]byte{'M', 'Z', 0, 0}, "tiny"); !errors.Is(err, mderrors.ErrTruncated) {
		t.Fatalf("expected Truncated, got %v", err)
	}
}

func TestUnmappedAndAmbiguousRVA(t *testing.T) {
	buf := minimal(testimage.Options{})
	img, err := peimage.Load(buf, "m")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := img.RVAToOffset(0x10); !errors.Is(err, &mderrors.Error{Kind: mderrors.KindCorruptMetadata, Sub: mderrors.SubUnmappedRVA}) {
		t.Fatalf("expected unmapped RVA, got %v", err)
	}

	// Add a second section overlapping the first one 0x10 bytes in.
	over := append([]byte(nil), buf...)
	le := binary.LittleEndian
	coff := 0x80 + 4
	le.PutUint16(over[coff+2:], 2)
	sh := coff + 20 + 224 + 40
	copy(over[sh:], ".over\x00\x00\x00")
	le.PutUint32(over[sh+8:], 0x10)
	le.PutUint32(over[sh+12:], 0x2010)
	le.PutUint32(over[sh+16:], 0x10)
	le.PutUint32(over[sh+20:], 0x210)

	img, err = peimage.Load(over, "over")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := img.SectionContaining(0x2000); err != nil {
		t.Fatalf("RVA owned by one section must map: %v", err)
	}
	_, err = img.SectionContaining(0x2014)
	if !errors.Is(err, &mderrors.Error{Kind: mderrors.KindCorruptMetadata, Sub: mderrors.SubAmbiguousSection}) {
		t.Fatalf("expected AmbiguousSection, got %v", err)
	}
}
