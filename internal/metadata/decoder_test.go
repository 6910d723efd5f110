package metadata_test

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/peimage"
	"github.com/zelig-tools/mdimport/internal/testimage"
	"github.com/zelig-tools/mdimport/internal/version"
)

func decode(t *testing.T, buf []byte, name string) (*metadata.Graph, error) {
	t.Helper()
	img, err := peimage.Load(buf, name)
	if err != nil {
		return nil, err
	}
	return metadata.Decode(img)
}

func mustDecode(t *testing.T, b *testimage.Builder) *metadata.Graph {
	t.Helper()
	g, err := decode(t, b.Build(), b.Name)
	if err != nil {
		t.Fatalf("decode %s: %v", b.Name, err)
	}
	return g
}

// sample builds an assembly with two types, a reference to System.Object and
// a few members.
func sample(opts testimage.Options) *testimage.Builder {
	b := testimage.New("Sample")
	b.Opts = opts
	b.Module("Sample.dll")
	b.Assembly("Sample", version.MustParse("1.2.3.4"), nil)
	core := b.AssemblyRef("mscorlib", version.MustParse("4.0.0.0"))
	object := b.TypeRef(core, "System", "Object")

	b.TypeDef(0, "", "<Module>", 0)
	a := b.TypeDef(0x00100001, "Demo", "TypeA", object)
	b.Field(0x0001, "count", testimage.FieldSig(testimage.Prim(metadata.ElemI4)))
	b.Field(0x0001, "name", testimage.FieldSig(testimage.Prim(metadata.ElemString)))
	b.Method(0x0006, "Run", testimage.MethodSig(true, testimage.Prim(metadata.ElemVoid), testimage.Class(a)), nil)
	b.Param(0, 1, "other")
	b.TypeDef(0x00100001, "Demo", "TypeB", object)
	b.Field(0x0001, "peer", testimage.FieldSig(testimage.Class(a)))
	b.UserString("hello")
	return b
}

func TestDecodeSample(t *testing.T) {
	g := mustDecode(t, sample(testimage.Options{}))

	if g.RuntimeVersion != "v4.0.30319" {
		t.Fatalf("runtime version %q", g.RuntimeVersion)
	}
	if !g.Compressed {
		t.Fatal("expected #~ stream")
	}
	if !g.IsManifest || g.Identity.Name != "Sample" || g.Identity.Version != version.MustParse("1.2.3.4") {
		t.Fatalf("identity = %+v", g.Identity)
	}
	if g.Module.Name != "Sample.dll" {
		t.Fatalf("module = %q", g.Module.Name)
	}
	if len(g.References) != 1 || g.References[0].Name != "mscorlib" || g.References[0].Version.Major != 4 {
		t.Fatalf("references = %+v", g.References)
	}
	if n := g.Rows(metadata.TableTypeDef); n != 3 {
		t.Fatalf("expected 3 TypeDefs, got %d", n)
	}

	ta := g.TypeDef(2)
	if g.Str(ta.Name) != "TypeA" || g.Str(ta.Namespace) != "Demo" {
		t.Fatalf("TypeA name = %s.%s", g.Str(ta.Namespace), g.Str(ta.Name))
	}
	if ta.Extends != metadata.MakeToken(metadata.TableTypeRef, 1) {
		t.Fatalf("extends = %s", ta.Extends)
	}
	ns, name := g.TypeName(ta.Extends)
	if ns != "System" || name != "Object" {
		t.Fatalf("base name = %s.%s", ns, name)
	}
	if scope := g.TypeRef(1).Scope; scope != metadata.MakeToken(metadata.TableAssemblyRef, 1) {
		t.Fatalf("scope = %s", scope)
	}

	if f := g.Fields(1); len(f) != 0 {
		t.Fatalf("<Module> owns no fields, got %v", f)
	}
	fa := g.Fields(2)
	if len(fa) != 2 || fa[0].Row() != 1 || fa[1].Row() != 2 {
		t.Fatalf("TypeA fields = %v", fa)
	}
	fb := g.Fields(3)
	if len(fb) != 1 || fb[0].Row() != 3 {
		t.Fatalf("TypeB fields = %v", fb)
	}
	if m := g.Methods(2); len(m) != 1 {
		t.Fatalf("TypeA methods = %v", m)
	}
	if m := g.Methods(3); len(m) != 0 {
		t.Fatalf("TypeB methods = %v", m)
	}
	if p := g.Params(1); len(p) != 1 || g.Str(g.Param(p[0].Row()).Name) != "other" {
		t.Fatalf("params = %v", p)
	}
	if dt := g.DeclaringType(metadata.MakeToken(metadata.TableField, 3)); dt.Row() != 3 {
		t.Fatalf("declaring type of peer = %s", dt)
	}

	sig, err := g.FieldSignature(g.Field(3).Signature)
	if err != nil {
		t.Fatalf("field sig: %v", err)
	}
	if sig.Elem != metadata.ElemClass || sig.Type != metadata.MakeToken(metadata.TableTypeDef, 2) {
		t.Fatalf("peer sig = %s", sig)
	}
	ms, err := g.MethodSignature(g.MethodDef(1).Signature)
	if err != nil {
		t.Fatalf("method sig: %v", err)
	}
	if !ms.HasThis() || ms.Return.Elem != metadata.ElemVoid || len(ms.Params) != 1 {
		t.Fatalf("method sig = %+v", ms)
	}

	us, err := metadata.UserStringIndex(1).Resolve(g)
	if err != nil || us != "hello" {
		t.Fatalf("user string = %q, %v", us, err)
	}
	if s, err := metadata.StringIndex(0).Resolve(g); err != nil || s != "" {
		t.Fatalf("index 0 must be empty, got %q %v", s, err)
	}
	if b, err := metadata.BlobIndex(0).Resolve(g); err != nil || len(b) != 0 {
		t.Fatalf("blob 0 must be empty, got %v %v", b, err)
	}
}

func TestWideHeapsAndUncompressedStream(t *testing.T) {
	g := mustDecode(t, sample(testimage.Options{WideHeaps: true, Uncompressed: true}))
	if g.HeapSizes&0x07 != 0x07 {
		t.Fatalf("heap sizes = 0x%x", g.HeapSizes)
	}
	if g.Compressed {
		t.Fatal("expected #- stream")
	}
	if g.Str(g.TypeDef(3).Name) != "TypeB" {
		t.Fatal("wide string index mis-decoded")
	}
}

func TestTruncationInsideTableRow(t *testing.T) {
	buf, lay := sample(testimage.Options{}).BuildLayout()
	rowStart := lay.TableOffsets[metadata.TableTypeDef]
	rowSize := int64(lay.RowSizes[metadata.TableTypeDef])
	for row := int64(0); row < 3; row++ {
		cut := rowStart + row*rowSize + rowSize - 1
		_, err := decode(t, buf[:cut], "Sample")
		if err == nil {
			t.Fatalf("row %d: expected failure", row+1)
		}
		if !errors.Is(err, mderrors.ErrTruncated) && !errors.Is(err, mderrors.ErrCorruptMetadata) {
			t.Fatalf("row %d: unexpected kind %v", row+1, err)
		}
		var e *mderrors.Error
		if !errors.As(err, &e) {
			t.Fatalf("row %d: expected *Error, got %T", row+1, err)
		}
		if e.Table != "TypeDef" || int64(e.Row) != row+1 {
			t.Fatalf("row %d: attributed to %s[%d]", row+1, e.Table, e.Row)
		}
		if e.Offset >= cut || e.Offset+int64(e.Width) <= cut-1 {
			t.Fatalf("row %d: failing read at 0x%x width %d does not cover cut 0x%x", row+1, e.Offset, e.Width, cut)
		}
		if e.Assembly != "Sample" {
			t.Fatalf("assembly not recorded: %v", err)
		}
	}
}

func TestBadCodedToken(t *testing.T) {
	b := sample(testimage.Options{})
	// TypeB extends a TypeRef row that does not exist.
	b.SetCell(metadata.MakeToken(metadata.TableTypeDef, 3), 3, uint32(metadata.MakeToken(metadata.TableTypeRef, 9)))
	_, err := decode(t, b.Build(), "Sample")
	if !errors.Is(err, &mderrors.Error{Kind: mderrors.KindCorruptMetadata, Sub: mderrors.SubBadToken}) {
		t.Fatalf("expected BadToken, got %v", err)
	}
	var e *mderrors.Error
	errors.As(err, &e)
	if e.Table != "TypeDef" || e.Row != 3 {
		t.Fatalf("attributed to %s[%d]", e.Table, e.Row)
	}
}

func TestHeapIndexOutOfRange(t *testing.T) {
	b := sample(testimage.Options{})
	b.SetCell(metadata.MakeToken(metadata.TableField, 2), 1, 0xFFF0)
	_, err := decode(t, b.Build(), "Sample")
	if !errors.Is(err, &mderrors.Error{Kind: mderrors.KindCorruptMetadata, Sub: mderrors.SubHeapIndex}) {
		t.Fatalf("expected HeapIndex, got %v", err)
	}
	var e *mderrors.Error
	errors.As(err, &e)
	if e.Table != "Field" || e.Row != 2 {
		t.Fatalf("attributed to %s[%d]", e.Table, e.Row)
	}
}

func TestUnsupportedStreams(t *testing.T) {
	buf := sample(testimage.Options{}).Build()
	i := bytes.Index(buf, []byte("#~\x00"))
	if i < 0 {
		t.Fatal("table stream header not found")
	}
	buf[i+1] = 'X'
	_, err := decode(t, buf, "Sample")
	if !errors.Is(err, &mderrors.Error{Kind: mderrors.KindCorruptMetadata, Sub: mderrors.SubUnsupportedStreams}) {
		t.Fatalf("expected UnsupportedStreams, got %v", err)
	}
}

func TestPointerTablesReorderMembers(t *testing.T) {
	b := testimage.New("Ptr")
	b.Module("Ptr.dll")
	ta := b.TypeDef(0, "", "A", 0)
	b.Field(0, "first", testimage.FieldSig(testimage.Prim(metadata.ElemI4)))
	tb := b.TypeDef(0, "", "B", 0)
	b.Field(0, "second", testimage.FieldSig(testimage.Prim(metadata.ElemI4)))
	b.Row(metadata.TableFieldPtr, 2)
	b.Row(metadata.TableFieldPtr, 1)
	b.SetCell(ta, 4, 1)
	b.SetCell(tb, 4, 2)

	g := mustDecode(t, b)
	fa := g.Fields(ta.Row())
	if len(fa) != 1 || g.Str(g.Field(fa[0].Row()).Name) != "second" {
		t.Fatalf("A fields = %v", fa)
	}
	fb := g.Fields(tb.Row())
	if len(fb) != 1 || g.Str(g.Field(fb[0].Row()).Name) != "first" {
		t.Fatalf("B fields = %v", fb)
	}
}

func TestImplausibleRowCount(t *testing.T) {
	buf, lay := sample(testimage.Options{}).BuildLayout()
	// Module is table 0, so its count is the first after the 24-byte header.
	binary.LittleEndian.PutUint32(buf[lay.TableStream+24:], 0x3FFFFFFF)

	_, err := decode(t, buf, "Sample")
	if !errors.Is(err, &mderrors.Error{Kind: mderrors.KindCorruptMetadata, Sub: mderrors.SubRowCountMismatch}) {
		t.Fatalf("expected RowCountMismatch, got %v", err)
	}
	var e *mderrors.Error
	errors.As(err, &e)
	if e.Table != "Module" || e.Assembly != "Sample" {
		t.Fatalf("attributed to %s in %q", e.Table, e.Assembly)
	}
}

func TestNullPointerRow(t *testing.T) {
	b := testimage.New("Ptr")
	b.Opts.Uncompressed = true
	b.Module("Ptr.dll")
	ta := b.TypeDef(0, "", "A", 0)
	b.Field(0, "only", testimage.FieldSig(testimage.Prim(metadata.ElemI4)))
	b.Row(metadata.TableFieldPtr, 0)
	b.SetCell(ta, 4, 1)

	_, err := decode(t, b.Build(), "Ptr")
	if !errors.Is(err, &mderrors.Error{Kind: mderrors.KindCorruptMetadata, Sub: mderrors.SubBadToken}) {
		t.Fatalf("expected BadToken, got %v", err)
	}
	var e *mderrors.Error
	errors.As(err, &e)
	if e.Table != "FieldPtr" || e.Row != 1 {
		t.Fatalf("attributed to %s[%d]", e.Table, e.Row)
	}
}

func TestListBoundedByPointerTable(t *testing.T) {
	b := testimage.New("Ptr")
	b.Opts.Uncompressed = true
	b.Module("Ptr.dll")
	ta := b.TypeDef(0, "", "A", 0)
	b.Field(0, "only", testimage.FieldSig(testimage.Prim(metadata.ElemI4)))
	tb := b.TypeDef(0, "", "B", 0)
	b.Row(metadata.TableFieldPtr, 1)
	b.Row(metadata.TableFieldPtr, 1)
	b.SetCell(ta, 4, 1)
	// One past the last FieldPtr row, two past the last Field row.
	b.SetCell(tb, 4, 3)

	g := mustDecode(t, b)
	if fa := g.Fields(ta.Row()); len(fa) != 2 || fa[0].Row() != 1 || fa[1].Row() != 1 {
		t.Fatalf("A fields = %v", fa)
	}
	if fb := g.Fields(tb.Row()); len(fb) != 0 {
		t.Fatalf("B fields = %v", fb)
	}
}

func TestSignatureShapes(t *testing.T) {
	b := testimage.New("Sigs")
	b.Module("Sigs.dll")
	list := b.TypeDef(0, "Gen", "List`1", 0)
	b.Field(0, "items", testimage.FieldSig(testimage.SZArray(testimage.Var(0))))
	b.Field(0, "nested", testimage.FieldSig(testimage.GenericInst(list, testimage.Prim(metadata.ElemString))))
	arr := []byte{0x06, byte(metadata.ElemArray), byte(metadata.ElemI4), 2, 1, 4, 1, 0x7F}
	b.Field(0, "grid", arr)
	locals := b.Row(metadata.TableStandAloneSig, b.Blob(testimage.LocalsSig(testimage.Prim(metadata.ElemI4), testimage.Class(list))))
	bad := b.Row(metadata.TableStandAloneSig, b.Blob([]byte{0x07, 1, byte(metadata.ElemClass), 0x7D}))

	g := mustDecode(t, b)
	items, err := g.FieldSignature(g.Field(1).Signature)
	if err != nil || items.Elem != metadata.ElemSZArray || items.Inner.Elem != metadata.ElemVar {
		t.Fatalf("items = %s, %v", items, err)
	}
	nested, err := g.FieldSignature(g.Field(2).Signature)
	if err != nil || nested.Elem != metadata.ElemGenericInst || nested.Type != list || len(nested.Args) != 1 {
		t.Fatalf("nested = %s, %v", nested, err)
	}
	grid, err := g.FieldSignature(g.Field(3).Signature)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if grid.Rank != 2 || len(grid.Sizes) != 1 || grid.Sizes[0] != 4 || len(grid.LoBounds) != 1 || grid.LoBounds[0] != -1 {
		t.Fatalf("grid = %+v", grid)
	}

	ls, err := g.LocalsSignature(g.StandAloneSig(locals.Row()).Signature)
	if err != nil || len(ls) != 2 || ls[1].Type != list {
		t.Fatalf("locals = %v, %v", ls, err)
	}
	if !g.IsLocalsSignature(g.StandAloneSig(locals.Row()).Signature) {
		t.Fatal("expected a locals blob")
	}
	_, err = g.LocalsSignature(g.StandAloneSig(bad.Row()).Signature)
	if !errors.Is(err, &mderrors.Error{Kind: mderrors.KindCorruptMetadata, Sub: mderrors.SubBadSignature}) {
		t.Fatalf("expected BadSignature for dangling TypeDefOrRef, got %v", err)
	}
}

func TestPublicKeyToken(t *testing.T) {
	ecmaKey, _ := hex.DecodeString("00000000000000000400000000000000")
	if got := hex.EncodeToString(metadata.PublicKeyToken(ecmaKey)); got != "b77a5c561934e089" {
		t.Fatalf("token = %s", got)
	}

	b := testimage.New("Signed")
	b.Module("Signed.dll")
	b.Assembly("Signed", version.MustParse("2.0.0.0"), ecmaKey)
	g := mustDecode(t, b)
	if hex.EncodeToString(g.Identity.PublicKeyToken) != "b77a5c561934e089" {
		t.Fatalf("identity token = %x", g.Identity.PublicKeyToken)
	}
}
