package metadata

import (
	"fmt"

	"github.com/zelig-tools/mdimport/internal/bytecursor"
	mderrors "github.com/zelig-tools/mdimport/internal/errors"
)

// ElementType is an ECMA-335 II.23.1.16 signature element.
type ElementType uint8

const (
	ElemEnd         ElementType = 0x00
	ElemVoid        ElementType = 0x01
	ElemBoolean     ElementType = 0x02
	ElemChar        ElementType = 0x03
	ElemI1          ElementType = 0x04
	ElemU1          ElementType = 0x05
	ElemI2          ElementType = 0x06
	ElemU2          ElementType = 0x07
	ElemI4          ElementType = 0x08
	ElemU4          ElementType = 0x09
	ElemI8          ElementType = 0x0A
	ElemU8          ElementType = 0x0B
	ElemR4          ElementType = 0x0C
	ElemR8          ElementType = 0x0D
	ElemString      ElementType = 0x0E
	ElemPtr         ElementType = 0x0F
	ElemByRef       ElementType = 0x10
	ElemValueType   ElementType = 0x11
	ElemClass       ElementType = 0x12
	ElemVar         ElementType = 0x13
	ElemArray       ElementType = 0x14
	ElemGenericInst ElementType = 0x15
	ElemTypedByRef  ElementType = 0x16
	ElemI           ElementType = 0x18
	ElemU           ElementType = 0x19
	ElemFnPtr       ElementType = 0x1B
	ElemObject      ElementType = 0x1C
	ElemSZArray     ElementType = 0x1D
	ElemMVar        ElementType = 0x1E
	ElemCModReqd    ElementType = 0x1F
	ElemCModOpt     ElementType = 0x20
	ElemInternal    ElementType = 0x21
	ElemSentinel    ElementType = 0x41
	ElemPinned      ElementType = 0x45
)

var primitiveNames = map[ElementType]string{
	ElemVoid: "void", ElemBoolean: "bool", ElemChar: "char", ElemI1: "int8", ElemU1: "uint8",
	ElemI2: "int16", ElemU2: "uint16", ElemI4: "int32", ElemU4: "uint32", ElemI8: "int64",
	ElemU8: "uint64", ElemR4: "float32", ElemR8: "float64", ElemString: "string",
	ElemTypedByRef: "typedref", ElemI: "native int", ElemU: "native uint", ElemObject: "object",
}

// IsPrimitive reports whether e needs no further signature data.
func (e ElementType) IsPrimitive() bool {
	_, ok := primitiveNames[e]
	return ok
}

func (e ElementType) String() string {
	if n, ok := primitiveNames[e]; ok {
		return n
	}
	return fmt.Sprintf("elem(0x%02x)", uint8(e))
}

// Calling convention bytes.
const (
	sigDefault      = 0x00
	sigVararg       = 0x05
	sigField        = 0x06
	sigLocals       = 0x07
	sigProperty     = 0x08
	sigGenericInst  = 0x0A
	sigConvMask     = 0x0F
	sigGeneric      = 0x10
	sigHasThis      = 0x20
	sigExplicitThis = 0x40

	maxSigDepth = 64
)

// CustomMod is a required or optional modifier attached to a type.
type CustomMod struct {
	Required bool
	Type     Token
}

// TypeSig is a decoded type signature. Which fields are set depends on Elem.
type TypeSig struct {
	Elem ElementType
	Mods []CustomMod

	Type     Token      // CLASS, VALUETYPE, and the generic type of GENERICINST
	Inner    *TypeSig   // PTR, BYREF, SZARRAY, ARRAY, PINNED
	Args     []*TypeSig // GENERICINST
	Number   uint32     // VAR, MVAR
	Rank     uint32     // ARRAY
	Sizes    []uint32
	LoBounds []int32
	Method   *MethodSig // FNPTR
}

func (t *TypeSig) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Elem {
	case ElemClass, ElemValueType:
		return t.Type.String()
	case ElemPtr:
		return t.Inner.String() + "*"
	case ElemByRef:
		return t.Inner.String() + "&"
	case ElemPinned:
		return t.Inner.String() + " pinned"
	case ElemSZArray:
		return t.Inner.String() + "[]"
	case ElemArray:
		return fmt.Sprintf("%s[rank %d]", t.Inner, t.Rank)
	case ElemGenericInst:
		return fmt.Sprintf("%s<%d>", t.Type, len(t.Args))
	case ElemVar:
		return fmt.Sprintf("!%d", t.Number)
	case ElemMVar:
		return fmt.Sprintf("!!%d", t.Number)
	case ElemFnPtr:
		return "fnptr"
	}
	return t.Elem.String()
}

// MethodSig is a decoded method (or FNPTR / StandAloneSig call) signature.
type MethodSig struct {
	Conv          uint8
	GenericParams uint32
	Return        *TypeSig
	Params        []*TypeSig
	// SentinelIndex is the index in Params of the first vararg argument, or -1.
	SentinelIndex int
}

func (m *MethodSig) HasThis() bool      { return m.Conv&sigHasThis != 0 }
func (m *MethodSig) ExplicitThis() bool { return m.Conv&sigExplicitThis != 0 }
func (m *MethodSig) Generic() bool      { return m.Conv&sigGeneric != 0 }
func (m *MethodSig) Vararg() bool       { return m.Conv&sigConvMask == sigVararg }

// PropertySig is a decoded property signature.
type PropertySig struct {
	HasThis bool
	Type    *TypeSig
	Params  []*TypeSig
}

type sigReader struct {
	g     *Graph
	c     *bytecursor.Cursor
	depth int
}

func (g *Graph) sigReader(b BlobIndex) (*sigReader, error) {
	data, err := b.Resolve(g)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, mderrors.Corrupt(mderrors.SubBadSignature, "empty signature blob 0x%x", uint32(b)).WithAssembly(g.Name)
	}
	return &sigReader{g: g, c: bytecursor.NewAt(data, g.blobs.base+int64(b))}, nil
}

func (r *sigReader) fail(format string, args ...interface{}) error {
	return mderrors.Corrupt(mderrors.SubBadSignature, format, args...).WithOffset(r.c.Offset()).WithAssembly(r.g.Name)
}

func (r *sigReader) typeDefOrRef() (Token, error) {
	v, err := r.c.CompressedU32()
	if err != nil {
		return 0, err
	}
	tok, ok := CodedTypeDefOrRef.Decode(v)
	if !ok || !r.g.Has(tok) {
		return 0, r.fail("invalid TypeDefOrRef 0x%x in signature", v)
	}
	return tok, nil
}

func (r *sigReader) mods() ([]CustomMod, error) {
	var mods []CustomMod
	for {
		b, err := r.c.Peek(1)
		if err != nil {
			return nil, err
		}
		e := ElementType(b[0])
		if e != ElemCModReqd && e != ElemCModOpt {
			return mods, nil
		}
		_ = r.c.Skip(1)
		tok, err := r.typeDefOrRef()
		if err != nil {
			return nil, err
		}
		mods = append(mods, CustomMod{Required: e == ElemCModReqd, Type: tok})
	}
}

func (r *sigReader) typeSig() (*TypeSig, error) {
	r.depth++
	defer func() { r.depth-- }()
	if r.depth > maxSigDepth {
		return nil, r.fail("signature nesting exceeds %d", maxSigDepth)
	}

	mods, err := r.mods()
	if err != nil {
		return nil, err
	}
	b, err := r.c.U8()
	if err != nil {
		return nil, err
	}
	t := &TypeSig{Elem: ElementType(b), Mods: mods}
	switch t.Elem {
	case ElemClass, ElemValueType:
		t.Type, err = r.typeDefOrRef()
	case ElemPtr, ElemByRef, ElemSZArray, ElemPinned:
		t.Inner, err = r.typeSig()
	case ElemVar, ElemMVar:
		t.Number, err = r.c.CompressedU32()
	case ElemGenericInst:
		err = r.genericInst(t)
	case ElemArray:
		err = r.array(t)
	case ElemFnPtr:
		t.Method, err = r.methodSig()
	default:
		if !t.Elem.IsPrimitive() {
			return nil, r.fail("unexpected element type 0x%02x", b)
		}
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *sigReader) genericInst(t *TypeSig) error {
	kind, err := r.c.U8()
	if err != nil {
		return err
	}
	if ElementType(kind) != ElemClass && ElementType(kind) != ElemValueType {
		return r.fail("generic instantiation of element 0x%02x", kind)
	}
	if t.Type, err = r.typeDefOrRef(); err != nil {
		return err
	}
	n, err := r.c.CompressedU32()
	if err != nil {
		return err
	}
	if n == 0 || int(n) > r.c.Remaining() {
		return r.fail("generic instantiation with %d arguments", n)
	}
	t.Args = make([]*TypeSig, n)
	for i := range t.Args {
		if t.Args[i], err = r.typeSig(); err != nil {
			return err
		}
	}
	return nil
}

func (r *sigReader) array(t *TypeSig) error {
	var err error
	if t.Inner, err = r.typeSig(); err != nil {
		return err
	}
	if t.Rank, err = r.c.CompressedU32(); err != nil {
		return err
	}
	n, err := r.c.CompressedU32()
	if err != nil {
		return err
	}
	if int(n) > r.c.Remaining() {
		return r.fail("array with %d sizes", n)
	}
	for i := uint32(0); i < n; i++ {
		s, err := r.c.CompressedU32()
		if err != nil {
			return err
		}
		t.Sizes = append(t.Sizes, s)
	}
	if n, err = r.c.CompressedU32(); err != nil {
		return err
	}
	if int(n) > r.c.Remaining() {
		return r.fail("array with %d bounds", n)
	}
	for i := uint32(0); i < n; i++ {
		lb, err := r.c.CompressedI32()
		if err != nil {
			return err
		}
		t.LoBounds = append(t.LoBounds, lb)
	}
	return nil
}

// param reads a RetType or Param: custom mods, then BYREF/TYPEDBYREF/VOID or a type.
func (r *sigReader) param() (*TypeSig, error) {
	return r.typeSig()
}

func (r *sigReader) methodSig() (*MethodSig, error) {
	conv, err := r.c.U8()
	if err != nil {
		return nil, err
	}
	switch conv & sigConvMask {
	case sigField, sigLocals, sigProperty, sigGenericInst:
		return nil, r.fail("calling convention 0x%02x is not a method", conv)
	}
	m := &MethodSig{Conv: conv, SentinelIndex: -1}
	if m.Generic() {
		if m.GenericParams, err = r.c.CompressedU32(); err != nil {
			return nil, err
		}
	}
	n, err := r.c.CompressedU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.c.Remaining() {
		return nil, r.fail("method signature with %d parameters", n)
	}
	if m.Return, err = r.param(); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		b, err := r.c.Peek(1)
		if err != nil {
			return nil, err
		}
		if ElementType(b[0]) == ElemSentinel {
			_ = r.c.Skip(1)
			m.SentinelIndex = int(i)
		}
		p, err := r.param()
		if err != nil {
			return nil, err
		}
		m.Params = append(m.Params, p)
	}
	return m, nil
}

// FieldSignature decodes a Field or field-MemberRef signature.
func (g *Graph) FieldSignature(b BlobIndex) (*TypeSig, error) {
	r, err := g.sigReader(b)
	if err != nil {
		return nil, err
	}
	conv, err := r.c.U8()
	if err != nil {
		return nil, err
	}
	if conv&sigConvMask != sigField {
		return nil, r.fail("field signature starts with 0x%02x", conv)
	}
	return r.typeSig()
}

// MethodSignature decodes a MethodDef, method-MemberRef or StandAloneSig call signature.
func (g *Graph) MethodSignature(b BlobIndex) (*MethodSig, error) {
	r, err := g.sigReader(b)
	if err != nil {
		return nil, err
	}
	return r.methodSig()
}

// PropertySignature decodes a Property signature.
func (g *Graph) PropertySignature(b BlobIndex) (*PropertySig, error) {
	r, err := g.sigReader(b)
	if err != nil {
		return nil, err
	}
	conv, err := r.c.U8()
	if err != nil {
		return nil, err
	}
	if conv&sigConvMask != sigProperty {
		return nil, r.fail("property signature starts with 0x%02x", conv)
	}
	n, err := r.c.CompressedU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.c.Remaining() {
		return nil, r.fail("property signature with %d parameters", n)
	}
	p := &PropertySig{HasThis: conv&sigHasThis != 0}
	if p.Type, err = r.param(); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		t, err := r.param()
		if err != nil {
			return nil, err
		}
		p.Params = append(p.Params, t)
	}
	return p, nil
}

// LocalsSignature decodes a LOCAL_SIG blob referenced from a fat method header.
func (g *Graph) LocalsSignature(b BlobIndex) ([]*TypeSig, error) {
	r, err := g.sigReader(b)
	if err != nil {
		return nil, err
	}
	conv, err := r.c.U8()
	if err != nil {
		return nil, err
	}
	if conv != sigLocals {
		return nil, r.fail("locals signature starts with 0x%02x", conv)
	}
	n, err := r.c.CompressedU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.c.Remaining() {
		return nil, r.fail("locals signature with %d entries", n)
	}
	locals := make([]*TypeSig, 0, n)
	for i := uint32(0); i < n; i++ {
		t, err := r.typeSig()
		if err != nil {
			return nil, err
		}
		locals = append(locals, t)
	}
	return locals, nil
}

// TypeSpecSignature decodes the type held by a TypeSpec row.
func (g *Graph) TypeSpecSignature(b BlobIndex) (*TypeSig, error) {
	r, err := g.sigReader(b)
	if err != nil {
		return nil, err
	}
	return r.typeSig()
}

// MethodSpecSignature decodes the generic arguments of a MethodSpec row.
func (g *Graph) MethodSpecSignature(b BlobIndex) ([]*TypeSig, error) {
	r, err := g.sigReader(b)
	if err != nil {
		return nil, err
	}
	conv, err := r.c.U8()
	if err != nil {
		return nil, err
	}
	if conv != sigGenericInst {
		return nil, r.fail("method spec starts with 0x%02x", conv)
	}
	n, err := r.c.CompressedU32()
	if err != nil {
		return nil, err
	}
	if n == 0 || int(n) > r.c.Remaining() {
		return nil, r.fail("method spec with %d arguments", n)
	}
	args := make([]*TypeSig, n)
	for i := range args {
		if args[i], err = r.typeSig(); err != nil {
			return nil, err
		}
	}
	return args, nil
}

// IsLocalsSignature reports whether a StandAloneSig blob holds locals rather than a call site.
func (g *Graph) IsLocalsSignature(b BlobIndex) bool {
	data := g.Blob(b)
	return len(data) > 0 && data[0] == sigLocals
}
