package metadata

import (
	"encoding/binary"
	"math"
	"unicode/utf16"

	"github.com/zelig-tools/mdimport/internal/bytecursor"
	mderrors "github.com/zelig-tools/mdimport/internal/errors"
)

type FieldMarshal struct {
	Token      Token
	Parent     Token // Field or Param
	NativeType BlobIndex
}

func (g *Graph) FieldMarshal(row uint32) FieldMarshal {
	c := g.cells(TableFieldMarshal, row)
	if c == nil {
		return FieldMarshal{}
	}
	return FieldMarshal{MakeToken(TableFieldMarshal, row), Token(c[0]), BlobIndex(c[1])}
}

// DecodeConstant interprets a Constant blob by its element type. Integers
// keep their exact Go width, chars decode to rune, strings from UTF-16LE,
// and a class constant (always null) to nil.
func DecodeConstant(elem ElementType, blob []byte) (any, error) {
	need := constantSize(elem)
	if need < 0 {
		return nil, mderrors.Corrupt(mderrors.SubBadSignature, "constant of type %s", elem)
	}
	if len(blob) < need {
		return nil, mderrors.Corrupt(mderrors.SubBadSignature, "%s constant needs %d bytes, blob has %d", elem, need, len(blob))
	}
	le := binary.LittleEndian
	switch elem {
	case ElemBoolean:
		return blob[0] != 0, nil
	case ElemChar:
		return rune(le.Uint16(blob)), nil
	case ElemI1:
		return int8(blob[0]), nil
	case ElemU1:
		return blob[0], nil
	case ElemI2:
		return int16(le.Uint16(blob)), nil
	case ElemU2:
		return le.Uint16(blob), nil
	case ElemI4:
		return int32(le.Uint32(blob)), nil
	case ElemU4:
		return le.Uint32(blob), nil
	case ElemI8:
		return int64(le.Uint64(blob)), nil
	case ElemU8:
		return le.Uint64(blob), nil
	case ElemR4:
		return math.Float32frombits(le.Uint32(blob)), nil
	case ElemR8:
		return math.Float64frombits(le.Uint64(blob)), nil
	case ElemString:
		if len(blob)%2 != 0 {
			return nil, mderrors.Corrupt(mderrors.SubBadSignature, "string constant has odd length %d", len(blob))
		}
		units := make([]uint16, len(blob)/2)
		for i := range units {
			units[i] = le.Uint16(blob[2*i:])
		}
		return string(utf16.Decode(units)), nil
	}
	return nil, nil
}

// constantSize is the minimum blob length for elem, or -1 when elem cannot
// be a constant.
func constantSize(elem ElementType) int {
	switch elem {
	case ElemBoolean, ElemI1, ElemU1:
		return 1
	case ElemChar, ElemI2, ElemU2:
		return 2
	case ElemI4, ElemU4, ElemR4:
		return 4
	case ElemI8, ElemU8, ElemR8:
		return 8
	case ElemString, ElemClass:
		return 0
	}
	return -1
}

// NativeType is an ECMA-335 II.23.4 marshalling descriptor kind.
type NativeType uint8

const (
	NativeBoolean         NativeType = 0x02
	NativeI1              NativeType = 0x03
	NativeU1              NativeType = 0x04
	NativeI2              NativeType = 0x05
	NativeU2              NativeType = 0x06
	NativeI4              NativeType = 0x07
	NativeU4              NativeType = 0x08
	NativeI8              NativeType = 0x09
	NativeU8              NativeType = 0x0A
	NativeR4              NativeType = 0x0B
	NativeR8              NativeType = 0x0C
	NativeCurrency        NativeType = 0x0F
	NativeBStr            NativeType = 0x13
	NativeLPStr           NativeType = 0x14
	NativeLPWStr          NativeType = 0x15
	NativeLPTStr          NativeType = 0x16
	NativeFixedSysString  NativeType = 0x17
	NativeIUnknown        NativeType = 0x19
	NativeIDispatch       NativeType = 0x1A
	NativeStruct          NativeType = 0x1B
	NativeInterface       NativeType = 0x1C
	NativeSafeArray       NativeType = 0x1D
	NativeFixedArray      NativeType = 0x1E
	NativeInt             NativeType = 0x1F
	NativeUInt            NativeType = 0x20
	NativeByValStr        NativeType = 0x22
	NativeAnsiBStr        NativeType = 0x23
	NativeTBStr           NativeType = 0x24
	NativeVariantBool     NativeType = 0x25
	NativeFunc            NativeType = 0x26
	NativeAsAny           NativeType = 0x28
	NativeArray           NativeType = 0x2A
	NativeLPStruct        NativeType = 0x2B
	NativeCustomMarshaler NativeType = 0x2C
	NativeError           NativeType = 0x2D
	NativeMax             NativeType = 0x50
)

// MarshalSpec is a decoded FieldMarshal descriptor. Elem is the element
// native type of an Array or the VARTYPE of a SafeArray. Count is the length
// of a FixedSysString or FixedArray, or the element count of an Array, whose
// size parameter is ParamIndex. The strings belong to CustomMarshaler.
type MarshalSpec struct {
	Native     NativeType
	Elem       uint32
	Count      uint32
	ParamIndex uint32

	GUID          string
	UnmanagedType string
	ManagedType   string
	Cookie        string
}

// ParseMarshalSpec decodes a FieldMarshal NativeType blob.
func ParseMarshalSpec(blob []byte) (*MarshalSpec, error) {
	c := bytecursor.New(blob)
	kind, err := c.CompressedU32()
	if err != nil {
		return nil, err
	}
	m := &MarshalSpec{Native: NativeType(kind)}
	if kind > 0xFF {
		return nil, mderrors.Corrupt(mderrors.SubBadSignature, "marshal kind 0x%x", kind)
	}

	switch m.Native {
	case NativeSafeArray:
		if !c.EOF() {
			if m.Elem, err = c.CompressedU32(); err != nil {
				return nil, err
			}
		}
		return m, nil
	case NativeFixedSysString, NativeFixedArray:
		if m.Count, err = c.CompressedU32(); err != nil {
			return nil, err
		}
	case NativeArray:
		if m.Elem, err = c.CompressedU32(); err != nil {
			return nil, err
		}
		if !c.EOF() {
			if m.ParamIndex, err = c.CompressedU32(); err != nil {
				return nil, err
			}
		}
		if !c.EOF() {
			if m.Count, err = c.CompressedU32(); err != nil {
				return nil, err
			}
		}
		return m, nil
	case NativeCustomMarshaler:
		for _, dst := range []*string{&m.GUID, &m.UnmanagedType, &m.ManagedType, &m.Cookie} {
			if *dst, _, err = SerString(c); err != nil {
				return nil, err
			}
		}
	case NativeBoolean, NativeI1, NativeU1, NativeI2, NativeU2, NativeI4, NativeU4, NativeI8, NativeU8,
		NativeR4, NativeR8, NativeCurrency, NativeBStr, NativeLPStr, NativeLPWStr, NativeLPTStr,
		NativeIUnknown, NativeIDispatch, NativeStruct, NativeInterface, NativeInt, NativeUInt,
		NativeByValStr, NativeAnsiBStr, NativeTBStr, NativeVariantBool, NativeFunc, NativeAsAny,
		NativeLPStruct, NativeError, NativeMax:
	default:
		return nil, mderrors.Corrupt(mderrors.SubBadSignature, "unknown marshal kind 0x%02x", kind)
	}
	return m, nil
}

// Custom attribute serialization tags (II.23.3) beyond the signature
// element types.
const (
	ElemSerType     ElementType = 0x50
	ElemSerBoxed    ElementType = 0x51
	ElemSerField    ElementType = 0x53
	ElemSerProperty ElementType = 0x54
	ElemSerEnum     ElementType = 0x55
)

// SerString reads a length-prefixed UTF-8 string. A 0xFF length byte marks
// a null string and sets null.
func SerString(c *bytecursor.Cursor) (s string, null bool, err error) {
	if b, err := c.Peek(1); err == nil && b[0] == 0xFF {
		_ = c.Skip(1)
		return "", true, nil
	}
	n, err := c.CompressedU32()
	if err != nil {
		return "", false, err
	}
	b, err := c.Read(int(n))
	if err != nil {
		return "", false, err
	}
	return string(b), false, nil
}
