package normalized

import (
	"fmt"
	"strings"

	"github.com/zelig-tools/mdimport/internal/metadata"
)

// CustomMod is a required or optional modifier on a type.
type CustomMod struct {
	Required bool
	Type     EntityRef
}

// TypeSig is a linked type signature; class and value type leaves hold
// EntityRefs instead of tokens.
type TypeSig struct {
	Elem metadata.ElementType
	Mods []CustomMod

	Type     EntityRef
	Inner    *TypeSig
	Args     []*TypeSig
	Number   uint32
	Rank     uint32
	Sizes    []uint32
	LoBounds []int32
	Method   *MethodSig
}

// MethodSig is a linked method signature.
type MethodSig struct {
	Conv          uint8
	GenericParams uint32
	Return        *TypeSig
	Params        []*TypeSig
	SentinelIndex int
}

// HasThis reports an instance method.
func (m *MethodSig) HasThis() bool { return m.Conv&0x20 != 0 }

// Generic reports a generic method.
func (m *MethodSig) Generic() bool { return m.Conv&0x10 != 0 }

// PropertySig is a linked property signature.
type PropertySig struct {
	HasThis bool
	Type    *TypeSig
	Params  []*TypeSig
}

// Format renders s using u to name linked types.
func (s *TypeSig) Format(u *Universe) string {
	var b strings.Builder
	s.format(&b, u)
	return b.String()
}

func (s *TypeSig) format(b *strings.Builder, u *Universe) {
	if s == nil {
		b.WriteString("?")
		return
	}
	switch s.Elem {
	case metadata.ElemClass, metadata.ElemValueType:
		b.WriteString(typeName(u, s.Type))
	case metadata.ElemGenericInst:
		b.WriteString(typeName(u, s.Type))
		b.WriteByte('<')
		for i, a := range s.Args {
			if i > 0 {
				b.WriteByte(',')
			}
			a.format(b, u)
		}
		b.WriteByte('>')
	case metadata.ElemSZArray:
		s.Inner.format(b, u)
		b.WriteString("[]")
	case metadata.ElemArray:
		s.Inner.format(b, u)
		b.WriteByte('[')
		for i := uint32(1); i < s.Rank; i++ {
			b.WriteByte(',')
		}
		b.WriteByte(']')
	case metadata.ElemPtr:
		s.Inner.format(b, u)
		b.WriteByte('*')
	case metadata.ElemByRef:
		s.Inner.format(b, u)
		b.WriteByte('&')
	case metadata.ElemPinned:
		s.Inner.format(b, u)
		b.WriteString(" pinned")
	case metadata.ElemVar:
		fmt.Fprintf(b, "!%d", s.Number)
	case metadata.ElemMVar:
		fmt.Fprintf(b, "!!%d", s.Number)
	case metadata.ElemFnPtr:
		b.WriteString("method ")
		s.Method.format(b, u)
	default:
		b.WriteString(s.Elem.String())
	}
}

// Format renders m using u to name linked types.
func (m *MethodSig) Format(u *Universe) string {
	var b strings.Builder
	m.format(&b, u)
	return b.String()
}

func (m *MethodSig) format(b *strings.Builder, u *Universe) {
	if m == nil {
		b.WriteString("?")
		return
	}
	m.Return.format(b, u)
	b.WriteByte('(')
	for i, p := range m.Params {
		if i > 0 {
			b.WriteByte(',')
		}
		if i == m.SentinelIndex {
			b.WriteString("...,")
		}
		p.format(b, u)
	}
	b.WriteByte(')')
}

func typeName(u *Universe, r EntityRef) string {
	if u != nil {
		if t := u.Type(r); t != nil {
			return t.FullName()
		}
	}
	return r.String()
}
