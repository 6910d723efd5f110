package resolver

import (
	"fmt"
	"strings"

	"github.com/zelig-tools/mdimport/internal/bytecursor"
	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/normalized"
)

const attributeProlog = 0x0001

var scalarSizes = map[metadata.ElementType]int{
	metadata.ElemBoolean: 1, metadata.ElemI1: 1, metadata.ElemU1: 1,
	metadata.ElemChar: 2, metadata.ElemI2: 2, metadata.ElemU2: 2,
	metadata.ElemI4: 4, metadata.ElemU4: 4, metadata.ElemR4: 4,
	metadata.ElemI8: 8, metadata.ElemU8: 8, metadata.ElemR8: 8,
}

// argType is the serialized shape of one attribute argument. Enums carry
// their underlying scalar in elem.
type argType struct {
	elem  metadata.ElementType
	enum  normalized.EntityRef
	inner *argType
}

// attrDecoder reads one custom attribute blob in the context of the
// assembly that declares the attribute.
type attrDecoder struct {
	r    *Resolver
	u    *unit
	c    *bytecursor.Cursor
	from metadata.Token
}

// decodeAttribute reads the fixed and named arguments of ca against its
// constructor signature.
func (r *Resolver) decodeAttribute(u *unit, ca metadata.CustomAttribute) ([]normalized.AttributeValue, []normalized.NamedArgument, error) {
	sig, err := r.ctorSignature(u, ca.Ctor)
	if err != nil {
		return nil, nil, err
	}
	d := &attrDecoder{r: r, u: u, c: bytecursor.New(u.g.Blob(ca.Value)), from: ca.Token}
	prolog, err := d.c.U16()
	if err != nil {
		return nil, nil, err
	}
	if prolog != attributeProlog {
		return nil, nil, mderrors.Corrupt(mderrors.SubBadSignature, "custom attribute prolog 0x%04x", prolog).WithToken(uint32(ca.Token))
	}

	fixed := make([]normalized.AttributeValue, 0, len(sig.Params))
	for i, p := range sig.Params {
		t, err := d.paramType(p)
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d: %w", i, err)
		}
		v, err := d.value(t)
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d: %w", i, err)
		}
		fixed = append(fixed, v)
	}

	n, err := d.c.U16()
	if err != nil {
		return nil, nil, err
	}
	var named []normalized.NamedArgument
	for i := 0; i < int(n); i++ {
		kind, err := d.c.U8()
		if err != nil {
			return nil, nil, err
		}
		if k := metadata.ElementType(kind); k != metadata.ElemSerField && k != metadata.ElemSerProperty {
			return nil, nil, mderrors.Corrupt(mderrors.SubBadSignature, "named argument %d has kind 0x%02x", i, kind).WithToken(uint32(ca.Token))
		}
		t, err := d.serializedType()
		if err != nil {
			return nil, nil, fmt.Errorf("named argument %d: %w", i, err)
		}
		name, _, err := metadata.SerString(d.c)
		if err != nil {
			return nil, nil, err
		}
		v, err := d.value(t)
		if err != nil {
			return nil, nil, fmt.Errorf("named argument %s: %w", name, err)
		}
		named = append(named, normalized.NamedArgument{
			Property: metadata.ElementType(kind) == metadata.ElemSerProperty,
			Name:     name,
			Value:    v,
		})
	}
	return fixed, named, nil
}

func (r *Resolver) ctorSignature(u *unit, ctor metadata.Token) (*metadata.MethodSig, error) {
	if err := u.g.Check(ctor); err != nil {
		return nil, err
	}
	switch ctor.Table() {
	case metadata.TableMethodDef:
		return u.g.MethodSignature(u.g.MethodDef(ctor.Row()).Signature)
	case metadata.TableMemberRef:
		return u.g.MethodSignature(u.g.MemberRef(ctor.Row()).Signature)
	}
	return nil, mderrors.Corrupt(mderrors.SubBadToken, "attribute constructor %s", ctor).WithToken(uint32(ctor))
}

// paramType maps a constructor parameter onto its serialized shape.
func (d *attrDecoder) paramType(p *metadata.TypeSig) (*argType, error) {
	switch p.Elem {
	case metadata.ElemObject:
		return &argType{elem: metadata.ElemSerBoxed}, nil
	case metadata.ElemString:
		return &argType{elem: p.Elem}, nil
	case metadata.ElemSZArray:
		inner, err := d.paramType(p.Inner)
		if err != nil {
			return nil, err
		}
		return &argType{elem: p.Elem, inner: inner}, nil
	case metadata.ElemClass, metadata.ElemValueType:
		ref, err := d.r.typeHandle(d.u, p.Type)
		if err != nil {
			return nil, err
		}
		if p.Elem == metadata.ElemValueType {
			return d.enumType(ref)
		}
		if ns, name := d.r.rawTypeName(ref); ns == "System" && name == "Type" {
			return &argType{elem: metadata.ElemSerType}, nil
		}
		return nil, mderrors.Corrupt(mderrors.SubBadSignature, "class %s cannot be an attribute argument", d.r.typeName(ref))
	}
	if _, ok := scalarSizes[p.Elem]; ok {
		return &argType{elem: p.Elem}, nil
	}
	return nil, mderrors.Corrupt(mderrors.SubBadSignature, "%s cannot be an attribute argument", p)
}

// serializedType reads a FieldOrPropType.
func (d *attrDecoder) serializedType() (*argType, error) {
	b, err := d.c.U8()
	if err != nil {
		return nil, err
	}
	switch e := metadata.ElementType(b); e {
	case metadata.ElemString, metadata.ElemSerType, metadata.ElemSerBoxed:
		return &argType{elem: e}, nil
	case metadata.ElemSZArray:
		inner, err := d.serializedType()
		if err != nil {
			return nil, err
		}
		return &argType{elem: e, inner: inner}, nil
	case metadata.ElemSerEnum:
		name, null, err := metadata.SerString(d.c)
		if err != nil {
			return nil, err
		}
		if null {
			return nil, mderrors.Corrupt(mderrors.SubBadSignature, "enum argument without a type name")
		}
		ref, err := d.typeByName(name)
		if err != nil {
			return nil, err
		}
		return d.enumType(ref)
	default:
		if _, ok := scalarSizes[e]; ok {
			return &argType{elem: e}, nil
		}
	}
	return nil, mderrors.Corrupt(mderrors.SubBadSignature, "serialization type 0x%02x", b)
}

// enumType finds the underlying type of an enum from its instance field.
func (d *attrDecoder) enumType(ref normalized.EntityRef) (*argType, error) {
	t := d.r.unitOf(ref)
	if t == nil || ref.Kind != normalized.KindType {
		return nil, mderrors.Unresolved(uint32(d.from), "enum %s unavailable", ref)
	}
	g := t.g
	for _, f := range g.Fields(uint32(ref.Index) + 1) {
		fd := g.Field(f.Row())
		if fd.Flags&metadata.FieldStatic != 0 {
			continue
		}
		sig, err := g.FieldSignature(fd.Signature)
		if err != nil {
			return nil, err
		}
		if _, ok := scalarSizes[sig.Elem]; !ok {
			break
		}
		return &argType{elem: sig.Elem, enum: ref}, nil
	}
	return nil, mderrors.Unresolved(uint32(d.from), "%s is not an enum", d.r.typeName(ref))
}

func (d *attrDecoder) value(t *argType) (normalized.AttributeValue, error) {
	switch t.elem {
	case metadata.ElemSerBoxed:
		inner, err := d.serializedType()
		if err != nil {
			return normalized.AttributeValue{}, err
		}
		return d.value(inner)
	case metadata.ElemSZArray:
		n, err := d.c.U32()
		if err != nil {
			return normalized.AttributeValue{}, err
		}
		out := normalized.AttributeValue{Elem: t.elem}
		if n == 0xFFFFFFFF {
			return out, nil
		}
		// Every element takes at least one byte.
		if int64(n) > int64(d.c.Remaining()) {
			return out, mderrors.Corrupt(mderrors.SubBadSignature, "array of %d elements in %d bytes", n, d.c.Remaining())
		}
		items := make([]normalized.AttributeValue, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := d.value(t.inner)
			if err != nil {
				return out, err
			}
			items = append(items, v)
		}
		out.Value = items
		return out, nil
	case metadata.ElemString:
		s, null, err := metadata.SerString(d.c)
		if err != nil || null {
			return normalized.AttributeValue{Elem: t.elem}, err
		}
		return normalized.AttributeValue{Elem: t.elem, Value: s}, nil
	case metadata.ElemSerType:
		name, null, err := metadata.SerString(d.c)
		if err != nil || null {
			return normalized.AttributeValue{Elem: t.elem}, err
		}
		ref, err := d.typeByName(name)
		if err != nil {
			return normalized.AttributeValue{}, err
		}
		elem := metadata.ElemClass
		if d.r.isValueType(ref) {
			elem = metadata.ElemValueType
		}
		return normalized.AttributeValue{Elem: t.elem, Value: &normalized.TypeSig{Elem: elem, Type: ref}}, nil
	}
	b, err := d.c.Read(scalarSizes[t.elem])
	if err != nil {
		return normalized.AttributeValue{}, err
	}
	v, err := metadata.DecodeConstant(t.elem, b)
	if err != nil {
		return normalized.AttributeValue{}, err
	}
	return normalized.AttributeValue{Elem: t.elem, Type: t.enum, Value: v}, nil
}

// typeByName resolves a serialized type name. An assembly-qualified name
// is looked up in that assembly; otherwise the declaring assembly is tried
// first, then its references, then every assembly of the run.
func (d *attrDecoder) typeByName(qualifiedName string) (normalized.EntityRef, error) {
	typeName, assembly := splitTypeName(qualifiedName)
	if typeName == "" || strings.ContainsAny(typeName, "[]*&") {
		return normalized.Nil, mderrors.Unresolved(uint32(d.from), "type name %q is not supported", qualifiedName)
	}
	path := strings.Split(typeName, "+")
	ns, top := "", path[0]
	if i := strings.LastIndexByte(top, '.'); i >= 0 {
		ns, top = top[:i], top[i+1:]
	}

	for _, t := range d.candidates(assembly) {
		if t.names == nil {
			continue
		}
		ref, err := d.r.findType(t, ns, top, d.from)
		if err != nil {
			continue
		}
		for _, nested := range path[1:] {
			owner := d.r.unitOf(ref)
			i, ok := owner.names.lookup("", nested, ref.Index)
			if !ok {
				return normalized.Nil, mderrors.Unresolved(uint32(d.from), "nested type %s not found", qualifiedName)
			}
			ref = owner.asm.Ref(normalized.KindType, int(i))
		}
		return ref, nil
	}
	return normalized.Nil, mderrors.Unresolved(uint32(d.from), "type %s not found", qualifiedName)
}

func (d *attrDecoder) candidates(assembly string) []*unit {
	d.r.bind(d.u)
	scope := append([]*unit{d.u}, d.u.deps...)
	scope = append(scope, d.r.units...)
	if assembly == "" {
		return nonNil(scope)
	}
	var out []*unit
	for _, t := range scope {
		if t != nil && strings.EqualFold(t.g.Identity.Name, assembly) {
			out = append(out, t)
		}
	}
	return out
}

func nonNil(units []*unit) []*unit {
	out := units[:0]
	for _, t := range units {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// splitTypeName separates "Ns.Type, Assembly, Version=..." into the type
// name and the simple assembly name.
func splitTypeName(s string) (typeName, assembly string) {
	depth := 0
	for i, ch := range s {
		switch ch {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				assembly, _, _ = strings.Cut(s[i+1:], ",")
				return strings.TrimSpace(s[:i]), strings.TrimSpace(assembly)
			}
		}
	}
	return strings.TrimSpace(s), ""
}

// rawTypeName reads a type's name from its defining metadata, which is
// available before that assembly is linked.
func (r *Resolver) rawTypeName(ref normalized.EntityRef) (namespace, name string) {
	t := r.unitOf(ref)
	if t == nil || ref.Kind != normalized.KindType {
		return "", ""
	}
	return t.g.TypeName(metadata.MakeToken(metadata.TableTypeDef, uint32(ref.Index)+1))
}
