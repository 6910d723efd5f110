package resolver

import (
	"math"

	"github.com/sirupsen/logrus"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/normalized"
)

// pointerSize is the width assumed for references and native integers when
// sizing RVA field data.
const pointerSize = 4

// linkValues decodes constants, marshalling descriptors and RVA field data
// onto their owners. A blob that does not decode is logged and left raw.
func (r *Resolver) linkValues(u *unit) {
	g, a := u.g, u.asm
	for row := uint32(1); row <= g.Rows(metadata.TableConstant); row++ {
		c := g.Constant(row)
		if !g.Has(c.Parent) {
			continue
		}
		k := &normalized.Constant{Type: c.Type, Value: g.Blob(c.Value)}
		var err error
		if k.Literal, err = metadata.DecodeConstant(c.Type, k.Value); err != nil {
			r.warn(u, c.Token, err, "constant not decoded")
		}
		switch c.Parent.Table() {
		case metadata.TableField:
			a.Fields[c.Parent.Row()-1].Constant = k
		case metadata.TableParam:
			a.Params[c.Parent.Row()-1].Constant = k
		case metadata.TableProperty:
			a.Properties[c.Parent.Row()-1].Constant = k
		}
	}

	for row := uint32(1); row <= g.Rows(metadata.TableFieldMarshal); row++ {
		fm := g.FieldMarshal(row)
		if !g.Has(fm.Parent) {
			continue
		}
		spec, err := metadata.ParseMarshalSpec(g.Blob(fm.NativeType))
		if err != nil {
			r.warn(u, fm.Token, err, "marshal descriptor not decoded")
			continue
		}
		switch fm.Parent.Table() {
		case metadata.TableField:
			a.Fields[fm.Parent.Row()-1].Marshal = spec
		case metadata.TableParam:
			a.Params[fm.Parent.Row()-1].Marshal = spec
		}
	}

	for row := uint32(1); row <= g.Rows(metadata.TableFieldRVA); row++ {
		fr := g.FieldRVA(row)
		if !g.Has(fr.Field) {
			continue
		}
		f := &a.Fields[fr.Field.Row()-1]
		f.RVA = fr.RVA
		f.InitialValue = r.fieldData(u, fr)
	}
}

// fieldData copies the bytes an RVA field is initialized from.
func (r *Resolver) fieldData(u *unit, fr metadata.FieldRVA) []byte {
	if u.g.Image == nil {
		return nil
	}
	size, err := r.fieldSize(u, fr.Field)
	if err == nil {
		var b []byte
		if b, err = u.g.Image.Slice(fr.RVA, size); err == nil {
			return append([]byte(nil), b...)
		}
	}
	r.warn(u, fr.Token, err, "field data not read")
	return nil
}

func (r *Resolver) fieldSize(u *unit, field metadata.Token) (uint32, error) {
	sig, err := u.g.FieldSignature(u.g.Field(field.Row()).Signature)
	if err != nil {
		return 0, err
	}
	return r.sizeOf(u, sig, 0)
}

// sizeOf is the in-image size of a value of type s.
func (r *Resolver) sizeOf(u *unit, s *metadata.TypeSig, depth int) (uint32, error) {
	switch s.Elem {
	case metadata.ElemBoolean, metadata.ElemI1, metadata.ElemU1:
		return 1, nil
	case metadata.ElemChar, metadata.ElemI2, metadata.ElemU2:
		return 2, nil
	case metadata.ElemI4, metadata.ElemU4, metadata.ElemR4:
		return 4, nil
	case metadata.ElemI8, metadata.ElemU8, metadata.ElemR8:
		return 8, nil
	case metadata.ElemTypedByRef:
		return 2 * pointerSize, nil
	case metadata.ElemString, metadata.ElemClass, metadata.ElemObject, metadata.ElemSZArray,
		metadata.ElemPtr, metadata.ElemByRef, metadata.ElemFnPtr, metadata.ElemI, metadata.ElemU:
		return pointerSize, nil
	case metadata.ElemArray:
		elem, err := r.sizeOf(u, s.Inner, depth+1)
		if err != nil {
			return 0, err
		}
		n := uint64(elem)
		for _, d := range s.Sizes {
			if n *= uint64(d); n > math.MaxUint32 {
				return 0, mderrors.Corrupt(mderrors.SubBadSignature, "array of %s overflows", s.Inner)
			}
		}
		return uint32(n), nil
	case metadata.ElemValueType:
		return r.valueTypeSize(u, s.Type, depth)
	case metadata.ElemGenericInst:
		ref, err := r.typeHandle(u, s.Type)
		if err != nil {
			return 0, err
		}
		if !r.isValueType(ref) {
			return pointerSize, nil
		}
	}
	return 0, mderrors.Corrupt(mderrors.SubBadSignature, "cannot size field data of type %s", s)
}

// valueTypeSize takes the declared class size when there is one and the
// sum of the instance fields otherwise. An empty struct occupies one byte.
func (r *Resolver) valueTypeSize(u *unit, tok metadata.Token, depth int) (uint32, error) {
	if depth > maxBaseDepth {
		return 0, mderrors.Corrupt(mderrors.SubBadSignature, "value type %s nests too deeply", tok).WithToken(uint32(tok))
	}
	ref, err := r.typeHandle(u, tok)
	if err != nil {
		return 0, err
	}
	t := r.unitOf(ref)
	if t == nil || ref.Kind != normalized.KindType {
		return 0, mderrors.Unresolved(uint32(tok), "%s does not name a type definition", tok)
	}
	g, row := t.g, uint32(ref.Index)+1
	for i := uint32(1); i <= g.Rows(metadata.TableClassLayout); i++ {
		if cl := g.ClassLayout(i); cl.Parent.Row() == row && cl.ClassSize > 0 {
			return cl.ClassSize, nil
		}
	}
	var sum uint64
	for _, f := range g.Fields(row) {
		fd := g.Field(f.Row())
		if fd.Flags&metadata.FieldStatic != 0 {
			continue
		}
		sig, err := g.FieldSignature(fd.Signature)
		if err != nil {
			return 0, err
		}
		n, err := r.sizeOf(t, sig, depth+1)
		if err != nil {
			return 0, err
		}
		if sum += uint64(n); sum > math.MaxUint32 {
			return 0, mderrors.Corrupt(mderrors.SubBadSignature, "value type %s overflows", tok).WithToken(uint32(tok))
		}
	}
	if sum == 0 {
		sum = 1
	}
	return uint32(sum), nil
}

func (r *Resolver) warn(u *unit, tok metadata.Token, err error, msg string) {
	r.log.WithFields(logrus.Fields{
		"assembly": u.g.Identity.Name,
		"token":    tok.String(),
		"error":    err,
	}).Warn(msg)
}
