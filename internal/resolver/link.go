package resolver

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/normalized"
)

// link replaces every reference of u with a normalized link. The first
// failure aborts the assembly.
func (r *Resolver) link(u *unit) error {
	g, a := u.g, u.asm

	a.TypeRefs = make([]normalized.EntityRef, len(u.typeRefs))
	for i := range u.typeRefs {
		ref, err := r.typeRef(u, uint32(i+1))
		if err != nil {
			return err
		}
		a.TypeRefs[i] = ref
	}
	a.TypeSpecs = make([]*normalized.TypeSig, len(u.typeSpecs))
	for i := range u.typeSpecs {
		sig, err := r.typeSpec(u, uint32(i+1))
		if err != nil {
			return err
		}
		a.TypeSpecs[i] = sig
	}

	for i := range a.Types {
		if _, err := r.baseOf(u, i); err != nil {
			return err
		}
	}
	for row := uint32(1); row <= g.Rows(metadata.TableInterfaceImpl); row++ {
		ii := g.InterfaceImpl(row)
		if err := g.Check(ii.Class); err != nil {
			return fmt.Errorf("%s: %w", ii.Token, err)
		}
		sig, err := r.typeToken(u, ii.Interface)
		if err != nil {
			return fmt.Errorf("%s: %w", ii.Token, err)
		}
		t := &a.Types[ii.Class.Row()-1]
		t.Interfaces = append(t.Interfaces, sig)
	}

	for i := range a.Fields {
		if _, err := r.fieldSig(u, i); err != nil {
			return err
		}
	}
	for i := range a.Methods {
		if _, err := r.methodSig(u, i); err != nil {
			return err
		}
	}
	for i := range a.Properties {
		p := &a.Properties[i]
		raw, err := g.PropertySignature(g.Property(uint32(i + 1)).Signature)
		if err != nil {
			return fmt.Errorf("%s: %w", p.Token, err)
		}
		if p.Signature, err = r.propertySig(u, raw); err != nil {
			return fmt.Errorf("%s: %w", p.Token, err)
		}
	}
	for i := range a.Events {
		e := &a.Events[i]
		tok := g.Event(uint32(i + 1)).EventType
		if tok.IsNil() {
			continue
		}
		var err error
		if e.EventType, err = r.typeToken(u, tok); err != nil {
			return fmt.Errorf("%s: %w", e.Token, err)
		}
	}
	if err := r.linkSemantics(u); err != nil {
		return err
	}
	r.linkLayout(u)

	for row := uint32(1); row <= g.Rows(metadata.TableGenericParamConstraint); row++ {
		c := g.GenericParamConstraint(row)
		if err := g.Check(c.Owner); err != nil {
			return fmt.Errorf("%s: %w", c.Token, err)
		}
		sig, err := r.typeToken(u, c.Constraint)
		if err != nil {
			return fmt.Errorf("%s: %w", c.Token, err)
		}
		gp := &a.GenericParams[c.Owner.Row()-1]
		gp.Constraints = append(gp.Constraints, sig)
	}

	a.MemberRefs = make([]normalized.MemberLink, len(u.memberRefs))
	for i := range u.memberRefs {
		link, err := r.memberRef(u, uint32(i+1))
		if err != nil {
			return err
		}
		a.MemberRefs[i] = link
	}
	a.MethodSpecs = make([]normalized.MemberLink, g.Rows(metadata.TableMethodSpec))
	for i := range a.MethodSpecs {
		link, err := r.methodSpec(u, uint32(i+1))
		if err != nil {
			return err
		}
		a.MethodSpecs[i] = link
	}

	for row := uint32(1); row <= g.Rows(metadata.TableMethodImpl); row++ {
		mi := g.MethodImpl(row)
		if err := g.Check(mi.Class); err != nil {
			return fmt.Errorf("%s: %w", mi.Token, err)
		}
		body, err := r.methodLink(u, mi.Body)
		if err != nil {
			return fmt.Errorf("%s: %w", mi.Token, err)
		}
		decl, err := r.methodLink(u, mi.Declaration)
		if err != nil {
			return fmt.Errorf("%s: %w", mi.Token, err)
		}
		t := &a.Types[mi.Class.Row()-1]
		t.MethodImpls = append(t.MethodImpls, normalized.MethodImpl{Body: body, Declaration: decl})
	}

	a.CustomAttributes = make([]normalized.CustomAttribute, 0, g.Rows(metadata.TableCustomAttribute))
	for row := uint32(1); row <= g.Rows(metadata.TableCustomAttribute); row++ {
		ca := g.CustomAttribute(row)
		ctor, err := r.methodLink(u, ca.Ctor)
		if err != nil {
			return fmt.Errorf("%s: %w", ca.Token, err)
		}
		attr := normalized.CustomAttribute{
			Token:       ca.Token,
			Parent:      u.local(ca.Parent),
			Constructor: ctor,
			Value:       g.Blob(ca.Value),
		}
		if attr.Fixed, attr.Named, err = r.decodeAttribute(u, ca); err != nil {
			attr.DecodeErr = err
			r.warn(u, ca.Token, err, "custom attribute arguments not decoded")
		}
		a.CustomAttributes = append(a.CustomAttributes, attr)
	}

	r.attachCode(u)
	if g.EntryPoint.Table() == metadata.TableMethodDef {
		a.EntryPoint = u.local(g.EntryPoint)
	}
	return nil
}

func (r *Resolver) linkSemantics(u *unit) error {
	g, a := u.g, u.asm
	for row := uint32(1); row <= g.Rows(metadata.TableMethodSemantics); row++ {
		ms := g.MethodSemantics(row)
		for _, tok := range []metadata.Token{ms.Method, ms.Association} {
			if err := g.Check(tok); err != nil {
				return fmt.Errorf("%s: %w", ms.Token, err)
			}
		}
		m := u.local(ms.Method)
		switch ms.Association.Table() {
		case metadata.TableProperty:
			p := &a.Properties[ms.Association.Row()-1]
			switch {
			case ms.Semantics&metadata.SemanticsGetter != 0:
				p.Getter = m
			case ms.Semantics&metadata.SemanticsSetter != 0:
				p.Setter = m
			default:
				p.Other = append(p.Other, m)
			}
		case metadata.TableEvent:
			e := &a.Events[ms.Association.Row()-1]
			switch {
			case ms.Semantics&metadata.SemanticsAddOn != 0:
				e.Add = m
			case ms.Semantics&metadata.SemanticsRemoveOn != 0:
				e.Remove = m
			case ms.Semantics&metadata.SemanticsFire != 0:
				e.Fire = m
			default:
				e.Other = append(e.Other, m)
			}
		}
	}
	return nil
}

// linkLayout copies values, layout rows and P/Invoke data onto their
// owners. Rows naming a missing owner are skipped.
func (r *Resolver) linkLayout(u *unit) {
	g, a := u.g, u.asm
	r.linkValues(u)
	for row := uint32(1); row <= g.Rows(metadata.TableFieldLayout); row++ {
		fl := g.FieldLayout(row)
		if g.Has(fl.Field) {
			a.Fields[fl.Field.Row()-1].Offset = int64(fl.Offset)
		}
	}
	for row := uint32(1); row <= g.Rows(metadata.TableClassLayout); row++ {
		cl := g.ClassLayout(row)
		if g.Has(cl.Parent) {
			t := &a.Types[cl.Parent.Row()-1]
			t.PackingSize = cl.PackingSize
			t.ClassSize = cl.ClassSize
		}
	}
	for row := uint32(1); row <= g.Rows(metadata.TableImplMap); row++ {
		im := g.ImplMap(row)
		if im.MemberForwarded.Table() != metadata.TableMethodDef || !g.Has(im.MemberForwarded) {
			continue
		}
		module := ""
		if g.Has(im.ImportScope) {
			module = g.Str(g.ModuleRef(im.ImportScope.Row()).Name)
		}
		a.Methods[im.MemberForwarded.Row()-1].Import = &normalized.PInvoke{
			Flags:  im.MappingFlags,
			Entry:  g.Str(im.ImportName),
			Module: module,
		}
	}
}

// attachCode hangs extracted bodies and debug records on their methods. A
// locals signature that cannot be linked only loses the locals.
func (r *Resolver) attachCode(u *unit) {
	g, a := u.g, u.asm
	for i := range a.Methods {
		m := &a.Methods[i]
		if g.Symbols != nil {
			m.Debug = g.Symbols.FindByToken(uint32(m.Token))
		}
		b := g.Bodies[m.Token]
		if b == nil {
			continue
		}
		m.Body = b
		if b.Unavailable || b.LocalVarSigToken == 0 {
			continue
		}
		locals, err := r.locals(u, metadata.Token(b.LocalVarSigToken))
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"assembly": g.Identity.Name,
				"token":    m.Token.String(),
				"error":    err,
			}).Warn("locals signature not linked")
			continue
		}
		m.Locals = locals
	}
}

func (r *Resolver) locals(u *unit, tok metadata.Token) ([]*normalized.TypeSig, error) {
	if tok.Table() != metadata.TableStandAloneSig {
		return nil, mderrors.Corrupt(mderrors.SubBadToken, "locals token %s is not a StandAloneSig", tok).WithToken(uint32(tok))
	}
	if err := u.g.Check(tok); err != nil {
		return nil, err
	}
	raw, err := u.g.LocalsSignature(u.g.StandAloneSig(tok.Row()).Signature)
	if err != nil {
		return nil, err
	}
	out := make([]*normalized.TypeSig, len(raw))
	for i, s := range raw {
		if out[i], err = r.sig(u, s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// baseOf links the base type of type i on first use.
func (r *Resolver) baseOf(u *unit, i int) (*normalized.TypeSig, error) {
	t := &u.asm.Types[i]
	if u.baseLinked[i] {
		return t.Base, nil
	}
	extends := u.g.TypeDef(uint32(i + 1)).Extends
	if !extends.IsNil() {
		base, err := r.typeToken(u, extends)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Token, err)
		}
		t.Base = base
	}
	u.baseLinked[i] = true
	return t.Base, nil
}

// fieldSig links the signature of field i on first use.
func (r *Resolver) fieldSig(u *unit, i int) (*normalized.TypeSig, error) {
	f := &u.asm.Fields[i]
	if f.Signature != nil {
		return f.Signature, nil
	}
	raw, err := u.g.FieldSignature(u.g.Field(uint32(i + 1)).Signature)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Token, err)
	}
	sig, err := r.sig(u, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Token, err)
	}
	f.Signature = sig
	return sig, nil
}

// methodSig links the signature of method i on first use.
func (r *Resolver) methodSig(u *unit, i int) (*normalized.MethodSig, error) {
	m := &u.asm.Methods[i]
	if m.Signature != nil {
		return m.Signature, nil
	}
	raw, err := u.g.MethodSignature(u.g.MethodDef(uint32(i + 1)).Signature)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Token, err)
	}
	sig, err := r.methodSigOf(u, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Token, err)
	}
	m.Signature = sig
	return sig, nil
}

// typeToken links a TypeDefOrRef token used outside a signature blob.
func (r *Resolver) typeToken(u *unit, tok metadata.Token) (*normalized.TypeSig, error) {
	switch tok.Table() {
	case metadata.TableTypeDef, metadata.TableTypeRef:
		ref, err := r.typeHandle(u, tok)
		if err != nil {
			return nil, err
		}
		elem := metadata.ElemClass
		if r.isValueType(ref) {
			elem = metadata.ElemValueType
		}
		return &normalized.TypeSig{Elem: elem, Type: ref}, nil
	case metadata.TableTypeSpec:
		return r.typeSpec(u, tok.Row())
	}
	return nil, mderrors.Corrupt(mderrors.SubBadToken, "%s is not a type token", tok).WithToken(uint32(tok))
}

// isValueType reports whether the type directly extends System.ValueType or
// System.Enum. System.Enum itself extends System.ValueType but is a class.
func (r *Resolver) isValueType(ref normalized.EntityRef) bool {
	t := r.unitOf(ref)
	if t == nil || ref.Kind != normalized.KindType {
		return false
	}
	row := uint32(ref.Index) + 1
	if row > t.g.Rows(metadata.TableTypeDef) {
		return false
	}
	td := t.g.TypeDef(row)
	if td.Extends.IsNil() || td.Extends.Table() == metadata.TableTypeSpec {
		return false
	}
	ns, name := t.g.TypeName(td.Extends)
	if ns != "System" {
		return false
	}
	switch name {
	case "ValueType":
		return t.g.Str(td.Namespace) != "System" || t.g.Str(td.Name) != "Enum"
	case "Enum":
		return true
	}
	return false
}

// typeHandle returns the type entity a TypeDefOrRef token names.
func (r *Resolver) typeHandle(u *unit, tok metadata.Token) (normalized.EntityRef, error) {
	switch tok.Table() {
	case metadata.TableTypeDef:
		if err := u.g.Check(tok); err != nil {
			return normalized.Nil, err
		}
		return u.local(tok), nil
	case metadata.TableTypeRef:
		return r.typeRef(u, tok.Row())
	case metadata.TableTypeSpec:
		spec, err := r.typeSpec(u, tok.Row())
		if err != nil {
			return normalized.Nil, err
		}
		if spec.Type.IsNil() {
			return normalized.Nil, mderrors.Unresolved(uint32(tok), "%s does not name a nominal type", tok)
		}
		return spec.Type, nil
	}
	return normalized.Nil, mderrors.Corrupt(mderrors.SubBadToken, "%s is not a type token", tok).WithToken(uint32(tok))
}

// typeRef resolves a TypeRef row through its resolution scope.
func (r *Resolver) typeRef(u *unit, row uint32) (normalized.EntityRef, error) {
	tok := metadata.MakeToken(metadata.TableTypeRef, row)
	if row == 0 || int(row) > len(u.typeRefs) {
		return normalized.Nil, mderrors.Corrupt(mderrors.SubBadToken, "%s does not name a row", tok).WithToken(uint32(tok))
	}
	s := &u.typeRefs[row-1]
	switch s.state {
	case slotDone:
		return s.ref, nil
	case slotVisiting:
		return normalized.Nil, mderrors.Unresolved(uint32(tok), "%s is part of a resolution scope cycle", tok)
	}
	s.state = slotVisiting
	ref, err := r.lookupTypeRef(u, tok)
	if err != nil {
		s.state = slotEmpty
		return normalized.Nil, err
	}
	s.ref, s.state = ref, slotDone
	return ref, nil
}

func (r *Resolver) lookupTypeRef(u *unit, tok metadata.Token) (normalized.EntityRef, error) {
	g := u.g
	tr := g.TypeRef(tok.Row())
	ns, name := g.Str(tr.Namespace), g.Str(tr.Name)

	switch scope := tr.Scope; {
	case scope.IsNil():
		return r.forwarded(u, ns, name, tok)
	case scope.Table() == metadata.TableModule:
		return r.findType(u, ns, name, tok)
	case scope.Table() == metadata.TableModuleRef:
		if !g.Has(scope) || !strings.EqualFold(g.Str(g.ModuleRef(scope.Row()).Name), g.Module.Name) {
			return normalized.Nil, mderrors.Unresolved(uint32(tok), "%s lives in another module", qualified(ns, name))
		}
		return r.findType(u, ns, name, tok)
	case scope.Table() == metadata.TableAssemblyRef:
		r.bind(u)
		i := int(scope.Row()) - 1
		if i < 0 || i >= len(u.deps) {
			return normalized.Nil, mderrors.Corrupt(mderrors.SubBadToken, "%s does not name a row", scope).WithToken(uint32(tok))
		}
		if u.deps[i] == nil {
			return normalized.Nil, mderrors.Unresolved(uint32(tok), "%s: assembly unavailable", qualified(ns, name)).WithCause(u.depErrs[i])
		}
		return r.findType(u.deps[i], ns, name, tok)
	case scope.Table() == metadata.TableTypeRef:
		outer, err := r.typeRef(u, scope.Row())
		if err != nil {
			return normalized.Nil, err
		}
		target := r.unitOf(outer)
		if target == nil || target.names == nil {
			return normalized.Nil, mderrors.Unresolved(uint32(tok), "enclosing type of %s unavailable", name)
		}
		if i, ok := target.names.lookup(ns, name, outer.Index); ok {
			return target.asm.Ref(normalized.KindType, int(i)), nil
		}
		return normalized.Nil, mderrors.Unresolved(uint32(tok), "nested type %s not found in %s", qualified(ns, name), target.g.Identity.Name)
	}
	return normalized.Nil, mderrors.Corrupt(mderrors.SubBadToken, "resolution scope %s", tr.Scope).WithToken(uint32(tok))
}

// findType looks a top-level type up in target, following forwarders.
func (r *Resolver) findType(target *unit, ns, name string, from metadata.Token) (normalized.EntityRef, error) {
	if target.names == nil {
		return normalized.Nil, mderrors.Unresolved(uint32(from), "%s: assembly %s failed to load", qualified(ns, name), target.g.Identity.Name)
	}
	if i, ok := target.names.lookup(ns, name, -1); ok {
		return target.asm.Ref(normalized.KindType, int(i)), nil
	}
	return r.forwarded(target, ns, name, from)
}

// forwarded follows an ExportedType entry of target to the assembly that
// defines the type.
func (r *Resolver) forwarded(target *unit, ns, name string, from metadata.Token) (normalized.EntityRef, error) {
	g := target.g
	for row := uint32(1); row <= g.Rows(metadata.TableExportedType); row++ {
		et := g.ExportedType(row)
		impl := et.Implementation
		if impl.Table() == metadata.TableExportedType || g.Str(et.Name) != name || g.Str(et.Namespace) != ns {
			continue
		}
		if impl.Table() != metadata.TableAssemblyRef {
			return normalized.Nil, mderrors.Unresolved(uint32(from), "%s lives in another module of %s", qualified(ns, name), g.Identity.Name)
		}
		key := typeKey{namespace: ns, name: name, enclosing: -1}
		if target.forwarding[key] {
			return normalized.Nil, mderrors.Unresolved(uint32(from), "type forwarding cycle for %s", qualified(ns, name))
		}
		r.bind(target)
		i := int(impl.Row()) - 1
		if i < 0 || i >= len(target.deps) {
			return normalized.Nil, mderrors.Corrupt(mderrors.SubBadToken, "%s does not name a row", impl).WithToken(uint32(et.Token))
		}
		if target.deps[i] == nil {
			return normalized.Nil, mderrors.Unresolved(uint32(from), "%s forwarded to an unavailable assembly", qualified(ns, name)).WithCause(target.depErrs[i])
		}
		target.forwarding[key] = true
		ref, err := r.findType(target.deps[i], ns, name, from)
		delete(target.forwarding, key)
		return ref, err
	}
	return normalized.Nil, mderrors.Unresolved(uint32(from), "type %s not found in %s", qualified(ns, name), g.Identity.Name)
}

// typeSpec links a TypeSpec row.
func (r *Resolver) typeSpec(u *unit, row uint32) (*normalized.TypeSig, error) {
	tok := metadata.MakeToken(metadata.TableTypeSpec, row)
	if row == 0 || int(row) > len(u.typeSpecs) {
		return nil, mderrors.Corrupt(mderrors.SubBadToken, "%s does not name a row", tok).WithToken(uint32(tok))
	}
	s := &u.typeSpecs[row-1]
	switch s.state {
	case slotDone:
		return s.sig, nil
	case slotVisiting:
		return nil, mderrors.Corrupt(mderrors.SubBadSignature, "%s refers to itself", tok).WithToken(uint32(tok))
	}
	s.state = slotVisiting
	raw, err := u.g.TypeSpecSignature(u.g.TypeSpec(row).Signature)
	if err == nil {
		s.sig, err = r.sig(u, raw)
	}
	if err != nil {
		s.state = slotEmpty
		return nil, fmt.Errorf("%s: %w", tok, err)
	}
	s.state = slotDone
	return s.sig, nil
}
