package resolver

import (
	"fmt"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/normalized"
)

// maxBaseDepth bounds the walk up the inheritance chain.
const maxBaseDepth = 256

// sig links a decoded type signature in the context of u.
func (r *Resolver) sig(u *unit, s *metadata.TypeSig) (*normalized.TypeSig, error) {
	if s == nil {
		return nil, nil
	}
	out := &normalized.TypeSig{
		Elem:     s.Elem,
		Number:   s.Number,
		Rank:     s.Rank,
		Sizes:    s.Sizes,
		LoBounds: s.LoBounds,
	}
	for _, m := range s.Mods {
		ref, err := r.typeHandle(u, m.Type)
		if err != nil {
			return nil, err
		}
		out.Mods = append(out.Mods, normalized.CustomMod{Required: m.Required, Type: ref})
	}

	switch s.Elem {
	case metadata.ElemClass, metadata.ElemValueType:
		if s.Type.Table() == metadata.TableTypeSpec {
			spec, err := r.typeSpec(u, s.Type.Row())
			if err != nil {
				return nil, err
			}
			if len(out.Mods) == 0 {
				return spec, nil
			}
			// TypeSpec sigs are shared; the modifiers belong to this use only.
			withMods := *spec
			withMods.Mods = append(out.Mods, spec.Mods...)
			return &withMods, nil
		}
		fallthrough
	case metadata.ElemGenericInst:
		ref, err := r.typeHandle(u, s.Type)
		if err != nil {
			return nil, err
		}
		out.Type = ref
	}

	var err error
	if out.Inner, err = r.sig(u, s.Inner); err != nil {
		return nil, err
	}
	for _, a := range s.Args {
		arg, err := r.sig(u, a)
		if err != nil {
			return nil, err
		}
		out.Args = append(out.Args, arg)
	}
	if s.Method != nil {
		if out.Method, err = r.methodSigOf(u, s.Method); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Resolver) methodSigOf(u *unit, m *metadata.MethodSig) (*normalized.MethodSig, error) {
	out := &normalized.MethodSig{Conv: m.Conv, GenericParams: m.GenericParams, SentinelIndex: m.SentinelIndex}
	var err error
	if out.Return, err = r.sig(u, m.Return); err != nil {
		return nil, err
	}
	for _, p := range m.Params {
		ps, err := r.sig(u, p)
		if err != nil {
			return nil, err
		}
		out.Params = append(out.Params, ps)
	}
	return out, nil
}

func (r *Resolver) propertySig(u *unit, p *metadata.PropertySig) (*normalized.PropertySig, error) {
	out := &normalized.PropertySig{HasThis: p.HasThis}
	var err error
	if out.Type, err = r.sig(u, p.Type); err != nil {
		return nil, err
	}
	for _, t := range p.Params {
		ps, err := r.sig(u, t)
		if err != nil {
			return nil, err
		}
		out.Params = append(out.Params, ps)
	}
	return out, nil
}

// methodLink links a MethodDefOrRef or CustomAttributeType token.
func (r *Resolver) methodLink(u *unit, tok metadata.Token) (normalized.MemberLink, error) {
	switch tok.Table() {
	case metadata.TableMethodDef:
		if err := u.g.Check(tok); err != nil {
			return normalized.MemberLink{}, err
		}
		return normalized.MemberLink{Target: u.local(tok)}, nil
	case metadata.TableMemberRef:
		return r.memberRef(u, tok.Row())
	}
	return normalized.MemberLink{}, mderrors.Corrupt(mderrors.SubBadToken, "%s is not a method token", tok).WithToken(uint32(tok))
}

func (r *Resolver) methodSpec(u *unit, row uint32) (normalized.MemberLink, error) {
	ms := u.g.MethodSpec(row)
	link, err := r.methodLink(u, ms.Method)
	if err != nil {
		return normalized.MemberLink{}, fmt.Errorf("%s: %w", ms.Token, err)
	}
	raw, err := u.g.MethodSpecSignature(ms.Instantiation)
	if err != nil {
		return normalized.MemberLink{}, fmt.Errorf("%s: %w", ms.Token, err)
	}
	args := make([]*normalized.TypeSig, len(raw))
	for i, a := range raw {
		if args[i], err = r.sig(u, a); err != nil {
			return normalized.MemberLink{}, fmt.Errorf("%s: %w", ms.Token, err)
		}
	}
	link.Args = args
	return link, nil
}

// memberRef resolves a MemberRef row by parent, name and signature.
func (r *Resolver) memberRef(u *unit, row uint32) (normalized.MemberLink, error) {
	tok := metadata.MakeToken(metadata.TableMemberRef, row)
	if row == 0 || int(row) > len(u.memberRefs) {
		return normalized.MemberLink{}, mderrors.Corrupt(mderrors.SubBadToken, "%s does not name a row", tok).WithToken(uint32(tok))
	}
	s := &u.memberRefs[row-1]
	switch s.state {
	case slotDone:
		return s.link, nil
	case slotVisiting:
		return normalized.MemberLink{}, mderrors.Unresolved(uint32(tok), "%s refers to itself", tok)
	}
	s.state = slotVisiting
	link, err := r.lookupMemberRef(u, tok)
	if err != nil {
		s.state = slotEmpty
		return normalized.MemberLink{}, fmt.Errorf("%s: %w", tok, err)
	}
	s.link, s.state = link, slotDone
	return link, nil
}

func (r *Resolver) lookupMemberRef(u *unit, tok metadata.Token) (normalized.MemberLink, error) {
	g := u.g
	mr := g.MemberRef(tok.Row())
	name := g.Str(mr.Name)

	var link normalized.MemberLink
	var owner normalized.EntityRef
	switch mr.Class.Table() {
	case metadata.TableMethodDef:
		// Vararg call site of a local method.
		if err := g.Check(mr.Class); err != nil {
			return link, err
		}
		link.Target = u.local(mr.Class)
		return link, nil
	case metadata.TableModuleRef:
		if len(u.asm.Types) == 0 {
			return link, mderrors.Unresolved(uint32(tok), "global member %s without a <Module> type", name)
		}
		owner = u.asm.Ref(normalized.KindType, 0)
	case metadata.TableTypeSpec:
		spec, err := r.typeSpec(u, mr.Class.Row())
		if err != nil {
			return link, err
		}
		link.Instance = spec
		if spec.Elem == metadata.ElemArray {
			link.Name = name
			return link, nil
		}
		owner = spec.Type
	default:
		ref, err := r.typeHandle(u, mr.Class)
		if err != nil {
			return link, err
		}
		owner = ref
	}
	if owner.IsNil() {
		return link, mderrors.Unresolved(uint32(tok), "member %s of a non-nominal type", name)
	}

	var err error
	if mr.IsField(g) {
		var want *metadata.TypeSig
		if want, err = g.FieldSignature(mr.Signature); err != nil {
			return link, err
		}
		var sig *normalized.TypeSig
		if sig, err = r.sig(u, want); err != nil {
			return link, err
		}
		link.Target, err = r.findField(owner, name, sig, tok)
		return link, err
	}
	want, err := g.MethodSignature(mr.Signature)
	if err != nil {
		return link, err
	}
	sig, err := r.methodSigOf(u, want)
	if err != nil {
		return link, err
	}
	link.Target, err = r.findMethod(owner, name, sig, tok)
	return link, err
}

// walkBases calls visit for owner and each of its base types until visit
// reports a match.
func (r *Resolver) walkBases(owner normalized.EntityRef, visit func(t *unit, typ *normalized.Type) (normalized.EntityRef, error)) (normalized.EntityRef, error) {
	for depth := 0; depth < maxBaseDepth && !owner.IsNil(); depth++ {
		t := r.unitOf(owner)
		typ := r.universe.Type(owner)
		if t == nil || typ == nil {
			return normalized.Nil, nil
		}
		found, err := visit(t, typ)
		if err != nil || !found.IsNil() {
			return found, err
		}
		base, err := r.baseOf(t, int(owner.Index))
		if err != nil || base == nil {
			return normalized.Nil, err
		}
		owner = base.Type
	}
	return normalized.Nil, nil
}

func (r *Resolver) findField(owner normalized.EntityRef, name string, want *normalized.TypeSig, from metadata.Token) (normalized.EntityRef, error) {
	found, err := r.walkBases(owner, func(t *unit, typ *normalized.Type) (normalized.EntityRef, error) {
		for _, f := range typ.Fields {
			if t.asm.Fields[f.Index].Name != name {
				continue
			}
			sig, err := r.fieldSig(t, int(f.Index))
			if err != nil {
				return normalized.Nil, err
			}
			if sameType(sig, want) {
				return f, nil
			}
		}
		return normalized.Nil, nil
	})
	if err == nil && found.IsNil() {
		err = mderrors.Unresolved(uint32(from), "field %s not found on %s", name, r.typeName(owner))
	}
	return found, err
}

func (r *Resolver) findMethod(owner normalized.EntityRef, name string, want *normalized.MethodSig, from metadata.Token) (normalized.EntityRef, error) {
	found, err := r.walkBases(owner, func(t *unit, typ *normalized.Type) (normalized.EntityRef, error) {
		for _, m := range typ.Methods {
			if t.asm.Methods[m.Index].Name != name {
				continue
			}
			sig, err := r.methodSig(t, int(m.Index))
			if err != nil {
				return normalized.Nil, err
			}
			if sameCallSite(sig, want) {
				return m, nil
			}
		}
		return normalized.Nil, nil
	})
	if err == nil && found.IsNil() {
		err = mderrors.Unresolved(uint32(from), "method %s not found on %s", name, r.typeName(owner))
	}
	return found, err
}

func (r *Resolver) typeName(ref normalized.EntityRef) string {
	if t := r.universe.Type(ref); t != nil {
		return t.FullName()
	}
	return ref.String()
}

// sameCallSite reports whether a call-site signature matches a definition.
// Vararg extras after the sentinel are not part of the definition.
func sameCallSite(def, site *normalized.MethodSig) bool {
	if def.Conv != site.Conv || def.GenericParams != site.GenericParams || !sameType(def.Return, site.Return) {
		return false
	}
	params := site.Params
	if site.SentinelIndex >= 0 && site.SentinelIndex <= len(params) {
		params = params[:site.SentinelIndex]
	}
	if len(def.Params) != len(params) {
		return false
	}
	for i := range params {
		if !sameType(def.Params[i], params[i]) {
			return false
		}
	}
	return true
}

func sameType(a, b *normalized.TypeSig) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Elem != b.Elem || a.Type != b.Type || a.Number != b.Number || a.Rank != b.Rank {
		return false
	}
	if len(a.Mods) != len(b.Mods) || len(a.Args) != len(b.Args) ||
		len(a.Sizes) != len(b.Sizes) || len(a.LoBounds) != len(b.LoBounds) {
		return false
	}
	for i := range a.Mods {
		if a.Mods[i] != b.Mods[i] {
			return false
		}
	}
	for i := range a.Sizes {
		if a.Sizes[i] != b.Sizes[i] {
			return false
		}
	}
	for i := range a.LoBounds {
		if a.LoBounds[i] != b.LoBounds[i] {
			return false
		}
	}
	for i := range a.Args {
		if !sameType(a.Args[i], b.Args[i]) {
			return false
		}
	}
	if !sameType(a.Inner, b.Inner) {
		return false
	}
	if a.Method != nil || b.Method != nil {
		return a.Method != nil && b.Method != nil && sameCallSite(a.Method, b.Method)
	}
	return true
}
