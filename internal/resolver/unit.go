package resolver

import (
	"fmt"

	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/normalized"
)

type unitStatus int

const (
	statusPending unitStatus = iota
	statusLinking
	statusDone
	statusFailed
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotVisiting
	slotDone
)

type refSlot struct {
	state slotState
	ref   normalized.EntityRef
}

type sigSlot struct {
	state slotState
	sig   *normalized.TypeSig
}

type linkSlot struct {
	state slotState
	link  normalized.MemberLink
}

// unit is one assembly of the run together with its resolution caches.
type unit struct {
	g          *metadata.Graph
	asm        *normalized.Assembly
	index      int
	dependency bool
	status     unitStatus
	err        error

	bound   bool
	deps    []*unit // by AssemblyRef row-1
	depErrs []error

	names      *typeTable
	typeRefs   []refSlot
	typeSpecs  []sigSlot
	memberRefs []linkSlot
	baseLinked []bool
	forwarding map[typeKey]bool
}

func newUnit(g *metadata.Graph, index int, dependency bool) *unit {
	return &unit{
		g:          g,
		asm:        &normalized.Assembly{},
		index:      index,
		dependency: dependency,
		forwarding: map[typeKey]bool{},
	}
}

func (u *unit) local(tok metadata.Token) normalized.EntityRef { return u.asm.Local(tok) }

// materialize creates one entity per definition row in token order and
// records ownership. No reference leaving the assembly is followed.
func (u *unit) materialize() error {
	g, a := u.g, u.asm
	a.Identity = g.Identity
	a.Module = g.Module.Name
	a.Symbols = g.Symbols

	a.Types = make([]normalized.Type, g.Rows(metadata.TableTypeDef))
	a.Fields = make([]normalized.Field, g.Rows(metadata.TableField))
	a.Methods = make([]normalized.Method, g.Rows(metadata.TableMethodDef))
	a.Params = make([]normalized.Param, g.Rows(metadata.TableParam))
	a.Properties = make([]normalized.Property, g.Rows(metadata.TableProperty))
	a.Events = make([]normalized.Event, g.Rows(metadata.TableEvent))
	a.GenericParams = make([]normalized.GenericParam, g.Rows(metadata.TableGenericParam))

	for i := range a.Fields {
		f := g.Field(uint32(i + 1))
		a.Fields[i] = normalized.Field{Token: f.Token, Name: g.Str(f.Name), Flags: f.Flags, Offset: -1}
	}
	for i := range a.Methods {
		m := g.MethodDef(uint32(i + 1))
		a.Methods[i] = normalized.Method{
			Token:     m.Token,
			Name:      g.Str(m.Name),
			Flags:     m.Flags,
			ImplFlags: m.ImplFlags,
			RVA:       m.RVA,
		}
	}
	for i := range a.Params {
		p := g.Param(uint32(i + 1))
		a.Params[i] = normalized.Param{Token: p.Token, Name: g.Str(p.Name), Flags: p.Flags, Sequence: p.Sequence}
	}
	for i := range a.Properties {
		p := g.Property(uint32(i + 1))
		a.Properties[i] = normalized.Property{Token: p.Token, Name: g.Str(p.Name), Flags: p.Flags}
	}
	for i := range a.Events {
		e := g.Event(uint32(i + 1))
		a.Events[i] = normalized.Event{Token: e.Token, Name: g.Str(e.Name), Flags: e.Flags}
	}

	for i := range a.Types {
		row := uint32(i + 1)
		td := g.TypeDef(row)
		t := &a.Types[i]
		t.Token = td.Token
		t.Namespace = g.Str(td.Namespace)
		t.Name = g.Str(td.Name)
		t.Flags = td.Flags
		self := a.Ref(normalized.KindType, i)

		for _, tok := range g.Fields(row) {
			a.Fields[tok.Row()-1].Owner = self
			t.Fields = append(t.Fields, u.local(tok))
		}
		for _, tok := range g.Methods(row) {
			m := &a.Methods[tok.Row()-1]
			m.Owner = self
			t.Methods = append(t.Methods, u.local(tok))
			for _, p := range g.Params(tok.Row()) {
				a.Params[p.Row()-1].Owner = u.local(tok)
				m.Params = append(m.Params, u.local(p))
			}
		}
	}

	for row := uint32(1); row <= g.Rows(metadata.TablePropertyMap); row++ {
		pm := g.PropertyMap(row)
		if err := g.Check(pm.Parent); err != nil {
			return fmt.Errorf("%s: %w", pm.Token, err)
		}
		owner := &a.Types[pm.Parent.Row()-1]
		for _, tok := range g.Properties(row) {
			a.Properties[tok.Row()-1].Owner = u.local(pm.Parent)
			owner.Properties = append(owner.Properties, u.local(tok))
		}
	}
	for row := uint32(1); row <= g.Rows(metadata.TableEventMap); row++ {
		em := g.EventMap(row)
		if err := g.Check(em.Parent); err != nil {
			return fmt.Errorf("%s: %w", em.Token, err)
		}
		owner := &a.Types[em.Parent.Row()-1]
		for _, tok := range g.Events(row) {
			a.Events[tok.Row()-1].Owner = u.local(em.Parent)
			owner.Events = append(owner.Events, u.local(tok))
		}
	}

	for row := uint32(1); row <= g.Rows(metadata.TableNestedClass); row++ {
		nc := g.NestedClass(row)
		for _, tok := range []metadata.Token{nc.Nested, nc.Enclosing} {
			if err := g.Check(tok); err != nil {
				return fmt.Errorf("%s: %w", nc.Token, err)
			}
		}
		a.Types[nc.Nested.Row()-1].Enclosing = u.local(nc.Enclosing)
		outer := &a.Types[nc.Enclosing.Row()-1]
		outer.Nested = append(outer.Nested, u.local(nc.Nested))
	}

	for i := range a.GenericParams {
		gp := g.GenericParam(uint32(i + 1))
		if err := g.Check(gp.Owner); err != nil {
			return fmt.Errorf("%s: %w", gp.Token, err)
		}
		a.GenericParams[i] = normalized.GenericParam{
			Token:  gp.Token,
			Owner:  u.local(gp.Owner),
			Number: gp.Number,
			Flags:  gp.Flags,
			Name:   g.Str(gp.Name),
		}
		self := a.Ref(normalized.KindGenericParam, i)
		switch gp.Owner.Table() {
		case metadata.TableTypeDef:
			t := &a.Types[gp.Owner.Row()-1]
			t.GenericParams = append(t.GenericParams, self)
		case metadata.TableMethodDef:
			m := &a.Methods[gp.Owner.Row()-1]
			m.GenericParams = append(m.GenericParams, self)
		}
	}

	u.names = newTypeTable(a)
	u.typeRefs = make([]refSlot, g.Rows(metadata.TableTypeRef))
	u.typeSpecs = make([]sigSlot, g.Rows(metadata.TableTypeSpec))
	u.memberRefs = make([]linkSlot, g.Rows(metadata.TableMemberRef))
	u.baseLinked = make([]bool, len(a.Types))
	return nil
}
