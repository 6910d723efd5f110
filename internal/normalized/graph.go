// Package normalized holds the linked form of imported assemblies. Entities
// live in per-assembly arenas and refer to each other through EntityRef
// handles, so cyclic type graphs need no pointer cycles.
package normalized

import (
	"fmt"

	"github.com/zelig-tools/mdimport/internal/ilbody"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/symbols"
)

// AssemblyID identifies an assembly within a Universe.
type AssemblyID int32

// Kind selects the arena an EntityRef indexes.
type Kind uint8

const (
	KindNone Kind = iota
	KindType
	KindField
	KindMethod
	KindParam
	KindProperty
	KindEvent
	KindGenericParam
)

var kindNames = [...]string{"none", "type", "field", "method", "param", "property", "event", "generic-param"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// EntityRef is a weak link to an entity of any assembly in the same Universe.
type EntityRef struct {
	Assembly AssemblyID
	Kind     Kind
	Index    int32
}

// Nil is the zero reference.
var Nil = EntityRef{}

// IsNil reports whether r refers to nothing.
func (r EntityRef) IsNil() bool { return r.Kind == KindNone }

func (r EntityRef) String() string {
	if r.IsNil() {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d@%d", r.Kind, r.Index, r.Assembly)
}

// Entity is implemented by every arena element.
type Entity interface {
	// Origin is the raw token the entity was materialized from.
	Origin() metadata.Token
}

// Type is a TypeDef.
type Type struct {
	Token      metadata.Token
	Namespace  string
	Name       string
	Flags      uint32
	Base       *TypeSig // nil for interfaces and <Module>
	Enclosing  EntityRef
	Interfaces []*TypeSig
	Nested     []EntityRef

	Fields        []EntityRef
	Methods       []EntityRef
	Properties    []EntityRef
	Events        []EntityRef
	GenericParams []EntityRef
	MethodImpls   []MethodImpl

	PackingSize uint16
	ClassSize   uint32
}

func (t *Type) Origin() metadata.Token { return t.Token }

// FullName joins namespace and name.
func (t *Type) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// IsInterface reports whether the type is an interface.
func (t *Type) IsInterface() bool { return t.Flags&metadata.TypeInterface != 0 }

// MethodImpl binds a method body to the declaration it overrides.
type MethodImpl struct {
	Body        MemberLink
	Declaration MemberLink
}

// MemberLink is a resolved field or method. Instance is set when the member
// was reached through an instantiated generic type.
type MemberLink struct {
	Target   EntityRef
	Instance *TypeSig
	// Args holds method instantiation arguments for MethodSpec links.
	Args []*TypeSig
	// Name is set instead of Target for the runtime-provided methods of
	// multi-dimensional arrays (Get, Set, Address, .ctor).
	Name string
}

// Field is a Field row.
type Field struct {
	Token     metadata.Token
	Owner     EntityRef
	Name      string
	Flags     uint16
	Signature *TypeSig
	RVA       uint32
	Offset    int64 // explicit layout offset, or -1
	Constant  *Constant
	Marshal   *metadata.MarshalSpec

	// InitialValue is the data an RVA field is preloaded with, sized by
	// the field's type.
	InitialValue []byte
}

func (f *Field) Origin() metadata.Token { return f.Token }

// Constant is a literal default value. Literal holds Value decoded to the
// Go type matching Type, or nil for a null reference.
type Constant struct {
	Type    metadata.ElementType
	Value   []byte
	Literal any
}

// Method is a MethodDef row.
type Method struct {
	Token         metadata.Token
	Owner         EntityRef
	Name          string
	Flags         uint16
	ImplFlags     uint16
	RVA           uint32
	Signature     *MethodSig
	Params        []EntityRef
	GenericParams []EntityRef
	Import        *PInvoke

	// Body and Locals are set when code loading was requested.
	Body   *ilbody.Body
	Locals []*TypeSig
	// Debug is the matching symbol record, when debug info was loaded.
	Debug *symbols.Function
}

func (m *Method) Origin() metadata.Token { return m.Token }

// PInvoke describes an ImplMap entry.
type PInvoke struct {
	Flags  uint16
	Entry  string
	Module string
}

// Param is a Param row.
type Param struct {
	Token    metadata.Token
	Owner    EntityRef
	Name     string
	Flags    uint16
	Sequence uint16
	Constant *Constant
	Marshal  *metadata.MarshalSpec
}

func (p *Param) Origin() metadata.Token { return p.Token }

// Property is a Property row with its accessors.
type Property struct {
	Token     metadata.Token
	Owner     EntityRef
	Name      string
	Flags     uint16
	Signature *PropertySig
	Constant  *Constant
	Getter    EntityRef
	Setter    EntityRef
	Other     []EntityRef
}

func (p *Property) Origin() metadata.Token { return p.Token }

// Event is an Event row with its accessors.
type Event struct {
	Token     metadata.Token
	Owner     EntityRef
	Name      string
	Flags     uint16
	EventType *TypeSig
	Add       EntityRef
	Remove    EntityRef
	Fire      EntityRef
	Other     []EntityRef
}

func (e *Event) Origin() metadata.Token { return e.Token }

// GenericParam is a GenericParam row.
type GenericParam struct {
	Token       metadata.Token
	Owner       EntityRef
	Number      uint16
	Flags       uint16
	Name        string
	Constraints []*TypeSig
}

func (g *GenericParam) Origin() metadata.Token { return g.Token }

// CustomAttribute is a CustomAttribute row. Value is the undecoded blob.
type CustomAttribute struct {
	Token       metadata.Token
	Parent      EntityRef
	Constructor MemberLink
	Value       []byte

	// Fixed and Named are decoded from Value. DecodeErr is set instead when
	// the blob does not match the constructor signature.
	Fixed     []AttributeValue
	Named     []NamedArgument
	DecodeErr error
}

func (c *CustomAttribute) Origin() metadata.Token { return c.Token }

// AttributeValue is one decoded custom attribute argument. Value holds a Go
// scalar, a string, a *TypeSig for System.Type arguments, an
// []AttributeValue for arrays, or nil for a null string, type or array.
// Enum values carry the enum type in Type and the underlying integer in
// Value.
type AttributeValue struct {
	Elem  metadata.ElementType
	Type  EntityRef
	Value any
}

// NamedArgument is a field or property assignment in a custom attribute.
type NamedArgument struct {
	Property bool
	Name     string
	Value    AttributeValue
}

// KindOf maps a definition table to its arena kind, or KindNone.
func KindOf(t metadata.TableID) Kind {
	switch t {
	case metadata.TableTypeDef:
		return KindType
	case metadata.TableField:
		return KindField
	case metadata.TableMethodDef:
		return KindMethod
	case metadata.TableParam:
		return KindParam
	case metadata.TableProperty:
		return KindProperty
	case metadata.TableEvent:
		return KindEvent
	case metadata.TableGenericParam:
		return KindGenericParam
	}
	return KindNone
}

// Assembly is one normalized assembly.
type Assembly struct {
	ID         AssemblyID
	Identity   metadata.Identity
	Module     string
	References []AssemblyID

	Types            []Type
	Fields           []Field
	Methods          []Method
	Params           []Param
	Properties       []Property
	Events           []Event
	GenericParams    []GenericParam
	CustomAttributes []CustomAttribute

	// Reference tables indexed by row-1, so IL operands can be followed.
	TypeRefs    []EntityRef
	TypeSpecs   []*TypeSig
	MemberRefs  []MemberLink
	MethodSpecs []MemberLink

	EntryPoint EntityRef
	Symbols    *symbols.Graph
}

// Name returns the assembly's simple name.
func (a *Assembly) Name() string { return a.Identity.Name }

// Ref builds a reference into this assembly's arenas.
func (a *Assembly) Ref(k Kind, index int) EntityRef {
	return EntityRef{Assembly: a.ID, Kind: k, Index: int32(index)}
}

// Lookup returns the local entity r names, or nil.
func (a *Assembly) Lookup(r EntityRef) Entity {
	if r.IsNil() || r.Assembly != a.ID || r.Index < 0 {
		return nil
	}
	i := int(r.Index)
	switch r.Kind {
	case KindType:
		if i < len(a.Types) {
			return &a.Types[i]
		}
	case KindField:
		if i < len(a.Fields) {
			return &a.Fields[i]
		}
	case KindMethod:
		if i < len(a.Methods) {
			return &a.Methods[i]
		}
	case KindParam:
		if i < len(a.Params) {
			return &a.Params[i]
		}
	case KindProperty:
		if i < len(a.Properties) {
			return &a.Properties[i]
		}
	case KindEvent:
		if i < len(a.Events) {
			return &a.Events[i]
		}
	case KindGenericParam:
		if i < len(a.GenericParams) {
			return &a.GenericParams[i]
		}
	}
	return nil
}

// Local returns the reference for a definition token of this assembly.
func (a *Assembly) Local(tok metadata.Token) EntityRef {
	k := KindOf(tok.Table())
	if k == KindNone || tok.IsNil() {
		return Nil
	}
	return a.Ref(k, int(tok.Row())-1)
}

// ResolveToken follows any token of this assembly to its linked target.
func (a *Assembly) ResolveToken(tok metadata.Token) (MemberLink, bool) {
	i := int(tok.Row()) - 1
	if i < 0 {
		return MemberLink{}, false
	}
	switch tok.Table() {
	case metadata.TableTypeRef:
		if i < len(a.TypeRefs) {
			return MemberLink{Target: a.TypeRefs[i]}, true
		}
	case metadata.TableTypeSpec:
		if i < len(a.TypeSpecs) && a.TypeSpecs[i] != nil {
			return MemberLink{Target: a.TypeSpecs[i].Type, Instance: a.TypeSpecs[i]}, true
		}
	case metadata.TableMemberRef:
		if i < len(a.MemberRefs) {
			return a.MemberRefs[i], true
		}
	case metadata.TableMethodSpec:
		if i < len(a.MethodSpecs) {
			return a.MethodSpecs[i], true
		}
	default:
		if r := a.Local(tok); a.Lookup(r) != nil {
			return MemberLink{Target: r}, true
		}
	}
	return MemberLink{}, false
}

// FindType returns the top-level type with the given name.
func (a *Assembly) FindType(namespace, name string) (EntityRef, bool) {
	for i := range a.Types {
		t := &a.Types[i]
		if t.Enclosing.IsNil() && t.Name == name && t.Namespace == namespace {
			return a.Ref(KindType, i), true
		}
	}
	return Nil, false
}

func (a *Assembly) String() string {
	return fmt.Sprintf("%s: %d types, %d fields, %d methods", a.Identity, len(a.Types), len(a.Fields), len(a.Methods))
}

// Universe is the set of assemblies resolved together.
type Universe struct {
	assemblies []*Assembly
}

// NewUniverse returns an empty universe. Assembly ids start at 1 so the
// zero EntityRef never names a real entity.
func NewUniverse() *Universe {
	return &Universe{assemblies: []*Assembly{nil}}
}

// Add assigns a an id and registers it.
func (u *Universe) Add(a *Assembly) AssemblyID {
	a.ID = AssemblyID(len(u.assemblies))
	u.assemblies = append(u.assemblies, a)
	return a.ID
}

// Assembly returns the assembly with the given id, or nil.
func (u *Universe) Assembly(id AssemblyID) *Assembly {
	if id <= 0 || int(id) >= len(u.assemblies) {
		return nil
	}
	return u.assemblies[id]
}

// Len returns the number of registered assemblies.
func (u *Universe) Len() int { return len(u.assemblies) - 1 }

// Lookup resolves r to its entity, or nil when r dangles.
func (u *Universe) Lookup(r EntityRef) Entity {
	a := u.Assembly(r.Assembly)
	if a == nil {
		return nil
	}
	return a.Lookup(r)
}

// Type resolves a type reference.
func (u *Universe) Type(r EntityRef) *Type {
	t, _ := u.Lookup(r).(*Type)
	return t
}

// Field resolves a field reference.
func (u *Universe) Field(r EntityRef) *Field {
	f, _ := u.Lookup(r).(*Field)
	return f
}

// Method resolves a method reference.
func (u *Universe) Method(r EntityRef) *Method {
	m, _ := u.Lookup(r).(*Method)
	return m
}
