package metadata

import "github.com/zelig-tools/mdimport/internal/version"

// Typed views over decoded rows. An out-of-range row yields the zero view.

type TypeDef struct {
	Token     Token
	Flags     uint32
	Name      StringIndex
	Namespace StringIndex
	Extends   Token // TypeDefOrRef, nil for interfaces and <Module>
}

func (g *Graph) TypeDef(row uint32) TypeDef {
	c := g.cells(TableTypeDef, row)
	if c == nil {
		return TypeDef{}
	}
	return TypeDef{
		Token:     MakeToken(TableTypeDef, row),
		Flags:     c[colTypeDefFlags],
		Name:      StringIndex(c[colTypeDefName]),
		Namespace: StringIndex(c[colTypeDefNamespace]),
		Extends:   Token(c[colTypeDefExtends]),
	}
}

// TypeDef flag masks.
const (
	TypeVisibilityMask = 0x00000007
	TypeNestedPublic   = 0x00000002
	TypeInterface      = 0x00000020
	TypeAbstract       = 0x00000080
	TypeSealed         = 0x00000100
	TypeForwarder      = 0x00200000
)

type TypeRef struct {
	Token     Token
	Scope     Token // ResolutionScope; nil means "look in ExportedType"
	Name      StringIndex
	Namespace StringIndex
}

func (g *Graph) TypeRef(row uint32) TypeRef {
	c := g.cells(TableTypeRef, row)
	if c == nil {
		return TypeRef{}
	}
	return TypeRef{
		Token:     MakeToken(TableTypeRef, row),
		Scope:     Token(c[colTypeRefScope]),
		Name:      StringIndex(c[colTypeRefName]),
		Namespace: StringIndex(c[colTypeRefNamespace]),
	}
}

type Field struct {
	Token     Token
	Flags     uint16
	Name      StringIndex
	Signature BlobIndex
}

// Field flag masks.
const (
	FieldStatic      = 0x0010
	FieldLiteral     = 0x0040
	FieldHasFieldRVA = 0x0100
)

func (g *Graph) Field(row uint32) Field {
	c := g.cells(TableField, row)
	if c == nil {
		return Field{}
	}
	return Field{
		Token:     MakeToken(TableField, row),
		Flags:     uint16(c[colFieldFlags]),
		Name:      StringIndex(c[colFieldName]),
		Signature: BlobIndex(c[colFieldSig]),
	}
}

type MethodDef struct {
	Token     Token
	RVA       uint32
	ImplFlags uint16
	Flags     uint16
	Name      StringIndex
	Signature BlobIndex
}

// Method flag masks.
const (
	MethodStatic       = 0x0010
	MethodVirtual      = 0x0040
	MethodAbstract     = 0x0400
	MethodPInvokeImpl  = 0x2000
	MethodImplCodeMask = 0x0003
	MethodImplIL       = 0x0000
	MethodImplInternal = 0x1000
)

// HasBody reports whether the method carries an IL body at RVA.
func (m MethodDef) HasBody() bool {
	return m.RVA != 0 && m.ImplFlags&MethodImplCodeMask == MethodImplIL &&
		m.Flags&(MethodAbstract|MethodPInvokeImpl) == 0
}

func (g *Graph) MethodDef(row uint32) MethodDef {
	c := g.cells(TableMethodDef, row)
	if c == nil {
		return MethodDef{}
	}
	return MethodDef{
		Token:     MakeToken(TableMethodDef, row),
		RVA:       c[colMethodRVA],
		ImplFlags: uint16(c[colMethodImplFlags]),
		Flags:     uint16(c[colMethodFlags]),
		Name:      StringIndex(c[colMethodName]),
		Signature: BlobIndex(c[colMethodSig]),
	}
}

type Param struct {
	Token    Token
	Flags    uint16
	Sequence uint16 // 0 is the return value
	Name     StringIndex
}

func (g *Graph) Param(row uint32) Param {
	c := g.cells(TableParam, row)
	if c == nil {
		return Param{}
	}
	return Param{
		Token:    MakeToken(TableParam, row),
		Flags:    uint16(c[colParamFlags]),
		Sequence: uint16(c[colParamSequence]),
		Name:     StringIndex(c[colParamName]),
	}
}

type MemberRef struct {
	Token     Token
	Class     Token // MemberRefParent
	Name      StringIndex
	Signature BlobIndex
}

// IsField reports whether the signature blob starts with the field calling convention.
func (m MemberRef) IsField(g *Graph) bool {
	b := g.Blob(m.Signature)
	return len(b) > 0 && b[0]&0x0F == sigField
}

func (g *Graph) MemberRef(row uint32) MemberRef {
	c := g.cells(TableMemberRef, row)
	if c == nil {
		return MemberRef{}
	}
	return MemberRef{
		Token:     MakeToken(TableMemberRef, row),
		Class:     Token(c[colMemberRefClass]),
		Name:      StringIndex(c[colMemberRefName]),
		Signature: BlobIndex(c[colMemberRefSig]),
	}
}

type InterfaceImpl struct {
	Token     Token
	Class     Token
	Interface Token
}

func (g *Graph) InterfaceImpl(row uint32) InterfaceImpl {
	c := g.cells(TableInterfaceImpl, row)
	if c == nil {
		return InterfaceImpl{}
	}
	return InterfaceImpl{MakeToken(TableInterfaceImpl, row), MakeToken(TableTypeDef, c[0]), Token(c[1])}
}

type Constant struct {
	Token  Token
	Type   ElementType
	Parent Token
	Value  BlobIndex
}

func (g *Graph) Constant(row uint32) Constant {
	c := g.cells(TableConstant, row)
	if c == nil {
		return Constant{}
	}
	return Constant{MakeToken(TableConstant, row), ElementType(c[0]), Token(c[2]), BlobIndex(c[3])}
}

type CustomAttribute struct {
	Token  Token
	Parent Token
	Ctor   Token // MethodDef or MemberRef
	Value  BlobIndex
}

func (g *Graph) CustomAttribute(row uint32) CustomAttribute {
	c := g.cells(TableCustomAttribute, row)
	if c == nil {
		return CustomAttribute{}
	}
	return CustomAttribute{MakeToken(TableCustomAttribute, row), Token(c[0]), Token(c[1]), BlobIndex(c[2])}
}

type ClassLayout struct {
	Token       Token
	PackingSize uint16
	ClassSize   uint32
	Parent      Token
}

func (g *Graph) ClassLayout(row uint32) ClassLayout {
	c := g.cells(TableClassLayout, row)
	if c == nil {
		return ClassLayout{}
	}
	return ClassLayout{MakeToken(TableClassLayout, row), uint16(c[0]), c[1], MakeToken(TableTypeDef, c[2])}
}

type FieldLayout struct {
	Token  Token
	Offset uint32
	Field  Token
}

func (g *Graph) FieldLayout(row uint32) FieldLayout {
	c := g.cells(TableFieldLayout, row)
	if c == nil {
		return FieldLayout{}
	}
	return FieldLayout{MakeToken(TableFieldLayout, row), c[0], MakeToken(TableField, c[1])}
}

type FieldRVA struct {
	Token Token
	RVA   uint32
	Field Token
}

func (g *Graph) FieldRVA(row uint32) FieldRVA {
	c := g.cells(TableFieldRVA, row)
	if c == nil {
		return FieldRVA{}
	}
	return FieldRVA{MakeToken(TableFieldRVA, row), c[0], MakeToken(TableField, c[1])}
}

type StandAloneSig struct {
	Token     Token
	Signature BlobIndex
}

func (g *Graph) StandAloneSig(row uint32) StandAloneSig {
	c := g.cells(TableStandAloneSig, row)
	if c == nil {
		return StandAloneSig{}
	}
	return StandAloneSig{MakeToken(TableStandAloneSig, row), BlobIndex(c[0])}
}

type EventMap struct {
	Token  Token
	Parent Token
}

func (g *Graph) EventMap(row uint32) EventMap {
	c := g.cells(TableEventMap, row)
	if c == nil {
		return EventMap{}
	}
	return EventMap{MakeToken(TableEventMap, row), MakeToken(TableTypeDef, c[0])}
}

type Event struct {
	Token     Token
	Flags     uint16
	Name      StringIndex
	EventType Token
}

func (g *Graph) Event(row uint32) Event {
	c := g.cells(TableEvent, row)
	if c == nil {
		return Event{}
	}
	return Event{MakeToken(TableEvent, row), uint16(c[0]), StringIndex(c[1]), Token(c[2])}
}

type PropertyMap struct {
	Token  Token
	Parent Token
}

func (g *Graph) PropertyMap(row uint32) PropertyMap {
	c := g.cells(TablePropertyMap, row)
	if c == nil {
		return PropertyMap{}
	}
	return PropertyMap{MakeToken(TablePropertyMap, row), MakeToken(TableTypeDef, c[0])}
}

type Property struct {
	Token     Token
	Flags     uint16
	Name      StringIndex
	Signature BlobIndex
}

func (g *Graph) Property(row uint32) Property {
	c := g.cells(TableProperty, row)
	if c == nil {
		return Property{}
	}
	return Property{MakeToken(TableProperty, row), uint16(c[0]), StringIndex(c[1]), BlobIndex(c[2])}
}

// MethodSemantics attributes.
const (
	SemanticsSetter   = 0x0001
	SemanticsGetter   = 0x0002
	SemanticsOther    = 0x0004
	SemanticsAddOn    = 0x0008
	SemanticsRemoveOn = 0x0010
	SemanticsFire     = 0x0020
)

type MethodSemantics struct {
	Token       Token
	Semantics   uint16
	Method      Token
	Association Token // Event or Property
}

func (g *Graph) MethodSemantics(row uint32) MethodSemantics {
	c := g.cells(TableMethodSemantics, row)
	if c == nil {
		return MethodSemantics{}
	}
	return MethodSemantics{MakeToken(TableMethodSemantics, row), uint16(c[0]), MakeToken(TableMethodDef, c[1]), Token(c[2])}
}

type MethodImpl struct {
	Token       Token
	Class       Token
	Body        Token
	Declaration Token
}

func (g *Graph) MethodImpl(row uint32) MethodImpl {
	c := g.cells(TableMethodImpl, row)
	if c == nil {
		return MethodImpl{}
	}
	return MethodImpl{MakeToken(TableMethodImpl, row), MakeToken(TableTypeDef, c[0]), Token(c[1]), Token(c[2])}
}

type ModuleRef struct {
	Token Token
	Name  StringIndex
}

func (g *Graph) ModuleRef(row uint32) ModuleRef {
	c := g.cells(TableModuleRef, row)
	if c == nil {
		return ModuleRef{}
	}
	return ModuleRef{MakeToken(TableModuleRef, row), StringIndex(c[0])}
}

type TypeSpec struct {
	Token     Token
	Signature BlobIndex
}

func (g *Graph) TypeSpec(row uint32) TypeSpec {
	c := g.cells(TableTypeSpec, row)
	if c == nil {
		return TypeSpec{}
	}
	return TypeSpec{MakeToken(TableTypeSpec, row), BlobIndex(c[0])}
}

type ImplMap struct {
	Token           Token
	MappingFlags    uint16
	MemberForwarded Token
	ImportName      StringIndex
	ImportScope     Token
}

func (g *Graph) ImplMap(row uint32) ImplMap {
	c := g.cells(TableImplMap, row)
	if c == nil {
		return ImplMap{}
	}
	return ImplMap{MakeToken(TableImplMap, row), uint16(c[0]), Token(c[1]), StringIndex(c[2]), MakeToken(TableModuleRef, c[3])}
}

type AssemblyRow struct {
	HashAlgID uint32
	Version   version.Version
	Flags     uint32
	PublicKey BlobIndex
	Name      StringIndex
	Culture   StringIndex
}

// AssemblyRow returns the single Assembly row, if the image is a manifest module.
func (g *Graph) AssemblyRow() (AssemblyRow, bool) {
	c := g.cells(TableAssembly, 1)
	if c == nil {
		return AssemblyRow{}, false
	}
	return AssemblyRow{
		HashAlgID: c[0],
		Version:   version.Version{Major: uint16(c[1]), Minor: uint16(c[2]), Build: uint16(c[3]), Revision: uint16(c[4])},
		Flags:     c[5],
		PublicKey: BlobIndex(c[6]),
		Name:      StringIndex(c[7]),
		Culture:   StringIndex(c[8]),
	}, true
}

type AssemblyRef struct {
	Token            Token
	Version          version.Version
	Flags            uint32
	PublicKeyOrToken BlobIndex
	Name             StringIndex
	Culture          StringIndex
	HashValue        BlobIndex
}

func (g *Graph) AssemblyRef(row uint32) AssemblyRef {
	c := g.cells(TableAssemblyRef, row)
	if c == nil {
		return AssemblyRef{}
	}
	return AssemblyRef{
		Token:            MakeToken(TableAssemblyRef, row),
		Version:          version.Version{Major: uint16(c[0]), Minor: uint16(c[1]), Build: uint16(c[2]), Revision: uint16(c[3])},
		Flags:            c[4],
		PublicKeyOrToken: BlobIndex(c[5]),
		Name:             StringIndex(c[6]),
		Culture:          StringIndex(c[7]),
		HashValue:        BlobIndex(c[8]),
	}
}

type File struct {
	Token     Token
	Flags     uint32
	Name      StringIndex
	HashValue BlobIndex
}

func (g *Graph) File(row uint32) File {
	c := g.cells(TableFile, row)
	if c == nil {
		return File{}
	}
	return File{MakeToken(TableFile, row), c[0], StringIndex(c[1]), BlobIndex(c[2])}
}

type ExportedType struct {
	Token          Token
	Flags          uint32
	TypeDefID      uint32
	Name           StringIndex
	Namespace      StringIndex
	Implementation Token // File, AssemblyRef or enclosing ExportedType
}

func (g *Graph) ExportedType(row uint32) ExportedType {
	c := g.cells(TableExportedType, row)
	if c == nil {
		return ExportedType{}
	}
	return ExportedType{MakeToken(TableExportedType, row), c[0], c[1], StringIndex(c[2]), StringIndex(c[3]), Token(c[4])}
}

type ManifestResource struct {
	Token          Token
	Offset         uint32
	Flags          uint32
	Name           StringIndex
	Implementation Token
}

func (g *Graph) ManifestResource(row uint32) ManifestResource {
	c := g.cells(TableManifestResource, row)
	if c == nil {
		return ManifestResource{}
	}
	return ManifestResource{MakeToken(TableManifestResource, row), c[0], c[1], StringIndex(c[2]), Token(c[3])}
}

type NestedClass struct {
	Token     Token
	Nested    Token
	Enclosing Token
}

func (g *Graph) NestedClass(row uint32) NestedClass {
	c := g.cells(TableNestedClass, row)
	if c == nil {
		return NestedClass{}
	}
	return NestedClass{MakeToken(TableNestedClass, row), MakeToken(TableTypeDef, c[0]), MakeToken(TableTypeDef, c[1])}
}

type GenericParam struct {
	Token  Token
	Number uint16
	Flags  uint16
	Owner  Token // TypeDef or MethodDef
	Name   StringIndex
}

func (g *Graph) GenericParam(row uint32) GenericParam {
	c := g.cells(TableGenericParam, row)
	if c == nil {
		return GenericParam{}
	}
	return GenericParam{MakeToken(TableGenericParam, row), uint16(c[0]), uint16(c[1]), Token(c[2]), StringIndex(c[3])}
}

type MethodSpec struct {
	Token         Token
	Method        Token
	Instantiation BlobIndex
}

func (g *Graph) MethodSpec(row uint32) MethodSpec {
	c := g.cells(TableMethodSpec, row)
	if c == nil {
		return MethodSpec{}
	}
	return MethodSpec{MakeToken(TableMethodSpec, row), Token(c[0]), BlobIndex(c[1])}
}

type GenericParamConstraint struct {
	Token      Token
	Owner      Token
	Constraint Token
}

func (g *Graph) GenericParamConstraint(row uint32) GenericParamConstraint {
	c := g.cells(TableGenericParamConstraint, row)
	if c == nil {
		return GenericParamConstraint{}
	}
	return GenericParamConstraint{MakeToken(TableGenericParamConstraint, row), MakeToken(TableGenericParam, c[0]), Token(c[1])}
}
