// Package metadata decodes the ECMA-335 metadata root, heaps and tables of a
// managed image into a token-addressed raw graph.
package metadata

import "fmt"

// TableID identifies one metadata table; it is also the high byte of a token.
type TableID uint8

const (
	TableModule                 TableID = 0x00
	TableTypeRef                TableID = 0x01
	TableTypeDef                TableID = 0x02
	TableFieldPtr               TableID = 0x03
	TableField                  TableID = 0x04
	TableMethodPtr              TableID = 0x05
	TableMethodDef              TableID = 0x06
	TableParamPtr               TableID = 0x07
	TableParam                  TableID = 0x08
	TableInterfaceImpl          TableID = 0x09
	TableMemberRef              TableID = 0x0A
	TableConstant               TableID = 0x0B
	TableCustomAttribute        TableID = 0x0C
	TableFieldMarshal           TableID = 0x0D
	TableDeclSecurity           TableID = 0x0E
	TableClassLayout            TableID = 0x0F
	TableFieldLayout            TableID = 0x10
	TableStandAloneSig          TableID = 0x11
	TableEventMap               TableID = 0x12
	TableEventPtr               TableID = 0x13
	TableEvent                  TableID = 0x14
	TablePropertyMap            TableID = 0x15
	TablePropertyPtr            TableID = 0x16
	TableProperty               TableID = 0x17
	TableMethodSemantics        TableID = 0x18
	TableMethodImpl             TableID = 0x19
	TableModuleRef              TableID = 0x1A
	TableTypeSpec               TableID = 0x1B
	TableImplMap                TableID = 0x1C
	TableFieldRVA               TableID = 0x1D
	TableENCLog                 TableID = 0x1E
	TableENCMap                 TableID = 0x1F
	TableAssembly               TableID = 0x20
	TableAssemblyProcessor      TableID = 0x21
	TableAssemblyOS             TableID = 0x22
	TableAssemblyRef            TableID = 0x23
	TableAssemblyRefProcessor   TableID = 0x24
	TableAssemblyRefOS          TableID = 0x25
	TableFile                   TableID = 0x26
	TableExportedType           TableID = 0x27
	TableManifestResource       TableID = 0x28
	TableNestedClass            TableID = 0x29
	TableGenericParam           TableID = 0x2A
	TableMethodSpec             TableID = 0x2B
	TableGenericParamConstraint TableID = 0x2C

	// TableCount is the number of defined table kinds.
	TableCount = 0x2D

	// TableUserString is the token type of #US heap references (ldstr operands).
	TableUserString TableID = 0x70

	tableNone TableID = 0xFF
)

var tableNames = [TableCount]string{
	"Module", "TypeRef", "TypeDef", "FieldPtr", "Field", "MethodPtr", "MethodDef", "ParamPtr",
	"Param", "InterfaceImpl", "MemberRef", "Constant", "CustomAttribute", "FieldMarshal",
	"DeclSecurity", "ClassLayout", "FieldLayout", "StandAloneSig", "EventMap", "EventPtr", "Event",
	"PropertyMap", "PropertyPtr", "Property", "MethodSemantics", "MethodImpl", "ModuleRef",
	"TypeSpec", "ImplMap", "FieldRVA", "ENCLog", "ENCMap", "Assembly", "AssemblyProcessor",
	"AssemblyOS", "AssemblyRef", "AssemblyRefProcessor", "AssemblyRefOS", "File", "ExportedType",
	"ManifestResource", "NestedClass", "GenericParam", "MethodSpec", "GenericParamConstraint",
}

// Valid reports whether t names a defined table.
func (t TableID) Valid() bool { return t < TableCount }

func (t TableID) String() string {
	if t.Valid() {
		return tableNames[t]
	}
	if t == TableUserString {
		return "UserString"
	}
	return fmt.Sprintf("Table(0x%02x)", uint8(t))
}

// Token is a 4-byte table/row reference. The row is 1-based; row 0 is the nil reference.
type Token uint32

// MakeToken builds a token from a table and a 1-based row.
func MakeToken(t TableID, row uint32) Token {
	return Token(uint32(t)<<24 | row&0x00FFFFFF)
}

// Table returns the table kind encoded in the token.
func (t Token) Table() TableID { return TableID(t >> 24) }

// Row returns the 1-based row index.
func (t Token) Row() uint32 { return uint32(t) & 0x00FFFFFF }

// IsNil reports whether the token references no row.
func (t Token) IsNil() bool { return t.Row() == 0 }

func (t Token) String() string {
	return fmt.Sprintf("%s[%d](0x%08x)", t.Table(), t.Row(), uint32(t))
}

// CodedKind names a coded-index family (ECMA-335 II.24.2.6).
type CodedKind uint8

const (
	CodedTypeDefOrRef CodedKind = iota
	CodedHasConstant
	CodedHasCustomAttribute
	CodedHasFieldMarshal
	CodedHasDeclSecurity
	CodedMemberRefParent
	CodedHasSemantics
	CodedMethodDefOrRef
	CodedMemberForwarded
	CodedImplementation
	CodedCustomAttributeType
	CodedResolutionScope
	CodedTypeOrMethodDef
	codedKindCount
)

type codedInfo struct {
	name   string
	bits   uint
	tables []TableID
}

var codedKinds = [codedKindCount]codedInfo{
	CodedTypeDefOrRef:   {"TypeDefOrRef", 2, []TableID{TableTypeDef, TableTypeRef, TableTypeSpec}},
	CodedHasConstant:    {"HasConstant", 2, []TableID{TableField, TableParam, TableProperty}},
	CodedHasCustomAttribute: {"HasCustomAttribute", 5, []TableID{
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam, TableInterfaceImpl,
		TableMemberRef, TableModule, TableDeclSecurity, TableProperty, TableEvent, TableStandAloneSig,
		TableModuleRef, TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile, TableExportedType,
		TableManifestResource, TableGenericParam, TableGenericParamConstraint, TableMethodSpec,
	}},
	CodedHasFieldMarshal:     {"HasFieldMarshal", 1, []TableID{TableField, TableParam}},
	CodedHasDeclSecurity:     {"HasDeclSecurity", 2, []TableID{TableTypeDef, TableMethodDef, TableAssembly}},
	CodedMemberRefParent:     {"MemberRefParent", 3, []TableID{TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec}},
	CodedHasSemantics:        {"HasSemantics", 1, []TableID{TableEvent, TableProperty}},
	CodedMethodDefOrRef:      {"MethodDefOrRef", 1, []TableID{TableMethodDef, TableMemberRef}},
	CodedMemberForwarded:     {"MemberForwarded", 1, []TableID{TableField, TableMethodDef}},
	CodedImplementation:      {"Implementation", 2, []TableID{TableFile, TableAssemblyRef, TableExportedType}},
	CodedCustomAttributeType: {"CustomAttributeType", 3, []TableID{tableNone, tableNone, TableMethodDef, TableMemberRef, tableNone}},
	CodedResolutionScope:     {"ResolutionScope", 2, []TableID{TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef}},
	CodedTypeOrMethodDef:     {"TypeOrMethodDef", 1, []TableID{TableTypeDef, TableMethodDef}},
}

func (k CodedKind) String() string {
	if k < codedKindCount {
		return codedKinds[k].name
	}
	return fmt.Sprintf("Coded(%d)", uint8(k))
}

// Tables returns the candidate tables of the coded kind in tag order.
// Unused tags are reported as an invalid TableID.
func (k CodedKind) Tables() []TableID { return codedKinds[k].tables }

// TagBits returns the number of low bits holding the tag.
func (k CodedKind) TagBits() uint { return codedKinds[k].bits }

// Decode splits a coded value into a token. ok is false when the tag names no table.
func (k CodedKind) Decode(v uint32) (Token, bool) {
	info := &codedKinds[k]
	tag := v & (1<<info.bits - 1)
	if int(tag) >= len(info.tables) || !info.tables[tag].Valid() {
		return 0, false
	}
	return MakeToken(info.tables[tag], v>>info.bits), true
}

// Encode is the inverse of Decode.
func (k CodedKind) Encode(t Token) (uint32, bool) {
	info := &codedKinds[k]
	for tag, id := range info.tables {
		if id == t.Table() {
			return t.Row()<<info.bits | uint32(tag), true
		}
	}
	return 0, false
}
