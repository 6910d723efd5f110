package metadata

// ColumnType is the storage class of a table column.
type ColumnType uint8

const (
	ColU8 ColumnType = iota
	ColU16
	ColU32
	ColString
	ColGUID
	ColBlob
	ColIndex // simple index into Ref
	ColList  // run start into Ref; may point one past the last row
	ColCoded // coded index of Coded
)

// Column describes one column of a table schema.
type Column struct {
	Name  string
	Type  ColumnType
	Ref   TableID
	Coded CodedKind
}

func u8(n string) Column                { return Column{Name: n, Type: ColU8} }
func u16(n string) Column               { return Column{Name: n, Type: ColU16} }
func u32(n string) Column               { return Column{Name: n, Type: ColU32} }
func str(n string) Column               { return Column{Name: n, Type: ColString} }
func guid(n string) Column              { return Column{Name: n, Type: ColGUID} }
func blob(n string) Column              { return Column{Name: n, Type: ColBlob} }
func idx(n string, t TableID) Column    { return Column{Name: n, Type: ColIndex, Ref: t} }
func list(n string, t TableID) Column   { return Column{Name: n, Type: ColList, Ref: t} }
func coded(n string, k CodedKind) Column { return Column{Name: n, Type: ColCoded, Coded: k} }

// pointerTables maps a member table to the indirection table that reorders
// its runs in an uncompressed (#-) stream.
var pointerTables = map[TableID]TableID{
	TableField:     TableFieldPtr,
	TableMethodDef: TableMethodPtr,
	TableParam:     TableParamPtr,
	TableEvent:     TableEventPtr,
	TableProperty:  TablePropertyPtr,
}

func isPointerTable(id TableID) bool {
	for _, ptr := range pointerTables {
		if ptr == id {
			return true
		}
	}
	return false
}

var schemas = [TableCount][]Column{
	TableModule:    {u16("Generation"), str("Name"), guid("Mvid"), guid("EncId"), guid("EncBaseId")},
	TableTypeRef:   {coded("ResolutionScope", CodedResolutionScope), str("TypeName"), str("TypeNamespace")},
	TableTypeDef:   {u32("Flags"), str("TypeName"), str("TypeNamespace"), coded("Extends", CodedTypeDefOrRef), list("FieldList", TableField), list("MethodList", TableMethodDef)},
	TableFieldPtr:  {idx("Field", TableField)},
	TableField:     {u16("Flags"), str("Name"), blob("Signature")},
	TableMethodPtr: {idx("Method", TableMethodDef)},
	TableMethodDef: {u32("RVA"), u16("ImplFlags"), u16("Flags"), str("Name"), blob("Signature"), list("ParamList", TableParam)},
	TableParamPtr:  {idx("Param", TableParam)},
	TableParam:     {u16("Flags"), u16("Sequence"), str("Name")},

	TableInterfaceImpl:   {idx("Class", TableTypeDef), coded("Interface", CodedTypeDefOrRef)},
	TableMemberRef:       {coded("Class", CodedMemberRefParent), str("Name"), blob("Signature")},
	TableConstant:        {u8("Type"), u8("Padding"), coded("Parent", CodedHasConstant), blob("Value")},
	TableCustomAttribute: {coded("Parent", CodedHasCustomAttribute), coded("Type", CodedCustomAttributeType), blob("Value")},
	TableFieldMarshal:    {coded("Parent", CodedHasFieldMarshal), blob("NativeType")},
	TableDeclSecurity:    {u16("Action"), coded("Parent", CodedHasDeclSecurity), blob("PermissionSet")},
	TableClassLayout:     {u16("PackingSize"), u32("ClassSize"), idx("Parent", TableTypeDef)},
	TableFieldLayout:     {u32("Offset"), idx("Field", TableField)},
	TableStandAloneSig:   {blob("Signature")},
	TableEventMap:        {idx("Parent", TableTypeDef), list("EventList", TableEvent)},
	TableEventPtr:        {idx("Event", TableEvent)},
	TableEvent:           {u16("EventFlags"), str("Name"), coded("EventType", CodedTypeDefOrRef)},
	TablePropertyMap:     {idx("Parent", TableTypeDef), list("PropertyList", TableProperty)},
	TablePropertyPtr:     {idx("Property", TableProperty)},
	TableProperty:        {u16("Flags"), str("Name"), blob("Type")},
	TableMethodSemantics: {u16("Semantics"), idx("Method", TableMethodDef), coded("Association", CodedHasSemantics)},
	TableMethodImpl:      {idx("Class", TableTypeDef), coded("MethodBody", CodedMethodDefOrRef), coded("MethodDeclaration", CodedMethodDefOrRef)},
	TableModuleRef:       {str("Name")},
	TableTypeSpec:        {blob("Signature")},
	TableImplMap:         {u16("MappingFlags"), coded("MemberForwarded", CodedMemberForwarded), str("ImportName"), idx("ImportScope", TableModuleRef)},
	TableFieldRVA:        {u32("RVA"), idx("Field", TableField)},
	TableENCLog:          {u32("Token"), u32("FuncCode")},
	TableENCMap:          {u32("Token")},

	TableAssembly:             {u32("HashAlgId"), u16("MajorVersion"), u16("MinorVersion"), u16("BuildNumber"), u16("RevisionNumber"), u32("Flags"), blob("PublicKey"), str("Name"), str("Culture")},
	TableAssemblyProcessor:    {u32("Processor")},
	TableAssemblyOS:           {u32("OSPlatformID"), u32("OSMajorVersion"), u32("OSMinorVersion")},
	TableAssemblyRef:          {u16("MajorVersion"), u16("MinorVersion"), u16("BuildNumber"), u16("RevisionNumber"), u32("Flags"), blob("PublicKeyOrToken"), str("Name"), str("Culture"), blob("HashValue")},
	TableAssemblyRefProcessor: {u32("Processor"), idx("AssemblyRef", TableAssemblyRef)},
	TableAssemblyRefOS:        {u32("OSPlatformID"), u32("OSMajorVersion"), u32("OSMinorVersion"), idx("AssemblyRef", TableAssemblyRef)},
	TableFile:                 {u32("Flags"), str("Name"), blob("HashValue")},
	TableExportedType:         {u32("Flags"), u32("TypeDefId"), str("TypeName"), str("TypeNamespace"), coded("Implementation", CodedImplementation)},
	TableManifestResource:     {u32("Offset"), u32("Flags"), str("Name"), coded("Implementation", CodedImplementation)},
	TableNestedClass:          {idx("NestedClass", TableTypeDef), idx("EnclosingClass", TableTypeDef)},
	TableGenericParam:         {u16("Number"), u16("Flags"), coded("Owner", CodedTypeOrMethodDef), str("Name")},
	TableMethodSpec:           {coded("Method", CodedMethodDefOrRef), blob("Instantiation")},
	TableGenericParamConstraint: {idx("Owner", TableGenericParam), coded("Constraint", CodedTypeDefOrRef)},
}

// Schema returns the fixed column layout of a table.
func Schema(t TableID) []Column {
	if !t.Valid() {
		return nil
	}
	return schemas[t]
}

// Column indexes used by the typed row views.
const (
	colModuleName = 1
	colModuleMvid = 2

	colTypeRefScope     = 0
	colTypeRefName      = 1
	colTypeRefNamespace = 2

	colTypeDefFlags      = 0
	colTypeDefName       = 1
	colTypeDefNamespace  = 2
	colTypeDefExtends    = 3
	colTypeDefFieldList  = 4
	colTypeDefMethodList = 5

	colFieldFlags = 0
	colFieldName  = 1
	colFieldSig   = 2

	colMethodRVA       = 0
	colMethodImplFlags = 1
	colMethodFlags     = 2
	colMethodName      = 3
	colMethodSig       = 4
	colMethodParamList = 5

	colParamFlags    = 0
	colParamSequence = 1
	colParamName     = 2

	colMemberRefClass = 0
	colMemberRefName  = 1
	colMemberRefSig   = 2
)

// Widths holds the per-stream column widths, computed once before any row is decoded.
type Widths struct {
	String, GUID, Blob int
	rows               [TableCount]uint32
}

// NewWidths computes index widths from the heap-size flags and row counts.
func NewWidths(heapSizes uint8, rows [TableCount]uint32) Widths {
	w := Widths{String: 2, GUID: 2, Blob: 2, rows: rows}
	if heapSizes&0x01 != 0 {
		w.String = 4
	}
	if heapSizes&0x02 != 0 {
		w.GUID = 4
	}
	if heapSizes&0x04 != 0 {
		w.Blob = 4
	}
	return w
}

// Index returns the width of a simple index into t.
func (w *Widths) Index(t TableID) int {
	if w.rows[t] < 1<<16 {
		return 2
	}
	return 4
}

// Coded returns the width of a coded index of kind k.
func (w *Widths) Coded(k CodedKind) int {
	info := &codedKinds[k]
	var max uint32
	for _, t := range info.tables {
		if t.Valid() && w.rows[t] > max {
			max = w.rows[t]
		}
	}
	if max < 1<<(16-info.bits) {
		return 2
	}
	return 4
}

// Column returns the byte width of col.
func (w *Widths) Column(col Column) int {
	switch col.Type {
	case ColU8:
		return 1
	case ColU16:
		return 2
	case ColU32:
		return 4
	case ColString:
		return w.String
	case ColGUID:
		return w.GUID
	case ColBlob:
		return w.Blob
	case ColIndex, ColList:
		return w.Index(col.Ref)
	case ColCoded:
		return w.Coded(col.Coded)
	}
	return 0
}

// RowSize returns the byte width of one row of t.
func (w *Widths) RowSize(t TableID) int {
	n := 0
	for _, col := range schemas[t] {
		n += w.Column(col)
	}
	return n
}
