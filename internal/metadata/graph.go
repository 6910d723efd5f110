package metadata

import (
	"crypto/sha1"
	"fmt"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/ilbody"
	"github.com/zelig-tools/mdimport/internal/peimage"
	"github.com/zelig-tools/mdimport/internal/symbols"
	"github.com/zelig-tools/mdimport/internal/version"
)

// Assembly flags relevant to identity.
const (
	AssemblyFlagPublicKey    = 0x0001
	AssemblyFlagRetargetable = 0x0100
)

// Identity is the declared identity of an assembly.
type Identity struct {
	Name           string
	Culture        string
	Version        version.Version
	Flags          uint32
	HashAlgorithm  uint32
	PublicKey      []byte
	PublicKeyToken []byte
}

func (id Identity) String() string {
	culture := id.Culture
	if culture == "" {
		culture = "neutral"
	}
	return fmt.Sprintf("%s, Version=%s, Culture=%s, PublicKeyToken=%s", id.Name, id.Version, culture, tokenString(id.PublicKeyToken))
}

// AssemblyReference is one row of the AssemblyRef table, not yet resolved.
type AssemblyReference struct {
	Token            Token
	Name             string
	Culture          string
	Version          version.Version
	Flags            uint32
	PublicKeyOrToken []byte
}

// PublicKeyToken returns the 8-byte token, deriving it from a full key when needed.
func (r AssemblyReference) PublicKeyToken() []byte {
	if r.Flags&AssemblyFlagPublicKey != 0 {
		return PublicKeyToken(r.PublicKeyOrToken)
	}
	return r.PublicKeyOrToken
}

func (r AssemblyReference) String() string {
	return fmt.Sprintf("%s, Version=%s", r.Name, r.Version)
}

// ModuleInfo describes row 1 of the Module table.
type ModuleInfo struct {
	Name string
	MVID [16]byte
}

// Graph is the raw, token-addressed metadata of one assembly.
type Graph struct {
	Name  string
	Image *peimage.Image

	RuntimeVersion       string
	RootMajor, RootMinor uint16
	TableMajor           uint8
	TableMinor           uint8
	HeapSizes            uint8
	Valid, Sorted        uint64
	Compressed           bool // #~ rather than #-

	Identity   Identity
	IsManifest bool // false for a module without an Assembly row
	References []AssemblyReference
	Module     ModuleInfo
	EntryPoint Token

	// Bodies holds extracted method bodies keyed by MethodDef token. It is
	// populated only when code loading was requested.
	Bodies map[Token]*ilbody.Body
	// Symbols is the companion debug information, or nil.
	Symbols *symbols.Graph

	tables      [TableCount]Table
	strings     heap
	userStrings heap
	blobs       heap
	guids       heap
}

// Table returns the decoded table t. Absent tables have zero rows.
func (g *Graph) Table(t TableID) *Table { return &g.tables[t] }

// Rows returns the row count of table t.
func (g *Graph) Rows(t TableID) uint32 {
	if !t.Valid() {
		return 0
	}
	return g.tables[t].Rows
}

// Has reports whether tok names an existing row.
func (g *Graph) Has(tok Token) bool {
	return tok.Table().Valid() && tok.Row() != 0 && tok.Row() <= g.tables[tok.Table()].Rows
}

// Check returns a BadToken error unless tok names an existing row.
func (g *Graph) Check(tok Token) error {
	if g.Has(tok) {
		return nil
	}
	return mderrors.Corrupt(mderrors.SubBadToken, "token %s does not name a row", tok).WithToken(uint32(tok)).WithAssembly(g.Name)
}

func (g *Graph) cells(t TableID, row uint32) []uint32 {
	if !t.Valid() {
		return nil
	}
	return g.tables[t].row(row)
}

// Str resolves a string index, returning "" for an invalid index. Indexes
// were range-checked when the table was decoded.
func (g *Graph) Str(i StringIndex) string {
	s, _ := i.Resolve(g)
	return s
}

// Blob resolves a blob index, returning nil for an invalid index.
func (g *Graph) Blob(i BlobIndex) []byte {
	b, _ := i.Resolve(g)
	return b
}

func (g *Graph) readIdentity() error {
	if m := g.cells(TableModule, 1); m != nil {
		g.Module.Name = g.Str(StringIndex(m[colModuleName]))
		mvid, err := GUIDIndex(m[colModuleMvid]).Resolve(g)
		if err != nil {
			return err
		}
		g.Module.MVID = mvid
	}

	if a, ok := g.AssemblyRow(); ok {
		g.IsManifest = true
		g.Identity = Identity{
			Name:          g.Str(a.Name),
			Culture:       g.Str(a.Culture),
			Version:       a.Version,
			Flags:         a.Flags,
			HashAlgorithm: a.HashAlgID,
			PublicKey:     g.Blob(a.PublicKey),
		}
		if len(g.Identity.PublicKey) > 0 {
			g.Identity.PublicKeyToken = PublicKeyToken(g.Identity.PublicKey)
		}
	} else {
		g.Identity.Name = g.Module.Name
	}

	for r := uint32(1); r <= g.Rows(TableAssemblyRef); r++ {
		ar := g.AssemblyRef(r)
		g.References = append(g.References, AssemblyReference{
			Token:            ar.Token,
			Name:             g.Str(ar.Name),
			Culture:          g.Str(ar.Culture),
			Version:          ar.Version,
			Flags:            ar.Flags,
			PublicKeyOrToken: g.Blob(ar.PublicKeyOrToken),
		})
	}

	if g.Image != nil {
		if ep := Token(g.Image.EntryPointToken()); !ep.IsNil() {
			if ep.Table() != TableMethodDef && ep.Table() != TableFile {
				return mderrors.Corrupt(mderrors.SubBadToken, "entry point %s is neither a MethodDef nor a File", ep).WithToken(uint32(ep))
			}
			if ep.Table() == TableMethodDef && !g.Has(ep) {
				return mderrors.Corrupt(mderrors.SubBadToken, "entry point %s does not name a method", ep).WithToken(uint32(ep))
			}
			g.EntryPoint = ep
		}
	}
	return nil
}

// PublicKeyToken derives the 8-byte token of a full public key: the last
// eight bytes of its SHA-1 hash in reverse order.
func PublicKeyToken(key []byte) []byte {
	if len(key) == 0 {
		return nil
	}
	sum := sha1.Sum(key)
	tok := make([]byte, 8)
	for i := 0; i < 8; i++ {
		tok[i] = sum[len(sum)-1-i]
	}
	return tok
}

func tokenString(b []byte) string {
	if len(b) == 0 {
		return "null"
	}
	return fmt.Sprintf("%x", b)
}

// memberRange returns the rows of target owned by row of owner, using list
// column col. When ptr is present the list indexes it and each pointer row is
// dereferenced.
func (g *Graph) memberRange(owner TableID, row uint32, col int, target, ptr TableID) []Token {
	own := &g.tables[owner]
	if row == 0 || row > own.Rows {
		return nil
	}
	indirect := g.tables[ptr].Rows > 0
	limit := g.tables[target].Rows + 1
	if indirect {
		limit = g.tables[ptr].Rows + 1
	}
	start := own.Cell(row, col)
	end := limit
	if row < own.Rows {
		end = own.Cell(row+1, col)
	}
	if start == 0 {
		start = 1
	}
	if end > limit {
		end = limit
	}
	if start >= end {
		return nil
	}
	out := make([]Token, 0, end-start)
	for i := start; i < end; i++ {
		r := i
		if indirect {
			r = g.tables[ptr].Cell(i, 0)
		}
		out = append(out, MakeToken(target, r))
	}
	return out
}

// Fields returns the Field tokens owned by a TypeDef row.
func (g *Graph) Fields(typeRow uint32) []Token {
	return g.memberRange(TableTypeDef, typeRow, colTypeDefFieldList, TableField, TableFieldPtr)
}

// Methods returns the MethodDef tokens owned by a TypeDef row.
func (g *Graph) Methods(typeRow uint32) []Token {
	return g.memberRange(TableTypeDef, typeRow, colTypeDefMethodList, TableMethodDef, TableMethodPtr)
}

// Params returns the Param tokens owned by a MethodDef row.
func (g *Graph) Params(methodRow uint32) []Token {
	return g.memberRange(TableMethodDef, methodRow, colMethodParamList, TableParam, TableParamPtr)
}

// Events returns the Event tokens owned by an EventMap row.
func (g *Graph) Events(mapRow uint32) []Token {
	return g.memberRange(TableEventMap, mapRow, 1, TableEvent, TableEventPtr)
}

// Properties returns the Property tokens owned by a PropertyMap row.
func (g *Graph) Properties(mapRow uint32) []Token {
	return g.memberRange(TablePropertyMap, mapRow, 1, TableProperty, TablePropertyPtr)
}

// TypeName returns the namespace and name of a TypeDef, TypeRef or ExportedType token.
func (g *Graph) TypeName(tok Token) (namespace, name string) {
	switch tok.Table() {
	case TableTypeDef:
		t := g.TypeDef(tok.Row())
		return g.Str(t.Namespace), g.Str(t.Name)
	case TableTypeRef:
		t := g.TypeRef(tok.Row())
		return g.Str(t.Namespace), g.Str(t.Name)
	case TableExportedType:
		t := g.ExportedType(tok.Row())
		return g.Str(t.Namespace), g.Str(t.Name)
	}
	return "", ""
}

// EnclosingType returns the enclosing TypeDef of a nested type, or a nil token.
func (g *Graph) EnclosingType(typeRow uint32) Token {
	for r := uint32(1); r <= g.Rows(TableNestedClass); r++ {
		nc := g.NestedClass(r)
		if nc.Nested.Row() == typeRow {
			return nc.Enclosing
		}
	}
	return 0
}

// DeclaringType returns the TypeDef that owns a Field or MethodDef token.
func (g *Graph) DeclaringType(member Token) Token {
	for r := uint32(1); r <= g.Rows(TableTypeDef); r++ {
		var members []Token
		switch member.Table() {
		case TableField:
			members = g.Fields(r)
		case TableMethodDef:
			members = g.Methods(r)
		default:
			return 0
		}
		for _, m := range members {
			if m == member {
				return MakeToken(TableTypeDef, r)
			}
		}
	}
	return 0
}

func (g *Graph) String() string {
	if g.IsManifest {
		return g.Identity.String()
	}
	return g.Name
}
