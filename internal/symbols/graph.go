// Package symbols reads the managed debug information of a PDB (MSF 7.00)
// file: procedures keyed by metadata token, their lexical scopes, local
// slots, imported namespaces and line tables.
package symbols

import (
	"fmt"
	"sort"

	"github.com/zelig-tools/mdimport/internal/bytecursor"
	mderrors "github.com/zelig-tools/mdimport/internal/errors"
)

const methodDefTable = 0x06

// Function is one managed procedure. Scope is its outermost lexical block.
type Function struct {
	Token      uint32
	Module     string
	Name       string
	Global     bool
	Segment    uint16
	Address    uint32
	Length     uint32
	DebugStart uint32
	DebugEnd   uint32
	Flags      uint8
	Scope      Scope
	Lines      []LineBlock
}

// Slots returns every local slot of the function, outer scopes first.
func (f *Function) Slots() []Slot {
	var out []Slot
	var walk func(s *Scope)
	walk = func(s *Scope) {
		out = append(out, s.Slots...)
		for _, c := range s.Scopes {
			walk(c)
		}
	}
	walk(&f.Scope)
	return out
}

func (f *Function) String() string {
	return fmt.Sprintf("%s (0x%08x) at %04x:%08x+%d", f.Name, f.Token, f.Segment, f.Address, f.Length)
}

// Graph is the parsed debug information of one PDB.
type Graph struct {
	Info      Info
	Machine   uint16
	functions []*Function
	byToken   map[uint32]*Function
	sources   []*Source
}

// Parse reads a PDB image. Every failure is reported as SymbolUnavailable
// wrapping the underlying format error.
func Parse(buf []byte) (*Graph, error) {
	g, err := parse(buf)
	if err != nil {
		return nil, mderrors.SymbolUnavailable(err)
	}
	return g, nil
}

func parse(buf []byte) (*Graph, error) {
	m, err := openMSF(buf)
	if err != nil {
		return nil, err
	}
	data, err := m.stream(streamPDB)
	if err != nil {
		return nil, err
	}
	info, err := readInfo(data)
	if err != nil {
		return nil, err
	}
	g := &Graph{Info: *info, byToken: map[uint32]*Function{}}

	idx, ok := info.NamedStreams["/names"]
	if !ok || idx == 0 {
		return nil, mderrors.Corrupt(mderrors.SubBadHeader, "PDB has no /names stream")
	}
	if data, err = m.stream(int(idx)); err != nil {
		return nil, err
	}
	nm, err := readNames(data)
	if err != nil {
		return nil, err
	}

	if data, err = m.stream(streamDBI); err != nil {
		return nil, err
	}
	d, err := readDBI(data)
	if err != nil {
		return nil, err
	}
	g.Machine = d.Machine

	var ridMap []uint32
	if d.TokenRidMap != noStream {
		if data, err = m.stream(int(d.TokenRidMap)); err != nil {
			return nil, err
		}
		if ridMap, err = readTokenRidMap(data); err != nil {
			return nil, err
		}
	}

	for _, mod := range d.Modules {
		if mod.Stream == 0 || mod.Stream == noStream {
			continue
		}
		if err := g.readModule(m, mod, nm); err != nil {
			return nil, fmt.Errorf("module %s: %w", mod.Name, err)
		}
	}

	for _, fn := range g.functions {
		if ridMap != nil && fn.Token>>24 == methodDefTable {
			if rid := fn.Token & 0x00FFFFFF; int(rid) < len(ridMap) {
				fn.Token = methodDefTable<<24 | ridMap[rid]
			}
		}
		g.byToken[fn.Token] = fn
	}
	sortByAddress(g.functions)
	return g, nil
}

func (g *Graph) readModule(m *msf, mod moduleInfo, nm *names) error {
	data, err := m.stream(int(mod.Stream))
	if err != nil {
		return err
	}
	c := bytecursor.New(data)
	sig, err := c.U32()
	if err != nil {
		return err
	}
	if sig != moduleSignatureC13 {
		return mderrors.Corrupt(mderrors.SubBadHeader, "module stream signature %d", sig)
	}
	if mod.SymBytes < 4 {
		return mderrors.Corrupt(mderrors.SubBadHeader, "module symbol size %d", mod.SymBytes)
	}
	syms, err := c.Sub(int(mod.SymBytes) - 4)
	if err != nil {
		return err
	}
	funcs, err := readSymbols(syms, mod.Name)
	if err != nil {
		return err
	}
	sortByAddress(funcs)

	if err := c.Skip(int(mod.C11Bytes)); err != nil {
		return err
	}
	if mod.C13Bytes > 0 {
		lines, err := c.Sub(int(mod.C13Bytes))
		if err != nil {
			return err
		}
		if g.sources, err = readLines(lines, funcs, nm, g.sources); err != nil {
			return err
		}
	}
	g.functions = append(g.functions, funcs...)
	return nil
}

func less(a, b *Function) bool {
	if a.Segment != b.Segment {
		return a.Segment < b.Segment
	}
	return a.Address < b.Address
}

func sortByAddress(funcs []*Function) {
	sort.SliceStable(funcs, func(i, j int) bool { return less(funcs[i], funcs[j]) })
}

// search returns the index of the first function at or after seg:addr.
func search(funcs []*Function, seg uint16, addr uint32) int {
	key := &Function{Segment: seg, Address: addr}
	return sort.Search(len(funcs), func(i int) bool { return !less(funcs[i], key) })
}

func findExact(funcs []*Function, seg uint16, addr uint32) *Function {
	i := search(funcs, seg, addr)
	if i < len(funcs) && funcs[i].Segment == seg && funcs[i].Address == addr {
		return funcs[i]
	}
	return nil
}

// Functions returns every procedure ordered by segment and address.
func (g *Graph) Functions() []*Function { return g.functions }

// Sources returns the documents referenced by line tables.
func (g *Graph) Sources() []*Source { return g.sources }

// FindByToken returns the procedure for a MethodDef token, or nil.
func (g *Graph) FindByToken(token uint32) *Function { return g.byToken[token] }

// FindByAddress returns the procedure whose code range contains seg:addr.
func (g *Graph) FindByAddress(seg uint16, addr uint32) *Function {
	if fn := findExact(g.functions, seg, addr); fn != nil {
		return fn
	}
	i := search(g.functions, seg, addr) - 1
	if i < 0 {
		return nil
	}
	fn := g.functions[i]
	if fn.Segment == seg && addr-fn.Address < fn.Length {
		return fn
	}
	return nil
}
