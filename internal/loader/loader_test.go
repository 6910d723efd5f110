package loader_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/loader"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/resolver"
	"github.com/zelig-tools/mdimport/internal/symbols/pdbtest"
	"github.com/zelig-tools/mdimport/internal/testimage"
	"github.com/zelig-tools/mdimport/internal/version"
)

// program has one method with a tiny body, one abstract method and one
// whose RVA points outside the image.
func program(name string) (*testimage.Builder, [3]metadata.Token) {
	b := testimage.New(name)
	b.Module(name + ".dll")
	b.Assembly(name, version.MustParse("1.0.0.0"), nil)
	b.TypeDef(0x00100001, "P", "Program", 0)
	void := testimage.MethodSig(false, testimage.Prim(metadata.ElemVoid))
	run := b.Method(0x0016, "Run", void, testimage.TinyBody([]byte{0x00, 0x2a}))
	abs := b.Method(0x05c6, "Hook", testimage.MethodSig(true, testimage.Prim(metadata.ElemVoid)), nil)
	lost := b.Method(0x0016, "Lost", void, nil)
	b.SetCell(lost, 0, 0x00f00000)
	return b, [3]metadata.Token{run, abs, lost}
}

func TestLoadStructureOnly(t *testing.T) {
	b, _ := program("Plain")
	g, err := loader.Load(b.Build(), "Plain.dll", loader.Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if g.Identity.Name != "Plain" {
		t.Fatalf("identity = %s", g.Identity)
	}
	if g.Bodies != nil || g.Symbols != nil {
		t.Fatalf("optional phases ran without flags")
	}
}

func TestLoadCode(t *testing.T) {
	b, toks := program("Code")
	g, err := loader.Load(b.Build(), "Code.dll", loader.Options{Flags: loader.LoadCode})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	run := g.Bodies[toks[0]]
	if run == nil || run.Unavailable {
		t.Fatalf("Run body missing: %+v", run)
	}
	if !bytes.Equal(run.Code, []byte{0x00, 0x2a}) || run.Token != uint32(toks[0]) {
		t.Fatalf("Run body = %x token %08x", run.Code, run.Token)
	}
	if _, ok := g.Bodies[toks[1]]; ok {
		t.Fatalf("abstract method has a body")
	}

	lost := g.Bodies[toks[2]]
	if lost == nil || !lost.Unavailable || lost.Err == nil {
		t.Fatalf("Lost body = %+v, want unavailable", lost)
	}
	if lost.Token != uint32(toks[2]) {
		t.Fatalf("Lost token = %08x", lost.Token)
	}
}

func TestDebugInfoNeverFails(t *testing.T) {
	b, _ := program("Dbg")
	image := b.Build()

	tests := []struct {
		name    string
		locator loader.SymbolLocator
	}{
		{"no locator", nil},
		{"not found", loader.SymbolLocatorFunc(func(string, metadata.Identity) ([]byte, bool) { return nil, false })},
		{"garbage", loader.SymbolLocatorFunc(func(string, metadata.Identity) ([]byte, bool) { return []byte("not a pdb"), true })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := loader.Load(image, "Dbg.dll", loader.Options{Flags: loader.LoadDebugInfo, Symbols: tt.locator})
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if g.Symbols != nil {
				t.Fatalf("symbols attached")
			}
		})
	}
}

func TestLocatorSeesIdentity(t *testing.T) {
	b, _ := program("Seen")
	var gotName string
	var gotID metadata.Identity
	locator := loader.SymbolLocatorFunc(func(name string, id metadata.Identity) ([]byte, bool) {
		gotName, gotID = name, id
		return nil, false
	})
	if _, err := loader.Load(b.Build(), "bin/Seen.dll", loader.Options{Flags: loader.LoadDebugInfo, Symbols: locator}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if gotName != "bin/Seen.dll" || gotID.Name != "Seen" || gotID.Version.String() != "1.0.0.0" {
		t.Fatalf("locator called with %q %s", gotName, gotID)
	}
}

func TestDebugInfoAttachesByToken(t *testing.T) {
	b, toks := program("Sym")
	pdb := pdbtest.Build(pdbtest.Options{})
	locate := loader.SymbolLocatorFunc(func(string, metadata.Identity) ([]byte, bool) { return pdb, true })
	opts := loader.Options{Flags: loader.LoadCode | loader.LoadDebugInfo, Symbols: locate}
	g, err := loader.Load(b.Build(), "Sym.dll", opts)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if g.Symbols == nil {
		t.Fatal("symbols were not parsed")
	}

	r := resolver.New(resolver.Options{})
	if err := r.Add(g); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.ResolveAll(); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	out, _ := r.NormalizedAssemblies()
	a := out[0]

	run := r.Universe().Method(a.Local(toks[0]))
	if run.Debug == nil || run.Debug.Token != uint32(toks[0]) || run.Debug.Name != "Run" {
		t.Fatalf("Run debug = %+v", run.Debug)
	}
	if len(run.Debug.Lines) != 1 || run.Debug.Lines[0].Source.Name != "a.cs" {
		t.Fatalf("Run lines = %+v", run.Debug.Lines)
	}
	if run.Body == nil {
		t.Fatal("Run body not attached")
	}
	hook := r.Universe().Method(a.Local(toks[1]))
	if hook.Debug == nil || hook.Debug.Token != uint32(toks[1]) {
		t.Fatalf("Hook debug = %+v", hook.Debug)
	}
	if lost := r.Universe().Method(a.Local(toks[2])); lost.Debug != nil {
		t.Fatalf("Lost has no symbol record, got %+v", lost.Debug)
	}
}

func TestLoadErrors(t *testing.T) {
	noCLI := testimage.New("NoCLI")
	noCLI.Opts.OmitCLIHeader = true

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"truncated", []byte("MZ"), mderrors.ErrTruncated},
		{"not pe", append([]byte("ZM"), make([]byte, 126)...), mderrors.ErrIllegalImageFormat},
		{"native", noCLI.Build(), mderrors.ErrMissingManagedHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(tt.data, tt.name, loader.Options{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var e *mderrors.Error
			if !errors.As(err, &e) || e.Assembly != tt.name {
				t.Fatalf("error does not name the assembly: %v", err)
			}
		})
	}
}

func TestLoadBatchIsolatesFailures(t *testing.T) {
	a, _ := program("A")
	c, _ := program("C")
	inputs := []loader.Input{
		{Name: "A.dll", Data: a.Build()},
		{Name: "B.dll", Data: []byte("MZ")},
		{Name: "C.dll", Data: c.Build()},
	}

	results, err := loader.LoadBatch(context.Background(), inputs, loader.Options{Flags: loader.LoadCode, Parallelism: 2})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("healthy images failed: %v / %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, mderrors.ErrTruncated) {
		t.Fatalf("B err = %v", results[1].Err)
	}
	if results[1].Name != "B.dll" {
		t.Fatalf("B name = %q", results[1].Name)
	}

	graphs := loader.Graphs(results)
	if len(graphs) != 2 || graphs[0].Identity.Name != "A" || graphs[1].Identity.Name != "C" {
		t.Fatalf("graphs out of order")
	}
}

func TestLoadBatchTruncatedFirstImageAborts(t *testing.T) {
	a, _ := program("A")
	inputs := []loader.Input{
		{Name: "First.dll", Data: []byte("MZ")},
		{Name: "A.dll", Data: a.Build()},
	}
	results, err := loader.LoadBatch(context.Background(), inputs, loader.Options{Parallelism: 1})
	if !errors.Is(err, mderrors.ErrTruncated) {
		t.Fatalf("err = %v, want truncation", err)
	}
	if len(results) != 2 || results[0].Err == nil {
		t.Fatalf("first result = %+v", results[0])
	}
}

func TestFlagsString(t *testing.T) {
	if s := (loader.LoadCode | loader.LoadDebugInfo).String(); s != "code+debug" {
		t.Fatalf("flags = %s", s)
	}
}
