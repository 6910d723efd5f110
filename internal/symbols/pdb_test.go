package symbols

import (
	"errors"
	"testing"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/symbols/pdbtest"
)

func TestParseManagedPDB(t *testing.T) {
	g, err := Parse(pdbtest.Build(pdbtest.Options{}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if g.Info.Age != 3 || g.Info.Signature != 0x5A5A5A5A || g.Machine != 0x14C {
		t.Fatalf("info = %+v machine 0x%x", g.Info, g.Machine)
	}
	fns := g.Functions()
	if len(fns) != 2 || fns[0].Name != "Run" || fns[1].Name != "Helper" {
		t.Fatalf("functions = %v", fns)
	}
	run := g.FindByToken(0x06000001)
	if run == nil || !run.Global || run.Module != "Program.obj" {
		t.Fatalf("Run = %+v", run)
	}
	if helper := g.FindByToken(0x06000002); helper == nil || helper.Global {
		t.Fatalf("Helper = %+v", helper)
	}

	if len(run.Scope.Slots) != 1 || run.Scope.Slots[0].Name != "count" {
		t.Fatalf("outer slots = %+v", run.Scope.Slots)
	}
	if len(run.Scope.Namespaces) != 1 || run.Scope.Namespaces[0] != "System.Text" {
		t.Fatalf("namespaces = %v", run.Scope.Namespaces)
	}
	if len(run.Scope.OEM) != 1 || run.Scope.OEM[0].ID[0] != 0xC9 || len(run.Scope.OEM[0].Data) != 4 {
		t.Fatalf("oem = %+v", run.Scope.OEM)
	}
	if len(run.Scope.Scopes) != 1 || run.Scope.Scopes[0].Address != 0x1004 || run.Scope.Scopes[0].Slots[0].Name != "inner" {
		t.Fatalf("nested scopes = %+v", run.Scope.Scopes)
	}
	if all := run.Slots(); len(all) != 2 || all[1].Index != 1 {
		t.Fatalf("all slots = %+v", all)
	}

	if len(run.Lines) != 1 || run.Lines[0].Source.Name != "a.cs" {
		t.Fatalf("line blocks = %+v", run.Lines)
	}
	ls := run.Lines[0].Lines
	if len(ls) != 2 {
		t.Fatalf("lines = %+v", ls)
	}
	if ls[0].Start != 10 || ls[0].End != 12 || !ls[0].Statement || ls[0].StartColumn != 5 || ls[0].EndColumn != 9 {
		t.Fatalf("first line = %+v", ls[0])
	}
	if !ls[1].Hidden() || ls[1].Start != HiddenLine || ls[1].Offset != 6 {
		t.Fatalf("hidden line = %+v", ls[1])
	}
	if ls[0].Hidden() {
		t.Fatal("line 10 is not hidden")
	}
	if src := g.Sources(); len(src) != 1 || src[0].ChecksumKind != 1 || len(src[0].Checksum) != 2 {
		t.Fatalf("sources = %+v", src)
	}
}

func TestFindByAddress(t *testing.T) {
	g, err := Parse(pdbtest.Build(pdbtest.Options{}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cases := []struct {
		seg  uint16
		addr uint32
		want string
	}{
		{1, 0x1000, "Run"},
		{1, 0x101F, "Run"},
		{1, 0x1020, ""},
		{1, 0x1045, "Helper"},
		{1, 0x0FFF, ""},
		{2, 0x1000, ""},
	}
	for _, tc := range cases {
		fn := g.FindByAddress(tc.seg, tc.addr)
		got := ""
		if fn != nil {
			got = fn.Name
		}
		if got != tc.want {
			t.Fatalf("%d:%x = %q, want %q", tc.seg, tc.addr, got, tc.want)
		}
	}
}

func TestTokenRidMapRemapsMethods(t *testing.T) {
	g, err := Parse(pdbtest.Build(pdbtest.Options{RidMap: []uint32{0, 7, 9}}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fn := g.FindByToken(0x06000007); fn == nil || fn.Name != "Run" {
		t.Fatalf("remapped Run = %v", fn)
	}
	if fn := g.FindByToken(0x06000009); fn == nil || fn.Name != "Helper" {
		t.Fatalf("remapped Helper = %v", fn)
	}
	if g.FindByToken(0x06000001) != nil {
		t.Fatal("original token must not survive remapping")
	}
}

func TestParseFailuresAreSymbolUnavailable(t *testing.T) {
	good := pdbtest.Build(pdbtest.Options{})
	cases := map[string][]byte{
		"garbage":     []byte("not a pdb at all, clearly not"),
		"truncated":   good[:pdbtest.BlockSize+10],
		"no names":    pdbtest.Build(pdbtest.Options{NoNames: true}),
		"old dbi":     pdbtest.Build(pdbtest.Options{DBIVersion: 19970606}),
		"bad magic":   append([]byte("Microsoft C/C++ MSF 2.00"), good[24:]...),
		"short block": good[:len(good)-1],
	}
	for name, buf := range cases {
		_, err := Parse(buf)
		if !errors.Is(err, mderrors.ErrSymbolUnavailable) {
			t.Fatalf("%s: expected SymbolUnavailable, got %v", name, err)
		}
		if !mderrors.Recoverable(err) {
			t.Fatalf("%s: symbol failures must be recoverable", name)
		}
	}
}
