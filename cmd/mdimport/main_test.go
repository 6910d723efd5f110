package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/testimage"
	"github.com/zelig-tools/mdimport/internal/version"
)

func writeImage(t *testing.T, dir, file string, b *testimage.Builder) string {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, b.Build(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func libImage() *testimage.Builder {
	b := testimage.New("Lib")
	b.Module("Lib.dll")
	b.Assembly("Lib", version.MustParse("1.0.0.0"), nil)
	b.TypeDef(0x00100001, "Lib", "Thing", 0)
	return b
}

func appImage() *testimage.Builder {
	b := testimage.New("App")
	b.Module("App.exe")
	b.Assembly("App", version.MustParse("1.0.0.0"), nil)
	lib := b.AssemblyRef("Lib", version.MustParse("1.0.0.0"))
	thing := b.TypeRef(lib, "Lib", "Thing")
	b.TypeDef(0x00100001, "App", "Holder", 0)
	b.Field(0x0001, "thing", testimage.FieldSig(testimage.Class(thing)))
	b.EntryPoint = b.Method(0x0016, "Main", testimage.MethodSig(false, testimage.Prim(metadata.ElemVoid)), testimage.TinyBody([]byte{0x2a}))
	return b
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	color.NoColor = true
	var out, errs bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errs
	noConfig := filepath.Join(t.TempDir(), "none.json")
	err := app.Run(append([]string{toolName, "--config", noConfig}, args...))
	return out.String(), errs.String(), err
}

func TestResolveCommand(t *testing.T) {
	libDir, appDir := t.TempDir(), t.TempDir()
	writeImage(t, libDir, "Lib.dll", libImage())
	app := writeImage(t, appDir, "App.exe", appImage())

	out, _, err := run(t, "resolve", "--path", libDir, "--code", app)
	if err != nil {
		t.Fatalf("resolve: %v\n%s", err, out)
	}
	for _, want := range []string{
		"linked App, Version=1.0.0.0",
		"linked Lib, Version=1.0.0.0",
		"(dependency)",
		"summary: 2 assemblies, 2 types, 1 fields, 1 methods (1 bodies, 0 with symbols)",
		"entry point: [App]App.Holder::Main",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestResolveCommandReportsMissingDependency(t *testing.T) {
	app := writeImage(t, t.TempDir(), "App.exe", appImage())

	out, _, err := run(t, "resolve", app)
	if err == nil {
		t.Fatalf("missing dependency was not reported:\n%s", out)
	}
	if !strings.Contains(out, "FAIL App, Version=1.0.0.0") {
		t.Fatalf("output:\n%s", out)
	}
}

func TestLoadCommand(t *testing.T) {
	dir := t.TempDir()
	lib := writeImage(t, dir, "Lib.dll", libImage())
	junk := filepath.Join(dir, "junk.dll")
	if err := os.WriteFile(junk, []byte("MZ"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, _, err := run(t, "load", lib)
	if err != nil || !strings.Contains(out, "ok "+lib+" Lib, Version=1.0.0.0") {
		t.Fatalf("load = %v\n%s", err, out)
	}

	out, _, err = run(t, "load", lib, junk)
	if err == nil || !strings.Contains(out, "FAIL "+junk) {
		t.Fatalf("junk image accepted: %v\n%s", err, out)
	}

	if _, _, err := run(t, "load"); err == nil {
		t.Fatalf("load without files accepted")
	}
}

func TestConfigCommand(t *testing.T) {
	out, _, err := run(t, "config", "--policy", "forward", "--path", "refs", "-j", "3")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	for _, want := range []string{`"policy": "forward"`, `"refs"`, `"parallelism": 3`} {
		if !strings.Contains(out, want) {
			t.Fatalf("config lacks %s:\n%s", want, out)
		}
	}

	if _, _, err := run(t, "config", "--policy", ">= nonsense"); err == nil {
		t.Fatalf("bad policy accepted")
	}
}

func TestVersionCommand(t *testing.T) {
	out, _, err := run(t, "version")
	if err != nil || !strings.HasPrefix(out, toolName+" v") {
		t.Fatalf("version = %v %q", err, out)
	}
}
