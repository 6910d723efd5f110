package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/zelig-tools/mdimport/internal/loader"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/normalized"
	"github.com/zelig-tools/mdimport/internal/resolver"
)

var (
	colorOK    = color.New(color.Bold, color.FgHiGreen).SprintFunc()
	colorFail  = color.New(color.Bold, color.FgHiRed).SprintFunc()
	colorName  = color.New(color.Bold).SprintFunc()
	colorDep   = color.New(color.FgCyan).SprintFunc()
	colorFaint = color.New(color.Faint).SprintfFunc()
)

func printLoad(w io.Writer, r loader.Result) {
	if r.Err != nil {
		fmt.Fprintf(w, "%s %s: %v\n", colorFail("FAIL"), colorName(r.Name), r.Err)
		return
	}
	g := r.Graph
	symbols := "no"
	if g.Symbols != nil {
		symbols = "yes"
	}
	fmt.Fprintf(w, "%s %s %s\n", colorOK("ok"), colorName(r.Name), g.Identity)
	fmt.Fprintln(w, colorFaint("   types=%d methods=%d refs=%d bodies=%d symbols=%s",
		g.Rows(metadata.TableTypeDef), g.Rows(metadata.TableMethodDef), len(g.References), len(g.Bodies), symbols))
}

func printResolved(w io.Writer, r resolver.Result) {
	name := r.Graph.Identity.String()
	if r.Dependency {
		name += " " + colorDep("(dependency)")
	}
	if r.Err != nil {
		fmt.Fprintf(w, "%s %s: %v\n", colorFail("FAIL"), name, r.Err)
		return
	}
	fmt.Fprintf(w, "%s %s\n", colorOK("linked"), name)
	fmt.Fprintln(w, colorFaint("   types=%d methods=%d references=%d", len(r.Assembly.Types), len(r.Assembly.Methods), len(r.Assembly.References)))
}

func printSummary(w io.Writer, c normalized.Counts) {
	fmt.Fprintf(w, "%s %d assemblies, %d types, %d fields, %d methods (%d bodies, %d with symbols), %d properties, %d events\n",
		colorName("summary:"), c.Assemblies, c.Types, c.Fields, c.Methods, c.Bodies, c.Debug, c.Properties, c.Events)
}

func printEntryPoint(w io.Writer, asm *normalized.Assembly, owner *normalized.Type, m *normalized.Method) {
	typeName := "?"
	if owner != nil {
		typeName = owner.FullName()
	}
	fmt.Fprintf(w, "%s [%s]%s::%s\n", colorName("entry point:"), asm.Name(), typeName, m.Name)
}
