// Package locator supplies assemblies and symbol files to the resolver and
// the loader: from directories, from an HTTP registry, or a chain of both.
package locator

import (
	"errors"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/resolver"
	"github.com/zelig-tools/mdimport/internal/version"
)

// Chain asks each resolver in turn and returns the first graph supplied.
// A nil graph with a nil error means nobody had the assembly.
type Chain []resolver.ReferenceResolver

// ResolveReference implements resolver.ReferenceResolver.
func (c Chain) ResolveReference(ref metadata.AssemblyReference, policy version.Policy) (*metadata.Graph, error) {
	var errs []error
	for _, r := range c {
		if r == nil {
			continue
		}
		g, err := r.ResolveReference(ref, policy)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if g != nil {
			return g, nil
		}
	}
	return nil, errors.Join(errs...)
}

// accepts reports whether g satisfies ref under policy.
func accepts(g *metadata.Graph, ref metadata.AssemblyReference, policy version.Policy) bool {
	if g == nil || !g.IsManifest || !strings.EqualFold(g.Identity.Name, ref.Name) {
		return false
	}
	if policy == nil {
		policy = version.Exact
	}
	return policy(ref.Version, g.Identity.Version)
}

func discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
