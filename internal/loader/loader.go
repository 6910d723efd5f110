// Package loader turns image buffers into raw metadata graphs, optionally
// extracting method bodies and attaching debug symbols.
package loader

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/ilbody"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/peimage"
	"github.com/zelig-tools/mdimport/internal/symbols"
)

// Flags selects the optional load phases. Both are off by default.
type Flags uint8

const (
	LoadCode Flags = 1 << iota
	LoadDebugInfo
)

// String returns the string representation of Flags.
func (f Flags) String() string {
	switch f {
	case 0:
		return "structure"
	case LoadCode:
		return "code"
	case LoadDebugInfo:
		return "debug"
	case LoadCode | LoadDebugInfo:
		return "code+debug"
	default:
		return "unknown"
	}
}

// SymbolLocator finds the symbol file belonging to an image. It reports
// false when none is available and never fails otherwise.
type SymbolLocator interface {
	LocateSymbols(name string, id metadata.Identity) ([]byte, bool)
}

// SymbolLocatorFunc adapts a function to SymbolLocator.
type SymbolLocatorFunc func(name string, id metadata.Identity) ([]byte, bool)

// LocateSymbols calls f.
func (f SymbolLocatorFunc) LocateSymbols(name string, id metadata.Identity) ([]byte, bool) {
	return f(name, id)
}

// Options configures Load and LoadBatch.
type Options struct {
	Flags   Flags
	Symbols SymbolLocator
	// Parallelism bounds concurrent decodes in LoadBatch; zero means GOMAXPROCS.
	Parallelism int
	Logger      logrus.FieldLogger
}

func (o Options) logger() logrus.FieldLogger {
	if o.Logger != nil {
		return o.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Load decodes one image. name is used for diagnostics and symbol lookup.
func Load(buf []byte, name string, opts Options) (*metadata.Graph, error) {
	log := opts.logger().WithField("assembly", name)

	img, err := peimage.Load(buf, name)
	if err != nil {
		return nil, err
	}
	g, err := metadata.Decode(img)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"identity": g.Identity.String(),
		"types":    g.Rows(metadata.TableTypeDef),
		"methods":  g.Rows(metadata.TableMethodDef),
	}).Debug("decoded metadata")

	if opts.Flags&LoadCode != 0 {
		extractBodies(g, log)
	}
	if opts.Flags&LoadDebugInfo != 0 {
		g.Symbols = loadSymbols(name, g.Identity, opts.Symbols, log)
	}
	return g, nil
}

// extractBodies reads every IL body. A body that cannot be read is kept as
// an unavailable placeholder; the other methods are unaffected.
func extractBodies(g *metadata.Graph, log logrus.FieldLogger) {
	g.Bodies = make(map[metadata.Token]*ilbody.Body)
	failed := 0
	for row := uint32(1); row <= g.Rows(metadata.TableMethodDef); row++ {
		m := g.MethodDef(row)
		if !m.HasBody() {
			continue
		}
		b, err := ilbody.Extract(g.Image, m.RVA)
		if err != nil {
			failed++
			log.WithFields(logrus.Fields{"token": m.Token.String(), "error": err}).Debug("method body unavailable")
			b = ilbody.Unavailable(uint32(m.Token), m.RVA, err)
		}
		b.Token = uint32(m.Token)
		g.Bodies[m.Token] = b
	}
	log.WithFields(logrus.Fields{"bodies": len(g.Bodies), "failed": failed}).Debug("extracted method bodies")
}

// loadSymbols never fails: missing or malformed symbols yield nil.
func loadSymbols(name string, id metadata.Identity, locator SymbolLocator, log logrus.FieldLogger) *symbols.Graph {
	if locator == nil {
		return nil
	}
	data, ok := locator.LocateSymbols(name, id)
	if !ok {
		log.Debug("no symbol file")
		return nil
	}
	sg, err := symbols.Parse(data)
	if err != nil {
		log.WithError(err).Debug("symbols unavailable")
		return nil
	}
	log.WithField("functions", len(sg.Functions())).Debug("attached symbols")
	return sg
}

// Input is one image of a batch.
type Input struct {
	Name string
	Data []byte
}

// Result is the outcome for one Input.
type Result struct {
	Name  string
	Graph *metadata.Graph
	Err   error
}

// LoadBatch decodes independent images concurrently. Results keep the input
// order. Each failure stays in its own Result; only a truncated first image
// aborts the batch, and its error is also returned.
func LoadBatch(ctx context.Context, inputs []Input, opts Options) ([]Result, error) {
	results := make([]Result, len(inputs))
	limit := opts.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	sem := make(chan struct{}, limit)

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for i, in := range inputs {
		i, in := i, in

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				mu.Lock()
				results[i] = Result{Name: in.Name, Err: gctx.Err()}
				mu.Unlock()

				return nil
			}

			defer func() { <-sem }()

			graph, err := Load(in.Data, in.Name, opts)

			mu.Lock()
			results[i] = Result{Name: in.Name, Graph: graph, Err: err}
			mu.Unlock()

			if i == 0 && errors.Is(err, mderrors.ErrTruncated) {
				return err
			}

			return nil
		})
	}

	err := g.Wait()

	return results, err
}

// Graphs returns the successfully loaded graphs of results, in order.
func Graphs(results []Result) []*metadata.Graph {
	out := make([]*metadata.Graph, 0, len(results))
	for _, r := range results {
		if r.Err == nil && r.Graph != nil {
			out = append(out, r.Graph)
		}
	}
	return out
}
