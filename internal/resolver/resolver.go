// Package resolver links raw metadata graphs into normalized assemblies.
//
// Resolution runs in two phases per assembly. Materialization creates one
// arena entity per definition row, so every local token already has its final
// index before any link is followed. Linking then replaces type, member and
// signature tokens with EntityRefs, pulling in referenced assemblies from the
// batch or through the caller's ReferenceResolver.

package resolver

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/normalized"
	"github.com/zelig-tools/mdimport/internal/version"
)

// State is the lifecycle stage of a Resolver.
type State int

const (
	StateCollecting State = iota
	StateResolving
	StateResolved
	StateFailed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrState is returned when an operation is not allowed in the current state.
var ErrState = errors.New("resolver: operation not allowed in this state")

// ReferenceResolver supplies assemblies that are not part of the batch. It
// returns a nil graph when nothing compatible is available.
type ReferenceResolver interface {
	ResolveReference(ref metadata.AssemblyReference, policy version.Policy) (*metadata.Graph, error)
}

// ReferenceResolverFunc adapts a function to ReferenceResolver.
type ReferenceResolverFunc func(ref metadata.AssemblyReference, policy version.Policy) (*metadata.Graph, error)

// ResolveReference calls f.
func (f ReferenceResolverFunc) ResolveReference(ref metadata.AssemblyReference, policy version.Policy) (*metadata.Graph, error) {
	return f(ref, policy)
}

// Options configures a Resolver.
type Options struct {
	// Resolve is consulted for references the batch cannot satisfy. Nil
	// means only the batch is searched.
	Resolve ReferenceResolver
	// Policy decides version compatibility. Nil means version.Exact.
	Policy version.Policy
	Logger logrus.FieldLogger
}

// Result is the outcome for one assembly of the run.
type Result struct {
	Graph    *metadata.Graph
	Assembly *normalized.Assembly // nil when Err is set
	Err      error
	// Dependency is set for assemblies loaded through the ReferenceResolver.
	Dependency bool
}

// Resolver turns a batch of metadata graphs into normalized assemblies. It
// is not safe for concurrent use.
type Resolver struct {
	opts     Options
	log      logrus.FieldLogger
	state    State
	universe *normalized.Universe

	units []*unit // load order
	order []*unit // dependency order, successful units only
	byID  map[normalized.AssemblyID]*unit
}

// New creates a resolver in the Collecting state.
func New(opts Options) *Resolver {
	if opts.Policy == nil {
		opts.Policy = version.Exact
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Resolver{
		opts:     opts,
		log:      log,
		universe: normalized.NewUniverse(),
		byID:     map[normalized.AssemblyID]*unit{},
	}
}

// State returns the current lifecycle stage.
func (r *Resolver) State() State { return r.state }

// Universe returns the registry holding every materialized assembly.
func (r *Resolver) Universe() *normalized.Universe { return r.universe }

// Add queues a graph for resolution.
func (r *Resolver) Add(g *metadata.Graph) error {
	if r.state != StateCollecting {
		return fmt.Errorf("add %s: %w (%s)", g, ErrState, r.state)
	}
	if g == nil {
		return errors.New("resolver: nil graph")
	}
	r.addUnit(g, false)
	return nil
}

func (r *Resolver) addUnit(g *metadata.Graph, dependency bool) *unit {
	u := newUnit(g, len(r.units), dependency)
	r.units = append(r.units, u)
	r.universe.Add(u.asm)
	r.byID[u.asm.ID] = u
	if err := u.materialize(); err != nil {
		r.fail(u, err)
		return u
	}
	r.log.WithFields(logrus.Fields{
		"assembly": g.Identity.Name,
		"types":    len(u.asm.Types),
		"methods":  len(u.asm.Methods),
	}).Debug("materialized assembly")
	return u
}

// ResolveAll links every queued assembly. Failures are assembly-local: the
// returned error joins them, and successful assemblies stay available.
func (r *Resolver) ResolveAll() error {
	if r.state != StateCollecting {
		return fmt.Errorf("resolve: %w (%s)", ErrState, r.state)
	}
	r.state = StateResolving

	// Units appended by the reference resolver are visited by this loop too.
	for i := 0; i < len(r.units); i++ {
		r.resolveUnit(r.units[i])
	}
	r.propagateFailures()

	var errs []error
	for _, u := range r.units {
		if u.status == statusFailed {
			errs = append(errs, u.err)
		}
	}
	if len(errs) > 0 {
		r.state = StateFailed
		return errors.Join(errs...)
	}
	r.state = StateResolved
	return nil
}

func (r *Resolver) resolveUnit(u *unit) {
	if u.status != statusPending {
		return
	}
	u.status = statusLinking

	r.bind(u)
	deps := make([]*unit, 0, len(u.deps))
	for i, d := range u.deps {
		if d == nil {
			r.fail(u, u.depErrs[i])
			return
		}
		deps = append(deps, d)
	}
	sort.SliceStable(deps, func(i, j int) bool { return deps[i].index < deps[j].index })
	for _, d := range deps {
		// A unit still linking is part of an assembly cycle; its arenas
		// are already materialized, so links into it are valid.
		r.resolveUnit(d)
		if d.status == statusFailed {
			r.fail(u, mderrors.Unresolved(0, "dependency %s failed", d.g.Identity.Name).
				WithAssembly(u.g.Identity.Name).WithCause(d.err))
			return
		}
	}

	if err := r.link(u); err != nil {
		r.fail(u, err)
		return
	}
	u.status = statusDone
	u.asm.References = u.asm.References[:0]
	for _, d := range u.deps {
		u.asm.References = append(u.asm.References, d.asm.ID)
	}
	r.order = append(r.order, u)
	r.log.WithField("assembly", u.g.Identity.Name).Debug("resolved assembly")
}

// propagateFailures fails linked units whose dependency failed after the
// link was made, which only happens inside an assembly cycle.
func (r *Resolver) propagateFailures() {
	for changed := true; changed; {
		changed = false
		for _, u := range r.units {
			if u.status != statusDone {
				continue
			}
			for _, d := range u.deps {
				if d != nil && d.status == statusFailed {
					r.fail(u, mderrors.Unresolved(0, "dependency %s failed", d.g.Identity.Name).
						WithAssembly(u.g.Identity.Name).WithCause(d.err))
					changed = true
					break
				}
			}
		}
	}

	kept := r.order[:0]
	for _, u := range r.order {
		if u.status == statusDone {
			kept = append(kept, u)
		}
	}
	r.order = kept
}

func (r *Resolver) fail(u *unit, err error) {
	if u.status == statusFailed {
		return
	}
	var me *mderrors.Error
	if errors.As(err, &me) {
		me.WithAssembly(u.g.Identity.Name)
	}
	u.status = statusFailed
	u.err = err
	r.log.WithFields(logrus.Fields{"assembly": u.g.Identity.Name, "error": err}).Warn("assembly failed to resolve")
}

// bind maps u's AssemblyRef rows onto units. Unsatisfied rows keep a nil
// entry and record the reason.
func (r *Resolver) bind(u *unit) {
	if u.bound {
		return
	}
	u.bound = true
	u.deps = make([]*unit, len(u.g.References))
	u.depErrs = make([]error, len(u.g.References))
	for i, ref := range u.g.References {
		d, err := r.bindReference(u, ref)
		if err != nil {
			u.depErrs[i] = err
			continue
		}
		u.deps[i] = d
		r.log.WithFields(logrus.Fields{
			"assembly":  u.g.Identity.Name,
			"reference": ref.String(),
			"bound":     d.g.Identity.Version.String(),
		}).Debug("bound assembly reference")
	}
}

func (r *Resolver) bindReference(u *unit, ref metadata.AssemblyReference) (*unit, error) {
	var candidates []*unit
	var versions []version.Version
	for _, c := range r.units {
		if c == u || !c.g.IsManifest || !strings.EqualFold(c.g.Identity.Name, ref.Name) {
			continue
		}
		candidates = append(candidates, c)
		versions = append(versions, c.g.Identity.Version)
	}
	if i := version.Best(ref.Version, versions, r.opts.Policy); i >= 0 {
		return candidates[i], nil
	}

	if r.opts.Resolve != nil {
		g, err := r.opts.Resolve.ResolveReference(ref, r.opts.Policy)
		if err != nil {
			return nil, mderrors.Unresolved(uint32(ref.Token), "loading %s", ref).WithCause(err)
		}
		if g != nil {
			if !strings.EqualFold(g.Identity.Name, ref.Name) || !r.opts.Policy(ref.Version, g.Identity.Version) {
				return nil, mderrors.Unresolved(uint32(ref.Token), "%s was supplied for %s", g.Identity, ref)
			}
			return r.addUnit(g, true), nil
		}
	}
	return nil, mderrors.Unresolved(uint32(ref.Token), "no compatible assembly for %s", ref)
}

// NormalizedAssemblies returns the successfully resolved assemblies with
// every dependency ahead of its first referencer.
func (r *Resolver) NormalizedAssemblies() ([]*normalized.Assembly, error) {
	if r.state != StateResolved && r.state != StateFailed {
		return nil, fmt.Errorf("normalized assemblies: %w (%s)", ErrState, r.state)
	}
	out := make([]*normalized.Assembly, 0, len(r.order))
	for _, u := range r.order {
		out = append(out, u.asm)
	}
	return out, nil
}

// Results reports every assembly of the run in load order.
func (r *Resolver) Results() []Result {
	out := make([]Result, 0, len(r.units))
	for _, u := range r.units {
		res := Result{Graph: u.g, Err: u.err, Dependency: u.dependency}
		if u.status == statusDone {
			res.Assembly = u.asm
		}
		out = append(out, res)
	}
	return out
}

// EntryPoint returns the first resolved input assembly that declares a
// MethodDef entry point.
func (r *Resolver) EntryPoint() (*normalized.Assembly, *normalized.Method, bool) {
	for _, u := range r.units {
		if u.status != statusDone || u.asm.EntryPoint.IsNil() {
			continue
		}
		if m := r.universe.Method(u.asm.EntryPoint); m != nil {
			return u.asm, m, true
		}
	}
	return nil, nil, false
}

// FindType looks a top-level type up by assembly simple name.
func (r *Resolver) FindType(assembly, namespace, name string) (normalized.EntityRef, bool) {
	for _, u := range r.units {
		if u.status == statusDone && strings.EqualFold(u.g.Identity.Name, assembly) {
			if ref, ok := u.asm.FindType(namespace, name); ok {
				return ref, true
			}
		}
	}
	return normalized.Nil, false
}

func (r *Resolver) unitOf(ref normalized.EntityRef) *unit { return r.byID[ref.Assembly] }
