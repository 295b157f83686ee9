// Package resolve expands root package names into a full dependency graph.
//
// The resolver walks declared dependencies depth-first from the requested
// roots, filtering edges by tag, detecting cycles, and emitting a
// topologically ordered Graph: every dependency appears before every
// package that needs it. That ordering is the contract the install
// pipeline relies on - it dispatches jobs in graph order and never starts
// a package before its dependencies have succeeded.
package resolve

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/matzehuels/cellarman/pkg/definition"
	cerrors "github.com/matzehuels/cellarman/pkg/errors"
)

// Flags controls which declared dependency edges are followed.
type Flags struct {
	// IncludeOptional follows dependencies tagged optional.
	IncludeOptional bool
	// SkipRecommended ignores dependencies tagged recommended.
	SkipRecommended bool
	// IncludeTest follows test dependencies of source-built packages.
	IncludeTest bool

	// BuildFromSource reports whether a package will be built from source.
	// Build (and test) dependencies are only materialized for such
	// packages. A nil predicate means nothing is built from source.
	BuildFromSource func(definition.Definition) bool
}

// ResolvedDependency is one node of the resolved graph.
type ResolvedDependency struct {
	// Name is the package token.
	Name string
	// Definition is the loaded formula or cask.
	Definition definition.Definition
	// Tags is the union of edge tags across every path that required this
	// package. A root requested directly carries no tags.
	Tags definition.Tag
	// Root is true for packages the user asked for by name.
	Root bool
}

// Graph is a cycle-free, topologically ordered dependency set.
type Graph struct {
	order []ResolvedDependency
	index map[string]int
	// edges maps a package to its direct (filtered) dependencies.
	edges map[string][]string
}

// Order returns the nodes in topological order, dependencies first.
func (g *Graph) Order() []ResolvedDependency { return g.order }

// Len returns the number of resolved packages.
func (g *Graph) Len() int { return len(g.order) }

// Node returns the resolved entry for a package.
func (g *Graph) Node(name string) (ResolvedDependency, bool) {
	i, ok := g.index[name]
	if !ok {
		return ResolvedDependency{}, false
	}
	return g.order[i], true
}

// DependenciesOf returns the direct dependencies of a package that made it
// into the resolved set.
func (g *Graph) DependenciesOf(name string) []string { return g.edges[name] }

// RuntimeOptPaths returns opt-prefix paths for every dependency needed at
// run time, in graph order. optDir is the directory of stable per-package
// symlinks.
func (g *Graph) RuntimeOptPaths(optDir string) []string {
	var paths []string
	for _, node := range g.order {
		if node.Root {
			continue
		}
		if node.Tags.Effective().Has(definition.TagRuntime) {
			paths = append(paths, filepath.Join(optDir, node.Name))
		}
	}
	return paths
}

// BuildOptPaths returns opt-prefix paths for every dependency needed only
// at build time, in graph order. Together with RuntimeOptPaths this forms
// the PATH-style environment of a source build.
func (g *Graph) BuildOptPaths(optDir string) []string {
	var paths []string
	for _, node := range g.order {
		if node.Root {
			continue
		}
		tags := node.Tags.Effective()
		if tags.Has(definition.TagBuild) && !tags.Has(definition.TagRuntime) {
			paths = append(paths, filepath.Join(optDir, node.Name))
		}
	}
	return paths
}

// Resolver expands package names against a catalog.
type Resolver struct {
	catalog definition.Catalog
	flags   Flags
}

// New creates a Resolver.
func New(catalog definition.Catalog, flags Flags) *Resolver {
	return &Resolver{catalog: catalog, flags: flags}
}

// visit states for cycle detection.
const (
	stateUnvisited = iota
	stateVisiting
	stateDone
)

type walker struct {
	ctx   context.Context
	r     *Resolver
	state map[string]int
	stack []string // current DFS path, for cycle reporting
	tags  map[string]definition.Tag
	defs  map[string]definition.Definition
	roots map[string]bool
	order []string
	edges map[string][]string
}

// Resolve expands the given roots into a Graph. Resolution fails on the
// first unknown package or dependency cycle; no partial graph is returned.
func (r *Resolver) Resolve(ctx context.Context, roots []string) (*Graph, error) {
	w := &walker{
		ctx:   ctx,
		r:     r,
		state: make(map[string]int),
		tags:  make(map[string]definition.Tag),
		defs:  make(map[string]definition.Definition),
		roots: make(map[string]bool),
		edges: make(map[string][]string),
	}

	for _, root := range roots {
		w.roots[root] = true
	}
	for _, root := range roots {
		if err := w.visit(root); err != nil {
			return nil, err
		}
	}

	g := &Graph{
		index: make(map[string]int, len(w.order)),
		edges: w.edges,
	}
	for i, name := range w.order {
		g.order = append(g.order, ResolvedDependency{
			Name:       name,
			Definition: w.defs[name],
			Tags:       w.tags[name],
			Root:       w.roots[name],
		})
		g.index[name] = i
	}
	return g, nil
}

// visit performs the depth-first expansion of one package. Nodes are
// finalized post-order, which yields the dependencies-first topological
// ordering directly.
func (w *walker) visit(name string) error {
	switch w.state[name] {
	case stateDone:
		return nil
	case stateVisiting:
		return w.cycleError(name)
	}

	if err := w.ctx.Err(); err != nil {
		return err
	}

	def, err := w.r.catalog.Load(w.ctx, name)
	if err != nil {
		return err
	}

	w.state[name] = stateVisiting
	w.stack = append(w.stack, name)
	w.defs[name] = def

	for _, dep := range def.Dependencies() {
		if !w.follows(def, dep) {
			continue
		}
		if err := w.visit(dep.Name); err != nil {
			return err
		}
		// Tags accumulate across every path that pulled the package in.
		w.tags[dep.Name] |= dep.Tags.Effective()
		w.edges[name] = append(w.edges[name], dep.Name)
	}

	w.stack = w.stack[:len(w.stack)-1]
	w.state[name] = stateDone
	w.order = append(w.order, name)
	return nil
}

// follows applies the tag filter for one edge of a parent definition.
func (w *walker) follows(parent definition.Definition, dep definition.Dependency) bool {
	tags := dep.Tags.Effective()
	flags := w.r.flags

	if tags.Has(definition.TagRuntime) {
		return true
	}
	if tags.Has(definition.TagRecommended) && !flags.SkipRecommended {
		return true
	}
	if tags.Has(definition.TagOptional) && flags.IncludeOptional {
		return true
	}

	// Build and test dependencies only exist for source builds.
	sourceBuilt := flags.BuildFromSource != nil && flags.BuildFromSource(parent)
	if tags.Has(definition.TagBuild) && sourceBuilt {
		return true
	}
	if tags.Has(definition.TagTest) && sourceBuilt && flags.IncludeTest {
		return true
	}
	return false
}

// cycleError reports the members of the detected cycle in walk order.
func (w *walker) cycleError(name string) error {
	start := 0
	for i, n := range w.stack {
		if n == name {
			start = i
			break
		}
	}
	members := append(append([]string{}, w.stack[start:]...), name)
	return cerrors.New(cerrors.ErrCodeDependencyCycle,
		"dependency cycle: %s", strings.Join(members, " -> "))
}
