// Package depgraph builds the module import graph of one revision.
package depgraph

import (
	"fmt"
	"sort"

	"github.com/odvcencio/gotidx/pkg/object"
)

// Node is one source module.
type Node struct {
	Name    string
	Path    string
	Package bool // path is an __init__.py
	Source  object.Digest
	Size    int64
	Imports []Import

	// Edges are the indices of modules this one imports, sorted.
	Edges []int
	// External lists imports that resolve to no module in the graph.
	External []string
	// Reused is set when the node was carried over from a previous graph
	// instead of being read and parsed again.
	Reused bool
}

// Graph is an arena of modules with adjacency by index.
type Graph struct {
	Revision string
	Nodes    []*Node
	index    map[string]int
	byPath   map[string]int
}

// New builds a graph over nodes, sorted by module name, and resolves every
// node's imports against the set. Node names must be unique.
func New(revision string, nodes []*Node) (*Graph, error) {
	sorted := append([]*Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	g := &Graph{
		Revision: revision,
		Nodes:    sorted,
		index:    make(map[string]int, len(sorted)),
		byPath:   make(map[string]int, len(sorted)),
	}
	for i, n := range sorted {
		if _, dup := g.index[n.Name]; dup {
			return nil, fmt.Errorf("graph %s: duplicate module %s", revision, n.Name)
		}
		g.index[n.Name] = i
		g.byPath[n.Path] = i
	}
	for _, n := range sorted {
		n.Edges, n.External = resolveImports(n, g.index)
	}
	return g, nil
}

// Len returns the number of modules.
func (g *Graph) Len() int { return len(g.Nodes) }

// Lookup returns the index of the named module.
func (g *Graph) Lookup(name string) (int, bool) {
	i, ok := g.index[name]
	return i, ok
}

// Node returns the named module, or nil.
func (g *Graph) Node(name string) *Node {
	if i, ok := g.index[name]; ok {
		return g.Nodes[i]
	}
	return nil
}

// ByPath returns the module built from path, or nil.
func (g *Graph) ByPath(p string) *Node {
	if i, ok := g.byPath[p]; ok {
		return g.Nodes[i]
	}
	return nil
}

// Dependencies returns the names of the modules the named module imports.
func (g *Graph) Dependencies(name string) []string {
	n := g.Node(name)
	if n == nil {
		return nil
	}
	out := make([]string, len(n.Edges))
	for i, e := range n.Edges {
		out[i] = g.Nodes[e].Name
	}
	return out
}

// EdgeCount returns the number of import edges.
func (g *Graph) EdgeCount() int {
	total := 0
	for _, n := range g.Nodes {
		total += len(n.Edges)
	}
	return total
}
