package depgraph

import (
	"fmt"

	"github.com/odvcencio/gotidx/pkg/object"
)

// Snapshot is the stored form of a Graph. Edges are kept by module name so
// that a snapshot does not depend on arena order.
type Snapshot struct {
	Revision string         `json:"revision"`
	Modules  []SnapshotNode `json:"modules"`
}

type SnapshotNode struct {
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Package  bool          `json:"package,omitempty"`
	Source   object.Digest `json:"source"`
	Size     int64         `json:"size"`
	Imports  []Import      `json:"imports,omitempty"`
	Deps     []string      `json:"deps,omitempty"`
	External []string      `json:"external,omitempty"`
}

// Snapshot returns the stored form of g.
func (g *Graph) Snapshot() *Snapshot {
	s := &Snapshot{Revision: g.Revision, Modules: make([]SnapshotNode, 0, len(g.Nodes))}
	for _, n := range g.Nodes {
		s.Modules = append(s.Modules, SnapshotNode{
			Name:     n.Name,
			Path:     n.Path,
			Package:  n.Package,
			Source:   n.Source,
			Size:     n.Size,
			Imports:  n.Imports,
			Deps:     g.Dependencies(n.Name),
			External: n.External,
		})
	}
	return s
}

// Graph rebuilds the graph a snapshot was taken from.
func (s *Snapshot) Graph() (*Graph, error) {
	nodes := make([]*Node, 0, len(s.Modules))
	for _, m := range s.Modules {
		nodes = append(nodes, &Node{
			Name:    m.Name,
			Path:    m.Path,
			Package: m.Package,
			Source:  m.Source,
			Size:    m.Size,
			Imports: m.Imports,
		})
	}
	return New(s.Revision, nodes)
}

// BlobStore is the subset of the object store snapshots need.
type BlobStore interface {
	Put(v any) (object.Digest, error)
	Get(d object.Digest, out any) error
}

// SaveSnapshot stores g's snapshot and returns its digest.
func SaveSnapshot(store BlobStore, g *Graph) (object.Digest, error) {
	d, err := store.Put(g.Snapshot())
	if err != nil {
		return "", fmt.Errorf("save graph snapshot %s: %w", g.Revision, err)
	}
	return d, nil
}

// LoadSnapshot reads the graph stored under d.
func LoadSnapshot(store BlobStore, d object.Digest) (*Graph, error) {
	var s Snapshot
	if err := store.Get(d, &s); err != nil {
		return nil, fmt.Errorf("load graph snapshot %s: %w", d.Short(), err)
	}
	g, err := s.Graph()
	if err != nil {
		return nil, fmt.Errorf("load graph snapshot %s: %w: %w", d.Short(), object.ErrCorrupt, err)
	}
	return g, nil
}
