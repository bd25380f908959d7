package depgraph

import (
	"path"
	"slices"
	"strings"
)

// Import is one imported name as written in source.
type Import struct {
	// Module is the dotted module path without leading dots. It is empty for
	// "from . import x".
	Module string `json:"module,omitempty"`
	// Names lists the names of a from-import; "*" marks a wildcard.
	Names []string `json:"names,omitempty"`
	// Level counts the leading dots of a relative import.
	Level int  `json:"level,omitempty"`
	From  bool `json:"from,omitempty"`
	Line  int  `json:"line,omitempty"`
}

// String renders imp the way it was written, minus aliases.
func (imp Import) String() string {
	mod := strings.Repeat(".", imp.Level) + imp.Module
	if !imp.From {
		return "import " + mod
	}
	return "from " + mod + " import " + strings.Join(imp.Names, ", ")
}

const sourceExt = ".py"

// ModuleName maps a source path to its dotted module name: a/b/c.py becomes
// a.b.c and a/b/__init__.py becomes a.b. isPackage reports the latter case.
// ok is false for paths that are not Python sources.
func ModuleName(p string) (name string, isPackage bool, ok bool) {
	p = path.Clean(strings.TrimPrefix(p, "./"))
	if !strings.HasSuffix(p, sourceExt) {
		return "", false, false
	}
	parts := strings.Split(strings.TrimSuffix(p, sourceExt), "/")
	if parts[len(parts)-1] == "__init__" {
		if len(parts) == 1 {
			// A top-level __init__.py has no package name of its own.
			return "__init__", false, true
		}
		parts = parts[:len(parts)-1]
		isPackage = true
	}
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return "", false, false
		}
	}
	return strings.Join(parts, "."), isPackage, true
}

// absoluteBase returns the dotted module an import refers to, resolving
// relative imports against the importer's package. ok is false when a
// relative import climbs above the top level.
func absoluteBase(imp Import, importer string, importerIsPackage bool) (string, bool) {
	if imp.Level == 0 {
		return imp.Module, imp.Module != ""
	}
	pkg := strings.Split(importer, ".")
	if !importerIsPackage {
		pkg = pkg[:len(pkg)-1]
	}
	up := imp.Level - 1
	if up > len(pkg) {
		return "", false
	}
	pkg = pkg[:len(pkg)-up]
	if imp.Module != "" {
		pkg = append(pkg, strings.Split(imp.Module, ".")...)
	}
	return strings.Join(pkg, "."), true
}

// longestPrefix finds the deepest module in index that prefixes dotted.
func longestPrefix(dotted string, index map[string]int) (int, bool) {
	if dotted == "" {
		return 0, false
	}
	parts := strings.Split(dotted, ".")
	for i := len(parts); i > 0; i-- {
		if idx, ok := index[strings.Join(parts[:i], ".")]; ok {
			return idx, true
		}
	}
	return 0, false
}

// resolveImports maps a node's imports onto module indices. Imports that do
// not resolve to any module in index are returned as external names.
func resolveImports(n *Node, index map[string]int) (edges []int, external []string) {
	self, hasSelf := index[n.Name]
	edgeSet := make(map[int]struct{})
	extSet := make(map[string]struct{})

	add := func(dotted string) bool {
		idx, ok := longestPrefix(dotted, index)
		if !ok {
			return false
		}
		if !hasSelf || idx != self {
			edgeSet[idx] = struct{}{}
		}
		return true
	}

	for _, imp := range n.Imports {
		base, ok := absoluteBase(imp, n.Name, n.Package)
		if !ok {
			extSet[strings.Repeat(".", imp.Level)+imp.Module] = struct{}{}
			continue
		}
		if !imp.From {
			if !add(base) {
				extSet[base] = struct{}{}
			}
			continue
		}
		resolvedAny := false
		for _, name := range imp.Names {
			var full string
			switch {
			case name == "*":
				full = base
			case base == "":
				full = name
			default:
				full = base + "." + name
			}
			if add(full) {
				resolvedAny = true
			}
		}
		if !resolvedAny {
			ext := base
			if ext == "" {
				ext = strings.Repeat(".", imp.Level)
			}
			extSet[ext] = struct{}{}
		}
	}

	edges = make([]int, 0, len(edgeSet))
	for idx := range edgeSet {
		edges = append(edges, idx)
	}
	external = make([]string, 0, len(extSet))
	for name := range extSet {
		external = append(external, name)
	}
	slices.Sort(edges)
	slices.Sort(external)
	return edges, external
}
