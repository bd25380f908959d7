package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModuleName(t *testing.T) {
	cases := []struct {
		path string
		name string
		pkg  bool
		ok   bool
	}{
		{"a.py", "a", false, true},
		{"pkg/sub/mod.py", "pkg.sub.mod", false, true},
		{"pkg/__init__.py", "pkg", true, true},
		{"./pkg/x.py", "pkg.x", false, true},
		{"__init__.py", "__init__", false, true},
		{"README.md", "", false, false},
		{"pkg/data.pyc", "", false, false},
	}
	for _, c := range cases {
		name, pkg, ok := ModuleName(c.path)
		assert.Equal(t, c.ok, ok, c.path)
		assert.Equal(t, c.name, name, c.path)
		assert.Equal(t, c.pkg, pkg, c.path)
	}
}

func TestAbsoluteBase(t *testing.T) {
	cases := []struct {
		imp      Import
		importer string
		pkg      bool
		want     string
		ok       bool
	}{
		{Import{Module: "os"}, "a.b", false, "os", true},
		{Import{Module: "c", Level: 1, From: true}, "a.b", false, "a.c", true},
		{Import{Level: 1, From: true}, "a.b", false, "a", true},
		{Import{Module: "x", Level: 2, From: true}, "a.b.c", false, "a.x", true},
		{Import{Module: "c", Level: 1, From: true}, "a.b", true, "a.b.c", true},
		{Import{Module: "x", Level: 3, From: true}, "a.b", false, "", false},
	}
	for _, c := range cases {
		got, ok := absoluteBase(c.imp, c.importer, c.pkg)
		assert.Equal(t, c.ok, ok, "%s in %s", c.imp, c.importer)
		assert.Equal(t, c.want, got, "%s in %s", c.imp, c.importer)
	}
}

func node(name, path string, imports ...Import) *Node {
	_, pkg, _ := ModuleName(path)
	return &Node{Name: name, Path: path, Package: pkg, Imports: imports}
}

func TestGraphResolution(t *testing.T) {
	g, err := New("r1", []*Node{
		node("pkg", "pkg/__init__.py"),
		node("pkg.core", "pkg/core.py", Import{Module: "os"}, Import{Module: "pkg.util.helpers"}),
		node("pkg.util", "pkg/util.py",
			Import{From: true, Level: 1, Names: []string{"core"}},
			Import{From: true, Module: "pkg.util", Names: []string{"thing"}},
		),
		node("app", "app.py",
			Import{From: true, Module: "pkg", Names: []string{"core", "VERSION"}},
			Import{From: true, Module: "requests", Names: []string{"get"}},
			Import{From: true, Module: "pkg.util", Names: []string{"*"}},
		),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	assert.Equal(t, []string{"pkg.util"}, g.Dependencies("pkg.core"))
	assert.Equal(t, []string{"os"}, g.Node("pkg.core").External)
	assert.Equal(t, []string{"pkg.core"}, g.Dependencies("pkg.util"), "self import ignored")
	assert.Equal(t, []string{"pkg", "pkg.core", "pkg.util"}, g.Dependencies("app"))
	assert.Equal(t, []string{"requests"}, g.Node("app").External)
	assert.Empty(t, g.Dependencies("pkg"))
	assert.Equal(t, 5, g.EdgeCount())

	i, ok := g.Lookup("app")
	assert.True(t, ok)
	assert.Equal(t, 0, i, "nodes are sorted by name")
	assert.Equal(t, "pkg.util", g.ByPath("pkg/util.py").Name)
}

func TestGraphRejectsDuplicateModules(t *testing.T) {
	_, err := New("r1", []*Node{node("a", "a.py"), node("a", "a/__init__.py")})
	assert.Error(t, err)
}
