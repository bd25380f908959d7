package summarize

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/gotidx/pkg/depgraph"
	"github.com/odvcencio/gotidx/pkg/object"
	"github.com/odvcencio/gotidx/pkg/workpool"
)

const sample = `"""Module doc."""
import os

X = 1

def hello():
    pass
`

func findDecl(decls []Declaration, kind, name string) (Declaration, bool) {
	for _, d := range decls {
		if d.Kind == kind && d.Name == name {
			return d, true
		}
	}
	return Declaration{}, false
}

func TestOutlineSummary(t *testing.T) {
	src := ModuleSource{
		Name:         "pkg.mod",
		Path:         "pkg/mod.py",
		Source:       sample,
		SourceDigest: object.HashBytes([]byte(sample)),
		Imports:      []depgraph.Import{{Module: "os", Line: 2}},
		External:     []string{"os"},
		Dependencies: map[string]object.Digest{"pkg.a": object.HashBytes([]byte("a"))},
	}
	v, err := Outline{}.Summarize(context.Background(), src)
	require.NoError(t, err)
	out, ok := v.(*OutlineSummary)
	require.True(t, ok, "unexpected type %T", v)

	assert.Equal(t, "pkg.mod", out.Module)
	assert.Equal(t, "Module doc.", out.Docstring)
	assert.Equal(t, 7, out.Lines)
	assert.Equal(t, []string{"import os"}, out.Imports)
	assert.Equal(t, src.Dependencies, out.Dependencies)

	x, ok := findDecl(out.Declarations, KindVariable, "X")
	require.True(t, ok, "declarations: %+v", out.Declarations)
	assert.Equal(t, 4, x.Line)
	hello, ok := findDecl(out.Declarations, KindFunction, "hello")
	require.True(t, ok, "declarations: %+v", out.Declarations)
	assert.Equal(t, 6, hello.Line)
	assert.Equal(t, "def hello()", hello.Signature)
}

func TestOutlineIsDeterministic(t *testing.T) {
	src := ModuleSource{Name: "m", Path: "m.py", Source: sample}
	a, err := Outline{}.Summarize(context.Background(), src)
	require.NoError(t, err)
	b, err := Outline{}.Summarize(context.Background(), src)
	require.NoError(t, err)

	ca, err := object.Canonicalize(a)
	require.NoError(t, err)
	cb, err := object.Canonicalize(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
}

func TestOutlineDependencyDigestChangesSummary(t *testing.T) {
	src := ModuleSource{Name: "m", Path: "m.py", Source: "import a\n",
		Dependencies: map[string]object.Digest{"a": object.HashBytes([]byte("v1"))}}
	first, err := Outline{}.Summarize(context.Background(), src)
	require.NoError(t, err)
	src.Dependencies = map[string]object.Digest{"a": object.HashBytes([]byte("v2"))}
	second, err := Outline{}.Summarize(context.Background(), src)
	require.NoError(t, err)

	d1, err := object.HashSHA256.Sum(mustCanonical(t, first))
	require.NoError(t, err)
	d2, err := object.HashSHA256.Sum(mustCanonical(t, second))
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func mustCanonical(t *testing.T, v any) []byte {
	t.Helper()
	b, err := object.Canonicalize(v)
	require.NoError(t, err)
	return b
}

func TestOutlineCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Outline{}.Summarize(ctx, ModuleSource{Name: "m", Path: "m.py"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLineDeclarations(t *testing.T) {
	text := "class A(Base):\n    def m(self):\n        pass\n\nasync def run():\n    x = 1\n\nDOC = \"\"\"\ndef fake():\n\"\"\"\nLIMIT: int = 3\n"
	decls := lineDeclarations(text)
	var names []string
	for _, d := range decls {
		names = append(names, d.Kind+":"+d.Name)
	}
	assert.Equal(t, []string{"class:A", "function:run", "variable:DOC", "variable:LIMIT"}, names)
}

func TestModuleDocstring(t *testing.T) {
	cases := map[string]string{
		"#!/usr/bin/env python\n# comment\n'''Doc\n  more'''\n": "Doc\n  more",
		"\"single\"\nx = 1\n":                                   "single",
		"x = 1\n\"\"\"not a docstring\"\"\"\n":                  "",
		"":                                                      "",
	}
	for in, want := range cases {
		assert.Equal(t, want, moduleDocstring(in), "input %q", in)
	}
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, workpool.CPU, ClassOf(Outline{}))
	assert.Equal(t, workpool.IO, ClassOf(&Exec{}))
	f := Func(func(context.Context, ModuleSource) (any, error) { return nil, nil })
	assert.Equal(t, workpool.CPU, ClassOf(f))
	assert.Equal(t, workpool.IO, ClassOf(WithClass(f, workpool.IO)))
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecSummarizer(t *testing.T) {
	requireShell(t)
	e := &Exec{Command: []string{"sh", "-c", "cat"}}
	v, err := e.Summarize(context.Background(), ModuleSource{Name: "m", Path: "m.py", Source: "x = 1\n"})
	require.NoError(t, err)

	var echoed struct {
		Name   string `json:"name"`
		Source string `json:"source"`
	}
	require.NoError(t, unmarshalAny(v, &echoed))
	assert.Equal(t, "m", echoed.Name)
	assert.Equal(t, "x = 1\n", echoed.Source)
}

func TestExecSummarizerFailures(t *testing.T) {
	requireShell(t)
	cases := map[string]*Exec{
		"exit":    {Command: []string{"sh", "-c", "echo boom >&2; exit 3"}},
		"notjson": {Command: []string{"sh", "-c", "echo not json"}},
		"empty":   {Command: []string{"sh", "-c", "true"}},
		"timeout": {Command: []string{"sh", "-c", "exec sleep 5"}, Timeout: 50 * time.Millisecond},
		"nocmd":   {},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Summarize(context.Background(), ModuleSource{Name: "m"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFailed), "err = %v", err)
		})
	}
}

func TestExecSummarizerCanceled(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	e := &Exec{Command: []string{"sh", "-c", "exec sleep 5"}}
	_, err := e.Summarize(ctx, ModuleSource{Name: "m"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrFailed))
}

const richSample = `"""Service module."""
from typing import Dict

LIMIT: int = 3
NAME = "svc"


@cache
@route("/x", methods=["GET"])
def handler(
    a: int,
    b=2,
    *args,
    key: str = "k",
    **kw,
) -> Dict[str, int]:
    """Handle."""
    return {}


if __name__ == "__main__":
    handler(1)
`

func TestOutlineHeaderFields(t *testing.T) {
	v, err := Outline{}.Summarize(context.Background(), ModuleSource{Name: "svc", Path: "svc.py", Source: richSample})
	require.NoError(t, err)
	out := v.(*OutlineSummary)
	assert.True(t, out.MainGuard)

	handler, ok := findDecl(out.Declarations, KindFunction, "handler")
	require.True(t, ok, "declarations: %+v", out.Declarations)
	assert.Equal(t, `def handler(a: int, b=2, *args, key: str = "k", **kw) -> Dict[str, int]`, handler.Signature)
	assert.Equal(t, "Dict[str, int]", handler.Returns)
	assert.Equal(t, []string{"cache", `route("/x", methods=["GET"])`}, handler.Decorators)
	assert.Equal(t, []Parameter{
		{Name: "a", Type: "int"},
		{Name: "b", Default: "2"},
		{Name: "*args"},
		{Name: "key", Type: "str", Default: `"k"`},
		{Name: "**kw"},
	}, handler.Parameters)

	limit, ok := findDecl(out.Declarations, KindVariable, "LIMIT")
	require.True(t, ok)
	assert.Equal(t, "int", limit.Type)
	assert.Equal(t, "3", limit.Value)
	name, ok := findDecl(out.Declarations, KindVariable, "NAME")
	require.True(t, ok)
	assert.Equal(t, `"svc"`, name.Value)
}

func TestOutlineClassMembers(t *testing.T) {
	src := "class Service(Base, metaclass=Meta):\n    retries = 3\n\n    @property\n    def name(self) -> str:\n        return 'svc'\n"
	v, err := Outline{}.Summarize(context.Background(), ModuleSource{Name: "svc", Path: "svc.py", Source: src})
	require.NoError(t, err)
	out := v.(*OutlineSummary)
	assert.False(t, out.MainGuard)

	svc, ok := findDecl(out.Declarations, KindClass, "Service")
	require.True(t, ok, "declarations: %+v", out.Declarations)
	assert.Equal(t, "class Service(Base, metaclass=Meta)", svc.Signature)
	assert.Equal(t, []string{"Base"}, svc.Bases)

	retries, ok := findDecl(svc.Members, KindVariable, "retries")
	require.True(t, ok, "members: %+v", svc.Members)
	assert.Equal(t, "3", retries.Value)
	method, ok := findDecl(svc.Members, KindFunction, "name")
	require.True(t, ok, "members: %+v", svc.Members)
	assert.Equal(t, []string{"property"}, method.Decorators)
	assert.Equal(t, "str", method.Returns)
	assert.Equal(t, []Parameter{{Name: "self"}}, method.Parameters)
}

func TestHeader(t *testing.T) {
	cases := map[string]string{
		"def f():\n    pass\n":                           "def f()",
		"def f(\n a: int,\n b=2):\n    pass\n":           "def f(a: int, b=2)",
		"def f(key=lambda x: x) -> int:\n    return 1\n": "def f(key=lambda x: x) -> int",
		"async def g(d={'a': 1}):\n    pass\n":           "async def g(d={'a': 1})",
		"class A:\n    pass\n":                           "class A",
	}
	for in, want := range cases {
		assert.Equal(t, want, header(in), "input %q", in)
	}
}

func TestParameter(t *testing.T) {
	cases := map[string]Parameter{
		"x":                     {Name: "x"},
		"x: int":                {Name: "x", Type: "int"},
		"x=a == b":              {Name: "x", Default: "a == b"},
		"cb: Callable = lambda": {Name: "cb", Type: "Callable", Default: "lambda"},
		"*":                     {Name: "*"},
	}
	for in, want := range cases {
		assert.Equal(t, want, parameter(in), "input %q", in)
	}
}

func TestAssignmentParts(t *testing.T) {
	typ, value := assignmentParts(" = {'a': 1}")
	assert.Empty(t, typ)
	assert.Equal(t, "{'a': 1}", value)

	typ, value = assignmentParts(": Dict[str, int] = {}")
	assert.Equal(t, "Dict[str, int]", typ)
	assert.Equal(t, "{}", value)

	typ, value = assignmentParts(": int")
	assert.Equal(t, "int", typ)
	assert.Empty(t, value)

	_, value = assignmentParts(" = \"" + strings.Repeat("x", 200) + "\"")
	assert.Equal(t, maxValueLen+len("..."), len([]rune(value)))
}

func TestHasMainGuard(t *testing.T) {
	assert.True(t, hasMainGuard("x = 1\nif __name__ == '__main__':\n    main()\n"))
	assert.True(t, hasMainGuard("if \"__main__\" == __name__:\n    main()\n"))
	assert.False(t, hasMainGuard("def f():\n    if __name__ == '__main__':\n        pass\n"))
}
