package repoquery

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFilter(t *testing.T) {
	f, err := NewPathFilter([]string{"**/*.py"}, []string{"tests/**", "**/conftest.py"})
	require.NoError(t, err)

	assert.True(t, f.Match("a.py"))
	assert.True(t, f.Match("pkg/sub/mod.py"))
	assert.False(t, f.Match("README.md"))
	assert.False(t, f.Match("tests/test_a.py"))
	assert.False(t, f.Match("pkg/conftest.py"))

	all := PathFilter{}
	assert.True(t, all.Match("anything/at/all"))

	_, err = NewPathFilter([]string{"[unclosed"}, nil)
	assert.Error(t, err)
}

func TestAncestorDistancesShortestPath(t *testing.T) {
	// d has parents b and c; b's parent is a; c's parent is b.
	parents := map[string][]string{
		"d": {"c", "b"},
		"c": {"b"},
		"b": {"a"},
	}
	dist := ancestorDistances("d", func(c string) []string { return parents[c] }, 0)
	assert.Equal(t, map[string]int{"d": 0, "c": 1, "b": 1, "a": 2}, dist)

	limited := ancestorDistances("d", func(c string) []string { return parents[c] }, 1)
	assert.Equal(t, map[string]int{"d": 0, "c": 1, "b": 1}, limited)
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("main")
	require.NoError(t, m.Commit("r1", nil, map[string]string{"a.py": "x = 1\n", "b.py": "import a\n", "doc.md": "hi"}))
	require.NoError(t, m.Commit("r2", []string{"r1"}, map[string]string{"a.py": "x = 1\n", "b.py": "import a\ny = 2\n", "c.py": ""}))
	require.Error(t, m.Commit("r3", []string{"missing"}, nil))

	head, err := m.Resolve(ctx, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, "r2", head)

	_, err = m.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnavailable)

	dist, err := m.Ancestors(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"r2": 0, "r1": 1}, dist)

	ok, err := m.IsAncestor(ctx, "r1", "r2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.IsAncestor(ctx, "r2", "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	py := PathFilter{Include: []string{"**/*.py"}}
	changed, err := m.ChangedFiles(ctx, "r1", "r2", py)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.py", "c.py"}, changed)

	files, err := m.ListFiles(ctx, "r1", py)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py"}, files)

	content, err := m.ReadFile(ctx, "r2", "b.py")
	require.NoError(t, err)
	assert.Equal(t, "import a\ny = 2\n", string(content))

	_, err = m.ReadFile(ctx, "r1", "c.py")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func gitRepo(t *testing.T) (string, func(args ...string) string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) string {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
			"GIT_CONFIG_NOSYSTEM=1", "HOME="+dir,
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
		return strings.TrimSpace(string(out))
	}
	run("init", "-q", "-b", "main")
	return dir, run
}

func TestGitRepository(t *testing.T) {
	dir, run := gitRepo(t)
	ctx := context.Background()
	write := func(path, content string) {
		full := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	write("a.py", "x = 1\n")
	write("pkg/b.py", "import a\n")
	run("add", ".")
	run("commit", "-q", "-m", "one")
	r1 := run("rev-parse", "HEAD")

	write("pkg/b.py", "import a\ny = 2\n")
	write("notes.txt", "n")
	run("add", ".")
	run("commit", "-q", "-m", "two")
	r2 := run("rev-parse", "HEAD")

	g := NewGit(dir)

	resolved, err := g.Resolve(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, r2, resolved)

	branch, err := g.Branch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	dist, err := g.Ancestors(ctx, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{r2: 0, r1: 1}, dist)

	ok, err := g.IsAncestor(ctx, r1, r2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.IsAncestor(ctx, r2, r1)
	require.NoError(t, err)
	assert.False(t, ok)

	py := PathFilter{Include: []string{"**/*.py"}}
	changed, err := g.ChangedFiles(ctx, r1, r2, py)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg/b.py"}, changed)

	files, err := g.ListFiles(ctx, r2, py)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "pkg/b.py"}, files)

	content, err := g.ReadFile(ctx, r1, "pkg/b.py")
	require.NoError(t, err)
	assert.Equal(t, "import a\n", string(content))

	_, err = g.Resolve(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrUnavailable)
}
