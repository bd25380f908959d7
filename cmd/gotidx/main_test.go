package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/gotidx/pkg/object"
	"github.com/odvcencio/gotidx/pkg/repo"
	"github.com/odvcencio/gotidx/pkg/repoquery"
)

func chdirForTest(t *testing.T, dir string) func() {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%s): %v", dir, err)
	}
	return func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore cwd %s: %v", wd, err)
		}
	}
}

// withSource points the CLI at an in-memory repository for the test.
func withSource(t *testing.T, src repoquery.Repository) {
	t.Helper()
	prev := openSource
	openSource = func(string) repoquery.Repository { return src }
	t.Cleanup(func() { openSource = prev })
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// setup initializes index state in a temp dir, changes into it and serves
// two commits from memory.
func setup(t *testing.T) (*repo.Repo, *repoquery.Memory) {
	t.Helper()
	dir := t.TempDir()
	r, err := repo.Init(dir)
	require.NoError(t, err)
	t.Cleanup(chdirForTest(t, dir))

	src := repoquery.NewMemory("main")
	require.NoError(t, src.Commit("c1", nil, map[string]string{
		"app/__init__.py": "",
		"app/models.py":   "class User:\n    pass\n",
		"app/views.py":    "from app.models import User\n\ndef show(u):\n    return u\n",
	}))
	require.NoError(t, src.Commit("c2", []string{"c1"}, map[string]string{
		"app/__init__.py": "",
		"app/models.py":   "class User:\n    pass\n",
		"app/views.py":    "from app.models import User\n\ndef show(u):\n    return repr(u)\n",
	}))
	withSource(t, src)
	return r, src
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestInitCmdCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "src")
	out, err := runCmd(t, "init", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "initialized empty index in ")

	_, err = os.Stat(filepath.Join(dir, repo.StateDirName))
	require.NoError(t, err)

	_, err = runCmd(t, "init", dir)
	assert.Error(t, err, "init twice")
}

func TestInitCmdWritesChosenSettings(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "src")
	out, err := runCmd(t, "init", dir, "--hash", "blake2b-256", "--keep-last", "0", "--no-cache",
		"--include", "src/**/*.py", "--summarizer-cmd", "python3,summarize.py")
	require.NoError(t, err)
	assert.Contains(t, out, "(blake2b-256, zstd)")
	assert.Contains(t, out, "retention   keep all manifests")
	assert.Contains(t, out, "cache       disabled")
	assert.Contains(t, out, "summarizer  exec")

	r, err := repo.Open(dir)
	require.NoError(t, err)
	assert.Equal(t, object.HashBLAKE2b256, r.Settings.Store.Hash)
	assert.Equal(t, 0, r.Settings.Retention.KeepLast)
	assert.False(t, r.Settings.Cache.Enabled)
	assert.Equal(t, []string{"src/**/*.py"}, r.Settings.Source.Include)
	assert.Equal(t, []string{"python3", "summarize.py"}, r.Settings.Summarizer.Command)
}

func TestInitCmdRejectsUnknownHash(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "src")
	_, err := runCmd(t, "init", dir, "--hash", "md5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported hash algorithm")
	_, err = os.Stat(filepath.Join(dir, repo.StateDirName))
	assert.True(t, os.IsNotExist(err))
}

func TestIndexShowAndGraph(t *testing.T) {
	r, _ := setup(t)
	metrics := filepath.Join(t.TempDir(), "gotidx.prom")

	out, err := runCmd(t, "index", "c1", "--metrics-file", metrics)
	require.NoError(t, err)
	assert.Contains(t, out, "revision   c1 (main)")
	assert.Contains(t, out, "baseline   none (full index)")
	assert.Contains(t, out, "manifest   written")

	prom, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `gotidx_sched_units_total{state="done"} 3`)

	out, err = runCmd(t, "index", "--no-cache")
	require.NoError(t, err)
	assert.Contains(t, out, "revision   c2 (main)")
	assert.Contains(t, out, "baseline   c1 (distance 1, 1 changed)")
	assert.Contains(t, out, "summaries  1 summarized, 2 reused")

	ptr, err := r.Pointer.Read()
	require.NoError(t, err)
	assert.Equal(t, "c2", ptr.Revision)

	out, err = runCmd(t, "show")
	require.NoError(t, err)
	assert.Contains(t, out, "manifest c2")
	assert.Contains(t, out, "Baseline: c1")
	assert.Contains(t, out, " app.views\n")

	out, err = runCmd(t, "show", "c1", "-m", "app.models")
	require.NoError(t, err)
	assert.Contains(t, out, `"module": "app.models"`)

	_, err = runCmd(t, "show", "c1", "-m", "nope")
	assert.Error(t, err)

	out, err = runCmd(t, "manifests")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "* c2 main "), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "  c1 main "), lines[1])

	out, err = runCmd(t, "graph")
	require.NoError(t, err)
	assert.Contains(t, out, "3 modules, ")
	assert.Contains(t, out, "[app.views]")

	out, err = runCmd(t, "graph", "c2", "--dot")
	require.NoError(t, err)
	assert.Contains(t, out, `"app.views" -> "app.models";`)

	out, err = runCmd(t, "diff", "c1", "--stat")
	require.NoError(t, err)
	assert.Equal(t, "c1..c2: 0 added, 0 removed, 1 modified, 2 unchanged\n", out)

	out, err = runCmd(t, "diff", "c1", "c2")
	require.NoError(t, err)
	assert.Equal(t, "~ app.views\n", out)

	out, err = runCmd(t, "diff", "c1", "c2", "-m", "app.views")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	out, err = runCmd(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "ok: verified ")
}

func TestIndexDegradedRunFails(t *testing.T) {
	r, _ := setup(t)

	out, err := runCmd(t, "index", "c1", "--summarizer-cmd", "false", "--no-cache")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degraded")
	assert.Contains(t, out, "manifest   not written")
	assert.False(t, r.Manifests.Has("c1"))

	_, err = runCmd(t, "show")
	assert.Error(t, err, "nothing indexed yet")
}

func TestGCCmd(t *testing.T) {
	r, _ := setup(t)
	_, err := runCmd(t, "index", "c1", "--no-gc")
	require.NoError(t, err)
	_, err = runCmd(t, "index", "c2", "--no-gc")
	require.NoError(t, err)

	out, err := runCmd(t, "gc", "--keep-last", "1", "--objects", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "0 manifest(s) removed, would remove ")
	assert.True(t, r.Manifests.Has("c1"))

	out, err = runCmd(t, "gc", "--keep-last", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "removed manifest c1")
	assert.Contains(t, out, "parse cache compacted, ")
	assert.False(t, r.Manifests.Has("c1"))
	assert.True(t, r.Manifests.Has("c2"))
}

func TestUnknownLogFormat(t *testing.T) {
	_, err := runCmd(t, "--log-format", "xml", "version")
	assert.Error(t, err)
}
