package sched

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/odvcencio/gotidx/pkg/condense"
	"github.com/odvcencio/gotidx/pkg/depgraph"
	"github.com/odvcencio/gotidx/pkg/object"
	"github.com/odvcencio/gotidx/pkg/repoquery"
	"github.com/odvcencio/gotidx/pkg/summarize"
	"github.com/odvcencio/gotidx/pkg/workpool"
)

// flakyStore fails the first n writes with ErrWriteFailed.
type flakyStore struct {
	store  *object.Store
	fail   atomic.Int32
	writes atomic.Int32
}

func (f *flakyStore) Write(canonical []byte) (object.Digest, error) {
	f.writes.Add(1)
	if f.fail.Add(-1) >= 0 {
		return "", fmt.Errorf("disk full: %w", object.ErrWriteFailed)
	}
	return f.store.Write(canonical)
}

type fixture struct {
	graph *depgraph.Graph
	repo  *repoquery.Memory
	store *object.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repoquery.NewMemory("main")
	files := map[string]string{
		"a.py": "X = 1\n",
		"b.py": "import a\n",
		"c.py": "import b\nimport d\n",
		"d.py": "import c\n",
	}
	require.NoError(t, repo.Commit("r1", nil, files))

	b := &depgraph.Builder{Repo: repo, Pools: workpool.New(2, 2)}
	paths := []string{"a.py", "b.py", "c.py", "d.py"}
	g, _, err := b.Build(context.Background(), depgraph.BuildRequest{Revision: "r1", Files: paths})
	require.NoError(t, err)

	return &fixture{
		graph: g,
		repo:  repo,
		store: object.NewStore(filepath.Join(t.TempDir(), "objects"), object.DefaultOptions()),
	}
}

func (f *fixture) executor(s summarize.Summarizer) *SummarizeExecutor {
	return &SummarizeExecutor{
		Graph:      f.graph,
		Revision:   "r1",
		Source:     f.repo,
		Summarizer: s,
		Store:      f.store,
		Pools:      workpool.New(2, 2),
		Retry:      RetryPolicy{Retries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func TestSummarizeExecutorEndToEnd(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	inputs := map[string]summarize.ModuleSource{}
	s := summarize.Func(func(_ context.Context, src summarize.ModuleSource) (any, error) {
		mu.Lock()
		inputs[src.Name] = src
		mu.Unlock()
		return map[string]any{"module": src.Name, "deps": src.Dependencies}, nil
	})
	exec := f.executor(s)
	exec.Metrics = NewMetrics(nil)

	plan := condense.Condense(f.graph)
	res, err := (&Scheduler{}).Run(context.Background(), plan, exec)
	require.NoError(t, err)
	require.True(t, res.Complete(), "failures: %v", res.Failures)
	assert.Equal(t, 3, plan.Len())

	for name, d := range res.Digests {
		var v map[string]any
		require.NoError(t, f.store.Get(d, &v), name)
		assert.Equal(t, name, v["module"])
	}

	// b sees a's digest; c and d share a cycle and only see b's.
	assert.Equal(t, map[string]object.Digest{"a": res.Digests["a"]}, inputs["b"].Dependencies)
	assert.Equal(t, map[string]object.Digest{"b": res.Digests["b"]}, inputs["c"].Dependencies)
	assert.Nil(t, inputs["d"].Dependencies)
	assert.Equal(t, "import a\n", inputs["b"].Source)
	assert.Equal(t, f.graph.Node("b").Source, inputs["b"].SourceDigest)
	assert.Equal(t, 4.0, testutil.ToFloat64(exec.Metrics.summaries.WithLabelValues(resultOK)))
}

func TestSummarizeExecutorRetriesWrites(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStore{store: f.store}
	flaky.fail.Store(2)
	exec := f.executor(summarize.Outline{})
	exec.Store = flaky
	exec.Metrics = NewMetrics(nil)

	plan := condense.Condense(f.graph)
	res, err := (&Scheduler{MaxInFlight: 1}).Run(context.Background(), plan, exec)
	require.NoError(t, err)
	assert.True(t, res.Complete(), "failures: %v", res.Failures)
	assert.Equal(t, 2.0, testutil.ToFloat64(exec.Metrics.writeRetries))
}

func TestSummarizeExecutorWriteRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStore{store: f.store}
	flaky.fail.Store(1000)
	exec := f.executor(summarize.Outline{})
	exec.Store = flaky

	plan := condense.Condense(f.graph)
	res, err := (&Scheduler{}).Run(context.Background(), plan, exec)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(Failed), "only the root unit runs")
	assert.Equal(t, 2, res.Count(Blocked))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, KindStore, res.Failures[0].Kind)
	assert.ErrorIs(t, res.Failures[0], object.ErrWriteFailed)
	assert.Equal(t, int32(3), flaky.writes.Load())
}

func TestSummarizeExecutorSummarizerFailure(t *testing.T) {
	f := newFixture(t)
	s := summarize.Func(func(_ context.Context, src summarize.ModuleSource) (any, error) {
		if src.Name == "d" {
			return nil, errBoom
		}
		return src.Name, nil
	})
	plan := condense.Condense(f.graph)
	res, err := (&Scheduler{}).Run(context.Background(), plan, f.executor(s))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(Done))
	assert.Equal(t, 1, res.Count(Failed))
	assert.Equal(t, []string{"c", "d"}, res.Missing())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "d", res.Failures[0].Module)
	assert.ErrorIs(t, res.Failures[0], summarize.ErrFailed)
	assert.ErrorIs(t, res.Failures[0], errBoom)
}

func TestSummarizeExecutorReadFailure(t *testing.T) {
	f := newFixture(t)
	exec := f.executor(summarize.Outline{})
	exec.Revision = "missing"
	plan := condense.Condense(f.graph)
	res, err := (&Scheduler{}).Run(context.Background(), plan, exec)
	require.NoError(t, err)
	require.NotEmpty(t, res.Failures)
	assert.Equal(t, KindRead, res.Failures[0].Kind)
	assert.ErrorIs(t, res.Failures[0], repoquery.ErrUnavailable)
}

func TestSummarizeExecutorReuse(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	s := summarize.Func(func(_ context.Context, src summarize.ModuleSource) (any, error) {
		calls.Add(1)
		return src.Name, nil
	})
	exec := f.executor(s)
	exec.Reuse = func(_ context.Context, job Job) (map[string]object.Digest, bool) {
		if job.Unit.Modules[0] != "a" {
			return nil, false
		}
		return map[string]object.Digest{"a": object.HashBytes([]byte("old a"))}, true
	}
	plan := condense.Condense(f.graph)
	res, err := (&Scheduler{}).Run(context.Background(), plan, exec)
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, res.Reused)
	assert.Equal(t, 3, res.Summarized)
	assert.Equal(t, object.HashBytes([]byte("old a")), res.Digests["a"])
}

func TestSummarizeExecutorRateLimitAndTimeout(t *testing.T) {
	f := newFixture(t)
	s := summarize.Func(func(ctx context.Context, src summarize.ModuleSource) (any, error) {
		if src.Name == "a" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return src.Name, nil
	})
	exec := f.executor(s)
	exec.Limiter = rate.NewLimiter(rate.Inf, 1)
	exec.Timeout = 20 * time.Millisecond

	plan := condense.Condense(f.graph)
	res, err := (&Scheduler{}).Run(context.Background(), plan, exec)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "a", res.Failures[0].Module)
	assert.ErrorIs(t, res.Failures[0], summarize.ErrFailed)
	assert.Equal(t, 2, res.Count(Blocked))
}
