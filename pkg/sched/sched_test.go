package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/gotidx/pkg/condense"
	"github.com/odvcencio/gotidx/pkg/depgraph"
	"github.com/odvcencio/gotidx/pkg/object"
)

var errBoom = errors.New("boom")

func testGraph(t *testing.T, imports map[string][]string) *depgraph.Graph {
	t.Helper()
	var nodes []*depgraph.Node
	for name, deps := range imports {
		n := &depgraph.Node{Name: name, Path: name + ".py", Source: object.HashBytes([]byte(name)), Size: 1}
		for _, d := range deps {
			n.Imports = append(n.Imports, depgraph.Import{Module: d})
		}
		nodes = append(nodes, n)
	}
	g, err := depgraph.New("rev", nodes)
	require.NoError(t, err)
	return g
}

func testPlan(t *testing.T, imports map[string][]string) (*depgraph.Graph, *condense.Plan) {
	g := testGraph(t, imports)
	return g, condense.Condense(g)
}

// digestsFor returns one fake digest per module.
func digestsFor(u *condense.WorkUnit) map[string]object.Digest {
	out := make(map[string]object.Digest, len(u.Modules))
	for _, m := range u.Modules {
		out[m] = object.HashBytes([]byte("summary:" + m))
	}
	return out
}

// tracker records states as the scheduler reports them.
type tracker struct {
	mu     sync.Mutex
	states map[int]State
	seen   []State
}

func newTracker() *tracker { return &tracker{states: map[int]State{}} }

func (tr *tracker) observe(unit int, from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.states[unit] = to
	tr.seen = append(tr.seen, to)
}

func (tr *tracker) state(unit int) State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.states[unit]
}

func TestRunRespectsDependencies(t *testing.T) {
	g, plan := testPlan(t, map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
		"e": {"g"},
		"g": {"e"},
		"f": {"d", "e"},
	})
	tr := newTracker()
	s := &Scheduler{MaxInFlight: 4, OnTransition: tr.observe}

	var violations []string
	var mu sync.Mutex
	exec := ExecutorFunc(func(ctx context.Context, job Job) (Outcome, error) {
		for _, d := range job.Unit.Deps {
			if tr.state(d) != Done {
				mu.Lock()
				violations = append(violations, job.Unit.Modules[0])
				mu.Unlock()
			}
			for _, m := range plan.Units[d].Modules {
				if !job.Upstream[m].Valid() {
					mu.Lock()
					violations = append(violations, "missing upstream "+m)
					mu.Unlock()
				}
			}
		}
		time.Sleep(time.Millisecond)
		return Outcome{Digests: digestsFor(job.Unit)}, nil
	})

	res, err := s.Run(context.Background(), plan, exec)
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.True(t, res.Complete())
	assert.Equal(t, plan.Len(), res.Count(Done))
	assert.Len(t, res.Digests, g.Len())
	assert.Equal(t, g.Len(), res.Summarized)
	assert.Empty(t, res.Missing())
	assert.Equal(t, Ready, tr.seen[0])
}

func TestRunFailureBlocksDependents(t *testing.T) {
	_, plan := testPlan(t, map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
		"d": nil,
		"e": {"d"},
	})
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s := &Scheduler{MaxInFlight: 2, Metrics: metrics}

	var ran sync.Map
	exec := ExecutorFunc(func(ctx context.Context, job Job) (Outcome, error) {
		ran.Store(job.Unit.Modules[0], true)
		if job.Unit.Modules[0] == "b" {
			return Outcome{}, &UnitError{Module: "b", Kind: KindSummarize, Err: errBoom}
		}
		return Outcome{Digests: digestsFor(job.Unit)}, nil
	})

	res, err := s.Run(context.Background(), plan, exec)
	require.NoError(t, err)
	assert.False(t, res.Complete())

	g := testGraph(t, map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}, "d": nil, "e": {"d"}})
	stateOf := func(m string) State { return res.States[plan.Unit(g, m).ID] }
	assert.Equal(t, Done, stateOf("a"))
	assert.Equal(t, Failed, stateOf("b"))
	assert.Equal(t, Blocked, stateOf("c"))
	assert.Equal(t, Done, stateOf("d"))
	assert.Equal(t, Done, stateOf("e"))
	_, cRan := ran.Load("c")
	assert.False(t, cRan, "blocked unit must never run")

	assert.Equal(t, []string{"b", "c"}, res.Missing())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, plan.Unit(g, "b").ID, res.Failures[0].Unit)
	assert.Equal(t, KindSummarize, res.Failures[0].Kind)
	assert.ErrorIs(t, res.Failures[0], errBoom)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.units.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.units.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.units.WithLabelValues("blocked")))
}

func TestRunPlainErrorBecomesUnitError(t *testing.T) {
	_, plan := testPlan(t, map[string][]string{"a": nil})
	res, err := (&Scheduler{}).Run(context.Background(), plan, ExecutorFunc(func(context.Context, Job) (Outcome, error) {
		return Outcome{}, errBoom
	}))
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, KindExecute, res.Failures[0].Kind)
	assert.ErrorIs(t, res.Failures[0], errBoom)
}

func TestRunMissingDigestFailsUnit(t *testing.T) {
	_, plan := testPlan(t, map[string][]string{"a": nil, "b": {"a"}})
	res, err := (&Scheduler{}).Run(context.Background(), plan, ExecutorFunc(func(context.Context, Job) (Outcome, error) {
		return Outcome{}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(Failed))
	assert.Equal(t, 1, res.Count(Blocked))
}

func TestRunCancellation(t *testing.T) {
	_, plan := testPlan(t, map[string][]string{"a": nil, "b": {"a"}, "c": nil})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, 2)
	exec := ExecutorFunc(func(ctx context.Context, job Job) (Outcome, error) {
		started <- struct{}{}
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})
	go func() {
		<-started
		cancel()
	}()

	res, err := (&Scheduler{MaxInFlight: 1}).Run(ctx, plan, exec)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, plan.Len(), res.Count(Canceled))
	assert.Equal(t, 1, res.Attempted)
	assert.Empty(t, res.Failures)
	assert.Empty(t, res.Digests)
}

func TestRunInFlightUnitFinishesAfterCancel(t *testing.T) {
	_, plan := testPlan(t, map[string][]string{"a": nil, "b": {"a"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := ExecutorFunc(func(_ context.Context, job Job) (Outcome, error) {
		cancel()
		return Outcome{Digests: digestsFor(job.Unit)}, nil
	})
	res, err := (&Scheduler{}).Run(ctx, plan, exec)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Count(Done))
	assert.Equal(t, 1, res.Count(Canceled))
	assert.Equal(t, 1, res.Attempted)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, canTransition(Pending, Ready))
	assert.True(t, canTransition(Running, Done))
	assert.False(t, canTransition(Done, Pending))
	assert.False(t, canTransition(Failed, Running))
	assert.False(t, canTransition(Pending, Running))
	assert.Equal(t, "blocked", Blocked.String())
	assert.True(t, Canceled.Terminal())
	assert.False(t, Running.Terminal())
}

func TestRetryDelay(t *testing.T) {
	p := RetryPolicy{Retries: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	assert.Equal(t, 35*time.Millisecond, p.Delay(3))
	assert.Equal(t, 35*time.Millisecond, p.Delay(9))
}
