// Package sched runs the work units of a condensed plan in dependency
// order. A unit starts only after every unit it depends on is Done. When a
// unit fails, everything downstream of it is Blocked while independent
// branches keep going.
package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/odvcencio/gotidx/pkg/condense"
	"github.com/odvcencio/gotidx/pkg/object"
)

// Job is one unit handed to an Executor.
type Job struct {
	Unit *condense.WorkUnit
	// Upstream holds the summary digest of every module in the units this
	// one depends on.
	Upstream map[string]object.Digest
}

// Outcome is what an Executor produced for a unit.
type Outcome struct {
	// Digests maps every member module to its summary digest.
	Digests map[string]object.Digest
	// Reused counts members whose summary was carried over unchanged.
	Reused int
}

// Executor does the work of one unit. Returning an error fails the unit;
// an error caused by ctx ending cancels it instead.
type Executor interface {
	Execute(ctx context.Context, job Job) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job Job) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, job Job) (Outcome, error) {
	return f(ctx, job)
}

// Scheduler dispatches ready units by priority.
type Scheduler struct {
	// MaxInFlight bounds concurrently running units; <= 0 means
	// runtime.NumCPU(). The executor's worker pools bound the work itself.
	MaxInFlight int
	Logger      *slog.Logger
	Metrics     *Metrics
	// OnTransition, if set, observes every state change. It is called from
	// the dispatch loop and must not block.
	OnTransition func(unit int, from, to State)
}

// Result is the state of every unit after a run.
type Result struct {
	Plan   *condense.Plan
	States []State
	// Digests holds the summaries of all Done units' modules.
	Digests  map[string]object.Digest
	Failures []*UnitError
	// Attempted counts units that were dispatched, whatever their end
	// state.
	Attempted int
	// Reused and Summarized count modules of Done units.
	Reused     int
	Summarized int
	Duration   time.Duration
}

// Count returns the number of units in state st.
func (r *Result) Count(st State) int {
	n := 0
	for _, s := range r.States {
		if s == st {
			n++
		}
	}
	return n
}

// Complete reports whether every unit is Done.
func (r *Result) Complete() bool {
	return r.Count(Done) == len(r.States)
}

// Missing lists the modules of units that are not Done, sorted.
func (r *Result) Missing() []string {
	var out []string
	for id, s := range r.States {
		if s != Done {
			out = append(out, r.Plan.Units[id].Modules...)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

type completion struct {
	id      int
	outcome Outcome
	err     error
	elapsed time.Duration
}

type run struct {
	s       *Scheduler
	plan    *condense.Plan
	res     *Result
	waiting []int
	ready   *readyQueue
}

func (r *run) transition(id int, to State) {
	from := r.res.States[id]
	if !canTransition(from, to) {
		panic(fmt.Sprintf("sched: illegal transition %s -> %s for unit %d", from, to, id))
	}
	r.res.States[id] = to
	if to == Running {
		r.res.Attempted++
	}
	if r.s.OnTransition != nil {
		r.s.OnTransition(id, from, to)
	}
	if to.Terminal() {
		r.s.Metrics.unitFinished(to)
	}
}

// Run executes plan with exec. It returns once every unit is terminal. A
// canceled ctx stops new dispatches; units already running are waited for
// and Run returns ctx's error along with the partial result. Unit failures
// are reported in the Result, not as an error.
func (s *Scheduler) Run(ctx context.Context, plan *condense.Plan, exec Executor) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	n := plan.Len()
	r := &run{
		s:    s,
		plan: plan,
		res: &Result{
			Plan:    plan,
			States:  make([]State, n),
			Digests: make(map[string]object.Digest),
		},
		waiting: make([]int, n),
		ready:   &readyQueue{units: plan.Units},
	}
	for _, u := range plan.Units {
		r.waiting[u.ID] = len(u.Deps)
		if len(u.Deps) == 0 {
			r.transition(u.ID, Ready)
			heap.Push(r.ready, u.ID)
		}
	}

	limit := s.MaxInFlight
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	log := s.logger()
	done := make(chan completion)
	running := 0

	for {
		for running < limit && r.ready.Len() > 0 && ctx.Err() == nil {
			id := heap.Pop(r.ready).(int)
			job := Job{Unit: plan.Units[id], Upstream: r.upstream(id)}
			r.transition(id, Running)
			running++
			go func() {
				t := time.Now()
				out, err := exec.Execute(ctx, job)
				done <- completion{id: id, outcome: out, err: err, elapsed: time.Since(t)}
			}()
		}
		if running == 0 {
			break
		}

		c := <-done
		running--
		s.Metrics.unitRan(c.elapsed)
		u := plan.Units[c.id]
		switch {
		case c.err == nil:
			if err := r.checkOutcome(u, c.outcome); err != nil {
				r.fail(c.id, err)
				log.Warn("work unit failed", "unit", c.id, "modules", u.Modules, "err", err)
				continue
			}
			r.finish(c.id, c.outcome)
		case ctx.Err() != nil && errors.Is(c.err, ctx.Err()):
			r.transition(c.id, Canceled)
		default:
			r.fail(c.id, c.err)
			log.Warn("work unit failed", "unit", c.id, "modules", u.Modules, "err", c.err)
		}
	}

	for id, st := range r.res.States {
		if !st.Terminal() {
			r.transition(id, Canceled)
		}
	}
	sort.Slice(r.res.Failures, func(i, j int) bool {
		return plan.Units[r.res.Failures[i].Unit].Order < plan.Units[r.res.Failures[j].Unit].Order
	})
	r.res.Duration = time.Since(start)

	log.Debug("schedule finished",
		"units", n,
		"done", r.res.Count(Done),
		"failed", r.res.Count(Failed),
		"blocked", r.res.Count(Blocked),
		"canceled", r.res.Count(Canceled),
		"elapsed", r.res.Duration)
	return r.res, ctx.Err()
}

func (r *run) upstream(id int) map[string]object.Digest {
	out := make(map[string]object.Digest)
	for _, d := range r.plan.Units[id].Deps {
		for _, m := range r.plan.Units[d].Modules {
			out[m] = r.res.Digests[m]
		}
	}
	return out
}

func (r *run) checkOutcome(u *condense.WorkUnit, out Outcome) error {
	for _, m := range u.Modules {
		if d, ok := out.Digests[m]; !ok || !d.Valid() {
			return &UnitError{Unit: u.ID, Module: m, Kind: KindExecute, Err: errors.New("executor returned no digest")}
		}
	}
	return nil
}

func (r *run) finish(id int, out Outcome) {
	u := r.plan.Units[id]
	for _, m := range u.Modules {
		r.res.Digests[m] = out.Digests[m]
	}
	r.res.Reused += out.Reused
	r.res.Summarized += len(u.Modules) - out.Reused
	r.transition(id, Done)
	for _, d := range u.Dependents {
		r.waiting[d]--
		if r.waiting[d] == 0 && r.res.States[d] == Pending {
			r.transition(d, Ready)
			heap.Push(r.ready, d)
		}
	}
}

// fail marks id Failed and everything downstream of it Blocked.
func (r *run) fail(id int, err error) {
	r.transition(id, Failed)
	r.res.Failures = append(r.res.Failures, asUnitError(id, err))

	stack := append([]int(nil), r.plan.Units[id].Dependents...)
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if r.res.States[d] != Pending {
			continue
		}
		r.transition(d, Blocked)
		stack = append(stack, r.plan.Units[d].Dependents...)
	}
}

type readyQueue struct {
	units []*condense.WorkUnit
	ids   []int
}

func (q readyQueue) Len() int { return len(q.ids) }

func (q readyQueue) Less(i, j int) bool {
	return condense.Before(q.units[q.ids[i]], q.units[q.ids[j]])
}

func (q readyQueue) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }

func (q *readyQueue) Push(x any) { q.ids = append(q.ids, x.(int)) }

func (q *readyQueue) Pop() any {
	old := q.ids
	n := len(old)
	x := old[n-1]
	q.ids = old[:n-1]
	return x
}
