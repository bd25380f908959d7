// Package condense collapses the import graph's strongly connected
// components into work units and orders them for scheduling.
//
// Modules that import one another cannot be summarized independently, so
// every cycle becomes one atomic unit. The condensed graph is a DAG; its
// topological order is the only ordering that matters for correctness.
// Within that order, units on the longest weighted path and units with many
// dependents go first.
package condense

import (
	"container/heap"
	"fmt"
	"math/bits"
	"sort"

	"github.com/odvcencio/gotidx/pkg/depgraph"
)

// WorkUnit is one strongly connected component plus scheduling metadata.
type WorkUnit struct {
	ID int
	// Members are graph node indices, ascending.
	Members []int
	Modules []string

	// Weight estimates the work: the sum of member source sizes, counting
	// each member as at least 1.
	Weight int64
	// CriticalPath is Weight plus the largest CriticalPath among dependents.
	CriticalPath int64
	// Downstream counts the units that transitively depend on this one.
	Downstream int

	// Deps are the units this one imports from; Dependents import from it.
	Deps       []int
	Dependents []int

	// Order is the unit's position in Plan.Order.
	Order int
}

// Cyclic reports whether the unit holds more than one module.
func (u *WorkUnit) Cyclic() bool { return len(u.Members) > 1 }

// Plan is the condensed graph of one revision.
type Plan struct {
	Units []*WorkUnit
	// Order lists unit IDs so that every unit follows its Deps.
	Order []int
	// UnitOf maps a graph node index to its unit ID.
	UnitOf []int
}

// Len returns the number of units.
func (p *Plan) Len() int { return len(p.Units) }

// CriticalPath returns the longest weighted path through the plan.
func (p *Plan) CriticalPath() int64 {
	var best int64
	for _, u := range p.Units {
		if u.CriticalPath > best {
			best = u.CriticalPath
		}
	}
	return best
}

// Unit returns the unit containing the named module of g, or nil.
func (p *Plan) Unit(g *depgraph.Graph, module string) *WorkUnit {
	i, ok := g.Lookup(module)
	if !ok || i >= len(p.UnitOf) {
		return nil
	}
	return p.Units[p.UnitOf[i]]
}

// Validate checks that Order is a permutation of the units in which every
// unit appears after all of its dependencies, and that no unit depends on
// itself.
func (p *Plan) Validate() error {
	if len(p.Order) != len(p.Units) {
		return fmt.Errorf("plan: order has %d entries for %d units", len(p.Order), len(p.Units))
	}
	pos := make([]int, len(p.Units))
	for i := range pos {
		pos[i] = -1
	}
	for i, id := range p.Order {
		if id < 0 || id >= len(p.Units) {
			return fmt.Errorf("plan: order[%d] = %d out of range", i, id)
		}
		if pos[id] >= 0 {
			return fmt.Errorf("plan: unit %d appears twice in order", id)
		}
		pos[id] = i
	}
	for _, u := range p.Units {
		for _, d := range u.Deps {
			if d == u.ID {
				return fmt.Errorf("plan: unit %d depends on itself", u.ID)
			}
			if pos[d] > pos[u.ID] {
				return fmt.Errorf("plan: unit %d (%s) scheduled before its dependency %d (%s)",
					u.ID, u.Modules[0], d, p.Units[d].Modules[0])
			}
		}
	}
	return nil
}

// Condense computes the plan for g.
func Condense(g *depgraph.Graph) *Plan {
	components := stronglyConnected(g)

	unitOf := make([]int, g.Len())
	units := make([]*WorkUnit, len(components))
	for id, members := range components {
		sort.Ints(members)
		u := &WorkUnit{ID: id, Members: members, Modules: make([]string, len(members))}
		for i, m := range members {
			n := g.Nodes[m]
			u.Modules[i] = n.Name
			size := n.Size
			if size < 1 {
				size = 1
			}
			u.Weight += size
			unitOf[m] = id
		}
		units[id] = u
	}

	for _, u := range units {
		deps := make(map[int]struct{})
		for _, m := range u.Members {
			for _, e := range g.Nodes[m].Edges {
				if d := unitOf[e]; d != u.ID {
					deps[d] = struct{}{}
				}
			}
		}
		for d := range deps {
			u.Deps = append(u.Deps, d)
			units[d].Dependents = append(units[d].Dependents, u.ID)
		}
		sort.Ints(u.Deps)
	}
	for _, u := range units {
		sort.Ints(u.Dependents)
	}

	weigh(units)

	p := &Plan{Units: units, UnitOf: unitOf}
	p.Order = order(units)
	for i, id := range p.Order {
		units[id].Order = i
	}
	return p
}

// weigh fills CriticalPath and Downstream. Components come out of Tarjan's
// algorithm dependencies first, so walking them backwards visits every
// unit after all of its dependents.
func weigh(units []*WorkUnit) {
	words := (len(units) + 63) / 64
	reach := make([][]uint64, len(units))
	for id := len(units) - 1; id >= 0; id-- {
		u := units[id]
		set := make([]uint64, words)
		var longest int64
		for _, d := range u.Dependents {
			set[d/64] |= 1 << (uint(d) % 64)
			for w, v := range reach[d] {
				set[w] |= v
			}
			if cp := units[d].CriticalPath; cp > longest {
				longest = cp
			}
		}
		u.CriticalPath = u.Weight + longest
		for _, v := range set {
			u.Downstream += bits.OnesCount64(v)
		}
		reach[id] = set
	}
}

// order runs Kahn's algorithm, releasing the highest priority ready unit
// first.
func order(units []*WorkUnit) []int {
	waiting := make([]int, len(units))
	ready := &readyHeap{units: units}
	for _, u := range units {
		waiting[u.ID] = len(u.Deps)
		if waiting[u.ID] == 0 {
			ready.ids = append(ready.ids, u.ID)
		}
	}
	heap.Init(ready)

	out := make([]int, 0, len(units))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(int)
		out = append(out, id)
		for _, d := range units[id].Dependents {
			waiting[d]--
			if waiting[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}
	return out
}

// Before reports whether a should be dispatched ahead of b when both are
// ready.
func Before(a, b *WorkUnit) bool {
	if a.CriticalPath != b.CriticalPath {
		return a.CriticalPath > b.CriticalPath
	}
	if a.Downstream != b.Downstream {
		return a.Downstream > b.Downstream
	}
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	return a.Modules[0] < b.Modules[0]
}

type readyHeap struct {
	units []*WorkUnit
	ids   []int
}

func (h readyHeap) Len() int { return len(h.ids) }

func (h readyHeap) Less(i, j int) bool {
	return Before(h.units[h.ids[i]], h.units[h.ids[j]])
}

func (h readyHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }

func (h *readyHeap) Push(x any) { h.ids = append(h.ids, x.(int)) }

func (h *readyHeap) Pop() any {
	old := h.ids
	n := len(old)
	x := old[n-1]
	h.ids = old[:n-1]
	return x
}
