package condense

import "github.com/odvcencio/gotidx/pkg/depgraph"

// frame is one level of the explicit DFS stack.
type frame struct {
	node int
	edge int
}

// stronglyConnected returns g's strongly connected components in the order
// Tarjan's algorithm completes them: every component follows all the
// components it has edges into. The walk keeps its own stack so import
// chains of any depth are safe.
func stronglyConnected(g *depgraph.Graph) [][]int {
	n := g.Len()
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}

	var (
		next       int
		stack      []int
		components [][]int
		calls      []frame
	)

	visit := func(v int) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true
		calls = append(calls, frame{node: v})
	}

	for root := 0; root < n; root++ {
		if index[root] >= 0 {
			continue
		}
		visit(root)

		for len(calls) > 0 {
			f := &calls[len(calls)-1]
			v := f.node
			edges := g.Nodes[v].Edges

			if f.edge < len(edges) {
				w := edges[f.edge]
				f.edge++
				switch {
				case index[w] < 0:
					visit(w)
				case onStack[w] && index[w] < low[v]:
					low[v] = index[w]
				}
				continue
			}

			calls = calls[:len(calls)-1]
			if len(calls) > 0 {
				parent := calls[len(calls)-1].node
				if low[v] < low[parent] {
					low[parent] = low[v]
				}
			}

			if low[v] == index[v] {
				var component []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					component = append(component, w)
					if w == v {
						break
					}
				}
				components = append(components, component)
			}
		}
	}
	return components
}
