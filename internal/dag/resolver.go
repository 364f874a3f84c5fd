package dag

import (
	"fmt"
	"sort"
)

// Node is a single task within a process graph, identified by its
// definition ID with dependency edges to other task IDs.
type Node struct {
	ID        string
	DependsOn []string
	// Order is an optional execution order hint used as a tie-breaker
	// when sorting tasks inside a batch. Lower runs first.
	Order int
}

// Batch is a set of task IDs whose dependencies are all satisfied by
// earlier batches. Tasks within a batch may execute in parallel.
type Batch []string

// Resolve computes the parallel execution batches for a set of task nodes
// using Kahn's algorithm. Each returned batch contains the tasks whose
// unresolved in-degree dropped to zero at the same layer, so every
// dependency sits in a strictly earlier batch than its dependents.
//
// Resolve is pure: it never mutates its input and has no side effects.
// It is called once at instance creation and the result is cached on the
// process instance.
func Resolve(nodes []Node) ([]Batch, error) {
	if len(nodes) == 0 {
		return nil, &ValidationError{Message: "process has no tasks"}
	}

	// Arena of nodes addressed by stable integer indices plus adjacency
	// lists. Index assignment follows input order.
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			return nil, &ValidationError{Message: "task id is required"}
		}
		if _, exists := index[n.ID]; exists {
			return nil, &ValidationError{Message: fmt.Sprintf("duplicate task id: %q", n.ID)}
		}
		index[n.ID] = i
	}

	dependents := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for i, n := range nodes {
		seen := make(map[int]struct{}, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, &ValidationError{Message: fmt.Sprintf("task %q depends on unknown task %q", n.ID, dep)}
			}
			if j == i {
				return nil, &ValidationError{Message: fmt.Sprintf("task %q depends on itself", n.ID)}
			}
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			dependents[j] = append(dependents[j], i)
			indeg[i]++
		}
	}

	remaining := make([]int, len(indeg))
	copy(remaining, indeg)

	frontier := make([]int, 0, len(nodes))
	for i := range remaining {
		if remaining[i] == 0 {
			frontier = append(frontier, i)
		}
	}

	var batches []Batch
	processed := 0
	for len(frontier) > 0 {
		sort.Slice(frontier, func(a, b int) bool {
			na, nb := nodes[frontier[a]], nodes[frontier[b]]
			if na.Order != nb.Order {
				return na.Order < nb.Order
			}
			return na.ID < nb.ID
		})

		batch := make(Batch, 0, len(frontier))
		for _, i := range frontier {
			batch = append(batch, nodes[i].ID)
		}
		batches = append(batches, batch)
		processed += len(frontier)

		next := frontier[:0:0]
		for _, i := range frontier {
			for _, d := range dependents[i] {
				remaining[d]--
				if remaining[d] == 0 {
					next = append(next, d)
				}
			}
		}
		frontier = next
	}

	if processed < len(nodes) {
		// Residual nodes with positive in-degree form at least one cycle.
		return nil, &CyclicDependencyError{Nodes: findCycle(nodes, dependents, indeg)}
	}

	return batches, nil
}

// findCycle extracts one cycle path from the residual subgraph via DFS
// back-edge detection. It returns a single stable witness, not every cycle.
func findCycle(nodes []Node, dependents [][]int, indeg []int) []string {
	const (
		white = iota
		grey
		black
	)

	colour := make([]int, len(nodes))
	parent := make([]int, len(nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		colour[u] = grey
		for _, v := range dependents[u] {
			switch colour[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case grey:
				// Back-edge u -> v closes the cycle. Walk parents back to v.
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				return true
			}
		}
		colour[u] = black
		return false
	}

	for i := range nodes {
		if colour[i] == white && indeg[i] > 0 {
			if dfs(i) {
				break
			}
		}
	}

	ids := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		ids = append(ids, nodes[cycle[i]].ID)
	}
	sort.Strings(ids)
	return ids
}
