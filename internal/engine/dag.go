package engine

import (
	"container/heap"
	"sort"
)

// DAG is an immutable, validated directed acyclic graph of Tasks.
//
// Canonical ordering is strictly lexicographic by task id — this is the
// ordering the spec requires for reproducible dispatch, independent of
// insertion order or any content-derived hash.
type DAG struct {
	byID  map[string]Task
	ids   []string // canonical: sorted ascending
	index map[string]int

	outgoing [][]int // by canonical index, task -> dependents
	incoming [][]int // by canonical index, task -> deps
	indeg    []int
	depth    []int
}

// NewDAG validates and builds a DAG from tasks. Fails with DuplicateTaskId if
// any id repeats, UnknownDepError if a dep references a task not present, and
// CycleError if the dependency graph is not acyclic.
func NewDAG(tasks []Task) (*DAG, error) {
	byID := make(map[string]Task, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, exists := byID[t.ID]; exists {
			return nil, NewDuplicateTaskIDError(t.ID)
		}
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	// Canonical order: lexicographic by id.
	sort.Strings(ids)

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	outgoing := make([][]int, len(ids))
	incoming := make([][]int, len(ids))
	indeg := make([]int, len(ids))

	for i, id := range ids {
		for _, dep := range byID[id].sortedDeps() {
			depIdx, ok := index[dep]
			if !ok {
				return nil, NewUnknownDepError(id, dep)
			}
			if depIdx == i {
				return nil, &PlanError{Kind: ErrUnknownDep, Msg: "self-dependency: " + id}
			}
			incoming[i] = append(incoming[i], depIdx)
			outgoing[depIdx] = append(outgoing[depIdx], i)
			indeg[i]++
		}
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
		sort.Ints(incoming[i])
	}

	g := &DAG{
		byID:     byID,
		ids:      ids,
		index:    index,
		outgoing: outgoing,
		incoming: incoming,
		indeg:    indeg,
	}

	order, err := g.topoOrderIndices()
	if err != nil {
		return nil, err
	}
	g.depth = g.computeDepth(order)
	return g, nil
}

// Task returns the task for id.
func (g *DAG) Task(id string) (Task, bool) {
	t, ok := g.byID[id]
	return t, ok
}

// IDs returns task ids in canonical (lexicographic) order.
func (g *DAG) IDs() []string {
	out := make([]string, len(g.ids))
	copy(out, g.ids)
	return out
}

// Deps returns the direct dependency ids of id, in canonical order.
func (g *DAG) Deps(id string) []string {
	idx, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.incoming[idx]))
	for _, d := range g.incoming[idx] {
		out = append(out, g.ids[d])
	}
	return out
}

// Depth returns the longest-path-from-a-root depth of id.
func (g *DAG) Depth(id string) int {
	idx, ok := g.index[id]
	if !ok {
		return 0
	}
	return g.depth[idx]
}

// Toposort returns a linear extension of the dependency order: for every
// task t and every d in t.Deps, d appears before t. Ties among independent
// tasks are broken lexicographically by id. Non-destructive: callable any
// number of times, stable for a given DAG.
func (g *DAG) Toposort() []string {
	order, err := g.topoOrderIndices()
	if err != nil {
		// Construction already validated acyclicity; this cannot happen.
		return nil
	}
	out := make([]string, len(order))
	for i, idx := range order {
		out[i] = g.ids[idx]
	}
	return out
}

// MinimalSubgraph returns a new DAG containing every task in changed plus all
// transitive dependents (tasks reachable via reverse edges from any changed
// task). Dependencies of included tasks that are not themselves changed or a
// dependent are excluded.
func (g *DAG) MinimalSubgraph(changed []string) (*DAG, error) {
	included := make(map[string]struct{}, len(changed))
	for _, id := range changed {
		if _, ok := g.index[id]; !ok {
			continue
		}
		included[id] = struct{}{}
	}

	// BFS over dependents (outgoing edges), seeded from changed task
	// indices, using a min-heap frontier so expansion order is deterministic.
	frontier := &intMinHeap{}
	heap.Init(frontier)
	seen := make(map[int]bool, len(g.ids))
	for id := range included {
		idx := g.index[id]
		if !seen[idx] {
			seen[idx] = true
			heap.Push(frontier, idx)
		}
	}
	for frontier.Len() > 0 {
		u := heap.Pop(frontier).(int)
		included[g.ids[u]] = struct{}{}
		for _, v := range g.outgoing[u] {
			if !seen[v] {
				seen[v] = true
				heap.Push(frontier, v)
			}
		}
	}

	tasks := make([]Task, 0, len(included))
	for id := range included {
		t := g.byID[id]
		// Deps are restricted to the subgraph: a dependency that is neither
		// changed nor a dependent of a changed task is excluded, per spec
		// its result is "not required" for the changed-only projection.
		filteredDeps := make([]string, 0, len(t.Deps))
		for _, d := range t.Deps {
			if _, ok := included[d]; ok {
				filteredDeps = append(filteredDeps, d)
			}
		}
		t.Deps = filteredDeps
		tasks = append(tasks, t)
	}

	return NewDAG(tasks)
}

func (g *DAG) computeDepth(order []int) []int {
	depth := make([]int, len(g.ids))
	for _, u := range order {
		maxParent := 0
		for _, p := range g.incoming[u] {
			if cand := depth[p] + 1; cand > maxParent {
				maxParent = cand
			}
		}
		depth[u] = maxParent
	}
	return depth
}

type intMinHeap []int

func (h intMinHeap) Len() int            { return len(h) }
func (h intMinHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices computes a deterministic topological order using Kahn's
// algorithm with a min-heap ready queue, so ties resolve to the smallest
// canonical index (i.e. lexicographically smallest id) first. Returns
// CycleError if the graph is not acyclic.
func (g *DAG) topoOrderIndices() ([]int, error) {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		u := heap.Pop(ready).(int)
		out = append(out, u)
		for _, v := range g.outgoing[u] {
			indeg[v]--
			if indeg[v] == 0 {
				heap.Push(ready, v)
			}
		}
	}

	if len(out) != len(g.ids) {
		return nil, NewCycleError(g.findCycleDeterministic())
	}
	return out, nil
}

// findCycleDeterministic runs a deterministic DFS over canonical indices and
// returns the names on one cycle witness.
func (g *DAG) findCycleDeterministic() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				cycle = append(cycle, v)
				cur := u
				for cur != -1 && cur != v {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := 0; i < len(g.ids); i++ {
		if color[i] == white && dfs(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}

	out := make([]string, len(cycle))
	for i, idx := range cycle {
		out[len(cycle)-1-i] = g.ids[idx]
	}
	return out
}
