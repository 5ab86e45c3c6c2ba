package engine

import "testing"

func TestToposort_DependencyPrecedesDependent(t *testing.T) {
	g, err := NewDAG([]Task{
		{ID: "pytest", Deps: []string{"mypy"}},
		{ID: "mypy", Deps: []string{"ruff"}},
		{ID: "ruff"},
		{ID: "bandit", Deps: []string{"ruff"}},
	})
	if err != nil {
		t.Fatalf("NewDAG: %v", err)
	}

	order := g.Toposort()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}

	for _, id := range order {
		task, _ := g.Task(id)
		for _, dep := range task.Deps {
			if pos[dep] >= pos[id] {
				t.Errorf("dep %q (pos %d) does not precede %q (pos %d)", dep, pos[dep], id, pos[id])
			}
		}
	}
}

func TestToposort_NonDestructive(t *testing.T) {
	g, err := NewDAG([]Task{
		{ID: "b", Deps: []string{"a"}},
		{ID: "a"},
		{ID: "c", Deps: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("NewDAG: %v", err)
	}

	first := g.Toposort()
	second := g.Toposort()
	if len(first) != len(second) {
		t.Fatalf("length mismatch: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("toposort not stable at index %d: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestToposort_LexicographicTiebreak(t *testing.T) {
	g, err := NewDAG([]Task{
		{ID: "zebra"},
		{ID: "apple"},
		{ID: "mango"},
	})
	if err != nil {
		t.Fatalf("NewDAG: %v", err)
	}

	got := g.Toposort()
	want := []string{"apple", "mango", "zebra"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestNewDAG_CycleDetected(t *testing.T) {
	_, err := NewDAG([]Task{
		{ID: "a", Deps: []string{"b"}},
		{ID: "b", Deps: []string{"a"}},
	})
	if err == nil {
		t.Fatal("expected CycleError, got nil")
	}
	var perr *PlanError
	if !asPlanError(err, &perr) {
		t.Fatalf("expected *PlanError, got %T", err)
	}
	if perr.Kind != ErrCycle {
		t.Fatalf("expected ErrCycle, got %v", perr.Kind)
	}
}

func TestNewDAG_UnknownDep(t *testing.T) {
	_, err := NewDAG([]Task{
		{ID: "a", Deps: []string{"ghost"}},
	})
	if err == nil {
		t.Fatal("expected UnknownDepError, got nil")
	}
}

func TestNewDAG_DuplicateTaskID(t *testing.T) {
	_, err := NewDAG([]Task{
		{ID: "a"},
		{ID: "a"},
	})
	if err == nil {
		t.Fatal("expected DuplicateTaskId, got nil")
	}
}

func TestMinimalSubgraph_ClosureOverDependents(t *testing.T) {
	g, err := NewDAG([]Task{
		{ID: "ruff"},
		{ID: "mypy", Deps: []string{"ruff"}},
		{ID: "pytest", Deps: []string{"mypy"}},
		{ID: "black"},
	})
	if err != nil {
		t.Fatalf("NewDAG: %v", err)
	}

	sub, err := g.MinimalSubgraph([]string{"mypy"})
	if err != nil {
		t.Fatalf("MinimalSubgraph: %v", err)
	}

	ids := sub.IDs()
	want := map[string]bool{"mypy": true, "pytest": true}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want exactly %v", ids, want)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected task %q in minimal subgraph", id)
		}
	}

	if _, ok := sub.Task("ruff"); ok {
		t.Error("ruff (a dependency, not a dependent) should not be in the minimal subgraph")
	}
}

func asPlanError(err error, target **PlanError) bool {
	pe, ok := err.(*PlanError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
