package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/firsttry-dev/firsttry/internal/engine"
	"github.com/firsttry-dev/firsttry/internal/statestore"
	"github.com/firsttry-dev/firsttry/internal/taskcache"
)

func newTestExecutor(t *testing.T, tasks []engine.Task) (*Executor, string) {
	t.Helper()
	repoRoot := t.TempDir()
	cacheDir := filepath.Join(t.TempDir(), "cache")
	logDir := filepath.Join(t.TempDir(), "logs")

	dag, err := engine.NewDAG(tasks)
	if err != nil {
		t.Fatalf("NewDAG: %v", err)
	}
	store := statestore.New(cacheDir, zerolog.Nop())
	cache := taskcache.New(store, nil, "test", zerolog.Nop())
	return New(dag, cache, repoRoot, logDir, 4, zerolog.Nop(), nil), repoRoot
}

func byID(results []statestore.TaskResult, id string) (statestore.TaskResult, bool) {
	for _, r := range results {
		if r.ID == id {
			return r, true
		}
	}
	return statestore.TaskResult{}, false
}

func TestRun_SuccessfulTaskIsMissRunAndCached(t *testing.T) {
	exec, _ := newTestExecutor(t, []engine.Task{
		{ID: "ok", Argv: []string{"sh", "-c", "exit 0"}},
	})

	results := exec.Run(context.Background())
	r, ok := byID(results, "ok")
	if !ok {
		t.Fatal("expected a result for task ok")
	}
	if r.ExitCode != 0 {
		t.Errorf("exit code: got %d", r.ExitCode)
	}
	if r.CacheState != "miss-run" {
		t.Errorf("cache_state: got %q", r.CacheState)
	}
}

func TestRun_CacheHitSkipsSpawn(t *testing.T) {
	exec, _ := newTestExecutor(t, []engine.Task{
		{ID: "ok", Argv: []string{"sh", "-c", "exit 0"}},
	})

	first := exec.Run(context.Background())
	r1, _ := byID(first, "ok")
	if r1.CacheState != "miss-run" {
		t.Fatalf("expected first run to be miss-run, got %q", r1.CacheState)
	}

	second := exec.Run(context.Background())
	r2, ok := byID(second, "ok")
	if !ok {
		t.Fatal("expected a result on second run")
	}
	if r2.CacheState != "hit-local" {
		t.Errorf("expected second run to hit cache, got %q", r2.CacheState)
	}
}

func TestRun_DepFailureSkipsDependent(t *testing.T) {
	exec, _ := newTestExecutor(t, []engine.Task{
		{ID: "fails", Argv: []string{"sh", "-c", "exit 1"}},
		{ID: "dependent", Deps: []string{"fails"}, Argv: []string{"sh", "-c", "exit 0"}},
	})

	results := exec.Run(context.Background())
	dep, ok := byID(results, "dependent")
	if !ok {
		t.Fatal("expected a result for dependent")
	}
	if dep.CacheState != "skipped-dep-fail" {
		t.Errorf("expected skipped-dep-fail, got %q", dep.CacheState)
	}
	if dep.ExitCode != 125 {
		t.Errorf("expected exit code 125, got %d", dep.ExitCode)
	}
}

func TestRun_AllowFailDependencyDoesNotBlockDependent(t *testing.T) {
	exec, _ := newTestExecutor(t, []engine.Task{
		{ID: "fails", AllowFail: true, Argv: []string{"sh", "-c", "exit 1"}},
		{ID: "dependent", Deps: []string{"fails"}, Argv: []string{"sh", "-c", "exit 0"}},
	})

	results := exec.Run(context.Background())
	dep, ok := byID(results, "dependent")
	if !ok {
		t.Fatal("expected a result for dependent")
	}
	if dep.CacheState == "skipped-dep-fail" {
		t.Error("an allow_fail dependency must not block its dependent")
	}
	if dep.ExitCode != 0 {
		t.Errorf("expected dependent to run successfully, got exit %d", dep.ExitCode)
	}
}

func TestRun_TimeoutRecordsExitCode124AndIsNotCached(t *testing.T) {
	exec, _ := newTestExecutor(t, []engine.Task{
		{ID: "slow", TimeoutSeconds: 1, Argv: []string{"sh", "-c", "sleep 5"}},
	})

	results := exec.Run(context.Background())
	r, ok := byID(results, "slow")
	if !ok {
		t.Fatal("expected a result for slow")
	}
	if r.ExitCode != 124 {
		t.Errorf("expected exit code 124, got %d", r.ExitCode)
	}

	second := exec.Run(context.Background())
	r2, _ := byID(second, "slow")
	if r2.CacheState == "hit-local" {
		t.Error("a timed-out task must not be served from cache on rerun")
	}
}

func TestRun_SpawnFailureRecordsExitCode125(t *testing.T) {
	exec, _ := newTestExecutor(t, []engine.Task{
		{ID: "missing-binary", Argv: []string{"definitely-not-a-real-binary-xyz"}},
	})

	results := exec.Run(context.Background())
	r, ok := byID(results, "missing-binary")
	if !ok {
		t.Fatal("expected a result")
	}
	if r.ExitCode != 125 {
		t.Errorf("expected exit code 125, got %d", r.ExitCode)
	}
}

func TestRun_ResourceTagsAreMutuallyExclusive(t *testing.T) {
	repoRoot := t.TempDir()
	marker := filepath.Join(repoRoot, "marker")

	dag, err := engine.NewDAG([]engine.Task{
		{ID: "a", Resources: []string{"port-8080"}, Argv: []string{"sh", "-c", "test -f " + marker + " && exit 1; touch " + marker + "; sleep 1; rm -f " + marker}},
		{ID: "b", Resources: []string{"port-8080"}, Argv: []string{"sh", "-c", "test -f " + marker + " && exit 1; touch " + marker + "; sleep 1; rm -f " + marker}},
	})
	if err != nil {
		t.Fatalf("NewDAG: %v", err)
	}
	cacheDir := filepath.Join(t.TempDir(), "cache")
	logDir := filepath.Join(t.TempDir(), "logs")
	store := statestore.New(cacheDir, zerolog.Nop())
	cache := taskcache.New(store, nil, "test", zerolog.Nop())
	exec := New(dag, cache, repoRoot, logDir, 4, zerolog.Nop(), nil)

	results := exec.Run(context.Background())
	a, _ := byID(results, "a")
	b, _ := byID(results, "b")
	if a.ExitCode != 0 || b.ExitCode != 0 {
		t.Fatalf("expected both tasks to succeed under mutual exclusion, got a=%d b=%d", a.ExitCode, b.ExitCode)
	}
}

func TestRun_CancellationStopsNewDispatch(t *testing.T) {
	exec, _ := newTestExecutor(t, []engine.Task{
		{ID: "first", Argv: []string{"sh", "-c", "sleep 3"}},
		{ID: "second", Deps: []string{"first"}, Argv: []string{"sh", "-c", "exit 0"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	results := exec.Run(ctx)
	first, ok := byID(results, "first")
	if ok && first.ExitCode != 130 {
		t.Errorf("expected cancelled task to record exit code 130, got %d", first.ExitCode)
	}
	if _, ok := byID(results, "second"); ok {
		t.Error("expected second (never dispatched) to be absent from results")
	}
}
