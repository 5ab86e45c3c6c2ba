// Package executor runs a validated engine.DAG: one OS subprocess per task,
// bounded concurrency, dependency- and resource-gated dispatch, per-task
// timeouts, and cache-first short-circuiting.
package executor

import (
	"context"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/firsttry-dev/firsttry/internal/engine"
	"github.com/firsttry-dev/firsttry/internal/statestore"
	"github.com/firsttry-dev/firsttry/internal/taskcache"
	"github.com/firsttry-dev/firsttry/internal/trace"
)

// gracePeriod bounds how long a terminated subprocess is given to exit
// before it is force-killed. The spec caps this at 2s.
const gracePeriod = 2 * time.Second

// Executor runs every task in dag to completion (or skip/cancel), honoring
// maxWorkers in-flight subprocesses and resource-tag mutual exclusion.
type Executor struct {
	dag        *engine.DAG
	cache      *taskcache.TaskCache
	repoRoot   string
	logDir     string
	maxWorkers int
	log        zerolog.Logger
	trace      trace.Sink
}

// New builds an Executor. logDir is typically <repoRoot>/.firsttry/logs.
// trace may be nil, in which case events are discarded (trace.NopSink
// semantics) — the orchestrator supplies a *trace.Recorder so each run can
// emit a canonical ExecutionTrace summary to history.jsonl.
func New(dag *engine.DAG, cache *taskcache.TaskCache, repoRoot, logDir string, maxWorkers int, log zerolog.Logger, sink trace.Sink) *Executor {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if sink == nil {
		sink = trace.NopSink{}
	}
	return &Executor{
		dag:        dag,
		cache:      cache,
		repoRoot:   repoRoot,
		logDir:     logDir,
		maxWorkers: maxWorkers,
		log:        log.With().Str("component", "executor").Logger(),
		trace:      sink,
	}
}

// Run executes every task in the Executor's DAG and returns one TaskResult
// per task that reached a terminal state, in completion order (the
// RunReport's tasks sequence is completion order, not topological).
//
// Dispatch order among tasks that are simultaneously ready is
// lexicographic-by-id, re-evaluated after every completion.
func (e *Executor) Run(ctx context.Context) []statestore.TaskResult {
	ids := e.dag.IDs()

	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	terminal := make(map[string]statestore.TaskResult, len(ids))
	running := make(map[string]bool, len(ids))
	heldResources := make(map[string]int)
	sem := semaphore.NewWeighted(int64(e.maxWorkers))

	var wg sync.WaitGroup
	results := make([]statestore.TaskResult, 0, len(ids))

	go func() {
		<-ctx.Done()
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	}()

	mu.Lock()
	for {
		if len(terminal) == len(ids) {
			break
		}

		dispatchedAny := false
		for _, id := range ids {
			if _, done := terminal[id]; done {
				continue
			}
			if running[id] {
				continue
			}
			task, _ := e.dag.Task(id)

			depsTerminal := true
			for _, d := range task.Deps {
				if _, done := terminal[d]; !done {
					depsTerminal = false
					break
				}
			}
			if !depsTerminal {
				continue
			}

			if ctxCancelled(ctx) {
				// on cancellation, stop dispatching new tasks; tasks that
				// never started simply never appear in the report.
				continue
			}

			conflict := false
			for _, r := range task.Resources {
				if heldResources[r] > 0 {
					conflict = true
					break
				}
			}
			if conflict {
				continue
			}
			if !sem.TryAcquire(1) {
				continue
			}

			blockedBy := ""
			for _, d := range task.Deps {
				depTask, _ := e.dag.Task(d)
				depResult := terminal[d]
				if !depTask.AllowFail && depResult.ExitCode != 0 {
					blockedBy = d
					break
				}
			}

			running[id] = true
			for _, r := range task.Resources {
				heldResources[r]++
			}
			dispatchedAny = true

			wg.Add(1)
			go func(task engine.Task, blockedBy string) {
				defer wg.Done()
				result := e.runOne(ctx, task, blockedBy)

				mu.Lock()
				delete(running, task.ID)
				for _, r := range task.Resources {
					heldResources[r]--
				}
				terminal[task.ID] = result
				results = append(results, result)
				sem.Release(1)
				cond.Broadcast()
				mu.Unlock()
			}(task, blockedBy)
		}

		if !dispatchedAny {
			if len(running) == 0 {
				break
			}
			cond.Wait()
		}
	}
	mu.Unlock()

	wg.Wait()
	return results
}

func ctxCancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// runOne executes the per-task dispatch-to-completion algorithm. blockedBy is
// the id of a failed blocking dependency, or "" when the task may run.
func (e *Executor) runOne(ctx context.Context, task engine.Task, blockedBy string) statestore.TaskResult {
	started := time.Now().UTC()

	if blockedBy != "" {
		trace.SafeRecord(e.trace, trace.TraceEvent{
			Kind:        trace.EventTaskSkipped,
			TaskID:      task.ID,
			Reason:      "UpstreamFailed",
			CauseTaskID: blockedBy,
		})
		return statestore.TaskResult{
			ID:            task.ID,
			Argv:          task.Argv,
			DepsSatisfied: false,
			StartedAt:     started.Format(time.RFC3339),
			FinishedAt:    started.Format(time.RFC3339),
			ExitCode:      125,
			CacheState:    "skipped-dep-fail",
			AllowedToFail: task.AllowFail,
		}
	}

	cacheKey, err := taskcache.ComputeKey(taskcache.KeyInput{
		RepoRoot:      e.repoRoot,
		Argv:          task.Argv,
		InputPatterns: task.InputPatterns,
		Salt:          task.Salt,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("task_id", task.ID).Msg("cache key computation failed; treating as cache miss")
		cacheKey = ""
	}

	if cacheKey != "" {
		if cached, cacheState, ok := e.cache.Lookup(task.ID, cacheKey); ok {
			finished := time.Now().UTC()
			trace.SafeRecord(e.trace, trace.TraceEvent{
				Kind:   trace.EventTaskCached,
				TaskID: task.ID,
				Reason: cacheState,
			})
			return statestore.TaskResult{
				ID:            task.ID,
				Argv:          task.Argv,
				DepsSatisfied: true,
				StartedAt:     started.Format(time.RFC3339),
				FinishedAt:    finished.Format(time.RFC3339),
				DurationMS:    finished.Sub(started).Milliseconds(),
				ExitCode:      cached.ExitCode,
				CacheState:    cacheState,
				CacheKey:      cacheKey,
				AllowedToFail: task.AllowFail,
			}
		}
	}

	shortKey := shortCacheKey(cacheKey)
	stdoutPath := filepath.Join(e.logDir, task.ID+"_"+shortKey+".out")
	stderrPath := filepath.Join(e.logDir, task.ID+"_"+shortKey+".err")

	exitCode, spawnErr := e.spawn(ctx, task, stdoutPath, stderrPath)
	if spawnErr != nil {
		e.log.Warn().Err(spawnErr).Str("task_id", task.ID).Int("exit_code", exitCode).Msg("task did not exit normally")
	}
	finished := time.Now().UTC()

	if exitCode == 0 {
		trace.SafeRecord(e.trace, trace.TraceEvent{Kind: trace.EventTaskExecuted, TaskID: task.ID})
	} else {
		trace.SafeRecord(e.trace, trace.TraceEvent{Kind: trace.EventTaskFailed, TaskID: task.ID, Reason: "NonZeroExit"})
	}

	result := statestore.TaskResult{
		ID:            task.ID,
		Argv:          task.Argv,
		DepsSatisfied: true,
		StartedAt:     started.Format(time.RFC3339),
		FinishedAt:    finished.Format(time.RFC3339),
		DurationMS:    finished.Sub(started).Milliseconds(),
		ExitCode:      exitCode,
		CacheState:    "miss-run",
		CacheKey:      cacheKey,
		StdoutPath:    stdoutPath,
		StderrPath:    stderrPath,
		AllowedToFail: task.AllowFail,
	}

	if exitCode == 0 && cacheKey != "" {
		if err := e.cache.Store(task.ID, cacheKey, result); err != nil {
			e.log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to store task result in cache")
		}
	}
	return result
}

// spawn runs task.argv, inheriting the process environment,
// streaming stdout/stderr to on-disk files, and enforcing task.TimeoutSeconds
// with a terminate-then-kill grace period. Returns the exit code: 124 for
// timeout, 130 for a cancelled run, 125 for a spawn failure.
func (e *Executor) spawn(ctx context.Context, task engine.Task, stdoutPath, stderrPath string) (int, error) {
	if len(task.Argv) == 0 {
		return 125, &engine.SpawnError{TaskID: task.ID, Err: os.ErrInvalid}
	}

	if err := os.MkdirAll(e.logDir, 0o755); err != nil {
		return 125, &engine.SpawnError{TaskID: task.ID, Err: err}
	}
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return 125, &engine.SpawnError{TaskID: task.ID, Err: err}
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return 125, &engine.SpawnError{TaskID: task.ID, Err: err}
	}
	defer stderr.Close()

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if task.TimeoutSeconds > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
		defer cancelTimeout()
	}

	cmd := exec.Command(task.Argv[0], task.Argv[1:]...)
	cmd.Dir = e.repoRoot
	cmd.Env = os.Environ()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 125, &engine.SpawnError{TaskID: task.ID, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 125, &engine.SpawnError{TaskID: task.ID, Err: err}

	case <-runCtx.Done():
		killProcessGroup(cmd, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(gracePeriod):
			killProcessGroup(cmd, syscall.SIGKILL)
			<-done
		}
		if ctxCancelled(ctx) {
			return 130, nil
		}
		return 124, &engine.TimeoutError{TaskID: task.ID, Seconds: task.TimeoutSeconds}
	}
}

func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}

// shortCacheKey renders a 32-hex-char cache key as a short, filesystem-safe
// base57 string for use in log file names ("<task_id>_<short_key>").
// The key is already a 128-bit BLAKE2b digest, so it reinterprets those same
// 16 bytes as a uuid.UUID purely as a vehicle for shortuuid's encoder; no
// identity is implied beyond "short rendering of this cache key".
func shortCacheKey(hexKey string) string {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 16 {
		if len(hexKey) > 8 {
			return hexKey[:8]
		}
		return hexKey
	}
	var id uuid.UUID
	copy(id[:], raw)
	return shortuuid.Encode(id)
}
