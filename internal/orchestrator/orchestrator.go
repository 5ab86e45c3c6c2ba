// Package orchestrator wires the Fingerprinter, Planner, TaskCache,
// Executor, StateStore, and RunReport writer into the single public entry
// point the rest of this module (and any caller) uses: Run.
package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/firsttry-dev/firsttry/internal/config"
	"github.com/firsttry-dev/firsttry/internal/engine"
	"github.com/firsttry-dev/firsttry/internal/executor"
	"github.com/firsttry-dev/firsttry/internal/fingerprint"
	"github.com/firsttry-dev/firsttry/internal/metrics"
	"github.com/firsttry-dev/firsttry/internal/planner"
	"github.com/firsttry-dev/firsttry/internal/report"
	"github.com/firsttry-dev/firsttry/internal/statestore"
	"github.com/firsttry-dev/firsttry/internal/taskcache"
	"github.com/firsttry-dev/firsttry/internal/trace"
)

// RequiredPassBar controls whether a "partial" overall_status counts as
// green for the zero-run fast path and green-cache writeback (an explicit
// config option, resolving the open question of whether a partial pass
// should count as fast-path-green).
type RequiredPassBar string

const (
	Strict    RequiredPassBar = "strict"
	PartialOK RequiredPassBar = "partial_ok"
)

func (b RequiredPassBar) satisfiedBy(status string) bool {
	switch status {
	case "pass":
		return true
	case "partial":
		return b == PartialOK
	default:
		return false
	}
}

// Options mirrors the spec's run() opts.
type Options struct {
	// ChangedOnlyIDs restricts execution to these task ids plus their
	// transitive dependents, and disables both the fast path and the
	// green-cache writeback for this invocation.
	ChangedOnlyIDs []string

	// NoFastPath disables the zero-run whole-run cache check even when
	// ChangedOnlyIDs is empty.
	NoFastPath bool

	// VerifyOnly, if true and the fast path misses, returns a failed
	// RunReport without spawning anything.
	VerifyOnly bool

	// RequiredPassBar controls what counts as green for the fast path and
	// for green-cache writeback. Defaults to Strict if empty.
	RequiredPassBar RequiredPassBar
}

// Orchestrator owns everything one repository needs across repeated Run
// calls: the repo root, a logger, and an optional metrics registry. It is
// the sole writer of the StateStore for the duration of any one Run.
type Orchestrator struct {
	RepoRoot       string
	Log            zerolog.Logger
	Metrics        *metrics.Registry
	LookPath       func(string) (string, error)
	RunCommand     func(ctx context.Context, name string, args ...string) ([]byte, error)
	MaxWorkers     int
	RemoteCache    taskcache.Backend
	CacheNamespace string
}

// New returns an Orchestrator rooted at repoRoot with sane defaults: the
// real exec.LookPath/exec.CommandContext, runtime.GOMAXPROCS(0) workers
// (the CPU count, or the container's CPU quota once automaxprocs has run),
// and no remote cache backend.
func New(repoRoot string, log zerolog.Logger, reg *metrics.Registry) *Orchestrator {
	return &Orchestrator{
		RepoRoot:   repoRoot,
		Log:        log,
		Metrics:    reg,
		LookPath:   exec.LookPath,
		RunCommand: runCommand,
		MaxWorkers: runtime.GOMAXPROCS(0),
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Output()
}

// Run is the public entry point: run(config, opts) -> RunReport.
func (o *Orchestrator) Run(ctx context.Context, cfg config.EngineConfig, opts Options) (statestore.RunReport, error) {
	bar := opts.RequiredPassBar
	if bar == "" {
		bar = Strict
	}

	cacheDir := filepath.Join(o.RepoRoot, ".firsttry", "cache")
	logDir := filepath.Join(o.RepoRoot, ".firsttry", "logs")
	store := statestore.New(cacheDir, o.Log)
	reportWriter := report.New(o.RepoRoot)

	runID := uuid.New().String()
	log := o.Log.With().Str("run_id", runID).Logger()

	salt := o.buildEngineSalt(ctx, cfg)
	includeGlobs := append(append([]string(nil), fingerprint.DefaultIncludeGlobs...), cfg.ExtraInclude...)
	fp := fingerprint.New(o.RepoRoot, includeGlobs)

	repoFingerprint, err := fp.Compute(salt)
	if err != nil {
		return statestore.RunReport{}, err
	}

	restrictedRun := len(opts.ChangedOnlyIDs) > 0

	if !opts.NoFastPath && !restrictedRun {
		if green, ok := store.LoadLastGreen(); ok && green.Fingerprint == repoFingerprint && bar.satisfiedBy(green.Report.OverallStatus) {
			rep := green.Report
			rep.VerifiedFromCache = true
			rep.VerifiedAt = time.Now().UTC().Format(time.RFC3339)
			o.observeFastPath(true)
			log.Info().Str("fingerprint", repoFingerprint).Msg("zero-run fast path: repository unchanged since last green run")
			if err := reportWriter.Write(rep); err != nil {
				log.Warn().Err(err).Msg("failed to persist fast-path report")
			}
			return rep, nil
		}
	}
	o.observeFastPath(false)

	if opts.VerifyOnly {
		rep := statestore.RunReport{
			SchemaVersion:     1,
			StartedAt:         time.Now().UTC().Format(time.RFC3339),
			FinishedAt:        time.Now().UTC().Format(time.RFC3339),
			RepoFingerprint:   repoFingerprint,
			VerifiedFromCache: false,
			OverallStatus:     "fail",
		}
		if err := reportWriter.Write(rep); err != nil {
			log.Warn().Err(err).Msg("failed to persist verify-only report")
		}
		return rep, &VerifyOnlyMissError{Fingerprint: repoFingerprint}
	}

	dag, err := planner.Plan(cfg, planner.EngineSalt(salt), envSnapshot(cfg.CacheRelevantEnv))
	if err != nil {
		log.Error().Err(err).Str("failure_class", string(engine.Classify(err))).Msg("plan failed")
		return statestore.RunReport{}, err
	}

	graphIDs := dag.Toposort()
	graphHash := strings.Join(graphIDs, ",")

	if restrictedRun {
		dag, err = dag.MinimalSubgraph(opts.ChangedOnlyIDs)
		if err != nil {
			return statestore.RunReport{}, err
		}
	}

	cache := taskcache.New(store, o.RemoteCache, o.CacheNamespace, o.Log)

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = o.MaxWorkers
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	recorder := trace.NewRecorder()
	ex := executor.New(dag, cache, o.RepoRoot, logDir, maxWorkers, o.Log, recorder)

	started := time.Now().UTC()
	taskResults := ex.Run(ctx)
	finished := time.Now().UTC()

	for _, tr := range taskResults {
		o.observeTask(tr)
	}

	rep := statestore.RunReport{
		SchemaVersion:     1,
		StartedAt:         started.Format(time.RFC3339),
		FinishedAt:        finished.Format(time.RFC3339),
		RepoFingerprint:   repoFingerprint,
		VerifiedFromCache: false,
		OverallStatus:     overallStatus(dag, taskResults),
		Tasks:             taskResults,
	}

	if err := reportWriter.WriteExecution(rep, recorder.Snapshot(), graphHash); err != nil {
		log.Warn().Err(err).Msg("failed to persist report")
	}

	if bar.satisfiedBy(rep.OverallStatus) && !restrictedRun {
		store.SaveLastGreen(repoFingerprint, rep)
	}

	return rep, nil
}

// VerifyOnlyMissError is returned when opts.VerifyOnly is set and the
// zero-run fast path misses. The caller should exit with code 2.
type VerifyOnlyMissError struct {
	Fingerprint string
}

func (e *VerifyOnlyMissError) Error() string {
	return "verify-only: no green cache for fingerprint " + e.Fingerprint
}

// overallStatus implements the rule: pass iff every blocking task exited
// 0; partial iff every blocking task exited 0 but some allow_fail task
// failed; fail otherwise.
func overallStatus(dag *engine.DAG, results []statestore.TaskResult) string {
	anyAllowFailFailure := false
	for _, r := range results {
		task, ok := dag.Task(r.ID)
		allowFail := r.AllowedToFail
		if ok {
			allowFail = task.AllowFail
		}
		if r.ExitCode != 0 {
			if allowFail {
				anyAllowFailFailure = true
				continue
			}
			return "fail"
		}
	}
	if anyAllowFailFailure {
		return "partial"
	}
	return "pass"
}

func (o *Orchestrator) observeFastPath(taken bool) {
	if o.Metrics != nil {
		o.Metrics.ObserveFastPath(taken)
	}
}

func (o *Orchestrator) observeTask(r statestore.TaskResult) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.ObserveTask(r.ID, r.CacheState, float64(r.DurationMS)/1000.0)
}

// buildEngineSalt assembles the engine-level salt: schema version, host
// OS/arch, sorted (name, version) pairs for every checker binary actually on
// PATH, and the declared cache-relevant environment variables.
func (o *Orchestrator) buildEngineSalt(ctx context.Context, cfg config.EngineConfig) map[string]string {
	salt := map[string]string{
		"engine_schema_version": itoa(engine.SchemaVersion),
		"os_arch":               runtime.GOOS + "/" + runtime.GOARCH,
	}

	binaries := map[string]struct{}{
		"ruff": {}, "black": {}, "mypy": {}, "bandit": {}, "pytest": {},
	}
	for _, override := range cfg.Checks {
		if len(override.Argv) > 0 {
			binaries[override.Argv[0]] = struct{}{}
		}
	}

	names := make([]string, 0, len(binaries))
	for name := range binaries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		version := o.checkerVersion(ctx, name)
		if version != "" {
			salt["checker:"+name] = version
		}
	}

	env := envSnapshot(cfg.CacheRelevantEnv)
	for _, name := range cfg.CacheRelevantEnv {
		salt["env:"+name] = env[name]
	}

	return salt
}

// checkerVersion returns a one-line version string for name if it is
// spawnable on PATH, or "" if it is absent. Failure to run --version is not
// fatal: a binary that is on PATH but reports no version is recorded as
// "present".
func (o *Orchestrator) checkerVersion(ctx context.Context, name string) string {
	if o.LookPath == nil || o.RunCommand == nil {
		return ""
	}
	if _, err := o.LookPath(name); err != nil {
		return ""
	}
	versionCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := o.RunCommand(versionCtx, name, "--version")
	if err != nil {
		return "present"
	}
	line := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	return strings.TrimSpace(line)
}

// envSnapshot captures the current value of each declared name from the
// process environment exactly once, per the engine's "never read globals
// inside a function" design note: every other component is handed this
// map rather than reading os.Environ() itself.
func envSnapshot(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = os.Getenv(name)
	}
	return out
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
