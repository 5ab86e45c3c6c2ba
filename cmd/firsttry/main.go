// Command firsttry is the CLI entry point: a thin cobra wrapper around
// internal/orchestrator, responsible only for flag parsing, config loading,
// logger construction, and exit-code translation.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/firsttry-dev/firsttry/internal/config"
	"github.com/firsttry-dev/firsttry/internal/engine"
	"github.com/firsttry-dev/firsttry/internal/metrics"
	"github.com/firsttry-dev/firsttry/internal/orchestrator"
	"github.com/firsttry-dev/firsttry/internal/remotecache"
	"github.com/firsttry-dev/firsttry/internal/remotecache/s3"
	"github.com/firsttry-dev/firsttry/internal/taskcache"
)

const (
	exitPass       = 0
	exitRunFailure = 1
	exitPlanOrMiss = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// automaxprocs adjusts GOMAXPROCS to the container's cgroup CPU quota
	// before the orchestrator derives its default MaxWorkers from
	// runtime.GOMAXPROCS(0); undo() is a
	// no-op outside a container.
	undo, err := maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {}))
	defer undo()
	if err != nil {
		// Absence of cgroup CPU limits is the common case, not an error.
		_ = err
	}

	var (
		configPath string
		verbose    bool
		changedIDs []string
		noFastPath bool
		passBar    string
	)

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	root := &cobra.Command{
		Use:   "firsttry",
		Short: "A local, content-addressed code-quality verification gate.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "firsttry.toml", "path to firsttry.toml")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured checks, honoring the zero-run fast path.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execAndReport(cmd.Context(), configPath, verbose, log, orchestrator.Options{
				ChangedOnlyIDs:  changedIDs,
				NoFastPath:      noFastPath,
				RequiredPassBar: orchestrator.RequiredPassBar(passBar),
			})
		},
	}
	runCmd.Flags().StringSliceVar(&changedIDs, "changed", nil, "restrict execution to these task ids plus their dependents")
	runCmd.Flags().BoolVar(&noFastPath, "no-fast-path", false, "disable the zero-run fast path for this invocation")
	runCmd.Flags().StringVar(&passBar, "required-pass-bar", "strict", `"strict" or "partial_ok"`)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check whether the repository is already verified; never spawns a check.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execAndReport(cmd.Context(), configPath, verbose, log, orchestrator.Options{
				VerifyOnly:      true,
				RequiredPassBar: orchestrator.RequiredPassBar(passBar),
			})
		},
	}
	verifyCmd.Flags().StringVar(&passBar, "required-pass-bar", "strict", `"strict" or "partial_ok"`)

	clearCacheCmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Delete the .firsttry/cache directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return clearCache(".")
		},
	}

	root.AddCommand(runCmd, verifyCmd, clearCacheCmd)
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		if exitErr, ok := err.(*exitCodeError); ok {
			fmt.Fprintln(os.Stderr, exitErr.cause)
			return exitErr.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitRunFailure
	}
	return exitPass
}

// exitCodeError carries a specific process exit code through cobra's
// RunE -> Execute error path, which otherwise collapses every error to a
// generic failure.
type exitCodeError struct {
	code  int
	cause error
}

func (e *exitCodeError) Error() string { return e.cause.Error() }
func (e *exitCodeError) Unwrap() error { return e.cause }

func execAndReport(ctx context.Context, configPath string, verbose bool, log zerolog.Logger, opts orchestrator.Options) error {
	if verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg := config.Default()
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return &exitCodeError{code: exitPlanOrMiss, cause: err}
		}
		cfg = loaded
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return &exitCodeError{code: exitRunFailure, cause: err}
	}

	reg := metrics.NewRegistry()
	orch := orchestrator.New(repoRoot, log, reg)

	if cfg.RemoteCache.Kind != "" {
		backend, err := buildRemoteCache(cfg.RemoteCache, log)
		if err != nil {
			return &exitCodeError{code: exitRunFailure, cause: err}
		}
		orch.RemoteCache = backend
		orch.CacheNamespace = cfg.RemoteCache.Namespace
	}

	rep, runErr := orch.Run(ctx, cfg, opts)

	fmt.Printf("overall_status: %s\n", rep.OverallStatus)
	for _, t := range rep.Tasks {
		fmt.Printf("  %-10s %-14s exit=%d\n", t.ID, t.CacheState, t.ExitCode)
	}

	if runErr != nil {
		if _, ok := runErr.(*orchestrator.VerifyOnlyMissError); ok {
			return &exitCodeError{code: exitPlanOrMiss, cause: runErr}
		}
		if engine.Classify(runErr) == engine.FailureClassGraph || engine.Classify(runErr) == engine.FailureClassWorkspace {
			return &exitCodeError{code: exitPlanOrMiss, cause: runErr}
		}
		return &exitCodeError{code: exitRunFailure, cause: runErr}
	}

	if rep.OverallStatus != "pass" && !(opts.RequiredPassBar == orchestrator.PartialOK && rep.OverallStatus == "partial") {
		return &exitCodeError{code: exitRunFailure, cause: fmt.Errorf("overall status %q", rep.OverallStatus)}
	}
	return nil
}

func buildRemoteCache(cfg config.RemoteCacheConfig, log zerolog.Logger) (taskcache.Backend, error) {
	switch cfg.Kind {
	case "memory":
		return remotecache.NewMemory(), nil
	case "s3":
		return s3.New(cfg.S3Bucket, cfg.S3Prefix, log)
	default:
		return nil, fmt.Errorf("unknown remote_cache.kind %q", cfg.Kind)
	}
}

func clearCache(repoRoot string) error {
	return os.RemoveAll(repoRoot + "/.firsttry/cache")
}
