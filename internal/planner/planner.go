// Package planner transforms an EngineConfig into a validated engine.DAG,
// applying the built-in default check topology and input-pattern table
// before configured overrides.
package planner

import (
	"sort"
	"strconv"

	"github.com/firsttry-dev/firsttry/internal/config"
	"github.com/firsttry-dev/firsttry/internal/engine"
)

// defaultCheck is the built-in definition of one of the checker tasks the
// engine ships knowledge of out of the box.
type defaultCheck struct {
	argv          []string
	deps          []string
	inputPatterns []string
}

// defaultTopology is the engine's default dependency graph: ruff and
// black have no deps; mypy and bandit depend on ruff; pytest depends on mypy.
var defaultTopology = map[string]defaultCheck{
	"ruff": {
		argv:          []string{"ruff", "check", "src"},
		inputPatterns: []string{"src/**/*.py", "pyproject.toml"},
	},
	"black": {
		argv:          []string{"black", "--check", "src"},
		inputPatterns: []string{"src/**/*.py", "pyproject.toml"},
	},
	"mypy": {
		argv:          []string{"mypy", "src"},
		deps:          []string{"ruff"},
		inputPatterns: []string{"src/**/*.py", "pyproject.toml"},
	},
	"bandit": {
		argv:          []string{"bandit", "-r", "src"},
		deps:          []string{"ruff"},
		inputPatterns: []string{"src/**/*.py", "pyproject.toml"},
	},
	"pytest": {
		argv:          []string{"pytest"},
		deps:          []string{"mypy"},
		inputPatterns: []string{"src/**/*.py", "tests/**/*.py", "pyproject.toml"},
	},
}

// EngineSalt is absorbed by every task's per-task salt plus the
// Fingerprinter's salt. Built by the caller per run (host/arch,
// checker versions, cache-relevant env) and passed straight through here.
type EngineSalt map[string]string

// Plan builds a DAG from cfg. Every check id declared in cfg.Checks is
// planned even if absent from the built-in topology, provided it carries a
// configured argv; a check id with neither a built-in default nor a
// configured argv is an UnconfiguredTaskError. toposort() is run once here
// as a validation step, surfacing CycleError eagerly.
//
// envValues is a pre-captured snapshot of cfg.CacheRelevantEnv, resolved by
// the caller (e.g. from os.Environ()) — Plan never reads the ambient
// environment itself, so it stays trivially testable.
func Plan(cfg config.EngineConfig, salt EngineSalt, envValues map[string]string) (*engine.DAG, error) {
	ids := make(map[string]struct{}, len(defaultTopology)+len(cfg.Checks))
	for id := range defaultTopology {
		ids[id] = struct{}{}
	}
	for id := range cfg.Checks {
		ids[id] = struct{}{}
	}

	sortedIDs := make([]string, 0, len(ids))
	for id := range ids {
		sortedIDs = append(sortedIDs, id)
	}
	sort.Strings(sortedIDs)

	tasks := make([]engine.Task, 0, len(sortedIDs))
	for _, id := range sortedIDs {
		def, hasDefault := defaultTopology[id]
		override, hasOverride := cfg.Checks[id]

		argv := def.argv
		deps := def.deps
		inputPatterns := def.inputPatterns
		var timeoutS int
		var allowFail bool
		var resources []string

		if hasOverride {
			if len(override.Argv) > 0 {
				argv = override.Argv
			}
			if override.Deps != nil {
				deps = override.Deps
			}
			if len(override.InputPatterns) > 0 {
				inputPatterns = override.InputPatterns
			}
			timeoutS = override.TimeoutS
			allowFail = override.AllowFail
			resources = override.Resources
		}

		if len(argv) == 0 {
			if !hasDefault {
				return nil, engine.NewUnconfiguredTaskError(id)
			}
			argv = def.argv
		}

		taskSalt := make(map[string]string, len(salt)+1)
		for k, v := range salt {
			taskSalt[k] = v
		}

		for _, name := range cfg.CacheRelevantEnv {
			taskSalt["env:"+name] = envValues[name]
		}
		taskSalt["timeout_s"] = strconv.Itoa(timeoutS)

		tasks = append(tasks, engine.Task{
			ID:             id,
			Argv:           argv,
			Deps:           deps,
			InputPatterns:  inputPatterns,
			Salt:           taskSalt,
			TimeoutSeconds: timeoutS,
			AllowFail:      allowFail,
			Resources:      resources,
		})
	}

	return engine.NewDAG(tasks)
}
