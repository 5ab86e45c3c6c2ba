package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/firsttry-dev/firsttry/internal/config"
)

func TestPlan_DefaultTopology(t *testing.T) {
	dag, err := Plan(config.Default(), EngineSalt{"engine_version": "1"}, nil)
	require.NoError(t, err)

	cases := map[string][]string{
		"ruff":   nil,
		"black":  nil,
		"mypy":   {"ruff"},
		"bandit": {"ruff"},
		"pytest": {"mypy"},
	}
	for id, wantDeps := range cases {
		task, ok := dag.Task(id)
		require.True(t, ok, "expected built-in task %q", id)
		require.Equal(t, wantDeps, task.Deps, "deps for %s", id)
	}
}

func TestPlan_OverrideArgvAndAllowFail(t *testing.T) {
	cfg := config.Default()
	cfg.Checks["ruff"] = config.CheckOverride{
		Argv:      []string{"ruff", "check", "--fix", "src"},
		AllowFail: true,
	}

	dag, err := Plan(cfg, nil, nil)
	require.NoError(t, err)
	ruff, ok := dag.Task("ruff")
	require.True(t, ok)
	require.True(t, ruff.AllowFail, "expected allow_fail override to take effect")
	require.Equal(t, "--fix", ruff.Argv[2], "expected overridden argv")
}

func TestPlan_UnconfiguredTaskIsError(t *testing.T) {
	cfg := config.Default()
	cfg.Checks["custom-check"] = config.CheckOverride{}

	_, err := Plan(cfg, nil, nil)
	require.Error(t, err, "expected UnconfiguredTaskError for a non-built-in check with no argv")
}

func TestPlan_UnknownDepOverrideIsError(t *testing.T) {
	cfg := config.Default()
	cfg.Checks["ruff"] = config.CheckOverride{Deps: []string{"ghost"}}

	_, err := Plan(cfg, nil, nil)
	require.Error(t, err, "expected UnknownDepError for an override referencing an undefined dep")
}

func TestPlan_CacheRelevantEnvFeedsTaskSalt(t *testing.T) {
	cfg := config.Default()
	cfg.CacheRelevantEnv = []string{"PYTHON_VERSION"}

	dag, err := Plan(cfg, nil, map[string]string{"PYTHON_VERSION": "3.12"})
	require.NoError(t, err)
	ruff, ok := dag.Task("ruff")
	require.True(t, ok)
	require.Equal(t, "3.12", ruff.Salt["env:PYTHON_VERSION"], "expected env value absorbed into salt")
}
