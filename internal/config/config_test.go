package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firsttry.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_EmptyFileYieldsDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWorkers != 0 {
		t.Errorf("expected zero-value MaxWorkers, got %d", cfg.MaxWorkers)
	}
	if cfg.Checks == nil {
		t.Error("expected non-nil Checks map")
	}
}

func TestLoad_ParsesCheckOverride(t *testing.T) {
	path := writeConfig(t, `
max_workers = 4
extra_include = ["README.md"]

[checks.ruff]
argv = ["ruff", "check", "--fix", "src"]
allow_fail = true
timeout_s = 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWorkers != 4 {
		t.Errorf("max_workers: got %d", cfg.MaxWorkers)
	}
	if len(cfg.ExtraInclude) != 1 || cfg.ExtraInclude[0] != "README.md" {
		t.Errorf("extra_include: got %v", cfg.ExtraInclude)
	}
	ruff, ok := cfg.Checks["ruff"]
	if !ok {
		t.Fatal("expected a ruff override")
	}
	if !ruff.AllowFail || ruff.TimeoutS != 30 {
		t.Errorf("ruff override: got %+v", ruff)
	}
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `typo_field = "oops"`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown top-level field")
	}
}

func TestLoad_RejectsUnknownCheckField(t *testing.T) {
	path := writeConfig(t, `
[checks.ruff]
argv = ["ruff"]
bogus_key = true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown per-check field")
	}
}
