package statestore

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "cache")
	return New(dir, zerolog.Nop())
}

func TestLoadLastGreen_AbsentIsNotError(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.LoadLastGreen()
	if ok {
		t.Fatal("expected no green cache on a fresh store")
	}
}

func TestSaveThenLoadLastGreen_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	report := RunReport{SchemaVersion: 1, OverallStatus: "pass", RepoFingerprint: "abc123"}
	s.SaveLastGreen("abc123", report)

	green, ok := s.LoadLastGreen()
	if !ok {
		t.Fatal("expected green cache to be present after save")
	}
	if green.Fingerprint != "abc123" {
		t.Errorf("fingerprint mismatch: got %q", green.Fingerprint)
	}
	if green.Report.OverallStatus != "pass" {
		t.Errorf("overall_status mismatch: got %q", green.Report.OverallStatus)
	}
}

func TestSaveTask_RejectsNonzeroExit(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveTask("ruff", "deadbeef", TaskResult{ID: "ruff", ExitCode: 1})
	if err == nil {
		t.Fatal("expected error caching a nonzero-exit task result")
	}
	if s.HasTask("ruff", "deadbeef") {
		t.Fatal("nonzero-exit result must not be cached")
	}
}

func TestSaveThenLoadTask_OnlySuccessIsVisible(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveTask("ruff", "deadbeef", TaskResult{ID: "ruff", ExitCode: 0, CacheKey: "deadbeef"}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	result, ok := s.LoadTask("ruff", "deadbeef")
	if !ok {
		t.Fatal("expected cached task result to load")
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}

	if _, ok := s.LoadTask("ruff", "other-key"); ok {
		t.Fatal("expected miss for an unrelated cache key")
	}
}

func TestLoadTask_MalformedFileIsTreatedAsAbsent(t *testing.T) {
	s := newTestStore(t)
	path := s.taskPath("mypy", "k1")
	if err := writeFileAtomic(path, []byte("{not json")); err != nil {
		t.Fatalf("writeFileAtomic: %v", err)
	}
	if _, ok := s.LoadTask("mypy", "k1"); ok {
		t.Fatal("expected malformed cache file to be treated as absent")
	}
}
