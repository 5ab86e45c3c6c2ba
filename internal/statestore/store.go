// Package statestore owns the two on-disk artifacts the engine persists
// under .firsttry/cache/: the whole-run green cache and the per-task result
// cache. Every write is atomic (temp file + fsync + rename); every read is
// best-effort and treats absence or corruption as a cache miss, never an
// error the caller must handle specially.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// TaskResult mirrors the spec's TaskResult schema; it is the unit persisted
// both inside a RunReport and inside a per-task cache entry.
type TaskResult struct {
	ID             string   `json:"id"`
	Argv           []string `json:"argv"`
	DepsSatisfied  bool     `json:"deps_satisfied"`
	StartedAt      string   `json:"started_at"`
	FinishedAt     string   `json:"finished_at"`
	DurationMS     int64    `json:"duration_ms"`
	ExitCode       int      `json:"exit_code"`
	CacheState     string   `json:"cache_state"`
	CacheKey       string   `json:"cache_key,omitempty"`
	StdoutPath     string   `json:"stdout_path,omitempty"`
	StderrPath     string   `json:"stderr_path,omitempty"`
	AllowedToFail  bool     `json:"allowed_to_fail"`
}

// RunReport mirrors the spec's RunReport schema.
type RunReport struct {
	SchemaVersion      int          `json:"schema_version"`
	StartedAt          string       `json:"started_at"`
	FinishedAt         string       `json:"finished_at"`
	RepoFingerprint    string       `json:"repo_fingerprint"`
	VerifiedFromCache  bool         `json:"verified_from_cache"`
	VerifiedAt         string       `json:"verified_at,omitempty"`
	OverallStatus      string       `json:"overall_status"`
	Tasks              []TaskResult `json:"tasks"`
}

// GreenRun is the whole-run green cache envelope persisted at
// cache/last_green_run.json.
type GreenRun struct {
	Fingerprint string    `json:"fingerprint"`
	SavedAt     string    `json:"saved_at"`
	Report      RunReport `json:"report"`
}

// Store is the durable, best-effort persistence layer for both cache tiers.
// The store root is always <repoRoot>/.firsttry/cache; it is never read from
// a process-wide global.
type Store struct {
	cacheDir string
	log      zerolog.Logger
}

// New returns a Store rooted at cacheDir (typically <repo>/.firsttry/cache).
func New(cacheDir string, log zerolog.Logger) *Store {
	return &Store{cacheDir: cacheDir, log: log.With().Str("component", "statestore").Logger()}
}

func (s *Store) greenPath() string {
	return filepath.Join(s.cacheDir, "last_green_run.json")
}

func (s *Store) taskPath(taskID, cacheKey string) string {
	return filepath.Join(s.cacheDir, "tasks", taskID, cacheKey+".json")
}

// LoadLastGreen returns the whole-run green cache, or ok=false if the file is
// absent or malformed — never an error.
func (s *Store) LoadLastGreen() (green GreenRun, ok bool) {
	data, err := os.ReadFile(s.greenPath())
	if err != nil {
		return GreenRun{}, false
	}
	if err := json.Unmarshal(data, &green); err != nil {
		s.log.Warn().Err(err).Msg("last_green_run.json is malformed; treating as absent")
		return GreenRun{}, false
	}
	return green, true
}

// SaveLastGreen atomically overwrites the green cache. Disk-full or
// read-only errors are logged and swallowed: caching is an optimization,
// never a correctness requirement.
func (s *Store) SaveLastGreen(fingerprint string, report RunReport) {
	green := GreenRun{Fingerprint: fingerprint, SavedAt: time.Now().UTC().Format(time.RFC3339), Report: report}
	data, err := json.MarshalIndent(green, "", "  ")
	if err != nil {
		s.log.Warn().Err(err).Msg("marshal last_green_run failed")
		return
	}
	if err := writeFileAtomic(s.greenPath(), data); err != nil {
		s.log.Warn().Err(err).Msg("save_last_green failed; continuing without green cache")
	}
}

// LoadTask returns a previously cached TaskResult for (taskID, cacheKey), or
// ok=false on any absence/corruption. Per the cache-correctness invariant,
// callers must still treat the returned result's ExitCode as authoritative —
// SaveTask never persists a nonzero exit code, so a hit here is always 0.
func (s *Store) LoadTask(taskID, cacheKey string) (result TaskResult, ok bool) {
	data, err := os.ReadFile(s.taskPath(taskID, cacheKey))
	if err != nil {
		return TaskResult{}, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("cached task result is malformed; treating as absent")
		return TaskResult{}, false
	}
	if result.ExitCode != 0 {
		// Invariant violated by whatever wrote this file out-of-band;
		// enforce it again here rather than trust the disk.
		return TaskResult{}, false
	}
	return result, true
}

// SaveTask persists result under (taskID, cacheKey). Only ever invoked with
// result.ExitCode == 0: by the executor's write-through, and by TaskCache
// when it materializes a remote hit locally.
func (s *Store) SaveTask(taskID, cacheKey string, result TaskResult) error {
	if result.ExitCode != 0 {
		return errors.Errorf("refusing to cache task %q with nonzero exit code %d", taskID, result.ExitCode)
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal task result")
	}
	path := s.taskPath(taskID, cacheKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("save_task: mkdir failed")
		return nil
	}
	if err := writeFileAtomic(path, data); err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("save_task failed; continuing without cache entry")
	}
	return nil
}

// HasTask reports whether a cache entry for (taskID, cacheKey) is present and
// well-formed, without returning its contents.
func (s *Store) HasTask(taskID, cacheKey string) bool {
	_, ok := s.LoadTask(taskID, cacheKey)
	return ok
}

// writeFileAtomic writes data to a temp sibling of path, fsyncs it, then
// atomically renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "fsync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "rename into place")
	}
	return nil
}
