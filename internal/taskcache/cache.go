// Package taskcache computes the per-task cache key and implements the
// lookup/store policy that sits in front of a statestore.Store and an
// optional remote backend.
package taskcache

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/firsttry-dev/firsttry/internal/engine"
	"github.com/firsttry-dev/firsttry/internal/fingerprint"
	"github.com/firsttry-dev/firsttry/internal/statestore"
)

// KeyInput is everything the cache key is a function of, per the engine's
// cache-correctness invariant: two tasks producing the same key must be
// interchangeable.
type KeyInput struct {
	RepoRoot      string
	Argv          []string
	InputPatterns []string
	Salt          map[string]string
}

// ComputeKey hashes argv, the contents of every file matched by
// InputPatterns (missing files absorbed as a zero-length marker so deletion
// still changes the key), and the task's salt, truncated to a 128-bit
// BLAKE2b digest, hex-encoded to a 32-character string.
func ComputeKey(input KeyInput) (string, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", err
	}

	writeField := func(data []byte) {
		var lenBytes [8]byte
		putUint64BE(lenBytes[:], uint64(len(data)))
		h.Write(lenBytes[:])
		h.Write(data)
	}

	writeField([]byte{byte(len(input.Argv))})
	for _, a := range input.Argv {
		writeField([]byte(a))
	}

	paths, literals, err := resolveInputFiles(input.RepoRoot, input.InputPatterns)
	if err != nil {
		return "", &engine.CacheIOError{Op: "compute_key:resolve_inputs", Err: err}
	}

	allPaths := make([]string, 0, len(paths)+len(literals))
	allPaths = append(allPaths, paths...)
	allPaths = append(allPaths, literals...)
	sort.Strings(allPaths)

	seen := make(map[string]bool, len(allPaths))
	for _, p := range allPaths {
		if seen[p] {
			continue
		}
		seen[p] = true

		content, readErr := os.ReadFile(filepath.Join(input.RepoRoot, p))
		writeField([]byte(p))
		h.Write([]byte{0x00})
		if readErr != nil {
			// Deleted or unreadable since it was declared: absorbed as a
			// zero-length marker so the key still changes.
			writeField(nil)
		} else {
			writeField(content)
		}
		h.Write([]byte{0x01})
	}

	keys := make([]string, 0, len(input.Salt))
	for k := range input.Salt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField([]byte(k))
		h.Write([]byte{0x00})
		writeField([]byte(input.Salt[k]))
		h.Write([]byte{0x01})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// resolveInputFiles expands the glob-style entries of patterns via
// fingerprint.Enumerate (same enumeration rule as the repo fingerprint: sorted,
// volatile paths pruned) and returns literal, non-glob entries separately so
// callers can absorb them even when they don't currently exist on disk.
func resolveInputFiles(repoRoot string, patterns []string) (matched, literals []string, err error) {
	var globs []string
	for _, p := range patterns {
		if fingerprint.IsGlobPattern(p) {
			globs = append(globs, p)
		} else {
			literals = append(literals, p)
		}
	}
	matched, err = fingerprint.Enumerate(repoRoot, globs)
	if err != nil {
		return nil, nil, err
	}
	return matched, literals, nil
}

func putUint64BE(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

// Backend is the abstract remote cache contract. Both operations are
// best-effort: a failing Get is a miss, a failing Put is a dropped write.
// Neither ever returns an error the caller must propagate.
type Backend interface {
	Get(namespace, taskID, cacheKey string) (blob []byte, ok bool)
	Put(namespace, taskID, cacheKey string, blob []byte)
}

// TaskCache composes the local statestore.Store with an optional remote
// Backend, implementing local-first lookup with remote fallback and
// materialization, and write-through store with best-effort remote mirroring.
type TaskCache struct {
	local     *statestore.Store
	remote    Backend
	namespace string
	log       zerolog.Logger
}

// New returns a TaskCache backed by local. remote may be nil, in which case
// the cache behaves as purely local.
func New(local *statestore.Store, remote Backend, namespace string, log zerolog.Logger) *TaskCache {
	return &TaskCache{local: local, remote: remote, namespace: namespace, log: log.With().Str("component", "taskcache").Logger()}
}

// Lookup returns a cached TaskResult for (taskID, cacheKey) plus which tier
// served it ("hit-local" or "hit-remote"), matching the RunReport's
// cache_state vocabulary. It checks the local store first; on a local miss
// with a configured remote backend, it checks the remote and, on a hit,
// materializes the result into the local store before returning it.
func (c *TaskCache) Lookup(taskID, cacheKey string) (result statestore.TaskResult, cacheState string, ok bool) {
	if result, ok := c.local.LoadTask(taskID, cacheKey); ok {
		return result, "hit-local", true
	}
	if c.remote == nil {
		return statestore.TaskResult{}, "", false
	}

	blob, ok := c.remote.Get(c.namespace, taskID, cacheKey)
	if !ok {
		return statestore.TaskResult{}, "", false
	}
	result, ok = decodeResult(blob)
	if !ok {
		c.log.Warn().Str("task_id", taskID).Msg("remote cache hit was malformed; treating as miss")
		return statestore.TaskResult{}, "", false
	}
	if err := c.local.SaveTask(taskID, cacheKey, result); err != nil {
		c.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to materialize remote cache hit locally")
	}
	return result, "hit-remote", true
}

// Store writes result to the local store and, if a remote backend is
// configured, best-effort mirrors it there too. Only ever called by the
// executor when result.ExitCode == 0.
func (c *TaskCache) Store(taskID, cacheKey string, result statestore.TaskResult) error {
	if err := c.local.SaveTask(taskID, cacheKey, result); err != nil {
		return err
	}
	if c.remote == nil {
		return nil
	}
	blob, err := encodeResult(result)
	if err != nil {
		c.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to encode result for remote mirror")
		return nil
	}
	c.remote.Put(c.namespace, taskID, cacheKey, blob)
	return nil
}
