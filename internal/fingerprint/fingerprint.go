// Package fingerprint computes the repository-wide digest the orchestrator
// uses for its zero-run fast path.
package fingerprint

import (
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/firsttry-dev/firsttry/internal/engine"
)

// defaultVolatileDirs are excluded from enumeration entirely (directory
// pruned, not just filtered after the fact).
var defaultVolatileDirs = map[string]bool{
	".firsttry":     true,
	".git":          true,
	".venv":         true,
	"venv":          true,
	"__pycache__":   true,
	".mypy_cache":   true,
	".ruff_cache":   true,
	".pytest_cache": true,
	".tox":          true,
	"build":         true,
	"dist":          true,
}

var defaultVolatileExtensions = map[string]bool{
	".pyc":      true,
	".pyo":      true,
	".DS_Store": true,
}

// DefaultIncludeGlobs is the engine's published include-set contract.
// Changing this slice is an engine version change: it must be accompanied by
// a bump to the schema version salt, or caches silently become invalid in
// hard-to-debug ways.
var DefaultIncludeGlobs = []string{
	"src/**/*.py",
	"tests/**/*.py",
	"pyproject.toml",
	"firsttry.toml",
}

// Fingerprinter produces a 32-hex-character digest of the workspace. It is
// pure and stateless: it never reads or writes the cache, and never mutates
// the repository root it is given.
type Fingerprinter struct {
	// RepoRoot is the repository root all include globs are resolved
	// relative to.
	RepoRoot string

	// IncludeGlobs is the include-set, used exactly as given; the caller
	// assembles it (normally DefaultIncludeGlobs plus the config's
	// extra_include). An empty include-set enumerates no files.
	IncludeGlobs []string
}

// New builds a Fingerprinter over repoRoot with the given include globs
// (DefaultIncludeGlobs ∪ config's extra_include, assembled by the caller).
func New(repoRoot string, includeGlobs []string) *Fingerprinter {
	return &Fingerprinter{RepoRoot: repoRoot, IncludeGlobs: includeGlobs}
}

// Compute enumerates the include-set, sorts the resulting repo-relative
// paths by raw byte value, and absorbs path + length-prefixed content for
// each file followed by the sorted salt, producing a 128-bit BLAKE2b digest,
// hex-encoded.
//
// Unreadable files and broken symlinks encountered between enumeration and
// read are skipped, not fatal — the engine tolerates a workspace that
// changed mid-walk. A permission error at the repo root is a fatal
// *engine.FingerprintError.
func (f *Fingerprinter) Compute(salt map[string]string) (string, error) {
	paths, err := f.enumerate()
	if err != nil {
		return "", &engine.FingerprintError{Path: f.RepoRoot, Err: err}
	}

	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", err
	}

	writeField := func(data []byte) {
		var lenBytes [8]byte
		putUint64LE(lenBytes[:], uint64(len(data)))
		h.Write(lenBytes[:])
		h.Write(data)
	}

	for _, p := range paths {
		content, err := os.ReadFile(filepath.Join(f.RepoRoot, p))
		if err != nil {
			// Vanished between enumeration and read: treated as absent.
			continue
		}
		writeField([]byte(p))
		h.Write([]byte{0x00})
		writeField(content)
		h.Write([]byte{0x01})
	}

	keys := make([]string, 0, len(salt))
	for k := range salt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField([]byte(k))
		h.Write([]byte{0x00})
		writeField([]byte(salt[k]))
		h.Write([]byte{0x01})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// enumerate walks RepoRoot, pruning volatile directories, matches each
// IncludeGlob, and returns the resulting repo-relative paths sorted
// lexicographically on raw bytes.
func (f *Fingerprinter) enumerate() ([]string, error) {
	return Enumerate(f.RepoRoot, f.IncludeGlobs)
}

// Enumerate expands patterns against root using the engine's single shared
// enumeration rule (glob match, volatile paths and directories pruned,
// lexicographic sort on raw bytes). The Fingerprinter and the task cache key
// computation both call this so "same enumeration rules" is true by
// construction, not by convention.
func Enumerate(root string, patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, glob := range patterns {
		matches, err := matchGlob(root, glob)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			seen[m] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// IsGlobPattern reports whether pattern contains glob metacharacters (as
// opposed to being a literal repo-relative path).
func IsGlobPattern(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', ']':
			return true
		}
	}
	return false
}

// matchGlob expands a repo-relative glob pattern such as "src/**/*.py"
// against root, pruning volatile directories and excluding volatile
// extensions, and returns repo-relative, forward-slash paths.
func matchGlob(root, pattern string) ([]string, error) {
	var out []string

	prefix, suffix := splitDoubleStar(pattern)

	walkRoot := filepath.Join(root, prefix)
	info, statErr := os.Stat(walkRoot)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, nil
		}
		return nil, statErr
	}
	if !info.IsDir() {
		// Literal file pattern (e.g. "pyproject.toml"): treat prefix itself
		// as the match if it satisfies suffix (which is empty in that case).
		if suffix == "" {
			rel, err := filepath.Rel(root, walkRoot)
			if err != nil {
				return nil, err
			}
			if !isVolatile(rel) {
				out = append(out, filepath.ToSlash(rel))
			}
		}
		return out, nil
	}

	err := filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Broken entry: skip rather than fail the whole walk.
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		relSlash := filepath.ToSlash(rel)

		if d.IsDir() {
			if isVolatileDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if isVolatile(relSlash) {
			return nil
		}
		if suffix == "" || matchSuffix(d.Name(), suffix) {
			out = append(out, relSlash)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// splitDoubleStar splits a pattern like "src/**/*.py" into the literal
// directory prefix to walk ("src") and the filename suffix glob ("*.py").
// Patterns without "**" are treated as a literal path with an empty suffix.
func splitDoubleStar(pattern string) (prefix, suffix string) {
	const marker = "/**/"
	if idx := strings.Index(pattern, marker); idx >= 0 {
		return pattern[:idx], pattern[idx+len(marker):]
	}
	return pattern, ""
}

func matchSuffix(name, suffixGlob string) bool {
	ok, err := filepath.Match(suffixGlob, name)
	return err == nil && ok
}

func isVolatileDir(name string) bool {
	return defaultVolatileDirs[name]
}

func isVolatile(relPath string) bool {
	for _, seg := range strings.Split(relPath, "/") {
		if defaultVolatileDirs[seg] {
			return true
		}
	}
	return defaultVolatileExtensions[filepath.Ext(relPath)]
}

func putUint64LE(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
