package taskcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/firsttry-dev/firsttry/internal/statestore"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestComputeKey_Deterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/a.py", "x=1")

	input := KeyInput{RepoRoot: dir, Argv: []string{"ruff", "check"}, InputPatterns: []string{"src/**/*.py"}}
	a, err := ComputeKey(input)
	require.NoError(t, err)
	b, err := ComputeKey(input)
	require.NoError(t, err)
	require.Equal(t, a, b, "two consecutive keys must agree")
	require.Len(t, a, 32, "expected 32 hex chars")
}

func TestComputeKey_SensitiveToArgv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/a.py", "x=1")

	a, err := ComputeKey(KeyInput{RepoRoot: dir, Argv: []string{"ruff", "check"}, InputPatterns: []string{"src/**/*.py"}})
	require.NoError(t, err)
	b, err := ComputeKey(KeyInput{RepoRoot: dir, Argv: []string{"ruff", "check", "--fix"}, InputPatterns: []string{"src/**/*.py"}})
	require.NoError(t, err)
	require.NotEqual(t, a, b, "cache key must change when argv changes")
}

func TestComputeKey_SensitiveToMissingInputFile(t *testing.T) {
	dir := t.TempDir()

	withMissing, err := ComputeKey(KeyInput{RepoRoot: dir, Argv: []string{"x"}, InputPatterns: []string{"pyproject.toml"}})
	require.NoError(t, err)

	writeFile(t, dir, "pyproject.toml", "[tool]")
	withPresent, err := ComputeKey(KeyInput{RepoRoot: dir, Argv: []string{"x"}, InputPatterns: []string{"pyproject.toml"}})
	require.NoError(t, err)

	require.NotEqual(t, withMissing, withPresent, "cache key must change between missing and present literal input file")
}

func TestComputeKey_SensitiveToSalt(t *testing.T) {
	dir := t.TempDir()
	a, err := ComputeKey(KeyInput{RepoRoot: dir, Argv: []string{"x"}, Salt: map[string]string{"k": "1"}})
	require.NoError(t, err)
	b, err := ComputeKey(KeyInput{RepoRoot: dir, Argv: []string{"x"}, Salt: map[string]string{"k": "2"}})
	require.NoError(t, err)
	require.NotEqual(t, a, b, "cache key must change when salt changes")
}

type memBackend struct {
	blobs map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{blobs: make(map[string][]byte)}
}

func (m *memBackend) key(namespace, taskID, cacheKey string) string {
	return namespace + "/" + taskID + "/" + cacheKey
}

func (m *memBackend) Get(namespace, taskID, cacheKey string) ([]byte, bool) {
	blob, ok := m.blobs[m.key(namespace, taskID, cacheKey)]
	return blob, ok
}

func (m *memBackend) Put(namespace, taskID, cacheKey string, blob []byte) {
	m.blobs[m.key(namespace, taskID, cacheKey)] = blob
}

func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	return statestore.New(filepath.Join(t.TempDir(), "cache"), zerolog.Nop())
}

func TestTaskCache_LocalHit(t *testing.T) {
	local := newTestStore(t)
	c := New(local, nil, "ns", zerolog.Nop())

	want := statestore.TaskResult{ID: "ruff", ExitCode: 0, CacheKey: "k1"}
	require.NoError(t, c.Store("ruff", "k1", want))

	got, state, ok := c.Lookup("ruff", "k1")
	require.True(t, ok, "expected local hit")
	require.Equal(t, "hit-local", state)
	require.Equal(t, "ruff", got.ID)
}

func TestTaskCache_RemoteFallbackMaterializesLocally(t *testing.T) {
	local := newTestStore(t)
	remote := newMemBackend()
	c := New(local, remote, "ns", zerolog.Nop())

	blob, err := encodeResult(statestore.TaskResult{ID: "mypy", ExitCode: 0, CacheKey: "k2"})
	require.NoError(t, err)
	remote.Put("ns", "mypy", "k2", blob)

	require.False(t, local.HasTask("mypy", "k2"), "precondition: local must not already have this entry")

	got, state, ok := c.Lookup("mypy", "k2")
	require.True(t, ok, "expected remote hit")
	require.Equal(t, "hit-remote", state)
	require.Equal(t, "mypy", got.ID)
	require.True(t, local.HasTask("mypy", "k2"), "expected remote hit to be materialized into the local store")
}

func TestTaskCache_MissWhenNeitherTierHasEntry(t *testing.T) {
	local := newTestStore(t)
	remote := newMemBackend()
	c := New(local, remote, "ns", zerolog.Nop())

	_, _, ok := c.Lookup("pytest", "nope")
	require.False(t, ok, "expected miss")
}

func TestTaskCache_StoreMirrorsToRemote(t *testing.T) {
	local := newTestStore(t)
	remote := newMemBackend()
	c := New(local, remote, "ns", zerolog.Nop())

	require.NoError(t, c.Store("bandit", "k3", statestore.TaskResult{ID: "bandit", ExitCode: 0, CacheKey: "k3"}))

	_, ok := remote.Get("ns", "bandit", "k3")
	require.True(t, ok, "expected Store to mirror to the remote backend")
}
