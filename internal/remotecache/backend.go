// Package remotecache provides optional, best-effort remote mirrors of the
// per-task cache. Every backend implementation treats failure as a miss on
// read and a dropped write on write — a remote outage degrades the engine to
// local-only caching, it never fails a run.
package remotecache

import "github.com/firsttry-dev/firsttry/internal/taskcache"

// Backend re-exports taskcache.Backend so callers that only need to
// construct a backend (cmd/firsttry wiring) don't need to import taskcache
// directly.
type Backend = taskcache.Backend

// Memory is an in-process Backend, useful for tests and for a single
// long-lived daemon process sharing a cache across runs without any network
// dependency.
type Memory struct {
	blobs map[string][]byte
}

// NewMemory returns an empty in-memory Backend.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) key(namespace, taskID, cacheKey string) string {
	return namespace + "/" + taskID + "/" + cacheKey
}

// Get implements Backend.
func (m *Memory) Get(namespace, taskID, cacheKey string) ([]byte, bool) {
	blob, ok := m.blobs[m.key(namespace, taskID, cacheKey)]
	return blob, ok
}

// Put implements Backend.
func (m *Memory) Put(namespace, taskID, cacheKey string, blob []byte) {
	m.blobs[m.key(namespace, taskID, cacheKey)] = blob
}
