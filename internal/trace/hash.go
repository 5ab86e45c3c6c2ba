package trace

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeTraceHash computes the deterministic hash of a canonical trace
// encoding: sha256 over the canonical bytes, hex-encoded.
//
// The input must already be a canonical encoding (e.g. from
// ExecutionTrace.CanonicalJSON()) so the hash covers the sorted event order,
// not insertion order, and stays stable across architectures and compilers.
func ComputeTraceHash(canonicalEncoding []byte) string {
	if len(canonicalEncoding) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonicalEncoding)
	return hex.EncodeToString(sum[:])
}
