// Package fingerprint hashes small pieces of agent state (a code chunk's
// identity, a repeated action, a round's saved text) into short stable
// strings, grounded on the teacher's shortHash/toolCallsFingerprint pattern
// (internal/agent/tool_registry.go, internal/agent/session.go) but using
// blake3 rather than sha256, per the teacher's own choice of blake3 for
// content hashing elsewhere (internal/attractor/engine/cxdb_sink.go).
package fingerprint

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Short returns the first 16 hex characters of the blake3 hash of parts
// joined with a NUL separator, matching the teacher's truncate-to-8-bytes
// shortHash convention.
func Short(parts ...string) string {
	h := blake3.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}
