package worker

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/taskmill/corerunner/core"
)

// fingerprintOf derives the (uuid, version, content_hash) cache key,
// hashing the resolved code so a content change under the same
// (uuid, version) yields a different key. The ref index in taskCache
// serves a repeat ref without resolving it again, so a changed source is
// only seen once the ref's last fingerprint has left the LRU.
func fingerprintOf(ref core.TaskRef, code string) core.Fingerprint {
	sum := sha256.Sum256([]byte(code))
	return core.Fingerprint{
		UUID:        ref.UUID,
		Version:     ref.Version,
		ContentHash: hex.EncodeToString(sum[:]),
	}
}
