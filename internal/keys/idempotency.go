// Package keys derives deterministic idempotency keys for external calls.
// Retries of the same (subject, target) pair within one time bucket collapse
// to the same key, so the board deduplicates them server-side even when we
// keep no local dedup state.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultWindow is the coarse bucket retries are expected to land in.
const DefaultWindow = 5 * time.Minute

// KeyLen is the number of lowercase hex characters in a key.
const KeyLen = 16

// Idempotency returns the key for an operation on target by subject at time t.
// The window must be positive; callers pass DefaultWindow unless the board's
// dedup horizon says otherwise.
func Idempotency(subject, target string, t time.Time, window time.Duration) string {
	bucket := t.Unix() / int64(window/time.Second)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", subject, target, bucket)))
	return hex.EncodeToString(sum[:])[:KeyLen]
}
