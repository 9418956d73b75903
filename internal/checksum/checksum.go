package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint identifies the exact bytes of a plan file so a report can be
// matched to the plan revision that produced it.
func Fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Short returns the first 12 hex digits, enough to tell revisions apart in logs.
func Short(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}
