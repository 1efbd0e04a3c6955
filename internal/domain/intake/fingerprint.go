package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const fingerprintPrefix = "sha256:"

// Fingerprint is the content signature used for deduplication: a SHA-256
// digest of the raw bytes. Name and modification time do not take part, so
// the same bytes uploaded under two names are duplicates.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return fingerprintPrefix + hex.EncodeToString(sum[:])
}

// FingerprintText signs typed text. Surrounding whitespace is ignored.
func FingerprintText(text string) string {
	return Fingerprint([]byte(strings.TrimSpace(text)))
}
