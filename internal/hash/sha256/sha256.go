// Package sha256 provides the content digest used to address stored blobs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// DigestLength is the length of a hex-encoded SHA-256 digest.
const DigestLength = sha256.Size * 2

// Sum returns the lowercase hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Valid reports whether digest is a well-formed lowercase hex SHA-256 digest.
func Valid(digest string) bool {
	if len(digest) != DigestLength {
		return false
	}
	for i := 0; i < len(digest); i++ {
		c := digest[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
