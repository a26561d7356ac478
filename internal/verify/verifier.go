// internal/verify/verifier.go
package verify

import (
	"crypto/sha256"
	"crypto/subtle"
)

// DefaultCompareLength matches the digest prefix compared by deployed nodes.
const DefaultCompareLength = 8

// Verifier checks a chunk against the digest announced by the sender.
// It is stateless; whether a chunk needs checking at all is the caller's
// decision.
type Verifier struct {
	compareLen int
}

// New returns a verifier comparing the first compareLen digest bytes.
// compareLen is clamped to [1, sha256.Size].
func New(compareLen int) *Verifier {
	if compareLen < 1 {
		compareLen = 1
	}
	if compareLen > sha256.Size {
		compareLen = sha256.Size
	}
	return &Verifier{compareLen: compareLen}
}

// CompareLength is the number of digest bytes actually compared.
func (v *Verifier) CompareLength() int { return v.compareLen }

// Verify hashes chunk and compares the result with expected over
// min(CompareLength, len(expected)) bytes.
func (v *Verifier) Verify(chunk, expected []byte) bool {
	n := v.compareLen
	if len(expected) < n {
		n = len(expected)
	}
	if n == 0 {
		return false
	}

	h := sha256.New()
	h.Write(chunk)
	computed := h.Sum(nil)

	return subtle.ConstantTimeCompare(computed[:n], expected[:n]) == 1
}

// Digest is the full SHA-256 of chunk, as the sender computes it.
func Digest(chunk []byte) [sha256.Size]byte {
	return sha256.Sum256(chunk)
}
