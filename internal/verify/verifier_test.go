// internal/verify/verifier_test.go
package verify

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyPrefix(t *testing.T) {
	chunk := []byte("swarmit chunk payload")
	sum := Digest(chunk)

	v := New(DefaultCompareLength)
	assert.True(t, v.Verify(chunk, sum[:8]))
	assert.True(t, v.Verify(chunk, sum[:]))

	// bytes past the compared prefix are not checked
	tampered := sum
	tampered[31] ^= 0xFF
	assert.True(t, v.Verify(chunk, tampered[:]))

	tampered = sum
	tampered[0] ^= 0xFF
	assert.False(t, v.Verify(chunk, tampered[:]))
}

func TestVerifyFullLength(t *testing.T) {
	chunk := []byte{1, 2, 3}
	sum := Digest(chunk)

	v := New(sha256.Size)
	assert.True(t, v.Verify(chunk, sum[:]))

	tampered := sum
	tampered[31] ^= 0x01
	assert.False(t, v.Verify(chunk, tampered[:]))

	// a short digest is compared over what was sent
	assert.True(t, v.Verify(chunk, sum[:8]))
}

func TestVerifyRejectsMissingDigest(t *testing.T) {
	assert.False(t, New(8).Verify([]byte{1}, nil))
}

func TestNewClamps(t *testing.T) {
	assert.Equal(t, 1, New(0).CompareLength())
	assert.Equal(t, sha256.Size, New(64).CompareLength())
}
