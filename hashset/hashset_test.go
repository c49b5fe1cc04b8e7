package hashset_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddednet/tlsstack/hashset"
)

// TestSHA256KnownAnswer reproduces SPEC_FULL.md §8 scenario 1's digest:
// SHA-256("abc") = ba7816bf...f20015ad.
func TestSHA256KnownAnswer(t *testing.T) {
	got := hashset.Sum(hashset.SHA256, []byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString(got))
}

func TestMetadata(t *testing.T) {
	cap, ok := hashset.Lookup(hashset.SHA1)
	require.True(t, ok)
	assert.Equal(t, 20, cap.DigestSize)
	assert.Equal(t, 64, cap.BlockSize)
}

func TestDualMD5SHA1Size(t *testing.T) {
	d := hashset.NewDualMD5SHA1()
	d.Write([]byte("hello"))
	assert.Len(t, d.Sum(), 16+20)
}

func TestUnknownAlgorithm(t *testing.T) {
	_, ok := hashset.Lookup(hashset.Algorithm(255))
	assert.False(t, ok)
}

func TestBlake3Wired(t *testing.T) {
	got := hashset.Sum(hashset.Blake3, []byte("abc"))
	assert.Len(t, got, 32)
}
