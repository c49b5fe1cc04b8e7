package dh_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddednet/tlsstack/bignum"
	"github.com/embeddednet/tlsstack/pkey/dh"
	"github.com/embeddednet/tlsstack/prng"
)

func testGroup() dh.Params {
	// A modest 256-bit-ish safe prime substitute is unnecessary for unit
	// testing the arithmetic; use a prime large enough that GenerateKeyPair's
	// rejection loop terminates quickly.
	p := bignum.FromUint64(2147483647) // 2^31-1, Mersenne prime
	g := bignum.FromUint64(7)
	return dh.Params{P: p, G: g}
}

func TestSharedSecretAgreement(t *testing.T) {
	group := testGroup()
	rndA, err := prng.Seeded([]byte("dh-alice"))
	require.NoError(t, err)
	rndB, err := prng.Seeded([]byte("dh-bob"))
	require.NoError(t, err)

	alice, err := dh.GenerateKeyPair(group, rndA)
	require.NoError(t, err)
	bob, err := dh.GenerateKeyPair(group, rndB)
	require.NoError(t, err)

	secretA, err := dh.ComputeSharedSecret(alice, bob.Y, true)
	require.NoError(t, err)
	secretB, err := dh.ComputeSharedSecret(bob, alice.Y, true)
	require.NoError(t, err)

	assert.Equal(t, secretA, secretB)
}

func TestValidatePublicValueRejectsBoundaries(t *testing.T) {
	group := testGroup()
	one := bignum.FromUint64(1)
	pMinus1 := bignum.Sub(group.P, one)

	assert.Error(t, dh.ValidatePublicValue(group, one))
	assert.Error(t, dh.ValidatePublicValue(group, pMinus1))
	assert.NoError(t, dh.ValidatePublicValue(group, bignum.FromUint64(5)))
}

func TestComputeSharedSecretPaddedWidth(t *testing.T) {
	group := testGroup()
	rndA, err := prng.Seeded([]byte("dh-pad-a"))
	require.NoError(t, err)
	rndB, err := prng.Seeded([]byte("dh-pad-b"))
	require.NoError(t, err)

	alice, err := dh.GenerateKeyPair(group, rndA)
	require.NoError(t, err)
	bob, err := dh.GenerateKeyPair(group, rndB)
	require.NoError(t, err)

	padded, err := dh.ComputeSharedSecret(alice, bob.Y, false)
	require.NoError(t, err)
	expectedLen := (group.P.BitLen() + 7) / 8
	assert.Len(t, padded, expectedLen)
}
