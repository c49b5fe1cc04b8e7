package dsa_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddednet/tlsstack/bignum"
	"github.com/embeddednet/tlsstack/pkey/dsa"
	"github.com/embeddednet/tlsstack/prng"
)

// testParams returns small, fast, but valid-shape DSA domain parameters
// (p prime, q | p-1, g of order q mod p) for unit testing the sign/verify
// arithmetic; not suitable for any real security use.
func testParams(t *testing.T) dsa.Params {
	t.Helper()
	// p = 2*q*k + 1 with q, p both prime.
	// Use well-known tiny safe-prime-like pair: q=11, p=23 (23-1=22=2*11).
	p := bignum.FromUint64(23)
	q := bignum.FromUint64(11)
	// g must have order q mod p: find generator of the order-11 subgroup.
	// 2^11 mod 23 = 1, so 2 has order 11, and 4 = 2^2 has order 11 as well.
	g := bignum.FromUint64(4)
	return dsa.Params{P: p, Q: q, G: g}
}

func testKeyPair(t *testing.T) *dsa.PrivateKey {
	t.Helper()
	params := testParams(t)
	x := bignum.FromUint64(6) // 0 < x < q
	y, err := bignum.ExpMod(params.G, x, params.P)
	require.NoError(t, err)
	return &dsa.PrivateKey{
		PublicKey: dsa.PublicKey{Params: params, Y: y},
		X:         x,
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv := testKeyPair(t)
	rnd, err := prng.Seeded([]byte("dsa-fixture"))
	require.NoError(t, err)

	digest := []byte{0x01, 0x02, 0x03, 0x04}
	sig, err := dsa.Sign(priv, digest, rnd)
	require.NoError(t, err)

	err = dsa.Verify(&priv.PublicKey, digest, sig)
	assert.NoError(t, err)
}

func TestVerifyRejectsWrongDigest(t *testing.T) {
	priv := testKeyPair(t)
	rnd, err := prng.Seeded([]byte("dsa-fixture-2"))
	require.NoError(t, err)

	sig, err := dsa.Sign(priv, []byte{0x01, 0x02}, rnd)
	require.NoError(t, err)

	// q is 4 bits, so only the digest's leading 4 bits survive truncation;
	// this digest differs from the signed one there.
	err = dsa.Verify(&priv.PublicKey, []byte{0x90, 0x09}, sig)
	assert.Error(t, err)
}

func TestVerifyRejectsOutOfRangeR(t *testing.T) {
	priv := testKeyPair(t)
	bad := &dsa.Signature{R: bignum.Zero(), S: bignum.FromUint64(1)}
	err := dsa.Verify(&priv.PublicKey, []byte{0x01}, bad)
	assert.Error(t, err)
}

func TestSignatureEncodeDecodeRoundTrip(t *testing.T) {
	priv := testKeyPair(t)
	rnd, err := prng.Seeded([]byte("dsa-encode-fixture"))
	require.NoError(t, err)

	sig, err := dsa.Sign(priv, []byte{0xaa, 0xbb}, rnd)
	require.NoError(t, err)

	der := sig.Encode()
	decoded, err := dsa.DecodeSignature(der)
	require.NoError(t, err)

	assert.Equal(t, 0, sig.R.Cmp(decoded.R))
	assert.Equal(t, 0, sig.S.Cmp(decoded.S))
}
