package rsa_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddednet/tlsstack/bignum"
	"github.com/embeddednet/tlsstack/hashset"
	"github.com/embeddednet/tlsstack/pkey/rsa"
	"github.com/embeddednet/tlsstack/prng"
)

// small fixed 512-bit-ish test key: p, q are the Curve25519 and secp256k1
// field primes, giving a 64-byte modulus wide enough for PKCS#1 padding
// around the test message and a SHA-256 DigestInfo, while still
// exercising the CRT path.
func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	pBytes, err := hex.DecodeString("7FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFED")
	require.NoError(t, err)
	qBytes, err := hex.DecodeString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEFFFFFC2F")
	require.NoError(t, err)
	p := bignum.FromBytesBigEndian(pBytes)
	q := bignum.FromBytesBigEndian(qBytes)
	n := bignum.Mul(p, q)
	one := bignum.FromUint64(1)
	pMinus1 := bignum.Sub(p, one)
	qMinus1 := bignum.Sub(q, one)
	phi := bignum.Mul(pMinus1, qMinus1)

	e := bignum.FromUint64(65537)
	d, err := bignum.InvMod(e, phi)
	require.NoError(t, err)

	dp, err := bignum.Mod(d, pMinus1)
	require.NoError(t, err)
	dq, err := bignum.Mod(d, qMinus1)
	require.NoError(t, err)
	qInv, err := bignum.InvMod(q, p)
	require.NoError(t, err)

	return &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: e},
		D:         d,
		P:         p,
		Q:         q,
		DP:        dp,
		DQ:        dq,
		QInv:      qInv,
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	priv := testKey(t)
	rnd, err := prng.Seeded([]byte("rsa-fixture"))
	require.NoError(t, err)

	msg := []byte("hello rsa")
	ct, err := rsa.EncryptPKCS1(&priv.PublicKey, msg, rnd)
	require.NoError(t, err)

	pt, err := rsa.DecryptPKCS1(priv, ct)
	require.NoError(t, err)
	assert.Equal(t, msg, pt)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv := testKey(t)
	digest := []byte{
		0xba, 0x78, 0x16, 0xbf, 0x8f, 0x01, 0xcf, 0xea,
		0x41, 0x41, 0x40, 0xde, 0x5d, 0xae, 0x22, 0x23,
		0xb0, 0x03, 0x61, 0xa3, 0x96, 0x17, 0x7a, 0x9c,
		0xb4, 0x10, 0xff, 0x61, 0xf2, 0x00, 0x15, 0xad,
	}
	sig, err := rsa.SignPKCS1(priv, hashset.SHA256, digest)
	require.NoError(t, err)

	err = rsa.VerifyPKCS1(&priv.PublicKey, hashset.SHA256, digest, sig)
	assert.NoError(t, err)
}

func TestVerifyRejectsTamperedDigest(t *testing.T) {
	priv := testKey(t)
	digest := make([]byte, 32)
	sig, err := rsa.SignPKCS1(priv, hashset.SHA256, digest)
	require.NoError(t, err)

	tampered := make([]byte, 32)
	copy(tampered, digest)
	tampered[0] ^= 0xff

	err = rsa.VerifyPKCS1(&priv.PublicKey, hashset.SHA256, tampered, sig)
	assert.Error(t, err)
}

func TestDecryptRejectsWrongLength(t *testing.T) {
	priv := testKey(t)
	_, err := rsa.DecryptPKCS1(priv, []byte{0x01, 0x02})
	assert.Error(t, err)
}
