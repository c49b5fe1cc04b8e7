package bignum_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddednet/tlsstack/bignum"
)

func TestAddSub(t *testing.T) {
	a := bignum.FromInt64(1234567890123)
	b := bignum.FromInt64(-987654321)
	sum := bignum.Add(a, b)
	assert.Equal(t, int64(1234567890123-987654321), toInt64(t, sum))

	diff := bignum.Sub(a, b)
	assert.Equal(t, int64(1234567890123+987654321), toInt64(t, diff))
}

func TestMul(t *testing.T) {
	a := bignum.FromUint64(123456789)
	b := bignum.FromUint64(987654321)
	got := bignum.Mul(a, b)
	want := new(big.Int).Mul(big.NewInt(123456789), big.NewInt(987654321))
	assert.Equal(t, want.String(), toBig(got).String())
}

// TestDivModInvariant checks a = (a/b)*b + (a mod b) and 0 <= |a mod b| < |b|
// for a spread of signed operands, per SPEC_FULL.md §8.
func TestDivModInvariant(t *testing.T) {
	cases := []struct{ a, b int64 }{
		{17, 5}, {-17, 5}, {17, -5}, {-17, -5},
		{100, 7}, {0, 13}, {1, 1}, {999999937, 65537},
	}
	for _, c := range cases {
		a := bignum.FromInt64(c.a)
		b := bignum.FromInt64(c.b)
		q, r, err := bignum.DivMod(a, b)
		require.NoError(t, err)
		reconstructed := bignum.Add(bignum.Mul(q, b), r)
		assert.Equal(t, c.a, toInt64(t, reconstructed), "a=%d b=%d", c.a, c.b)
		assert.True(t, r.CmpAbs(b) < 0)
	}
}

func TestDivByZero(t *testing.T) {
	_, _, err := bignum.DivMod(bignum.FromInt64(5), bignum.Zero())
	require.Error(t, err)
}

// TestCarmichael561 reproduces SPEC_FULL.md §8 scenario 3:
// exp_mod(7, 560, 561) = 1 because 561 is a Carmichael number.
func TestCarmichael561(t *testing.T) {
	got, err := bignum.ExpMod(bignum.FromUint64(7), bignum.FromUint64(560), bignum.FromUint64(561))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), toUint64(t, got))
}

// TestExpModEvenModulus exercises the plain square-and-multiply fallback.
func TestExpModEvenModulus(t *testing.T) {
	got, err := bignum.ExpMod(bignum.FromUint64(5), bignum.FromUint64(13), bignum.FromUint64(64))
	require.NoError(t, err)
	want := new(big.Int).Exp(big.NewInt(5), big.NewInt(13), big.NewInt(64))
	assert.Equal(t, want.String(), toBig(got).String())
}

func TestInvModAndFailure(t *testing.T) {
	inv, err := bignum.InvMod(bignum.FromUint64(3), bignum.FromUint64(11))
	require.NoError(t, err)
	// 3 * 4 = 12 = 1 mod 11
	assert.Equal(t, uint64(4), toUint64(t, inv))

	_, err = bignum.InvMod(bignum.FromUint64(2), bignum.FromUint64(4))
	require.Error(t, err)
}

func TestBytesRoundTrip(t *testing.T) {
	a := bignum.FromUint64(0xdeadbeefcafebabe)
	b := bignum.FromBytesBigEndian(a.Bytes())
	assert.Equal(t, 0, a.Cmp(b))
}

func toInt64(t *testing.T, z *bignum.Int) int64 {
	t.Helper()
	v := toBig(z)
	return v.Int64()
}

func toUint64(t *testing.T, z *bignum.Int) uint64 {
	t.Helper()
	return toBig(z).Uint64()
}

func toBig(z *bignum.Int) *big.Int {
	v := new(big.Int).SetBytes(z.Bytes())
	if z.Sign() < 0 {
		v.Neg(v)
	}
	return v
}
