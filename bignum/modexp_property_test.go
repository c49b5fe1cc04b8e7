package bignum_test

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/cronokirby/saferith"
	"github.com/stretchr/testify/require"

	"github.com/embeddednet/tlsstack/bignum"
)

// TestExpModAgreesWithSaferith cross-checks the hand-rolled Montgomery
// ladder in modexp.go against github.com/cronokirby/saferith's Nat.Exp,
// an independently implemented constant-time modular exponentiation, for
// a spread of random odd moduli. saferith is already a direct dependency
// (the teacher repo uses it for scalar-field arithmetic); here it serves
// as an oracle rather than the production code path, because SPEC_FULL.md
// §4.1 specifies the Montgomery/Newton-iteration algorithm itself as the
// engineering content to implement, not merely its externally observable
// result.
func TestExpModAgreesWithSaferith(t *testing.T) {
	for trial := 0; trial < 25; trial++ {
		pBig, err := rand.Prime(rand.Reader, 256)
		require.NoError(t, err)
		if pBig.Bit(0) == 0 {
			continue
		}

		aBig, err := rand.Int(rand.Reader, pBig)
		require.NoError(t, err)
		eBig, err := rand.Int(rand.Reader, pBig)
		require.NoError(t, err)

		a := bignum.FromBytesBigEndian(aBig.Bytes())
		e := bignum.FromBytesBigEndian(eBig.Bytes())
		p := bignum.FromBytesBigEndian(pBig.Bytes())

		got, err := bignum.ExpMod(a, e, p)
		require.NoError(t, err)

		modulus := saferith.ModulusFromNat(new(saferith.Nat).SetBytes(pBig.Bytes()))
		want := new(saferith.Nat).Exp(
			new(saferith.Nat).SetBytes(aBig.Bytes()),
			new(saferith.Nat).SetBytes(eBig.Bytes()),
			modulus,
		)

		wantBig := new(big.Int).SetBytes(want.Bytes())
		gotBig := new(big.Int).SetBytes(got.Bytes())
		require.Equal(t, wantBig.String(), gotBig.String(), "trial %d: p=%s a=%s e=%s", trial, pBig, aBig, eBig)
	}
}
