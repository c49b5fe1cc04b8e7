// Package dh implements ephemeral Diffie-Hellman key agreement over a
// fixed (p, g) group per SPEC_FULL.md §4.5, used by the DHE_RSA, DHE_DSS
// and anonymous DH cipher suites.
package dh

import (
	"fmt"

	"github.com/embeddednet/tlsstack/bignum"
	"github.com/embeddednet/tlsstack/prng"
	"github.com/embeddednet/tlsstack/stackerr"
)

// Params are the shared group parameters: prime modulus p and generator g.
type Params struct {
	P *bignum.Int
	G *bignum.Int
}

// KeyPair is one party's ephemeral DH key pair: secret exponent X and
// public value Y = g^X mod p.
type KeyPair struct {
	Params
	X *bignum.Int
	Y *bignum.Int
}

// GenerateKeyPair draws a random secret exponent of bitlen(p) bits
// (rejecting draws that land outside (1, p-1)) and derives the matching
// public value, per SPEC_FULL.md §4.5.
func GenerateKeyPair(params Params, rnd prng.Source) (*KeyPair, error) {
	one := bignum.FromUint64(1)
	pMinus1 := bignum.Sub(params.P, one)

	for {
		x, err := bignum.Rand(params.P.BitLen(), asIoReader(rnd))
		if err != nil {
			return nil, err
		}
		if x.Cmp(one) <= 0 || x.Cmp(pMinus1) >= 0 {
			continue
		}
		y, err := bignum.ExpMod(params.G, x, params.P)
		if err != nil {
			return nil, err
		}
		return &KeyPair{Params: params, X: x, Y: y}, nil
	}
}

// ValidatePublicValue rejects a peer's public value outside (1, p-1), the
// minimal check SPEC_FULL.md §4.5 requires before using it in
// ComputeSharedSecret (it does not attempt full subgroup-order validation,
// which the spec does not call for on these named groups).
func ValidatePublicValue(params Params, peerY *bignum.Int) error {
	one := bignum.FromUint64(1)
	pMinus1 := bignum.Sub(params.P, one)
	if peerY.Cmp(one) <= 0 || peerY.Cmp(pMinus1) >= 0 {
		return stackerr.New(stackerr.IllegalParameter, "dh.ValidatePublicValue", fmt.Errorf("peer public value out of range"))
	}
	return nil
}

// ComputeSharedSecret derives Z = peerY^X mod p. When stripLeadingZeros is
// true the result is returned as its minimal big-endian encoding (the TLS
// premaster secret convention of RFC 4346 §8.1.2, which strips leading
// zero bytes rather than padding to the modulus width); otherwise the
// result is zero-padded to the modulus byte length.
func ComputeSharedSecret(kp *KeyPair, peerY *bignum.Int, stripLeadingZeros bool) ([]byte, error) {
	if err := ValidatePublicValue(kp.Params, peerY); err != nil {
		return nil, err
	}
	z, err := bignum.ExpMod(peerY, kp.X, kp.P)
	if err != nil {
		return nil, err
	}
	if stripLeadingZeros {
		return z.Bytes(), nil
	}
	size := (kp.P.BitLen() + 7) / 8
	return z.BytesPadded(size), nil
}

// asIoReader adapts a prng.Source to io.Reader for bignum.Rand.
func asIoReader(rnd prng.Source) *sourceReader { return &sourceReader{rnd} }

type sourceReader struct{ src prng.Source }

func (r *sourceReader) Read(p []byte) (int, error) { return r.src.Read(p) }
