// Package dsa implements DSA signing and verification over domain
// parameters (p, q, g) per SPEC_FULL.md §4.4, encoding/decoding the
// signature as the ASN.1 SEQUENCE{ INTEGER r, INTEGER s } that the
// handshake's CertificateVerify message carries.
package dsa

import (
	"fmt"

	"github.com/embeddednet/tlsstack/asn1der"
	"github.com/embeddednet/tlsstack/bignum"
	"github.com/embeddednet/tlsstack/prng"
	"github.com/embeddednet/tlsstack/stackerr"
)

// Params are the shared DSA domain parameters.
type Params struct {
	P *bignum.Int
	Q *bignum.Int
	G *bignum.Int
}

// PublicKey is a DSA public key y = g^x mod p.
type PublicKey struct {
	Params
	Y *bignum.Int
}

// PrivateKey is a DSA private key, the secret exponent x alongside the
// matching public value.
type PrivateKey struct {
	PublicKey
	X *bignum.Int
}

// Sign produces a DSA signature over digest (the caller-supplied hash of
// the message, truncated to Q's bit length if longer, per FIPS 186).
// It retries internally whenever a random draw produces r=0 or s=0, the
// only failure mode FIPS 186 calls for (SPEC_FULL.md §4.4).
func Sign(priv *PrivateKey, digest []byte, rnd prng.Source) (*Signature, error) {
	z := truncatedHash(digest, priv.Q)

	for {
		k, err := randBelow(priv.Q, rnd)
		if err != nil {
			return nil, err
		}
		if k.IsZero() {
			continue
		}
		r, err := bignum.ExpMod(priv.G, k, priv.P)
		if err != nil {
			return nil, err
		}
		r, err = bignum.Mod(r, priv.Q)
		if err != nil {
			return nil, err
		}
		if r.IsZero() {
			continue
		}

		kInv, err := bignum.InvMod(k, priv.Q)
		if err != nil {
			continue
		}
		// s = k^-1 * (z + x*r) mod q
		xr := bignum.Mul(priv.X, r)
		sum := bignum.Add(z, xr)
		s, err := bignum.Mod(bignum.Mul(kInv, sum), priv.Q)
		if err != nil {
			return nil, err
		}
		if s.IsZero() {
			continue
		}
		return &Signature{R: r, S: s}, nil
	}
}

// Verify checks sig against digest under pub, rejecting r or s outside
// (0, q) before doing any exponentiation per SPEC_FULL.md §4.4.
func Verify(pub *PublicKey, digest []byte, sig *Signature) error {
	zero := bignum.Zero()
	if sig.R.Cmp(zero) <= 0 || sig.R.Cmp(pub.Q) >= 0 {
		return stackerr.New(stackerr.InvalidSignature, "dsa.Verify", fmt.Errorf("r out of range"))
	}
	if sig.S.Cmp(zero) <= 0 || sig.S.Cmp(pub.Q) >= 0 {
		return stackerr.New(stackerr.InvalidSignature, "dsa.Verify", fmt.Errorf("s out of range"))
	}

	z := truncatedHash(digest, pub.Q)
	w, err := bignum.InvMod(sig.S, pub.Q)
	if err != nil {
		return stackerr.New(stackerr.InvalidSignature, "dsa.Verify", err)
	}
	u1, err := bignum.Mod(bignum.Mul(z, w), pub.Q)
	if err != nil {
		return err
	}
	u2, err := bignum.Mod(bignum.Mul(sig.R, w), pub.Q)
	if err != nil {
		return err
	}
	gu1, err := bignum.ExpMod(pub.G, u1, pub.P)
	if err != nil {
		return err
	}
	yu2, err := bignum.ExpMod(pub.Y, u2, pub.P)
	if err != nil {
		return err
	}
	v, err := bignum.Mod(bignum.Mul(gu1, yu2), pub.P)
	if err != nil {
		return err
	}
	v, err = bignum.Mod(v, pub.Q)
	if err != nil {
		return err
	}
	if v.Cmp(sig.R) != 0 {
		return stackerr.New(stackerr.InvalidSignature, "dsa.Verify", fmt.Errorf("v != r"))
	}
	return nil
}

// Signature is a decoded DSA (r, s) pair.
type Signature struct {
	R *bignum.Int
	S *bignum.Int
}

// Encode DER-encodes sig as SEQUENCE{ INTEGER r, INTEGER s }.
func (sig *Signature) Encode() []byte {
	return asn1der.EncodeSequence(
		asn1der.EncodeInteger(sig.R.Bytes()),
		asn1der.EncodeInteger(sig.S.Bytes()),
	)
}

// DecodeSignature parses the DER SEQUENCE{ INTEGER r, INTEGER s } produced
// by Encode.
func DecodeSignature(der []byte) (*Signature, error) {
	outer, err := asn1der.ReadElement(der)
	if err != nil {
		return nil, err
	}
	if err := asn1der.ExpectTag(outer, asn1der.ClassUniversal, asn1der.TagSequence, true); err != nil {
		return nil, err
	}
	rest := outer.Value
	rElem, err := asn1der.ReadElement(rest)
	if err != nil {
		return nil, err
	}
	if err := asn1der.ExpectTag(rElem, asn1der.ClassUniversal, asn1der.TagInteger, false); err != nil {
		return nil, err
	}
	rest = rest[rElem.TotalLength:]
	sElem, err := asn1der.ReadElement(rest)
	if err != nil {
		return nil, err
	}
	if err := asn1der.ExpectTag(sElem, asn1der.ClassUniversal, asn1der.TagInteger, false); err != nil {
		return nil, err
	}
	return &Signature{
		R: bignum.FromBytesBigEndian(rElem.Value),
		S: bignum.FromBytesBigEndian(sElem.Value),
	}, nil
}

// truncatedHash implements FIPS 186-4's leftmost-min(bitlen(q), bitlen(digest))
// truncation of the message digest before it is combined with r, s.
func truncatedHash(digest []byte, q *bignum.Int) *bignum.Int {
	qBits := q.BitLen()
	digestBits := len(digest) * 8
	if digestBits <= qBits {
		return bignum.FromBytesBigEndian(digest)
	}
	excessBits := digestBits - qBits
	excessBytes := excessBits / 8
	rem := excessBits % 8
	truncated := digest[:len(digest)-excessBytes]
	z := bignum.FromBytesBigEndian(truncated)
	if rem != 0 {
		z = bignum.ShiftRight(z, rem)
	}
	return z
}

// randBelow draws a uniform value in [0, n) by rejection sampling on
// n.BitLen() random bits.
func randBelow(n *bignum.Int, rnd prng.Source) (*bignum.Int, error) {
	bits := n.BitLen()
	if bits == 0 {
		return bignum.Zero(), nil
	}
	nbytes := (bits + 7) / 8
	for {
		buf := make([]byte, nbytes)
		if _, err := rnd.Read(buf); err != nil {
			return nil, err
		}
		excess := nbytes*8 - bits
		if excess > 0 {
			buf[0] &= byte(0xff >> uint(excess))
		}
		candidate := bignum.FromBytesBigEndian(buf)
		if candidate.Cmp(n) < 0 {
			return candidate, nil
		}
	}
}
