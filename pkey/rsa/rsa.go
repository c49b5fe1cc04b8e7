// Package rsa implements RSA encryption/decryption and PKCS#1 v1.5
// signing/verification per SPEC_FULL.md §4.3, built on bignum + prng +
// hashset rather than the standard library's crypto/rsa: the spec's
// PublicKey component is specified down to the CRT decrypt path and the
// exact padding byte layout, which is the point of this exercise.
package rsa

import (
	"bytes"
	"fmt"

	"github.com/embeddednet/tlsstack/asn1der"
	"github.com/embeddednet/tlsstack/bignum"
	"github.com/embeddednet/tlsstack/hashset"
	"github.com/embeddednet/tlsstack/prng"
	"github.com/embeddednet/tlsstack/stackerr"
)

// PublicKey is an RSA public key: modulus n, exponent e.
type PublicKey struct {
	N *bignum.Int
	E *bignum.Int
}

// PrivateKey is an RSA private key. When P, Q, DP, DQ, QInv are all
// non-nil, Decrypt/Sign use the CRT fast path; otherwise they fall back to
// the plain m = c^d mod n exponentiation.
type PrivateKey struct {
	PublicKey
	D    *bignum.Int
	P    *bignum.Int
	Q    *bignum.Int
	DP   *bignum.Int
	DQ   *bignum.Int
	QInv *bignum.Int
}

func (pub *PublicKey) modulusLen() int {
	return (pub.N.BitLen() + 7) / 8
}

// Encrypt computes m^e mod n, the raw RSA primitive with no padding.
func Encrypt(pub *PublicKey, m *bignum.Int) (*bignum.Int, error) {
	return bignum.ExpMod(m, pub.E, pub.N)
}

// decryptRaw computes c^d mod n, using CRT when the private key carries
// p, q: m = CRT(c^dP mod p, c^dQ mod q, qInv), per SPEC_FULL.md §4.3.
func decryptRaw(priv *PrivateKey, c *bignum.Int) (*bignum.Int, error) {
	if priv.P != nil && priv.Q != nil && priv.DP != nil && priv.DQ != nil && priv.QInv != nil {
		m1, err := bignum.ExpMod(c, priv.DP, priv.P)
		if err != nil {
			return nil, err
		}
		m2, err := bignum.ExpMod(c, priv.DQ, priv.Q)
		if err != nil {
			return nil, err
		}
		// h = qInv * (m1 - m2) mod p
		diff := bignum.Sub(m1, m2)
		h, err := bignum.Mod(bignum.Mul(priv.QInv, diff), priv.P)
		if err != nil {
			return nil, err
		}
		// m = m2 + h*q
		return bignum.Add(m2, bignum.Mul(h, priv.Q)), nil
	}
	return bignum.ExpMod(c, priv.D, priv.N)
}

// EncryptPKCS1 implements PKCS#1 v1.5 encryption block type 02:
// 0x00 0x02 PS 0x00 M, with PS at least 8 nonzero random bytes filling the
// modulus length (SPEC_FULL.md §4.3).
func EncryptPKCS1(pub *PublicKey, message []byte, rnd prng.Source) ([]byte, error) {
	k := pub.modulusLen()
	if len(message) > k-11 {
		return nil, stackerr.New(stackerr.InvalidParameter, "rsa.EncryptPKCS1", fmt.Errorf("message too long for modulus"))
	}
	psLen := k - 3 - len(message)
	ps := make([]byte, psLen)
	if err := fillNonZero(ps, rnd); err != nil {
		return nil, err
	}

	block := make([]byte, 0, k)
	block = append(block, 0x00, 0x02)
	block = append(block, ps...)
	block = append(block, 0x00)
	block = append(block, message...)

	m := bignum.FromBytesBigEndian(block)
	c, err := Encrypt(pub, m)
	if err != nil {
		return nil, err
	}
	return c.BytesPadded(k), nil
}

func fillNonZero(buf []byte, rnd prng.Source) error {
	for i := range buf {
		buf[i] = 0
	}
	for i := 0; i < len(buf); {
		chunk := make([]byte, len(buf)-i)
		if _, err := rnd.Read(chunk); err != nil {
			return err
		}
		for _, b := range chunk {
			if b != 0 {
				buf[i] = b
				i++
				if i == len(buf) {
					break
				}
			}
		}
	}
	return nil
}

// DecryptPKCS1 reverses EncryptPKCS1, validating and stripping the type-02
// padding.
func DecryptPKCS1(priv *PrivateKey, ciphertext []byte) ([]byte, error) {
	k := priv.modulusLen()
	if len(ciphertext) != k {
		return nil, stackerr.New(stackerr.InvalidLength, "rsa.DecryptPKCS1", fmt.Errorf("ciphertext length mismatch"))
	}
	c := bignum.FromBytesBigEndian(ciphertext)
	m, err := decryptRaw(priv, c)
	if err != nil {
		return nil, err
	}
	block := m.BytesPadded(k)
	if block[0] != 0x00 || block[1] != 0x02 {
		return nil, stackerr.New(stackerr.DecodingFailed, "rsa.DecryptPKCS1", fmt.Errorf("bad padding header"))
	}
	sep := bytes.IndexByte(block[2:], 0x00)
	if sep < 0 || sep < 8 {
		return nil, stackerr.New(stackerr.DecodingFailed, "rsa.DecryptPKCS1", fmt.Errorf("bad padding separator"))
	}
	return block[2+sep+1:], nil
}

// digestOID maps a hash algorithm to the OID that buildDigestInfo places in
// its PKCS#1 DigestInfo AlgorithmIdentifier, per RFC 3447 §9.2.
var digestOID = map[hashset.Algorithm]asn1der.OID{
	hashset.MD5:    {0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x02, 0x05},
	hashset.SHA1:   {0x2b, 0x0e, 0x03, 0x02, 0x1a},
	hashset.SHA224: {0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x04},
	hashset.SHA256: {0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01},
	hashset.SHA384: {0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02},
	hashset.SHA512: {0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03},
}

// buildDigestInfo builds the DER DigestInfo SEQUENCE{ SEQUENCE{OID, NULL}, OCTET STRING digest }.
func buildDigestInfo(alg hashset.Algorithm, digest []byte) ([]byte, error) {
	oid, ok := digestOID[alg]
	if !ok {
		return nil, stackerr.New(stackerr.UnsupportedSignatureAlgo, "rsa.buildDigestInfo", fmt.Errorf("unsupported hash algorithm %v", alg))
	}
	algID := asn1der.EncodeSequence(asn1der.EncodeOID(oid), asn1der.EncodeNull())
	return asn1der.EncodeSequence(algID, asn1der.EncodeOctetString(digest)), nil
}

// SignPKCS1 implements PKCS#1 v1.5 signature block type 01:
// 0x00 0x01 0xFF...0xFF 0x00 T, where T is the DER DigestInfo for alg.
func SignPKCS1(priv *PrivateKey, alg hashset.Algorithm, digest []byte) ([]byte, error) {
	k := priv.modulusLen()
	t, err := buildDigestInfo(alg, digest)
	if err != nil {
		return nil, err
	}
	if len(t)+11 > k {
		return nil, stackerr.New(stackerr.InvalidParameter, "rsa.SignPKCS1", fmt.Errorf("modulus too small for digest info"))
	}
	padLen := k - 3 - len(t)
	block := make([]byte, 0, k)
	block = append(block, 0x00, 0x01)
	for i := 0; i < padLen; i++ {
		block = append(block, 0xff)
	}
	block = append(block, 0x00)
	block = append(block, t...)

	m := bignum.FromBytesBigEndian(block)
	s, err := decryptRaw(priv, m)
	if err != nil {
		return nil, err
	}
	return s.BytesPadded(k), nil
}

// VerifyPKCS1 verifies a PKCS#1 v1.5 signature, comparing the recovered
// DigestInfo byte-exactly against the expected encoding for alg
// (SPEC_FULL.md §4.3: any mismatch fails INVALID_SIGNATURE).
func VerifyPKCS1(pub *PublicKey, alg hashset.Algorithm, digest []byte, signature []byte) error {
	k := pub.modulusLen()
	if len(signature) != k {
		return stackerr.New(stackerr.InvalidSignature, "rsa.VerifyPKCS1", fmt.Errorf("signature length mismatch"))
	}
	s := bignum.FromBytesBigEndian(signature)
	m, err := Encrypt(pub, s)
	if err != nil {
		return err
	}
	block := m.BytesPadded(k)
	if block[0] != 0x00 || block[1] != 0x01 {
		return stackerr.New(stackerr.InvalidSignature, "rsa.VerifyPKCS1", fmt.Errorf("bad signature header"))
	}
	sep := bytes.IndexByte(block[2:], 0x00)
	if sep < 0 {
		return stackerr.New(stackerr.InvalidSignature, "rsa.VerifyPKCS1", fmt.Errorf("missing padding separator"))
	}
	for _, b := range block[2 : 2+sep] {
		if b != 0xff {
			return stackerr.New(stackerr.InvalidSignature, "rsa.VerifyPKCS1", fmt.Errorf("non-0xFF padding byte"))
		}
	}
	got := block[2+sep+1:]
	want, err := buildDigestInfo(alg, digest)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return stackerr.New(stackerr.InvalidSignature, "rsa.VerifyPKCS1", fmt.Errorf("digest info mismatch"))
	}
	return nil
}

// SignRawPKCS1 signs a precomputed digest directly under PKCS#1 v1.5
// block type 01 padding with no DigestInfo wrapper: the shape TLS 1.0/1.1
// use for the combined MD5||SHA1 ServerKeyExchange and CertificateVerify
// signatures (SPEC_FULL.md §4.9), which sign the raw 36-byte concatenated
// hash rather than a single tagged digest.
func SignRawPKCS1(priv *PrivateKey, digest []byte) ([]byte, error) {
	k := priv.modulusLen()
	if len(digest)+11 > k {
		return nil, stackerr.New(stackerr.InvalidParameter, "rsa.SignRawPKCS1", fmt.Errorf("modulus too small for digest"))
	}
	padLen := k - 3 - len(digest)
	block := make([]byte, 0, k)
	block = append(block, 0x00, 0x01)
	for i := 0; i < padLen; i++ {
		block = append(block, 0xff)
	}
	block = append(block, 0x00)
	block = append(block, digest...)

	m := bignum.FromBytesBigEndian(block)
	s, err := decryptRaw(priv, m)
	if err != nil {
		return nil, err
	}
	return s.BytesPadded(k), nil
}

// VerifyRawPKCS1 verifies a signature produced by SignRawPKCS1.
func VerifyRawPKCS1(pub *PublicKey, digest []byte, signature []byte) error {
	k := pub.modulusLen()
	if len(signature) != k {
		return stackerr.New(stackerr.InvalidSignature, "rsa.VerifyRawPKCS1", fmt.Errorf("signature length mismatch"))
	}
	s := bignum.FromBytesBigEndian(signature)
	m, err := Encrypt(pub, s)
	if err != nil {
		return err
	}
	block := m.BytesPadded(k)
	if block[0] != 0x00 || block[1] != 0x01 {
		return stackerr.New(stackerr.InvalidSignature, "rsa.VerifyRawPKCS1", fmt.Errorf("bad signature header"))
	}
	sep := bytes.IndexByte(block[2:], 0x00)
	if sep < 0 {
		return stackerr.New(stackerr.InvalidSignature, "rsa.VerifyRawPKCS1", fmt.Errorf("missing padding separator"))
	}
	for _, b := range block[2 : 2+sep] {
		if b != 0xff {
			return stackerr.New(stackerr.InvalidSignature, "rsa.VerifyRawPKCS1", fmt.Errorf("non-0xFF padding byte"))
		}
	}
	if !bytes.Equal(block[2+sep+1:], digest) {
		return stackerr.New(stackerr.InvalidSignature, "rsa.VerifyRawPKCS1", fmt.Errorf("digest mismatch"))
	}
	return nil
}
