package main

import (
	"fmt"
	"time"

	"github.com/embeddednet/tlsstack/asn1der"
	"github.com/embeddednet/tlsstack/bignum"
	"github.com/embeddednet/tlsstack/hashset"
	"github.com/embeddednet/tlsstack/pkey/rsa"
	"github.com/embeddednet/tlsstack/x509cert"
)

// demoRSAKey builds a 511-bit (64-byte modulus) RSA key pair from two fixed, publicly
// known large primes rather than generating fresh ones: pkey/rsa has no
// GenerateKey (the package only implements the PKCS#1 encrypt/sign side,
// per spec.md §2.4's PublicKey scope), so there is nothing in this module
// for gencert to call for fresh primality testing. The primes below are
// the Curve25519 and secp256k1 field primes, chosen only because they are
// well-known fixed constants of the right size, not because of any
// elliptic-curve meaning here. This is a demo/self-test identity, not a
// production key; a real deployment would load a key from an HSM or a
// file produced by a proper key-generation tool.
func demoRSAKey() (*rsa.PrivateKey, error) {
	p := bignum.FromBytesBigEndian(mustHex("7FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFED"))
	q := bignum.FromBytesBigEndian(mustHex("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEFFFFFC2F"))
	n := bignum.Mul(p, q)
	one := bignum.FromUint64(1)
	pMinus1 := bignum.Sub(p, one)
	qMinus1 := bignum.Sub(q, one)
	phi := bignum.Mul(pMinus1, qMinus1)
	e := bignum.FromUint64(65537)
	d, err := bignum.InvMod(e, phi)
	if err != nil {
		return nil, fmt.Errorf("derive private exponent: %w", err)
	}
	dp, err := bignum.Mod(d, pMinus1)
	if err != nil {
		return nil, err
	}
	dq, err := bignum.Mod(d, qMinus1)
	if err != nil {
		return nil, err
	}
	qInv, err := bignum.InvMod(q, p)
	if err != nil {
		return nil, err
	}
	return &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: e},
		D:         d, P: p, Q: q, DP: dp, DQ: dq, QInv: qInv,
	}, nil
}

var (
	oidSHA256WithRSA  = asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x0b}
	oidRSAEncryption  = asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01}
	oidBasicConstraints = asn1der.OID{0x55, 0x1d, 0x13}
)

func rsaSPKI(pub *rsa.PublicKey) []byte {
	inner := asn1der.EncodeSequence(
		asn1der.EncodeInteger(pub.N.Bytes()),
		asn1der.EncodeInteger(pub.E.Bytes()),
	)
	algID := asn1der.EncodeSequence(asn1der.EncodeOID(oidRSAEncryption), asn1der.EncodeNull())
	return asn1der.EncodeSequence(algID, asn1der.EncodeBitString(inner))
}

func rdnCommonName(cn string) []byte {
	atv := asn1der.EncodeSequence(
		asn1der.EncodeOID(x509cert.OIDCommonName),
		asn1der.EncodeTLV(asn1der.ClassUniversal, false, asn1der.TagPrintableString, []byte(cn)),
	)
	rdnSet := asn1der.EncodeTLV(asn1der.ClassUniversal, true, asn1der.TagSet, atv)
	return asn1der.EncodeSequence(rdnSet)
}

func utcTime(tm time.Time) []byte {
	return asn1der.EncodeTLV(asn1der.ClassUniversal, false, asn1der.TagUTCTime, []byte(tm.UTC().Format("060102150405Z")))
}

func asn1Bool(b bool) []byte {
	if b {
		return []byte{0xff}
	}
	return []byte{0x00}
}

// selfSignedCert builds a minimal self-signed, CA:TRUE DER certificate for
// priv under commonName, valid from notBefore for validity, following the
// same hand-rolled ASN.1 construction x509cert's own tests use to build
// fixtures, since this module has no certificate-authoring package of its
// own (x509cert only parses).
func selfSignedCert(priv *rsa.PrivateKey, commonName string, notBefore time.Time, validity time.Duration) ([]byte, error) {
	versionInner := asn1der.EncodeInteger([]byte{0x02})
	version := asn1der.EncodeTLV(asn1der.ClassContextSpecific, true, 0, versionInner)

	notAfter := notBefore.Add(validity)
	validityTLV := asn1der.EncodeSequence(utcTime(notBefore), utcTime(notAfter))

	bcValue := asn1der.EncodeSequence(asn1der.EncodeTLV(asn1der.ClassUniversal, false, asn1der.TagBoolean, asn1Bool(true)))
	bcExt := asn1der.EncodeSequence(asn1der.EncodeOID(oidBasicConstraints), asn1der.EncodeOctetString(bcValue))
	extensions := asn1der.EncodeTLV(asn1der.ClassContextSpecific, true, 3, asn1der.EncodeSequence(bcExt))

	sigAlgID := asn1der.EncodeSequence(asn1der.EncodeOID(oidSHA256WithRSA), asn1der.EncodeNull())

	name := rdnCommonName(commonName)
	tbs := asn1der.EncodeSequence(
		version,
		asn1der.EncodeInteger([]byte{0x01}),
		sigAlgID,
		name,
		validityTLV,
		name,
		rsaSPKI(&priv.PublicKey),
		extensions,
	)

	digest := hashset.Sum(hashset.SHA256, tbs)
	sig, err := rsa.SignPKCS1(priv, hashset.SHA256, digest)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	return asn1der.EncodeSequence(tbs, sigAlgID, asn1der.EncodeBitString(sig)), nil
}

func mustHex(s string) []byte {
	b := make([]byte, len(s)/2)
	for i := range b {
		b[i] = hexNibble(s[2*i])<<4 | hexNibble(s[2*i+1])
	}
	return b
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	}
	return 0
}
