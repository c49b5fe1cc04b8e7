package x509cert_test

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddednet/tlsstack/asn1der"
	"github.com/embeddednet/tlsstack/bignum"
	"github.com/embeddednet/tlsstack/hashset"
	"github.com/embeddednet/tlsstack/pkey/rsa"
	"github.com/embeddednet/tlsstack/x509cert"
)

var oidSHA256WithRSA = asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x0b}
var oidRSAEncryption = asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01}

// rsaTestKey uses the Curve25519 and secp256k1 field primes as p and q: a
// 64-byte modulus leaves room for a PKCS#1 v1.5 SHA-256 DigestInfo
// signature (51 bytes plus 11 bytes of padding overhead).
func rsaTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	pBytes, err := hex.DecodeString("7FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFED")
	require.NoError(t, err)
	qBytes, err := hex.DecodeString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEFFFFFC2F")
	require.NoError(t, err)
	p := bignum.FromBytesBigEndian(pBytes)
	q := bignum.FromBytesBigEndian(qBytes)
	n := bignum.Mul(p, q)
	one := bignum.FromUint64(1)
	phi := bignum.Mul(bignum.Sub(p, one), bignum.Sub(q, one))
	e := bignum.FromUint64(65537)
	d, err := bignum.InvMod(e, phi)
	require.NoError(t, err)
	dp, err := bignum.Mod(d, bignum.Sub(p, one))
	require.NoError(t, err)
	dq, err := bignum.Mod(d, bignum.Sub(q, one))
	require.NoError(t, err)
	qInv, err := bignum.InvMod(q, p)
	require.NoError(t, err)
	return &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: e},
		D:         d, P: p, Q: q, DP: dp, DQ: dq, QInv: qInv,
	}
}

func rsaSPKI(pub *rsa.PublicKey) []byte {
	inner := asn1der.EncodeSequence(
		asn1der.EncodeInteger(pub.N.Bytes()),
		asn1der.EncodeInteger(pub.E.Bytes()),
	)
	algID := asn1der.EncodeSequence(asn1der.EncodeOID(oidRSAEncryption), asn1der.EncodeNull())
	return asn1der.EncodeSequence(algID, asn1der.EncodeBitString(inner))
}

func rdnName(cn string) []byte {
	atv := asn1der.EncodeSequence(
		asn1der.EncodeOID(x509cert.OIDCommonName),
		asn1der.EncodeTLV(asn1der.ClassUniversal, false, asn1der.TagPrintableString, []byte(cn)),
	)
	rdnSet := asn1der.EncodeTLV(asn1der.ClassUniversal, true, asn1der.TagSet, atv)
	return asn1der.EncodeSequence(rdnSet)
}

func utcTime(t time.Time) []byte {
	return asn1der.EncodeTLV(asn1der.ClassUniversal, false, asn1der.TagUTCTime, []byte(t.UTC().Format("060102150405Z")))
}

// buildTBS builds a minimal v3 TBSCertificate DER blob with BasicConstraints.
func buildTBS(serial byte, issuerCN, subjectCN string, ca bool, pub *rsa.PublicKey) []byte {
	versionInner := asn1der.EncodeInteger([]byte{0x02}) // v3
	version := asn1der.EncodeTLV(asn1der.ClassContextSpecific, true, 0, versionInner)

	notBefore := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	validity := asn1der.EncodeSequence(utcTime(notBefore), utcTime(notAfter))

	bcValue := asn1der.EncodeSequence(asn1der.EncodeTLV(asn1der.ClassUniversal, false, asn1der.TagBoolean, boolByte(ca)))
	bcExt := asn1der.EncodeSequence(
		asn1der.EncodeOID(asn1der.OID{0x55, 0x1d, 0x13}),
		asn1der.EncodeOctetString(bcValue),
	)
	extensions := asn1der.EncodeTLV(asn1der.ClassContextSpecific, true, 3, asn1der.EncodeSequence(bcExt))

	sigAlgID := asn1der.EncodeSequence(asn1der.EncodeOID(oidSHA256WithRSA), asn1der.EncodeNull())

	parts := [][]byte{
		version,
		asn1der.EncodeInteger([]byte{serial}),
		sigAlgID,
		rdnName(issuerCN),
		validity,
		rdnName(subjectCN),
		rsaSPKI(pub),
		extensions,
	}
	return asn1der.EncodeSequence(parts...)
}

func boolByte(b bool) []byte {
	if b {
		return []byte{0xff}
	}
	return []byte{0x00}
}

func signAndWrap(t *testing.T, tbs []byte, signer *rsa.PrivateKey) []byte {
	t.Helper()
	digest := hashset.Sum(hashset.SHA256, tbs)
	sig, err := rsa.SignPKCS1(signer, hashset.SHA256, digest)
	require.NoError(t, err)
	sigAlgID := asn1der.EncodeSequence(asn1der.EncodeOID(oidSHA256WithRSA), asn1der.EncodeNull())
	return asn1der.EncodeSequence(tbs, sigAlgID, asn1der.EncodeBitString(sig))
}

func TestCertificateChainHappyPathAndTamperDetection(t *testing.T) {
	rootKey := rsaTestKey(t)
	interKey := rsaTestKey(t)
	leafKey := rsaTestKey(t)

	rootTBS := buildTBS(1, "root", "root", true, &rootKey.PublicKey)
	rootDER := signAndWrap(t, rootTBS, rootKey)

	interTBS := buildTBS(2, "root", "inter", true, &interKey.PublicKey)
	interDER := signAndWrap(t, interTBS, rootKey)

	leafTBS := buildTBS(3, "inter", "leaf", false, &leafKey.PublicKey)
	leafDER := signAndWrap(t, leafTBS, interKey)

	root, err := x509cert.Parse(rootDER)
	require.NoError(t, err)
	inter, err := x509cert.Parse(interDER)
	require.NoError(t, err)
	leaf, err := x509cert.Parse(leafDER)
	require.NoError(t, err)

	require.NoError(t, x509cert.Validate(inter, root))
	require.NoError(t, x509cert.Validate(leaf, inter))

	// Tamper a byte of leaf's TBS -> re-parse or signature verification fails.
	tamperedLeafDER := append([]byte(nil), leafDER...)
	// Find a byte inside the TBS region (skip the outer header) and flip it.
	tamperedLeafDER[10] ^= 0xff
	tamperedLeaf, err := x509cert.Parse(tamperedLeafDER)
	if err == nil {
		err = x509cert.Validate(tamperedLeaf, inter)
	}
	assert.Error(t, err)
}

func TestValidateRejectsNonCAIssuer(t *testing.T) {
	rootKey := rsaTestKey(t)
	leafKey := rsaTestKey(t)

	rootTBS := buildTBS(1, "root", "root", false, &rootKey.PublicKey) // ca=false
	rootDER := signAndWrap(t, rootTBS, rootKey)
	leafTBS := buildTBS(2, "root", "leaf", false, &leafKey.PublicKey)
	leafDER := signAndWrap(t, leafTBS, rootKey)

	root, err := x509cert.Parse(rootDER)
	require.NoError(t, err)
	leaf, err := x509cert.Parse(leafDER)
	require.NoError(t, err)

	err = x509cert.Validate(leaf, root)
	assert.Error(t, err)
}

func TestValidateRejectsIssuerSubjectMismatch(t *testing.T) {
	rootKey := rsaTestKey(t)
	otherKey := rsaTestKey(t)
	leafKey := rsaTestKey(t)

	rootTBS := buildTBS(1, "root", "root", true, &rootKey.PublicKey)
	rootDER := signAndWrap(t, rootTBS, rootKey)
	// Leaf claims issuer "not-root", which won't match root's subject DN.
	leafTBS := buildTBS(2, "not-root", "leaf", false, &leafKey.PublicKey)
	leafDER := signAndWrap(t, leafTBS, rootKey)

	root, err := x509cert.Parse(rootDER)
	require.NoError(t, err)
	leaf, err := x509cert.Parse(leafDER)
	require.NoError(t, err)

	err = x509cert.Validate(leaf, root)
	assert.Error(t, err)
}

func TestCheckValidityWindow(t *testing.T) {
	rootKey := rsaTestKey(t)
	rootTBS := buildTBS(1, "root", "root", true, &rootKey.PublicKey)
	rootDER := signAndWrap(t, rootTBS, rootKey)
	root, err := x509cert.Parse(rootDER)
	require.NoError(t, err)

	assert.NoError(t, x509cert.CheckValidityWindow(root, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Error(t, x509cert.CheckValidityWindow(root, time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Error(t, x509cert.CheckValidityWindow(root, time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)))
}

