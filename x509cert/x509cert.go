// Package x509cert parses and validates X.509 v1/v2/v3 certificates per
// SPEC_FULL.md §4.6, mirroring original_source/cyclone_crypto/x509.c's walk
// order: outer SEQUENCE{ TBSCertificate, signatureAlgorithm, signatureValue },
// then inside TBS the optional version, serial, inner signature OID, issuer
// Name, validity, subject Name, SubjectPublicKeyInfo, and (version-gated)
// UniqueID/Extensions. Certificate fields reference sub-slices of the
// original DER buffer rather than copying, per the spec's no-copy invariant.
package x509cert

import (
	"fmt"
	"time"

	"github.com/embeddednet/tlsstack/asn1der"
	"github.com/embeddednet/tlsstack/bignum"
	"github.com/embeddednet/tlsstack/hashset"
	"github.com/embeddednet/tlsstack/pkey/dsa"
	"github.com/embeddednet/tlsstack/pkey/rsa"
	"github.com/embeddednet/tlsstack/stackerr"
)

// Name is a parsed RDNSequence: attribute OID -> raw value bytes, plus the
// untouched raw encoding used for byte-exact issuer/subject comparison.
type Name struct {
	Raw   []byte
	Attrs []Attribute
}

// Attribute is one AttributeTypeAndValue pair inside a Name's RDN set.
type Attribute struct {
	OID   asn1der.OID
	Value []byte
}

// Well-known Name attribute OIDs (X.520), recognized the way spec.md §4.6
// names them: CN, O, OU, C, L, ST.
var (
	OIDCommonName         = asn1der.OID{0x55, 0x04, 0x03}
	OIDOrganization       = asn1der.OID{0x55, 0x04, 0x0a}
	OIDOrganizationalUnit = asn1der.OID{0x55, 0x04, 0x0b}
	OIDCountry            = asn1der.OID{0x55, 0x04, 0x06}
	OIDLocality           = asn1der.OID{0x55, 0x04, 0x07}
	OIDState              = asn1der.OID{0x55, 0x04, 0x08}
)

// BasicConstraints carries the v3 extension's CA flag and optional path
// length constraint.
type BasicConstraints struct {
	Present           bool
	CA                bool
	PathLenConstraint int
}

// PublicKeyAlgo tags which key type SubjectPublicKeyInfo carries.
type PublicKeyAlgo int

const (
	PublicKeyUnknown PublicKeyAlgo = iota
	PublicKeyRSA
	PublicKeyDSA
)

// SignatureAlgo tags a recognized {hash, key algorithm} signature OID.
type SignatureAlgo int

const (
	SigUnknown SignatureAlgo = iota
	SigMD5WithRSA
	SigSHA1WithRSA
	SigSHA224WithRSA
	SigSHA256WithRSA
	SigSHA384WithRSA
	SigSHA512WithRSA
	SigDSAWithSHA1
	SigDSAWithSHA224
	SigDSAWithSHA256
)

type sigAlgoInfo struct {
	algo SignatureAlgo
	hash hashset.Algorithm
	key  PublicKeyAlgo
}

var sigAlgoByOID = map[string]sigAlgoInfo{
	oidKey(asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x04}): {SigMD5WithRSA, hashset.MD5, PublicKeyRSA},
	oidKey(asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x05}): {SigSHA1WithRSA, hashset.SHA1, PublicKeyRSA},
	oidKey(asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x0e}): {SigSHA224WithRSA, hashset.SHA224, PublicKeyRSA},
	oidKey(asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x0b}): {SigSHA256WithRSA, hashset.SHA256, PublicKeyRSA},
	oidKey(asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x0c}): {SigSHA384WithRSA, hashset.SHA384, PublicKeyRSA},
	oidKey(asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x0d}): {SigSHA512WithRSA, hashset.SHA512, PublicKeyRSA},
	oidKey(asn1der.OID{0x2a, 0x86, 0x48, 0xce, 0x38, 0x04, 0x03}):             {SigDSAWithSHA1, hashset.SHA1, PublicKeyDSA},
	oidKey(asn1der.OID{0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x03, 0x01}): {SigDSAWithSHA224, hashset.SHA224, PublicKeyDSA},
	oidKey(asn1der.OID{0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x03, 0x02}): {SigDSAWithSHA256, hashset.SHA256, PublicKeyDSA},
}

var oidRSAEncryption = asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01}
var oidDSA = asn1der.OID{0x2a, 0x86, 0x48, 0xce, 0x38, 0x04, 0x01}
var oidBasicConstraints = asn1der.OID{0x55, 0x1d, 0x13}

func oidKey(o asn1der.OID) string { return string(o) }

// Certificate is a parsed X.509 certificate, referencing sub-slices of the
// DER input it was built from.
type Certificate struct {
	Raw               []byte
	TBSRaw            []byte // the exact TBSCertificate bytes, for signature verification
	Version           int    // 1, 2 or 3
	Serial            []byte
	InnerSignatureOID asn1der.OID
	Issuer            Name
	NotBefore         time.Time
	NotAfter          time.Time
	Subject           Name
	PublicKeyAlgo     PublicKeyAlgo
	RSAPublicKey      *rsa.PublicKey
	DSAPublicKey      *dsa.PublicKey
	BasicConstraints  BasicConstraints
	OuterSignatureOID asn1der.OID
	SignatureValue    []byte
}

// Parse decodes a DER-encoded certificate per spec.md §4.6's field list.
func Parse(der []byte) (*Certificate, error) {
	outer, err := asn1der.ReadElement(der)
	if err != nil {
		return nil, err
	}
	if err := asn1der.ExpectTag(outer, asn1der.ClassUniversal, asn1der.TagSequence, true); err != nil {
		return nil, err
	}
	rest := outer.Value

	tbsElem, err := asn1der.ReadElement(rest)
	if err != nil {
		return nil, err
	}
	if err := asn1der.ExpectTag(tbsElem, asn1der.ClassUniversal, asn1der.TagSequence, true); err != nil {
		return nil, err
	}
	tbsRaw := rest[:tbsElem.TotalLength]
	rest = rest[tbsElem.TotalLength:]

	sigAlgElem, err := asn1der.ReadElement(rest)
	if err != nil {
		return nil, err
	}
	outerOID, err := readAlgorithmIdentifierOID(sigAlgElem.Value)
	if err != nil {
		return nil, err
	}
	rest = rest[sigAlgElem.TotalLength:]

	sigValElem, err := asn1der.ReadElement(rest)
	if err != nil {
		return nil, err
	}
	if err := asn1der.ExpectTag(sigValElem, asn1der.ClassUniversal, asn1der.TagBitString, false); err != nil {
		return nil, err
	}
	if len(sigValElem.Value) < 1 {
		return nil, stackerr.New(stackerr.DecodingFailed, "x509cert.Parse", fmt.Errorf("empty BIT STRING"))
	}
	sigValue := sigValElem.Value[1:] // drop the unused-bits count byte

	cert, err := parseTBS(tbsElem.Value)
	if err != nil {
		return nil, err
	}
	cert.Raw = der
	cert.TBSRaw = tbsRaw
	cert.OuterSignatureOID = outerOID
	cert.SignatureValue = sigValue

	if !cert.InnerSignatureOID.Equal(cert.OuterSignatureOID) {
		return nil, stackerr.New(stackerr.BadCertificate, "x509cert.Parse", fmt.Errorf("outer/inner signature OID mismatch"))
	}
	return cert, nil
}

func readAlgorithmIdentifierOID(buf []byte) (asn1der.OID, error) {
	elem, err := asn1der.ReadElement(buf)
	if err != nil {
		return nil, err
	}
	if err := asn1der.ExpectTag(elem, asn1der.ClassUniversal, asn1der.TagOID, false); err != nil {
		return nil, err
	}
	return asn1der.OID(elem.Value), nil
}

func parseTBS(buf []byte) (*Certificate, error) {
	cert := &Certificate{Version: 1}
	rest := buf

	// Optional explicit [0] version.
	if len(rest) > 0 && rest[0] == 0xa0 {
		elem, err := asn1der.ReadElement(rest)
		if err != nil {
			return nil, err
		}
		inner, err := asn1der.ReadElement(elem.Value)
		if err != nil {
			return nil, err
		}
		if err := asn1der.ExpectTag(inner, asn1der.ClassUniversal, asn1der.TagInteger, false); err != nil {
			return nil, err
		}
		if len(inner.Value) == 1 {
			cert.Version = int(inner.Value[0]) + 1
		}
		rest = rest[elem.TotalLength:]
	}

	serialElem, err := asn1der.ReadElement(rest)
	if err != nil {
		return nil, err
	}
	if err := asn1der.ExpectTag(serialElem, asn1der.ClassUniversal, asn1der.TagInteger, false); err != nil {
		return nil, err
	}
	cert.Serial = serialElem.Value
	rest = rest[serialElem.TotalLength:]

	innerOID, err := readAlgorithmIdentifierOID(rest)
	if err != nil {
		return nil, err
	}
	cert.InnerSignatureOID = innerOID
	innerElem, err := asn1der.ReadElement(rest)
	if err != nil {
		return nil, err
	}
	rest = rest[innerElem.TotalLength:]

	issuer, consumed, err := parseName(rest)
	if err != nil {
		return nil, err
	}
	cert.Issuer = issuer
	rest = rest[consumed:]

	notBefore, notAfter, consumed, err := parseValidity(rest)
	if err != nil {
		return nil, err
	}
	cert.NotBefore, cert.NotAfter = notBefore, notAfter
	rest = rest[consumed:]

	subject, consumed, err := parseName(rest)
	if err != nil {
		return nil, err
	}
	cert.Subject = subject
	rest = rest[consumed:]

	spkiElem, err := asn1der.ReadElement(rest)
	if err != nil {
		return nil, err
	}
	if err := parseSubjectPublicKeyInfo(spkiElem.Value, cert); err != nil {
		return nil, err
	}
	rest = rest[spkiElem.TotalLength:]

	// Remaining optional fields: issuerUniqueID [1], subjectUniqueID [2]
	// (v2+ only), extensions [3] (v3 only). We only need BasicConstraints
	// out of extensions; walk past anything else.
	for len(rest) > 0 {
		elem, err := asn1der.ReadElement(rest)
		if err != nil {
			return nil, err
		}
		switch {
		case elem.Class == asn1der.ClassContextSpecific && elem.Tag == 1:
			if cert.Version < 2 {
				return nil, stackerr.New(stackerr.BadCertificate, "x509cert.parseTBS", fmt.Errorf("issuerUniqueID requires v2+"))
			}
		case elem.Class == asn1der.ClassContextSpecific && elem.Tag == 2:
			if cert.Version < 2 {
				return nil, stackerr.New(stackerr.BadCertificate, "x509cert.parseTBS", fmt.Errorf("subjectUniqueID requires v2+"))
			}
		case elem.Class == asn1der.ClassContextSpecific && elem.Tag == 3:
			if cert.Version < 3 {
				return nil, stackerr.New(stackerr.BadCertificate, "x509cert.parseTBS", fmt.Errorf("extensions require v3"))
			}
			if err := parseExtensions(elem.Value, cert); err != nil {
				return nil, err
			}
		}
		rest = rest[elem.TotalLength:]
	}

	return cert, nil
}

func parseName(buf []byte) (Name, int, error) {
	elem, err := asn1der.ReadElement(buf)
	if err != nil {
		return Name{}, 0, err
	}
	if err := asn1der.ExpectTag(elem, asn1der.ClassUniversal, asn1der.TagSequence, true); err != nil {
		return Name{}, 0, err
	}
	name := Name{Raw: buf[:elem.TotalLength]}

	rdns := elem.Value
	for len(rdns) > 0 {
		rdnSet, err := asn1der.ReadElement(rdns)
		if err != nil {
			return Name{}, 0, err
		}
		if err := asn1der.ExpectTag(rdnSet, asn1der.ClassUniversal, asn1der.TagSet, true); err != nil {
			return Name{}, 0, err
		}
		atvBuf := rdnSet.Value
		for len(atvBuf) > 0 {
			atv, err := asn1der.ReadElement(atvBuf)
			if err != nil {
				return Name{}, 0, err
			}
			oidElem, err := asn1der.ReadElement(atv.Value)
			if err != nil {
				return Name{}, 0, err
			}
			valElem, err := asn1der.ReadElement(atv.Value[oidElem.TotalLength:])
			if err != nil {
				return Name{}, 0, err
			}
			name.Attrs = append(name.Attrs, Attribute{
				OID:   asn1der.OID(oidElem.Value),
				Value: valElem.Value,
			})
			atvBuf = atvBuf[atv.TotalLength:]
		}
		rdns = rdns[rdnSet.TotalLength:]
	}
	return name, elem.TotalLength, nil
}

func parseValidity(buf []byte) (notBefore, notAfter time.Time, consumed int, err error) {
	elem, err := asn1der.ReadElement(buf)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	if err := asn1der.ExpectTag(elem, asn1der.ClassUniversal, asn1der.TagSequence, true); err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	rest := elem.Value
	nb, tot, err := parseTime(rest)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	rest = rest[tot:]
	na, _, err := parseTime(rest)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	return nb, na, elem.TotalLength, nil
}

func parseTime(buf []byte) (time.Time, int, error) {
	elem, err := asn1der.ReadElement(buf)
	if err != nil {
		return time.Time{}, 0, err
	}
	switch elem.Tag {
	case asn1der.TagUTCTime:
		t, err := time.Parse("060102150405Z", string(elem.Value))
		if err != nil {
			return time.Time{}, 0, stackerr.New(stackerr.DecodingFailed, "x509cert.parseTime", err)
		}
		// UTCTime years 00-49 are 20xx, 50-99 are 19xx (X.509 convention).
		if t.Year() < 1950 {
			t = t.AddDate(100, 0, 0)
		}
		return t, elem.TotalLength, nil
	case asn1der.TagGeneralizedTime:
		t, err := time.Parse("20060102150405Z", string(elem.Value))
		if err != nil {
			return time.Time{}, 0, stackerr.New(stackerr.DecodingFailed, "x509cert.parseTime", err)
		}
		return t, elem.TotalLength, nil
	default:
		return time.Time{}, 0, stackerr.New(stackerr.InvalidTag, "x509cert.parseTime", fmt.Errorf("unexpected time tag %d", elem.Tag))
	}
}

func parseSubjectPublicKeyInfo(buf []byte, cert *Certificate) error {
	algElem, err := asn1der.ReadElement(buf)
	if err != nil {
		return err
	}
	oidElem, err := asn1der.ReadElement(algElem.Value)
	if err != nil {
		return err
	}
	oid := asn1der.OID(oidElem.Value)
	rest := buf[algElem.TotalLength:]

	bitStr, err := asn1der.ReadElement(rest)
	if err != nil {
		return err
	}
	if err := asn1der.ExpectTag(bitStr, asn1der.ClassUniversal, asn1der.TagBitString, false); err != nil {
		return err
	}
	if len(bitStr.Value) < 1 {
		return stackerr.New(stackerr.DecodingFailed, "x509cert.parseSubjectPublicKeyInfo", fmt.Errorf("empty BIT STRING"))
	}
	keyBits := bitStr.Value[1:]

	switch {
	case oid.Equal(oidRSAEncryption):
		cert.PublicKeyAlgo = PublicKeyRSA
		pub, err := parseRSAPublicKey(keyBits)
		if err != nil {
			return err
		}
		cert.RSAPublicKey = pub
	case oid.Equal(oidDSA):
		cert.PublicKeyAlgo = PublicKeyDSA
		pub, err := parseDSAPublicKey(keyBits, algElem.Value[oidElem.TotalLength:])
		if err != nil {
			return err
		}
		cert.DSAPublicKey = pub
	default:
		cert.PublicKeyAlgo = PublicKeyUnknown
	}
	return nil
}

func parseRSAPublicKey(buf []byte) (*rsa.PublicKey, error) {
	seq, err := asn1der.ReadElement(buf)
	if err != nil {
		return nil, err
	}
	if err := asn1der.ExpectTag(seq, asn1der.ClassUniversal, asn1der.TagSequence, true); err != nil {
		return nil, err
	}
	nElem, err := asn1der.ReadElement(seq.Value)
	if err != nil {
		return nil, err
	}
	eElem, err := asn1der.ReadElement(seq.Value[nElem.TotalLength:])
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: bignum.FromBytesBigEndian(nElem.Value),
		E: bignum.FromBytesBigEndian(eElem.Value),
	}, nil
}

func parseDSAPublicKey(yBuf []byte, paramsBuf []byte) (*dsa.PublicKey, error) {
	yElem, err := asn1der.ReadElement(yBuf)
	if err != nil {
		return nil, err
	}
	paramsElem, err := asn1der.ReadElement(paramsBuf)
	if err != nil {
		return nil, err
	}
	if err := asn1der.ExpectTag(paramsElem, asn1der.ClassUniversal, asn1der.TagSequence, true); err != nil {
		return nil, err
	}
	pElem, err := asn1der.ReadElement(paramsElem.Value)
	if err != nil {
		return nil, err
	}
	rest := paramsElem.Value[pElem.TotalLength:]
	qElem, err := asn1der.ReadElement(rest)
	if err != nil {
		return nil, err
	}
	rest = rest[qElem.TotalLength:]
	gElem, err := asn1der.ReadElement(rest)
	if err != nil {
		return nil, err
	}
	return &dsa.PublicKey{
		Params: dsa.Params{
			P: bignum.FromBytesBigEndian(pElem.Value),
			Q: bignum.FromBytesBigEndian(qElem.Value),
			G: bignum.FromBytesBigEndian(gElem.Value),
		},
		Y: bignum.FromBytesBigEndian(yElem.Value),
	}, nil
}

func parseExtensions(buf []byte, cert *Certificate) error {
	seq, err := asn1der.ReadElement(buf)
	if err != nil {
		return err
	}
	if err := asn1der.ExpectTag(seq, asn1der.ClassUniversal, asn1der.TagSequence, true); err != nil {
		return err
	}
	rest := seq.Value
	for len(rest) > 0 {
		ext, err := asn1der.ReadElement(rest)
		if err != nil {
			return err
		}
		if err := asn1der.ExpectTag(ext, asn1der.ClassUniversal, asn1der.TagSequence, true); err != nil {
			return err
		}
		extBuf := ext.Value
		oidElem, err := asn1der.ReadElement(extBuf)
		if err != nil {
			return err
		}
		extBuf = extBuf[oidElem.TotalLength:]
		// optional critical BOOLEAN
		nextElem, err := asn1der.ReadElement(extBuf)
		if err != nil {
			return err
		}
		if nextElem.Tag == asn1der.TagBoolean {
			extBuf = extBuf[nextElem.TotalLength:]
			nextElem, err = asn1der.ReadElement(extBuf)
			if err != nil {
				return err
			}
		}
		// nextElem is the extnValue OCTET STRING
		if asn1der.OID(oidElem.Value).Equal(oidBasicConstraints) {
			if err := parseBasicConstraints(nextElem.Value, cert); err != nil {
				return err
			}
		}
		rest = rest[ext.TotalLength:]
	}
	return nil
}

func parseBasicConstraints(octetStringValue []byte, cert *Certificate) error {
	seq, err := asn1der.ReadElement(octetStringValue)
	if err != nil {
		return err
	}
	if err := asn1der.ExpectTag(seq, asn1der.ClassUniversal, asn1der.TagSequence, true); err != nil {
		return err
	}
	cert.BasicConstraints.Present = true
	rest := seq.Value
	if len(rest) > 0 {
		elem, err := asn1der.ReadElement(rest)
		if err != nil {
			return err
		}
		if elem.Tag == asn1der.TagBoolean {
			cert.BasicConstraints.CA = len(elem.Value) == 1 && elem.Value[0] != 0x00
			rest = rest[elem.TotalLength:]
		}
	}
	if len(rest) > 0 {
		elem, err := asn1der.ReadElement(rest)
		if err != nil {
			return err
		}
		if elem.Tag == asn1der.TagInteger {
			n := 0
			for _, b := range elem.Value {
				n = n<<8 | int(b)
			}
			cert.BasicConstraints.PathLenConstraint = n
		}
	}
	return nil
}

// Validate checks cert against its immediate issuer per spec.md §4.6's
// five-step procedure: byte-exact issuer/subject DN match, issuer CA flag
// (if v3), signature-OID-selected hash, TBS-byte hashing, and signature
// verification with the issuer's public key.
func Validate(cert, issuerCert *Certificate) error {
	if !bytesEqual(cert.Issuer.Raw, issuerCert.Subject.Raw) {
		return stackerr.New(stackerr.BadCertificate, "x509cert.Validate", fmt.Errorf("issuer DN does not match issuer certificate subject DN"))
	}
	if issuerCert.Version == 3 {
		if !issuerCert.BasicConstraints.Present || !issuerCert.BasicConstraints.CA {
			return stackerr.New(stackerr.BadCertificate, "x509cert.Validate", fmt.Errorf("issuer is not a CA"))
		}
	}

	info, ok := sigAlgoByOID[oidKey(cert.InnerSignatureOID)]
	if !ok {
		return stackerr.New(stackerr.UnsupportedSignatureAlgo, "x509cert.Validate", fmt.Errorf("unrecognized signature OID"))
	}

	digest := hashset.Sum(info.hash, cert.TBSRaw)

	switch info.key {
	case PublicKeyRSA:
		if issuerCert.RSAPublicKey == nil {
			return stackerr.New(stackerr.InvalidKey, "x509cert.Validate", fmt.Errorf("issuer has no RSA public key"))
		}
		if err := rsa.VerifyPKCS1(issuerCert.RSAPublicKey, info.hash, digest, cert.SignatureValue); err != nil {
			return err
		}
	case PublicKeyDSA:
		if issuerCert.DSAPublicKey == nil {
			return stackerr.New(stackerr.InvalidKey, "x509cert.Validate", fmt.Errorf("issuer has no DSA public key"))
		}
		sig, err := dsa.DecodeSignature(cert.SignatureValue)
		if err != nil {
			return err
		}
		if err := dsa.Verify(issuerCert.DSAPublicKey, digest, sig); err != nil {
			return err
		}
	default:
		return stackerr.New(stackerr.UnsupportedSignatureAlgo, "x509cert.Validate", fmt.Errorf("unsupported key algorithm"))
	}
	return nil
}

// CheckValidityWindow reports CertificateExpired if now falls outside
// [NotBefore, NotAfter].
func CheckValidityWindow(cert *Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return stackerr.New(stackerr.CertificateExpired, "x509cert.CheckValidityWindow", fmt.Errorf("certificate not valid at %s", now))
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
