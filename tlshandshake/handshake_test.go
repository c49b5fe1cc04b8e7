package tlshandshake_test

import (
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddednet/tlsstack/asn1der"
	"github.com/embeddednet/tlsstack/bignum"
	"github.com/embeddednet/tlsstack/hashset"
	"github.com/embeddednet/tlsstack/pkey/rsa"
	"github.com/embeddednet/tlsstack/prng"
	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/tlshandshake"
	"github.com/embeddednet/tlsstack/tlsrecord"
	"github.com/embeddednet/tlsstack/x509cert"
)

// --- RSA key and self-signed certificate fixtures ---
//
// The handshake's RSA paths (RSA key exchange, RSA ServerKeyExchange/
// CertificateVerify signatures) all need a modulus wide enough to hold a
// PKCS#1-padded 48-byte premaster secret and a SHA-256 DigestInfo (both
// need at least 59-62 bytes of modulus). testRSAKey multiplies two
// well-known, independently documented 256-bit primes (the Curve25519
// field prime and the secp256k1 field prime) to get a comfortable 64-byte
// modulus, following the same compute-d-at-test-time pattern as
// pkey/rsa's own fixture.

func hexBignum(t *testing.T, s string) *bignum.Int {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return bignum.FromBytesBigEndian(b)
}

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	p := hexBignum(t, "7FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFED")
	q := hexBignum(t, "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEFFFFFC2F")
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

var (
	oidSHA256WithRSA = asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x0b}
	oidRSAEncryption = asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01}
)

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

func utcTime(tm time.Time) []byte {
	return asn1der.EncodeTLV(asn1der.ClassUniversal, false, asn1der.TagUTCTime, []byte(tm.UTC().Format("060102150405Z")))
}

func boolByte(b bool) []byte {
	if b {
		return []byte{0xff}
	}
	return []byte{0x00}
}

// selfSignedRSACert builds a minimal v3 self-signed CA certificate (issuer
// == subject == cn) for pub/priv, valid 2020-2030, the way a handshake
// test's sole trust anchor and server identity can be one and the same
// certificate.
func selfSignedRSACert(t *testing.T, priv *rsa.PrivateKey, cn string) []byte {
	t.Helper()
	versionInner := asn1der.EncodeInteger([]byte{0x02})
	version := asn1der.EncodeTLV(asn1der.ClassContextSpecific, true, 0, versionInner)

	notBefore := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	validity := asn1der.EncodeSequence(utcTime(notBefore), utcTime(notAfter))

	bcValue := asn1der.EncodeSequence(asn1der.EncodeTLV(asn1der.ClassUniversal, false, asn1der.TagBoolean, boolByte(true)))
	bcExt := asn1der.EncodeSequence(
		asn1der.EncodeOID(asn1der.OID{0x55, 0x1d, 0x13}),
		asn1der.EncodeOctetString(bcValue),
	)
	extensions := asn1der.EncodeTLV(asn1der.ClassContextSpecific, true, 3, asn1der.EncodeSequence(bcExt))

	sigAlgID := asn1der.EncodeSequence(asn1der.EncodeOID(oidSHA256WithRSA), asn1der.EncodeNull())

	tbs := asn1der.EncodeSequence(
		version,
		asn1der.EncodeInteger([]byte{0x01}),
		sigAlgID,
		rdnName(cn),
		validity,
		rdnName(cn),
		rsaSPKI(&priv.PublicKey),
		extensions,
	)

	digest := hashset.Sum(hashset.SHA256, tbs)
	sig, err := rsa.SignPKCS1(priv, hashset.SHA256, digest)
	require.NoError(t, err)
	return asn1der.EncodeSequence(tbs, sigAlgID, asn1der.EncodeBitString(sig))
}

// --- handshake driver ---

// runHandshake drives fn on an end of a net.Pipe concurrently, returning
// its error over a buffered channel so the caller can select with a
// timeout instead of risking a hang if the handshake deadlocks.
func runHandshake(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	return done
}

func waitHandshake(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("handshake timed out")
		return nil
	}
}

func newContext(role tlshandshake.Role) *tlshandshake.Context {
	cfg := stackcfg.Empty()
	rng, err := prng.Seeded([]byte("tlshandshake-test-seed"))
	if err != nil {
		panic(err)
	}
	return tlshandshake.NewContext(role, cfg, rng)
}

func mustSuite(t *testing.T, id uint16) tlshandshake.CipherSuite {
	t.Helper()
	s, ok := tlshandshake.LookupSuite(id)
	require.True(t, ok)
	return s
}

const (
	suiteDHAnonAES128CBC = 0x0034
	suiteRSAAES128CBC    = 0x002F
	suiteDHERSAAES128CBC = 0x0033
)

func TestHandshakeDHAnonRoundTrip(t *testing.T) {
	clientConnRaw, serverConnRaw := net.Pipe()
	defer clientConnRaw.Close()
	defer serverConnRaw.Close()

	clientConn := tlsrecord.NewConn(clientConnRaw, tlsrecord.DefaultConfigVersion(stackcfg.TLS12))
	serverConn := tlsrecord.NewConn(serverConnRaw, tlsrecord.DefaultConfigVersion(stackcfg.TLS12))

	clientCtx := newContext(tlshandshake.RoleClient)
	serverCtx := newContext(tlshandshake.RoleServer)

	serverOpts := tlshandshake.ServerOptions{
		Suites: []tlshandshake.CipherSuite{mustSuite(t, suiteDHAnonAES128CBC)},
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	clientDone := runHandshake(func() error {
		return tlshandshake.ClientHandshake(clientConn, clientCtx, nil, now)
	})
	serverDone := runHandshake(func() error {
		return tlshandshake.ServerHandshake(serverConn, serverCtx, serverOpts, now)
	})

	require.NoError(t, waitHandshake(t, serverDone))
	require.NoError(t, waitHandshake(t, clientDone))

	// Exchange application data in both directions once the handshake
	// completes, proving the negotiated cipher specs actually work.
	appDone := runHandshake(func() error {
		return clientConn.WriteRecord(tlsrecord.ContentApplicationData, []byte("ping"))
	})
	require.NoError(t, waitHandshake(t, appDone))
	typ, payload, err := serverConn.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, tlsrecord.ContentApplicationData, typ)
	assert.Equal(t, []byte("ping"), payload)

	replyDone := runHandshake(func() error {
		return serverConn.WriteRecord(tlsrecord.ContentApplicationData, []byte("pong"))
	})
	require.NoError(t, waitHandshake(t, replyDone))
	typ, payload, err = clientConn.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, tlsrecord.ContentApplicationData, typ)
	assert.Equal(t, []byte("pong"), payload)
}

func TestHandshakeRSASuite(t *testing.T) {
	serverKey := testRSAKey(t)
	certDER := selfSignedRSACert(t, serverKey, "tls-test-server")
	root, err := x509cert.Parse(certDER)
	require.NoError(t, err)

	clientConnRaw, serverConnRaw := net.Pipe()
	defer clientConnRaw.Close()
	defer serverConnRaw.Close()

	clientConn := tlsrecord.NewConn(clientConnRaw, tlsrecord.DefaultConfigVersion(stackcfg.TLS12))
	serverConn := tlsrecord.NewConn(serverConnRaw, tlsrecord.DefaultConfigVersion(stackcfg.TLS12))

	clientCtx := newContext(tlshandshake.RoleClient)
	clientCtx.TrustedRoots = []*x509cert.Certificate{root}
	serverCtx := newContext(tlshandshake.RoleServer)
	serverCtx.Identity = &tlshandshake.Identity{
		Chain:      [][]byte{certDER},
		RSAPrivate: serverKey,
	}

	serverOpts := tlshandshake.ServerOptions{
		Suites: []tlshandshake.CipherSuite{mustSuite(t, suiteRSAAES128CBC)},
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	clientDone := runHandshake(func() error {
		return tlshandshake.ClientHandshake(clientConn, clientCtx, nil, now)
	})
	serverDone := runHandshake(func() error {
		return tlshandshake.ServerHandshake(serverConn, serverCtx, serverOpts, now)
	})

	require.NoError(t, waitHandshake(t, serverDone))
	require.NoError(t, waitHandshake(t, clientDone))

	require.Len(t, clientCtx.PeerCertificates, 1)
	assert.Equal(t, certDER, clientCtx.PeerCertificates[0].Raw)
}

func TestHandshakeDHE_RSASuite(t *testing.T) {
	serverKey := testRSAKey(t)
	certDER := selfSignedRSACert(t, serverKey, "tls-test-dhe-server")
	root, err := x509cert.Parse(certDER)
	require.NoError(t, err)

	clientConnRaw, serverConnRaw := net.Pipe()
	defer clientConnRaw.Close()
	defer serverConnRaw.Close()

	clientConn := tlsrecord.NewConn(clientConnRaw, tlsrecord.DefaultConfigVersion(stackcfg.TLS12))
	serverConn := tlsrecord.NewConn(serverConnRaw, tlsrecord.DefaultConfigVersion(stackcfg.TLS12))

	clientCtx := newContext(tlshandshake.RoleClient)
	clientCtx.TrustedRoots = []*x509cert.Certificate{root}
	serverCtx := newContext(tlshandshake.RoleServer)
	serverCtx.Identity = &tlshandshake.Identity{
		Chain:      [][]byte{certDER},
		RSAPrivate: serverKey,
	}

	serverOpts := tlshandshake.ServerOptions{
		Suites: []tlshandshake.CipherSuite{mustSuite(t, suiteDHERSAAES128CBC)},
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	clientDone := runHandshake(func() error {
		return tlshandshake.ClientHandshake(clientConn, clientCtx, nil, now)
	})
	serverDone := runHandshake(func() error {
		return tlshandshake.ServerHandshake(serverConn, serverCtx, serverOpts, now)
	})

	require.NoError(t, waitHandshake(t, serverDone))
	require.NoError(t, waitHandshake(t, clientDone))

	require.Len(t, clientCtx.PeerCertificates, 1)
	assert.Equal(t, certDER, clientCtx.PeerCertificates[0].Raw)
}

func TestSessionResumption(t *testing.T) {
	serverKey := testRSAKey(t)
	certDER := selfSignedRSACert(t, serverKey, "tls-test-resume-server")
	root, err := x509cert.Parse(certDER)
	require.NoError(t, err)

	clientCache := tlshandshake.NewSessionCache(time.Hour)
	serverCache := tlshandshake.NewSessionCache(time.Hour)

	serverOpts := tlshandshake.ServerOptions{
		Suites: []tlshandshake.CipherSuite{mustSuite(t, suiteRSAAES128CBC)},
		Cache:  serverCache,
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	runOnce := func() *tlshandshake.Context {
		clientConnRaw, serverConnRaw := net.Pipe()
		defer clientConnRaw.Close()
		defer serverConnRaw.Close()

		clientConn := tlsrecord.NewConn(clientConnRaw, tlsrecord.DefaultConfigVersion(stackcfg.TLS12))
		serverConn := tlsrecord.NewConn(serverConnRaw, tlsrecord.DefaultConfigVersion(stackcfg.TLS12))

		clientCtx := newContext(tlshandshake.RoleClient)
		clientCtx.TrustedRoots = []*x509cert.Certificate{root}
		clientCtx.ServerName = "tls-test-resume-server"
		serverCtx := newContext(tlshandshake.RoleServer)
		serverCtx.Identity = &tlshandshake.Identity{
			Chain:      [][]byte{certDER},
			RSAPrivate: serverKey,
		}

		clientDone := runHandshake(func() error {
			return tlshandshake.ClientHandshake(clientConn, clientCtx, clientCache, now)
		})
		serverDone := runHandshake(func() error {
			return tlshandshake.ServerHandshake(serverConn, serverCtx, serverOpts, now)
		})

		require.NoError(t, waitHandshake(t, serverDone))
		require.NoError(t, waitHandshake(t, clientDone))
		return clientCtx
	}

	first := runOnce()
	assert.False(t, first.Resumed)

	second := runOnce()
	assert.True(t, second.Resumed)
	assert.Equal(t, first.MasterSecret, second.MasterSecret)
}

func TestMutualAuthentication(t *testing.T) {
	serverKey := testRSAKey(t)
	serverCertDER := selfSignedRSACert(t, serverKey, "tls-test-mutual-server")
	serverRoot, err := x509cert.Parse(serverCertDER)
	require.NoError(t, err)

	clientKey := testRSAKey(t)
	clientCertDER := selfSignedRSACert(t, clientKey, "tls-test-mutual-client")
	clientRoot, err := x509cert.Parse(clientCertDER)
	require.NoError(t, err)

	clientConnRaw, serverConnRaw := net.Pipe()
	defer clientConnRaw.Close()
	defer serverConnRaw.Close()

	clientConn := tlsrecord.NewConn(clientConnRaw, tlsrecord.DefaultConfigVersion(stackcfg.TLS12))
	serverConn := tlsrecord.NewConn(serverConnRaw, tlsrecord.DefaultConfigVersion(stackcfg.TLS12))

	clientCtx := newContext(tlshandshake.RoleClient)
	clientCtx.TrustedRoots = []*x509cert.Certificate{serverRoot}
	clientCtx.Identity = &tlshandshake.Identity{
		Chain:      [][]byte{clientCertDER},
		RSAPrivate: clientKey,
	}
	serverCtx := newContext(tlshandshake.RoleServer)
	serverCtx.TrustedRoots = []*x509cert.Certificate{clientRoot}
	serverCtx.Identity = &tlshandshake.Identity{
		Chain:      [][]byte{serverCertDER},
		RSAPrivate: serverKey,
	}

	serverOpts := tlshandshake.ServerOptions{
		Suites:            []tlshandshake.CipherSuite{mustSuite(t, suiteRSAAES128CBC)},
		RequestClientCert: true,
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	clientDone := runHandshake(func() error {
		return tlshandshake.ClientHandshake(clientConn, clientCtx, nil, now)
	})
	serverDone := runHandshake(func() error {
		return tlshandshake.ServerHandshake(serverConn, serverCtx, serverOpts, now)
	})

	require.NoError(t, waitHandshake(t, serverDone))
	require.NoError(t, waitHandshake(t, clientDone))

	require.Len(t, serverCtx.PeerCertificates, 1)
	assert.Equal(t, clientCertDER, serverCtx.PeerCertificates[0].Raw)
}

func TestServerHandshakeRejectsSuiteMismatch(t *testing.T) {
	clientConnRaw, serverConnRaw := net.Pipe()

	clientConn := tlsrecord.NewConn(clientConnRaw, tlsrecord.DefaultConfigVersion(stackcfg.TLS12))
	serverConn := tlsrecord.NewConn(serverConnRaw, tlsrecord.DefaultConfigVersion(stackcfg.TLS12))

	clientCtx := newContext(tlshandshake.RoleClient)
	serverCtx := newContext(tlshandshake.RoleServer)

	serverOpts := tlshandshake.ServerOptions{
		Suites: []tlshandshake.CipherSuite{}, // no suites offered, negotiation must fail
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	serverDone := runHandshake(func() error {
		defer serverConnRaw.Close()
		return tlshandshake.ServerHandshake(serverConn, serverCtx, serverOpts, now)
	})
	clientDone := runHandshake(func() error {
		defer clientConnRaw.Close()
		return tlshandshake.ClientHandshake(clientConn, clientCtx, nil, now)
	})

	assert.Error(t, waitHandshake(t, serverDone))
	assert.Error(t, waitHandshake(t, clientDone))
}

func TestDecodeFinishedMsgRejectsWrongLength(t *testing.T) {
	_, err := tlshandshake.DecodeFinishedMsg([]byte{0x01, 0x02, 0x03}, 12)
	assert.Error(t, err)
}
