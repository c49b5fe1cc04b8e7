package tlshandshake

import (
	"time"

	"github.com/embeddednet/tlsstack/bignum"
	"github.com/embeddednet/tlsstack/hashset"
	"github.com/embeddednet/tlsstack/pkey/dh"
	"github.com/embeddednet/tlsstack/pkey/dsa"
	"github.com/embeddednet/tlsstack/pkey/rsa"
	"github.com/embeddednet/tlsstack/prng"
	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/stacklog"
	"github.com/embeddednet/tlsstack/x509cert"
)

// Role names which side of the handshake a Context drives.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Identity bundles the certificate chain and matching private key a
// server (or, for mutual auth, a client) presents, per spec.md §3's
// "local certificate list with private keys."
type Identity struct {
	Chain      [][]byte // DER, leaf first
	RSAPrivate *rsa.PrivateKey
	DSAPrivate *dsa.PrivateKey
}

// dhGroup is the fixed (p, g) Diffie-Hellman group this stack offers for
// DHE_RSA/DHE_DSS/DH_anon suites: RFC 3526's 2048-bit MODP group 14,
// a well-known named group rather than one generated per handshake
// (spec.md §4.5 treats DH parameters as a fixed group the server picks).
var dhGroup = dh.Params{
	P: bignum.FromBytesBigEndian(mustHex(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD" +
			"129024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
			"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E" +
			"485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE" +
			"386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF")),
	G: bignum.FromUint64(2),
}

func mustHex(s string) []byte {
	b := make([]byte, len(s)/2)
	for i := range b {
		hi := hexNibble(s[2*i])
		lo := hexNibble(s[2*i+1])
		b[i] = hi<<4 | lo
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

// Context is the per-connection TLS Context named in spec.md §3: role,
// negotiated version/suite, the two 32-byte randoms, the 48-byte
// pre-master and master secrets, the peer's verified certificate chain,
// this side's own identity (if any), a running handshake transcript, and
// session-resumption bookkeeping.
type Context struct {
	Role Role
	Cfg  *stackcfg.Config
	RNG  prng.Source
	Log  stacklog.Logger // nil means discard; see logger()

	Version stackcfg.TLSVersion
	Suite   CipherSuite

	ClientRandom [32]byte
	ServerRandom [32]byte

	SessionID       []byte
	PreMasterSecret []byte
	MasterSecret    []byte
	Resumed         bool

	ServerName string // SNI the client offers / the server observed

	PeerCertificates []*x509cert.Certificate
	TrustedRoots      []*x509cert.Certificate
	Identity          *Identity // nil for anonymous or non-authenticating roles

	dhKeyPair *dh.KeyPair // this side's ephemeral DHE key pair, once generated

	Transcript *hashset.RunningTranscript
}

// NewContext returns an empty Context for role, ready to drive one
// handshake, logging nothing. The 4-byte Unix-time prefix of this side's
// random value (spec.md §3's "client_random/server_random: 4-byte Unix
// time + 28 random.") is taken later from the now passed to
// ClientHandshake/ServerHandshake.
func NewContext(role Role, cfg *stackcfg.Config, rng prng.Source) *Context {
	return NewContextWithLogger(role, cfg, rng, stacklog.Discard())
}

// NewContextWithLogger is NewContext, routing handshake-failure and
// countermeasure-triggered logging (Handshake, ClientHandshake,
// ServerHandshake) through log instead of discarding it.
func NewContextWithLogger(role Role, cfg *stackcfg.Config, rng prng.Source, log stacklog.Logger) *Context {
	if log == nil {
		log = stacklog.Discard()
	}
	return &Context{Role: role, Cfg: cfg, RNG: rng, Log: log, Transcript: &hashset.RunningTranscript{}}
}

// logger returns c.Log, or a discarding Logger if the Context was built
// directly as a struct literal without one.
func (c *Context) logger() stacklog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return stacklog.Discard()
}

// fillRandom writes a spec.md §3 random value (4-byte Unix time, 28
// random bytes) into out.
func fillRandom(out *[32]byte, now time.Time, rng prng.Source) error {
	t := uint32(now.Unix())
	out[0] = byte(t >> 24)
	out[1] = byte(t >> 16)
	out[2] = byte(t >> 8)
	out[3] = byte(t)
	_, err := rng.Read(out[4:])
	return err
}

// record feeds one handshake message's wire bytes
// (header included) into the running transcript hash, per spec.md §4.9's
// CertificateVerify/Finished coverage rule: "all handshake messages up to
// [this point]."
func (c *Context) record(msgBytes []byte) {
	c.Transcript.Write(msgBytes)
}
