// server.go drives the server side of the handshake state sequence named
// in spec.md §4.9, mirroring client.go: ServerHello (selecting version,
// suite and, for a client-offered session ID found in the cache,
// resumption), Certificate, ServerKeyExchange (DHE*/anon only),
// CertificateRequest (optional mutual auth), ServerHelloDone, then the
// client's flight and both directions' ChangeCipherSpec/Finished.
package tlshandshake

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/embeddednet/tlsstack/bignum"
	"github.com/embeddednet/tlsstack/hashset"
	"github.com/embeddednet/tlsstack/internal/round"
	"github.com/embeddednet/tlsstack/pkey/dh"
	"github.com/embeddednet/tlsstack/pkey/dsa"
	"github.com/embeddednet/tlsstack/pkey/rsa"
	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/stackerr"
	"github.com/embeddednet/tlsstack/tlsrecord"
)

// Server-side states: what the server has just sent, or is waiting for.
const (
	stAwaitClientHello       = "await_client_hello"
	stAwaitClientCertificate = "await_client_certificate"
	stAwaitClientKeyExch     = "await_client_key_exchange"
	stAwaitCertVerify        = "await_certificate_verify"
	stAwaitClientCCS         = "await_client_change_cipher_spec"
	stAwaitClientFinished    = "await_client_finished"
)

var serverTransitions = []round.Transition{
	{From: stAwaitClientHello, MsgType: byte(MsgClientHello), To: stAwaitClientCertificate},
	{From: stAwaitClientCertificate, MsgType: byte(MsgCertificate), To: stAwaitClientKeyExch},
	{From: stAwaitClientKeyExch, MsgType: byte(MsgClientKeyExchange), To: stAwaitCertVerify},
	{From: stAwaitCertVerify, MsgType: byte(MsgCertificateVerify), To: stAwaitClientCCS},
	{From: stAwaitClientCCS, MsgType: msgChangeCipherSpec, To: stAwaitClientFinished},
	{From: stAwaitClientFinished, MsgType: byte(MsgFinished), To: stApplicationData},
}

// ServerOptions configures a server's negotiable choices that spec.md §6
// leaves to local policy.
type ServerOptions struct {
	Suites          []CipherSuite // offered in preference order; defaults to Suites
	RequestClientCert bool
	Cache           *SessionCache // nil disables resumption
}

// ServerHandshake drives ctx (Role == RoleServer, with Identity set to the
// server's own certificate/key unless every offered suite is DH_anon)
// through one full handshake over conn.
func ServerHandshake(conn *tlsrecord.Conn, ctx *Context, opts ServerOptions, now time.Time) error {
	if ctx.Role != RoleServer {
		return stackerr.New(stackerr.InvalidParameter, "tlshandshake.ServerHandshake", fmt.Errorf("context is not a server context"))
	}
	offered := opts.Suites
	if offered == nil {
		offered = Suites
	}

	machine := round.NewMachine(stAwaitClientHello, serverTransitions)

	msgType, body, err := readHandshakeInto(conn, ctx)
	if err != nil {
		return err
	}
	if err := machine.Accept(msgType); err != nil {
		return err
	}
	ch, err := DecodeClientHello(body)
	if err != nil {
		return err
	}
	ctx.ClientRandom = ch.Random

	negotiated := stackcfg.TLSVersion(ch.Version)
	if negotiated > ctx.Cfg.TLSMaxVersion {
		negotiated = ctx.Cfg.TLSMaxVersion
	}
	if negotiated < ctx.Cfg.TLSMinVersion {
		return stackerr.New(stackerr.InvalidVersion, "tlshandshake.ServerHandshake", fmt.Errorf("client offered version below minimum supported"))
	}
	ctx.Version = negotiated
	conn.SetVersion(uint16(negotiated))

	for _, ext := range ch.Extensions {
		if ext.Type == ExtensionSNI {
			if name, err := DecodeSNIExtension(ext.Data); err == nil {
				ctx.ServerName = name
			}
		}
	}

	suite, ok := selectSuite(offered, ch.CipherSuites)
	if !ok {
		return stackerr.New(stackerr.UnsupportedKeyExchMethod, "tlshandshake.ServerHandshake", fmt.Errorf("no offered suite in common with client"))
	}
	ctx.Suite = suite

	resumed := false
	var resumeSession CachedSession
	if ctx.Cfg.SessionResumeSupport && opts.Cache != nil && len(ch.SessionID) > 0 {
		if s, ok := opts.Cache.Get(ch.SessionID, now); ok {
			resumeSession = s
			resumed = true
		}
	}

	if err := fillRandom(&ctx.ServerRandom, now, ctx.RNG); err != nil {
		return err
	}

	sessionID := ch.SessionID
	if !resumed {
		sessionID = make([]byte, 32)
		if _, err := ctx.RNG.Read(sessionID); err != nil {
			return err
		}
	}
	ctx.SessionID = sessionID

	sh := ServerHello{
		Version:           uint16(ctx.Version),
		Random:            ctx.ServerRandom,
		SessionID:         sessionID,
		CipherSuite:       suite.ID,
		CompressionMethod: 0,
	}
	if err := sendHandshakeMessage(conn, ctx, MsgServerHello, sh.Encode()); err != nil {
		return err
	}

	if resumed {
		ctx.MasterSecret = resumeSession.MasterSecret
		ctx.PeerCertificates = resumeSession.PeerCertificates
		ctx.Suite = resumeSession.Suite
		ctx.Version = resumeSession.Version
		ctx.Resumed = true
		machine.Skip(stAwaitClientCCS)
	} else {
		if suite.KeyExchange != KeyExchDHAnon {
			if ctx.Identity == nil {
				return stackerr.New(stackerr.InvalidParameter, "tlshandshake.ServerHandshake", fmt.Errorf("suite %s requires a server identity", suite.Name))
			}
			certMsg := CertificateMsg{Chain: ctx.Identity.Chain}
			if err := sendHandshakeMessage(conn, ctx, MsgCertificate, certMsg.Encode()); err != nil {
				return err
			}
		}

		var serverDH *dh.KeyPair
		if suite.KeyExchange != KeyExchRSA {
			serverDH, err = dh.GenerateKeyPair(dhGroup, ctx.RNG)
			if err != nil {
				return err
			}
			ctx.dhKeyPair = serverDH
			ske := ServerKeyExchangeDH{
				P:  serverDH.P.Bytes(),
				G:  serverDH.G.Bytes(),
				Ys: serverDH.Y.Bytes(),
			}
			if suite.KeyExchange != KeyExchDHAnon {
				sigPair, sig, err := signServerKeyExchange(ctx, suite, ske)
				if err != nil {
					return err
				}
				ske.SigPair = sigPair
				ske.Signature = sig
			}
			if err := sendHandshakeMessage(conn, ctx, MsgServerKeyExchange, ske.Encode(uint16(ctx.Version))); err != nil {
				return err
			}
		}

		if opts.RequestClientCert {
			req := CertificateRequestMsg{
				CertTypes: []byte{1, 2}, // rsa_sign, dss_sign
				SignatureAlgorithms: []SigAlgPair{
					{Hash: HashSHA256, Sig: SigRSA},
					{Hash: HashSHA256, Sig: SigDSA},
				},
			}
			if err := sendHandshakeMessage(conn, ctx, MsgCertificateRequest, req.Encode(uint16(ctx.Version))); err != nil {
				return err
			}
		}
		if err := sendHandshakeMessage(conn, ctx, MsgServerHelloDone, nil); err != nil {
			return err
		}

		if opts.RequestClientCert {
			msgType, body, err = readHandshakeInto(conn, ctx)
			if err != nil {
				return err
			}
			if err := machine.Accept(msgType); err != nil {
				return err
			}
			certMsg, err := DecodeCertificateMsg(body)
			if err != nil {
				return err
			}
			if len(certMsg.Chain) > 0 {
				peerCerts, err := VerifyChain(certMsg.Chain, ctx.TrustedRoots, now)
				if err != nil {
					return err
				}
				ctx.PeerCertificates = peerCerts
			}
		} else {
			machine.Skip(stAwaitClientKeyExch)
		}

		msgType, body, err = readHandshakeInto(conn, ctx)
		if err != nil {
			return err
		}
		if err := machine.Accept(msgType); err != nil {
			return err
		}

		var pms []byte
		switch suite.KeyExchange {
		case KeyExchRSA:
			if ctx.Identity == nil || ctx.Identity.RSAPrivate == nil {
				return stackerr.New(stackerr.InvalidParameter, "tlshandshake.ServerHandshake", fmt.Errorf("RSA key exchange requires an RSA server identity"))
			}
			cke, err := DecodeClientKeyExchangeRSA(body, uint16(ctx.Version))
			if err != nil {
				return err
			}
			decoded, err := rsa.DecryptPKCS1(ctx.Identity.RSAPrivate, cke.EncryptedPreMasterSecret)
			if err != nil || len(decoded) != 48 || stackcfg.TLSVersion(uint16(decoded[0])<<8|uint16(decoded[1])) != stackcfg.TLSVersion(ch.Version) {
				// RFC 5246 §7.4.7.1 countermeasure: on any decode failure or
				// version mismatch, substitute a random premaster secret
				// instead of returning an error, so the handshake fails at
				// Finished verification rather than leaking a Bleichenbacher
				// oracle.
				ctx.logger().Warnf("tlshandshake.ServerHandshake: RSA ClientKeyExchange decode failed, substituting random premaster secret")
				pms = make([]byte, 48)
				if _, rndErr := ctx.RNG.Read(pms); rndErr != nil {
					return rndErr
				}
			} else {
				pms = decoded
			}
		default:
			cke, err := DecodeClientKeyExchangeDH(body)
			if err != nil {
				return err
			}
			clientY := bignum.FromBytesBigEndian(cke.Yc)
			pms, err = dh.ComputeSharedSecret(serverDH, clientY, true)
			if err != nil {
				return err
			}
		}
		ctx.PreMasterSecret = pms
		ctx.MasterSecret = DeriveMasterSecret(ctx.Version, suite, ctx.PreMasterSecret, ctx.ClientRandom[:], ctx.ServerRandom[:])

		if opts.RequestClientCert && len(ctx.PeerCertificates) > 0 {
			msgType, body, err = readHandshakeInto(conn, ctx)
			if err != nil {
				return err
			}
			if err := machine.Accept(msgType); err != nil {
				return err
			}
			cv, err := DecodeCertificateVerifyMsg(body, uint16(ctx.Version))
			if err != nil {
				return err
			}
			if err := verifyClientCertificateVerify(ctx, cv); err != nil {
				return err
			}
		} else {
			machine.Skip(stAwaitClientCCS)
		}
	}

	clientSpec, serverSpec, err := DeriveCipherSpecs(ctx)
	if err != nil {
		return err
	}

	typ, _, err := conn.ReadRecord()
	if err != nil {
		return err
	}
	if typ != tlsrecord.ContentChangeCipherSpec {
		return stackerr.New(stackerr.UnexpectedMessage, "tlshandshake.ServerHandshake", fmt.Errorf("expected ChangeCipherSpec, got content type %d", typ))
	}
	if err := machine.Accept(msgChangeCipherSpec); err != nil {
		return err
	}
	conn.SetReadCipherSpec(clientSpec)

	expected := FinishedVerifyData(ctx.Version, ctx.Suite, ctx.MasterSecret, ctx.Transcript, true)
	msgType, body, err = readHandshakeInto(conn, ctx)
	if err != nil {
		return err
	}
	if err := machine.Accept(msgType); err != nil {
		return err
	}
	expectedLen := 12
	if ctx.Version == stackcfg.SSL30 {
		expectedLen = 36
	}
	fin, err := DecodeFinishedMsg(body, expectedLen)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(fin.VerifyData, expected) != 1 {
		ctx.logger().Errorf("tlshandshake.ServerHandshake: client Finished verify_data mismatch, aborting handshake")
		return stackerr.New(stackerr.HandshakeFailed, "tlshandshake.ServerHandshake", fmt.Errorf("client Finished verify_data mismatch"))
	}

	if err := conn.WriteRecord(tlsrecord.ContentChangeCipherSpec, []byte{1}); err != nil {
		return err
	}
	conn.SetWriteCipherSpec(serverSpec)
	verifyData := FinishedVerifyData(ctx.Version, ctx.Suite, ctx.MasterSecret, ctx.Transcript, false)
	if err := sendHandshakeMessage(conn, ctx, MsgFinished, FinishedMsg{VerifyData: verifyData}.Encode()); err != nil {
		return err
	}

	if !resumed && ctx.Cfg.SessionResumeSupport && opts.Cache != nil {
		opts.Cache.Put(ctx.SessionID, ctx.ServerName, CachedSession{
			MasterSecret:     ctx.MasterSecret,
			Suite:            ctx.Suite,
			Version:          ctx.Version,
			PeerCertificates: ctx.PeerCertificates,
			IssuedAt:         now,
		})
	}
	return nil
}

// selectSuite picks the first suite in offered (server preference order)
// that the client also listed.
func selectSuite(offered []CipherSuite, clientSuites []uint16) (CipherSuite, bool) {
	clientSet := make(map[uint16]bool, len(clientSuites))
	for _, id := range clientSuites {
		clientSet[id] = true
	}
	for _, s := range offered {
		if clientSet[s.ID] {
			return s, true
		}
	}
	return CipherSuite{}, false
}

// signServerKeyExchange signs client_random||server_random||DHparams under
// the server's identity key, selecting the raw combined-hash form below
// TLS 1.2 and a single tagged digest at TLS 1.2+, mirroring
// verifyServerKeyExchangeSignature's construction on the client side.
func signServerKeyExchange(ctx *Context, suite CipherSuite, ske ServerKeyExchangeDH) (SigAlgPair, []byte, error) {
	preimage := ske.SignedParams(ctx.ClientRandom[:], ctx.ServerRandom[:])
	if ctx.Identity == nil {
		return SigAlgPair{}, nil, stackerr.New(stackerr.InvalidParameter, "tlshandshake.signServerKeyExchange", fmt.Errorf("no server identity to sign with"))
	}

	if ctx.Version >= stackcfg.TLS12 {
		alg := hashset.SHA256
		digest := hashset.Sum(alg, preimage)
		if suite.KeyExchange == KeyExchDHERSA {
			sig, err := rsa.SignPKCS1(ctx.Identity.RSAPrivate, alg, digest)
			return SigAlgPair{Hash: algoToHashTag[alg], Sig: SigRSA}, sig, err
		}
		dsaSig, err := dsa.Sign(ctx.Identity.DSAPrivate, digest, ctx.RNG)
		if err != nil {
			return SigAlgPair{}, nil, err
		}
		return SigAlgPair{Hash: algoToHashTag[alg], Sig: SigDSA}, dsaSig.Encode(), nil
	}

	if suite.KeyExchange == KeyExchDHERSA {
		d := hashset.NewDualMD5SHA1()
		d.Write(preimage)
		sig, err := rsa.SignRawPKCS1(ctx.Identity.RSAPrivate, d.Sum())
		return SigAlgPair{}, sig, err
	}
	digest := hashset.Sum(hashset.SHA1, preimage)
	dsaSig, err := dsa.Sign(ctx.Identity.DSAPrivate, digest, ctx.RNG)
	if err != nil {
		return SigAlgPair{}, nil, err
	}
	return SigAlgPair{}, dsaSig.Encode(), nil
}

// verifyClientCertificateVerify checks a client's CertificateVerify
// signature over the handshake transcript up to (but not including)
// CertificateVerify itself, against the certificate it just presented.
func verifyClientCertificateVerify(ctx *Context, cv *CertificateVerifyMsg) error {
	if len(ctx.PeerCertificates) == 0 {
		return stackerr.New(stackerr.BadCertificate, "tlshandshake.verifyClientCertificateVerify", fmt.Errorf("no client certificate on record"))
	}
	leaf := ctx.PeerCertificates[0]

	if ctx.Version >= stackcfg.TLS12 {
		alg, ok := hashTagToAlgo[cv.SigPair.Hash]
		if !ok {
			return stackerr.New(stackerr.UnsupportedSignatureAlgo, "tlshandshake.verifyClientCertificateVerify", fmt.Errorf("unrecognized hash tag %d", cv.SigPair.Hash))
		}
		digest := ctx.Transcript.Sum(alg)
		switch cv.SigPair.Sig {
		case SigRSA:
			if leaf.RSAPublicKey == nil {
				return stackerr.New(stackerr.BadCertificate, "tlshandshake.verifyClientCertificateVerify", fmt.Errorf("client certificate has no RSA key"))
			}
			return rsa.VerifyPKCS1(leaf.RSAPublicKey, alg, digest, cv.Signature)
		case SigDSA:
			if leaf.DSAPublicKey == nil {
				return stackerr.New(stackerr.BadCertificate, "tlshandshake.verifyClientCertificateVerify", fmt.Errorf("client certificate has no DSA key"))
			}
			sig, err := dsa.DecodeSignature(cv.Signature)
			if err != nil {
				return err
			}
			return dsa.Verify(leaf.DSAPublicKey, digest, sig)
		}
		return stackerr.New(stackerr.UnsupportedSignatureAlgo, "tlshandshake.verifyClientCertificateVerify", fmt.Errorf("unrecognized signature tag %d", cv.SigPair.Sig))
	}

	if leaf.RSAPublicKey != nil {
		digest := ctx.Transcript.SumMD5SHA1()
		return rsa.VerifyRawPKCS1(leaf.RSAPublicKey, digest, cv.Signature)
	}
	if leaf.DSAPublicKey != nil {
		digest := ctx.Transcript.Sum(hashset.SHA1)
		sig, err := dsa.DecodeSignature(cv.Signature)
		if err != nil {
			return err
		}
		return dsa.Verify(leaf.DSAPublicKey, digest, sig)
	}
	return stackerr.New(stackerr.BadCertificate, "tlshandshake.verifyClientCertificateVerify", fmt.Errorf("client certificate has neither RSA nor DSA key"))
}
