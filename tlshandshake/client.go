// client.go drives the client side of the handshake state sequence named
// in spec.md §4.9: ClientHello, then (skipping whatever the negotiated
// suite or a resumed session makes optional) ServerHello, Certificate,
// ServerKeyExchange, CertificateRequest, ServerHelloDone, the client's own
// Certificate/ClientKeyExchange/CertificateVerify flight, ChangeCipherSpec
// and Finished in both directions.
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

// msgChangeCipherSpec is a synthetic message-type value the client/server
// state machines use to fold the ChangeCipherSpec content-type record
// into the same Accept-driven transition table as handshake messages; it
// does not collide with any MsgType named in message.go.
const msgChangeCipherSpec byte = 0xfe

// Client-side states, naming the handshake message a reader expects next.
const (
	stAwaitServerHello      = "await_server_hello"
	stAwaitCertificate      = "await_certificate"
	stAwaitServerKeyExch    = "await_server_key_exchange"
	stAwaitCertReqOrDone    = "await_cert_req_or_done"
	stAwaitServerHelloDone  = "await_server_hello_done"
	stAwaitServerCCS        = "await_server_change_cipher_spec"
	stAwaitServerFinished   = "await_server_finished"
	stApplicationData       = "application_data"
)

var clientTransitions = []round.Transition{
	{From: stAwaitServerHello, MsgType: byte(MsgServerHello), To: stAwaitCertificate},
	{From: stAwaitCertificate, MsgType: byte(MsgCertificate), To: stAwaitServerKeyExch},
	{From: stAwaitServerKeyExch, MsgType: byte(MsgServerKeyExchange), To: stAwaitCertReqOrDone},
	{From: stAwaitCertReqOrDone, MsgType: byte(MsgCertificateRequest), To: stAwaitServerHelloDone},
	{From: stAwaitCertReqOrDone, MsgType: byte(MsgServerHelloDone), To: stAwaitServerCCS},
	{From: stAwaitServerHelloDone, MsgType: byte(MsgServerHelloDone), To: stAwaitServerCCS},
	{From: stAwaitServerCCS, MsgType: msgChangeCipherSpec, To: stAwaitServerFinished},
	{From: stAwaitServerFinished, MsgType: byte(MsgFinished), To: stApplicationData},
}

// ClientHandshake drives ctx (which must have Role == RoleClient) through
// one full handshake over conn, consulting cache (which may be nil to
// disable resumption) for a session to offer and to save into on success.
func ClientHandshake(conn *tlsrecord.Conn, ctx *Context, cache *SessionCache, now time.Time) error {
	if ctx.Role != RoleClient {
		return stackerr.New(stackerr.InvalidParameter, "tlshandshake.ClientHandshake", fmt.Errorf("context is not a client context"))
	}
	if err := fillRandom(&ctx.ClientRandom, now, ctx.RNG); err != nil {
		return err
	}

	var offeredSessionID []byte
	var resumeCandidate *CachedSession
	if ctx.Cfg.SessionResumeSupport && cache != nil && ctx.ServerName != "" {
		if id, cached, ok := cache.GetByName(ctx.ServerName, now); ok {
			offeredSessionID = id
			resumeCandidate = &cached
		}
	}

	var exts []Extension
	if ctx.ServerName != "" {
		exts = append(exts, Extension{Type: ExtensionSNI, Data: EncodeSNIExtension(ctx.ServerName)})
	}
	if ctx.Cfg.TLSMaxVersion >= stackcfg.TLS12 {
		pairs := []SigAlgPair{
			{Hash: HashSHA256, Sig: SigRSA},
			{Hash: HashSHA384, Sig: SigRSA},
			{Hash: HashSHA256, Sig: SigDSA},
			{Hash: HashSHA1, Sig: SigRSA},
		}
		exts = append(exts, Extension{Type: ExtensionSignatureAlgorithms, Data: EncodeSignatureAlgorithms(pairs)})
	}

	hello := ClientHello{
		Version:            uint16(ctx.Cfg.TLSMaxVersion),
		Random:             ctx.ClientRandom,
		SessionID:          offeredSessionID,
		CipherSuites:       DefaultOfferedSuites(),
		CompressionMethods: []byte{0},
		Extensions:         exts,
	}
	if err := sendHandshakeMessage(conn, ctx, MsgClientHello, hello.Encode()); err != nil {
		return err
	}

	machine := round.NewMachine(stAwaitServerHello, clientTransitions)

	msgType, body, err := readHandshakeInto(conn, ctx)
	if err != nil {
		return err
	}
	if err := machine.Accept(msgType); err != nil {
		return err
	}
	sh, err := DecodeServerHello(body)
	if err != nil {
		return err
	}
	if stackcfg.TLSVersion(sh.Version) < ctx.Cfg.TLSMinVersion || stackcfg.TLSVersion(sh.Version) > ctx.Cfg.TLSMaxVersion {
		return stackerr.New(stackerr.InvalidVersion, "tlshandshake.ClientHandshake", fmt.Errorf("server selected unsupported version %04x", sh.Version))
	}
	ctx.Version = stackcfg.TLSVersion(sh.Version)
	conn.SetVersion(sh.Version)
	ctx.ServerRandom = sh.Random
	ctx.SessionID = sh.SessionID

	suite, ok := LookupSuite(sh.CipherSuite)
	if !ok {
		return stackerr.New(stackerr.UnsupportedKeyExchMethod, "tlshandshake.ClientHandshake", fmt.Errorf("server selected unrecognized cipher suite %04x", sh.CipherSuite))
	}
	ctx.Suite = suite

	resumed := resumeCandidate != nil && len(sh.SessionID) > 0 && rawEqual(sh.SessionID, offeredSessionID)
	if resumed {
		ctx.MasterSecret = resumeCandidate.MasterSecret
		ctx.PeerCertificates = resumeCandidate.PeerCertificates
		ctx.Suite = resumeCandidate.Suite
		ctx.Version = resumeCandidate.Version
		ctx.Resumed = true
		machine.Skip(stAwaitServerCCS)
	} else {
		var certReq *CertificateRequestMsg

		if suite.KeyExchange == KeyExchDHAnon {
			machine.Skip(stAwaitServerKeyExch)
		} else {
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
			peerCerts, err := VerifyChain(certMsg.Chain, ctx.TrustedRoots, now)
			if err != nil {
				return err
			}
			ctx.PeerCertificates = peerCerts
		}

		var clientDH *dh.KeyPair
		if suite.KeyExchange == KeyExchRSA {
			machine.Skip(stAwaitCertReqOrDone)
		} else {
			msgType, body, err = readHandshakeInto(conn, ctx)
			if err != nil {
				return err
			}
			if err := machine.Accept(msgType); err != nil {
				return err
			}
			signed := suite.KeyExchange != KeyExchDHAnon
			ske, err := DecodeServerKeyExchangeDH(body, uint16(ctx.Version), signed)
			if err != nil {
				return err
			}
			if signed {
				if err := verifyServerKeyExchangeSignature(ctx, suite, ske); err != nil {
					return err
				}
			}
			params := dh.Params{P: bignum.FromBytesBigEndian(ske.P), G: bignum.FromBytesBigEndian(ske.G)}
			serverY := bignum.FromBytesBigEndian(ske.Ys)
			clientDH, err = dh.GenerateKeyPair(params, ctx.RNG)
			if err != nil {
				return err
			}
			ctx.dhKeyPair = clientDH
			pms, err := dh.ComputeSharedSecret(clientDH, serverY, true)
			if err != nil {
				return err
			}
			ctx.PreMasterSecret = pms
		}

		msgType, body, err = readHandshakeInto(conn, ctx)
		if err != nil {
			return err
		}
		if err := machine.Accept(msgType); err != nil {
			return err
		}
		if MsgType(msgType) == MsgCertificateRequest {
			certReq, err = DecodeCertificateRequestMsg(body, uint16(ctx.Version))
			if err != nil {
				return err
			}
			msgType, body, err = readHandshakeInto(conn, ctx)
			if err != nil {
				return err
			}
			if err := machine.Accept(msgType); err != nil {
				return err
			}
		}

		if certReq != nil {
			var chain [][]byte
			if ctx.Identity != nil {
				chain = ctx.Identity.Chain
			}
			if err := sendHandshakeMessage(conn, ctx, MsgCertificate, CertificateMsg{Chain: chain}.Encode()); err != nil {
				return err
			}
		}

		switch suite.KeyExchange {
		case KeyExchRSA:
			leaf := ctx.PeerCertificates[0]
			if leaf.RSAPublicKey == nil {
				return stackerr.New(stackerr.BadCertificate, "tlshandshake.ClientHandshake", fmt.Errorf("server certificate has no RSA key for RSA key exchange"))
			}
			pms := make([]byte, 48)
			pms[0] = byte(ctx.Cfg.TLSMaxVersion >> 8)
			pms[1] = byte(ctx.Cfg.TLSMaxVersion)
			if _, err := ctx.RNG.Read(pms[2:]); err != nil {
				return err
			}
			ctx.PreMasterSecret = pms
			enc, err := rsa.EncryptPKCS1(leaf.RSAPublicKey, pms, ctx.RNG)
			if err != nil {
				return err
			}
			cke := ClientKeyExchangeRSA{EncryptedPreMasterSecret: enc}
			if err := sendHandshakeMessage(conn, ctx, MsgClientKeyExchange, cke.Encode(uint16(ctx.Version))); err != nil {
				return err
			}
		default:
			cke := ClientKeyExchangeDH{Yc: clientDH.Y.Bytes()}
			if err := sendHandshakeMessage(conn, ctx, MsgClientKeyExchange, cke.Encode()); err != nil {
				return err
			}
		}

		ctx.MasterSecret = DeriveMasterSecret(ctx.Version, suite, ctx.PreMasterSecret, ctx.ClientRandom[:], ctx.ServerRandom[:])

		if certReq != nil && ctx.Identity != nil {
			sigPair, sig, err := signHandshakeDigest(ctx, ctx.Identity)
			if err != nil {
				return err
			}
			cv := CertificateVerifyMsg{SigPair: sigPair, Signature: sig}
			if err := sendHandshakeMessage(conn, ctx, MsgCertificateVerify, cv.Encode(uint16(ctx.Version))); err != nil {
				return err
			}
		}
	}

	clientSpec, serverSpec, err := DeriveCipherSpecs(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteRecord(tlsrecord.ContentChangeCipherSpec, []byte{1}); err != nil {
		return err
	}
	conn.SetWriteCipherSpec(clientSpec)

	verifyData := FinishedVerifyData(ctx.Version, ctx.Suite, ctx.MasterSecret, ctx.Transcript, true)
	if err := sendHandshakeMessage(conn, ctx, MsgFinished, FinishedMsg{VerifyData: verifyData}.Encode()); err != nil {
		return err
	}

	typ, _, err := conn.ReadRecord()
	if err != nil {
		return err
	}
	if typ != tlsrecord.ContentChangeCipherSpec {
		return stackerr.New(stackerr.UnexpectedMessage, "tlshandshake.ClientHandshake", fmt.Errorf("expected ChangeCipherSpec, got content type %d", typ))
	}
	if err := machine.Accept(msgChangeCipherSpec); err != nil {
		return err
	}
	conn.SetReadCipherSpec(serverSpec)

	expected := FinishedVerifyData(ctx.Version, ctx.Suite, ctx.MasterSecret, ctx.Transcript, false)
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
		ctx.logger().Errorf("tlshandshake.ClientHandshake: server Finished verify_data mismatch, aborting handshake")
		return stackerr.New(stackerr.HandshakeFailed, "tlshandshake.ClientHandshake", fmt.Errorf("server Finished verify_data mismatch"))
	}

	if !ctx.Resumed && ctx.Cfg.SessionResumeSupport && cache != nil && len(ctx.SessionID) > 0 {
		cache.Put(ctx.SessionID, ctx.ServerName, CachedSession{
			MasterSecret:     ctx.MasterSecret,
			Suite:            ctx.Suite,
			Version:          ctx.Version,
			PeerCertificates: ctx.PeerCertificates,
			IssuedAt:         now,
		})
	}
	return nil
}

// sendHandshakeMessage encodes one handshake message, feeds its exact wire
// bytes into the running transcript, and writes it as a Handshake-type
// record.
func sendHandshakeMessage(conn *tlsrecord.Conn, ctx *Context, typ MsgType, body []byte) error {
	msg := tlsrecord.EncodeHandshakeMessage(byte(typ), body)
	ctx.record(msg)
	return conn.WriteRecord(tlsrecord.ContentHandshake, msg)
}

// readHandshakeInto reads the next reassembled handshake message and
// records its exact wire bytes into the transcript before returning it.
func readHandshakeInto(conn *tlsrecord.Conn, ctx *Context) (byte, []byte, error) {
	msgType, body, err := conn.NextHandshakeMessage()
	if err != nil {
		return 0, nil, err
	}
	ctx.record(tlsrecord.EncodeHandshakeMessage(msgType, body))
	return msgType, body, nil
}

// verifyServerKeyExchangeSignature checks a signed DHE ServerKeyExchange's
// signature over client_random||server_random||DHparams against the
// server's leaf certificate public key, per spec.md §4.9.
func verifyServerKeyExchangeSignature(ctx *Context, suite CipherSuite, ske *ServerKeyExchangeDH) error {
	if len(ctx.PeerCertificates) == 0 {
		return stackerr.New(stackerr.BadCertificate, "tlshandshake.verifyServerKeyExchangeSignature", fmt.Errorf("no server certificate to verify against"))
	}
	leaf := ctx.PeerCertificates[0]
	preimage := ske.SignedParams(ctx.ClientRandom[:], ctx.ServerRandom[:])

	if ctx.Version >= stackcfg.TLS12 {
		alg, ok := hashTagToAlgo[ske.SigPair.Hash]
		if !ok {
			return stackerr.New(stackerr.UnsupportedSignatureAlgo, "tlshandshake.verifyServerKeyExchangeSignature", fmt.Errorf("unrecognized hash tag %d", ske.SigPair.Hash))
		}
		digest := hashset.Sum(alg, preimage)
		switch ske.SigPair.Sig {
		case SigRSA:
			if leaf.RSAPublicKey == nil {
				return stackerr.New(stackerr.BadCertificate, "tlshandshake.verifyServerKeyExchangeSignature", fmt.Errorf("server certificate has no RSA key"))
			}
			return rsa.VerifyPKCS1(leaf.RSAPublicKey, alg, digest, ske.Signature)
		case SigDSA:
			if leaf.DSAPublicKey == nil {
				return stackerr.New(stackerr.BadCertificate, "tlshandshake.verifyServerKeyExchangeSignature", fmt.Errorf("server certificate has no DSA key"))
			}
			sig, err := dsa.DecodeSignature(ske.Signature)
			if err != nil {
				return err
			}
			return dsa.Verify(leaf.DSAPublicKey, digest, sig)
		default:
			return stackerr.New(stackerr.UnsupportedSignatureAlgo, "tlshandshake.verifyServerKeyExchangeSignature", fmt.Errorf("unrecognized signature tag %d", ske.SigPair.Sig))
		}
	}

	switch suite.KeyExchange {
	case KeyExchDHERSA:
		if leaf.RSAPublicKey == nil {
			return stackerr.New(stackerr.BadCertificate, "tlshandshake.verifyServerKeyExchangeSignature", fmt.Errorf("server certificate has no RSA key"))
		}
		d := hashset.NewDualMD5SHA1()
		d.Write(preimage)
		return rsa.VerifyRawPKCS1(leaf.RSAPublicKey, d.Sum(), ske.Signature)
	case KeyExchDHEDSS:
		if leaf.DSAPublicKey == nil {
			return stackerr.New(stackerr.BadCertificate, "tlshandshake.verifyServerKeyExchangeSignature", fmt.Errorf("server certificate has no DSA key"))
		}
		digest := hashset.Sum(hashset.SHA1, preimage)
		sig, err := dsa.DecodeSignature(ske.Signature)
		if err != nil {
			return err
		}
		return dsa.Verify(leaf.DSAPublicKey, digest, sig)
	}
	return stackerr.New(stackerr.UnsupportedKeyExchMethod, "tlshandshake.verifyServerKeyExchangeSignature", fmt.Errorf("key exchange does not carry a signature"))
}

// signHandshakeDigest signs the handshake transcript so far under id's
// key, for CertificateVerify, selecting the combined MD5||SHA1 raw
// signature below TLS 1.2 and a single tagged digest at TLS 1.2+.
func signHandshakeDigest(ctx *Context, id *Identity) (SigAlgPair, []byte, error) {
	if ctx.Version >= stackcfg.TLS12 {
		alg := hashset.SHA256
		if id.RSAPrivate != nil {
			digest := ctx.Transcript.Sum(alg)
			sig, err := rsa.SignPKCS1(id.RSAPrivate, alg, digest)
			return SigAlgPair{Hash: algoToHashTag[alg], Sig: SigRSA}, sig, err
		}
		digest := ctx.Transcript.Sum(alg)
		dsaSig, err := dsa.Sign(id.DSAPrivate, digest, ctx.RNG)
		if err != nil {
			return SigAlgPair{}, nil, err
		}
		return SigAlgPair{Hash: algoToHashTag[alg], Sig: SigDSA}, dsaSig.Encode(), nil
	}
	if id.RSAPrivate != nil {
		digest := ctx.Transcript.SumMD5SHA1()
		sig, err := rsa.SignRawPKCS1(id.RSAPrivate, digest)
		return SigAlgPair{}, sig, err
	}
	digest := ctx.Transcript.Sum(hashset.SHA1)
	dsaSig, err := dsa.Sign(id.DSAPrivate, digest, ctx.RNG)
	if err != nil {
		return SigAlgPair{}, nil, err
	}
	return SigAlgPair{}, dsaSig.Encode(), nil
}
