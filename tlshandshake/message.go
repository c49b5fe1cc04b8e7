// message.go implements the wire encoding of the handshake messages named
// in spec.md §4.9/§6: ClientHello, ServerHello, Certificate,
// ServerKeyExchange, CertificateRequest, ServerHelloDone,
// ClientKeyExchange, CertificateVerify and Finished. Each is a plain
// struct with an Encode/Decode pair doing explicit big-endian length-
// prefixed vector framing, the same manual-binary-layout style
// tlsrecord's record.go already uses for the record header and MAC preimage
// rather than reflection-based codecs.
package tlshandshake

import (
	"encoding/binary"
	"fmt"

	"github.com/embeddednet/tlsstack/stackerr"
)

// MsgType is the handshake message type byte (spec.md §6's
// "MsgType(1) ‖ Length(3) ‖ Body").
type MsgType byte

const (
	MsgHelloRequest       MsgType = 0
	MsgClientHello        MsgType = 1
	MsgServerHello        MsgType = 2
	MsgCertificate        MsgType = 11
	MsgServerKeyExchange  MsgType = 12
	MsgCertificateRequest MsgType = 13
	MsgServerHelloDone    MsgType = 14
	MsgCertificateVerify  MsgType = 15
	MsgClientKeyExchange  MsgType = 16
	MsgFinished           MsgType = 20
)

// ExtensionSNI and ExtensionSignatureAlgorithms are the two extension
// types spec.md §6 names explicitly.
const (
	ExtensionSNI                 uint16 = 0x0000
	ExtensionSignatureAlgorithms uint16 = 0x000d
)

// Extension is one raw TLS extension: a 2-byte type and an opaque,
// already-encoded body.
type Extension struct {
	Type uint16
	Data []byte
}

// --- small encode/decode helpers, mirroring tlsrecord's record.go manual style ---

type writer struct{ buf []byte }

func (w *writer) u8(v byte)      { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16)   { w.buf = append(w.buf, byte(v>>8), byte(v)) }
func (w *writer) u24(v int)      { w.buf = append(w.buf, byte(v>>16), byte(v>>8), byte(v)) }
func (w *writer) raw(b []byte)   { w.buf = append(w.buf, b...) }
func (w *writer) vec8(b []byte)  { w.u8(byte(len(b))); w.raw(b) }
func (w *writer) vec16(b []byte) { w.u16(uint16(len(b))); w.raw(b) }
func (w *writer) vec24(b []byte) { w.u24(len(b)); w.raw(b) }

type reader struct {
	buf []byte
	pos int
	op  string
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return stackerr.New(stackerr.DecodingFailed, r.op, fmt.Errorf("truncated message"))
	}
	return nil
}

func (r *reader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u24() (int, error) {
	if err := r.need(3); err != nil {
		return 0, err
	}
	v := int(r.buf[r.pos])<<16 | int(r.buf[r.pos+1])<<8 | int(r.buf[r.pos+2])
	r.pos += 3
	return v, nil
}

func (r *reader) raw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := append([]byte(nil), r.buf[r.pos:r.pos+n]...)
	r.pos += n
	return v, nil
}

func (r *reader) vec8() ([]byte, error) {
	n, err := r.u8()
	if err != nil {
		return nil, err
	}
	return r.raw(int(n))
}

func (r *reader) vec16() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	return r.raw(int(n))
}

func (r *reader) vec24() ([]byte, error) {
	n, err := r.u24()
	if err != nil {
		return nil, err
	}
	return r.raw(n)
}

func (r *reader) done() bool { return r.pos >= len(r.buf) }

// --- ClientHello ---

type ClientHello struct {
	Version            uint16
	Random             [32]byte
	SessionID          []byte
	CipherSuites       []uint16
	CompressionMethods []byte
	Extensions         []Extension
}

func (m ClientHello) Encode() []byte {
	w := &writer{}
	w.u16(m.Version)
	w.raw(m.Random[:])
	w.vec8(m.SessionID)
	suites := &writer{}
	for _, s := range m.CipherSuites {
		suites.u16(s)
	}
	w.vec16(suites.buf)
	w.vec8(m.CompressionMethods)
	if len(m.Extensions) > 0 {
		ext := &writer{}
		for _, e := range m.Extensions {
			ext.u16(e.Type)
			ext.vec16(e.Data)
		}
		w.vec16(ext.buf)
	}
	return w.buf
}

func DecodeClientHello(body []byte) (*ClientHello, error) {
	r := &reader{buf: body, op: "tlshandshake.DecodeClientHello"}
	m := &ClientHello{}
	var err error
	if m.Version, err = r.u16(); err != nil {
		return nil, err
	}
	rnd, err := r.raw(32)
	if err != nil {
		return nil, err
	}
	copy(m.Random[:], rnd)
	if m.SessionID, err = r.vec8(); err != nil {
		return nil, err
	}
	suitesRaw, err := r.vec16()
	if err != nil {
		return nil, err
	}
	sr := &reader{buf: suitesRaw, op: r.op}
	for !sr.done() {
		s, err := sr.u16()
		if err != nil {
			return nil, err
		}
		m.CipherSuites = append(m.CipherSuites, s)
	}
	if m.CompressionMethods, err = r.vec8(); err != nil {
		return nil, err
	}
	if !r.done() {
		extRaw, err := r.vec16()
		if err != nil {
			return nil, err
		}
		m.Extensions, err = decodeExtensions(extRaw, r.op)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeExtensions(buf []byte, op string) ([]Extension, error) {
	r := &reader{buf: buf, op: op}
	var out []Extension
	for !r.done() {
		typ, err := r.u16()
		if err != nil {
			return nil, err
		}
		data, err := r.vec16()
		if err != nil {
			return nil, err
		}
		out = append(out, Extension{Type: typ, Data: data})
	}
	return out, nil
}

// EncodeSNIExtension builds the SNI extension body for hostname, per
// spec.md §6: extension type 0x0000, NameType=0, UTF-8 name.
func EncodeSNIExtension(hostname string) []byte {
	w := &writer{}
	name := &writer{}
	name.u8(0) // NameType host_name
	name.vec16([]byte(hostname))
	w.vec16(name.buf)
	return w.buf
}

// DecodeSNIExtension extracts the hostname from an SNI extension body.
func DecodeSNIExtension(data []byte) (string, error) {
	r := &reader{buf: data, op: "tlshandshake.DecodeSNIExtension"}
	listRaw, err := r.vec16()
	if err != nil {
		return "", err
	}
	lr := &reader{buf: listRaw, op: r.op}
	if _, err := lr.u8(); err != nil {
		return "", err
	}
	name, err := lr.vec16()
	if err != nil {
		return "", err
	}
	return string(name), nil
}

// SigAlgPair is one (hash, signature) pair from the SignatureAlgorithms
// extension, per spec.md §6.
type SigAlgPair struct {
	Hash byte
	Sig  byte
}

// EncodeSignatureAlgorithms builds the TLS 1.2 SignatureAlgorithms
// extension body from pairs.
func EncodeSignatureAlgorithms(pairs []SigAlgPair) []byte {
	w := &writer{}
	list := &writer{}
	for _, p := range pairs {
		list.u8(p.Hash)
		list.u8(p.Sig)
	}
	w.vec16(list.buf)
	return w.buf
}

// DecodeSignatureAlgorithms parses a SignatureAlgorithms extension body
// (including its own length-prefixed list).
func DecodeSignatureAlgorithms(data []byte) ([]SigAlgPair, error) {
	r := &reader{buf: data, op: "tlshandshake.DecodeSignatureAlgorithms"}
	listRaw, err := r.vec16()
	if err != nil {
		return nil, err
	}
	return decodeSigAlgPairs(listRaw, r.op)
}

func decodeSigAlgPairs(listRaw []byte, op string) ([]SigAlgPair, error) {
	lr := &reader{buf: listRaw, op: op}
	var out []SigAlgPair
	for !lr.done() {
		hash, err := lr.u8()
		if err != nil {
			return nil, err
		}
		sig, err := lr.u8()
		if err != nil {
			return nil, err
		}
		out = append(out, SigAlgPair{Hash: hash, Sig: sig})
	}
	return out, nil
}

// --- ServerHello ---

type ServerHello struct {
	Version           uint16
	Random            [32]byte
	SessionID         []byte
	CipherSuite       uint16
	CompressionMethod byte
	Extensions        []Extension
}

func (m ServerHello) Encode() []byte {
	w := &writer{}
	w.u16(m.Version)
	w.raw(m.Random[:])
	w.vec8(m.SessionID)
	w.u16(m.CipherSuite)
	w.u8(m.CompressionMethod)
	if len(m.Extensions) > 0 {
		ext := &writer{}
		for _, e := range m.Extensions {
			ext.u16(e.Type)
			ext.vec16(e.Data)
		}
		w.vec16(ext.buf)
	}
	return w.buf
}

func DecodeServerHello(body []byte) (*ServerHello, error) {
	r := &reader{buf: body, op: "tlshandshake.DecodeServerHello"}
	m := &ServerHello{}
	var err error
	if m.Version, err = r.u16(); err != nil {
		return nil, err
	}
	rnd, err := r.raw(32)
	if err != nil {
		return nil, err
	}
	copy(m.Random[:], rnd)
	if m.SessionID, err = r.vec8(); err != nil {
		return nil, err
	}
	if m.CipherSuite, err = r.u16(); err != nil {
		return nil, err
	}
	if m.CompressionMethod, err = r.u8(); err != nil {
		return nil, err
	}
	if !r.done() {
		extRaw, err := r.vec16()
		if err != nil {
			return nil, err
		}
		m.Extensions, err = decodeExtensions(extRaw, r.op)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- Certificate ---

// CertificateMsg carries the peer's certificate chain, leaf first, per
// spec.md §4.6.
type CertificateMsg struct {
	Chain [][]byte
}

func (m CertificateMsg) Encode() []byte {
	w := &writer{}
	list := &writer{}
	for _, der := range m.Chain {
		list.vec24(der)
	}
	w.vec24(list.buf)
	return w.buf
}

func DecodeCertificateMsg(body []byte) (*CertificateMsg, error) {
	r := &reader{buf: body, op: "tlshandshake.DecodeCertificateMsg"}
	listRaw, err := r.vec24()
	if err != nil {
		return nil, err
	}
	lr := &reader{buf: listRaw, op: r.op}
	m := &CertificateMsg{}
	for !lr.done() {
		der, err := lr.vec24()
		if err != nil {
			return nil, err
		}
		m.Chain = append(m.Chain, der)
	}
	return m, nil
}

// --- ServerKeyExchange (DHE_RSA / DHE_DSS / DH_anon only) ---

type ServerKeyExchangeDH struct {
	P, G, Ys  []byte
	SigPair   SigAlgPair // only meaningful for TLS 1.2; zero value otherwise
	Signature []byte     // empty for DH_anon
}

func (m ServerKeyExchangeDH) Encode(version uint16) []byte {
	w := &writer{}
	w.vec16(m.P)
	w.vec16(m.G)
	w.vec16(m.Ys)
	if len(m.Signature) > 0 {
		if version >= 0x0303 { // TLS 1.2: explicit (hash, sig) pair precedes the signature
			w.u8(m.SigPair.Hash)
			w.u8(m.SigPair.Sig)
		}
		w.vec16(m.Signature)
	}
	return w.buf
}

// DecodeServerKeyExchangeDH parses a DH ServerKeyExchange body. signed
// tells the decoder whether a trailing signature is present (false for
// DH_anon).
func DecodeServerKeyExchangeDH(body []byte, version uint16, signed bool) (*ServerKeyExchangeDH, error) {
	r := &reader{buf: body, op: "tlshandshake.DecodeServerKeyExchangeDH"}
	m := &ServerKeyExchangeDH{}
	var err error
	if m.P, err = r.vec16(); err != nil {
		return nil, err
	}
	if m.G, err = r.vec16(); err != nil {
		return nil, err
	}
	if m.Ys, err = r.vec16(); err != nil {
		return nil, err
	}
	if signed {
		if version >= 0x0303 {
			if m.SigPair.Hash, err = r.u8(); err != nil {
				return nil, err
			}
			if m.SigPair.Sig, err = r.u8(); err != nil {
				return nil, err
			}
		}
		if m.Signature, err = r.vec16(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SignedParams builds the exact preimage signed over a DHE
// ServerKeyExchange: client_random || server_random || DHparams, per
// spec.md §4.9.
func (m ServerKeyExchangeDH) SignedParams(clientRandom, serverRandom []byte) []byte {
	w := &writer{}
	w.raw(clientRandom)
	w.raw(serverRandom)
	w.vec16(m.P)
	w.vec16(m.G)
	w.vec16(m.Ys)
	return w.buf
}

// --- CertificateRequest ---

type CertificateRequestMsg struct {
	CertTypes           []byte
	SignatureAlgorithms []SigAlgPair // TLS 1.2 only
	Authorities         [][]byte
}

func (m CertificateRequestMsg) Encode(version uint16) []byte {
	w := &writer{}
	w.vec8(m.CertTypes)
	if version >= 0x0303 {
		w.raw(EncodeSignatureAlgorithms(m.SignatureAlgorithms))
	}
	auth := &writer{}
	for _, a := range m.Authorities {
		auth.vec16(a)
	}
	w.vec16(auth.buf)
	return w.buf
}

func DecodeCertificateRequestMsg(body []byte, version uint16) (*CertificateRequestMsg, error) {
	r := &reader{buf: body, op: "tlshandshake.DecodeCertificateRequestMsg"}
	m := &CertificateRequestMsg{}
	var err error
	if m.CertTypes, err = r.vec8(); err != nil {
		return nil, err
	}
	if version >= 0x0303 {
		listRaw, err := r.vec16()
		if err != nil {
			return nil, err
		}
		if m.SignatureAlgorithms, err = decodeSigAlgPairs(listRaw, r.op); err != nil {
			return nil, err
		}
	}
	authRaw, err := r.vec16()
	if err != nil {
		return nil, err
	}
	ar := &reader{buf: authRaw, op: r.op}
	for !ar.done() {
		a, err := ar.vec16()
		if err != nil {
			return nil, err
		}
		m.Authorities = append(m.Authorities, a)
	}
	return m, nil
}

// --- ClientKeyExchange ---

// ClientKeyExchangeRSA carries the RSA-encrypted premaster secret. For
// SSL 3.0 the ciphertext has no length prefix; for TLS it is prefixed
// with its own 2-byte length, per spec.md §4.9's "For TLS version > SSL
// 3.0 the ciphertext is prefixed with a 2-byte length" note.
type ClientKeyExchangeRSA struct {
	EncryptedPreMasterSecret []byte
}

func (m ClientKeyExchangeRSA) Encode(version uint16) []byte {
	w := &writer{}
	if version == 0x0300 {
		w.raw(m.EncryptedPreMasterSecret)
	} else {
		w.vec16(m.EncryptedPreMasterSecret)
	}
	return w.buf
}

func DecodeClientKeyExchangeRSA(body []byte, version uint16) (*ClientKeyExchangeRSA, error) {
	if version == 0x0300 {
		return &ClientKeyExchangeRSA{EncryptedPreMasterSecret: append([]byte(nil), body...)}, nil
	}
	r := &reader{buf: body, op: "tlshandshake.DecodeClientKeyExchangeRSA"}
	pms, err := r.vec16()
	if err != nil {
		return nil, err
	}
	return &ClientKeyExchangeRSA{EncryptedPreMasterSecret: pms}, nil
}

// ClientKeyExchangeDH carries the client's DH public value Yc.
type ClientKeyExchangeDH struct {
	Yc []byte
}

func (m ClientKeyExchangeDH) Encode() []byte {
	w := &writer{}
	w.vec16(m.Yc)
	return w.buf
}

func DecodeClientKeyExchangeDH(body []byte) (*ClientKeyExchangeDH, error) {
	r := &reader{buf: body, op: "tlshandshake.DecodeClientKeyExchangeDH"}
	yc, err := r.vec16()
	if err != nil {
		return nil, err
	}
	return &ClientKeyExchangeDH{Yc: yc}, nil
}

// --- CertificateVerify ---

type CertificateVerifyMsg struct {
	SigPair   SigAlgPair // only meaningful for TLS 1.2
	Signature []byte
}

func (m CertificateVerifyMsg) Encode(version uint16) []byte {
	w := &writer{}
	if version >= 0x0303 {
		w.u8(m.SigPair.Hash)
		w.u8(m.SigPair.Sig)
	}
	w.vec16(m.Signature)
	return w.buf
}

func DecodeCertificateVerifyMsg(body []byte, version uint16) (*CertificateVerifyMsg, error) {
	r := &reader{buf: body, op: "tlshandshake.DecodeCertificateVerifyMsg"}
	m := &CertificateVerifyMsg{}
	var err error
	if version >= 0x0303 {
		if m.SigPair.Hash, err = r.u8(); err != nil {
			return nil, err
		}
		if m.SigPair.Sig, err = r.u8(); err != nil {
			return nil, err
		}
	}
	if m.Signature, err = r.vec16(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- Finished ---

type FinishedMsg struct {
	VerifyData []byte
}

func (m FinishedMsg) Encode() []byte { return append([]byte(nil), m.VerifyData...) }

func DecodeFinishedMsg(body []byte, expectedLen int) (*FinishedMsg, error) {
	if len(body) != expectedLen {
		return nil, stackerr.New(stackerr.DecodingFailed, "tlshandshake.DecodeFinishedMsg", fmt.Errorf("verify_data length mismatch"))
	}
	return &FinishedMsg{VerifyData: append([]byte(nil), body...)}, nil
}
