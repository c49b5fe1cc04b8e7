// Package tlsrecord implements the TLS record layer: fragmentation, null
// compression, MAC, encryption and sequence-numbered records over a TCP
// byte stream, plus handshake-message reassembly, per spec.md §4.8.
package tlsrecord

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/embeddednet/tlsstack/hashset"
	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/stackerr"
)

// newHMAC builds an HMAC over the given hash algorithm and key using the
// standard library's crypto/hmac, the canonical Go HMAC implementation.
func newHMAC(alg hashset.Algorithm, key []byte) hash.Hash {
	return hmac.New(func() hash.Hash { return hashset.New(alg) }, key)
}

// ContentType is the record-layer content type byte.
type ContentType uint8

const (
	ContentChangeCipherSpec ContentType = 20
	ContentAlert            ContentType = 21
	ContentHandshake        ContentType = 22
	ContentApplicationData  ContentType = 23
)

// MaxFragmentLength is the largest plaintext fragment this layer accepts
// per outbound record, spec.md §4.8's 2^14 bound.
const MaxFragmentLength = 16384

// headerLen is type(1) + version(2) + length(2).
const headerLen = 5

// CipherSpec bundles the keys and MAC algorithm negotiated for one
// direction (read or write), installed on ChangeCipherSpec.
type CipherSpec struct {
	Cipher  *BulkCipher
	MACAlgo hashset.Algorithm // None for AEAD suites, which fold authentication into the cipher
	MACKey  []byte
	FixedIV []byte // TLS 1.0 CBC's implicit IV, or GCM's 4-byte fixed portion
}

// Conn is one direction-pair record-layer session over an underlying
// byte stream, tracking per-direction sequence numbers and the current
// (possibly nil, meaning plaintext) cipher spec, per spec.md §3's TLS
// Context record-key fields.
type Conn struct {
	rw      io.ReadWriter
	version uint16

	writeSeq  uint64
	readSeq   uint64
	writeSpec *CipherSpec
	readSpec  *CipherSpec

	// handshake message reassembly: a contiguous stream of decrypted
	// Handshake-type record fragments, consumed one msg_type(1)||length(3)||body
	// message at a time (spec.md §4.8).
	handshakeBuf []byte
}

// NewConn wraps rw for record-layer framing at the given negotiated
// version (updated via SetVersion once ServerHello is processed).
func NewConn(rw io.ReadWriter, version uint16) *Conn {
	return &Conn{rw: rw, version: version}
}

// SetVersion updates the record version used for outbound headers.
func (c *Conn) SetVersion(version uint16) { c.version = version }

// SetWriteCipherSpec installs spec as the active write direction cipher
// and resets the write sequence number to zero, per spec.md §3.
func (c *Conn) SetWriteCipherSpec(spec *CipherSpec) {
	c.writeSpec = spec
	c.writeSeq = 0
}

// SetReadCipherSpec installs spec as the active read direction cipher and
// resets the read sequence number to zero.
func (c *Conn) SetReadCipherSpec(spec *CipherSpec) {
	c.readSpec = spec
	c.readSeq = 0
}

// macInput builds seq(8) || type(1) || version(2) || length(2) || fragment,
// the exact MAC/AEAD-associated-data preimage from spec.md §4.8.
func macInput(seq uint64, typ ContentType, version uint16, fragment []byte) []byte {
	buf := make([]byte, 13+len(fragment))
	binary.BigEndian.PutUint64(buf[0:8], seq)
	buf[8] = byte(typ)
	binary.BigEndian.PutUint16(buf[9:11], version)
	binary.BigEndian.PutUint16(buf[11:13], uint16(len(fragment)))
	copy(buf[13:], fragment)
	return buf
}

// WriteRecord fragments and emits payload as one or more records of the
// given content type, applying the active write cipher spec if any.
func (c *Conn) WriteRecord(typ ContentType, payload []byte) error {
	if len(payload) == 0 {
		return c.writeOneFragment(typ, nil)
	}
	for offset := 0; offset < len(payload); offset += MaxFragmentLength {
		end := offset + MaxFragmentLength
		if end > len(payload) {
			end = len(payload)
		}
		if err := c.writeOneFragment(typ, payload[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) writeOneFragment(typ ContentType, fragment []byte) error {
	if c.writeSeq == ^uint64(0) {
		return stackerr.New(stackerr.Failure, "tlsrecord.writeOneFragment", fmt.Errorf("write sequence number wrapped"))
	}

	ciphertext, err := c.protect(typ, fragment)
	if err != nil {
		return err
	}
	c.writeSeq++

	header := make([]byte, headerLen)
	header[0] = byte(typ)
	binary.BigEndian.PutUint16(header[1:3], c.version)
	binary.BigEndian.PutUint16(header[3:5], uint16(len(ciphertext)))
	if _, err := c.rw.Write(header); err != nil {
		return stackerr.New(stackerr.ConnectionReset, "tlsrecord.writeOneFragment", err)
	}
	if _, err := c.rw.Write(ciphertext); err != nil {
		return stackerr.New(stackerr.ConnectionReset, "tlsrecord.writeOneFragment", err)
	}
	return nil
}

// protect applies the current write cipher spec's MAC + encryption to
// one fragment, returning the bytes to place after the record header.
func (c *Conn) protect(typ ContentType, fragment []byte) ([]byte, error) {
	seq := c.writeSeq
	spec := c.writeSpec
	if spec == nil {
		return fragment, nil
	}
	switch spec.Cipher.Type {
	case CipherStream:
		mac := newHMAC(spec.MACAlgo, spec.MACKey)
		mac.Write(macInput(seq, typ, c.version, fragment))
		tag := mac.Sum(nil)
		plain := append(append([]byte{}, fragment...), tag...)
		out := make([]byte, len(plain))
		if err := spec.Cipher.StreamXOR(out, plain); err != nil {
			return nil, err
		}
		return out, nil
	case CipherCBC:
		mac := newHMAC(spec.MACAlgo, spec.MACKey)
		mac.Write(macInput(seq, typ, c.version, fragment))
		tag := mac.Sum(nil)
		plain := append(append([]byte{}, fragment...), tag...)

		if spec.Cipher.IVSize > 0 {
			iv := make([]byte, spec.Cipher.IVSize)
			if _, err := io.ReadFull(rand.Reader, iv); err != nil {
				return nil, stackerr.New(stackerr.Failure, "tlsrecord.protect", err)
			}
			enc, err := spec.Cipher.EncryptCBC(iv, plain)
			if err != nil {
				return nil, err
			}
			return append(iv, enc...), nil
		}
		return spec.Cipher.EncryptCBC(spec.FixedIV, plain)
	case CipherGCM:
		nonce := make([]byte, 12)
		copy(nonce, spec.FixedIV) // 4-byte fixed portion
		binary.BigEndian.PutUint64(nonce[4:], seq)
		ad := macInput(seq, typ, c.version, fragment)
		// AEAD associated data excludes the plaintext; re-derive length-only header.
		ad = ad[:13]
		sealed := spec.Cipher.SealGCM(nonce, fragment, ad)
		explicitNonce := nonce[4:]
		return append(append([]byte{}, explicitNonce...), sealed...), nil
	}
	return nil, stackerr.New(stackerr.Failure, "tlsrecord.protect", fmt.Errorf("unknown cipher type"))
}

// ReadRecord reads exactly one record from the underlying stream,
// decrypts/verifies it per the active read cipher spec, and returns its
// content type and plaintext fragment.
func (c *Conn) ReadRecord() (ContentType, []byte, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(c.rw, header); err != nil {
		return 0, nil, stackerr.New(stackerr.ConnectionReset, "tlsrecord.ReadRecord", err)
	}
	typ := ContentType(header[0])
	version := binary.BigEndian.Uint16(header[1:3])
	length := binary.BigEndian.Uint16(header[3:5])
	if length > MaxFragmentLength+2048 { // generous ceiling for MAC+padding+IV overhead
		return 0, nil, stackerr.New(stackerr.DecodingFailed, "tlsrecord.ReadRecord", fmt.Errorf("record too large"))
	}
	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(c.rw, ciphertext); err != nil {
		return 0, nil, stackerr.New(stackerr.ConnectionReset, "tlsrecord.ReadRecord", err)
	}

	if c.readSeq == ^uint64(0) {
		return 0, nil, stackerr.New(stackerr.Failure, "tlsrecord.ReadRecord", fmt.Errorf("read sequence number wrapped"))
	}
	fragment, err := c.unprotect(typ, version, ciphertext)
	if err != nil {
		return 0, nil, err
	}
	c.readSeq++

	if typ == ContentHandshake {
		c.handshakeBuf = append(c.handshakeBuf, fragment...)
	}
	return typ, fragment, nil
}

func (c *Conn) unprotect(typ ContentType, version uint16, ciphertext []byte) ([]byte, error) {
	seq := c.readSeq
	spec := c.readSpec
	if spec == nil {
		return ciphertext, nil
	}
	macSize := 0
	if spec.MACAlgo != hashset.None {
		if cap, ok := hashset.Lookup(spec.MACAlgo); ok {
			macSize = cap.DigestSize
		}
	}

	switch spec.Cipher.Type {
	case CipherStream:
		plain := make([]byte, len(ciphertext))
		if err := spec.Cipher.StreamXOR(plain, ciphertext); err != nil {
			return nil, err
		}
		if len(plain) < macSize {
			return nil, stackerr.New(stackerr.DecodingFailed, "tlsrecord.unprotect", fmt.Errorf("record shorter than MAC"))
		}
		fragment, tag := plain[:len(plain)-macSize], plain[len(plain)-macSize:]
		return fragment, verifyMAC(spec, seq, typ, version, fragment, tag)
	case CipherCBC:
		body := ciphertext
		if spec.Cipher.IVSize > 0 {
			if len(ciphertext) < spec.Cipher.IVSize {
				return nil, stackerr.New(stackerr.DecodingFailed, "tlsrecord.unprotect", fmt.Errorf("record shorter than IV"))
			}
			iv := ciphertext[:spec.Cipher.IVSize]
			body = ciphertext[spec.Cipher.IVSize:]
			plain, err := spec.Cipher.DecryptCBC(iv, body)
			if err != nil {
				return nil, err
			}
			return splitMAC(spec, seq, typ, version, plain, macSize)
		}
		plain, err := spec.Cipher.DecryptCBC(spec.FixedIV, body)
		if err != nil {
			return nil, err
		}
		return splitMAC(spec, seq, typ, version, plain, macSize)
	case CipherGCM:
		if len(ciphertext) < 8 {
			return nil, stackerr.New(stackerr.DecodingFailed, "tlsrecord.unprotect", fmt.Errorf("record shorter than GCM nonce"))
		}
		nonce := make([]byte, 12)
		copy(nonce, spec.FixedIV)
		copy(nonce[4:], ciphertext[:8])
		sealed := ciphertext[8:]
		plainLen := len(sealed) - 16
		if plainLen < 0 {
			plainLen = 0
		}
		ad := macInput(seq, typ, version, make([]byte, plainLen))[:13]
		return spec.Cipher.OpenGCM(nonce, sealed, ad)
	}
	return nil, stackerr.New(stackerr.Failure, "tlsrecord.unprotect", fmt.Errorf("unknown cipher type"))
}

func splitMAC(spec *CipherSpec, seq uint64, typ ContentType, version uint16, plain []byte, macSize int) ([]byte, error) {
	if len(plain) < macSize {
		return nil, stackerr.New(stackerr.DecodingFailed, "tlsrecord.splitMAC", fmt.Errorf("record shorter than MAC"))
	}
	fragment, tag := plain[:len(plain)-macSize], plain[len(plain)-macSize:]
	return fragment, verifyMAC(spec, seq, typ, version, fragment, tag)
}

func verifyMAC(spec *CipherSpec, seq uint64, typ ContentType, version uint16, fragment, tag []byte) error {
	mac := newHMAC(spec.MACAlgo, spec.MACKey)
	mac.Write(macInput(seq, typ, version, fragment))
	want := mac.Sum(nil)
	if !constantTimeEqual(want, tag) {
		return stackerr.New(stackerr.DecodingFailed, "tlsrecord.verifyMAC", fmt.Errorf("bad_record_mac"))
	}
	return nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// NextHandshakeMessage consumes one reassembled handshake message
// (msg_type(1) || length(3) || body) from the accumulated Handshake-type
// fragment stream, reading further records as needed, per spec.md §4.8's
// "a single handshake message may span multiple records and multiple
// messages may share a record" note.
func (c *Conn) NextHandshakeMessage() (msgType byte, body []byte, err error) {
	for len(c.handshakeBuf) < 4 {
		typ, _, err := c.ReadRecord()
		if err != nil {
			return 0, nil, err
		}
		if typ != ContentHandshake {
			return 0, nil, stackerr.New(stackerr.UnexpectedMessage, "tlsrecord.NextHandshakeMessage", fmt.Errorf("expected handshake record, got type %d", typ))
		}
	}
	msgType = c.handshakeBuf[0]
	length := int(c.handshakeBuf[1])<<16 | int(c.handshakeBuf[2])<<8 | int(c.handshakeBuf[3])
	for len(c.handshakeBuf) < 4+length {
		typ, _, err := c.ReadRecord()
		if err != nil {
			return 0, nil, err
		}
		if typ != ContentHandshake {
			return 0, nil, stackerr.New(stackerr.UnexpectedMessage, "tlsrecord.NextHandshakeMessage", fmt.Errorf("expected handshake record, got type %d", typ))
		}
	}
	body = append([]byte(nil), c.handshakeBuf[4:4+length]...)
	c.handshakeBuf = c.handshakeBuf[4+length:]
	return msgType, body, nil
}

// EncodeHandshakeMessage wraps body with its msg_type(1) || length(3) header.
func EncodeHandshakeMessage(msgType byte, body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[0] = msgType
	out[1] = byte(len(body) >> 16)
	out[2] = byte(len(body) >> 8)
	out[3] = byte(len(body))
	copy(out[4:], body)
	return out
}

// DefaultConfigVersion returns the TLS version byte pair for v.
func DefaultConfigVersion(v stackcfg.TLSVersion) uint16 { return uint16(v) }
