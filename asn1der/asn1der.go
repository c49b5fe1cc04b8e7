// Package asn1der implements the minimal DER tag/length/value reader (and
// a small encoder for the handful of structures this stack must emit,
// such as PKCS#1 DigestInfo and DSA signatures) described in
// SPEC_FULL.md §4.6. It intentionally does not attempt to be a general
// ASN.1 library — only definite-length BER/DER, which is all X.509 and
// the handshake's signature encodings ever use.
package asn1der

import (
	"fmt"

	"github.com/embeddednet/tlsstack/stackerr"
)

// Class is the ASN.1 tag class.
type Class uint8

const (
	ClassUniversal Class = iota
	ClassApplication
	ClassContextSpecific
	ClassPrivate
)

// Universal tag numbers used throughout X.509.
const (
	TagBoolean         = 1
	TagInteger         = 2
	TagBitString       = 3
	TagOctetString     = 4
	TagNull            = 5
	TagOID             = 6
	TagUTF8String      = 12
	TagSequence        = 16
	TagSet             = 17
	TagPrintableString = 19
	TagIA5String       = 22
	TagUTCTime         = 23
	TagGeneralizedTime = 24
)

// Element is a single parsed tag/length/value, with Value referencing
// (not copying) the input buffer per SPEC_FULL.md §3's "no copies"
// invariant for certificate data.
type Element struct {
	Class       Class
	Constructed bool
	Tag         int
	Length      int
	Value       []byte // exactly Length bytes
	TotalLength int    // header + Length; how far to advance in the parent buffer
}

// ReadElement parses one tag/length/value starting at the beginning of
// buf. It supports the short and long definite-length forms and rejects
// the indefinite-length form (0x80), which the spec does not use.
func ReadElement(buf []byte) (Element, error) {
	if len(buf) < 2 {
		return Element{}, stackerr.New(stackerr.InvalidHeader, "asn1der.ReadElement", fmt.Errorf("buffer too short"))
	}
	first := buf[0]
	class := Class((first >> 6) & 0x3)
	constructed := first&0x20 != 0
	tag := int(first & 0x1f)
	pos := 1
	if tag == 0x1f {
		// High-tag-number form: not used by anything this stack parses.
		return Element{}, stackerr.New(stackerr.InvalidTag, "asn1der.ReadElement", fmt.Errorf("high tag number form unsupported"))
	}

	lenByte := buf[pos]
	pos++
	var length int
	if lenByte&0x80 == 0 {
		length = int(lenByte)
	} else {
		numBytes := int(lenByte & 0x7f)
		if numBytes == 0 {
			return Element{}, stackerr.New(stackerr.InvalidLength, "asn1der.ReadElement", fmt.Errorf("indefinite length not supported"))
		}
		if pos+numBytes > len(buf) {
			return Element{}, stackerr.New(stackerr.InvalidLength, "asn1der.ReadElement", fmt.Errorf("truncated length"))
		}
		for i := 0; i < numBytes; i++ {
			length = length<<8 | int(buf[pos+i])
		}
		pos += numBytes
	}
	if length < 0 || pos+length > len(buf) {
		return Element{}, stackerr.New(stackerr.InvalidLength, "asn1der.ReadElement", fmt.Errorf("length exceeds buffer"))
	}

	return Element{
		Class:       class,
		Constructed: constructed,
		Tag:         tag,
		Length:      length,
		Value:       buf[pos : pos+length],
		TotalLength: pos + length,
	}, nil
}

// ExpectTag validates (class, tag, constructed) and returns
// stackerr.InvalidTag if any mismatches.
func ExpectTag(e Element, class Class, tag int, constructed bool) error {
	if e.Class != class || e.Tag != tag || e.Constructed != constructed {
		return stackerr.New(stackerr.InvalidTag, "asn1der.ExpectTag",
			fmt.Errorf("want class=%d tag=%d constructed=%v, got class=%d tag=%d constructed=%v",
				class, tag, constructed, e.Class, e.Tag, e.Constructed))
	}
	return nil
}

// OID is a parsed dotted object identifier's raw DER content bytes; it is
// compared by byte equality rather than decoding arcs, which is both
// cheaper and exactly what OID comparison needs.
type OID []byte

// Equal reports whether two OIDs' encoded content is byte-identical.
func (o OID) Equal(other OID) bool {
	if len(o) != len(other) {
		return false
	}
	for i := range o {
		if o[i] != other[i] {
			return false
		}
	}
	return true
}

// EncodeLength encodes n using the shortest definite-length form.
func EncodeLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var be []byte
	for v := n; v > 0; v >>= 8 {
		be = append([]byte{byte(v)}, be...)
	}
	return append([]byte{0x80 | byte(len(be))}, be...)
}

// EncodeTLV builds a single tag/length/value element for class/tag with
// the given constructed bit and content.
func EncodeTLV(class Class, constructed bool, tag int, content []byte) []byte {
	first := byte(class)<<6 | byte(tag)
	if constructed {
		first |= 0x20
	}
	out := append([]byte{first}, EncodeLength(len(content))...)
	return append(out, content...)
}

// EncodeSequence wraps the concatenation of parts in a SEQUENCE.
func EncodeSequence(parts ...[]byte) []byte {
	var content []byte
	for _, p := range parts {
		content = append(content, p...)
	}
	return EncodeTLV(ClassUniversal, true, TagSequence, content)
}

// EncodeInteger DER-encodes a non-negative big-endian magnitude as an
// INTEGER, prefixing a 0x00 byte when the high bit is set so the value is
// not misread as negative (DER's canonical minimal-length two's-complement
// rule).
func EncodeInteger(magnitude []byte) []byte {
	// Strip leading zero bytes first so we add back at most one.
	i := 0
	for i < len(magnitude)-1 && magnitude[i] == 0 {
		i++
	}
	m := magnitude[i:]
	if len(m) == 0 {
		m = []byte{0}
	}
	if m[0]&0x80 != 0 {
		m = append([]byte{0}, m...)
	}
	return EncodeTLV(ClassUniversal, false, TagInteger, m)
}

// EncodeOID wraps a pre-encoded OID's arc bytes as an OBJECT IDENTIFIER.
func EncodeOID(arcs OID) []byte {
	return EncodeTLV(ClassUniversal, false, TagOID, arcs)
}

// EncodeNull returns the DER NULL element.
func EncodeNull() []byte {
	return EncodeTLV(ClassUniversal, false, TagNull, nil)
}

// EncodeOctetString wraps data as an OCTET STRING.
func EncodeOctetString(data []byte) []byte {
	return EncodeTLV(ClassUniversal, false, TagOctetString, data)
}

// EncodeBitString wraps data as a BIT STRING with zero unused bits, the
// form X.509 uses for subjectPublicKey and signatureValue.
func EncodeBitString(data []byte) []byte {
	return EncodeTLV(ClassUniversal, false, TagBitString, append([]byte{0x00}, data...))
}
