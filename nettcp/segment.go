// segment.go defines the TCP header wire format and its flags, per
// spec.md §4.7 / RFC 793. This stack sits directly above whatever carries
// IP payloads for the caller (see Link in cb.go); pseudo-header checksum
// verification therefore has no grounding in this pack (no IP layer was
// retrieved alongside the teacher) and is left to the caller's transport,
// documented as a scope reduction rather than reimplemented by guesswork.
package nettcp

import (
	"encoding/binary"
	"fmt"

	"github.com/embeddednet/tlsstack/stackerr"
)

// Flags is the set of control bits in a TCP header.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

func (f Flags) String() string {
	s := ""
	for _, pair := range []struct {
		bit  Flags
		name string
	}{{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"}, {FlagRST, "RST"}, {FlagPSH, "PSH"}, {FlagURG, "URG"}} {
		if f.Has(pair.bit) {
			if s != "" {
				s += "|"
			}
			s += pair.name
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// minHeaderLen is the fixed TCP header length without options.
const minHeaderLen = 20

// Segment is one TCP header plus payload.
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            Flags
	Window           uint16
	Options          Options
	Payload          []byte
}

// Encode serializes seg into a TCP segment, computing DataOffset from the
// encoded option length.
func Encode(seg *Segment) []byte {
	opts := EncodeOptions(seg.Options)
	headerLen := minHeaderLen + len(opts)
	dataOffsetWords := headerLen / 4

	out := make([]byte, headerLen+len(seg.Payload))
	binary.BigEndian.PutUint16(out[0:2], seg.SrcPort)
	binary.BigEndian.PutUint16(out[2:4], seg.DstPort)
	binary.BigEndian.PutUint32(out[4:8], seg.Seq)
	binary.BigEndian.PutUint32(out[8:12], seg.Ack)
	out[12] = byte(dataOffsetWords << 4)
	out[13] = byte(seg.Flags)
	binary.BigEndian.PutUint16(out[14:16], seg.Window)
	// out[16:18] checksum, out[18:20] urgent pointer: left zero, see the
	// package doc comment on checksum scope.
	copy(out[minHeaderLen:], opts)
	copy(out[headerLen:], seg.Payload)
	return out
}

// Decode parses a raw TCP segment.
func Decode(b []byte) (*Segment, error) {
	if len(b) < minHeaderLen {
		return nil, stackerr.New(stackerr.InvalidLength, "nettcp.Decode", fmt.Errorf("segment shorter than fixed header"))
	}
	dataOffsetWords := int(b[12] >> 4)
	headerLen := dataOffsetWords * 4
	if headerLen < minHeaderLen || headerLen > len(b) {
		return nil, stackerr.New(stackerr.InvalidHeader, "nettcp.Decode", fmt.Errorf("bad data offset"))
	}
	opts, err := ParseOptions(b[minHeaderLen:headerLen])
	if err != nil {
		return nil, err
	}
	seg := &Segment{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint32(b[4:8]),
		Ack:     binary.BigEndian.Uint32(b[8:12]),
		Flags:   Flags(b[13]),
		Window:  binary.BigEndian.Uint16(b[14:16]),
		Options: opts,
		Payload: append([]byte(nil), b[headerLen:]...),
	}
	return seg, nil
}

// SeqLen is the number of sequence-space numbers a segment consumes: its
// payload length plus one for SYN and one for FIN (RFC 793 §3.3).
func SeqLen(seg *Segment) uint32 {
	n := uint32(len(seg.Payload))
	if seg.Flags.Has(FlagSYN) {
		n++
	}
	if seg.Flags.Has(FlagFIN) {
		n++
	}
	return n
}
