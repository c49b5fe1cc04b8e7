// options.go parses and encodes the TCP option space named in spec.md
// §4.7: MSS, window scale (negotiated only when both SYNs carry it), SACK
// permitted, SACK blocks, NOP and END.
package nettcp

import (
	"encoding/binary"
	"fmt"

	"github.com/embeddednet/tlsstack/stackerr"
)

const (
	OptEnd          = 0
	OptNOP          = 1
	OptMSS          = 2
	OptWindowScale  = 3
	OptSACKPermit   = 4
	OptSACK         = 5
)

// MaxSACKBlocks bounds the non-contiguous ranges a receiver reports, per
// spec.md §4.7's TCP_MAX_SACK_BLOCKS.
const MaxSACKBlocks = 4

// SACKBlock is one reported non-contiguous received range.
type SACKBlock struct {
	Left, Right uint32
}

// Options holds the subset of TCP options this stack recognizes.
type Options struct {
	MSS          uint16
	HasMSS       bool
	WindowScale  uint8
	HasWindowScale bool
	SACKPermitted bool
	SACKBlocks    []SACKBlock
}

// ParseOptions walks the TCP options region of a segment header, ignoring
// (but not rejecting) option kinds it doesn't recognize so that future
// extensions on the wire don't break an established connection.
func ParseOptions(b []byte) (Options, error) {
	var opts Options
	for i := 0; i < len(b); {
		kind := b[i]
		switch kind {
		case OptEnd:
			return opts, nil
		case OptNOP:
			i++
			continue
		}
		if i+1 >= len(b) {
			return opts, stackerr.New(stackerr.InvalidLength, "nettcp.ParseOptions", fmt.Errorf("truncated option header"))
		}
		length := int(b[i+1])
		if length < 2 || i+length > len(b) {
			return opts, stackerr.New(stackerr.InvalidLength, "nettcp.ParseOptions", fmt.Errorf("bad option length"))
		}
		value := b[i+2 : i+length]
		switch kind {
		case OptMSS:
			if len(value) != 2 {
				return opts, stackerr.New(stackerr.InvalidLength, "nettcp.ParseOptions", fmt.Errorf("bad MSS option length"))
			}
			opts.MSS = binary.BigEndian.Uint16(value)
			opts.HasMSS = true
		case OptWindowScale:
			if len(value) != 1 {
				return opts, stackerr.New(stackerr.InvalidLength, "nettcp.ParseOptions", fmt.Errorf("bad window scale option length"))
			}
			opts.WindowScale = value[0]
			opts.HasWindowScale = true
		case OptSACKPermit:
			opts.SACKPermitted = true
		case OptSACK:
			if len(value)%8 != 0 {
				return opts, stackerr.New(stackerr.InvalidLength, "nettcp.ParseOptions", fmt.Errorf("bad SACK option length"))
			}
			for j := 0; j+8 <= len(value) && len(opts.SACKBlocks) < MaxSACKBlocks; j += 8 {
				opts.SACKBlocks = append(opts.SACKBlocks, SACKBlock{
					Left:  binary.BigEndian.Uint32(value[j : j+4]),
					Right: binary.BigEndian.Uint32(value[j+4 : j+8]),
				})
			}
		}
		i += length
	}
	return opts, nil
}

// EncodeOptions serializes opts, padding with NOP/END to a 4-byte boundary
// as RFC 793 expects of the option space.
func EncodeOptions(opts Options) []byte {
	var out []byte
	if opts.HasMSS {
		out = append(out, OptMSS, 4)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], opts.MSS)
		out = append(out, b[:]...)
	}
	if opts.SACKPermitted {
		out = append(out, OptSACKPermit, 2)
	}
	if opts.HasWindowScale {
		out = append(out, OptWindowScale, 3, opts.WindowScale)
	}
	if len(opts.SACKBlocks) > 0 {
		n := len(opts.SACKBlocks)
		if n > MaxSACKBlocks {
			n = MaxSACKBlocks
		}
		out = append(out, OptSACK, byte(2+8*n))
		for _, blk := range opts.SACKBlocks[:n] {
			var b [8]byte
			binary.BigEndian.PutUint32(b[0:4], blk.Left)
			binary.BigEndian.PutUint32(b[4:8], blk.Right)
			out = append(out, b[:]...)
		}
	}
	for len(out)%4 != 0 {
		out = append(out, OptNOP)
	}
	return out
}
