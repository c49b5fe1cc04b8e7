// data.go handles inbound data segments: in-order delivery to the receive
// buffer, out-of-order buffering up to the advertised window, and the
// ACK/SACK-block response, per spec.md §4.7/§4.8.
package nettcp

import "time"

// processPayload folds one segment's payload into the receive buffer,
// draining any out-of-order data that becomes contiguous, then ACKs.
// Assumes cb.mu is already held (called from Deliver).
func (cb *ControlBlock) processPayload(seg *Segment, now time.Time) {
	if len(seg.Payload) == 0 {
		return
	}
	if seg.Seq == cb.rcvNxt {
		cb.recvBuf.Write(seg.Payload)
		cb.rcvNxt += uint32(len(seg.Payload))
		cb.drainOutOfOrder()
		if cb.dataEvent != nil {
			cb.dataEvent.Set()
		}
	} else if seqLess(cb.rcvNxt, seg.Seq) && seqLess(seg.Seq, cb.rcvNxt+cb.rcvWnd) {
		cb.outOfOrder[seg.Seq] = append([]byte(nil), seg.Payload...)
	}
	cb.sendDataAck()
}

func (cb *ControlBlock) drainOutOfOrder() {
	for {
		chunk, ok := cb.outOfOrder[cb.rcvNxt]
		if !ok {
			return
		}
		cb.recvBuf.Write(chunk)
		cb.rcvNxt += uint32(len(chunk))
		delete(cb.outOfOrder, cb.rcvNxt-uint32(len(chunk)))
	}
}

// sackBlocks reports up to MaxSACKBlocks contiguous out-of-order ranges
// currently buffered, for the outbound ACK's SACK option.
func (cb *ControlBlock) sackBlocks() []SACKBlock {
	if !cb.weSentSACKPermit || len(cb.outOfOrder) == 0 {
		return nil
	}
	var blocks []SACKBlock
	for seq, chunk := range cb.outOfOrder {
		blocks = append(blocks, SACKBlock{Left: seq, Right: seq + uint32(len(chunk))})
		if len(blocks) >= MaxSACKBlocks {
			break
		}
	}
	return blocks
}

func (cb *ControlBlock) sendDataAck() {
	ack := &Segment{
		SrcPort: cb.localPort, DstPort: cb.peerPort,
		Seq: cb.sndNxt, Ack: cb.rcvNxt, Flags: FlagACK, Window: cb.rcvWnd16(),
		Options: Options{SACKBlocks: cb.sackBlocks()},
	}
	_ = cb.link.WriteSegment(Encode(ack))
}
