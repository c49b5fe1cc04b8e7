// closing.go implements the FIN_WAIT_1/FIN_WAIT_2/CLOSING/TIME_WAIT and
// CLOSE_WAIT/LAST_ACK halves of spec.md §4.7's closing sequence.
package nettcp

import "time"

// processFIN advances the state machine on an inbound FIN. Assumes cb.mu
// is already held (called from Deliver, after processACK/processPayload).
func (cb *ControlBlock) processFIN(seg *Segment, now time.Time) {
	finSeq := seg.Seq + uint32(len(seg.Payload))
	if finSeq != cb.rcvNxt {
		return // FIN not yet in sequence; wait for the missing data first
	}
	cb.rcvNxt++

	switch cb.state {
	case StateEstablished:
		cb.setState(StateCloseWait)
		cb.ackFIN()
	case StateFinWait1:
		if len(cb.retransmitQueue) == 0 {
			// our FIN was already acked (simultaneous close)
			cb.setState(StateTimeWait)
			cb.timeWaitDeadline = now.Add(TwoMSL)
		} else {
			cb.setState(StateClosing)
		}
		cb.ackFIN()
	case StateFinWait2:
		cb.setState(StateTimeWait)
		cb.timeWaitDeadline = now.Add(TwoMSL)
		cb.ackFIN()
	case StateTimeWait:
		// retransmitted FIN: re-ACK and restart the 2MSL timer.
		cb.timeWaitDeadline = now.Add(TwoMSL)
		cb.ackFIN()
	}
}

func (cb *ControlBlock) ackFIN() {
	ack := &Segment{
		SrcPort: cb.localPort, DstPort: cb.peerPort,
		Seq: cb.sndNxt, Ack: cb.rcvNxt, Flags: FlagACK, Window: cb.rcvWnd16(),
	}
	_ = cb.link.WriteSegment(Encode(ack))
}
