// ack.go processes inbound ACKs against the retransmit queue: cumulative
// acknowledgment, Karn-qualified RTT sampling, RFC 5681 congestion window
// updates, RFC 2018 SACK-driven retransmit skipping, and duplicate-ACK
// triggered fast retransmit, per spec.md §4.7.
package nettcp

import "time"

// ackRetransmitQueue advances sndUna to ack (if ack is new and within
// range), retiring fully-covered retransmit queue entries and sampling
// RTT from any that were never retransmitted.
func (cb *ControlBlock) ackRetransmitQueue(ack uint32, now time.Time) (ackedBytes uint32, advanced bool) {
	if !seqLess(cb.sndUna, ack) || seqLess(cb.sndNxt, ack) {
		return 0, false
	}
	cb.sndUna = ack
	kept := cb.retransmitQueue[:0]
	for _, e := range cb.retransmitQueue {
		if seqLessEqual(e.seq+e.seqLen, ack) {
			ackedBytes += e.seqLen
			if e.retransmitCount == 0 && cb.rtt != nil {
				cb.rtt.Sample(now.Sub(e.sentAt))
			}
			continue
		}
		kept = append(kept, e)
	}
	cb.retransmitQueue = kept
	if len(cb.retransmitQueue) == 0 {
		cb.rtoArmed = false
		if cb.ackEvent != nil {
			cb.ackEvent.Set()
		}
	} else if cb.rtt != nil {
		cb.rtoDeadline = now.Add(cb.rtt.RTO())
	}
	return ackedBytes, true
}

// processACK folds one inbound ACK into window, retransmit-queue, and
// congestion state. Assumes cb.mu is already held (called from Deliver).
func (cb *ControlBlock) processACK(seg *Segment, now time.Time) {
	ackedBytes, advanced := cb.ackRetransmitQueue(seg.Ack, now)
	cb.sndWnd = uint32(seg.Window)

	if advanced && len(cb.retransmitQueue) == 0 {
		switch cb.state {
		case StateFinWait1:
			cb.setState(StateFinWait2)
		case StateClosing:
			cb.setState(StateTimeWait)
			cb.timeWaitDeadline = now.Add(TwoMSL)
		case StateLastAck:
			cb.setState(StateClosed)
		}
	}

	if cb.cong == nil {
		cb.cong = NewCongestionState(cb.mss)
	}

	if advanced && ackedBytes > 0 {
		cb.cong.OnNewDataAcked(ackedBytes)
		cb.applySACK(seg)
		cb.retransmitFromPump(now)
		return
	}

	cb.applySACK(seg)

	// Duplicate ACK: same cumulative ack, no new data acknowledged, and the
	// segment itself carries no payload (a pure ACK repeating the peer's
	// current expectation), per RFC 5681 §3.2.
	if seg.Ack == cb.sndUna && len(seg.Payload) == 0 && len(cb.retransmitQueue) > 0 {
		flight := cb.sndNxt - cb.sndUna
		if cb.cong.OnDupAck(flight) {
			cb.fastRetransmit(now)
		}
	}
}

// applySACK marks retransmit queue entries covered by the peer's reported
// SACK blocks so the retransmit path can skip them, per spec.md §4.7's
// "sender marks covered retransmit entries as sacked and skips them."
func (cb *ControlBlock) applySACK(seg *Segment) {
	if !cb.peerSACKPermitted || len(seg.Options.SACKBlocks) == 0 {
		return
	}
	for _, blk := range seg.Options.SACKBlocks {
		for _, e := range cb.retransmitQueue {
			if seqLessEqual(blk.Left, e.seq) && seqLessEqual(e.seq+e.seqLen, blk.Right) {
				e.sacked = true
			}
		}
	}
}

// fastRetransmit resends the first unacked, unsacked segment immediately,
// per spec.md §4.7's fast-retransmit response to TCP_FAST_RETRANSMIT_THRES
// duplicate ACKs.
func (cb *ControlBlock) fastRetransmit(now time.Time) {
	for _, e := range cb.retransmitQueue {
		if e.sacked {
			continue
		}
		e.retransmitCount++
		e.sentAt = now
		_ = cb.link.WriteSegment(e.raw)
		return
	}
}

// retransmitFromPump re-packages any remaining send-queue data now that
// the congestion window may have opened up from an ACK.
func (cb *ControlBlock) retransmitFromPump(now time.Time) {
	_ = cb.pump(now)
}
