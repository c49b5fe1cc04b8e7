// fsm.go drives state transitions from inbound segments (Deliver) and
// from the periodic tick task (Tick), per spec.md §4.7/§5. The tick task
// is the same "a small set of cooperating tasks" idiom as the rest of the
// stack (SPEC_FULL.md §4.7): callers register Tick on an ostask-supervised
// goroutine instead of this package owning a wall-clock timer, which also
// makes the whole FSM deterministically testable by passing explicit
// `now` values.
package nettcp

import (
	"fmt"
	"time"

	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/stackerr"
)

// Deliver processes one inbound segment, per RFC 793 §3.9's segment
// arrival procedure (restricted to the subset of states and transitions
// spec.md §4.7 names).
func (cb *ControlBlock) Deliver(seg *Segment, now time.Time) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateListen:
		return cb.deliverListen(seg, now)
	case StateSynSent:
		return cb.deliverSynSent(seg, now)
	default:
		return cb.deliverGeneral(seg, now)
	}
}

func (cb *ControlBlock) deliverListen(seg *Segment, now time.Time) error {
	if seg.Flags.Has(FlagRST) {
		return nil
	}
	if !seg.Flags.Has(FlagSYN) {
		return nil
	}
	if len(cb.synBacklog)+len(cb.synQueue) >= cb.synQueueCap {
		return nil // bounded SYN queue full, silently drop per common practice
	}
	child := NewControlBlockWithLogger(cb.cfg, cb.link, cb.log)
	child.localPort, child.peerPort = cb.localPort, seg.SrcPort
	child.irs = seg.Seq
	child.rcvNxt = seg.Seq + 1
	child.iss = seg.Seq ^ 0x5a5a5a5a // deterministic-from-peer ISS for test reproducibility
	child.sndUna, child.sndNxt = child.iss, child.iss+1
	child.mss = negotiatedMSS(cb.cfg, seg.Options)
	child.peerSACKPermitted = seg.Options.SACKPermitted && cb.cfg.TCPSackSupport
	child.weSentSACKPermit = cb.cfg.TCPSackSupport
	child.state = StateSynReceived
	child.parent = cb
	cb.synBacklog[child.irs] = &synQueueEntry{child: child}

	reply := &Segment{
		SrcPort: child.localPort, DstPort: child.peerPort,
		Seq: child.iss, Ack: child.rcvNxt, Flags: FlagSYN | FlagACK, Window: child.rcvWnd16(),
		Options: Options{MSS: uint16(cb.cfg.TCPMaxMSS), HasMSS: true, SACKPermitted: child.weSentSACKPermit},
	}
	return child.sendAndQueue(reply, now)
}

func negotiatedMSS(cfg *stackcfg.Config, opts Options) uint32 {
	mss := uint32(cfg.TCPMaxMSS)
	if opts.HasMSS && uint32(opts.MSS) < mss {
		mss = uint32(opts.MSS)
	}
	if mss < uint32(cfg.TCPMinMSS) {
		mss = uint32(cfg.TCPMinMSS)
	}
	return mss
}

func (cb *ControlBlock) deliverSynSent(seg *Segment, now time.Time) error {
	if seg.Flags.Has(FlagRST) {
		cb.setState(StateClosed)
		return cb.fail(stackerr.ConnectionRefused, "nettcp.Deliver", fmt.Errorf("RST in SYN_SENT"))
	}
	if !seg.Flags.Has(FlagSYN) {
		return nil
	}
	if seg.Flags.Has(FlagACK) && seg.Ack != cb.sndNxt {
		return nil // unacceptable ACK, per RFC 793 §3.9 SYN-SENT processing
	}
	cb.irs = seg.Seq
	cb.rcvNxt = seg.Seq + 1
	cb.mss = negotiatedMSS(cb.cfg, seg.Options)
	cb.peerSACKPermitted = seg.Options.SACKPermitted && cb.weSentSACKPermit
	cb.cong = NewCongestionState(cb.mss)
	cb.sndWnd = uint32(seg.Window)

	if !seg.Flags.Has(FlagACK) {
		return nil // simultaneous open, not modeled; spec.md §4.7 only requires the common case
	}
	cb.ackRetransmitQueue(seg.Ack, now)
	cb.setState(StateEstablished)
	ack := &Segment{
		SrcPort: cb.localPort, DstPort: cb.peerPort,
		Seq: cb.sndNxt, Ack: cb.rcvNxt, Flags: FlagACK, Window: cb.rcvWnd16(),
	}
	return cb.writeOnly(ack)
}

// deliverGeneral handles SYN_RECEIVED and the ESTABLISHED/closing states,
// the shared "segment acceptable / process ACK / process data / process
// FIN" pipeline of RFC 793 §3.9.
func (cb *ControlBlock) deliverGeneral(seg *Segment, now time.Time) error {
	if seg.Flags.Has(FlagRST) {
		cb.setState(StateClosed)
		return cb.fail(stackerr.ConnectionReset, "nettcp.Deliver", fmt.Errorf("RST in %s", cb.state))
	}

	if !cb.segmentAcceptable(seg) {
		ack := &Segment{SrcPort: cb.localPort, DstPort: cb.peerPort, Seq: cb.sndNxt, Ack: cb.rcvNxt, Flags: FlagACK, Window: cb.rcvWnd16()}
		return cb.writeOnly(ack)
	}

	if cb.state == StateSynReceived {
		if !seg.Flags.Has(FlagACK) || seg.Ack != cb.sndNxt {
			return nil
		}
		cb.setState(StateEstablished)
		cb.ackRetransmitQueue(seg.Ack, now)
		if cb.parent != nil {
			cb.parent.promoteChild(cb)
		}
	}

	if seg.Flags.Has(FlagACK) {
		cb.processACK(seg, now)
	}

	cb.processPayload(seg, now)

	if seg.Flags.Has(FlagFIN) {
		cb.processFIN(seg, now)
	}
	return nil
}

func (cb *ControlBlock) segmentAcceptable(seg *Segment) bool {
	n := SeqLen(seg)
	if n == 0 {
		return seqInWindow(seg.Seq, cb.rcvNxt, 1) || cb.rcvWnd == 0
	}
	return seqInWindow(seg.Seq, cb.rcvNxt, cb.rcvWnd) || seqInWindow(seg.Seq+n-1, cb.rcvNxt, cb.rcvWnd)
}

func (cb *ControlBlock) writeOnly(seg *Segment) error {
	if err := cb.link.WriteSegment(Encode(seg)); err != nil {
		return cb.fail(stackerr.ConnectionReset, "nettcp.writeOnly", err)
	}
	return nil
}
