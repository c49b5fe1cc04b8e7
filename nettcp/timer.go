// timer.go implements the retransmission, persist, and TIME_WAIT timers
// driven by the caller's periodic tick task (spec.md §4.7/§5), rather than
// by a wall-clock timer owned by this package — see the fsm.go doc
// comment for why.
package nettcp

import (
	"fmt"
	"time"

	"github.com/embeddednet/tlsstack/stackerr"
)

// Tick advances all of a control block's timers to now, retransmitting,
// probing, or expiring TIME_WAIT as needed. Callers should invoke this
// regularly (e.g. once per tick-task iteration) for every live control
// block, mirroring the RTOS tick task spec.md §5 describes.
func (cb *ControlBlock) Tick(now time.Time) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateTimeWait && !cb.timeWaitDeadline.IsZero() && !now.Before(cb.timeWaitDeadline) {
		cb.setState(StateClosed)
		return nil
	}

	if err := cb.checkRTO(now); err != nil {
		return err
	}
	cb.checkPersist(now)
	return nil
}

// checkRTO retransmits the oldest unacked segment and backs off the RTO
// when the timer expires, per spec.md §4.7: doubled on each retransmission
// up to TCP_MAX_RETRIES, after which the connection fails with
// CONNECTION_CLOSING and moves to CLOSED.
func (cb *ControlBlock) checkRTO(now time.Time) error {
	if !cb.rtoArmed || now.Before(cb.rtoDeadline) {
		return nil
	}
	if len(cb.retransmitQueue) == 0 {
		cb.rtoArmed = false
		return nil
	}

	cb.totalRetries++
	if cb.totalRetries > cb.cfg.TCPMaxRetries {
		cb.retransmitQueue = nil
		cb.rtoArmed = false
		cb.setState(StateClosed)
		return cb.fail(stackerr.ConnectionClosing, "nettcp.checkRTO", fmt.Errorf("retransmit limit exceeded"))
	}

	flight := cb.sndNxt - cb.sndUna
	if cb.cong == nil {
		cb.cong = NewCongestionState(cb.mss)
	}
	cb.cong.OnRTO(flight)
	if cb.rtt == nil {
		cb.rtt = NewRTTEstimator()
	}
	cb.rtt.BackOff()

	for _, e := range cb.retransmitQueue {
		e.retransmitCount++
		e.sacked = false // a lost segment invalidates any earlier SACK claim
		e.sentAt = now
		_ = cb.link.WriteSegment(e.raw)
	}
	cb.rtoDeadline = now.Add(cb.rtt.RTO())
	return nil
}

// checkPersist probes a zero-advertised window at exponentially increasing
// intervals up to TCP_MAX_PROBE_INTERVAL, per spec.md §4.7.
func (cb *ControlBlock) checkPersist(now time.Time) {
	if cb.sndWnd > 0 || len(cb.sendQueue) == 0 {
		cb.persistActive = false
		return
	}
	if !cb.persistActive {
		cb.persistActive = true
		cb.persistInterval = time.Second
		cb.persistDeadline = now.Add(cb.persistInterval)
		return
	}
	if now.Before(cb.persistDeadline) {
		return
	}
	probeByte := cb.sendQueue[0]
	if len(probeByte) > 1 {
		probeByte = probeByte[:1]
	}
	probe := &Segment{
		SrcPort: cb.localPort, DstPort: cb.peerPort,
		Seq: cb.sndUna - 1, Ack: cb.rcvNxt, Flags: FlagACK, Window: cb.rcvWnd16(),
		Payload: probeByte,
	}
	_ = cb.link.WriteSegment(Encode(probe))
	cb.persistInterval *= 2
	if cb.persistInterval > MaxProbeInterval {
		cb.persistInterval = MaxProbeInterval
	}
	cb.persistDeadline = now.Add(cb.persistInterval)
}
