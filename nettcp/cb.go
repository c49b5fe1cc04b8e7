// Package nettcp implements the RFC 793 connection state machine named in
// spec.md §4.7: three-way handshake with a bounded SYN queue, Karn/
// Jacobson-Karels retransmission timing, RFC 5681 congestion control,
// persist probing against a zero window, optional SACK, and the
// FIN_WAIT/CLOSING/TIME_WAIT closing sequence. It sits directly above
// whatever carries raw segment bytes for the caller (the Link interface
// below) the way the teacher's protocol engine sits above an arbitrary
// message transport, never assuming a concrete network layer.
package nettcp

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/embeddednet/tlsstack/ostask"
	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/stackerr"
	"github.com/embeddednet/tlsstack/stacklog"
)

// Link is the minimal contract a caller's IP layer must satisfy to carry
// this stack's segments; see the package doc comment on checksum scope.
type Link interface {
	WriteSegment(raw []byte) error
}

// retransEntry is one unacknowledged segment awaiting retransmission.
type retransEntry struct {
	seq             uint32
	seqLen          uint32
	raw             []byte
	sentAt          time.Time
	retransmitCount int
	sacked          bool
}

// ControlBlock is one TCP connection (or, in LISTEN state, one listening
// endpoint with its bounded SYN queue).
type ControlBlock struct {
	mu sync.Mutex

	link Link
	cfg  *stackcfg.Config
	log  stacklog.Logger

	state State

	localPort, peerPort uint16

	// Send sequence variables, RFC 793 §3.2.
	iss, sndUna, sndNxt uint32
	sndWnd              uint32

	// Receive sequence variables.
	irs, rcvNxt uint32
	rcvWnd      uint32

	mss uint32

	peerSACKPermitted bool
	weSentSACKPermit  bool

	rtt  *RTTEstimator
	cong *CongestionState

	retransmitQueue []*retransEntry
	rtoArmed        bool
	rtoDeadline     time.Time
	totalRetries    int

	persistActive   bool
	persistInterval time.Duration
	persistDeadline time.Time

	timeWaitDeadline time.Time

	outOfOrder map[uint32][]byte // seq -> payload, for segments received ahead of rcvNxt
	recvBuf    bytes.Buffer
	sendQueue  [][]byte // payload chunks queued by Send, not yet segmented

	synQueue    chan *ControlBlock
	synBacklog  map[uint32]*synQueueEntry // peer iss -> half-open entry, keyed by their ISS
	synQueueCap int
	parent      *ControlBlock // set on children spawned from a listener's SYN queue

	lastError error
	closed    bool

	// Events a socket facade (netsock) can block on instead of busy-polling
	// state: dataEvent fires when new in-order bytes land in recvBuf,
	// ackEvent fires whenever the retransmit queue fully drains, stateEvent
	// fires on every state transition (poll()'s wake source).
	dataEvent  *ostask.Event
	ackEvent   *ostask.Event
	stateEvent *ostask.Event
}

// DataEvent returns the event signaled whenever new in-order application
// data becomes available to Recv.
func (cb *ControlBlock) DataEvent() *ostask.Event {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.dataEvent == nil {
		cb.dataEvent = ostask.NewEvent(true)
	}
	return cb.dataEvent
}

// AckEvent returns the event signaled whenever the retransmit queue fully
// drains (all outstanding sent data has been acknowledged), the wake
// source for a WAIT_ACK send per spec.md §4.10.
func (cb *ControlBlock) AckEvent() *ostask.Event {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.ackEvent == nil {
		cb.ackEvent = ostask.NewEvent(true)
	}
	return cb.ackEvent
}

// StateEvent returns the event signaled on every state transition.
func (cb *ControlBlock) StateEvent() *ostask.Event {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.stateEvent == nil {
		cb.stateEvent = ostask.NewEvent(true)
	}
	return cb.stateEvent
}

// setState transitions cb to s, signaling StateEvent for any poll() caller
// blocked on this connection.
func (cb *ControlBlock) setState(s State) {
	cb.state = s
	if cb.stateEvent != nil {
		cb.stateEvent.Set()
	}
}

// Unacked returns the number of bytes sent but not yet acknowledged.
func (cb *ControlBlock) Unacked() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return int(cb.sndNxt - cb.sndUna)
}

type synQueueEntry struct {
	child *ControlBlock
}

// promoteChild moves a child whose three-way handshake just completed out
// of the half-open backlog and onto the queue Accept drains, per spec.md
// §4.7's "upon ACK completing the handshake, a child control block is
// promoted to ESTABLISHED and made available to accept."
func (cb *ControlBlock) promoteChild(child *ControlBlock) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.synBacklog, child.irs)
	select {
	case cb.synQueue <- child:
	default:
	}
}

// MaxProbeInterval bounds the persist timer's exponential backoff, per
// spec.md §4.7's TCP_MAX_PROBE_INTERVAL.
const MaxProbeInterval = 60 * time.Second

// TwoMSL is the TIME_WAIT duration, spec.md §4.7's TCP_2MSL_TIMER.
const TwoMSL = 2 * time.Minute

// NewControlBlock returns a CLOSED control block bound to link, using cfg
// for sizing (MSS bounds, SYN queue capacity, SACK support), logging
// nothing.
func NewControlBlock(cfg *stackcfg.Config, link Link) *ControlBlock {
	return NewControlBlockWithLogger(cfg, link, stacklog.Discard())
}

// NewControlBlockWithLogger is NewControlBlock, logging fatal connection
// failures (fail, below) and retransmit-exhaustion (checkRTO) through log
// instead of discarding them.
func NewControlBlockWithLogger(cfg *stackcfg.Config, link Link, log stacklog.Logger) *ControlBlock {
	if log == nil {
		log = stacklog.Discard()
	}
	return &ControlBlock{
		cfg:        cfg,
		link:       link,
		log:        log,
		state:      StateClosed,
		rcvWnd:     uint32(cfg.TCPRxBufferSize),
		mss:        uint32(cfg.TCPMaxMSS),
		outOfOrder: make(map[uint32][]byte),
	}
}

// State returns the connection's current state.
func (cb *ControlBlock) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LastError returns the most recent fatal error recorded for this
// connection, per spec.md §7's "a socket additionally remembers its last
// error readable by a getter."
func (cb *ControlBlock) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastError
}

func (cb *ControlBlock) fail(kind stackerr.Kind, op string, err error) error {
	e := stackerr.New(kind, op, err)
	cb.lastError = e
	cb.log.Errorf("%s: connection %d<->%d failed: %v", op, cb.localPort, cb.peerPort, e)
	return e
}

// Listen transitions a CLOSED control block to LISTEN, ready to accept
// inbound SYNs into a queue of the configured TCP_SYN_QUEUE_SIZE.
func (cb *ControlBlock) Listen(localPort uint16) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		return cb.fail(stackerr.UnexpectedState, "nettcp.Listen", fmt.Errorf("listen from state %s", cb.state))
	}
	cb.localPort = localPort
	cb.setState(StateListen)
	cb.synQueueCap = cb.cfg.TCPSynQueueSize
	cb.synQueue = make(chan *ControlBlock, cb.synQueueCap)
	cb.synBacklog = make(map[uint32]*synQueueEntry)
	return nil
}

// Accept pops one completed (ESTABLISHED) child connection promoted from
// the SYN queue, or reports that none is ready.
func (cb *ControlBlock) Accept() (*ControlBlock, bool) {
	cb.mu.Lock()
	ch := cb.synQueue
	cb.mu.Unlock()
	select {
	case child := <-ch:
		return child, true
	default:
		return nil, false
	}
}

// LookupChild finds a half-open child spawned from this listener's SYN
// queue by the peer's initial sequence number, the key a caller's 4-tuple
// demux uses to route a handshake-completing ACK to the right control
// block instead of back to the listener.
func (cb *ControlBlock) LookupChild(peerISS uint32) (*ControlBlock, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	entry, ok := cb.synBacklog[peerISS]
	if !ok {
		return nil, false
	}
	return entry.child, true
}

// Dial performs an active open: sends SYN(iss) and transitions to
// SYN_SENT. iss should be drawn from a source the caller trusts (spec.md
// leaves ISS selection to the implementation); tests pass fixed values
// for determinism.
func (cb *ControlBlock) Dial(localPort, peerPort uint16, iss uint32, now time.Time) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		return cb.fail(stackerr.UnexpectedState, "nettcp.Dial", fmt.Errorf("dial from state %s", cb.state))
	}
	cb.localPort, cb.peerPort = localPort, peerPort
	cb.iss = iss
	cb.sndUna, cb.sndNxt = iss, iss+1
	cb.setState(StateSynSent)
	seg := &Segment{
		SrcPort: localPort, DstPort: peerPort,
		Seq: iss, Flags: FlagSYN, Window: cb.rcvWnd16(),
		Options: Options{MSS: uint16(cb.cfg.TCPMaxMSS), HasMSS: true, SACKPermitted: cb.cfg.TCPSackSupport},
	}
	cb.weSentSACKPermit = cb.cfg.TCPSackSupport
	return cb.sendAndQueue(seg, now)
}

func (cb *ControlBlock) rcvWnd16() uint16 {
	if cb.rcvWnd > 0xFFFF {
		return 0xFFFF
	}
	return uint16(cb.rcvWnd)
}

// Close initiates an active close by sending FIN, per spec.md §4.7's
// FIN_WAIT_1/CLOSE_WAIT/LAST_ACK closing sequence.
func (cb *ControlBlock) Close(now time.Time) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateEstablished:
		cb.setState(StateFinWait1)
	case StateCloseWait:
		cb.setState(StateLastAck)
	default:
		return cb.fail(stackerr.UnexpectedState, "nettcp.Close", fmt.Errorf("close from state %s", cb.state))
	}
	seg := &Segment{
		SrcPort: cb.localPort, DstPort: cb.peerPort,
		Seq: cb.sndNxt, Ack: cb.rcvNxt, Flags: FlagFIN | FlagACK, Window: cb.rcvWnd16(),
	}
	cb.sndNxt++
	return cb.sendAndQueue(seg, now)
}

// Send queues data for transmission, immediately packaging as many
// congestion-window-permitting segments as possible.
func (cb *ControlBlock) Send(data []byte, now time.Time) (int, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateEstablished && cb.state != StateCloseWait {
		return 0, cb.fail(stackerr.UnexpectedState, "nettcp.Send", fmt.Errorf("send from state %s", cb.state))
	}
	cb.sendQueue = append(cb.sendQueue, data)
	if err := cb.pump(now); err != nil {
		return 0, err
	}
	return len(data), nil
}

// pump packages queued send data into segments while the congestion and
// peer-advertised windows allow, grounded on spec.md §4.7's "appended to
// the retransmit queue" outbound path.
func (cb *ControlBlock) pump(now time.Time) error {
	for len(cb.sendQueue) > 0 {
		inFlight := cb.sndNxt - cb.sndUna
		allowed := cb.sndWnd
		if cb.cong.Cwnd < allowed {
			allowed = cb.cong.Cwnd
		}
		if uint32(inFlight) >= allowed {
			return nil
		}
		room := allowed - inFlight
		if room > cb.mss {
			room = cb.mss
		}
		chunk := cb.sendQueue[0]
		if uint32(len(chunk)) > room {
			if room == 0 {
				return nil
			}
			cb.sendQueue[0] = chunk[room:]
			chunk = chunk[:room]
		} else {
			cb.sendQueue = cb.sendQueue[1:]
		}
		seg := &Segment{
			SrcPort: cb.localPort, DstPort: cb.peerPort,
			Seq: cb.sndNxt, Ack: cb.rcvNxt, Flags: FlagACK, Window: cb.rcvWnd16(),
			Payload: chunk,
		}
		cb.sndNxt += uint32(len(chunk))
		if err := cb.sendAndQueue(seg, now); err != nil {
			return err
		}
	}
	return nil
}

// Recv drains received, in-order application data.
func (cb *ControlBlock) Recv() []byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.recvBuf.Len() == 0 {
		return nil
	}
	out := append([]byte(nil), cb.recvBuf.Bytes()...)
	cb.recvBuf.Reset()
	return out
}

// sendAndQueue encodes seg, writes it to the link, and — if it carries
// data, SYN, or FIN — appends it to the retransmit queue and arms the RTO
// timer if it isn't already running.
func (cb *ControlBlock) sendAndQueue(seg *Segment, now time.Time) error {
	raw := Encode(seg)
	if err := cb.link.WriteSegment(raw); err != nil {
		return cb.fail(stackerr.ConnectionReset, "nettcp.sendAndQueue", err)
	}
	n := SeqLen(seg)
	if n == 0 {
		return nil
	}
	if cb.rtt == nil {
		cb.rtt = NewRTTEstimator()
	}
	if cb.cong == nil {
		cb.cong = NewCongestionState(cb.mss)
	}
	cb.retransmitQueue = append(cb.retransmitQueue, &retransEntry{
		seq: seg.Seq, seqLen: n, raw: raw, sentAt: now,
	})
	if !cb.rtoArmed {
		cb.rtoArmed = true
		cb.rtoDeadline = now.Add(cb.rtt.RTO())
	}
	return nil
}
