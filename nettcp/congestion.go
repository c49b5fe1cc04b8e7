// congestion.go implements RFC 5681-style congestion control per spec.md
// §4.7: slow start with cwnd growing by one MSS per ACK of new data until
// cwnd reaches ssthresh, then congestion avoidance (roughly one MSS per
// RTT); on RTO ssthresh halves the flight size (floored at 2·MSS) and
// cwnd drops to the loss window; TCP_FAST_RETRANSMIT_THRES duplicate ACKs
// trigger a fast retransmit with ssthresh/cwnd both set to the new
// ssthresh.
package nettcp

// InitialWindowSegments and LossWindowSegments are spec.md §4.7's
// TCP_INITIAL_WINDOW / TCP_LOSS_WINDOW multipliers.
const (
	InitialWindowSegments = 2
	LossWindowSegments    = 1

	// FastRetransmitThreshold is spec.md §4.7's TCP_FAST_RETRANSMIT_THRES:
	// the number of duplicate ACKs that triggers a fast retransmit.
	FastRetransmitThreshold = 3
)

// CongestionState tracks one direction's send-side congestion window.
type CongestionState struct {
	MSS      uint32
	Cwnd     uint32
	Ssthresh uint32
	dupACKs  int
}

// NewCongestionState starts in slow start with spec.md's initial window.
func NewCongestionState(mss uint32) *CongestionState {
	return &CongestionState{
		MSS:      mss,
		Cwnd:     InitialWindowSegments * mss,
		Ssthresh: ^uint32(0), // effectively unbounded until the first loss
	}
}

// inSlowStart reports whether the connection is still in slow start.
func (c *CongestionState) inSlowStart() bool { return c.Cwnd < c.Ssthresh }

// OnNewDataAcked folds one ACK covering ackedBytes of previously
// unacknowledged data into the window, and clears the duplicate-ACK
// counter (a new ACK resets fast-retransmit tracking).
func (c *CongestionState) OnNewDataAcked(ackedBytes uint32) {
	c.dupACKs = 0
	if c.inSlowStart() {
		c.Cwnd += c.MSS
	} else {
		// Congestion avoidance: roughly one MSS per RTT, approximated by
		// growing cwnd by MSS*MSS/cwnd per ACK.
		c.Cwnd += (c.MSS*c.MSS + c.Cwnd - 1) / c.Cwnd
	}
}

// OnRTO applies spec.md §4.7's retransmission-timeout congestion response:
// ssthresh = max(flight/2, 2·MSS), cwnd = loss window.
func (c *CongestionState) OnRTO(flightSize uint32) {
	half := flightSize / 2
	floor := 2 * c.MSS
	if half < floor {
		half = floor
	}
	c.Ssthresh = half
	c.Cwnd = LossWindowSegments * c.MSS
	c.dupACKs = 0
}

// OnDupAck records one duplicate ACK and reports whether the fast
// retransmit threshold has just been reached.
func (c *CongestionState) OnDupAck(flightSize uint32) (fastRetransmit bool) {
	c.dupACKs++
	if c.dupACKs == FastRetransmitThreshold {
		half := flightSize / 2
		floor := 2 * c.MSS
		if half < floor {
			half = floor
		}
		c.Ssthresh = half
		c.Cwnd = half
		return true
	}
	return false
}
