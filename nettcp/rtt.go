// rtt.go implements Karn's algorithm plus the Jacobson/Karels RTT
// estimator (RFC 6298), per spec.md §4.7: RTT samples are taken only from
// segments that were never retransmitted; srtt/rttvar use α=1/8, β=1/4;
// rto = srtt + 4·rttvar, clamped to [MinRTO, MaxRTO] and doubled on each
// retransmission.
package nettcp

import "time"

const (
	// MinRTO and MaxRTO bound the retransmission timeout, RFC 6298 §2.4.
	MinRTO = time.Second
	MaxRTO = 60 * time.Second

	// InitialRTO is used before the first RTT sample is taken.
	InitialRTO = time.Second
)

// RTTEstimator tracks the smoothed round-trip time and its variance for
// one connection.
type RTTEstimator struct {
	srtt        time.Duration
	rttvar      time.Duration
	rto         time.Duration
	initialized bool
}

// NewRTTEstimator returns an estimator primed with RFC 6298's initial RTO.
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{rto: InitialRTO}
}

// Sample folds one RTT measurement into the estimator. Only call this for
// segments whose sequence range was never retransmitted (Karn's
// algorithm); ambiguous samples from retransmitted segments must be
// discarded by the caller before reaching here.
func (e *RTTEstimator) Sample(rtt time.Duration) {
	if !e.initialized {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.initialized = true
	} else {
		delta := e.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = e.rttvar - e.rttvar/4 + delta/4
		e.srtt = e.srtt - e.srtt/8 + rtt/8
	}
	e.rto = e.srtt + 4*e.rttvar
	e.clamp()
}

// RTO returns the current retransmission timeout.
func (e *RTTEstimator) RTO() time.Duration { return e.rto }

// BackOff doubles the RTO after a retransmission timeout fires, per
// spec.md §4.7's "doubled on each retransmission."
func (e *RTTEstimator) BackOff() {
	e.rto *= 2
	e.clamp()
}

func (e *RTTEstimator) clamp() {
	if e.rto < MinRTO {
		e.rto = MinRTO
	}
	if e.rto > MaxRTO {
		e.rto = MaxRTO
	}
}
