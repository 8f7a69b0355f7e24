package transport

import (
	"sync"
	"time"
)

// RTTEstimator keeps a smoothed round trip time and derives the
// retransmission timeout the way RFC 6298 does.
type RTTEstimator struct {
	mu      sync.Mutex
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	minRTO  time.Duration
	maxRTO  time.Duration
	samples uint64
}

// NewRTTEstimator creates an estimator starting at initialRTO.
func NewRTTEstimator(initialRTO, minRTO, maxRTO time.Duration) *RTTEstimator {
	return &RTTEstimator{
		rto:    clampDuration(initialRTO, minRTO, maxRTO),
		minRTO: minRTO,
		maxRTO: maxRTO,
	}
}

// Sample feeds one RTT measurement.
func (e *RTTEstimator) Sample(rtt time.Duration) {
	if rtt <= 0 {
		rtt = time.Microsecond
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.samples == 0 {
		e.srtt = rtt
		e.rttvar = rtt / 2
	} else {
		delta := e.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = (3*e.rttvar + delta) / 4
		e.srtt = (7*e.srtt + rtt) / 8
	}
	e.samples++
	e.rto = clampDuration(e.srtt+4*e.rttvar, e.minRTO, e.maxRTO)
}

// SRTT returns the smoothed RTT, zero before the first sample.
func (e *RTTEstimator) SRTT() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.srtt
}

// RTTVar returns the RTT variation.
func (e *RTTEstimator) RTTVar() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rttvar
}

// RTO returns the current retransmission timeout.
func (e *RTTEstimator) RTO() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rto
}

// Samples returns the number of measurements taken.
func (e *RTTEstimator) Samples() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}

// ReceiverReport summarizes what a peer received: the highest datagram
// counter it authenticated and how many distinct datagrams it accepted.
type ReceiverReport struct {
	Highest  uint64
	Received uint64
}

// LossEstimator turns successive receiver reports into an EWMA loss rate.
type LossEstimator struct {
	mu    sync.Mutex
	alpha float64
	rate  float64
	last  ReceiverReport
	seen  bool
}

// NewLossEstimator creates an estimator weighting new samples by alpha.
func NewLossEstimator(alpha float64) *LossEstimator {
	return &LossEstimator{alpha: alpha}
}

// Report feeds a receiver report. Reports that do not advance the highest
// counter carry no information and are ignored.
func (e *LossEstimator) Report(r ReceiverReport) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.seen {
		e.last = r
		e.seen = true
		if r.Highest > 0 {
			e.rate = sampleLoss(r.Highest, r.Received)
		}
		return
	}
	if r.Highest <= e.last.Highest || r.Received < e.last.Received {
		return
	}

	sample := sampleLoss(r.Highest-e.last.Highest, r.Received-e.last.Received)
	e.rate = e.alpha*sample + (1-e.alpha)*e.rate
	e.last = r
}

// Rate returns the estimated loss fraction in [0,1].
func (e *LossEstimator) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

func sampleLoss(expected, received uint64) float64 {
	if expected == 0 || received >= expected {
		return 0
	}
	return 1 - float64(received)/float64(expected)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// replayWindowSize is the number of counters tracked behind the highest.
const replayWindowSize = 1024

// replayWindow rejects duplicate and very old datagram counters.
type replayWindow struct {
	highest uint64
	bits    [replayWindowSize / 64]uint64
}

// accept records n and reports whether it was new. Counter zero is never
// valid.
func (w *replayWindow) accept(n uint64) bool {
	if n == 0 {
		return false
	}

	if n > w.highest {
		shift := n - w.highest
		if shift >= replayWindowSize {
			w.bits = [replayWindowSize / 64]uint64{}
		} else {
			for c := w.highest + 1; c < n; c++ {
				w.clear(c)
			}
		}
		w.highest = n
		w.set(n)
		return true
	}

	if w.highest-n >= replayWindowSize {
		return false
	}
	if w.isSet(n) {
		return false
	}
	w.set(n)
	return true
}

func (w *replayWindow) set(n uint64) {
	i := n % replayWindowSize
	w.bits[i/64] |= 1 << (i % 64)
}

func (w *replayWindow) clear(n uint64) {
	i := n % replayWindowSize
	w.bits[i/64] &^= 1 << (i % 64)
}

func (w *replayWindow) isSet(n uint64) bool {
	i := n % replayWindowSize
	return w.bits[i/64]&(1<<(i%64)) != 0
}
