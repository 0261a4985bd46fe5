package congestion

import (
	"time"

	"github.com/pkg/errors"
)

// deltaDiscrepancyRatioMax is the allowed ratio between a raw RTT
// sample and the smoothed estimate before we suspect the clock jumped
// or stalled.
const deltaDiscrepancyRatioMax = 5000

// ErrMismatchedSendme is returned when a SENDME arrives without a
// matching expectation recorded at send time.
var ErrMismatchedSendme = errors.New("sendme received without a matching expectation")

// RTTEstimator tracks the circuit's round-trip time from data cells to
// the SENDMEs that acknowledge them. All arithmetic is in microseconds
// to keep the smoothing bit-compatible across platforms.
type RTTEstimator struct {
	params RTTParams

	// sendTimes queues the send timestamps of cells that will elicit a
	// SENDME; SENDMEs consume it in FIFO order.
	sendTimes []time.Time

	lastUsec uint64
	ewmaUsec uint64
	minUsec  uint64
	maxUsec  uint64
	hasEwma  bool
	hasMin   bool
	hasLast  bool

	clockStalled bool
}

// NewRTTEstimator returns an estimator with no samples.
func NewRTTEstimator(p RTTParams) *RTTEstimator {
	return &RTTEstimator{params: p}
}

// Ready reports whether the estimate is usable: at least one sample and
// a clock we trust.
func (e *RTTEstimator) Ready() bool {
	return !e.clockStalled && e.hasLast
}

// ClockStalled reports whether the last samples suggest a stalled
// monotonic clock.
func (e *RTTEstimator) ClockStalled() bool { return e.clockStalled }

// EwmaUsec returns the smoothed RTT in microseconds, zero if no sample
// has been taken.
func (e *RTTEstimator) EwmaUsec() uint64 { return e.ewmaUsec }

// MinUsec returns the minimum observed smoothed RTT in microseconds.
func (e *RTTEstimator) MinUsec() uint64 { return e.minUsec }

// MaxUsec returns the maximum observed raw RTT in microseconds.
func (e *RTTEstimator) MaxUsec() uint64 { return e.maxUsec }

// LastUsec returns the last raw RTT sample in microseconds.
func (e *RTTEstimator) LastUsec() uint64 { return e.lastUsec }

// ExpectSendme records that a cell was sent at time now for which a
// SENDME is expected.
func (e *RTTEstimator) ExpectSendme(now time.Time) {
	e.sendTimes = append(e.sendTimes, now)
}

// isClockStalled decides whether a raw sample should be discarded. In
// slow start no cross-checking is done; afterward, samples wildly out
// of proportion with the estimate indicate the clock jumped forward
// (discard the sample) or stalled (fall back to the cached verdict).
func (e *RTTEstimator) isClockStalled(rawUsec uint64, inSlowStart bool) bool {
	switch {
	case rawUsec == 0:
		e.clockStalled = true
		return true
	case !inSlowStart && e.hasEwma:
		if rawUsec > e.ewmaUsec*deltaDiscrepancyRatioMax {
			// Forward jump; don't cache, it is triggerable remotely.
			return true
		}
		if e.ewmaUsec > rawUsec*deltaDiscrepancyRatioMax {
			return e.clockStalled
		}
		e.clockStalled = false
		return false
	default:
		return false
	}
}

// Update consumes one queued send timestamp and folds the sample into
// the estimate. The smoothing span follows the window update rate so
// larger windows smooth over more SENDMEs.
func (e *RTTEstimator) Update(now time.Time, state State, cwnd *Window) error {
	if len(e.sendTimes) == 0 {
		return ErrMismatchedSendme
	}
	sentAt := e.sendTimes[0]
	e.sendTimes = e.sendTimes[1:]

	var raw time.Duration
	if now.After(sentAt) {
		raw = now.Sub(sentAt)
	}
	rawUsec := uint64(raw.Microseconds())

	if e.isClockStalled(rawUsec, state.InSlowStart()) {
		return nil
	}

	if rawUsec > e.maxUsec {
		e.maxUsec = rawUsec
	}
	e.lastUsec = rawUsec
	e.hasLast = true

	var n uint64
	if state.InSlowStart() {
		n = uint64(e.params.EwmaSSMax)
	} else {
		n = uint64(cwnd.UpdateRate(state)) * uint64(e.params.EwmaCwndPct) / 100
		if n > uint64(e.params.EwmaMax) {
			n = uint64(e.params.EwmaMax)
		}
	}
	if n < 2 {
		n = 2
	}

	if !e.hasEwma {
		e.ewmaUsec = rawUsec
		e.hasEwma = true
	} else {
		e.ewmaUsec = (rawUsec*2 + (n-1)*e.ewmaUsec) / (n + 1)
	}

	if !e.hasMin {
		e.minUsec = e.ewmaUsec
		e.hasMin = true
		return nil
	}

	if cwnd.Get() == cwnd.Min() && !state.InSlowStart() {
		// The window is pinned at its floor: the minimum may be stale,
		// so drag it toward the current estimate.
		hi, lo := e.ewmaUsec, e.minUsec
		if lo > hi {
			hi, lo = lo, hi
		}
		pct := uint64(e.params.RTTResetPct)
		e.minUsec = pct*hi/100 + (100-pct)*lo/100
	} else if e.ewmaUsec < e.minUsec {
		e.minUsec = e.ewmaUsec
	}
	return nil
}
