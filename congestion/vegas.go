package congestion

import (
	"math"

	"go.uber.org/zap"
)

// Signals are conditions outside the algorithm that feed its decisions.
type Signals struct {
	// ChannelBlocked is set when the channel toward the network refused
	// writes during this interval.
	ChannelBlocked bool
	// ChannelOutboundSize is the channel's outbound queue length, in
	// cells.
	ChannelOutboundSize uint32
}

// bdpEstimator estimates the circuit's bandwidth-delay product in
// cells.
type bdpEstimator struct {
	bdp uint32
}

// update recomputes the estimate. With a healthy clock the BDP follows
// the window scaled by the RTT ratio; with a stalled clock the window
// itself is the best guess, backed off by the blocked queue.
func (b *bdpEstimator) update(cwnd *Window, rtt *RTTEstimator, sig Signals) {
	if rtt.ClockStalled() {
		if sig.ChannelBlocked {
			v := cwnd.Get()
			if v >= sig.ChannelOutboundSize {
				v -= sig.ChannelOutboundSize
			} else {
				v = 0
			}
			if v < cwnd.Min() {
				v = cwnd.Min()
			}
			b.bdp = v
		} else {
			b.bdp = cwnd.Get()
		}
		return
	}
	ewma := rtt.EwmaUsec()
	if ewma == 0 {
		b.bdp = cwnd.Get()
		return
	}
	v := uint64(cwnd.Get()) * rtt.MinUsec() / ewma
	if v > math.MaxUint32 {
		v = math.MaxUint32
	}
	b.bdp = uint32(v)
}

// vegas is the dynamic congestion control algorithm: it estimates how
// many of our cells are sitting in relay queues by comparing the window
// against the BDP, and steers the window to keep that queue small but
// nonzero.
type vegas struct {
	log    *zap.Logger
	params VegasParams
	bdp    bdpEstimator
	cwnd   *Window

	// cellsUntilSendme counts down data cells received until we owe the
	// peer a SENDME.
	cellsUntilSendme uint32
	// sendmesUntilUpdate counts down SENDMEs until the next window
	// update in steady state.
	sendmesUntilUpdate uint32
	// sendmesPerCwnd counts down the SENDMEs of the current window, for
	// fullness expiry.
	sendmesPerCwnd uint32
	// inflight is the number of cells sent but not yet acknowledged.
	inflight uint32

	blockedOnChan bool
}

func newVegas(log *zap.Logger, p VegasParams, state State, cwnd *Window) *vegas {
	return &vegas{
		log:                log,
		params:             p,
		cwnd:               cwnd,
		cellsUntilSendme:   cwnd.SendmeInc(),
		sendmesUntilUpdate: cwnd.UpdateRate(state),
	}
}

func (v *vegas) isNextCellSendme() bool {
	return v.inflight%v.cwnd.SendmeInc() == 0
}

func (v *vegas) canSend() bool {
	return v.inflight < v.cwnd.Get()
}

func (v *vegas) window() *Window { return v.cwnd }

func (v *vegas) sendWindowValue() uint32 { return v.cwnd.Get() }

func (v *vegas) dataSent() error {
	// The window can shrink below the inflight count while data is in
	// transit; saturate rather than fail.
	if v.inflight < math.MaxUint32 {
		v.inflight++
	}
	return nil
}

func (v *vegas) dataReceived() (bool, error) {
	if v.cellsUntilSendme == 0 {
		// Not a peer violation, a local sequencing bug: refusing the
		// extra SENDME keeps us from sending two back to back.
		v.log.Error("data cell received with no sendme budget")
		return false, nil
	}
	v.cellsUntilSendme--
	return v.cellsUntilSendme == 0, nil
}

func (v *vegas) sendmeSent() error {
	v.cellsUntilSendme = v.cwnd.SendmeInc()
	return nil
}

func (v *vegas) sendmeReceived(state *State, rtt *RTTEstimator, sig Signals) error {
	if v.sendmesUntilUpdate > 0 {
		v.sendmesUntilUpdate--
	}
	if v.sendmesPerCwnd > 0 {
		v.sendmesPerCwnd--
	}

	v.bdp.update(v.cwnd, rtt, sig)

	// A transition between blocked and unblocked is an immediate
	// congestion signal, so force a window update now.
	if rtt.Ready() {
		if sig.ChannelBlocked != v.blockedOnChan {
			v.sendmesUntilUpdate = 0
		}
	}
	v.blockedOnChan = sig.ChannelBlocked

	if !rtt.Ready() && !v.blockedOnChan {
		v.decInflight()
		return nil
	}

	var queueUse uint32
	if v.cwnd.Get() > v.bdp.bdp {
		queueUse = v.cwnd.Get() - v.bdp.bdp
	}

	v.cwnd.EvalFullness(v.inflight, v.cwnd.FullGap(), v.cwnd.FullMinPct())

	if state.InSlowStart() {
		if queueUse < v.params.Gamma && !v.blockedOnChan {
			if v.cwnd.IsFull() {
				inc := v.cwnd.Rfc3742SSInc(v.params.SSCwndCap)
				// If the limited increment no longer beats steady-state
				// growth there is nothing left to probe for.
				if inc*v.cwnd.SendmePerCwnd() <= v.cwnd.Increment()*v.cwnd.IncrementRate() {
					*state = StateSteady
				}
			}
		} else {
			// Queue past gamma or a blocked channel: clamp to the
			// estimated BDP plus the threshold and leave slow start.
			v.cwnd.Set(v.bdp.bdp + v.params.Gamma)
			*state = StateSteady
		}

		if v.cwnd.Get() >= v.params.SSCwndMax {
			v.cwnd.Set(v.params.SSCwndMax)
			*state = StateSteady
		}
	} else if v.sendmesUntilUpdate == 0 {
		switch {
		case queueUse > v.params.Delta:
			v.cwnd.Set(v.bdp.bdp + v.params.Delta - v.cwnd.Increment())
		case queueUse > v.params.Beta || v.blockedOnChan:
			v.cwnd.Dec()
		case v.cwnd.IsFull() && queueUse < v.params.Alpha:
			v.cwnd.Inc()
		}
	}

	if v.sendmesUntilUpdate == 0 {
		v.sendmesUntilUpdate = v.cwnd.UpdateRate(*state)
	}
	if v.sendmesPerCwnd == 0 {
		v.sendmesPerCwnd = v.cwnd.SendmePerCwnd()
	}

	if v.cwnd.FullPerCwnd() {
		if v.sendmesPerCwnd == v.cwnd.SendmePerCwnd() {
			v.cwnd.ResetFull()
		}
	} else if v.sendmesUntilUpdate == v.cwnd.UpdateRate(*state) {
		v.cwnd.ResetFull()
	}

	v.decInflight()
	return nil
}

func (v *vegas) decInflight() {
	inc := v.cwnd.SendmeInc()
	if v.inflight >= inc {
		v.inflight -= inc
	} else {
		v.inflight = 0
	}
}
