package congestion

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// algorithm is the contract between the controller and a congestion
// control algorithm. Every non-getter returns an error only when the
// circuit cannot be kept alive.
type algorithm interface {
	// isNextCellSendme reports whether the cell just sent is one the
	// peer will answer with a SENDME.
	isNextCellSendme() bool
	// canSend reports whether a data cell may be sent right now.
	canSend() bool
	// window returns the congestion window, nil for algorithms that
	// have none.
	window() *Window

	// dataReceived accounts for a received data cell and reports
	// whether a SENDME is now owed.
	dataReceived() (bool, error)
	// dataSent accounts for a sent data cell.
	dataSent() error
	// sendmeReceived folds a received SENDME into the algorithm state.
	sendmeReceived(state *State, rtt *RTTEstimator, sig Signals) error
	// sendmeSent accounts for a SENDME we put on the wire.
	sendmeSent() error
	// sendWindowValue returns the current send allowance, in cells.
	sendWindowValue() uint32
}

// Controller is the congestion control state of one circuit hop: the
// algorithm, the RTT estimator feeding it, and the SENDME validator
// guarding both.
type Controller struct {
	log       *zap.Logger
	state     State
	validator *SendmeValidator
	rtt       *RTTEstimator
	alg       algorithm
}

// NewController builds a controller for the configured algorithm.
func NewController(log *zap.Logger, p Params) *Controller {
	c := &Controller{
		log:       log,
		state:     StateSlowStart,
		validator: NewSendmeValidator(),
		rtt:       NewRTTEstimator(p.RTT),
	}
	switch p.Alg {
	case AlgVegas:
		c.alg = newVegas(log, p.Vegas, c.state, NewWindow(p.Window))
	default:
		c.alg = newFixedWindow(p.Fixed)
	}
	return c
}

// CanSend reports whether a data cell may be sent now. Callers must
// check this before sending; violating the window is a protocol error
// the peer will close the circuit over.
func (c *Controller) CanSend() bool {
	return c.alg.canSend()
}

// SendWindow returns the current send allowance, in cells.
func (c *Controller) SendWindow() uint32 {
	return c.alg.sendWindowValue()
}

// InSlowStart reports whether the controller is still probing for
// capacity.
func (c *Controller) InSlowStart() bool {
	return c.state.InSlowStart()
}

// RTT exposes the estimator for reporting.
func (c *Controller) RTT() *RTTEstimator {
	return c.rtt
}

// ExpectedTags returns the SENDME tags currently awaiting
// acknowledgment, oldest first.
func (c *Controller) ExpectedTags() [][]byte {
	return c.validator.Expected()
}

// NoteSendmeReceived validates and applies an incoming circuit-level
// SENDME. Validation runs first: a bad tag must kill the circuit before
// any state moves.
func (c *Controller) NoteSendmeReceived(now time.Time, tag []byte, sig Signals) error {
	if err := c.validator.Validate(tag); err != nil {
		return err
	}
	if cwnd := c.alg.window(); cwnd != nil {
		if err := c.rtt.Update(now, c.state, cwnd); err != nil {
			return errors.Wrap(err, "updating rtt estimate")
		}
	}
	return c.alg.sendmeReceived(&c.state, c.rtt, sig)
}

// NoteSendmeSent accounts for a circuit-level SENDME we sent.
func (c *Controller) NoteSendmeSent() error {
	return c.alg.sendmeSent()
}

// NoteDataReceived accounts for a received data cell and reports
// whether a SENDME should be sent now.
func (c *Controller) NoteDataReceived() (bool, error) {
	return c.alg.dataReceived()
}

// NoteDataSent accounts for a sent data cell. When that cell is the one
// a future SENDME will acknowledge, its tag is recorded and the send
// time queued for RTT measurement.
func (c *Controller) NoteDataSent(now time.Time, tag []byte) error {
	if err := c.alg.dataSent(); err != nil {
		return err
	}
	if c.alg.isNextCellSendme() {
		c.validator.Record(tag)
		if c.alg.window() != nil {
			c.rtt.ExpectSendme(now)
		}
	}
	return nil
}
