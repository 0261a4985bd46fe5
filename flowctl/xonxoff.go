package flowctl

import (
	"github.com/pkg/errors"

	"github.com/onionwire/onionwire/cell"
)

// lastCtrl remembers the most recent XON or XOFF in one direction.
type lastCtrl int

const (
	ctrlNone lastCtrl = iota
	ctrlXon
	ctrlXoff
)

// xonXoffBased is rate-based flow control: data is never window
// blocked, the peer instead advertises how fast it drains its buffer
// and we obey that ceiling.
type xonXoffBased struct {
	params Params

	// onRateUpdate delivers new send ceilings to whatever is writing
	// on the stream.
	onRateUpdate func(RateLimit)

	// lastSent is the last XON/XOFF we emitted, to suppress repeats.
	lastSent lastCtrl
	// lastSentKbps is the rate the last XON advertised.
	lastSentKbps uint32

	// xoffLimitBytes is the buffered-byte level past which we XOFF.
	xoffLimitBytes uint64

	// guard applies the DropMark mitigations; nil on non-client
	// endpoints.
	guard *dropMarkGuard
}

// NewXonXoffBased returns rate-based flow control. onRateUpdate is
// invoked from the reactor goroutine whenever the peer changes our send
// ceiling. withGuard enables the client-side mitigations against
// DropMark side channels.
func NewXonXoffBased(params Params, withGuard bool, onRateUpdate func(RateLimit)) Controller {
	limit := params.XoffClientCells
	if params.XoffExitCells > limit {
		limit = params.XoffExitCells
	}
	x := &xonXoffBased{
		params:         params,
		onRateUpdate:   onRateUpdate,
		xoffLimitBytes: uint64(limit) * cellBytes,
	}
	if withGuard {
		x.guard = newDropMarkGuard()
	}
	return x
}

func (x *xonXoffBased) CanSend(_ cell.RelayMsg) bool {
	// Rate limiting happens at the stream writer; anything that made it
	// to the reactor may go out.
	return true
}

func (x *xonXoffBased) AboutToSend(msg cell.RelayMsg) error {
	if x.guard != nil && msg.Cmd == cell.RelayCmdData {
		x.guard.sentStreamData(len(msg.Data))
	}
	return nil
}

func (x *xonXoffBased) HandleIncomingSendme(_ cell.RelayMsg) error {
	return errors.Wrap(ErrProtoViolation, "stream sendme on a rate-controlled stream")
}

func (x *xonXoffBased) HandleIncomingXon(msg cell.RelayMsg) error {
	xon, err := cell.DecodeXon(msg.Data)
	if err != nil {
		return errors.Wrap(ErrProtoViolation, err.Error())
	}
	if x.guard != nil {
		if err := x.guard.receivedXon(x.params); err != nil {
			return err
		}
	}
	x.onRateUpdate(rateFromKbps(xon.Rate))
	return nil
}

func (x *xonXoffBased) HandleIncomingXoff(msg cell.RelayMsg) error {
	if _, err := cell.DecodeXoff(msg.Data); err != nil {
		return errors.Wrap(ErrProtoViolation, err.Error())
	}
	if x.guard != nil {
		if err := x.guard.receivedXoff(x.params); err != nil {
			return err
		}
	}
	x.onRateUpdate(RateZero)
	return nil
}

func (x *xonXoffBased) MaybeSendXon(rateKbps uint32, bufLen int) (*cell.Xon, error) {
	if uint64(bufLen) > x.xoffLimitBytes {
		// Still over the limit; the XOFF sent when we crossed it
		// stands.
		return nil, nil
	}
	if x.lastSent == ctrlXon && !changedEnough(x.lastSentKbps, rateKbps, x.params.XonChangePct) {
		return nil, nil
	}
	x.lastSent = ctrlXon
	x.lastSentKbps = rateKbps
	return &cell.Xon{Rate: rateKbps}, nil
}

func (x *xonXoffBased) MaybeSendXoff(bufLen int) (*cell.Xoff, error) {
	if x.lastSent == ctrlXoff {
		return nil, nil
	}
	if uint64(bufLen) <= x.xoffLimitBytes {
		return nil, nil
	}
	x.lastSent = ctrlXoff
	return &cell.Xoff{}, nil
}

// dropMarkGuard restricts when XON/XOFF may arrive. An exit that drops
// our traffic and then signals on the stream anyway would otherwise
// have a cheap tagging side channel; requiring the signals to be
// plausible against the bytes we actually sent closes it.
type dropMarkGuard struct {
	lastRecvd lastCtrl

	// Saturating byte counters; once large their exact value stops
	// mattering.
	bytesSentTotal        uint32
	bytesSinceAdvisoryXon uint32
	bytesSinceXoff        uint32
}

func newDropMarkGuard() *dropMarkGuard {
	return &dropMarkGuard{}
}

func satAdd(a uint32, b int) uint32 {
	s := uint64(a) + uint64(b)
	if s > 0xffffffff {
		return 0xffffffff
	}
	return uint32(s)
}

func (g *dropMarkGuard) sentStreamData(n int) {
	g.bytesSentTotal = satAdd(g.bytesSentTotal, n)
	g.bytesSinceAdvisoryXon = satAdd(g.bytesSinceAdvisoryXon, n)
	g.bytesSinceXoff = satAdd(g.bytesSinceXoff, n)
}

// peerXoffLimitBytes underestimates the XOFF threshold the peer uses;
// we cannot know its exact consensus view, so allow half the smaller
// candidate.
func peerXoffLimitBytes(p Params) uint64 {
	min := p.XoffClientCells
	if p.XoffExitCells < min {
		min = p.XoffExitCells
	}
	return uint64(min) * cellBytes / 2
}

// peerXonLimitBytes underestimates the advisory XON interval likewise.
func peerXonLimitBytes(p Params) uint64 {
	return uint64(p.XonRateCells) * cellBytes / 2
}

func (g *dropMarkGuard) receivedXon(p Params) error {
	if g.bytesSentTotal == 0 {
		return errors.Wrap(ErrProtoViolation, "xon before any data was sent")
	}

	// An XON after an XOFF resumes sending and is always legitimate;
	// anything else is advisory and restricted.
	advisory := g.lastRecvd != ctrlXoff
	g.lastRecvd = ctrlXon
	if !advisory {
		return nil
	}

	notBefore := peerXoffLimitBytes(p)
	if xonLimit := peerXonLimitBytes(p); xonLimit < notBefore {
		notBefore = xonLimit
	}
	if uint64(g.bytesSentTotal) < notBefore {
		return errors.Wrap(ErrProtoViolation, "advisory xon too early")
	}
	if uint64(g.bytesSinceAdvisoryXon) < peerXonLimitBytes(p) {
		return errors.Wrap(ErrProtoViolation, "advisory xon too frequent")
	}
	g.bytesSinceAdvisoryXon = 0
	return nil
}

func (g *dropMarkGuard) receivedXoff(p Params) error {
	if g.bytesSentTotal == 0 {
		return errors.Wrap(ErrProtoViolation, "xoff before any data was sent")
	}
	if g.lastRecvd == ctrlXoff {
		return errors.Wrap(ErrProtoViolation, "consecutive xoff messages")
	}
	if uint64(g.bytesSentTotal) < peerXoffLimitBytes(p) {
		return errors.Wrap(ErrProtoViolation, "xoff too early")
	}
	if uint64(g.bytesSinceXoff) < peerXoffLimitBytes(p) {
		return errors.Wrap(ErrProtoViolation, "xoff too frequent")
	}
	g.bytesSinceXoff = 0
	g.lastRecvd = ctrlXoff
	return nil
}
