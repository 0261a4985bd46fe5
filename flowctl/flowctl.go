// Package flowctl implements stream-level flow control. Exactly one of
// two schemes is active per stream: window-based, paired with the
// legacy fixed-window congestion control, or XON/XOFF-based, paired
// with dynamic congestion control. Each scheme treats the other's
// control messages as protocol violations.
package flowctl

import (
	"github.com/pkg/errors"

	"github.com/onionwire/onionwire/cell"
	"github.com/onionwire/onionwire/congestion"
)

// ErrProtoViolation marks peer behavior that breaks the active flow
// control scheme. The circuit must be torn down.
var ErrProtoViolation = congestion.ErrProtoViolation

// Params are the XON/XOFF scheme tunables. Cell counts are converted
// to bytes at the relay cell payload size.
type Params struct {
	// XoffClientCells and XoffExitCells are the buffered-byte limits,
	// in cells, past which an XOFF is sent. The larger of the two is
	// used regardless of role.
	XoffClientCells uint32
	XoffExitCells   uint32
	// XonRateCells limits how often advisory XONs may arrive, in cells
	// worth of sent data.
	XonRateCells uint32
	// XonChangePct is the minimum drain rate change, in percent, worth
	// advertising with a fresh XON.
	XonChangePct uint32
	// XonEwmaCnt is the smoothing span for the advertised drain rate.
	XonEwmaCnt uint32
}

// DefaultParams returns the consensus defaults.
func DefaultParams() Params {
	return Params{
		XoffClientCells: 500,
		XoffExitCells:   500,
		XonRateCells:    500,
		XonChangePct:    25,
		XonEwmaCnt:      2,
	}
}

// cellBytes is the data capacity used to convert cell counts to bytes.
const cellBytes = uint64(cell.MaxPayloadV0)

// Controller is the per-stream flow control surface the circuit
// reactor drives. Implementations are not safe for concurrent use; the
// reactor owns them.
type Controller interface {
	// CanSend reports whether the message may be sent right now.
	CanSend(msg cell.RelayMsg) bool
	// AboutToSend accounts for a message we are putting on the wire.
	AboutToSend(msg cell.RelayMsg) error
	// HandleIncomingSendme applies a stream-level SENDME.
	HandleIncomingSendme(msg cell.RelayMsg) error
	// HandleIncomingXon applies an XON from the peer.
	HandleIncomingXon(msg cell.RelayMsg) error
	// HandleIncomingXoff applies an XOFF from the peer.
	HandleIncomingXoff(msg cell.RelayMsg) error
	// MaybeSendXon decides whether to advertise a fresh drain rate for
	// our receive buffer of bufLen bytes.
	MaybeSendXon(rateKbps uint32, bufLen int) (*cell.Xon, error)
	// MaybeSendXoff decides whether our receive buffer of bufLen bytes
	// warrants telling the peer to stop.
	MaybeSendXoff(bufLen int) (*cell.Xoff, error)
}

// windowBased pairs a send window with the legacy SENDME scheme.
type windowBased struct {
	send *congestion.StreamSendWindow
}

// NewWindowBased returns window-based flow control over the given send
// window.
func NewWindowBased(send *congestion.StreamSendWindow) Controller {
	return &windowBased{send: send}
}

func (w *windowBased) CanSend(msg cell.RelayMsg) bool {
	if !cell.CountsTowardWindows(msg.Cmd) {
		return true
	}
	return w.send.Value() > 0
}

func (w *windowBased) AboutToSend(msg cell.RelayMsg) error {
	if !cell.CountsTowardWindows(msg.Cmd) {
		return nil
	}
	return w.send.Take()
}

func (w *windowBased) HandleIncomingSendme(_ cell.RelayMsg) error {
	return w.send.Put(congestion.StreamWindowIncrement)
}

func (w *windowBased) HandleIncomingXon(_ cell.RelayMsg) error {
	return errors.Wrap(ErrProtoViolation, "xon on a window-based stream")
}

func (w *windowBased) HandleIncomingXoff(_ cell.RelayMsg) error {
	return errors.Wrap(ErrProtoViolation, "xoff on a window-based stream")
}

func (w *windowBased) MaybeSendXon(_ uint32, _ int) (*cell.Xon, error) {
	return nil, nil
}

func (w *windowBased) MaybeSendXoff(_ int) (*cell.Xoff, error) {
	return nil, nil
}
