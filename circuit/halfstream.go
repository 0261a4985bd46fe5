package circuit

import (
	"github.com/pkg/errors"

	"github.com/onionwire/onionwire/cell"
	"github.com/onionwire/onionwire/congestion"
	"github.com/onionwire/onionwire/flowctl"
)

// halfStream polices a stream after we sent END but before the peer
// has. In-flight data is still legitimate, but only within the flow
// control budget the stream had when it closed; anything outside it is
// a peer probing whether we validate (the drop-mark side channel), and
// tears the circuit down.
type halfStream struct {
	fc          flowctl.Controller
	recvW       *congestion.StreamRecvWindow
	connectedOK bool
}

func newHalfStream(fc flowctl.Controller, recvW *congestion.StreamRecvWindow, connectedOK bool) *halfStream {
	return &halfStream{fc: fc, recvW: recvW, connectedOK: connectedOK}
}

// handleMsg accounts one inbound message against the half-closed
// stream. done reports the peer's own END, after which the stream can
// be forgotten; any error is circuit-fatal.
func (h *halfStream) handleMsg(msg cell.RelayMsg) (done bool, err error) {
	switch msg.Cmd {
	case cell.RelayCmdEnd:
		return true, nil

	case cell.RelayCmdData:
		// No SENDME is ever sent back: the window only drains. Rate
		// controlled streams carry no recv window, so their in-flight
		// data is accepted as-is and simply discarded.
		if h.recvW != nil {
			if err := h.recvW.Take(); err != nil {
				return false, errors.Wrap(err, "data on half-closed stream")
			}
		}
		return false, nil

	case cell.RelayCmdConnected:
		if !h.connectedOK {
			return false, errors.Wrap(ErrProtoViolation, "duplicate CONNECTED on half-closed stream")
		}
		h.connectedOK = false
		return false, nil

	case cell.RelayCmdSendme:
		return false, errors.Wrap(h.fc.HandleIncomingSendme(msg), "sendme on half-closed stream")

	case cell.RelayCmdXon:
		return false, errors.Wrap(h.fc.HandleIncomingXon(msg), "xon on half-closed stream")

	case cell.RelayCmdXoff:
		return false, errors.Wrap(h.fc.HandleIncomingXoff(msg), "xoff on half-closed stream")

	case cell.RelayCmdResolved:
		// Permitted exactly once, like CONNECTED, for streams that
		// closed before the resolver answered.
		if !h.connectedOK {
			return false, errors.Wrap(ErrProtoViolation, "duplicate RESOLVED on half-closed stream")
		}
		h.connectedOK = false
		return false, nil

	default:
		return false, errors.Wrapf(ErrProtoViolation,
			"command %#x on half-closed stream", msg.Cmd)
	}
}
