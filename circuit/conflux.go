package circuit

import (
	"github.com/pkg/errors"

	"github.com/onionwire/onionwire/cell"
)

// Multipath linking: circuits can be joined into one logical tunnel by
// an out-of-band LINK/LINKED/LINKED_ACK exchange carrying an 8-byte
// nonce identifying the tunnel. Only the handshake is implemented;
// this origin never attaches a second leg, so the cross-leg sequence
// space and leg switchover stay out. This file is self-contained so
// single-path deployments can ignore it entirely.

// linkState tracks the linking handshake for one circuit leg.
type linkState struct {
	nonce  []byte
	linked bool
}

// handleConflux processes the link-local multipath control commands.
// It returns the reply to originate, if any.
func (c *Circuit) handleConflux(msg cell.RelayMsg) (*cell.RelayMsg, error) {
	switch msg.Cmd {
	case cell.RelayCmdConfluxLinked:
		if c.link == nil {
			return nil, errors.Wrap(ErrProtoViolation, "LINKED without LINK")
		}
		if len(msg.Data) < 8 || string(msg.Data[:8]) != string(c.link.nonce) {
			return nil, errors.Wrap(ErrProtoViolation, "LINKED nonce mismatch")
		}
		c.link.linked = true
		return &cell.RelayMsg{Cmd: cell.RelayCmdConfluxLinkedAck}, nil

	case cell.RelayCmdConfluxSwitch:
		// A switchover announces traffic diverted to a sibling leg.
		// This tunnel never has one, so there is nothing a conformant
		// peer could be switching from.
		return nil, errors.Wrap(ErrProtoViolation, "SWITCH on single-leg tunnel")

	case cell.RelayCmdConfluxLink, cell.RelayCmdConfluxLinkedAck:
		// Only the far end originates these toward us on an origin
		// circuit when it is the linking side; we do not support that
		// direction.
		return nil, errors.Wrap(ErrProtoViolation, "unexpected multipath control cell")

	default:
		return nil, errors.Wrapf(ErrInternal, "not a multipath command: %#x", msg.Cmd)
	}
}
