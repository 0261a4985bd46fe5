package circuit

import (
	"github.com/pkg/errors"

	"github.com/onionwire/onionwire/congestion"
	"github.com/onionwire/onionwire/relaycrypt"
)

var (
	// ErrCircuitClosed is returned for any operation attempted on, or
	// pending when, a circuit that has been torn down.
	ErrCircuitClosed = errors.New("circuit closed")

	// ErrBadCellAuth is the fatal condition raised when an inbound
	// cell is recognized by no hop.
	ErrBadCellAuth = relaycrypt.ErrBadCellAuth

	// ErrProtoViolation marks peer behavior that violates the protocol
	// and tears the circuit down.
	ErrProtoViolation = congestion.ErrProtoViolation

	// ErrStreamClosed is returned when sending on a stream that has
	// been ended locally or by the peer.
	ErrStreamClosed = errors.New("stream closed")

	// ErrInternal wraps conditions that indicate a bug rather than
	// peer misbehavior. The circuit is still torn down.
	ErrInternal = errors.New("internal error")
)
