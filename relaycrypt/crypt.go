// Package relaycrypt implements the per-hop relay cell encryption
// layers and the stacks that compose them onto a multi-hop circuit.
//
// Two layer families are provided: the digest-based layer (tor1), which
// recognizes cells by a truncated running digest, and the
// counter-galois layer (cgo), a wide-block construction that
// authenticates the whole body. Both expose the same shape: a client
// side that originates or wraps outbound cells and unwraps inbound
// ones, and a relay side mirroring it.
package relaycrypt

import (
	"github.com/pkg/errors"

	"github.com/onionwire/onionwire/cell"
)

// Tag identifies a cell as witnessed by the layer that originated or
// recognized it. Tags feed SENDME validation: acknowledging a cell
// means echoing its tag. Digest-based layers produce 20-byte tags,
// counter-galois layers 16-byte ones.
type Tag []byte

// HopNum identifies a hop on a circuit, zero-based from the hop closest
// to the client.
type HopNum uint8

var (
	// ErrNoSuchHop is returned when an operation names a hop beyond the
	// end of the stack.
	ErrNoSuchHop = errors.New("no such hop on circuit")

	// ErrBadCellAuth is returned when an inbound cell is not recognized
	// by any layer. The circuit cannot distinguish corruption from
	// tampering and must be torn down.
	ErrBadCellAuth = errors.New("relay cell failed authentication")

	// ErrBadSeedLen is returned when layer key material has the wrong
	// length.
	ErrBadSeedLen = errors.New("key seed has wrong length")
)

// OutboundClientLayer is the client side of one hop's outbound
// encryption.
type OutboundClientLayer interface {
	// OriginateFor prepares a cell addressed to this hop: it stamps the
	// body so the hop will recognize it, encrypts it once, and returns
	// the cell's tag.
	OriginateFor(chanCmd byte, body *cell.Body) Tag

	// EncryptOutbound adds this hop's onion layer to a cell addressed
	// to some hop further out.
	EncryptOutbound(chanCmd byte, body *cell.Body)
}

// InboundClientLayer is the client side of one hop's inbound
// decryption.
type InboundClientLayer interface {
	// DecryptInbound removes this hop's layer and reports whether the
	// result is a cell originated by this hop. On recognition it
	// returns the cell's tag.
	DecryptInbound(chanCmd byte, body *cell.Body) (Tag, bool)
}

// OutboundRelayLayer is the relay side of outbound decryption.
type OutboundRelayLayer interface {
	// DecryptOutbound removes one layer from a client-bound-away cell
	// and reports whether this relay is the intended recipient.
	DecryptOutbound(chanCmd byte, body *cell.Body) (Tag, bool)
}

// InboundRelayLayer is the relay side of inbound encryption.
type InboundRelayLayer interface {
	// Originate stamps and encrypts a cell this relay is sending back
	// toward the client, returning its tag.
	Originate(chanCmd byte, body *cell.Body) Tag

	// EncryptInbound adds this relay's layer to a client-bound cell
	// received from further out.
	EncryptInbound(chanCmd byte, body *cell.Body)
}

// OutboundCrypt is the client's outbound side of a circuit: one layer
// per hop, ordered from the hop closest to the client outward.
type OutboundCrypt struct {
	layers []OutboundClientLayer
}

// NewOutboundCrypt returns an empty outbound stack.
func NewOutboundCrypt() *OutboundCrypt {
	return &OutboundCrypt{}
}

// AddLayer appends a hop to the far end of the circuit.
func (c *OutboundCrypt) AddLayer(l OutboundClientLayer) {
	c.layers = append(c.layers, l)
}

// Len returns the number of hops.
func (c *OutboundCrypt) Len() int { return len(c.layers) }

// Encrypt prepares a cell for the given hop: the target layer
// originates it, then every closer layer wraps it, innermost first, so
// the hop nearest the client peels first on the way out. It returns the
// tag the target hop will compute on recognition.
func (c *OutboundCrypt) Encrypt(chanCmd byte, body *cell.Body, hop HopNum) (Tag, error) {
	if int(hop) >= len(c.layers) {
		return nil, errors.Wrapf(ErrNoSuchHop, "hop %d of %d", hop, len(c.layers))
	}
	tag := c.layers[hop].OriginateFor(chanCmd, body)
	for i := int(hop) - 1; i >= 0; i-- {
		c.layers[i].EncryptOutbound(chanCmd, body)
	}
	return tag, nil
}

// InboundCrypt is the client's inbound side of a circuit.
type InboundCrypt struct {
	layers []InboundClientLayer
}

// NewInboundCrypt returns an empty inbound stack.
func NewInboundCrypt() *InboundCrypt {
	return &InboundCrypt{}
}

// AddLayer appends a hop to the far end of the circuit.
func (c *InboundCrypt) AddLayer(l InboundClientLayer) {
	c.layers = append(c.layers, l)
}

// Len returns the number of hops.
func (c *InboundCrypt) Len() int { return len(c.layers) }

// Decrypt peels layers off an inbound cell starting at the hop closest
// to the client, stopping at the first layer that recognizes it. If no
// layer does, the cell is unauthenticated and the circuit must close.
func (c *InboundCrypt) Decrypt(chanCmd byte, body *cell.Body) (HopNum, Tag, error) {
	for i, layer := range c.layers {
		if tag, ok := layer.DecryptInbound(chanCmd, body); ok {
			return HopNum(i), tag, nil
		}
	}
	return 0, nil, ErrBadCellAuth
}
