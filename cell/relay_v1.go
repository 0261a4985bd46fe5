package cell

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// v1 relay body layout, used with the counter-galois relay encryption.
// The leading tag is written by the originating layer; the header that
// follows omits the stream ID for commands that do not carry one.
//
//	tag      [16]
//	cmd      [1]
//	length   [2]
//	streamID [2]   only when HasStreamID(cmd)
//	data     [length]
//	padding  zero to BodyLen
const (
	// V1TagLen is the width of the leading authentication tag.
	V1TagLen = 16

	v1CmdOff = V1TagLen
	v1LenOff = V1TagLen + 1
)

// MaxPayloadV1 returns the data capacity of a v1 body for the given
// command.
func MaxPayloadV1(cmd byte) int {
	n := BodyLen - V1TagLen - 3
	if HasStreamID(cmd) {
		n -= 2
	}
	return n
}

// EncodeV1 writes msg into body using the v1 layout, leaving the tag
// bytes zero for the encryption layer to fill.
func EncodeV1(msg RelayMsg, body *Body) error {
	if len(msg.Data) > MaxPayloadV1(msg.Cmd) {
		return errors.Errorf("relay payload too long: %d > %d", len(msg.Data), MaxPayloadV1(msg.Cmd))
	}
	if msg.StreamID != 0 && !HasStreamID(msg.Cmd) {
		return errors.Errorf("relay command %d does not carry a stream ID", msg.Cmd)
	}

	for i := range body {
		body[i] = 0
	}

	body[v1CmdOff] = msg.Cmd
	binary.BigEndian.PutUint16(body[v1LenOff:], uint16(len(msg.Data)))
	off := v1LenOff + 2
	if HasStreamID(msg.Cmd) {
		binary.BigEndian.PutUint16(body[off:], msg.StreamID)
		off += 2
	}
	copy(body[off:], msg.Data)
	return nil
}

// DecodeV1 parses a recognized v1 relay body. The returned data slice
// aliases body.
func DecodeV1(body *Body) (RelayMsg, error) {
	msg := RelayMsg{Cmd: body[v1CmdOff]}
	length := binary.BigEndian.Uint16(body[v1LenOff:])
	off := v1LenOff + 2
	if HasStreamID(msg.Cmd) {
		msg.StreamID = binary.BigEndian.Uint16(body[off:])
		off += 2
	}
	if int(length) > BodyLen-off {
		return RelayMsg{}, errors.Errorf("relay length field out of range: %d", length)
	}
	msg.Data = body[off : off+int(length)]
	return msg, nil
}

// V1Tag returns the leading tag bytes.
func V1Tag(body *Body) []byte {
	return body[:V1TagLen]
}
