package cell

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// v0 relay body layout. All multi-byte fields are big endian.
//
//	cmd        [1]
//	recognized [2]   zero at the originating layer
//	streamID   [2]
//	digest     [4]   truncated running digest, zero while digesting
//	length     [2]
//	data       [length]
//	padding    zero to BodyLen
const (
	v0CmdOff        = 0
	v0RecognizedOff = 1
	v0StreamOff     = 3
	v0DigestOff     = 5
	v0LenOff        = 9
	v0DataOff       = 11

	// MaxPayloadV0 is the data capacity of a v0 relay body.
	MaxPayloadV0 = BodyLen - v0DataOff

	// V0DigestLen is the width of the truncated digest field.
	V0DigestLen = 4
)

// RelayMsg is a decoded relay cell payload: the command, the stream it
// addresses (zero for circuit-level commands), and the command body.
type RelayMsg struct {
	Cmd      byte
	StreamID uint16
	Data     []byte
}

// EncodeV0 writes msg into body using the v0 layout, leaving the
// recognized and digest fields zero for the encryption layer to fill.
func EncodeV0(msg RelayMsg, body *Body) error {
	if len(msg.Data) > MaxPayloadV0 {
		return errors.Errorf("relay payload too long: %d > %d", len(msg.Data), MaxPayloadV0)
	}

	for i := range body {
		body[i] = 0
	}

	body[v0CmdOff] = msg.Cmd
	binary.BigEndian.PutUint16(body[v0StreamOff:], msg.StreamID)
	binary.BigEndian.PutUint16(body[v0LenOff:], uint16(len(msg.Data)))
	copy(body[v0DataOff:], msg.Data)
	return nil
}

// DecodeV0 parses a recognized v0 relay body. The returned data slice
// aliases body.
func DecodeV0(body *Body) (RelayMsg, error) {
	length := binary.BigEndian.Uint16(body[v0LenOff:])
	if int(length) > MaxPayloadV0 {
		return RelayMsg{}, errors.Errorf("relay length field out of range: %d", length)
	}
	return RelayMsg{
		Cmd:      body[v0CmdOff],
		StreamID: binary.BigEndian.Uint16(body[v0StreamOff:]),
		Data:     body[v0DataOff : v0DataOff+int(length)],
	}, nil
}

// V0RecognizedZero reports whether the recognized field is zero. The
// check runs in constant time over the field; callers combine it with
// the digest comparison before acting on the result.
func V0RecognizedZero(body *Body) bool {
	return body[v0RecognizedOff]|body[v0RecognizedOff+1] == 0
}

// V0Digest returns the four digest field bytes.
func V0Digest(body *Body) []byte {
	return body[v0DigestOff : v0DigestOff+V0DigestLen]
}

// V0ZeroDigest clears the digest field, as required before running the
// body through the digest function.
func V0ZeroDigest(body *Body) {
	for i := v0DigestOff; i < v0DigestOff+V0DigestLen; i++ {
		body[i] = 0
	}
}

// V0ZeroRecognized clears the recognized field.
func V0ZeroRecognized(body *Body) {
	body[v0RecognizedOff] = 0
	body[v0RecognizedOff+1] = 0
}

// V0SetDigest writes the truncated digest into the digest field.
func V0SetDigest(body *Body, digest []byte) {
	copy(body[v0DigestOff:v0DigestOff+V0DigestLen], digest)
}
