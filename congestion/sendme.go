package congestion

import (
	"bytes"

	"github.com/pkg/errors"
)

// ErrProtoViolation marks peer behavior that breaks flow or congestion
// control rules. A circuit seeing it must be torn down.
var ErrProtoViolation = errors.New("flow control protocol violation")

// SendmeValidator keeps the tags of the cells we expect future SENDMEs
// to acknowledge. A SENDME that names the wrong cell, or arrives when
// none is owed, proves the peer did not see the traffic it claims to
// acknowledge.
type SendmeValidator struct {
	expected [][]byte
}

// NewSendmeValidator returns an empty validator.
func NewSendmeValidator() *SendmeValidator {
	return &SendmeValidator{}
}

// Record notes the tag of a just-sent cell that the next SENDME must
// acknowledge.
func (v *SendmeValidator) Record(tag []byte) {
	cp := make([]byte, len(tag))
	copy(cp, tag)
	v.expected = append(v.expected, cp)
}

// Expected returns the queue of tags awaiting acknowledgment.
func (v *SendmeValidator) Expected() [][]byte {
	return v.expected
}

// Validate consumes the oldest expectation and checks the received tag
// against it. A nil tag is an untagged SENDME, accepted against any
// pending expectation.
func (v *SendmeValidator) Validate(tag []byte) error {
	if len(v.expected) == 0 {
		return errors.Wrap(ErrProtoViolation, "unexpected sendme")
	}
	want := v.expected[0]
	v.expected = v.expected[1:]
	if tag == nil {
		return nil
	}
	if !bytes.Equal(tag, want) {
		return errors.Wrap(ErrProtoViolation, "sendme acknowledged the wrong cell")
	}
	return nil
}

// StreamSendWindow is a stream-level send window for the legacy flow
// control scheme.
type StreamSendWindow struct {
	start uint32
	value uint32
}

// NewStreamSendWindow returns a send window at its starting value.
func NewStreamSendWindow(start uint32) *StreamSendWindow {
	return &StreamSendWindow{start: start, value: start}
}

// Value returns the remaining window.
func (w *StreamSendWindow) Value() uint32 { return w.value }

// Take consumes one cell of window capacity.
func (w *StreamSendWindow) Take() error {
	if w.value == 0 {
		return errors.New("data sent with empty stream window")
	}
	w.value--
	return nil
}

// Put refills the window by one SENDME increment; growing past the
// starting value means the peer sent a SENDME it did not owe.
func (w *StreamSendWindow) Put(increment uint32) error {
	next := w.value + increment
	if next > w.start {
		return errors.Wrap(ErrProtoViolation, "stream sendme would grow window past its initial value")
	}
	w.value = next
	return nil
}

// StreamRecvWindow polices how much data the peer may send on a
// stream.
type StreamRecvWindow struct {
	start uint32
	value uint32
}

// NewStreamRecvWindow returns a receive window at its starting value.
func NewStreamRecvWindow(start uint32) *StreamRecvWindow {
	return &StreamRecvWindow{start: start, value: start}
}

// Value returns the remaining window.
func (w *StreamRecvWindow) Value() uint32 { return w.value }

// Take accounts for one received data cell.
func (w *StreamRecvWindow) Take() error {
	if w.value == 0 {
		return errors.Wrap(ErrProtoViolation, "peer exceeded its stream data window")
	}
	w.value--
	return nil
}

// Put refills the window after we send a stream SENDME.
func (w *StreamRecvWindow) Put(increment uint32) error {
	next := w.value + increment
	if next > w.start {
		return errors.New("stream receive window grown past its initial value")
	}
	w.value = next
	return nil
}
