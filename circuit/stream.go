package circuit

import (
	"context"

	"github.com/pkg/errors"

	"github.com/onionwire/onionwire/cell"
	"github.com/onionwire/onionwire/congestion"
	"github.com/onionwire/onionwire/flowctl"
	"github.com/onionwire/onionwire/relaycrypt"
)

// streamInboundBuffer bounds how many undelivered messages a stream
// may hold; it doubles as the occupancy the XON/XOFF scheme watches.
const streamInboundBuffer = 1024

// streamEntry is the reactor-owned state for one live stream. Only the
// reactor goroutine touches it.
type streamEntry struct {
	id        uint16
	hop       relaycrypt.HopNum
	fc        flowctl.Controller
	recvW     *congestion.StreamRecvWindow
	inC       chan cell.RelayMsg
	connected bool
	rate      flowctl.RateLimit
}

// Stream is the consumer-facing handle. All methods funnel through the
// reactor; the handle itself holds no mutable protocol state.
type Stream struct {
	id  uint16
	hop relaycrypt.HopNum
	c   *Circuit
	inC <-chan cell.RelayMsg
}

// ID returns the stream's identifier within its circuit.
func (s *Stream) ID() uint16 { return s.id }

// Send ships one DATA message, blocking while circuit or stream flow
// control denies capacity.
func (s *Stream) Send(ctx context.Context, data []byte) error {
	if len(data) > s.c.MaxPayload() {
		return errors.Errorf("data exceeds cell capacity: %d bytes", len(data))
	}
	return s.c.sendRelay(ctx, cell.RelayMsg{
		Cmd:      cell.RelayCmdData,
		StreamID: s.id,
		Data:     data,
	}, s.hop, false)
}

// Recv delivers the next inbound message on the stream: DATA bodies
// and the END that finishes the stream.
func (s *Stream) Recv(ctx context.Context) (cell.RelayMsg, error) {
	select {
	case msg, ok := <-s.inC:
		if !ok {
			return cell.RelayMsg{}, ErrStreamClosed
		}
		return msg, nil
	case <-s.c.doneC:
		return cell.RelayMsg{}, s.c.Err()
	case <-ctx.Done():
		return cell.RelayMsg{}, ctx.Err()
	}
}

// Close half-closes the stream: END goes out, the peer may still drain
// in-flight data, and further Sends fail.
func (s *Stream) Close(ctx context.Context) error {
	if err := s.c.sendRelay(ctx, cell.RelayMsg{
		Cmd:      cell.RelayCmdEnd,
		StreamID: s.id,
		Data:     []byte{cell.EndReasonDone},
	}, s.hop, false); err != nil {
		return err
	}
	err := s.c.control(ctx, func() error {
		return s.c.halfClose(s.id)
	})
	if errors.Is(err, ErrStreamClosed) {
		// The peer's END raced ours; the stream is gone either way.
		return nil
	}
	return err
}

// RateLimit reports the pace the peer most recently granted via
// XON/XOFF. Writers on rate-controlled streams are expected to respect
// it; window-based streams always report unlimited.
func (s *Stream) RateLimit(ctx context.Context) (flowctl.RateLimit, error) {
	rate := flowctl.RateUnlimited
	err := s.c.control(ctx, func() error {
		if entry := s.c.streams[s.id]; entry != nil {
			rate = entry.rate
		}
		return nil
	})
	return rate, err
}

// AdvertiseRate reports the consumer's measured drain rate, in
// kilobits per second, to the peer via XON when the stream runs the
// rate-based scheme and the smoothed rate moved enough to matter.
func (s *Stream) AdvertiseRate(ctx context.Context, kbps uint32) error {
	var xon *cell.Xon
	if err := s.c.control(ctx, func() error {
		entry := s.c.streams[s.id]
		if entry == nil {
			return ErrStreamClosed
		}
		var err error
		xon, err = entry.fc.MaybeSendXon(kbps, len(entry.inC)*cell.MaxPayloadV0)
		return err
	}); err != nil {
		return err
	}
	if xon == nil {
		return nil
	}
	return s.c.sendRelay(ctx, cell.RelayMsg{
		Cmd:      cell.RelayCmdXon,
		StreamID: s.id,
		Data:     cell.EncodeXon(*xon),
	}, s.hop, false)
}
