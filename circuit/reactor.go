package circuit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/onionwire/onionwire/cell"
	"github.com/onionwire/onionwire/congestion"
	"github.com/onionwire/onionwire/handshake"
	"github.com/onionwire/onionwire/relaycrypt"
)

// run is the reactor: the only goroutine that touches circuit state.
// Cells, outbound requests and control thunks are serialized here, so
// the crypt stack, windows and stream table need no locking.
func (c *Circuit) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.sendDestroy(cell.DestroyReasonFinished)
			c.teardown(errors.Wrap(ErrCircuitClosed, ctx.Err().Error()))
		case ic := <-c.inboundC:
			c.handleInbound(ic)
		case req := <-c.controlC:
			req.done <- req.fn()
		case req := <-c.outboundC:
			c.pending = append(c.pending, req)
		}
		if c.state == StateClosed {
			return
		}
		c.flushPending()
		if c.state == StateClosed {
			return
		}
	}
}

// flushPending transmits queued requests in submission order, stopping
// at the first one that flow control refuses. Head-of-line order is
// the delivery guarantee streams rely on.
func (c *Circuit) flushPending() {
	for len(c.pending) > 0 {
		req := c.pending[0]
		if !c.admit(req.msg) {
			return
		}
		c.pending = c.pending[1:]
		req.done <- c.transmit(req.msg, req.hop, req.early)
	}
}

// admit consults circuit congestion control and the target stream's
// flow controller. Refusal is backpressure, not an error.
func (c *Circuit) admit(msg cell.RelayMsg) bool {
	if cell.CountsTowardWindows(msg.Cmd) && !c.ctrl.CanSend() {
		return false
	}
	if msg.StreamID != 0 {
		if entry := c.streams[msg.StreamID]; entry != nil && !entry.fc.CanSend(msg) {
			return false
		}
	}
	return true
}

// transmit encrypts one relay message for the target hop and puts it
// on the wire, recording all send-side accounting.
func (c *Circuit) transmit(msg cell.RelayMsg, hop relaycrypt.HopNum, early bool) error {
	var body cell.Body
	if err := c.encode(msg, &body); err != nil {
		return err
	}
	chanCmd := cell.ChanCmdRelay
	if early {
		chanCmd = cell.ChanCmdRelayEarly
	}
	tag, err := c.out.Encrypt(chanCmd, &body, hop)
	if err != nil {
		err = errors.Wrap(ErrInternal, err.Error())
		c.logger.Error("outbound encrypt failed", zap.Error(err))
		c.fatal(err)
		return err
	}
	if err := c.tr.Send(c.ctx, c.peer, c.circID, chanCmd, body[:]); err != nil {
		return errors.Wrap(err, "sending relay cell")
	}
	cellsOutMetric.Inc()

	if cell.CountsTowardWindows(msg.Cmd) {
		if err := c.ctrl.NoteDataSent(time.Now(), tag); err != nil {
			c.fatal(errors.Wrap(ErrInternal, err.Error()))
			return err
		}
	}
	if msg.StreamID != 0 {
		if entry := c.streams[msg.StreamID]; entry != nil {
			if err := entry.fc.AboutToSend(msg); err != nil {
				c.fatal(errors.Wrap(ErrInternal, err.Error()))
				return err
			}
		}
	}
	return nil
}

func (c *Circuit) handleInbound(ic inboundCell) {
	switch ic.chanCmd {
	case cell.ChanCmdCreated2:
		c.deliverHandshakeReply(ic.body, "created")

	case cell.ChanCmdDestroy:
		c.logger.Info("destroyed by peer",
			zap.Uint32("circ", c.circID),
			zap.Uint8("reason", firstByte(ic.body)),
		)
		c.teardown(errors.Wrapf(ErrCircuitClosed,
			"destroyed by peer: reason %#x", firstByte(ic.body)))

	case cell.ChanCmdRelay, cell.ChanCmdRelayEarly:
		c.handleRelayCell(ic)
	}
}

func (c *Circuit) handleRelayCell(ic inboundCell) {
	if len(ic.body) != cell.BodyLen {
		c.fatal(errors.Wrapf(ErrProtoViolation, "relay cell of %d bytes", len(ic.body)))
		return
	}
	var body cell.Body
	copy(body[:], ic.body)

	hop, tag, err := c.in.Decrypt(ic.chanCmd, &body)
	if err != nil {
		// Unrecognized at every hop: on an origin circuit this is
		// always hostile or corrupt.
		c.fatal(err)
		return
	}
	cellsInMetric.Inc()

	msg, err := c.decode(&body)
	if err != nil {
		c.fatal(errors.Wrap(ErrProtoViolation, err.Error()))
		return
	}

	if msg.StreamID == 0 {
		c.handleCircuitMsg(hop, msg)
		return
	}
	c.handleStreamMsg(hop, tag, msg)
}

// handleCircuitMsg dispatches the stream-less control commands.
func (c *Circuit) handleCircuitMsg(hop relaycrypt.HopNum, msg cell.RelayMsg) {
	switch msg.Cmd {
	case cell.RelayCmdExtended2:
		c.deliverHandshakeReply(msg.Data, "extended")

	case cell.RelayCmdSendme:
		s, err := cell.DecodeSendme(msg.Data)
		if err != nil {
			c.fatal(errors.Wrap(ErrProtoViolation, err.Error()))
			return
		}
		err = c.ctrl.NoteSendmeReceived(time.Now(), s.Tag, congestion.Signals{
			ChannelBlocked:      len(c.pending) > 0,
			ChannelOutboundSize: uint32(len(c.pending)),
		})
		if err != nil {
			c.fatal(err)
			return
		}
		sendmesReceivedMetric.Inc()

	case cell.RelayCmdTruncated:
		c.logger.Info("circuit truncated",
			zap.Uint32("circ", c.circID),
			zap.Uint8("hop", uint8(hop)),
		)
		c.sendDestroy(cell.DestroyReasonRequested)
		c.teardown(errors.Wrap(ErrCircuitClosed, "truncated by relay"))

	case cell.RelayCmdDrop:
		// Long-range padding.

	case cell.RelayCmdPaddingNegotiated:
		// Padding negotiation acknowledged; nothing to update here.

	case cell.RelayCmdConfluxLink, cell.RelayCmdConfluxLinked,
		cell.RelayCmdConfluxLinkedAck, cell.RelayCmdConfluxSwitch:
		reply, err := c.handleConflux(msg)
		if err != nil {
			c.fatal(err)
			return
		}
		if reply != nil {
			if err := c.transmit(*reply, hop, false); err != nil {
				c.logger.Warn("sending multipath reply", zap.Error(err))
			}
		}

	default:
		c.fatal(errors.Wrapf(ErrProtoViolation,
			"unexpected circuit command %#x", msg.Cmd))
	}
}

// handleStreamMsg routes a stream-addressed command through the stream
// table, falling back to half-closed policing.
func (c *Circuit) handleStreamMsg(hop relaycrypt.HopNum, tag relaycrypt.Tag, msg cell.RelayMsg) {
	entry := c.streams[msg.StreamID]
	if entry == nil {
		hs := c.halves[msg.StreamID]
		if hs == nil {
			c.fatal(errors.Wrapf(ErrProtoViolation,
				"cell for unknown stream %d", msg.StreamID))
			return
		}
		if cell.CountsTowardWindows(msg.Cmd) {
			if !c.noteCircuitData(hop, tag) {
				return
			}
		}
		done, err := hs.handleMsg(msg)
		if err != nil {
			c.fatal(err)
			return
		}
		if done {
			delete(c.halves, msg.StreamID)
		}
		return
	}

	switch msg.Cmd {
	case cell.RelayCmdData:
		if !c.noteCircuitData(hop, tag) {
			return
		}
		if !c.noteStreamData(hop, entry) {
			return
		}
		c.deliver(entry, msg)

	case cell.RelayCmdConnected:
		if entry.connected {
			c.fatal(errors.Wrap(ErrProtoViolation, "duplicate CONNECTED"))
			return
		}
		entry.connected = true
		c.deliver(entry, msg)

	case cell.RelayCmdEnd:
		select {
		case entry.inC <- msg:
		default:
		}
		close(entry.inC)
		delete(c.streams, entry.id)

	case cell.RelayCmdSendme:
		if err := entry.fc.HandleIncomingSendme(msg); err != nil {
			c.fatal(err)
		}

	case cell.RelayCmdXon:
		if err := entry.fc.HandleIncomingXon(msg); err != nil {
			c.fatal(err)
		}

	case cell.RelayCmdXoff:
		if err := entry.fc.HandleIncomingXoff(msg); err != nil {
			c.fatal(err)
		}

	case cell.RelayCmdResolved:
		c.deliver(entry, msg)

	default:
		c.fatal(errors.Wrapf(ErrProtoViolation,
			"unexpected stream command %#x", msg.Cmd))
	}
}

// deliverHandshakeReply hands a CREATED2/EXTENDED2 body to the Extend
// call waiting on it. A reply nobody asked for is a violation: buffered
// silently, it would answer a later Extend as if it were genuine.
func (c *Circuit) deliverHandshakeReply(body []byte, what string) {
	if !c.extendPending {
		c.fatal(errors.Wrapf(ErrProtoViolation, "unsolicited %s cell", what))
		return
	}
	c.extendPending = false
	select {
	case c.createdC <- body:
	default:
		c.fatal(errors.Wrapf(ErrProtoViolation, "unsolicited %s cell", what))
	}
}

// noteCircuitData accounts one inbound DATA cell against the circuit
// window, emitting the owed SENDME carrying the cell's own tag.
func (c *Circuit) noteCircuitData(hop relaycrypt.HopNum, tag relaycrypt.Tag) bool {
	owed, err := c.ctrl.NoteDataReceived()
	if err != nil {
		c.fatal(err)
		return false
	}
	if !owed {
		return true
	}
	data, err := cell.EncodeSendme(cell.Sendme{Version: 1, Tag: tag})
	if err != nil {
		c.fatal(errors.Wrap(ErrInternal, err.Error()))
		return false
	}
	if err := c.transmit(cell.RelayMsg{
		Cmd:  cell.RelayCmdSendme,
		Data: data,
	}, hop, false); err != nil {
		c.logger.Warn("sending circuit sendme", zap.Error(err))
		return c.state != StateClosed
	}
	if err := c.ctrl.NoteSendmeSent(); err != nil {
		c.fatal(errors.Wrap(ErrInternal, err.Error()))
		return false
	}
	sendmesSentMetric.Inc()
	return true
}

// noteStreamData runs the stream-level receive bookkeeping: window
// drain plus SENDME refresh for the window scheme, XOFF emission when
// the rate scheme's buffer limit is hit.
func (c *Circuit) noteStreamData(hop relaycrypt.HopNum, entry *streamEntry) bool {
	if entry.recvW != nil {
		if err := entry.recvW.Take(); err != nil {
			c.fatal(err)
			return false
		}
		if entry.recvW.Value() <= congestion.StreamWindowStart-congestion.StreamWindowIncrement {
			data, err := cell.EncodeSendme(cell.Sendme{Version: 0})
			if err != nil {
				c.fatal(errors.Wrap(ErrInternal, err.Error()))
				return false
			}
			if err := c.transmit(cell.RelayMsg{
				Cmd:      cell.RelayCmdSendme,
				StreamID: entry.id,
				Data:     data,
			}, hop, false); err != nil {
				c.logger.Warn("sending stream sendme", zap.Error(err))
				return c.state != StateClosed
			}
			if err := entry.recvW.Put(congestion.StreamWindowIncrement); err != nil {
				c.fatal(errors.Wrap(ErrInternal, err.Error()))
				return false
			}
		}
		return true
	}

	// Buffered bytes are approximated from channel occupancy at one
	// full payload per queued message, counting the message about to
	// be delivered.
	xoff, err := entry.fc.MaybeSendXoff((len(entry.inC) + 1) * cell.MaxPayloadV0)
	if err != nil {
		c.fatal(errors.Wrap(ErrInternal, err.Error()))
		return false
	}
	if xoff != nil {
		if err := c.transmit(cell.RelayMsg{
			Cmd:      cell.RelayCmdXoff,
			StreamID: entry.id,
			Data:     cell.EncodeXoff(*xoff),
		}, hop, false); err != nil {
			c.logger.Warn("sending xoff", zap.Error(err))
			return c.state != StateClosed
		}
	}
	return true
}

// deliver hands a message to the stream's consumer. A full buffer
// means the peer overran the advertised flow control budget.
func (c *Circuit) deliver(entry *streamEntry, msg cell.RelayMsg) {
	select {
	case entry.inC <- msg:
	default:
		c.fatal(errors.Wrapf(ErrProtoViolation,
			"stream %d inbound buffer overrun", entry.id))
	}
}

// halfClose moves a stream we have ended into the policed half-closed
// table.
func (c *Circuit) halfClose(sid uint16) error {
	entry := c.streams[sid]
	if entry == nil {
		return ErrStreamClosed
	}
	delete(c.streams, sid)
	close(entry.inC)
	c.halves[sid] = newHalfStream(entry.fc, entry.recvW, !entry.connected)
	return nil
}

// fatal records a protocol violation or internal failure and tears the
// circuit down, destroying it toward the first hop.
func (c *Circuit) fatal(err error) {
	if c.state == StateClosed {
		return
	}
	if errors.Is(err, ErrProtoViolation) || errors.Is(err, ErrBadCellAuth) {
		violationsMetric.Inc()
	}
	c.logger.Warn("tearing down circuit",
		zap.Uint32("circ", c.circID),
		zap.Error(err),
	)
	c.sendDestroy(cell.DestroyReasonProtocol)
	c.teardown(err)
}

// teardown finalizes the circuit: pending requests fail, stream
// consumers observe closure, and Done() fires.
func (c *Circuit) teardown(err error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.err = err
	for _, req := range c.pending {
		req.done <- ErrCircuitClosed
	}
	c.pending = nil
	for sid, entry := range c.streams {
		close(entry.inC)
		delete(c.streams, sid)
	}
	for sid := range c.halves {
		delete(c.halves, sid)
	}
	teardownsMetric.Inc()
	close(c.doneC)
}

func (c *Circuit) encode(msg cell.RelayMsg, body *cell.Body) error {
	if c.variant == handshake.VariantCgo {
		return cell.EncodeV1(msg, body)
	}
	return cell.EncodeV0(msg, body)
}

func (c *Circuit) decode(body *cell.Body) (cell.RelayMsg, error) {
	if c.variant == handshake.VariantCgo {
		return cell.DecodeV1(body)
	}
	return cell.DecodeV0(body)
}
