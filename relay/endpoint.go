// Package relay implements the non-client endpoint of a circuit: one
// active crypto hop per direction. Client-ward cells are peeled once
// and either handled here (when recognized) or forwarded to the next
// hop; cells heading back to the client gain this hop's layer on the
// way through.
package relay

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/onionwire/onionwire/cell"
	"github.com/onionwire/onionwire/congestion"
	"github.com/onionwire/onionwire/handshake"
	"github.com/onionwire/onionwire/link"
	"github.com/onionwire/onionwire/relaycrypt"
)

const defaultDestroyedCacheSize = 4096

// routeState is one circuit as seen from this relay: its single crypto
// hop, its two neighbors, and congestion accounting for the cells this
// relay originates toward the client.
type routeState struct {
	variant handshake.Variant

	// mu guards the hop crypto and ctrl. Reply runs on handler
	// goroutines while SENDMEs and forwarded cells originate on the
	// transport goroutine; the back layer's running digest must advance
	// in the exact order cells hit the wire, so the lock is held across
	// each crypto call and the Send carrying its output.
	mu   sync.Mutex
	fwd  relaycrypt.OutboundRelayLayer
	back relaycrypt.InboundRelayLayer
	ctrl *congestion.Controller

	upPeer   string
	upCirc   uint32
	downPeer string
	downCirc uint32
}

// Handler receives relay messages recognized at this endpoint. Exit
// logic (TCP dialing, resolution) lives behind it; SENDME bookkeeping
// does not reach it.
type Handler func(circID uint32, msg cell.RelayMsg)

type Endpoint struct {
	logger  *zap.Logger
	selfID  string
	tr      link.Transport
	keyFn   handshake.KeyFn
	agree   handshake.AgreeFn
	cparams congestion.Params
	handler Handler

	mu        sync.Mutex
	routes    map[uint32]*routeState // keyed by upCirc, aliased by downCirc
	destroyed *lru.Cache[uint32, struct{}]
}

type Option func(*Endpoint)

// WithHandler installs the recognized-cell handler.
func WithHandler(h Handler) Option {
	return func(e *Endpoint) { e.handler = h }
}

// WithCongestionParams overrides the congestion parameters used for
// cells this endpoint originates.
func WithCongestionParams(p congestion.Params) Option {
	return func(e *Endpoint) { e.cparams = p }
}

func NewEndpoint(
	logger *zap.Logger,
	selfID string,
	t link.Transport,
	keyFn handshake.KeyFn,
	agree handshake.AgreeFn,
	opts ...Option,
) *Endpoint {
	e := &Endpoint{
		logger:  logger,
		selfID:  selfID,
		tr:      t,
		keyFn:   keyFn,
		agree:   agree,
		cparams: congestion.DefaultParams(),
		routes:  make(map[uint32]*routeState),
	}
	for _, o := range opts {
		o(e)
	}
	// The constructor arguments are all fixed; the cache only fails on
	// a non-positive size.
	e.destroyed, _ = lru.New[uint32, struct{}](defaultDestroyedCacheSize)

	t.OnReceive(e.onReceive)
	return e
}

func (e *Endpoint) onReceive(srcPeerID []byte, circID uint32, cmd byte, body []byte) {
	switch cmd {
	case cell.ChanCmdCreate2:
		e.handleCreate(srcPeerID, circID, body)
	case cell.ChanCmdCreated2:
		e.handleCreated(circID, body)
	case cell.ChanCmdDestroy:
		e.handleDestroy(circID, body)
	case cell.ChanCmdRelay, cell.ChanCmdRelayEarly:
		e.handleRelayCell(circID, cmd, body)
	}
}

// handleCreate answers a CREATE2 from our client-ward neighbor: run the
// responder handshake, derive this hop's layers, and reply CREATED2.
func (e *Endpoint) handleCreate(srcPeerID []byte, circID uint32, body []byte) {
	created, secret, variant, err := handshake.Respond(body, e.keyFn, e.agree)
	if err != nil {
		e.logger.Warn("rejecting create cell", zap.Error(err))
		return
	}
	fwd, back, err := handshake.RelayLayers(variant, secret)
	if err != nil {
		e.logger.Warn("rejecting create cell", zap.Error(err))
		return
	}

	rs := &routeState{
		variant: variant,
		fwd:     fwd,
		back:    back,
		upPeer:  string(srcPeerID),
		upCirc:  circID,
		ctrl:    congestion.NewController(e.logger, e.cparams),
	}
	e.mu.Lock()
	e.routes[circID] = rs
	e.mu.Unlock()

	if err := e.tr.Send(
		context.Background(), srcPeerID, circID, cell.ChanCmdCreated2, created,
	); err != nil {
		e.logger.Warn("sending created cell", zap.Error(err))
	}
}

// handleCreated forwards a CREATED2 arriving from our downstream
// neighbor to the client, wrapped as an EXTENDED2 relay message.
func (e *Endpoint) handleCreated(circID uint32, body []byte) {
	e.mu.Lock()
	rs := e.routes[circID]
	e.mu.Unlock()
	if rs == nil || rs.downCirc != circID {
		return
	}
	if err := e.originate(rs, cell.RelayMsg{
		Cmd:  cell.RelayCmdExtended2,
		Data: body,
	}); err != nil {
		e.logger.Warn("forwarding created cell", zap.Error(err))
	}
}

func (e *Endpoint) handleDestroy(circID uint32, body []byte) {
	e.mu.Lock()
	rs := e.routes[circID]
	if rs != nil {
		delete(e.routes, rs.upCirc)
		e.destroyed.Add(rs.upCirc, struct{}{})
		if rs.downCirc != 0 {
			delete(e.routes, rs.downCirc)
			e.destroyed.Add(rs.downCirc, struct{}{})
		}
	}
	e.mu.Unlock()
	if rs == nil {
		return
	}

	// Propagate toward the side that did not send it.
	if circID == rs.upCirc && rs.downCirc != 0 {
		_ = e.tr.Send(
			context.Background(),
			[]byte(rs.downPeer), rs.downCirc, cell.ChanCmdDestroy, body,
		)
	} else if circID == rs.downCirc {
		_ = e.tr.Send(
			context.Background(),
			[]byte(rs.upPeer), rs.upCirc, cell.ChanCmdDestroy, body,
		)
	}
	e.logger.Info("circuit destroyed",
		zap.Uint32("circ", rs.upCirc),
		zap.Uint32("downCirc", rs.downCirc),
	)
}

func (e *Endpoint) handleRelayCell(circID uint32, cmd byte, payload []byte) {
	if len(payload) != cell.BodyLen {
		e.logger.Warn("dropping malformed relay cell", zap.Int("len", len(payload)))
		return
	}
	var body cell.Body
	copy(body[:], payload)

	e.mu.Lock()
	rs := e.routes[circID]
	e.mu.Unlock()
	if rs == nil {
		// Late cells for a recently destroyed circuit are expected
		// during teardown and dropped without noise.
		if _, ok := e.destroyed.Get(circID); !ok {
			e.logger.Warn("dropping cell for unknown circuit", zap.Uint32("circ", circID))
		}
		return
	}

	if circID == rs.upCirc {
		e.handleOutbound(rs, cmd, &body)
		return
	}

	// Inbound from downstream: add our layer and send toward the
	// client untouched otherwise.
	rs.mu.Lock()
	rs.back.EncryptInbound(cmd, &body)
	_ = e.tr.Send(
		context.Background(), []byte(rs.upPeer), rs.upCirc, cmd, body[:],
	)
	rs.mu.Unlock()
}

// handleOutbound peels one layer off a client-originated cell. If the
// cell is addressed to this hop, it is handled here; otherwise the
// peeled cell moves one hop further out.
func (e *Endpoint) handleOutbound(rs *routeState, cmd byte, body *cell.Body) {
	rs.mu.Lock()
	tag, recognized := rs.fwd.DecryptOutbound(cmd, body)
	rs.mu.Unlock()
	if !recognized {
		if rs.downPeer == "" || rs.downCirc == 0 {
			// No next hop to carry it; fail loud, this is either a
			// routing bug or a probe.
			e.logger.Warn("unrecognized cell with no downstream", zap.Uint32("circ", rs.upCirc))
			return
		}
		_ = e.tr.Send(
			context.Background(), []byte(rs.downPeer), rs.downCirc, cmd, body[:],
		)
		return
	}

	msg, err := decodeFor(rs.variant, body)
	if err != nil {
		e.logger.Warn("recognized cell failed to decode", zap.Error(err))
		e.destroyCircuit(rs, cell.DestroyReasonProtocol)
		return
	}

	switch {
	case msg.Cmd == cell.RelayCmdExtend2 && msg.StreamID == 0:
		e.handleExtend(rs, msg)
	case msg.Cmd == cell.RelayCmdSendme && msg.StreamID == 0:
		e.handleCircSendme(rs, msg)
	case msg.Cmd == cell.RelayCmdTruncate && msg.StreamID == 0:
		e.destroyCircuit(rs, cell.DestroyReasonRequested)
	case msg.Cmd == cell.RelayCmdDrop:
		// Long-range padding; accounted nowhere.
	default:
		if cell.CountsTowardWindows(msg.Cmd) {
			rs.mu.Lock()
			owed, err := rs.ctrl.NoteDataReceived()
			rs.mu.Unlock()
			if err != nil {
				e.logger.Warn("data window violation", zap.Error(err))
				e.destroyCircuit(rs, cell.DestroyReasonProtocol)
				return
			}
			if owed {
				if err := e.sendCircSendme(rs, tag); err != nil {
					e.logger.Warn("sending sendme", zap.Error(err))
				}
			}
		}
		if e.handler != nil {
			e.handler(rs.upCirc, msg)
		}
	}
}

// handleExtend telescopes the circuit one hop further: allocate a
// downstream circuit ID and forward the embedded CREATE2 body.
func (e *Endpoint) handleExtend(rs *routeState, msg cell.RelayMsg) {
	if rs.downCirc != 0 {
		e.logger.Warn("extend on already extended circuit", zap.Uint32("circ", rs.upCirc))
		e.destroyCircuit(rs, cell.DestroyReasonProtocol)
		return
	}
	if len(msg.Data) < 1 {
		e.destroyCircuit(rs, cell.DestroyReasonProtocol)
		return
	}
	peerLen := int(msg.Data[0])
	if len(msg.Data) < 1+peerLen {
		e.destroyCircuit(rs, cell.DestroyReasonProtocol)
		return
	}
	nextPeer := string(msg.Data[1 : 1+peerLen])
	createBody := msg.Data[1+peerLen:]

	downCirc := newCircID()
	e.mu.Lock()
	rs.downPeer = nextPeer
	rs.downCirc = downCirc
	e.routes[downCirc] = rs
	e.mu.Unlock()

	_ = e.tr.Send(
		context.Background(),
		[]byte(nextPeer), downCirc, cell.ChanCmdCreate2, createBody,
	)
}

// handleCircSendme credits the window for cells this endpoint sent
// toward the client.
func (e *Endpoint) handleCircSendme(rs *routeState, msg cell.RelayMsg) {
	s, err := cell.DecodeSendme(msg.Data)
	if err != nil {
		e.destroyCircuit(rs, cell.DestroyReasonProtocol)
		return
	}
	rs.mu.Lock()
	err = rs.ctrl.NoteSendmeReceived(time.Now(), s.Tag, congestion.Signals{})
	rs.mu.Unlock()
	if err != nil {
		e.logger.Warn("sendme rejected", zap.Error(err))
		e.destroyCircuit(rs, cell.DestroyReasonProtocol)
	}
}

func (e *Endpoint) sendCircSendme(rs *routeState, tag relaycrypt.Tag) error {
	data, err := cell.EncodeSendme(cell.Sendme{Version: 1, Tag: tag})
	if err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := e.originateLocked(rs, cell.RelayMsg{Cmd: cell.RelayCmdSendme, Data: data}); err != nil {
		return err
	}
	return rs.ctrl.NoteSendmeSent()
}

// Reply originates a relay message toward the client on the given
// circuit, subject to the endpoint's congestion window.
func (e *Endpoint) Reply(circID uint32, msg cell.RelayMsg) error {
	e.mu.Lock()
	rs := e.routes[circID]
	e.mu.Unlock()
	if rs == nil {
		return errors.Errorf("no circuit %d", circID)
	}
	// The window check and the send that consumes it stay under one
	// critical section so concurrent replies cannot overshoot.
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if cell.CountsTowardWindows(msg.Cmd) && !rs.ctrl.CanSend() {
		return errors.New("congestion window exhausted")
	}
	return e.originateLocked(rs, msg)
}

func (e *Endpoint) originate(rs *routeState, msg cell.RelayMsg) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return e.originateLocked(rs, msg)
}

// originateLocked encrypts and transmits one client-bound message.
// Callers hold rs.mu.
func (e *Endpoint) originateLocked(rs *routeState, msg cell.RelayMsg) error {
	var body cell.Body
	if err := encodeFor(rs.variant, msg, &body); err != nil {
		return err
	}
	tag := rs.back.Originate(cell.ChanCmdRelay, &body)
	if err := e.tr.Send(
		context.Background(),
		[]byte(rs.upPeer), rs.upCirc, cell.ChanCmdRelay, body[:],
	); err != nil {
		return err
	}
	if cell.CountsTowardWindows(msg.Cmd) {
		return rs.ctrl.NoteDataSent(time.Now(), tag)
	}
	return nil
}

// destroyCircuit tears the circuit down in both directions.
func (e *Endpoint) destroyCircuit(rs *routeState, reason byte) {
	e.mu.Lock()
	delete(e.routes, rs.upCirc)
	e.destroyed.Add(rs.upCirc, struct{}{})
	if rs.downCirc != 0 {
		delete(e.routes, rs.downCirc)
		e.destroyed.Add(rs.downCirc, struct{}{})
	}
	e.mu.Unlock()

	body := []byte{reason}
	_ = e.tr.Send(
		context.Background(),
		[]byte(rs.upPeer), rs.upCirc, cell.ChanCmdDestroy, body,
	)
	if rs.downCirc != 0 {
		_ = e.tr.Send(
			context.Background(),
			[]byte(rs.downPeer), rs.downCirc, cell.ChanCmdDestroy, body,
		)
	}
}

// newCircID picks a random nonzero circuit ID for the downstream leg.
// Zero is reserved to mean "not extended".
func newCircID() uint32 {
	max := new(big.Int).SetUint64(1 << 32)
	for {
		v, _ := rand.Int(rand.Reader, max)
		if id := uint32(v.Uint64()); id != 0 {
			return id
		}
	}
}

func encodeFor(v handshake.Variant, msg cell.RelayMsg, body *cell.Body) error {
	if v == handshake.VariantCgo {
		return cell.EncodeV1(msg, body)
	}
	return cell.EncodeV0(msg, body)
}

func decodeFor(v handshake.Variant, body *cell.Body) (cell.RelayMsg, error) {
	if v == handshake.VariantCgo {
		return cell.DecodeV1(body)
	}
	return cell.DecodeV0(body)
}
