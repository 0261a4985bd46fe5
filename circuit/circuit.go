// Package circuit implements the origin side of an onion circuit: a
// single-goroutine reactor owning the circuit's crypto stack,
// congestion state and stream table, with consumer-facing handles for
// building hops and running streams.
package circuit

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/onionwire/onionwire/cell"
	"github.com/onionwire/onionwire/congestion"
	"github.com/onionwire/onionwire/flowctl"
	"github.com/onionwire/onionwire/handshake"
	"github.com/onionwire/onionwire/link"
	"github.com/onionwire/onionwire/relaycrypt"
)

// State is the circuit lifecycle position.
type State int

const (
	StateBuilding State = iota
	StateOpen
	StateClosing
	StateClosed
)

type inboundCell struct {
	chanCmd byte
	body    []byte
}

type outboundReq struct {
	msg   cell.RelayMsg
	hop   relaycrypt.HopNum
	early bool
	done  chan error
}

type controlReq struct {
	fn   func() error
	done chan error
}

type Circuit struct {
	logger   *zap.Logger
	tr       link.Transport
	peer     []byte
	circID   uint32
	variant  handshake.Variant
	keyFn    handshake.KeyFn
	secretFn handshake.SharedSecretFn

	cparams   congestion.Params
	fparams   flowctl.Params
	rateBased bool
	guard     bool

	// Reactor-owned state. Touched only from run().
	out     *relaycrypt.OutboundCrypt
	in      *relaycrypt.InboundCrypt
	ctrl    *congestion.Controller
	streams map[uint16]*streamEntry
	halves  map[uint16]*halfStream
	pending []outboundReq
	state   State
	link    *linkState

	// extendPending marks an Extend waiting on its CREATED2/EXTENDED2
	// reply. A handshake reply nobody asked for must never sit in
	// createdC waiting to answer a later Extend.
	extendPending bool

	ctx       context.Context
	inboundC  chan inboundCell
	controlC  chan controlReq
	outboundC chan outboundReq
	createdC  chan []byte
	doneC     chan struct{}
	err       error
	started   bool
}

type Option func(*Circuit)

// WithCongestionParams selects the congestion algorithm and tunables.
func WithCongestionParams(p congestion.Params) Option {
	return func(c *Circuit) { c.cparams = p }
}

// WithRateFlowControl switches new streams to the XON/XOFF scheme.
func WithRateFlowControl(p flowctl.Params, withGuard bool) Option {
	return func(c *Circuit) {
		c.rateBased = true
		c.fparams = p
		c.guard = withGuard
	}
}

// WithHandshakeKeys overrides the ephemeral key source and shared
// secret derivation used when building hops.
func WithHandshakeKeys(keyFn handshake.KeyFn, secretFn handshake.SharedSecretFn) Option {
	return func(c *Circuit) {
		c.keyFn = keyFn
		c.secretFn = secretFn
	}
}

// New prepares an origin circuit toward the given first-hop peer. The
// reactor does not run until Start.
func New(
	logger *zap.Logger,
	tr link.Transport,
	peer []byte,
	circID uint32,
	variant handshake.Variant,
	opts ...Option,
) *Circuit {
	c := &Circuit{
		logger:    logger,
		tr:        tr,
		peer:      peer,
		circID:    circID,
		variant:   variant,
		keyFn:     handshake.X25519KeyFn(),
		secretFn:  handshake.X25519SharedSecret,
		cparams:   congestion.DefaultParams(),
		fparams:   flowctl.DefaultParams(),
		out:       relaycrypt.NewOutboundCrypt(),
		in:        relaycrypt.NewInboundCrypt(),
		streams:   make(map[uint16]*streamEntry),
		halves:    make(map[uint16]*halfStream),
		inboundC:  make(chan inboundCell, 64),
		controlC:  make(chan controlReq),
		outboundC: make(chan outboundReq),
		createdC:  make(chan []byte, 1),
		doneC:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.ctrl = congestion.NewController(logger, c.cparams)
	return c
}

// Start hooks the circuit to its transport and launches the reactor.
func (c *Circuit) Start(ctx context.Context) error {
	if c.started {
		return errors.Wrap(ErrInternal, "circuit already started")
	}
	c.started = true
	c.ctx = ctx

	c.tr.OnReceive(func(src []byte, circID uint32, cmd byte, body []byte) {
		if circID != c.circID {
			return
		}
		b := make([]byte, len(body))
		copy(b, body)
		select {
		case c.inboundC <- inboundCell{chanCmd: cmd, body: b}:
		case <-c.doneC:
		}
	})

	go c.run(ctx)
	return nil
}

// Extend adds one hop. The first call runs the CREATE2 exchange with
// the first-hop peer directly; later calls tunnel an EXTEND2 through
// the circuit, sent RELAY_EARLY per the onion-skin budget rules.
func (c *Circuit) Extend(ctx context.Context, peerID, onionPub []byte) error {
	hs, createBody, err := handshake.NewClient(c.variant, c.keyFn)
	if err != nil {
		return err
	}

	var hops int
	if err := c.control(ctx, func() error {
		hops = c.out.Len()
		// A reply to an abandoned attempt may still be buffered; it
		// answers nothing now.
		select {
		case <-c.createdC:
		default:
		}
		c.extendPending = true
		return nil
	}); err != nil {
		return err
	}

	if hops == 0 {
		if err := c.tr.Send(ctx, c.peer, c.circID, cell.ChanCmdCreate2, createBody); err != nil {
			c.abortExtend()
			return errors.Wrap(err, "sending create cell")
		}
	} else {
		data := append([]byte{byte(len(peerID))}, peerID...)
		data = append(data, createBody...)
		if err := c.sendRelay(ctx, cell.RelayMsg{
			Cmd:  cell.RelayCmdExtend2,
			Data: data,
		}, relaycrypt.HopNum(hops-1), true); err != nil {
			c.abortExtend()
			return err
		}
	}

	var created []byte
	select {
	case created = <-c.createdC:
	case <-c.doneC:
		return c.Err()
	case <-ctx.Done():
		c.abortExtend()
		return ctx.Err()
	}

	secret, err := hs.Finish(c.secretFn, onionPub, created)
	if err != nil {
		return err
	}
	fwd, back, err := handshake.ClientLayers(c.variant, secret)
	if err != nil {
		return err
	}

	return c.control(ctx, func() error {
		c.out.AddLayer(fwd)
		c.in.AddLayer(back)
		if c.state == StateBuilding {
			c.state = StateOpen
		}
		c.logger.Info("hop added",
			zap.Uint32("circ", c.circID),
			zap.Int("hops", c.out.Len()),
		)
		return nil
	})
}

// OpenStream begins a stream at the circuit's last hop and waits for
// the peer's CONNECTED.
func (c *Circuit) OpenStream(ctx context.Context, target string) (*Stream, error) {
	var (
		entry *streamEntry
		hop   relaycrypt.HopNum
	)
	if err := c.control(ctx, func() error {
		if c.out.Len() == 0 {
			return errors.Wrap(ErrInternal, "no hops built")
		}
		hop = relaycrypt.HopNum(c.out.Len() - 1)
		entry = c.newStreamEntry(hop)
		c.streams[entry.id] = entry
		return nil
	}); err != nil {
		return nil, err
	}

	s := &Stream{id: entry.id, hop: hop, c: c, inC: entry.inC}
	if err := c.sendRelay(ctx, cell.RelayMsg{
		Cmd:      cell.RelayCmdBegin,
		StreamID: entry.id,
		Data:     append([]byte(target), 0),
	}, hop, false); err != nil {
		return nil, err
	}

	msg, err := s.Recv(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "waiting for connected")
	}
	switch msg.Cmd {
	case cell.RelayCmdConnected:
		return s, nil
	case cell.RelayCmdEnd:
		return nil, errors.Errorf("stream refused: end reason %#x", firstByte(msg.Data))
	default:
		return nil, errors.Wrapf(ErrProtoViolation, "unexpected reply to begin: %#x", msg.Cmd)
	}
}

// LinkSibling starts the multipath linking handshake, sending LINK
// with the tunnel nonce. The peer's LINKED answer is handled by the
// reactor.
func (c *Circuit) LinkSibling(ctx context.Context, nonce []byte) error {
	if len(nonce) != 8 {
		return errors.New("link nonce must be 8 bytes")
	}
	if err := c.control(ctx, func() error {
		if c.link != nil {
			return errors.New("already linking")
		}
		c.link = &linkState{nonce: append([]byte(nil), nonce...)}
		return nil
	}); err != nil {
		return err
	}
	var hop relaycrypt.HopNum
	if err := c.control(ctx, func() error {
		hop = relaycrypt.HopNum(c.out.Len() - 1)
		return nil
	}); err != nil {
		return err
	}
	return c.sendRelay(ctx, cell.RelayMsg{
		Cmd:  cell.RelayCmdConfluxLink,
		Data: nonce,
	}, hop, false)
}

// Close tears the circuit down from our side, destroying it toward the
// first hop.
func (c *Circuit) Close(ctx context.Context) error {
	return c.control(ctx, func() error {
		c.state = StateClosing
		c.sendDestroy(cell.DestroyReasonRequested)
		c.teardown(ErrCircuitClosed)
		return nil
	})
}

// Done is closed when the circuit reaches Closed.
func (c *Circuit) Done() <-chan struct{} { return c.doneC }

// Err reports why the circuit closed; nil while it is still alive.
func (c *Circuit) Err() error {
	select {
	case <-c.doneC:
		return c.err
	default:
		return nil
	}
}

// MaxPayload is the largest DATA body one cell can carry on this
// circuit's crypto variant.
func (c *Circuit) MaxPayload() int {
	if c.variant == handshake.VariantCgo {
		return cell.MaxPayloadV1(cell.RelayCmdData)
	}
	return cell.MaxPayloadV0
}

func (c *Circuit) newStreamEntry(hop relaycrypt.HopNum) *streamEntry {
	entry := &streamEntry{
		hop:  hop,
		inC:  make(chan cell.RelayMsg, streamInboundBuffer),
		rate: flowctl.RateUnlimited,
	}
	if c.rateBased {
		// The callback fires from HandleIncomingXon/Xoff, which run on
		// the reactor goroutine, so the entry needs no lock.
		entry.fc = flowctl.NewXonXoffBased(c.fparams, c.guard, func(r flowctl.RateLimit) {
			entry.rate = r
			c.logger.Debug("stream rate updated",
				zap.Uint32("circ", c.circID),
				zap.Uint16("stream", entry.id),
				zap.Uint64("bytesPerSec", uint64(r)),
			)
		})
	} else {
		entry.fc = flowctl.NewWindowBased(
			congestion.NewStreamSendWindow(congestion.StreamWindowStart),
		)
		entry.recvW = congestion.NewStreamRecvWindow(congestion.StreamWindowStart)
	}
	for {
		id := uint16(randUint(1 << 16))
		if id == 0 {
			continue
		}
		if _, taken := c.streams[id]; taken {
			continue
		}
		if _, taken := c.halves[id]; taken {
			continue
		}
		entry.id = id
		return entry
	}
}

// sendRelay submits one relay message to the reactor and waits for it
// to reach the wire (or fail).
func (c *Circuit) sendRelay(
	ctx context.Context, msg cell.RelayMsg, hop relaycrypt.HopNum, early bool,
) error {
	req := outboundReq{msg: msg, hop: hop, early: early, done: make(chan error, 1)}
	select {
	case c.outboundC <- req:
	case <-c.doneC:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// control runs fn on the reactor goroutine.
func (c *Circuit) control(ctx context.Context, fn func() error) error {
	req := controlReq{fn: fn, done: make(chan error, 1)}
	select {
	case c.controlC <- req:
	case <-c.doneC:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abortExtend clears the pending-extend mark after a failed attempt so
// a later handshake reply cannot pose as one we asked for.
func (c *Circuit) abortExtend() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.control(ctx, func() error {
		c.extendPending = false
		return nil
	})
}

func (c *Circuit) sendDestroy(reason byte) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.tr.Send(ctx, c.peer, c.circID, cell.ChanCmdDestroy, []byte{reason}); err != nil {
		c.logger.Warn("sending destroy", zap.Error(err))
	}
}

func randUint(n uint64) uint64 {
	if n <= 1 {
		return 0
	}
	max := new(big.Int).SetUint64(n)
	v, _ := rand.Int(rand.Reader, max)
	return v.Uint64()
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
