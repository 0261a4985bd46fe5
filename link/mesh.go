package link

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type inbound struct {
	src    string
	circID uint32
	cmd    byte
	body   []byte
}

// Mesh is an in-process network of Transports, one per peer, with
// per-destination FIFO delivery. Each destination drains its queue on
// its own goroutine, so cells from one sender arrive in order and a
// slow receiver never blocks the sender's reactor.
type Mesh struct {
	mu       sync.RWMutex
	handlers map[string]func(srcPeerID []byte, circID uint32, cmd byte, body []byte)
	queues   map[string]chan inbound
	closed   bool
}

func NewMesh() *Mesh {
	return &Mesh{
		handlers: map[string]func([]byte, uint32, byte, []byte){},
		queues:   map[string]chan inbound{},
	}
}

// Peer returns the Transport endpoint for the named peer, creating it
// on first use.
func (m *Mesh) Peer(selfID string) Transport {
	return &meshPeer{mesh: m, selfID: selfID}
}

// Close stops delivery. Cells already queued are dropped.
func (m *Mesh) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, q := range m.queues {
		close(q)
	}
}

func (m *Mesh) register(peer string, h func([]byte, uint32, byte, []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[peer] = h
	if _, ok := m.queues[peer]; ok || m.closed {
		return
	}
	q := make(chan inbound, 1024)
	m.queues[peer] = q
	go func(dest string, ch <-chan inbound) {
		for in := range ch {
			m.mu.RLock()
			cb := m.handlers[dest]
			m.mu.RUnlock()
			if cb != nil {
				cb([]byte(in.src), in.circID, in.cmd, in.body)
			}
		}
	}(peer, q)
}

func (m *Mesh) deliver(src, dst string, circID uint32, cmd byte, body []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("mesh closed")
	}
	q := m.queues[dst]
	if q == nil {
		return errors.Errorf("no transport for %q", dst)
	}
	q <- inbound{src: src, circID: circID, cmd: cmd, body: append([]byte(nil), body...)}
	return nil
}

type meshPeer struct {
	mesh   *Mesh
	selfID string
}

func (t *meshPeer) Send(_ context.Context, peerID []byte, circID uint32, cmd byte, body []byte) error {
	return t.mesh.deliver(t.selfID, string(peerID), circID, cmd, body)
}

func (t *meshPeer) OnReceive(cb func(srcPeerID []byte, circID uint32, cmd byte, body []byte)) {
	t.mesh.register(t.selfID, cb)
}
