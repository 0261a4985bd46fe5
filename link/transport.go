// Package link is the channel boundary: circuits ride on top of an
// opaque hop-to-hop transport that already provides integrity and
// confidentiality.
package link

import "context"

// Transport is the hop-to-hop link. Cells are framed by the transport
// itself; this interface carries the channel command and the cell body
// separately so crypto layers can bind to the command.
type Transport interface {
	// Send a channel-level cell to a peer.
	Send(ctx context.Context, peerID []byte, circID uint32, cmd byte, body []byte) error

	// Register a callback for incoming channel cells from any peer.
	// The transport must invoke cb for every cell destined to this node,
	// one at a time per source.
	OnReceive(cb func(srcPeerID []byte, circID uint32, cmd byte, body []byte))
}
