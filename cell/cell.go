// Package cell implements the fixed-size relay cell encoding used on
// circuit links: the 509-byte relay body, the relay command space, and
// the body layouts for both the digest-based (v0) and counter-galois
// (v1) relay formats.
package cell

const (
	// BodyLen is the size of every relay cell body on the wire. Cells
	// are always exactly this long; shorter messages are zero padded.
	BodyLen = 509
)

// Body is a full relay cell body. It is always passed by pointer; the
// encryption layers transform it in place.
type Body [BodyLen]byte

// Channel-level cell commands. Only the commands that cross a circuit
// hop carry a Body; DESTROY carries a single reason octet.
const (
	ChanCmdPadding     = byte(0x00)
	ChanCmdCreate2     = byte(0x0a)
	ChanCmdCreated2    = byte(0x0b)
	ChanCmdRelay       = byte(0x03)
	ChanCmdDestroy     = byte(0x04)
	ChanCmdRelayEarly  = byte(0x09)
	ChanCmdVersions    = byte(0x07)
	ChanCmdNetinfo     = byte(0x08)
	ChanCmdPaddingNego = byte(0x0c)
)

// Relay cell commands, carried in the first octet of a decrypted relay
// body.
const (
	RelayCmdBegin     = byte(0x01)
	RelayCmdData      = byte(0x02)
	RelayCmdEnd       = byte(0x03)
	RelayCmdConnected = byte(0x04)
	RelayCmdSendme    = byte(0x05)
	RelayCmdExtend    = byte(0x06)
	RelayCmdExtended  = byte(0x07)
	RelayCmdTruncate  = byte(0x08)
	RelayCmdTruncated = byte(0x09)
	RelayCmdDrop      = byte(0x0a)
	RelayCmdResolve   = byte(0x0b)
	RelayCmdResolved  = byte(0x0c)
	RelayCmdBeginDir  = byte(0x0d)
	RelayCmdExtend2   = byte(0x0e)
	RelayCmdExtended2 = byte(0x0f)

	RelayCmdConfluxLink      = byte(0x13)
	RelayCmdConfluxLinked    = byte(0x14)
	RelayCmdConfluxLinkedAck = byte(0x15)
	RelayCmdConfluxSwitch    = byte(0x16)

	RelayCmdPaddingNegotiate  = byte(0x29)
	RelayCmdPaddingNegotiated = byte(0x2a)
	RelayCmdXoff              = byte(0x2b)
	RelayCmdXon               = byte(0x2c)
)

// DESTROY / truncated reasons.
const (
	DestroyReasonNone       = byte(0x00)
	DestroyReasonProtocol   = byte(0x01)
	DestroyReasonInternal   = byte(0x02)
	DestroyReasonRequested  = byte(0x03)
	DestroyReasonFinished   = byte(0x09)
	DestroyReasonDestroyed  = byte(0x0d)
	DestroyReasonNoSuchHop  = byte(0x0e)
	DestroyReasonChanClosed = byte(0x0f)
)

// END reasons carried in the first octet of an END body.
const (
	EndReasonMisc        = byte(0x01)
	EndReasonResolve     = byte(0x02)
	EndReasonConnectFail = byte(0x03)
	EndReasonExitPolicy  = byte(0x04)
	EndReasonDestroy     = byte(0x05)
	EndReasonDone        = byte(0x06)
	EndReasonTimeout     = byte(0x07)
)

// HasStreamID reports whether cells with the given relay command carry
// a meaningful stream identifier. Commands outside this set address the
// circuit itself and use stream ID zero.
func HasStreamID(cmd byte) bool {
	switch cmd {
	case RelayCmdBegin, RelayCmdBeginDir, RelayCmdData, RelayCmdEnd,
		RelayCmdConnected, RelayCmdResolve, RelayCmdResolved,
		RelayCmdXon, RelayCmdXoff:
		return true
	case RelayCmdSendme:
		// Stream-level SENDMEs carry a stream ID, circuit-level ones
		// use zero. Either way the field is meaningful.
		return true
	default:
		return false
	}
}

// CountsTowardWindows reports whether a relay command consumes
// congestion and flow-control window capacity. Only DATA does.
func CountsTowardWindows(cmd byte) bool {
	return cmd == RelayCmdData
}

// CountsTowardSeqno reports whether a relay command advances the
// multipath sequence space. Commands that carry or terminate stream
// traffic count; link-local housekeeping does not.
func CountsTowardSeqno(cmd byte) bool {
	switch cmd {
	case RelayCmdBegin, RelayCmdData, RelayCmdEnd, RelayCmdConnected,
		RelayCmdResolve, RelayCmdResolved, RelayCmdXon, RelayCmdXoff:
		return true
	default:
		return false
	}
}
