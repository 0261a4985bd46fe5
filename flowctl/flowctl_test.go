package flowctl

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onionwire/onionwire/cell"
	"github.com/onionwire/onionwire/congestion"
)

func dataMsg(n int) cell.RelayMsg {
	return cell.RelayMsg{Cmd: cell.RelayCmdData, StreamID: 1, Data: bytes.Repeat([]byte{0xaa}, n)}
}

func TestWindowBasedSendAccounting(t *testing.T) {
	w := congestion.NewStreamSendWindow(congestion.StreamWindowStart)
	fc := NewWindowBased(w)

	// Non-data commands neither block nor consume the window.
	begin := cell.RelayMsg{Cmd: cell.RelayCmdBegin, StreamID: 1}
	require.True(t, fc.CanSend(begin))
	require.NoError(t, fc.AboutToSend(begin))
	require.Equal(t, uint32(congestion.StreamWindowStart), w.Value())

	for i := 0; i < congestion.StreamWindowStart; i++ {
		require.True(t, fc.CanSend(dataMsg(10)))
		require.NoError(t, fc.AboutToSend(dataMsg(10)))
	}
	require.False(t, fc.CanSend(dataMsg(10)))
	require.Error(t, fc.AboutToSend(dataMsg(10)))

	// A stream SENDME reopens it.
	require.NoError(t, fc.HandleIncomingSendme(cell.RelayMsg{Cmd: cell.RelayCmdSendme, StreamID: 1}))
	require.True(t, fc.CanSend(dataMsg(10)))

	// But END is never blocked by an empty window.
	require.True(t, fc.CanSend(cell.RelayMsg{Cmd: cell.RelayCmdEnd, StreamID: 1}))
}

func TestWindowBasedRejectsRateMsgs(t *testing.T) {
	fc := NewWindowBased(congestion.NewStreamSendWindow(congestion.StreamWindowStart))

	xon := cell.RelayMsg{Cmd: cell.RelayCmdXon, StreamID: 1, Data: cell.EncodeXon(cell.Xon{})}
	require.ErrorIs(t, fc.HandleIncomingXon(xon), ErrProtoViolation)
	xoff := cell.RelayMsg{Cmd: cell.RelayCmdXoff, StreamID: 1, Data: cell.EncodeXoff(cell.Xoff{})}
	require.ErrorIs(t, fc.HandleIncomingXoff(xoff), ErrProtoViolation)

	// And it never emits them.
	xonOut, err := fc.MaybeSendXon(100, 1<<20)
	require.NoError(t, err)
	require.Nil(t, xonOut)
	xoffOut, err := fc.MaybeSendXoff(1 << 20)
	require.NoError(t, err)
	require.Nil(t, xoffOut)
}

func TestXonXoffRateUpdates(t *testing.T) {
	var rates []RateLimit
	fc := NewXonXoffBased(DefaultParams(), false, func(r RateLimit) { rates = append(rates, r) })

	// Rate-controlled streams are never window blocked.
	require.True(t, fc.CanSend(dataMsg(100)))

	// SENDME is the other scheme's message.
	err := fc.HandleIncomingSendme(cell.RelayMsg{Cmd: cell.RelayCmdSendme, StreamID: 1})
	require.ErrorIs(t, err, ErrProtoViolation)

	// XON with a limited rate converts kbps to bytes/s.
	xon := cell.RelayMsg{Cmd: cell.RelayCmdXon, StreamID: 1, Data: cell.EncodeXon(cell.Xon{Rate: 800})}
	require.NoError(t, fc.HandleIncomingXon(xon))
	require.Equal(t, []RateLimit{RateLimit(100000)}, rates)

	// XON with rate zero means unlimited.
	xon.Data = cell.EncodeXon(cell.Xon{Rate: 0})
	require.NoError(t, fc.HandleIncomingXon(xon))
	require.Equal(t, RateUnlimited, rates[1])

	// XOFF forces the rate to zero.
	xoff := cell.RelayMsg{Cmd: cell.RelayCmdXoff, StreamID: 1, Data: cell.EncodeXoff(cell.Xoff{})}
	require.NoError(t, fc.HandleIncomingXoff(xoff))
	require.Equal(t, RateZero, rates[2])

	// Unknown versions are violations.
	xon.Data = []byte{9, 0, 0, 0, 0}
	require.ErrorIs(t, fc.HandleIncomingXon(xon), ErrProtoViolation)
	xoff.Data = []byte{9}
	require.ErrorIs(t, fc.HandleIncomingXoff(xoff), ErrProtoViolation)
}

func TestXonXoffEmission(t *testing.T) {
	fc := NewXonXoffBased(DefaultParams(), false, func(RateLimit) {})
	limit := int(uint64(500) * cellBytes)

	// Below the limit, no XOFF.
	xoff, err := fc.MaybeSendXoff(limit)
	require.NoError(t, err)
	require.Nil(t, xoff)

	// Crossing it emits one XOFF, not a stream of them.
	xoff, err = fc.MaybeSendXoff(limit + 1)
	require.NoError(t, err)
	require.NotNil(t, xoff)
	xoff, err = fc.MaybeSendXoff(limit + 2)
	require.NoError(t, err)
	require.Nil(t, xoff)

	// While the buffer stays over the limit, no XON either.
	xon, err := fc.MaybeSendXon(100, limit+1)
	require.NoError(t, err)
	require.Nil(t, xon)

	// Draining below it advertises the rate.
	xon, err = fc.MaybeSendXon(100, limit/2)
	require.NoError(t, err)
	require.NotNil(t, xon)
	require.Equal(t, uint32(100), xon.Rate)

	// Small rate wobbles are not worth a cell; big ones are.
	xon, err = fc.MaybeSendXon(110, limit/2)
	require.NoError(t, err)
	require.Nil(t, xon)
	xon, err = fc.MaybeSendXon(200, limit/2)
	require.NoError(t, err)
	require.NotNil(t, xon)

	// After another XOFF, an XON at the same rate still goes out.
	xoff, err = fc.MaybeSendXoff(limit + 1)
	require.NoError(t, err)
	require.NotNil(t, xoff)
	xon, err = fc.MaybeSendXon(200, limit/2)
	require.NoError(t, err)
	require.NotNil(t, xon)
}

func TestDropMarkGuard(t *testing.T) {
	p := DefaultParams()
	xoffLimit := int(peerXoffLimitBytes(p))
	xonLimit := int(peerXonLimitBytes(p))

	// XON or XOFF before any data is an attack signature.
	g := newDropMarkGuard()
	require.ErrorIs(t, g.receivedXon(p), ErrProtoViolation)
	g = newDropMarkGuard()
	require.ErrorIs(t, g.receivedXoff(p), ErrProtoViolation)

	// XOFF before the peer could have buffered enough is too early.
	g = newDropMarkGuard()
	g.sentStreamData(xoffLimit - 1)
	require.ErrorIs(t, g.receivedXoff(p), ErrProtoViolation)

	// At the limit it is accepted once, but not twice in a row.
	g = newDropMarkGuard()
	g.sentStreamData(xoffLimit)
	require.NoError(t, g.receivedXoff(p))
	require.ErrorIs(t, g.receivedXoff(p), ErrProtoViolation)

	// Even more data does not excuse consecutive XOFFs.
	g.sentStreamData(xoffLimit)
	require.ErrorIs(t, g.receivedXoff(p), ErrProtoViolation)

	// An XON in between resets the alternation, and a resuming XON
	// after XOFF is never advisory-restricted.
	g = newDropMarkGuard()
	g.sentStreamData(xoffLimit)
	require.NoError(t, g.receivedXoff(p))
	require.NoError(t, g.receivedXon(p))
	g.sentStreamData(xoffLimit)
	require.NoError(t, g.receivedXoff(p))

	// Advisory XONs must not arrive before the advisory threshold.
	g = newDropMarkGuard()
	g.sentStreamData(xonLimit - 1)
	require.ErrorIs(t, g.receivedXon(p), ErrProtoViolation)
}

func TestDrainRateEwma(t *testing.T) {
	d := NewDrainRate(2)
	require.Equal(t, uint32(300), d.Update(300))
	// (100*2 + 300*1) / 3
	require.Equal(t, uint32(166), d.Update(100))
	require.Equal(t, uint32(166), d.Value())
}
