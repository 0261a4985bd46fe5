package relaycrypt

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onionwire/onionwire/cell"
)

// hopPair is both ends of one hop's layer, built from the same seed.
type hopPair struct {
	clientOut OutboundClientLayer
	clientIn  InboundClientLayer
	relayOut  OutboundRelayLayer
	relayIn   InboundRelayLayer
}

func newTor1Hop(t *testing.T, seed []byte) hopPair {
	t.Helper()
	c, err := NewTor1(seed)
	require.NoError(t, err)
	r, err := NewTor1(seed)
	require.NoError(t, err)
	var p hopPair
	p.clientOut, p.clientIn = c.Client()
	p.relayOut, p.relayIn = r.Relay()
	return p
}

func newCgoHop(t *testing.T, seed []byte) hopPair {
	t.Helper()
	c, err := NewCgo(seed)
	require.NoError(t, err)
	r, err := NewCgo(seed)
	require.NoError(t, err)
	var p hopPair
	p.clientOut, p.clientIn = c.Client()
	p.relayOut, p.relayIn = r.Relay()
	return p
}

func randSeed(t *testing.T, n int) []byte {
	t.Helper()
	seed := make([]byte, n)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	return seed
}

// buildCircuit assembles client stacks and the matching relay sides for
// n hops of the given kind.
func buildCircuit(t *testing.T, n int, kind string) (*OutboundCrypt, *InboundCrypt, []hopPair) {
	t.Helper()
	out := NewOutboundCrypt()
	in := NewInboundCrypt()
	hops := make([]hopPair, n)
	for i := range hops {
		switch kind {
		case "tor1":
			hops[i] = newTor1Hop(t, randSeed(t, Tor1SeedLen))
		case "cgo":
			hops[i] = newCgoHop(t, randSeed(t, CgoSeedLen))
		}
		out.AddLayer(hops[i].clientOut)
		in.AddLayer(hops[i].clientIn)
	}
	return out, in, hops
}

func encodeFor(t *testing.T, kind string, msg cell.RelayMsg) *cell.Body {
	t.Helper()
	var body cell.Body
	if kind == "tor1" {
		require.NoError(t, cell.EncodeV0(msg, &body))
	} else {
		require.NoError(t, cell.EncodeV1(msg, &body))
	}
	return &body
}

func decodeFor(t *testing.T, kind string, body *cell.Body) cell.RelayMsg {
	t.Helper()
	var msg cell.RelayMsg
	var err error
	if kind == "tor1" {
		msg, err = cell.DecodeV0(body)
	} else {
		msg, err = cell.DecodeV1(body)
	}
	require.NoError(t, err)
	return msg
}

func TestRoundTripAllHops(t *testing.T) {
	for _, kind := range []string{"tor1", "cgo"} {
		for n := 1; n <= 8; n++ {
			t.Run(fmt.Sprintf("%s/%d-hops", kind, n), func(t *testing.T) {
				out, in, hops := buildCircuit(t, n, kind)

				for target := 0; target < n; target++ {
					payload := []byte(fmt.Sprintf("cell for hop %d", target))

					// Outbound: originate at target, peel through the
					// relays in path order.
					body := encodeFor(t, kind, cell.RelayMsg{Cmd: cell.RelayCmdData, StreamID: 1, Data: payload})
					sentTag, err := out.Encrypt(cell.ChanCmdRelay, body, HopNum(target))
					require.NoError(t, err)

					for i := 0; i < target; i++ {
						tag, ok := hops[i].relayOut.DecryptOutbound(cell.ChanCmdRelay, body)
						require.False(t, ok, "hop %d must not recognize a cell for hop %d", i, target)
						require.Nil(t, tag)
					}
					tag, ok := hops[target].relayOut.DecryptOutbound(cell.ChanCmdRelay, body)
					require.True(t, ok)
					require.Equal(t, sentTag, tag)
					require.Equal(t, payload, decodeFor(t, kind, body).Data)

					// Inbound: originate at target, wrap through the
					// closer relays, client peels to the right hop.
					body = encodeFor(t, kind, cell.RelayMsg{Cmd: cell.RelayCmdData, StreamID: 1, Data: payload})
					originTag := hops[target].relayIn.Originate(cell.ChanCmdRelay, body)
					for i := target - 1; i >= 0; i-- {
						hops[i].relayIn.EncryptInbound(cell.ChanCmdRelay, body)
					}
					hop, tag, err := in.Decrypt(cell.ChanCmdRelay, body)
					require.NoError(t, err)
					require.Equal(t, HopNum(target), hop)
					require.Equal(t, originTag, tag)
					require.Equal(t, payload, decodeFor(t, kind, body).Data)
				}
			})
		}
	}
}

func TestEncryptNoSuchHop(t *testing.T) {
	out, _, _ := buildCircuit(t, 2, "tor1")
	var body cell.Body
	_, err := out.Encrypt(cell.ChanCmdRelay, &body, 2)
	require.ErrorIs(t, err, ErrNoSuchHop)
}

func TestInboundUnrecognizedIsFatal(t *testing.T) {
	for _, kind := range []string{"tor1", "cgo"} {
		t.Run(kind, func(t *testing.T) {
			_, in, hops := buildCircuit(t, 3, kind)

			body := encodeFor(t, kind, cell.RelayMsg{Cmd: cell.RelayCmdData, StreamID: 1, Data: []byte("x")})
			hops[2].relayIn.Originate(cell.ChanCmdRelay, body)
			hops[1].relayIn.EncryptInbound(cell.ChanCmdRelay, body)
			hops[0].relayIn.EncryptInbound(cell.ChanCmdRelay, body)
			body[100] ^= 0x01

			_, _, err := in.Decrypt(cell.ChanCmdRelay, body)
			require.ErrorIs(t, err, ErrBadCellAuth)
		})
	}
}

// A cell originated by a far hop passes undisturbed through the closer
// layers' recognition attempts: their digest chains must not advance on
// a miss, so later cells for them still authenticate.
func TestRecognitionDoesNotPerturbCloserLayers(t *testing.T) {
	_, in, hops := buildCircuit(t, 2, "tor1")

	// Hop 1 originates a cell; the client's hop-0 layer tries and
	// fails to recognize it.
	body := encodeFor(t, "tor1", cell.RelayMsg{Cmd: cell.RelayCmdData, StreamID: 1, Data: []byte("far")})
	hops[1].relayIn.Originate(cell.ChanCmdRelay, body)
	hops[0].relayIn.EncryptInbound(cell.ChanCmdRelay, body)
	hop, _, err := in.Decrypt(cell.ChanCmdRelay, body)
	require.NoError(t, err)
	require.Equal(t, HopNum(1), hop)

	// Now hop 0 originates; it must still be recognized at hop 0.
	body = encodeFor(t, "tor1", cell.RelayMsg{Cmd: cell.RelayCmdData, StreamID: 1, Data: []byte("near")})
	hops[0].relayIn.Originate(cell.ChanCmdRelay, body)
	hop, _, err = in.Decrypt(cell.ChanCmdRelay, body)
	require.NoError(t, err)
	require.Equal(t, HopNum(0), hop)
}

// Identical plaintexts sent in sequence must produce distinct
// ciphertexts and distinct tags; the digest chains every cell into the
// next.
func TestTagChaining(t *testing.T) {
	for _, kind := range []string{"tor1", "cgo"} {
		t.Run(kind, func(t *testing.T) {
			out, _, hops := buildCircuit(t, 1, kind)

			msg := cell.RelayMsg{Cmd: cell.RelayCmdData, StreamID: 1, Data: []byte("same payload")}
			b1 := encodeFor(t, kind, msg)
			tag1, err := out.Encrypt(cell.ChanCmdRelay, b1, 0)
			require.NoError(t, err)
			b2 := encodeFor(t, kind, msg)
			tag2, err := out.Encrypt(cell.ChanCmdRelay, b2, 0)
			require.NoError(t, err)

			require.NotEqual(t, tag1, tag2)
			require.NotEqual(t, b1[:], b2[:])

			got1, ok := hops[0].relayOut.DecryptOutbound(cell.ChanCmdRelay, b1)
			require.True(t, ok)
			got2, ok := hops[0].relayOut.DecryptOutbound(cell.ChanCmdRelay, b2)
			require.True(t, ok)
			require.Equal(t, tag1, got1)
			require.Equal(t, tag2, got2)
		})
	}
}

// Two stacks built from the same seeds behave identically.
func TestDeterminism(t *testing.T) {
	seed := randSeed(t, Tor1SeedLen)
	a, err := NewTor1(seed)
	require.NoError(t, err)
	b, err := NewTor1(seed)
	require.NoError(t, err)
	aOut, _ := a.Client()
	bOut, _ := b.Client()

	msg := cell.RelayMsg{Cmd: cell.RelayCmdData, StreamID: 9, Data: []byte("deterministic")}
	var b1, b2 cell.Body
	require.NoError(t, cell.EncodeV0(msg, &b1))
	require.NoError(t, cell.EncodeV0(msg, &b2))
	t1 := aOut.OriginateFor(cell.ChanCmdRelay, &b1)
	t2 := bOut.OriginateFor(cell.ChanCmdRelay, &b2)
	require.Equal(t, t1, t2)
	require.Equal(t, b1, b2)
}

// Tampering with a cgo cell randomizes the whole body; the layer
// refuses it, and because the chain only advances on recognition the
// untampered original still authenticates afterward.
func TestCgoTamperRejected(t *testing.T) {
	out, _, hops := buildCircuit(t, 1, "cgo")

	body := encodeFor(t, "cgo", cell.RelayMsg{Cmd: cell.RelayCmdData, StreamID: 1, Data: []byte("authentic")})
	tag, err := out.Encrypt(cell.ChanCmdRelay, body, 0)
	require.NoError(t, err)

	pristine := *body
	for _, off := range []int{0, 15, 16, 200, cell.BodyLen - 1} {
		tampered := pristine
		tampered[off] ^= 0x80
		gotTag, ok := hops[0].relayOut.DecryptOutbound(cell.ChanCmdRelay, &tampered)
		require.False(t, ok, "tamper at offset %d must not be recognized", off)
		require.Nil(t, gotTag)
	}

	got, ok := hops[0].relayOut.DecryptOutbound(cell.ChanCmdRelay, &pristine)
	require.True(t, ok)
	require.Equal(t, tag, got)
}

func TestBadSeedLengths(t *testing.T) {
	_, err := NewTor1(make([]byte, Tor1SeedLen-1))
	require.ErrorIs(t, err, ErrBadSeedLen)
	_, err = NewCgo(make([]byte, CgoSeedLen+1))
	require.ErrorIs(t, err, ErrBadSeedLen)

	// Derivation always yields usable layers.
	tl, err := DeriveTor1([]byte("some shared secret"))
	require.NoError(t, err)
	require.NotNil(t, tl)
	cl, err := DeriveCgo([]byte("some shared secret"))
	require.NoError(t, err)
	require.NotNil(t, cl)
}
