package handshake

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onionwire/onionwire/cell"
	"github.com/onionwire/onionwire/relaycrypt"
)

func TestHandshakeRoundTrip(t *testing.T) {
	for _, variant := range []Variant{VariantTor1, VariantCgo} {
		onion, err := NewX25519Identity()
		require.NoError(t, err)

		client, create, err := NewClient(variant, X25519KeyFn())
		require.NoError(t, err)

		created, serverSecret, gotVariant, err := Respond(
			create, X25519KeyFn(), X25519Agree(onion),
		)
		require.NoError(t, err)
		require.Equal(t, variant, gotVariant)

		clientSecret, err := client.Finish(
			X25519SharedSecret, onion.PublicKey().Bytes(), created,
		)
		require.NoError(t, err)
		require.Equal(t, serverSecret, clientSecret)
	}
}

func TestHandshakeWrongOnionKey(t *testing.T) {
	onion, err := NewX25519Identity()
	require.NoError(t, err)
	other, err := NewX25519Identity()
	require.NoError(t, err)

	client, create, err := NewClient(VariantTor1, X25519KeyFn())
	require.NoError(t, err)

	// Responder holds a different onion key than the client dialed.
	created, _, _, err := Respond(create, X25519KeyFn(), X25519Agree(other))
	require.NoError(t, err)

	_, err = client.Finish(X25519SharedSecret, onion.PublicKey().Bytes(), created)
	require.Error(t, err)
}

func TestHandshakeRejectsMalformed(t *testing.T) {
	_, _, _, err := Respond([]byte{0}, X25519KeyFn(), nil)
	require.Error(t, err)

	_, _, _, err = Respond([]byte{9, 0, 0}, X25519KeyFn(), nil)
	require.Error(t, err, "unknown variant")

	client, _, err := NewClient(VariantCgo, X25519KeyFn())
	require.NoError(t, err)
	_, err = client.Finish(X25519SharedSecret, nil, []byte{0})
	require.Error(t, err)
}

func TestDerivedLayersAgree(t *testing.T) {
	for _, variant := range []Variant{VariantTor1, VariantCgo} {
		secret := []byte("a shared secret between one hop pair")

		clientOut, clientIn, err := ClientLayers(variant, secret)
		require.NoError(t, err)
		relayOut, relayIn := mustRelayLayers(t, variant, secret)

		// Client originates outbound; the relay recognizes it.
		var body cell.Body
		encodeFor(t, variant, cell.RelayMsg{
			Cmd: cell.RelayCmdData, StreamID: 7, Data: []byte("ping"),
		}, &body)
		sentTag := clientOut.OriginateFor(cell.ChanCmdRelay, &body)
		gotTag, ok := relayOut.DecryptOutbound(cell.ChanCmdRelay, &body)
		require.True(t, ok)
		require.Equal(t, sentTag, gotTag)

		// Relay originates inbound; the client recognizes it.
		body = cell.Body{}
		encodeFor(t, variant, cell.RelayMsg{
			Cmd: cell.RelayCmdData, StreamID: 7, Data: []byte("pong"),
		}, &body)
		inTag := relayIn.Originate(cell.ChanCmdRelay, &body)
		gotTag, ok = clientIn.DecryptInbound(cell.ChanCmdRelay, &body)
		require.True(t, ok)
		require.Equal(t, inTag, gotTag)
	}
}

func encodeFor(t *testing.T, v Variant, msg cell.RelayMsg, body *cell.Body) {
	t.Helper()
	if v == VariantCgo {
		require.NoError(t, cell.EncodeV1(msg, body))
		return
	}
	require.NoError(t, cell.EncodeV0(msg, body))
}

func mustRelayLayers(t *testing.T, v Variant, secret []byte) (
	relaycrypt.OutboundRelayLayer,
	relaycrypt.InboundRelayLayer,
) {
	t.Helper()
	out, in, err := RelayLayers(v, secret)
	require.NoError(t, err)
	return out, in
}
