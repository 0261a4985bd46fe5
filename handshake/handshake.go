// Package handshake is the per-hop key agreement used while building a
// circuit: a one-way DH against the hop's onion key, a MAC over the
// handshake transcript, and the key schedule that turns the shared
// secret into relay crypto layers.
package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/onionwire/onionwire/relaycrypt"
)

// Variant selects the relay crypto family derived from the handshake.
// It is chosen once per circuit and never mixed across hops.
type Variant byte

const (
	VariantTor1 Variant = 0
	VariantCgo  Variant = 1
)

const (
	protoLabel = "onionwire-ntor v1"
	macLabel   = protoLabel + "/handshake-mac"

	nonceLen = 16
	macLen   = 32
)

// KeyFn generates an ephemeral keypair used for key agreement.
type KeyFn func() (ephemeralPub []byte, ephemeralPriv []byte, err error)

// SharedSecretFn derives a DH shared secret from our ephemeral secret
// and the peer's long-term onion public key.
type SharedSecretFn func(ephemeralPriv []byte, peerOnionPub []byte) (
	sharedSecret []byte,
	err error,
)

// AgreeFn is the responder side: derive the shared secret from the
// client's ephemeral public key and our long-term onion secret.
type AgreeFn func(clientEphPub []byte) (sharedSecret []byte, err error)

// Client holds the initiator's half of one hop handshake between
// building the CREATE body and verifying the CREATED reply.
type Client struct {
	variant Variant
	ephPub  []byte
	ephPriv []byte
	nonce   [nonceLen]byte
}

// NewClient starts a handshake and returns the CREATE body to send.
func NewClient(variant Variant, keyFn KeyFn) (*Client, []byte, error) {
	pub, priv, err := keyFn()
	if err != nil {
		return nil, nil, errors.Wrap(err, "client handshake")
	}
	c := &Client{variant: variant, ephPub: pub, ephPriv: priv}
	if _, err := io.ReadFull(rand.Reader, c.nonce[:]); err != nil {
		return nil, nil, errors.Wrap(err, "client handshake")
	}

	// CREATE body: variant(1) || ephLen(2) || eph || nonce(16)
	body := make([]byte, 0, 1+2+len(pub)+nonceLen)
	body = append(body, byte(variant))
	body = binary.BigEndian.AppendUint16(body, uint16(len(pub)))
	body = append(body, pub...)
	body = append(body, c.nonce[:]...)
	return c, body, nil
}

// Finish verifies the CREATED body and returns the shared secret.
func (c *Client) Finish(secretFn SharedSecretFn, peerOnionPub, createdBody []byte) ([]byte, error) {
	serverEph, sNonce, mac, err := parseCreated(createdBody)
	if err != nil {
		return nil, err
	}
	shared, err := secretFn(c.ephPriv, peerOnionPub)
	if err != nil {
		return nil, errors.Wrap(err, "client handshake")
	}
	expect := transcriptMAC(shared, c.variant, c.ephPub, serverEph, c.nonce[:], sNonce)
	if subtle.ConstantTimeCompare(mac, expect) != 1 {
		return nil, errors.New("created: MAC mismatch")
	}
	return shared, nil
}

// Respond handles a CREATE body on the responder: agree on the secret,
// build the CREATED reply, and return the secret and chosen variant.
func Respond(createBody []byte, keyFn KeyFn, agree AgreeFn) (
	createdBody []byte,
	sharedSecret []byte,
	variant Variant,
	err error,
) {
	if len(createBody) < 1+2 {
		return nil, nil, 0, errors.New("create: short body")
	}
	variant = Variant(createBody[0])
	if variant != VariantTor1 && variant != VariantCgo {
		return nil, nil, 0, errors.Errorf("create: unknown variant %d", createBody[0])
	}
	ephLen := int(binary.BigEndian.Uint16(createBody[1:3]))
	if len(createBody) < 3+ephLen+nonceLen {
		return nil, nil, 0, errors.New("create: short body")
	}
	clientEph := createBody[3 : 3+ephLen]
	cNonce := createBody[3+ephLen : 3+ephLen+nonceLen]

	shared, err := agree(clientEph)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "responder handshake")
	}
	serverEph, _, err := keyFn()
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "responder handshake")
	}
	var sNonce [nonceLen]byte
	if _, err := io.ReadFull(rand.Reader, sNonce[:]); err != nil {
		return nil, nil, 0, errors.Wrap(err, "responder handshake")
	}
	mac := transcriptMAC(shared, variant, clientEph, serverEph, cNonce, sNonce[:])

	// CREATED body: ephLen(2) || serverEph || nonce(16) || mac(32)
	body := make([]byte, 0, 2+len(serverEph)+nonceLen+macLen)
	body = binary.BigEndian.AppendUint16(body, uint16(len(serverEph)))
	body = append(body, serverEph...)
	body = append(body, sNonce[:]...)
	body = append(body, mac...)
	return body, shared, variant, nil
}

func parseCreated(b []byte) (serverEph, sNonce, mac []byte, err error) {
	if len(b) < 2 {
		return nil, nil, nil, errors.New("created: short body")
	}
	ephLen := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+ephLen+nonceLen+macLen {
		return nil, nil, nil, errors.New("created: short body")
	}
	serverEph = b[2 : 2+ephLen]
	sNonce = b[2+ephLen : 2+ephLen+nonceLen]
	mac = b[2+ephLen+nonceLen : 2+ephLen+nonceLen+macLen]
	return serverEph, sNonce, mac, nil
}

func transcriptMAC(shared []byte, v Variant, clientEph, serverEph, cNonce, sNonce []byte) []byte {
	kMac := hkdfExpand(shared, []byte(macLabel), macLen)
	h := hmac.New(sha256.New, kMac)
	h.Write([]byte(protoLabel))
	h.Write([]byte{byte(v)})
	h.Write(clientEph)
	h.Write(serverEph)
	h.Write(cNonce)
	h.Write(sNonce)
	return h.Sum(nil)
}

func hkdfExpand(secret, info []byte, n int) []byte {
	r := hkdf.New(sha256.New, secret, nil, info)
	out := make([]byte, n)
	io.ReadFull(r, out)
	return out
}

// ClientLayers derives the client halves of a hop's crypto from the
// handshake secret.
func ClientLayers(v Variant, secret []byte) (
	relaycrypt.OutboundClientLayer,
	relaycrypt.InboundClientLayer,
	error,
) {
	switch v {
	case VariantTor1:
		l, err := relaycrypt.DeriveTor1(secret)
		if err != nil {
			return nil, nil, err
		}
		out, in := l.Client()
		return out, in, nil
	case VariantCgo:
		l, err := relaycrypt.DeriveCgo(secret)
		if err != nil {
			return nil, nil, err
		}
		out, in := l.Client()
		return out, in, nil
	}
	return nil, nil, errors.Errorf("unknown crypto variant %d", v)
}

// RelayLayers derives the relay halves of a hop's crypto from the
// handshake secret.
func RelayLayers(v Variant, secret []byte) (
	relaycrypt.OutboundRelayLayer,
	relaycrypt.InboundRelayLayer,
	error,
) {
	switch v {
	case VariantTor1:
		l, err := relaycrypt.DeriveTor1(secret)
		if err != nil {
			return nil, nil, err
		}
		out, in := l.Relay()
		return out, in, nil
	case VariantCgo:
		l, err := relaycrypt.DeriveCgo(secret)
		if err != nil {
			return nil, nil, err
		}
		out, in := l.Relay()
		return out, in, nil
	}
	return nil, nil, errors.Errorf("unknown crypto variant %d", v)
}
