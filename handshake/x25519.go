package handshake

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/pkg/errors"
)

// NewX25519Identity generates a long-term onion keypair.
func NewX25519Identity() (*ecdh.PrivateKey, error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	return key, errors.Wrap(err, "generating onion key")
}

// X25519KeyFn returns a KeyFn producing X25519 ephemerals.
func X25519KeyFn() KeyFn {
	return func() ([]byte, []byte, error) {
		key, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, errors.Wrap(err, "generating ephemeral key")
		}
		return key.PublicKey().Bytes(), key.Bytes(), nil
	}
}

// X25519SharedSecret is the initiator's SharedSecretFn for X25519 onion
// keys.
func X25519SharedSecret(ephPriv, peerOnionPub []byte) ([]byte, error) {
	priv, err := ecdh.X25519().NewPrivateKey(ephPriv)
	if err != nil {
		return nil, errors.Wrap(err, "deriving shared secret")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerOnionPub)
	if err != nil {
		return nil, errors.Wrap(err, "deriving shared secret")
	}
	shared, err := priv.ECDH(pub)
	return shared, errors.Wrap(err, "deriving shared secret")
}

// X25519Agree returns the responder's AgreeFn bound to a long-term
// onion key.
func X25519Agree(onionKey *ecdh.PrivateKey) AgreeFn {
	return func(clientEphPub []byte) ([]byte, error) {
		pub, err := ecdh.X25519().NewPublicKey(clientEphPub)
		if err != nil {
			return nil, errors.Wrap(err, "deriving shared secret")
		}
		shared, err := onionKey.ECDH(pub)
		return shared, errors.Wrap(err, "deriving shared secret")
	}
}
