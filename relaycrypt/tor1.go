package relaycrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/subtle"
	"encoding"
	"hash"

	"github.com/pkg/errors"

	"github.com/onionwire/onionwire/cell"
)

const (
	tor1DigestLen = sha1.Size
	tor1KeyLen    = 16

	// Tor1SeedLen is the key material consumed by one tor1 hop:
	// Df || Db || Kf || Kb.
	Tor1SeedLen = 2*tor1DigestLen + 2*tor1KeyLen
)

// tor1KeyInfo is the domain separation label for deriving tor1 seeds
// from a handshake secret.
const tor1KeyInfo = "onionwire-tor1-layer-keys"

// tor1State is one direction of a tor1 layer: a counter-mode stream
// keyed for that direction plus the running digest of every cell this
// layer has originated or recognized in it.
type tor1State struct {
	stream cipher.Stream
	digest hash.Hash
}

func newTor1State(digestSeed, key []byte) (*tor1State, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "initializing layer cipher")
	}
	iv := make([]byte, aes.BlockSize)
	d := sha1.New()
	d.Write(digestSeed)
	return &tor1State{
		stream: cipher.NewCTR(blk, iv),
		digest: d,
	}, nil
}

// cloneSum finalizes a copy of h without disturbing its running state.
func cloneSum(h hash.Hash) []byte {
	m, _ := h.(encoding.BinaryMarshaler).MarshalBinary()
	h2 := sha1.New()
	_ = h2.(encoding.BinaryUnmarshaler).UnmarshalBinary(m)
	return h2.Sum(nil)
}

// originate stamps body for recognition by the peer state, folds it
// into the running digest, and encrypts it. Returns the 20-byte tag.
func (s *tor1State) originate(body *cell.Body) Tag {
	cell.V0ZeroRecognized(body)
	cell.V0ZeroDigest(body)
	s.digest.Write(body[:])
	sum := cloneSum(s.digest)
	cell.V0SetDigest(body, sum[:cell.V0DigestLen])
	s.stream.XORKeyStream(body[:], body[:])
	return Tag(sum)
}

// encrypt applies this direction's stream cipher without touching the
// digest.
func (s *tor1State) encrypt(body *cell.Body) {
	s.stream.XORKeyStream(body[:], body[:])
}

// decrypt removes this direction's stream layer and checks whether the
// result is addressed to this layer. The running digest only advances
// on recognition, so an unrecognized cell leaves the state untouched
// apart from the stream position.
func (s *tor1State) decrypt(body *cell.Body) (Tag, bool) {
	s.stream.XORKeyStream(body[:], body[:])
	if !cell.V0RecognizedZero(body) {
		return nil, false
	}

	var field [cell.V0DigestLen]byte
	copy(field[:], cell.V0Digest(body))
	cell.V0ZeroDigest(body)

	saved, _ := s.digest.(encoding.BinaryMarshaler).MarshalBinary()
	s.digest.Write(body[:])
	sum := cloneSum(s.digest)

	if subtle.ConstantTimeCompare(sum[:cell.V0DigestLen], field[:]) != 1 {
		_ = s.digest.(encoding.BinaryUnmarshaler).UnmarshalBinary(saved)
		cell.V0SetDigest(body, field[:])
		return nil, false
	}
	cell.V0SetDigest(body, field[:])
	return Tag(sum), true
}

// Tor1Layers holds both directions of one hop's tor1 layer. Client()
// and Relay() split it into the interface halves used by the stacks;
// each end of a hop builds its own Tor1Layers from the shared seed.
type Tor1Layers struct {
	fwd  *tor1State
	back *tor1State
}

// NewTor1 builds a tor1 layer from a Tor1SeedLen seed laid out as
// Df || Db || Kf || Kb.
func NewTor1(seed []byte) (*Tor1Layers, error) {
	if len(seed) != Tor1SeedLen {
		return nil, errors.Wrapf(ErrBadSeedLen, "got %d, want %d", len(seed), Tor1SeedLen)
	}
	df := seed[:tor1DigestLen]
	db := seed[tor1DigestLen : 2*tor1DigestLen]
	kf := seed[2*tor1DigestLen : 2*tor1DigestLen+tor1KeyLen]
	kb := seed[2*tor1DigestLen+tor1KeyLen:]

	fwd, err := newTor1State(df, kf)
	if err != nil {
		return nil, err
	}
	back, err := newTor1State(db, kb)
	if err != nil {
		return nil, err
	}
	return &Tor1Layers{fwd: fwd, back: back}, nil
}

// DeriveTor1 expands a handshake secret into a tor1 layer.
func DeriveTor1(secret []byte) (*Tor1Layers, error) {
	seed, err := KeySchedule(secret, tor1KeyInfo, Tor1SeedLen)
	if err != nil {
		return nil, err
	}
	return NewTor1(seed)
}

// Client splits the layer into its client halves: the forward state
// encrypts outbound, the backward state recognizes inbound.
func (t *Tor1Layers) Client() (OutboundClientLayer, InboundClientLayer) {
	return &tor1ClientOut{st: t.fwd}, &tor1ClientIn{st: t.back}
}

// Relay splits the layer into its relay halves.
func (t *Tor1Layers) Relay() (OutboundRelayLayer, InboundRelayLayer) {
	return &tor1RelayOut{st: t.fwd}, &tor1RelayIn{st: t.back}
}

type tor1ClientOut struct{ st *tor1State }

func (l *tor1ClientOut) OriginateFor(_ byte, body *cell.Body) Tag {
	return l.st.originate(body)
}

func (l *tor1ClientOut) EncryptOutbound(_ byte, body *cell.Body) {
	l.st.encrypt(body)
}

type tor1ClientIn struct{ st *tor1State }

func (l *tor1ClientIn) DecryptInbound(_ byte, body *cell.Body) (Tag, bool) {
	return l.st.decrypt(body)
}

type tor1RelayOut struct{ st *tor1State }

func (l *tor1RelayOut) DecryptOutbound(_ byte, body *cell.Body) (Tag, bool) {
	return l.st.decrypt(body)
}

type tor1RelayIn struct{ st *tor1State }

func (l *tor1RelayIn) Originate(_ byte, body *cell.Body) Tag {
	return l.st.originate(body)
}

func (l *tor1RelayIn) EncryptInbound(_ byte, body *cell.Body) {
	l.st.encrypt(body)
}
