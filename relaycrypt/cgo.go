package relaycrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/onionwire/onionwire/cell"
)

const (
	cgoKeyLen = 16

	// cgoDirSeedLen is the key material consumed by one direction of a
	// cgo layer: Ke || Kc || Kh0 || Kh1 || T0.
	cgoDirSeedLen = 5 * cgoKeyLen

	// CgoSeedLen is the key material consumed by one cgo hop, forward
	// direction first.
	CgoSeedLen = 2 * cgoDirSeedLen
)

const cgoKeyInfo = "onionwire-cgo-layer-keys"

// cgoState is one direction of a counter-galois layer: a wide-block
// tweakable cipher over the whole 509-byte body, with a chained 16-byte
// tag occupying the body's leading block.
//
// The wide-block cipher is a two-round unbalanced Feistel over
// (L, R) = (body[:16], body[16:]):
//
//	X  = L  xor H0(tweak, R)
//	Y  = E(X)
//	R' = R  xor CTR(Y)
//	L' = Y  xor H1(tweak, R')
//
// where E is a single AES block, CTR is counter mode keyed separately
// with Y as the initial counter, and H0, H1 are POLYVAL under
// independent keys. Every bit of the body affects every bit of the
// output, so any tamper randomizes the tag block and recognition fails.
type cgoState struct {
	ecb cipher.Block
	ctr cipher.Block
	h0  *polyvalHash
	h1  *polyvalHash
	tag [cell.V1TagLen]byte
}

func newCgoState(seed []byte) (*cgoState, error) {
	ecb, err := aes.NewCipher(seed[0:16])
	if err != nil {
		return nil, errors.Wrap(err, "initializing block cipher")
	}
	ctr, err := aes.NewCipher(seed[16:32])
	if err != nil {
		return nil, errors.Wrap(err, "initializing mask cipher")
	}
	s := &cgoState{
		ecb: ecb,
		ctr: ctr,
		h0:  newPolyval(seed[32:48]),
		h1:  newPolyval(seed[48:64]),
	}
	copy(s.tag[:], seed[64:80])
	return s, nil
}

// mask computes H_i(tweak, data): the hash of the tweak block, the
// data, and a length block.
func cgoMask(h *polyvalHash, chanCmd byte, data []byte) [16]byte {
	h.reset()
	var tweak [16]byte
	tweak[0] = chanCmd
	h.absorbBlock(tweak[:])
	h.absorb(data)
	var lenBlock [16]byte
	binary.LittleEndian.PutUint64(lenBlock[:8], uint64(len(data))*8)
	h.absorbBlock(lenBlock[:])
	return h.sum()
}

func xorInto(dst []byte, mask [16]byte) {
	for i := range mask {
		dst[i] ^= mask[i]
	}
}

func (s *cgoState) ctrXor(iv [16]byte, data []byte) {
	cipher.NewCTR(s.ctr, iv[:]).XORKeyStream(data, data)
}

func (s *cgoState) encrypt(chanCmd byte, body *cell.Body) {
	left, right := body[:cell.V1TagLen], body[cell.V1TagLen:]

	xorInto(left, cgoMask(s.h0, chanCmd, right))
	var y [16]byte
	s.ecb.Encrypt(y[:], left)
	s.ctrXor(y, right)
	copy(left, y[:])
	xorInto(left, cgoMask(s.h1, chanCmd, right))
}

func (s *cgoState) decrypt(chanCmd byte, body *cell.Body) {
	left, right := body[:cell.V1TagLen], body[cell.V1TagLen:]

	xorInto(left, cgoMask(s.h1, chanCmd, right))
	var y [16]byte
	copy(y[:], left)
	s.ctrXor(y, right)
	s.ecb.Decrypt(left, y[:])
	xorInto(left, cgoMask(s.h0, chanCmd, right))
}

// originate writes the current chain tag into the body's tag block and
// encrypts. The resulting ciphertext tag block becomes both the cell's
// tag and the next chain value, so every tag depends on the whole
// history of the channel.
func (s *cgoState) originate(chanCmd byte, body *cell.Body) Tag {
	copy(body[:cell.V1TagLen], s.tag[:])
	s.encrypt(chanCmd, body)
	copy(s.tag[:], body[:cell.V1TagLen])
	tag := make(Tag, cell.V1TagLen)
	copy(tag, s.tag[:])
	return tag
}

// recognize decrypts one layer and checks the recovered tag block
// against the chain. The chain only advances on recognition.
func (s *cgoState) recognize(chanCmd byte, body *cell.Body) (Tag, bool) {
	var prefix [cell.V1TagLen]byte
	copy(prefix[:], body[:cell.V1TagLen])

	s.decrypt(chanCmd, body)
	if subtle.ConstantTimeCompare(body[:cell.V1TagLen], s.tag[:]) != 1 {
		return nil, false
	}
	s.tag = prefix
	tag := make(Tag, cell.V1TagLen)
	copy(tag, prefix[:])
	return tag, true
}

// CgoLayers holds both directions of one hop's counter-galois layer.
type CgoLayers struct {
	fwd  *cgoState
	back *cgoState
}

// NewCgo builds a cgo layer from a CgoSeedLen seed, forward direction
// first.
func NewCgo(seed []byte) (*CgoLayers, error) {
	if len(seed) != CgoSeedLen {
		return nil, errors.Wrapf(ErrBadSeedLen, "got %d, want %d", len(seed), CgoSeedLen)
	}
	fwd, err := newCgoState(seed[:cgoDirSeedLen])
	if err != nil {
		return nil, err
	}
	back, err := newCgoState(seed[cgoDirSeedLen:])
	if err != nil {
		return nil, err
	}
	return &CgoLayers{fwd: fwd, back: back}, nil
}

// DeriveCgo expands a handshake secret into a cgo layer.
func DeriveCgo(secret []byte) (*CgoLayers, error) {
	seed, err := KeySchedule(secret, cgoKeyInfo, CgoSeedLen)
	if err != nil {
		return nil, err
	}
	return NewCgo(seed)
}

// Client splits the layer into its client halves.
func (c *CgoLayers) Client() (OutboundClientLayer, InboundClientLayer) {
	return &cgoClientOut{st: c.fwd}, &cgoClientIn{st: c.back}
}

// Relay splits the layer into its relay halves.
func (c *CgoLayers) Relay() (OutboundRelayLayer, InboundRelayLayer) {
	return &cgoRelayOut{st: c.fwd}, &cgoRelayIn{st: c.back}
}

type cgoClientOut struct{ st *cgoState }

func (l *cgoClientOut) OriginateFor(chanCmd byte, body *cell.Body) Tag {
	return l.st.originate(chanCmd, body)
}

func (l *cgoClientOut) EncryptOutbound(chanCmd byte, body *cell.Body) {
	l.st.encrypt(chanCmd, body)
}

type cgoClientIn struct{ st *cgoState }

func (l *cgoClientIn) DecryptInbound(chanCmd byte, body *cell.Body) (Tag, bool) {
	return l.st.recognize(chanCmd, body)
}

type cgoRelayOut struct{ st *cgoState }

func (l *cgoRelayOut) DecryptOutbound(chanCmd byte, body *cell.Body) (Tag, bool) {
	return l.st.recognize(chanCmd, body)
}

type cgoRelayIn struct{ st *cgoState }

func (l *cgoRelayIn) Originate(chanCmd byte, body *cell.Body) Tag {
	return l.st.originate(chanCmd, body)
}

func (l *cgoRelayIn) EncryptInbound(chanCmd byte, body *cell.Body) {
	l.st.encrypt(chanCmd, body)
}
