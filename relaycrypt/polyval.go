package relaycrypt

import "encoding/binary"

// POLYVAL over GF(2^128), the little-endian polynomial hash from RFC
// 8452. Elements are little endian: the least significant bit of the
// first byte is the coefficient of x^0, and the field modulus is
// x^128 + x^127 + x^126 + x^121 + 1.
//
// This is a portable constant-pattern implementation; it processes one
// bit of the multiplier per step, which is plenty for per-cell masks.

type gfElement struct {
	lo, hi uint64
}

func gfFromBytes(b []byte) gfElement {
	return gfElement{
		lo: binary.LittleEndian.Uint64(b[0:8]),
		hi: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func (e gfElement) bytes() [16]byte {
	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], e.lo)
	binary.LittleEndian.PutUint64(out[8:16], e.hi)
	return out
}

func (e gfElement) xor(o gfElement) gfElement {
	return gfElement{lo: e.lo ^ o.lo, hi: e.hi ^ o.hi}
}

// mulX multiplies by x, reducing by the field modulus.
func (e gfElement) mulX() gfElement {
	carry := e.hi >> 63
	hi := e.hi<<1 | e.lo>>63
	lo := e.lo << 1
	// x^128 = x^127 + x^126 + x^121 + 1
	lo ^= carry
	hi ^= carry * 0xc200000000000000
	return gfElement{lo: lo, hi: hi}
}

// divX multiplies by x^-1.
func (e gfElement) divX() gfElement {
	carry := e.lo & 1
	lo := e.lo>>1 | e.hi<<63
	hi := e.hi >> 1
	// 1/x = x^127 + x^126 + x^125 + x^120
	hi ^= carry * 0xe100000000000000
	return gfElement{lo: lo, hi: hi}
}

func (e gfElement) bit(i int) uint64 {
	if i < 64 {
		return e.lo >> uint(i) & 1
	}
	return e.hi >> uint(i-64) & 1
}

// gfMul computes the plain field product a*b mod the modulus.
func gfMul(a, b gfElement) gfElement {
	var c gfElement
	for i := 127; i >= 0; i-- {
		c = c.mulX()
		if b.bit(i) == 1 {
			c = c.xor(a)
		}
	}
	return c
}

// gfDot computes the POLYVAL dot operation a*b*x^-128.
func gfDot(a, b gfElement) gfElement {
	c := gfMul(a, b)
	for i := 0; i < 128; i++ {
		c = c.divX()
	}
	return c
}

// polyvalHash accumulates POLYVAL(key, blocks...).
type polyvalHash struct {
	key gfElement
	acc gfElement
}

func newPolyval(key []byte) *polyvalHash {
	return &polyvalHash{key: gfFromBytes(key)}
}

// absorbBlock folds one full 16-byte block into the accumulator.
func (p *polyvalHash) absorbBlock(block []byte) {
	p.acc = gfDot(p.acc.xor(gfFromBytes(block)), p.key)
}

// absorb folds data into the accumulator, zero padding the final
// partial block.
func (p *polyvalHash) absorb(data []byte) {
	for len(data) >= 16 {
		p.absorbBlock(data[:16])
		data = data[16:]
	}
	if len(data) > 0 {
		var block [16]byte
		copy(block[:], data)
		p.absorbBlock(block[:])
	}
}

func (p *polyvalHash) sum() [16]byte {
	return p.acc.bytes()
}

func (p *polyvalHash) reset() {
	p.acc = gfElement{}
}
