package relaycrypt

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// Vectors from RFC 8452 appendix A.
func TestPolyvalDot(t *testing.T) {
	a := gfFromBytes(mustHex(t, "66e94bd4ef8a2c3b884cfa59ca342b2e"))
	b := gfFromBytes(mustHex(t, "ff000000000000000000000000000000"))
	got := gfDot(a, b).bytes()
	require.Equal(t, mustHex(t, "ebe563401e7e91ea3ad6426b8140c394"), got[:])
}

func TestPolyvalTwoBlocks(t *testing.T) {
	h := newPolyval(mustHex(t, "25629347589242761d31f826ba4b757b"))
	h.absorbBlock(mustHex(t, "4f4f95668c83dfb6401762bb2d01a262"))
	h.absorbBlock(mustHex(t, "d1a24ddd2721d006bbe45f20d3c9f362"))
	got := h.sum()
	require.Equal(t, mustHex(t, "f7a3b47b846119fae5b7866cf5e5b77e"), got[:])
}

func TestPolyvalPadding(t *testing.T) {
	key := mustHex(t, "25629347589242761d31f826ba4b757b")

	// A short block absorbs like its zero-padded form.
	h1 := newPolyval(key)
	h1.absorb([]byte{0xaa, 0xbb})
	h2 := newPolyval(key)
	block := make([]byte, 16)
	block[0], block[1] = 0xaa, 0xbb
	h2.absorbBlock(block)
	require.Equal(t, h2.sum(), h1.sum())

	// reset clears the accumulator but keeps the key.
	h1.reset()
	h1.absorbBlock(mustHex(t, "4f4f95668c83dfb6401762bb2d01a262"))
	h1.absorbBlock(mustHex(t, "d1a24ddd2721d006bbe45f20d3c9f362"))
	got := h1.sum()
	require.Equal(t, mustHex(t, "f7a3b47b846119fae5b7866cf5e5b77e"), got[:])
}

func TestGfMulIdentity(t *testing.T) {
	// x^128 is POLYVAL's multiplicative identity under dot, since
	// dot(a, b) = a*b*x^-128.
	a := gfFromBytes(mustHex(t, "66e94bd4ef8a2c3b884cfa59ca342b2e"))
	one := gfElement{lo: 1}
	for i := 0; i < 128; i++ {
		one = one.mulX()
	}
	require.Equal(t, a, gfDot(a, one))

	// divX inverts mulX.
	require.Equal(t, a, a.mulX().divX())
	require.Equal(t, a, a.divX().mulX())
}
