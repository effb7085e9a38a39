package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC32CVectors(t *testing.T) {
	// Published CRC32C (Castagnoli) test vectors.
	assert.Equal(t, uint32(0), CRC32C([]byte("")))
	assert.Equal(t, uint32(0x364B3FB7), CRC32C([]byte("abc")))
	assert.Equal(t, uint32(0xE3069283), CRC32C([]byte("123456789")))
}

func TestSHA256Vectors(t *testing.T) {
	h := SHA256([]byte(""))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"[:64], hexEncode(h[:]))

	h = SHA256([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hexEncode(h[:]))
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xF]
	}
	return string(out)
}

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	var seed [SeedSize]byte
	for i := range seed {
		seed[i] = byte(i)
	}
	pub, priv := KeyPairFromSeed(seed)

	msg := []byte("prepare view=0 op=1")
	sig := Sign(msg, priv)
	require.Len(t, sig, SignatureSize)
	assert.True(t, Verify(msg, sig, pub))

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0xFF
	assert.False(t, Verify(tampered, sig, pub))
}

func TestKeyPairFromSeedDeterministic(t *testing.T) {
	var seed [SeedSize]byte
	seed[0] = 42

	pub1, priv1 := KeyPairFromSeed(seed)
	pub2, priv2 := KeyPairFromSeed(seed)

	assert.Equal(t, pub1, pub2)
	assert.Equal(t, priv1, priv2)
}

func TestParseSeedInvalidLength(t *testing.T) {
	_, err := ParseSeed([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidSeedLength)
}

func TestPRNGDeterministicSequence(t *testing.T) {
	a := NewPRNG(12345)
	b := NewPRNG(12345)

	for i := 0; i < 100; i++ {
		require.Equal(t, a.Next(), b.Next())
	}
}

func TestPRNGIntnBounds(t *testing.T) {
	p := NewPRNG(7)
	for i := 0; i < 1000; i++ {
		v := p.Intn(10)
		require.GreaterOrEqual(t, v, 0)
		require.Less(t, v, 10)
	}
}

func TestPRNGZeroSeedRemapped(t *testing.T) {
	p := NewPRNG(0)
	// Must not get stuck at zero forever.
	assert.NotEqual(t, uint64(0), p.Next())
}
