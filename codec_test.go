package bfield

import (
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecEdgesNu5Kappa2(t *testing.T) {
	c := newCodec(5, 2)
	require.Equal(t, uint64(10), c.maxValue())
	require.Equal(t, uint64(0b00011), c.encode(0))
	require.Equal(t, uint64(0b00101), c.encode(1))
	require.Equal(t, uint64(0b11000), c.encode(9))

	for v := uint64(0); v < c.maxValue(); v++ {
		pattern := c.encode(v)
		require.Equal(t, 2, bits.OnesCount64(pattern))
		require.Equal(t, v, c.decode(pattern))
	}
}

func TestCodecRoundtripAndOrder(t *testing.T) {
	for _, tc := range []struct{ nu, kappa uint }{
		{1, 1}, {5, 2}, {8, 3}, {16, 5}, {64, 1},
	} {
		c := newCodec(tc.nu, tc.kappa)
		max := c.maxValue()
		var prevPattern uint64
		for v := uint64(0); v < max; v++ {
			pattern := c.encode(v)
			require.Equal(t, int(tc.kappa), bits.OnesCount64(pattern), "nu=%d kappa=%d v=%d", tc.nu, tc.kappa, v)
			require.Equal(t, v, c.decode(pattern), "nu=%d kappa=%d v=%d", tc.nu, tc.kappa, v)
			if v > 0 {
				require.Less(t, prevPattern, pattern, "nu=%d kappa=%d v=%d", tc.nu, tc.kappa, v)
			}
			prevPattern = pattern
		}
	}
}

// TestCodecLargeSparseSample exercises a wide (nu, kappa) pair where
// C(nu, kappa) is far too large to enumerate exhaustively; it instead
// samples boundary and scattered ranks and checks roundtrip plus weight.
func TestCodecLargeSparseSample(t *testing.T) {
	c := newCodec(64, 32)
	max := c.maxValue()
	require.Greater(t, max, uint64(1<<40))

	samples := []uint64{0, 1, 2, max / 2, max - 2, max - 1}
	for step := uint64(1); step < 50; step++ {
		samples = append(samples, (step*step*2654435761)%max)
	}
	for _, v := range samples {
		pattern := c.encode(v)
		require.Equal(t, 32, bits.OnesCount64(pattern), "v=%d", v)
		require.Equal(t, v, c.decode(pattern), "v=%d", v)
	}
}

func TestBinomialCoefficients(t *testing.T) {
	c := newCodec(5, 2)
	require.Equal(t, uint64(1), c.binom(0, 0))
	require.Equal(t, uint64(0), c.binom(0, 1))
	require.Equal(t, uint64(1), c.binom(4, 0))
	require.Equal(t, uint64(6), c.binom(4, 2))
	require.Equal(t, uint64(3), c.binom(3, 2))
	require.Equal(t, uint64(0), c.binom(1, 2))
}
