package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_BlockCompressionVariants(t *testing.T) {
	t.Parallel()

	vectors := randomVectors(t, 100, 64, 2, 11)
	for _, block := range []BlockCompression{BlockNone, BlockLZ4, BlockZSTD} {
		c := New(Options{Block: block})
		blob, _, err := c.Compress(vectors, MethodSQ, Params{})
		require.NoError(t, err, "block=%d", block)

		got, err := c.Decompress(blob)
		require.NoError(t, err, "block=%d", block)
		require.Len(t, got, 100)
		for i := range vectors {
			assert.GreaterOrEqual(t, cosineSimilarity(vectors[i], got[i]), 0.9)
		}
	}
}

func TestEnvelope_IncompressibleBodyStoredRaw(t *testing.T) {
	t.Parallel()

	// Random SQ codes barely compress; the frame must fall back to raw
	// storage rather than growing the payload, and still round-trip.
	c := New(Options{Block: BlockLZ4})
	vectors := randomVectors(t, 4, 8, 4, 12)

	blob, _, err := c.Compress(vectors, MethodSQ, Params{})
	require.NoError(t, err)

	got, err := c.Decompress(blob)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestEnvelope_Corruption(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	blob, _, err := c.Compress(randomVectors(t, 5, 16, 1, 13), MethodSQ, Params{})
	require.NoError(t, err)

	// Truncated header.
	_, err = c.Decompress(blob[:8])
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Bad magic.
	bad := append([]byte(nil), blob...)
	bad[0] = 'x'
	_, err = c.Decompress(bad)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Unknown codec id.
	bad = append([]byte(nil), blob...)
	bad[5] = 42
	_, err = c.Decompress(bad)
	assert.ErrorIs(t, err, ErrUnsupportedMethod)

	// Unknown version.
	bad = append([]byte(nil), blob...)
	bad[4] = 9
	_, err = c.Decompress(bad)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
