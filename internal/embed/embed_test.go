package embed

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "hybrid retrieval with score fusion")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "hybrid retrieval with score fusion")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, Dimensions)
}

func TestHashEmbedder_UnitLength(t *testing.T) {
	e := NewHashEmbedder()

	vec, err := e.Embed(context.Background(), "some document text")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestHashEmbedder_EmptyText(t *testing.T) {
	e := NewHashEmbedder()

	vec, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Len(t, vec, Dimensions)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestHashEmbedder_SimilarTextIsCloser(t *testing.T) {
	e := NewHashEmbedder()
	ctx := context.Background()

	base, err := e.Embed(ctx, "database index performance tuning")
	require.NoError(t, err)
	similar, err := e.Embed(ctx, "database index performance optimization")
	require.NoError(t, err)
	unrelated, err := e.Embed(ctx, "chocolate cake recipe with vanilla frosting")
	require.NoError(t, err)

	assert.Greater(t, cosine(base, similar), cosine(base, unrelated))
}

func TestHashEmbedder_Batch(t *testing.T) {
	e := NewHashEmbedder()

	vecs, err := e.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	single, err := e.Embed(context.Background(), "two")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[1])
}

func TestHashEmbedder_Closed(t *testing.T) {
	e := NewHashEmbedder()
	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), "text")
	assert.Error(t, err)
}

// countingEmbedder tracks inner calls for cache assertions.
type countingEmbedder struct {
	HashEmbedder
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.HashEmbedder.Embed(ctx, text)
}

func TestCachedEmbedder_CachesRepeats(t *testing.T) {
	inner := &countingEmbedder{}
	cached := NewCachedEmbedder(inner, 16)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "repeated query")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "repeated query")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, 1, cached.CacheLen())
}

func TestCachedEmbedder_BatchPartialHits(t *testing.T) {
	inner := NewHashEmbedder()
	cached := NewCachedEmbedder(inner, 16)
	ctx := context.Background()

	warm, err := cached.Embed(ctx, "warm")
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(ctx, []string{"cold", "warm", "cold2"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, warm, vecs[1])
	assert.Equal(t, 3, cached.CacheLen())
}

func TestCachedEmbedder_PassthroughMetadata(t *testing.T) {
	cached := NewCachedEmbedder(NewHashEmbedder(), 0)
	assert.Equal(t, Dimensions, cached.Dimensions())
	assert.Equal(t, "hash-256", cached.ModelName())
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
