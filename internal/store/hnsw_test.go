package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVector(t *testing.T, dims int) *HNSWVector {
	t.Helper()
	vs, err := NewHNSWVector(VectorConfig{Dimensions: dims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })
	return vs
}

func TestHNSWVector_UpsertAndQuery(t *testing.T) {
	vs := newTestVector(t, 3)
	ctx := context.Background()

	// Given: three orthogonal vectors
	err := vs.Upsert(ctx,
		[]string{"a", "b", "c"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	require.NoError(t, err)

	// When: querying near the first axis
	hits, err := vs.Query(ctx, []float32{0.9, 0.1, 0}, 1)
	require.NoError(t, err)

	// Then: the nearest neighbor is the matching axis vector
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].NodeID)
	assert.Greater(t, hits[0].Score, 0.9)
}

func TestHNSWVector_DimensionMismatch(t *testing.T) {
	vs := newTestVector(t, 3)
	ctx := context.Background()

	err := vs.Upsert(ctx, []string{"a"}, [][]float32{{1, 0}})
	var dimErr ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Got)

	_, err = vs.Query(ctx, []float32{1, 0}, 1)
	assert.ErrorAs(t, err, &dimErr)
}

func TestHNSWVector_EmptyGraph(t *testing.T) {
	vs := newTestVector(t, 3)

	hits, err := vs.Query(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestHNSWVector_UpsertReplaces(t *testing.T) {
	vs := newTestVector(t, 3)
	ctx := context.Background()

	require.NoError(t, vs.Upsert(ctx, []string{"a"}, [][]float32{{1, 0, 0}}))
	require.NoError(t, vs.Upsert(ctx, []string{"a"}, [][]float32{{0, 1, 0}}))

	// Then: one live ID, and queries resolve to the replacement vector
	assert.Equal(t, 1, vs.Count())

	hits, err := vs.Query(ctx, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].NodeID)
	assert.InDelta(t, 1.0, hits[0].Score, 0.01)
}

func TestHNSWVector_DeleteIsLazy(t *testing.T) {
	vs := newTestVector(t, 3)
	ctx := context.Background()

	require.NoError(t, vs.Upsert(ctx,
		[]string{"a", "b"},
		[][]float32{{1, 0, 0}, {0, 1, 0}}))

	require.NoError(t, vs.Delete(ctx, []string{"a"}))

	// Then: deleted IDs disappear from lookups and query results
	assert.False(t, vs.Contains("a"))
	assert.True(t, vs.Contains("b"))
	assert.Equal(t, 1, vs.Count())

	hits, err := vs.Query(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "a", h.NodeID)
	}
}

func TestHNSWVector_DeleteMissingID(t *testing.T) {
	vs := newTestVector(t, 3)
	assert.NoError(t, vs.Delete(context.Background(), []string{"ghost"}))
}

func TestHNSWVector_AllIDs(t *testing.T) {
	vs := newTestVector(t, 3)
	ctx := context.Background()

	require.NoError(t, vs.Upsert(ctx,
		[]string{"a", "b", "c"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}))
	require.NoError(t, vs.Delete(ctx, []string{"b"}))

	assert.ElementsMatch(t, []string{"a", "c"}, vs.AllIDs())
}

func TestHNSWVector_SaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.hnsw")

	vs := newTestVector(t, 3)
	require.NoError(t, vs.Upsert(ctx,
		[]string{"a", "b"},
		[][]float32{{1, 0, 0}, {0, 1, 0}}))
	require.NoError(t, vs.Save(path))

	// When: loading into a fresh store
	vs2 := newTestVector(t, 3)
	require.NoError(t, vs2.Load(path))

	// Then: content and query behavior survive the round trip
	assert.Equal(t, 2, vs2.Count())
	assert.True(t, vs2.Contains("a"))

	hits, err := vs2.Query(ctx, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].NodeID)
}

func TestHNSWVector_LoadMissingFile(t *testing.T) {
	vs := newTestVector(t, 3)
	err := vs.Load(filepath.Join(t.TempDir(), "nope.hnsw"))
	assert.Error(t, err)
}

func TestNormalizeVectorInPlace(t *testing.T) {
	v := []float32{3, 4}
	normalizeVectorInPlace(v)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	// Zero vector stays untouched
	z := []float32{0, 0}
	normalizeVectorInPlace(z)
	assert.Equal(t, []float32{0, 0}, z)
}

func TestDistanceToScore(t *testing.T) {
	assert.InDelta(t, 1.0, distanceToScore(0, "cos"), 1e-9)
	assert.InDelta(t, 0.5, distanceToScore(0.5, "cos"), 1e-9)
	assert.Equal(t, 0.0, distanceToScore(1.5, "cos"))
	assert.InDelta(t, 0.5, distanceToScore(1, "l2"), 1e-9)
}
