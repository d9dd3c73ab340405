package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-search/lodestone/internal/embed"
	apperrors "github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/registry"
	"github.com/lodestone-search/lodestone/internal/store"
)

func TestHybridSearch_RanksMatchingDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alpha := registerDoc(t, env.reg, "/docs/deploy.md")
	require.NoError(t, env.mgr.Add(ctx, alpha,
		docChunks(alpha, "deployment pipeline configuration and rollout strategy"), store.IndexBoth))

	beta := registerDoc(t, env.reg, "/docs/recipes.md")
	require.NoError(t, env.mgr.Add(ctx, beta,
		docChunks(beta, "sourdough bread baking temperature and hydration"), store.IndexBoth))

	results, err := env.mgr.HybridSearch(ctx, "deployment pipeline rollout", SearchOptions{K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, alpha, results[0].DocID)
	assert.True(t, results[0].InBoth)
	assert.NotEmpty(t, results[0].Content)

	// Scores are sorted descending and bounded by the weight sum.
	for i, r := range results {
		assert.LessOrEqual(t, r.Score, DefaultVectorWeight+DefaultKeywordWeight+1e-9)
		assert.GreaterOrEqual(t, r.Score, 0.0)
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1].Score, r.Score)
		}
	}
}

func TestHybridSearch_TruncatesToK(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	docID := registerDoc(t, env.reg, "/docs/many.md")
	contents := make([]string, 8)
	for i := range contents {
		contents[i] = "shared topic with common retrieval terms plus variant"
	}
	require.NoError(t, env.mgr.Add(ctx, docID, docChunks(docID, contents...), store.IndexBoth))

	results, err := env.mgr.HybridSearch(ctx, "common retrieval terms", SearchOptions{K: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 3)
}

func TestHybridSearch_EmptyQuery(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.HybridSearch(context.Background(), "   ", SearchOptions{K: 5})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeQueryEmpty, apperrors.GetCode(err))
}

func TestHybridSearch_InvalidWeights(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.HybridSearch(context.Background(), "query",
		SearchOptions{K: 5, VectorWeight: -1, KeywordWeight: 2})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidWeights, apperrors.GetCode(err))
}

func TestHybridSearch_DegradesWhenVectorFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	docID := registerDoc(t, env.reg, "/docs/degrade.md")
	require.NoError(t, env.mgr.Add(ctx, docID,
		docChunks(docID, "graceful degradation keyword fallback"), store.IndexKeyword))

	mgr := NewManager(env.kw, &failingVector{}, env.reg, embed.NewHashEmbedder(), testLogger())

	results, err := mgr.HybridSearch(ctx, "graceful degradation", SearchOptions{K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, docID, results[0].DocID)
	assert.Zero(t, results[0].VectorScore)
}

func TestSearch_ExcludesCorruptedDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	docID := registerDoc(t, env.reg, "/docs/flaky.md")
	broken := NewManager(env.kw, &failingVector{}, env.reg, embed.NewHashEmbedder(), testLogger())

	// Partial write: the keyword backend holds the chunk but the
	// document is corrupted.
	err := broken.Add(ctx, docID, docChunks(docID, "release checklist for canary rollouts"), store.IndexBoth)
	require.Error(t, err)
	rec, err := env.reg.Get(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, registry.StateCorrupted, rec.State)

	hits, err := env.mgr.SearchKeyword(ctx, "release checklist", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	fused, err := env.mgr.HybridSearch(ctx, "release checklist canary", SearchOptions{K: 5})
	require.NoError(t, err)
	assert.Empty(t, fused)

	// Reprocessing writes both backends and restores the document;
	// its chunks serve again.
	require.NoError(t, env.mgr.Add(ctx, docID,
		docChunks(docID, "release checklist for canary rollouts"), store.IndexBoth))
	require.NoError(t, env.reg.UpdateState(ctx, docID, registry.StateIndexed, ""))

	hits, err = env.mgr.SearchKeyword(ctx, "release checklist", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, docID, hits[0].DocID)

	fused, err = env.mgr.HybridSearch(ctx, "release checklist canary", SearchOptions{K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, fused)
	assert.Equal(t, docID, fused[0].DocID)
}

func TestSearchVector_ExcludesCorruptedDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	docID := registerDoc(t, env.reg, "/docs/half-indexed.md")
	broken := NewManager(&failingKeyword{}, env.vec, env.reg, embed.NewHashEmbedder(), testLogger())

	// The vector write lands, the keyword write fails; the document
	// is corrupted while its nodes sit in the vector backend.
	err := broken.Add(ctx, docID, docChunks(docID, "incident postmortem timeline"), store.IndexBoth)
	require.Error(t, err)

	hits, err := env.mgr.SearchVector(ctx, "incident postmortem", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestHybridSearch_BothBackendsFailing(t *testing.T) {
	env := newTestEnv(t)
	mgr := NewManager(&failingKeyword{}, &failingVector{}, env.reg, embed.NewHashEmbedder(), testLogger())

	_, err := mgr.HybridSearch(context.Background(), "anything", SearchOptions{K: 5})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeIndexStorage, apperrors.GetCode(err))
}

func TestHybridSearch_EmptyIndexReturnsEmpty(t *testing.T) {
	env := newTestEnv(t)

	results, err := env.mgr.HybridSearch(context.Background(), "nothing indexed yet", SearchOptions{K: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchKeyword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	docID := registerDoc(t, env.reg, "/docs/kw-search.md")
	require.NoError(t, env.mgr.Add(ctx, docID,
		docChunks(docID, "exact phrase matching test"), store.IndexKeyword))

	results, err := env.mgr.SearchKeyword(ctx, "exact phrase", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, docID, results[0].DocID)

	_, err = env.mgr.SearchKeyword(ctx, "", 5)
	assert.Equal(t, apperrors.ErrCodeQueryEmpty, apperrors.GetCode(err))
}

func TestSearchVector(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	docID := registerDoc(t, env.reg, "/docs/vec-search.md")
	require.NoError(t, env.mgr.Add(ctx, docID,
		docChunks(docID, "semantic similarity lookup content"), store.IndexVector))

	results, err := env.mgr.SearchVector(ctx, "semantic similarity lookup", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, store.NodeIDFor(docID, 0), results[0].NodeID)

	_, err = env.mgr.SearchVector(ctx, "  ", 5)
	assert.Equal(t, apperrors.ErrCodeQueryEmpty, apperrors.GetCode(err))
}

func TestFuse_AccumulatesBothContributions(t *testing.T) {
	vec := []*store.ScoredNode{
		{NodeID: "n1", DocID: "d1", Score: 0.9},
		{NodeID: "n2", DocID: "d1", Score: 0.5},
	}
	kw := []*store.ScoredNode{
		{NodeID: "n1", DocID: "d1", Score: 3.0, Content: "text"},
		{NodeID: "n3", DocID: "d2", Score: 1.0},
	}

	fused := fuse(vec, kw, 0.4, 0.6)
	require.Len(t, fused, 3)

	// n1 tops both normalized lists: 0.4*1.0 + 0.6*1.0.
	assert.Equal(t, "n1", fused[0].NodeID)
	assert.InDelta(t, 1.0, fused[0].Score, 1e-9)
	assert.True(t, fused[0].InBoth)
	assert.Equal(t, "text", fused[0].Content)

	for _, f := range fused[1:] {
		assert.False(t, f.InBoth)
	}
}

func TestFuse_TieBreakKeepsRetrievalOrder(t *testing.T) {
	vec := []*store.ScoredNode{
		{NodeID: "a", Score: 0.5},
		{NodeID: "b", Score: 0.5},
		{NodeID: "c", Score: 0.5},
	}

	fused := fuse(vec, nil, 1.0, 0.0)
	require.Len(t, fused, 3)
	assert.Equal(t, "a", fused[0].NodeID)
	assert.Equal(t, "b", fused[1].NodeID)
	assert.Equal(t, "c", fused[2].NodeID)
}

func TestFuse_Empty(t *testing.T) {
	fused := fuse(nil, nil, 0.4, 0.6)
	assert.NotNil(t, fused)
	assert.Empty(t, fused)
}

func TestNormalizeScores(t *testing.T) {
	// Spread scores map onto [0, 1].
	norm := normalizeScores([]*store.ScoredNode{
		{Score: 1.0}, {Score: 3.0}, {Score: 2.0},
	})
	assert.Equal(t, []float64{0.0, 1.0, 0.5}, norm)

	// All-equal positive scores are real matches, not noise.
	norm = normalizeScores([]*store.ScoredNode{{Score: 2.0}, {Score: 2.0}})
	assert.Equal(t, []float64{1.0, 1.0}, norm)

	// All-equal zero scores carry no signal.
	norm = normalizeScores([]*store.ScoredNode{{Score: 0.0}, {Score: 0.0}})
	assert.Equal(t, []float64{0.0, 0.0}, norm)

	assert.Nil(t, normalizeScores(nil))
}

func TestApplySearchDefaults(t *testing.T) {
	opts, err := applySearchDefaults(SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10, opts.K)
	assert.Equal(t, DefaultVectorWeight, opts.VectorWeight)
	assert.Equal(t, DefaultKeywordWeight, opts.KeywordWeight)

	// Single-sided weights are valid.
	opts, err = applySearchDefaults(SearchOptions{K: 5, VectorWeight: 1.0})
	require.NoError(t, err)
	assert.Equal(t, 1.0, opts.VectorWeight)
	assert.Equal(t, 0.0, opts.KeywordWeight)
}
