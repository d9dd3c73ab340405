package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-search/lodestone/internal/embed"
	"github.com/lodestone-search/lodestone/internal/registry"
	"github.com/lodestone-search/lodestone/internal/store"
)

func TestVerifyConsistency_CleanState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	docID := registerDoc(t, env.reg, "/docs/clean.md")
	require.NoError(t, env.mgr.Add(ctx, docID,
		docChunks(docID, "fully consistent content", "second chunk"), store.IndexBoth))

	report, err := env.mgr.VerifyConsistency(ctx)
	require.NoError(t, err)

	assert.Equal(t, 100, report.Score)
	assert.True(t, report.Consistent())
	assert.Empty(t, report.InconsistentDocs)
	assert.Empty(t, report.Vector.Orphaned)
	assert.Empty(t, report.Keyword.Orphaned)
	assert.Zero(t, report.OrphanedEntries)
}

func TestVerifyConsistency_EmptySystem(t *testing.T) {
	env := newTestEnv(t)

	report, err := env.mgr.VerifyConsistency(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, report.Score)
}

func TestVerifyConsistency_OrphanedVectorNode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	docID := registerDoc(t, env.reg, "/docs/orphan-vec.md")
	require.NoError(t, env.mgr.Add(ctx, docID,
		docChunks(docID, "legitimate content"), store.IndexBoth))

	// Write a vector the registry knows nothing about.
	stray := make([]float32, embed.Dimensions)
	stray[0] = 1
	require.NoError(t, env.vec.Upsert(ctx, []string{"stray-node"}, [][]float32{stray}))

	report, err := env.mgr.VerifyConsistency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90, report.Score)
	assert.Equal(t, []string{"stray-node"}, report.Vector.Orphaned)

	result, err := env.mgr.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphanedNodesRemoved)

	report, err = env.mgr.VerifyConsistency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, report.Score)
	assert.False(t, env.vec.Contains("stray-node"))
}

func TestVerifyConsistency_MissingVectorNode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	docID := registerDoc(t, env.reg, "/docs/missing-vec.md")
	require.NoError(t, env.mgr.Add(ctx, docID,
		docChunks(docID, "content that will lose its vector"), store.IndexBoth))

	// Delete the vector behind the registry's back.
	nodeID := store.NodeIDFor(docID, 0)
	require.NoError(t, env.vec.Delete(ctx, []string{nodeID}))

	report, err := env.mgr.VerifyConsistency(ctx)
	require.NoError(t, err)
	assert.Contains(t, report.Vector.Missing, nodeID)
	assert.Contains(t, report.InconsistentDocs, docID)
	assert.Less(t, report.Score, 100)

	result, err := env.mgr.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DocsMarkedStale)

	rec, err := env.reg.Get(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateStale, rec.State)
}

func TestVerifyConsistency_OrphanedEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	docID := registerDoc(t, env.reg, "/docs/orphan-entry.md")
	require.NoError(t, env.mgr.Add(ctx, docID,
		docChunks(docID, "entry outlives document"), store.IndexKeyword))

	// Deleting the document record strands its index entries.
	require.NoError(t, env.reg.Delete(ctx, docID))

	report, err := env.mgr.VerifyConsistency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanedEntries)
	assert.Less(t, report.Score, 100)

	result, err := env.mgr.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphanedEntriesRemoved)
}

func TestRepair_NothingToDo(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.mgr.Repair(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.OrphanedNodesRemoved)
	assert.Zero(t, result.OrphanedEntriesRemoved)
	assert.Zero(t, result.DocsMarkedStale)
}
