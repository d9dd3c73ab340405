package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyword(t *testing.T) *BleveKeyword {
	t.Helper()
	kw, err := NewBleveKeyword("") // in-memory
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })
	return kw
}

func makeChunks(docID string, contents ...string) []*Chunk {
	chunks := make([]*Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = &Chunk{
			NodeID:      NodeIDFor(docID, i),
			DocID:       docID,
			ChunkIndex:  i,
			Content:     c,
			ContentHash: HashContent(c),
		}
	}
	return chunks
}

func TestBleveKeyword_IndexAndQuery(t *testing.T) {
	kw := newTestKeyword(t)
	ctx := context.Background()

	// Given: two documents with distinct vocabulary
	require.NoError(t, kw.Index(ctx, makeChunks("doc-1",
		"the quick brown fox jumps over the lazy dog")))
	require.NoError(t, kw.Index(ctx, makeChunks("doc-2",
		"distributed consensus protocols require quorum agreement")))

	// When: querying for consensus terminology
	hits, err := kw.Query(ctx, "consensus quorum", 10)
	require.NoError(t, err)

	// Then: only the matching document comes back, with content hydrated
	require.Len(t, hits, 1)
	assert.Equal(t, "doc-2", hits[0].DocID)
	assert.Equal(t, 0, hits[0].ChunkIndex)
	assert.Contains(t, hits[0].Content, "consensus")
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestBleveKeyword_EmptyQuery(t *testing.T) {
	kw := newTestKeyword(t)

	hits, err := kw.Query(context.Background(), "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBleveKeyword_FetchDocOrdered(t *testing.T) {
	kw := newTestKeyword(t)
	ctx := context.Background()

	// Given: a document indexed as three chunks
	original := makeChunks("doc-1", "first part", "second part", "third part")
	require.NoError(t, kw.Index(ctx, original))

	// When: fetching the document back
	chunks, err := kw.FetchDoc(ctx, "doc-1")
	require.NoError(t, err)

	// Then: all chunks return in position order with stored fields intact
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, original[i].Content, c.Content)
		assert.Equal(t, original[i].ContentHash, c.ContentHash)
	}
}

func TestBleveKeyword_FetchDocMissing(t *testing.T) {
	kw := newTestKeyword(t)

	chunks, err := kw.FetchDoc(context.Background(), "no-such-doc")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestBleveKeyword_Upsert(t *testing.T) {
	kw := newTestKeyword(t)
	ctx := context.Background()

	// Given: a chunk indexed twice under the same node ID
	require.NoError(t, kw.Index(ctx, makeChunks("doc-1", "original text")))
	require.NoError(t, kw.Index(ctx, makeChunks("doc-1", "replacement text")))

	// Then: the second write replaces the first
	count, err := kw.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	chunks, err := kw.FetchDoc(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "replacement text", chunks[0].Content)
}

func TestBleveKeyword_DeleteDoc(t *testing.T) {
	kw := newTestKeyword(t)
	ctx := context.Background()

	require.NoError(t, kw.Index(ctx, makeChunks("doc-1", "alpha", "beta")))
	require.NoError(t, kw.Index(ctx, makeChunks("doc-2", "gamma")))

	require.NoError(t, kw.DeleteDoc(ctx, "doc-1"))

	count, err := kw.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	remaining, err := kw.FetchDoc(ctx, "doc-2")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestBleveKeyword_AllIDs(t *testing.T) {
	kw := newTestKeyword(t)
	ctx := context.Background()

	require.NoError(t, kw.Index(ctx, makeChunks("doc-1", "one", "two")))

	ids, err := kw.AllIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{NodeIDFor("doc-1", 0), NodeIDFor("doc-1", 1)}, ids)
}

func TestBleveKeyword_Persistence(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/keyword.bleve"
	ctx := context.Background()

	kw, err := NewBleveKeyword(path)
	require.NoError(t, err)
	require.NoError(t, kw.Index(ctx, makeChunks("doc-1", "persisted content")))
	require.NoError(t, kw.Close())

	// When: reopening the same path
	kw2, err := NewBleveKeyword(path)
	require.NoError(t, err)
	defer kw2.Close()

	count, err := kw2.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBleveKeyword_ClosedErrors(t *testing.T) {
	kw := newTestKeyword(t)
	require.NoError(t, kw.Close())

	ctx := context.Background()
	assert.Error(t, kw.Index(ctx, makeChunks("doc-1", "x")))
	_, err := kw.Query(ctx, "x", 1)
	assert.Error(t, err)
	_, err = kw.Count()
	assert.Error(t, err)

	// Double close is a no-op
	assert.NoError(t, kw.Close())
}

func TestBleveKeyword_LargeBatch(t *testing.T) {
	kw := newTestKeyword(t)
	ctx := context.Background()

	contents := make([]string, 50)
	for i := range contents {
		contents[i] = fmt.Sprintf("chunk %d payload tokens", i)
	}
	require.NoError(t, kw.Index(ctx, makeChunks("doc-big", contents...)))

	count, err := kw.Count()
	require.NoError(t, err)
	assert.Equal(t, 50, count)
}
