package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexTypes_Has(t *testing.T) {
	assert.True(t, IndexBoth.Has(IndexVector))
	assert.True(t, IndexBoth.Has(IndexKeyword))
	assert.True(t, IndexBoth.Has(IndexBoth))
	assert.False(t, IndexVector.Has(IndexKeyword))
	assert.False(t, IndexKeyword.Has(IndexBoth))
}

func TestIndexTypes_Each(t *testing.T) {
	// When: iterating over both backends
	var seen []IndexTypes
	IndexBoth.Each(func(it IndexTypes) {
		seen = append(seen, it)
	})

	// Then: vector comes first, each flag exactly once
	require.Equal(t, []IndexTypes{IndexVector, IndexKeyword}, seen)

	seen = nil
	IndexKeyword.Each(func(it IndexTypes) {
		seen = append(seen, it)
	})
	require.Equal(t, []IndexTypes{IndexKeyword}, seen)
}

func TestIndexTypes_StringRoundTrip(t *testing.T) {
	for _, it := range []IndexTypes{IndexVector, IndexKeyword, IndexBoth} {
		parsed, err := ParseIndexTypes(it.String())
		require.NoError(t, err)
		assert.Equal(t, it, parsed)
	}
}

func TestParseIndexTypes_Invalid(t *testing.T) {
	_, err := ParseIndexTypes("graph")
	assert.Error(t, err)

	_, err = ParseIndexTypes("")
	assert.Error(t, err)
}

func TestNodeIDFor_Deterministic(t *testing.T) {
	// Given: the same document and chunk position
	a := NodeIDFor("doc-1", 0)
	b := NodeIDFor("doc-1", 0)

	// Then: IDs are stable and distinct across positions
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, NodeIDFor("doc-1", 1))
	assert.NotEqual(t, a, NodeIDFor("doc-2", 0))
	assert.Len(t, a, 16)
}

func TestHashContent(t *testing.T) {
	assert.Equal(t, HashContent("hello"), HashContent("hello"))
	assert.NotEqual(t, HashContent("hello"), HashContent("hello "))
	assert.Len(t, HashContent("hello"), 64)
}
