// Package embed turns chunk text into dense vectors. The default embedder
// is hash-based: deterministic, offline, no model download. Semantic
// quality is lower than a learned model but the retrieval pipeline above it
// is identical, so a real embedder can slot in behind the same interface.
package embed

import "context"

// Dimensions is the embedding dimension of the hash embedder.
const Dimensions = 256

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Close releases resources.
	Close() error
}
