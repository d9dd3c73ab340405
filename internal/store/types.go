// Package store provides the two retrieval backends: a sparse keyword index
// (Bleve) and a dense vector index (HNSW). Nodes are addressed by opaque
// node IDs scoped to (doc_id, chunk_index).
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// IndexTypes is a bitflag set of retrieval backends.
type IndexTypes uint8

const (
	// IndexVector is the dense similarity backend.
	IndexVector IndexTypes = 1 << iota
	// IndexKeyword is the sparse keyword backend.
	IndexKeyword
)

// IndexBoth selects both backends.
const IndexBoth = IndexVector | IndexKeyword

// Has reports whether t includes all flags in other.
func (t IndexTypes) Has(other IndexTypes) bool {
	return t&other == other
}

// Each invokes fn once per selected backend, vector first.
func (t IndexTypes) Each(fn func(IndexTypes)) {
	if t.Has(IndexVector) {
		fn(IndexVector)
	}
	if t.Has(IndexKeyword) {
		fn(IndexKeyword)
	}
}

// String returns a stable textual form used in persistence and logs.
func (t IndexTypes) String() string {
	switch t {
	case IndexVector:
		return "vector"
	case IndexKeyword:
		return "keyword"
	case IndexBoth:
		return "vector+keyword"
	default:
		return "none"
	}
}

// ParseIndexTypes parses the textual form produced by String.
func ParseIndexTypes(s string) (IndexTypes, error) {
	var t IndexTypes
	for _, part := range strings.Split(s, "+") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "vector":
			t |= IndexVector
		case "keyword":
			t |= IndexKeyword
		case "both", "all":
			t |= IndexBoth
		case "":
		default:
			return 0, fmt.Errorf("unknown index type %q", part)
		}
	}
	if t == 0 {
		return 0, fmt.Errorf("no index types in %q", s)
	}
	return t, nil
}

// Chunk is the atomic unit of indexing: a bounded slice of document text
// with carried metadata.
type Chunk struct {
	NodeID      string            // Deterministic per (doc_id, chunk_index)
	DocID       string            // Owning document
	ChunkIndex  int               // Position within the document, 0-based
	Content     string            // Chunk text
	ContentHash string            // SHA256 of Content
	Metadata    map[string]string // Opaque, never inspected by the core
}

// NodeIDFor derives the deterministic node ID for a chunk position.
func NodeIDFor(docID string, chunkIndex int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", docID, chunkIndex)))
	return hex.EncodeToString(sum[:])[:16]
}

// HashContent returns the SHA256 hex digest of content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ScoredNode is a single backend query hit.
type ScoredNode struct {
	NodeID     string
	DocID      string
	ChunkIndex int
	Score      float64
	Content    string // Populated by the keyword backend (stored field)
}

// KeywordBackend provides sparse keyword retrieval.
type KeywordBackend interface {
	// Index upserts chunks into the keyword index.
	Index(ctx context.Context, chunks []*Chunk) error

	// Query returns the top-k nodes matching text, scored by relevance.
	Query(ctx context.Context, text string, k int) ([]*ScoredNode, error)

	// Delete removes nodes by ID.
	Delete(ctx context.Context, nodeIDs []string) error

	// DeleteDoc removes every node belonging to docID.
	DeleteDoc(ctx context.Context, docID string) error

	// FetchDoc returns the stored chunks for docID ordered by chunk index.
	// Used by change analysis to compare against real prior content.
	FetchDoc(ctx context.Context, docID string) ([]*Chunk, error)

	// AllIDs returns every node ID in the index (for consistency checks).
	AllIDs() ([]string, error)

	// Count returns the number of indexed nodes.
	Count() (int, error)

	Close() error
}

// VectorBackend provides dense similarity retrieval.
type VectorBackend interface {
	// Upsert inserts vectors with their node IDs, replacing existing ones.
	Upsert(ctx context.Context, ids []string, vectors [][]float32) error

	// Query finds the k nearest neighbors to the query vector.
	Query(ctx context.Context, vector []float32, k int) ([]*ScoredNode, error)

	// Delete removes vectors by node ID.
	Delete(ctx context.Context, ids []string) error

	// AllIDs returns every node ID in the store (for consistency checks).
	AllIDs() []string

	// Contains checks if a node ID exists.
	Contains(id string) bool

	// Count returns the number of vectors.
	Count() int

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
