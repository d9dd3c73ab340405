// Package chunk segments parsed document text into bounded, overlapping
// chunks. Chunking is deterministic: identical input always yields the
// identical chunk sequence, which makes interrupted ingest jobs restartable.
package chunk

import (
	"context"
	"strings"

	"github.com/lodestone-search/lodestone/internal/store"
)

// Defaults for the sliding window.
const (
	DefaultChunkSize = 1200
	DefaultOverlap   = 200
)

// Options configures the chunker.
type Options struct {
	ChunkSize int // Characters per chunk
	Overlap   int // Characters shared between adjacent chunks
}

// Chunker produces an ordered chunk sequence for a document.
type Chunker interface {
	Chunk(ctx context.Context, docID, content string, metadata map[string]string) ([]*store.Chunk, error)
}

// TextChunker splits plain text on a sliding character window, preferring
// to break at paragraph and sentence boundaries near the window edge.
type TextChunker struct {
	opts Options
}

var _ Chunker = (*TextChunker)(nil)

// NewTextChunker creates a text chunker, applying defaults for zero
// options.
func NewTextChunker(opts Options) *TextChunker {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.ChunkSize {
		opts.Overlap = DefaultOverlap
		if opts.Overlap >= opts.ChunkSize {
			opts.Overlap = opts.ChunkSize / 4
		}
	}
	return &TextChunker{opts: opts}
}

// Chunk splits content into ordered chunks with deterministic node IDs.
// Empty or whitespace-only content yields no chunks.
func (c *TextChunker) Chunk(ctx context.Context, docID, content string, metadata map[string]string) ([]*store.Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	runes := []rune(content)

	var chunks []*store.Chunk
	index := 0
	start := 0
	for start < len(runes) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := start + c.opts.ChunkSize
		last := end >= len(runes)
		if last {
			end = len(runes)
		} else {
			end = start + breakPoint(runes[start:end])
		}

		text := string(runes[start:end])
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, &store.Chunk{
				NodeID:      store.NodeIDFor(docID, index),
				DocID:       docID,
				ChunkIndex:  index,
				Content:     text,
				ContentHash: store.HashContent(text),
				Metadata:    metadata,
			})
			index++
		}

		if last {
			break
		}

		next := end - c.opts.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks, nil
}

// breakPoint finds a natural boundary near the end of the window: first a
// paragraph break, then a sentence end, then a word gap. Falls back to the
// full window when no boundary exists in the final quarter.
func breakPoint(window []rune) int {
	n := len(window)
	floor := n * 3 / 4

	text := string(window)
	if i := strings.LastIndex(text, "\n\n"); i >= 0 && runeIndex(text, i) >= floor {
		return runeIndex(text, i) + 2
	}
	for i := n - 1; i >= floor; i-- {
		if window[i] == '.' || window[i] == '!' || window[i] == '?' {
			return i + 1
		}
	}
	for i := n - 1; i >= floor; i-- {
		if window[i] == ' ' || window[i] == '\n' || window[i] == '\t' {
			return i + 1
		}
	}
	return n
}

// runeIndex converts a byte offset into a rune offset.
func runeIndex(s string, byteOffset int) int {
	return len([]rune(s[:byteOffset]))
}
