package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// BleveKeyword implements KeywordBackend on top of Bleve v2 with BM25
// scoring. Chunk fields are stored so that prior content can be fetched
// back out for change analysis.
type BleveKeyword struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

var _ KeywordBackend = (*BleveKeyword)(nil)

// bleveChunk is the document shape handed to Bleve.
type bleveChunk struct {
	DocID       string `json:"doc_id"`
	ChunkIndex  int    `json:"chunk_index"`
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
}

// validateIndexIntegrity checks a Bleve index directory before opening.
// Returns nil if the index is valid or absent.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}

	return nil
}

// isCorruptionError checks if an error indicates Bleve index corruption.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		strings.Contains(errStr, "no such file or directory") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// NewBleveKeyword opens or creates a keyword index at path.
// If path is empty, an in-memory index is created (used in tests).
// Corrupted on-disk indexes are cleared and recreated; callers should
// run a consistency repair afterwards to reindex.
func NewBleveKeyword(path string) (*BleveKeyword, error) {
	indexMapping := createChunkMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			slog.Warn("keyword_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("keyword index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			slog.Info("keyword_index_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, repair required"))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isCorruptionError(err) {
			slog.Warn("keyword_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))

			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("keyword index corrupted, cannot clear: %w (original: %v)", removeErr, err)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open keyword index: %w", err)
	}

	return &BleveKeyword{index: idx, path: path}, nil
}

// createChunkMapping builds the field mapping: content is analyzed for
// full-text search, doc_id and content_hash are exact-match keywords,
// and every field is stored for retrieval.
func createChunkMapping() *mapping.IndexMappingImpl {
	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = standard.Name
	contentField.Store = true

	docIDField := bleve.NewTextFieldMapping()
	docIDField.Analyzer = keyword.Name
	docIDField.Store = true

	hashField := bleve.NewTextFieldMapping()
	hashField.Analyzer = keyword.Name
	hashField.Store = true
	hashField.Index = false

	indexField := bleve.NewNumericFieldMapping()
	indexField.Store = true

	chunkMapping := bleve.NewDocumentMapping()
	chunkMapping.AddFieldMappingsAt("content", contentField)
	chunkMapping.AddFieldMappingsAt("doc_id", docIDField)
	chunkMapping.AddFieldMappingsAt("content_hash", hashField)
	chunkMapping.AddFieldMappingsAt("chunk_index", indexField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = chunkMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// Index upserts chunks into the keyword index in a single batch.
func (b *BleveKeyword) Index(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("keyword index is closed")
	}

	batch := b.index.NewBatch()
	for _, c := range chunks {
		doc := bleveChunk{
			DocID:       c.DocID,
			ChunkIndex:  c.ChunkIndex,
			Content:     c.Content,
			ContentHash: c.ContentHash,
		}
		if err := batch.Index(c.NodeID, doc); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", c.NodeID, err)
		}
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}

	return nil
}

// Query returns the top-k chunks matching text.
func (b *BleveKeyword) Query(ctx context.Context, text string, k int) ([]*ScoredNode, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("keyword index is closed")
	}

	if strings.TrimSpace(text) == "" {
		return []*ScoredNode{}, nil
	}

	matchQuery := bleve.NewMatchQuery(text)
	matchQuery.SetField("content")

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = k
	req.Fields = []string{"doc_id", "chunk_index", "content"}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}

	nodes := make([]*ScoredNode, 0, len(result.Hits))
	for _, hit := range result.Hits {
		nodes = append(nodes, &ScoredNode{
			NodeID:     hit.ID,
			DocID:      fieldString(hit.Fields, "doc_id"),
			ChunkIndex: fieldInt(hit.Fields, "chunk_index"),
			Score:      hit.Score,
			Content:    fieldString(hit.Fields, "content"),
		})
	}

	return nodes, nil
}

// Delete removes nodes by ID.
func (b *BleveKeyword) Delete(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("keyword index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range nodeIDs {
		batch.Delete(id)
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	return nil
}

// DeleteDoc removes every chunk belonging to docID.
func (b *BleveKeyword) DeleteDoc(ctx context.Context, docID string) error {
	chunks, err := b.FetchDoc(ctx, docID)
	if err != nil {
		return err
	}

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.NodeID
	}
	return b.Delete(ctx, ids)
}

// FetchDoc returns the stored chunks for docID ordered by chunk index.
func (b *BleveKeyword) FetchDoc(ctx context.Context, docID string) ([]*Chunk, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("keyword index is closed")
	}

	termQuery := bleve.NewTermQuery(docID)
	termQuery.SetField("doc_id")

	docCount, _ := b.index.DocCount()
	req := bleve.NewSearchRequest(termQuery)
	req.Size = int(docCount) + 1
	req.Fields = []string{"doc_id", "chunk_index", "content", "content_hash"}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunks for %s: %w", docID, err)
	}

	chunks := make([]*Chunk, 0, len(result.Hits))
	for _, hit := range result.Hits {
		chunks = append(chunks, &Chunk{
			NodeID:      hit.ID,
			DocID:       fieldString(hit.Fields, "doc_id"),
			ChunkIndex:  fieldInt(hit.Fields, "chunk_index"),
			Content:     fieldString(hit.Fields, "content"),
			ContentHash: fieldString(hit.Fields, "content_hash"),
		})
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})

	return chunks, nil
}

// AllIDs returns all node IDs in the index.
// Used for consistency checking between backends.
func (b *BleveKeyword) AllIDs() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("keyword index is closed")
	}

	query := bleve.NewMatchAllQuery()
	docCount, _ := b.index.DocCount()

	req := bleve.NewSearchRequest(query)
	req.Size = int(docCount)
	req.Fields = []string{}

	result, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search for all IDs: %w", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}

	return ids, nil
}

// Count returns the number of indexed chunks.
func (b *BleveKeyword) Count() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, fmt.Errorf("keyword index is closed")
	}

	n, err := b.index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return int(n), nil
}

// Close closes the index.
func (b *BleveKeyword) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func fieldString(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}

func fieldInt(fields map[string]interface{}, name string) int {
	if v, ok := fields[name].(float64); ok {
		return int(v)
	}
	return 0
}
