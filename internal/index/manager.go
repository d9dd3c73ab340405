// Package index coordinates writes and reads across the two retrieval
// backends, keeping the document registry in agreement with what each
// backend actually holds. All write paths are idempotent: replaying an
// add or remove after a crash converges on the same state.
package index

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lodestone-search/lodestone/internal/embed"
	apperrors "github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/registry"
	"github.com/lodestone-search/lodestone/internal/store"
)

// Manager routes index mutations to the vector and keyword backends and
// records the outcome per backend in the registry.
type Manager struct {
	keyword  store.KeywordBackend
	vector   store.VectorBackend
	registry *registry.Registry
	embedder embed.Embedder
	log      *slog.Logger

	// vectorPath, when set, is where the vector store persists after
	// mutations.
	vectorPath string
}

// Option configures a Manager.
type Option func(*Manager)

// WithVectorPath enables vector store persistence after each mutation.
func WithVectorPath(path string) Option {
	return func(m *Manager) { m.vectorPath = path }
}

// NewManager creates an index manager over the given backends.
func NewManager(keyword store.KeywordBackend, vector store.VectorBackend, reg *registry.Registry, embedder embed.Embedder, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		keyword:  keyword,
		vector:   vector,
		registry: reg,
		embedder: embedder,
		log:      log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add indexes chunks for docID into the selected backends. Each backend
// succeeds or fails independently; success is recorded per backend in the
// registry. When some but not all requested backends succeed the document
// is marked corrupted and a corruption error is returned so the caller
// can schedule repair.
func (m *Manager) Add(ctx context.Context, docID string, chunks []*store.Chunk, types store.IndexTypes) error {
	if docID == "" {
		return apperrors.ValidationError("doc id is required", nil)
	}
	if len(chunks) == 0 {
		return apperrors.ValidationError("no chunks to index", nil)
	}
	return m.addChunks(ctx, docID, chunks, types, len(chunks))
}

// addChunks writes chunks to the selected backends and records the
// outcome. total is the document's full chunk count, which may exceed
// len(chunks) on an incremental write.
func (m *Manager) addChunks(ctx context.Context, docID string, chunks []*store.Chunk, types store.IndexTypes, total int) error {
	var vectorErr, keywordErr error
	var attempted, succeeded int

	if types.Has(store.IndexVector) {
		attempted++
		vectorErr = m.addVector(ctx, chunks)
		if vectorErr == nil {
			succeeded++
			if err := m.recordEntries(ctx, docID, chunks, store.IndexVector); err != nil {
				return err
			}
		}
	}

	if types.Has(store.IndexKeyword) {
		attempted++
		keywordErr = m.keyword.Index(ctx, chunks)
		if keywordErr == nil {
			succeeded++
			if err := m.recordEntries(ctx, docID, chunks, store.IndexKeyword); err != nil {
				return err
			}
		}
	}

	if attempted == 0 {
		return apperrors.ValidationError("no backends selected", nil)
	}

	switch {
	case succeeded == attempted:
		// Full success.
	case succeeded == 0:
		// Nothing was written; the document keeps its previous state and
		// the job layer decides whether to retry.
		return combineBackendErrors(vectorErr, keywordErr)
	default:
		// Partial write. The document is neither fully indexed nor
		// cleanly absent.
		cause := vectorErr
		if cause == nil {
			cause = keywordErr
		}
		if err := m.registry.UpdateState(ctx, docID, registry.StateCorrupted, cause.Error()); err != nil {
			m.log.Error("failed to mark document corrupted",
				slog.String("doc_id", docID),
				slog.String("error", err.Error()))
		}
		return apperrors.CorruptionError(
			fmt.Sprintf("partial index write for document %s", docID), cause)
	}

	types.Each(func(it store.IndexTypes) {
		if err := m.registry.MarkIndexed(ctx, docID, it, total); err != nil {
			m.log.Error("failed to mark document indexed",
				slog.String("doc_id", docID),
				slog.String("index_type", it.String()),
				slog.String("error", err.Error()))
		}
	})

	m.persistVectors()

	m.log.Debug("document indexed",
		slog.String("doc_id", docID),
		slog.Int("chunks", len(chunks)),
		slog.String("index_types", types.String()))
	return nil
}

// Update re-indexes docID by removing its existing nodes and adding the
// new chunks. Stale nodes never survive an update.
func (m *Manager) Update(ctx context.Context, docID string, chunks []*store.Chunk, types store.IndexTypes) error {
	if err := m.Remove(ctx, docID, types); err != nil {
		return err
	}
	return m.Add(ctx, docID, chunks, types)
}

// Reconcile brings docID's indexed nodes in line with chunks while
// touching only positions whose content actually changed: new and
// modified chunks are re-indexed, trailing positions beyond the new
// chunk count are deleted, everything else is left alone. Chunk node IDs
// are position-derived so an unchanged position keeps its node.
func (m *Manager) Reconcile(ctx context.Context, docID string, chunks []*store.Chunk, types store.IndexTypes) error {
	if docID == "" {
		return apperrors.ValidationError("doc id is required", nil)
	}
	if len(chunks) == 0 {
		return m.Remove(ctx, docID, types)
	}

	total := len(chunks)
	dirty := make(map[int]*store.Chunk)
	var firstErr error

	types.Each(func(it store.IndexTypes) {
		if firstErr != nil {
			return
		}
		entries, err := m.registry.GetIndexEntries(ctx, docID, it)
		if err != nil {
			firstErr = err
			return
		}
		byIndex := make(map[int]*registry.IndexEntry, len(entries))
		for _, e := range entries {
			byIndex[e.ChunkIndex] = e
		}

		for _, c := range chunks {
			if e, ok := byIndex[c.ChunkIndex]; !ok || e.ContentHash != c.ContentHash {
				dirty[c.ChunkIndex] = c
			}
		}

		// Trailing positions the new version no longer has.
		var stale []string
		for idx, e := range byIndex {
			if idx >= total {
				stale = append(stale, e.NodeID)
			}
		}
		if len(stale) > 0 {
			switch it {
			case store.IndexVector:
				err = m.vector.Delete(ctx, stale)
			case store.IndexKeyword:
				err = m.keyword.Delete(ctx, stale)
			}
			if err != nil {
				firstErr = apperrors.New(apperrors.ErrCodeIndexStorage,
					fmt.Sprintf("failed to delete stale %s nodes for document %s", it, docID), err)
				return
			}
			if _, err := m.registry.RemoveEntriesFrom(ctx, docID, it, total); err != nil {
				firstErr = err
			}
		}
	})
	if firstErr != nil {
		return firstErr
	}

	if len(dirty) == 0 {
		// Nothing to rewrite; refresh the recorded chunk count.
		types.Each(func(it store.IndexTypes) {
			if err := m.registry.MarkIndexed(ctx, docID, it, total); err != nil && firstErr == nil {
				firstErr = err
			}
		})
		if firstErr == nil {
			m.persistVectors()
		}
		return firstErr
	}

	changed := make([]*store.Chunk, 0, len(dirty))
	for _, c := range chunks {
		if _, ok := dirty[c.ChunkIndex]; ok {
			changed = append(changed, c)
		}
	}

	m.log.Debug("incremental reconcile",
		slog.String("doc_id", docID),
		slog.Int("changed_chunks", len(changed)),
		slog.Int("total_chunks", total))
	return m.addChunks(ctx, docID, changed, types, total)
}

// Remove deletes docID's nodes from the selected backends and drops the
// matching registry entries. The document record itself is preserved;
// lifecycle state is the registry's concern. Removing an absent document
// is a no-op.
func (m *Manager) Remove(ctx context.Context, docID string, types store.IndexTypes) error {
	if docID == "" {
		return apperrors.ValidationError("doc id is required", nil)
	}

	var firstErr error
	types.Each(func(it store.IndexTypes) {
		if err := m.removeBackend(ctx, docID, it); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if firstErr != nil {
		return firstErr
	}

	m.persistVectors()
	return nil
}

// FetchDoc returns the stored chunks for docID from the keyword backend,
// ordered by chunk index. Change analysis uses this as the prior-content
// source.
func (m *Manager) FetchDoc(ctx context.Context, docID string) ([]*store.Chunk, error) {
	return m.keyword.FetchDoc(ctx, docID)
}

// addVector embeds chunk contents and upserts them into the vector store.
func (m *Manager) addVector(ctx context.Context, chunks []*store.Chunk) error {
	texts := make([]string, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
		ids[i] = c.NodeID
	}

	vectors, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeEmbedFailed, "embedding failed", err)
	}
	return m.vector.Upsert(ctx, ids, vectors)
}

// removeBackend deletes one backend's nodes for docID using the registry
// as the source of truth for which node IDs exist there.
func (m *Manager) removeBackend(ctx context.Context, docID string, it store.IndexTypes) error {
	entries, err := m.registry.GetIndexEntries(ctx, docID, it)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.NodeID
	}

	switch it {
	case store.IndexVector:
		err = m.vector.Delete(ctx, ids)
	case store.IndexKeyword:
		err = m.keyword.Delete(ctx, ids)
	}
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexStorage,
			fmt.Sprintf("failed to delete %s nodes for document %s", it, docID), err)
	}

	if _, err := m.registry.RemoveIndexEntries(ctx, docID, it); err != nil {
		return err
	}
	if err := m.registry.ClearIndexed(ctx, docID, it); err != nil {
		return err
	}

	m.log.Debug("document removed from backend",
		slog.String("doc_id", docID),
		slog.String("index_type", it.String()),
		slog.Int("nodes", len(ids)))
	return nil
}

// recordEntries registers every chunk's node in the registry for one
// backend.
func (m *Manager) recordEntries(ctx context.Context, docID string, chunks []*store.Chunk, it store.IndexTypes) error {
	for _, c := range chunks {
		entry := &registry.IndexEntry{
			DocID:       docID,
			IndexType:   it,
			NodeID:      c.NodeID,
			ChunkIndex:  c.ChunkIndex,
			ContentHash: c.ContentHash,
		}
		if err := m.registry.RegisterIndexEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// persistVectors saves the vector store when a path is configured. Save
// failures are logged, not returned: the in-memory state is correct and
// the next save retries.
func (m *Manager) persistVectors() {
	if m.vectorPath == "" {
		return
	}
	if err := m.vector.Save(m.vectorPath); err != nil {
		m.log.Warn("vector store save failed",
			slog.String("path", m.vectorPath),
			slog.String("error", err.Error()))
	}
}

// combineBackendErrors joins whichever backend errors are non-nil into a
// single storage error.
func combineBackendErrors(vectorErr, keywordErr error) error {
	switch {
	case vectorErr != nil && keywordErr != nil:
		return apperrors.New(apperrors.ErrCodeIndexStorage,
			fmt.Sprintf("both backends failed: vector: %v; keyword: %v", vectorErr, keywordErr), vectorErr)
	case vectorErr != nil:
		return apperrors.New(apperrors.ErrCodeIndexStorage, "vector backend failed", vectorErr)
	default:
		return apperrors.New(apperrors.ErrCodeIndexStorage, "keyword backend failed", keywordErr)
	}
}
