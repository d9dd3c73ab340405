package index

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/registry"
	"github.com/lodestone-search/lodestone/internal/store"
)

// Default fusion weights. Vector similarity carries more weight because
// paraphrased queries rarely share exact terms with the document text.
const (
	DefaultVectorWeight  = 0.7
	DefaultKeywordWeight = 0.3

	// candidateMultiplier is how many candidates each backend returns
	// relative to the requested k, so fusion has enough overlap to rank.
	candidateMultiplier = 2
)

// SearchOptions configures a hybrid search.
type SearchOptions struct {
	K             int
	VectorWeight  float64
	KeywordWeight float64
}

// FusedNode is a single hybrid search hit. VectorScore and KeywordScore
// are the normalized per-backend contributions before weighting.
type FusedNode struct {
	NodeID       string
	DocID        string
	ChunkIndex   int
	Content      string
	Score        float64
	VectorScore  float64
	KeywordScore float64
	InBoth       bool
}

// SearchKeyword queries only the keyword backend.
func (m *Manager) SearchKeyword(ctx context.Context, query string, k int) ([]*store.ScoredNode, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.New(apperrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	if k <= 0 {
		k = 10
	}
	results, err := m.keyword.Query(ctx, query, k)
	if err != nil {
		return nil, err
	}
	return m.filterCorrupted(ctx, results), nil
}

// SearchVector embeds the query and searches only the vector backend.
func (m *Manager) SearchVector(ctx context.Context, query string, k int) ([]*store.ScoredNode, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.New(apperrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	if k <= 0 {
		k = 10
	}
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeEmbedFailed, "query embedding failed", err)
	}
	results, err := m.vector.Query(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	return m.filterCorrupted(ctx, results), nil
}

// HybridSearch runs both backends concurrently, normalizes each result
// list independently, and merges by weighted score sum. A single backend
// failure degrades to the other's results; both failing is an error.
// Chunks of corrupted documents are excluded until reprocessing restores
// the document.
//
// Ties after weighting keep each node's original retrieval order, so
// repeated queries over an unchanged index return a stable ranking.
func (m *Manager) HybridSearch(ctx context.Context, query string, opts SearchOptions) ([]*FusedNode, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.New(apperrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	opts, err := applySearchDefaults(opts)
	if err != nil {
		return nil, err
	}

	candidates := opts.K * candidateMultiplier

	var vecResults, kwResults []*store.ScoredNode
	var vecErr, kwErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := m.embedder.Embed(gctx, query)
		if err != nil {
			vecErr = err
			return nil
		}
		vecResults, vecErr = m.vector.Query(gctx, vec, candidates)
		return nil
	})
	g.Go(func() error {
		kwResults, kwErr = m.keyword.Query(gctx, query, candidates)
		return nil
	})
	if waitErr := g.Wait(); waitErr != nil {
		return nil, waitErr
	}

	if vecErr != nil && kwErr != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage,
			"both backends failed", errors.Join(vecErr, kwErr))
	}
	if vecErr != nil {
		m.log.Warn("vector search failed, degrading to keyword only",
			slog.String("error", vecErr.Error()))
	}
	if kwErr != nil {
		m.log.Warn("keyword search failed, degrading to vector only",
			slog.String("error", kwErr.Error()))
	}

	fused := fuse(vecResults, kwResults, opts.VectorWeight, opts.KeywordWeight)
	m.hydrate(ctx, fused)
	fused = m.dropCorrupted(ctx, fused)
	if len(fused) > opts.K {
		fused = fused[:opts.K]
	}
	return fused, nil
}

// applySearchDefaults validates options and fills defaults. Weights must
// be non-negative and sum to a positive value.
func applySearchDefaults(opts SearchOptions) (SearchOptions, error) {
	if opts.K <= 0 {
		opts.K = 10
	}
	if opts.VectorWeight == 0 && opts.KeywordWeight == 0 {
		opts.VectorWeight = DefaultVectorWeight
		opts.KeywordWeight = DefaultKeywordWeight
	}
	if opts.VectorWeight < 0 || opts.KeywordWeight < 0 {
		return opts, apperrors.New(apperrors.ErrCodeInvalidWeights, "weights must be non-negative", nil)
	}
	if opts.VectorWeight+opts.KeywordWeight <= 0 {
		return opts, apperrors.New(apperrors.ErrCodeInvalidWeights, "weights must sum to a positive value", nil)
	}
	return opts, nil
}

// fuse merges the two result lists by weighted sum of independently
// min-max normalized scores. Nodes present in both lists accumulate both
// contributions. Sorting is by fused score descending with original
// retrieval order as the tiebreak.
func fuse(vec, kw []*store.ScoredNode, vectorWeight, keywordWeight float64) []*FusedNode {
	if len(vec) == 0 && len(kw) == 0 {
		return []*FusedNode{}
	}

	vecNorm := normalizeScores(vec)
	kwNorm := normalizeScores(kw)

	type fusedEntry struct {
		node *FusedNode
		seq  int
	}
	merged := make(map[string]*fusedEntry, len(vec)+len(kw))
	seq := 0

	for i, r := range vec {
		merged[r.NodeID] = &fusedEntry{
			node: &FusedNode{
				NodeID:      r.NodeID,
				DocID:       r.DocID,
				ChunkIndex:  r.ChunkIndex,
				Content:     r.Content,
				VectorScore: vecNorm[i],
				Score:       vectorWeight * vecNorm[i],
			},
			seq: seq,
		}
		seq++
	}

	for i, r := range kw {
		if e, ok := merged[r.NodeID]; ok {
			e.node.KeywordScore = kwNorm[i]
			e.node.Score += keywordWeight * kwNorm[i]
			e.node.InBoth = true
			if e.node.Content == "" {
				e.node.Content = r.Content
			}
			if e.node.DocID == "" {
				e.node.DocID = r.DocID
				e.node.ChunkIndex = r.ChunkIndex
			}
			continue
		}
		merged[r.NodeID] = &fusedEntry{
			node: &FusedNode{
				NodeID:       r.NodeID,
				DocID:        r.DocID,
				ChunkIndex:   r.ChunkIndex,
				Content:      r.Content,
				KeywordScore: kwNorm[i],
				Score:        keywordWeight * kwNorm[i],
			},
			seq: seq,
		}
		seq++
	}

	entries := make([]*fusedEntry, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].node.Score != entries[j].node.Score {
			return entries[i].node.Score > entries[j].node.Score
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]*FusedNode, len(entries))
	for i, e := range entries {
		out[i] = e.node
	}
	return out
}

// normalizeScores min-max normalizes a result list into [0, 1]. When all
// scores are equal, every score becomes 1.0 when positive and 0.0
// otherwise, so a flat list of real matches still contributes.
func normalizeScores(results []*store.ScoredNode) []float64 {
	if len(results) == 0 {
		return nil
	}

	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}

	norm := make([]float64, len(results))
	if hi == lo {
		v := 0.0
		if hi > 0 {
			v = 1.0
		}
		for i := range norm {
			norm[i] = v
		}
		return norm
	}
	for i, r := range results {
		norm[i] = (r.Score - lo) / (hi - lo)
	}
	return norm
}

// hydrate fills in doc ID and chunk index for vector-only hits from the
// registry. Lookup failures leave the hit as-is; the node ID is still
// actionable.
func (m *Manager) hydrate(ctx context.Context, nodes []*FusedNode) {
	for _, n := range nodes {
		if n.DocID != "" {
			continue
		}
		entry, err := m.registry.GetEntryByNodeID(ctx, n.NodeID, store.IndexVector)
		if err != nil || entry == nil {
			continue
		}
		n.DocID = entry.DocID
		n.ChunkIndex = entry.ChunkIndex
	}
}

// servable reports whether docID's chunks may appear in search results.
// A document marked corrupted has a partial index write behind it, so
// its hits stay out until reprocessing restores it. Unknown documents
// and registry read errors do not suppress hits; the per-call states map
// caches one registry lookup per document.
func (m *Manager) servable(ctx context.Context, states map[string]bool, docID string) bool {
	if docID == "" {
		return true
	}
	if ok, seen := states[docID]; seen {
		return ok
	}
	rec, err := m.registry.Get(ctx, docID)
	ok := err != nil || rec == nil || rec.State != registry.StateCorrupted
	states[docID] = ok
	return ok
}

// filterCorrupted drops single-backend hits owned by corrupted documents.
// Vector hits carry no doc ID, so ownership is resolved through the
// registry's node entries first.
func (m *Manager) filterCorrupted(ctx context.Context, results []*store.ScoredNode) []*store.ScoredNode {
	states := make(map[string]bool)
	out := results[:0]
	for _, r := range results {
		docID := r.DocID
		if docID == "" {
			if entry, err := m.registry.GetEntryByNodeID(ctx, r.NodeID, store.IndexVector); err == nil && entry != nil {
				docID = entry.DocID
			}
		}
		if m.servable(ctx, states, docID) {
			out = append(out, r)
		}
	}
	return out
}

// dropCorrupted removes fused hits owned by corrupted documents. Runs
// after hydrate so vector-only hits already carry their doc ID.
func (m *Manager) dropCorrupted(ctx context.Context, nodes []*FusedNode) []*FusedNode {
	states := make(map[string]bool)
	out := nodes[:0]
	for _, n := range nodes {
		if m.servable(ctx, states, n.DocID) {
			out = append(out, n)
		}
	}
	return out
}
