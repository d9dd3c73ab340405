package index

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/lodestone-search/lodestone/internal/registry"
	"github.com/lodestone-search/lodestone/internal/store"
)

// BackendDiff captures disagreement between the registry and one backend.
type BackendDiff struct {
	// Missing nodes are registered but absent from the backend.
	Missing []string
	// Orphaned nodes exist in the backend with no registry entry.
	Orphaned []string
}

// Report is the result of a consistency verification pass.
type Report struct {
	Score            int // 0 (broken) to 100 (fully consistent)
	InconsistentDocs []string
	Vector           BackendDiff
	Keyword          BackendDiff
	OrphanedEntries  int // Registry entries whose document is gone
	CheckedAt        time.Time
}

// Consistent reports whether no divergence was found.
func (r *Report) Consistent() bool {
	return r.Score == 100
}

// RepairResult summarizes what a repair pass changed.
type RepairResult struct {
	OrphanedNodesRemoved   int
	OrphanedEntriesRemoved int
	DocsMarkedStale        int
}

// VerifyConsistency diffs the registry's view of each backend against the
// backend's actual contents. It never mutates anything; Repair acts on
// the report.
func (m *Manager) VerifyConsistency(ctx context.Context) (*Report, error) {
	report := &Report{CheckedAt: time.Now().UTC()}

	vecDiff, vecDocs, err := m.diffVector(ctx)
	if err != nil {
		return nil, err
	}
	report.Vector = vecDiff

	kwDiff, kwDocs, err := m.diffKeyword(ctx)
	if err != nil {
		return nil, err
	}
	report.Keyword = kwDiff

	// Documents whose indexed flags disagree with their entries.
	flagged, err := m.registry.ListInconsistentDocuments(ctx)
	if err != nil {
		return nil, err
	}

	docSet := make(map[string]struct{})
	for _, d := range flagged {
		docSet[d.DocID] = struct{}{}
	}
	for doc := range vecDocs {
		docSet[doc] = struct{}{}
	}
	for doc := range kwDocs {
		docSet[doc] = struct{}{}
	}
	for doc := range docSet {
		report.InconsistentDocs = append(report.InconsistentDocs, doc)
	}
	sort.Strings(report.InconsistentDocs)

	orphanedEntries, err := m.registry.ListOrphanedEntries(ctx)
	if err != nil {
		return nil, err
	}
	report.OrphanedEntries = len(orphanedEntries)

	issues := len(report.InconsistentDocs) +
		len(report.Vector.Orphaned) + len(report.Keyword.Orphaned) +
		report.OrphanedEntries
	report.Score = 100 - 10*issues
	if report.Score < 0 {
		report.Score = 0
	}

	m.log.Info("consistency verified",
		slog.Int("score", report.Score),
		slog.Int("inconsistent_docs", len(report.InconsistentDocs)),
		slog.Int("orphaned_vector_nodes", len(report.Vector.Orphaned)),
		slog.Int("orphaned_keyword_nodes", len(report.Keyword.Orphaned)),
		slog.Int("orphaned_entries", report.OrphanedEntries))
	return report, nil
}

// Repair removes orphaned backend nodes and registry entries, and marks
// every inconsistent document stale so ingestion re-indexes it.
func (m *Manager) Repair(ctx context.Context) (*RepairResult, error) {
	report, err := m.VerifyConsistency(ctx)
	if err != nil {
		return nil, err
	}

	result := &RepairResult{}

	if len(report.Vector.Orphaned) > 0 {
		if err := m.vector.Delete(ctx, report.Vector.Orphaned); err != nil {
			return nil, err
		}
		result.OrphanedNodesRemoved += len(report.Vector.Orphaned)
	}
	if len(report.Keyword.Orphaned) > 0 {
		if err := m.keyword.Delete(ctx, report.Keyword.Orphaned); err != nil {
			return nil, err
		}
		result.OrphanedNodesRemoved += len(report.Keyword.Orphaned)
	}

	// Orphaned entries still name live backend nodes; drop those nodes
	// first so a single repair pass converges.
	stranded, err := m.registry.ListOrphanedEntries(ctx)
	if err != nil {
		return nil, err
	}
	var strandedVec, strandedKw []string
	for _, e := range stranded {
		switch e.IndexType {
		case store.IndexVector:
			strandedVec = append(strandedVec, e.NodeID)
		case store.IndexKeyword:
			strandedKw = append(strandedKw, e.NodeID)
		}
	}
	if len(strandedVec) > 0 {
		if err := m.vector.Delete(ctx, strandedVec); err != nil {
			return nil, err
		}
	}
	if len(strandedKw) > 0 {
		if err := m.keyword.Delete(ctx, strandedKw); err != nil {
			return nil, err
		}
	}

	removed, err := m.registry.DeleteOrphanedEntries(ctx)
	if err != nil {
		return nil, err
	}
	result.OrphanedEntriesRemoved = removed

	for _, docID := range report.InconsistentDocs {
		if err := m.registry.UpdateState(ctx, docID, registry.StateStale, ""); err != nil {
			m.log.Warn("failed to mark document stale during repair",
				slog.String("doc_id", docID),
				slog.String("error", err.Error()))
			continue
		}
		result.DocsMarkedStale++
	}

	m.persistVectors()

	m.log.Info("repair complete",
		slog.Int("orphaned_nodes_removed", result.OrphanedNodesRemoved),
		slog.Int("orphaned_entries_removed", result.OrphanedEntriesRemoved),
		slog.Int("docs_marked_stale", result.DocsMarkedStale))
	return result, nil
}

// diffVector compares registered vector nodes against the vector store.
// Returns the diff and the set of doc IDs owning missing nodes.
func (m *Manager) diffVector(ctx context.Context) (BackendDiff, map[string]struct{}, error) {
	registered, err := m.registry.AllNodeIDs(ctx, store.IndexVector)
	if err != nil {
		return BackendDiff{}, nil, err
	}

	var diff BackendDiff
	docs := make(map[string]struct{})
	for nodeID, docID := range registered {
		if !m.vector.Contains(nodeID) {
			diff.Missing = append(diff.Missing, nodeID)
			docs[docID] = struct{}{}
		}
	}
	for _, id := range m.vector.AllIDs() {
		if _, ok := registered[id]; !ok {
			diff.Orphaned = append(diff.Orphaned, id)
		}
	}
	sort.Strings(diff.Missing)
	sort.Strings(diff.Orphaned)
	return diff, docs, nil
}

// diffKeyword compares registered keyword nodes against the keyword index.
func (m *Manager) diffKeyword(ctx context.Context) (BackendDiff, map[string]struct{}, error) {
	registered, err := m.registry.AllNodeIDs(ctx, store.IndexKeyword)
	if err != nil {
		return BackendDiff{}, nil, err
	}

	present, err := m.keyword.AllIDs()
	if err != nil {
		return BackendDiff{}, nil, err
	}
	presentSet := make(map[string]struct{}, len(present))
	for _, id := range present {
		presentSet[id] = struct{}{}
	}

	var diff BackendDiff
	docs := make(map[string]struct{})
	for nodeID, docID := range registered {
		if _, ok := presentSet[nodeID]; !ok {
			diff.Missing = append(diff.Missing, nodeID)
			docs[docID] = struct{}{}
		}
	}
	for _, id := range present {
		if _, ok := registered[id]; !ok {
			diff.Orphaned = append(diff.Orphaned, id)
		}
	}
	sort.Strings(diff.Missing)
	sort.Strings(diff.Orphaned)
	return diff, docs, nil
}
