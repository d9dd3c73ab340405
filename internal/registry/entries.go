package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	apperrors "github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/store"
)

// RegisterIndexEntry upserts one chunk's presence in one backend.
// chunk_index is unique per (doc_id, index_type); re-registering a
// position replaces the previous node.
func (r *Registry) RegisterIndexEntry(ctx context.Context, e *IndexEntry) error {
	if e.DocID == "" || e.NodeID == "" {
		return apperrors.ValidationError("index entry requires doc_id and node_id", nil)
	}
	if e.IndexType != store.IndexVector && e.IndexType != store.IndexKeyword {
		return apperrors.ValidationError("index entry must target a single backend", nil)
	}

	now := time.Now().UTC().UnixNano()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO index_entries (doc_id, index_type, node_id, chunk_index, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id, index_type, chunk_index) DO UPDATE SET
			node_id = excluded.node_id,
			content_hash = excluded.content_hash,
			created_at = excluded.created_at`,
		e.DocID, e.IndexType.String(), e.NodeID, e.ChunkIndex, e.ContentHash, now)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexStorage, "failed to register index entry", err)
	}
	return nil
}

// GetIndexEntries returns entries for docID, optionally filtered to the
// backends selected by it, ordered by chunk index.
func (r *Registry) GetIndexEntries(ctx context.Context, docID string, it store.IndexTypes) ([]*IndexEntry, error) {
	query := `SELECT doc_id, index_type, node_id, chunk_index, content_hash, created_at
		FROM index_entries WHERE doc_id = ?`
	args := []any{docID}

	switch it {
	case store.IndexVector, store.IndexKeyword:
		query += ` AND index_type = ?`
		args = append(args, it.String())
	}
	query += ` ORDER BY index_type, chunk_index`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to query index entries", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetEntryByNodeID returns the entry owning nodeID in the given backend,
// or nil when no backend entry claims it.
func (r *Registry) GetEntryByNodeID(ctx context.Context, nodeID string, it store.IndexTypes) (*IndexEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT doc_id, index_type, node_id, chunk_index, content_hash, created_at
		FROM index_entries WHERE node_id = ? AND index_type = ? LIMIT 1`,
		nodeID, it.String())
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to query index entry", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// RemoveIndexEntries deletes entries for docID in the selected backends
// and returns how many were removed.
func (r *Registry) RemoveIndexEntries(ctx context.Context, docID string, it store.IndexTypes) (int, error) {
	query := `DELETE FROM index_entries WHERE doc_id = ?`
	args := []any{docID}

	switch it {
	case store.IndexVector, store.IndexKeyword:
		query += ` AND index_type = ?`
		args = append(args, it.String())
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to remove index entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RemoveEntriesFrom deletes entries for docID at chunk_index >= from in
// the selected backend. Used when a document shrinks and its trailing
// positions disappear.
func (r *Registry) RemoveEntriesFrom(ctx context.Context, docID string, it store.IndexTypes, from int) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM index_entries WHERE doc_id = ? AND index_type = ? AND chunk_index >= ?`,
		docID, it.String(), from)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to remove index entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AllNodeIDs returns every node ID registered for one backend, mapped to
// its owning doc ID. Used by consistency verification to diff the registry
// against backend contents.
func (r *Registry) AllNodeIDs(ctx context.Context, it store.IndexTypes) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT node_id, doc_id FROM index_entries WHERE index_type = ?`, it.String())
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to list node ids", err)
	}
	defer rows.Close()

	ids := make(map[string]string)
	for rows.Next() {
		var nodeID, docID string
		if err := rows.Scan(&nodeID, &docID); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to scan node id", err)
		}
		ids[nodeID] = docID
	}
	return ids, rows.Err()
}

// ListInconsistentDocuments scans for documents whose indexed flags claim
// backend content that has no matching index entries. Full scan usable for
// periodic repair.
func (r *Registry) ListInconsistentDocuments(ctx context.Context) ([]*DocumentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+docColumns+` FROM documents d
		WHERE (d.vector_indexed = 1 AND NOT EXISTS (
			SELECT 1 FROM index_entries e
			WHERE e.doc_id = d.doc_id AND e.index_type = 'vector'))
		   OR (d.keyword_indexed = 1 AND NOT EXISTS (
			SELECT 1 FROM index_entries e
			WHERE e.doc_id = d.doc_id AND e.index_type = 'keyword'))
		ORDER BY d.source`)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to scan for inconsistent documents", err)
	}
	defer rows.Close()

	return scanDocs(rows)
}

// ListOrphanedEntries scans for index entries whose document record no
// longer exists.
func (r *Registry) ListOrphanedEntries(ctx context.Context) ([]*IndexEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.doc_id, e.index_type, e.node_id, e.chunk_index, e.content_hash, e.created_at
		FROM index_entries e
		WHERE NOT EXISTS (SELECT 1 FROM documents d WHERE d.doc_id = e.doc_id)
		ORDER BY e.doc_id, e.index_type, e.chunk_index`)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to scan for orphaned entries", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteOrphanedEntries removes every orphaned entry and returns the count.
func (r *Registry) DeleteOrphanedEntries(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM index_entries
		WHERE NOT EXISTS (SELECT 1 FROM documents d WHERE d.doc_id = index_entries.doc_id)`)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to delete orphaned entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountEntries returns the number of entries per backend.
func (r *Registry) CountEntries(ctx context.Context, it store.IndexTypes) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM index_entries WHERE index_type = ?`, it.String()).Scan(&n)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to count index entries", err)
	}
	return n, nil
}

// GetStatistics returns document counts by state, entry counts by backend,
// the inconsistency scan results, and a derived health score. A perfectly
// consistent registry scores 100; each inconsistent document or orphaned
// entry costs 10 points, floored at 0.
func (r *Registry) GetStatistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		ByState:       make(map[DocState]int),
		EntriesByType: make(map[string]int),
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM documents GROUP BY state`)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to count documents", err)
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to scan state counts", err)
		}
		stats.ByState[DocState(state)] = n
		stats.TotalDocuments += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed reading state counts", err)
	}

	rows, err = r.db.QueryContext(ctx,
		`SELECT index_type, COUNT(*) FROM index_entries GROUP BY index_type`)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to count entries", err)
	}
	for rows.Next() {
		var it string
		var n int
		if err := rows.Scan(&it, &n); err != nil {
			rows.Close()
			return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to scan entry counts", err)
		}
		stats.EntriesByType[it] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed reading entry counts", err)
	}

	inconsistent, err := r.ListInconsistentDocuments(ctx)
	if err != nil {
		return nil, err
	}
	orphaned, err := r.ListOrphanedEntries(ctx)
	if err != nil {
		return nil, err
	}

	stats.InconsistentDocs = len(inconsistent)
	stats.OrphanedEntries = len(orphaned)
	stats.HealthScore = healthScore(len(inconsistent), len(orphaned))
	return stats, nil
}

// healthScore derives the 0..100 registry health metric.
func healthScore(inconsistent, orphaned int) int {
	score := 100 - 10*(inconsistent+orphaned)
	if score < 0 {
		score = 0
	}
	return score
}

func scanEntries(rows *sql.Rows) ([]*IndexEntry, error) {
	var entries []*IndexEntry
	for rows.Next() {
		var e IndexEntry
		var itStr string
		var created int64
		if err := rows.Scan(&e.DocID, &itStr, &e.NodeID, &e.ChunkIndex, &e.ContentHash, &created); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to scan index entry", err)
		}
		it, err := store.ParseIndexTypes(itStr)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to parse index type", err)
		}
		e.IndexType = it
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed reading index entries", err)
	}
	return entries, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
