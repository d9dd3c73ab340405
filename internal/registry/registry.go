// Package registry is the authoritative store for document lifecycle state
// and per-chunk index entries. Backends may lose or duplicate content; the
// registry records what should exist, which makes inconsistency detectable.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	apperrors "github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/store"
)

// DocState is the lifecycle state of a registered document.
type DocState string

const (
	StateNew       DocState = "NEW"
	StateUpdating  DocState = "UPDATING"
	StateIndexed   DocState = "INDEXED"
	StateStale     DocState = "STALE"
	StateCorrupted DocState = "CORRUPTED"
	StateRemoved   DocState = "REMOVED"
)

// DocumentRecord is the registry's view of one document.
type DocumentRecord struct {
	DocID          string
	Source         string
	ContentHash    string
	Size           int64
	ModifiedTime   time.Time
	State          DocState
	VectorIndexed  bool
	KeywordIndexed bool
	ChunkCount     int
	ErrorCount     int
	LastError      string
	Metadata       map[string]string // Opaque, never inspected here
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Indexed reports whether the record claims the given backend is indexed.
func (r *DocumentRecord) Indexed(it store.IndexTypes) bool {
	switch it {
	case store.IndexVector:
		return r.VectorIndexed
	case store.IndexKeyword:
		return r.KeywordIndexed
	case store.IndexBoth:
		return r.VectorIndexed && r.KeywordIndexed
	default:
		return false
	}
}

// IndexEntry records one chunk's presence in one backend.
type IndexEntry struct {
	DocID       string
	IndexType   store.IndexTypes
	NodeID      string
	ChunkIndex  int
	ContentHash string
	CreatedAt   time.Time
}

// Statistics summarizes registry contents and health.
type Statistics struct {
	TotalDocuments   int
	ByState          map[DocState]int
	EntriesByType    map[string]int
	InconsistentDocs int
	OrphanedEntries  int
	HealthScore      int // 0..100
}

// Registry stores documents and index entries in SQLite. Writes to the
// same doc_id are serialized through a per-key lock so normal processing
// racing a repair pass cannot lose updates.
type Registry struct {
	db    *sql.DB
	log   *slog.Logger
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id          TEXT PRIMARY KEY,
	source          TEXT NOT NULL UNIQUE,
	content_hash    TEXT NOT NULL,
	size            INTEGER NOT NULL,
	modified_time   INTEGER NOT NULL,
	state           TEXT NOT NULL,
	vector_indexed  INTEGER NOT NULL DEFAULT 0,
	keyword_indexed INTEGER NOT NULL DEFAULT 0,
	chunk_count     INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_state ON documents(state);

CREATE TABLE IF NOT EXISTS index_entries (
	doc_id       TEXT NOT NULL,
	index_type   TEXT NOT NULL,
	node_id      TEXT NOT NULL,
	chunk_index  INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (doc_id, index_type, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_entries_node ON index_entries(node_id);
`

// New opens (or creates) the registry database at path.
// An empty path uses an in-memory database.
func New(path string, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}

	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}

	return &Registry{
		db:    db,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// lockDoc returns the mutex serializing writes for docID.
func (r *Registry) lockDoc(docID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.locks[docID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[docID] = m
	}
	return m
}

// Register upserts a document keyed by source and returns its doc_id.
// Idempotent: re-registering with an unchanged content_hash only bumps
// updated_at. A changed hash resets the indexed flags and chunk count and
// moves the document to STALE.
func (r *Registry) Register(ctx context.Context, source, contentHash string, size int64, modifiedTime time.Time, metadata map[string]string) (string, error) {
	if source == "" {
		return "", apperrors.ValidationError("source must not be empty", nil)
	}

	existing, err := r.GetBySource(ctx, source)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	metaJSON, err := encodeMetadata(metadata)
	if err != nil {
		return "", apperrors.ValidationError("metadata not encodable", err)
	}

	if existing == nil {
		docID := uuid.NewString()
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO documents (doc_id, source, content_hash, size, modified_time, state,
				vector_indexed, keyword_indexed, chunk_count, error_count, last_error,
				metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, 0, '', ?, ?, ?)`,
			docID, source, contentHash, size, modifiedTime.UTC().UnixNano(),
			string(StateNew), metaJSON, now.UnixNano(), now.UnixNano())
		if err != nil {
			return "", apperrors.New(apperrors.ErrCodeIndexStorage, "failed to register document", err)
		}

		r.log.Debug("document_registered",
			slog.String("doc_id", docID),
			slog.String("source", source))
		return docID, nil
	}

	lock := r.lockDoc(existing.DocID)
	lock.Lock()
	defer lock.Unlock()

	if existing.ContentHash == contentHash {
		// No content change: refresh bookkeeping only.
		_, err := r.db.ExecContext(ctx, `
			UPDATE documents SET size = ?, modified_time = ?, metadata = ?, updated_at = ?
			WHERE doc_id = ?`,
			size, modifiedTime.UTC().UnixNano(), metaJSON, now.UnixNano(), existing.DocID)
		if err != nil {
			return "", apperrors.New(apperrors.ErrCodeIndexStorage, "failed to refresh document", err)
		}
		return existing.DocID, nil
	}

	// Content changed: what the backends hold no longer matches.
	_, err = r.db.ExecContext(ctx, `
		UPDATE documents SET content_hash = ?, size = ?, modified_time = ?, state = ?,
			vector_indexed = 0, keyword_indexed = 0, chunk_count = 0,
			metadata = ?, updated_at = ?
		WHERE doc_id = ?`,
		contentHash, size, modifiedTime.UTC().UnixNano(), string(StateStale),
		metaJSON, now.UnixNano(), existing.DocID)
	if err != nil {
		return "", apperrors.New(apperrors.ErrCodeIndexStorage, "failed to update document", err)
	}

	r.log.Debug("document_stale",
		slog.String("doc_id", existing.DocID),
		slog.String("source", source))
	return existing.DocID, nil
}

// Get returns the document for docID, or nil if absent.
func (r *Registry) Get(ctx context.Context, docID string) (*DocumentRecord, error) {
	return r.queryOne(ctx, `SELECT `+docColumns+` FROM documents WHERE doc_id = ?`, docID)
}

// GetBySource returns the document for source, or nil if absent.
func (r *Registry) GetBySource(ctx context.Context, source string) (*DocumentRecord, error) {
	return r.queryOne(ctx, `SELECT `+docColumns+` FROM documents WHERE source = ?`, source)
}

// UpdateState transitions the document to state. A non-empty errMsg
// increments error_count and records the message.
func (r *Registry) UpdateState(ctx context.Context, docID string, state DocState, errMsg string) error {
	lock := r.lockDoc(docID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC().UnixNano()
	var res sql.Result
	var err error
	if errMsg != "" {
		res, err = r.db.ExecContext(ctx, `
			UPDATE documents SET state = ?, error_count = error_count + 1, last_error = ?, updated_at = ?
			WHERE doc_id = ?`, string(state), errMsg, now, docID)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE documents SET state = ?, updated_at = ? WHERE doc_id = ?`,
			string(state), now, docID)
	}
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexStorage, "failed to update document state", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ValidationError(fmt.Sprintf("document %s not found", docID), nil)
	}
	return nil
}

// MarkIndexed records successful indexing of one backend and, when every
// requested backend has succeeded, is the caller's cue to move the document
// to INDEXED via UpdateState.
func (r *Registry) MarkIndexed(ctx context.Context, docID string, it store.IndexTypes, chunkCount int) error {
	lock := r.lockDoc(docID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC().UnixNano()

	var res sql.Result
	var err error
	switch it {
	case store.IndexVector:
		res, err = r.db.ExecContext(ctx, `
			UPDATE documents SET vector_indexed = 1, chunk_count = ?, updated_at = ? WHERE doc_id = ?`,
			chunkCount, now, docID)
	case store.IndexKeyword:
		res, err = r.db.ExecContext(ctx, `
			UPDATE documents SET keyword_indexed = 1, chunk_count = ?, updated_at = ? WHERE doc_id = ?`,
			chunkCount, now, docID)
	case store.IndexBoth:
		res, err = r.db.ExecContext(ctx, `
			UPDATE documents SET vector_indexed = 1, keyword_indexed = 1, chunk_count = ?, updated_at = ? WHERE doc_id = ?`,
			chunkCount, now, docID)
	default:
		return apperrors.ValidationError(fmt.Sprintf("unknown index type %v", it), nil)
	}
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexStorage, "failed to mark indexed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ValidationError(fmt.Sprintf("document %s not found", docID), nil)
	}
	return nil
}

// ClearIndexed resets the indexed flag for one backend.
func (r *Registry) ClearIndexed(ctx context.Context, docID string, it store.IndexTypes) error {
	lock := r.lockDoc(docID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC().UnixNano()
	var err error
	it.Each(func(single store.IndexTypes) {
		if err != nil {
			return
		}
		col := "vector_indexed"
		if single == store.IndexKeyword {
			col = "keyword_indexed"
		}
		_, err = r.db.ExecContext(ctx,
			`UPDATE documents SET `+col+` = 0, updated_at = ? WHERE doc_id = ?`, now, docID)
	})
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexStorage, "failed to clear indexed flag", err)
	}
	return nil
}

// List returns documents filtered by state; an empty state returns all.
func (r *Registry) List(ctx context.Context, state DocState) ([]*DocumentRecord, error) {
	query := `SELECT ` + docColumns + ` FROM documents ORDER BY source`
	args := []any{}
	if state != "" {
		query = `SELECT ` + docColumns + ` FROM documents WHERE state = ? ORDER BY source`
		args = append(args, string(state))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to list documents", err)
	}
	defer rows.Close()

	return scanDocs(rows)
}

// Delete removes the document row. Index entries for the document should
// be removed first via RemoveIndexEntries.
func (r *Registry) Delete(ctx context.Context, docID string) error {
	lock := r.lockDoc(docID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM documents WHERE doc_id = ?`, docID); err != nil {
		return apperrors.New(apperrors.ErrCodeIndexStorage, "failed to delete document", err)
	}

	r.mu.Lock()
	delete(r.locks, docID)
	r.mu.Unlock()
	return nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

const docColumns = `doc_id, source, content_hash, size, modified_time, state,
	vector_indexed, keyword_indexed, chunk_count, error_count, last_error,
	metadata, created_at, updated_at`

func (r *Registry) queryOne(ctx context.Context, query string, args ...any) (*DocumentRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to query document", err)
	}
	defer rows.Close()

	docs, err := scanDocs(rows)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func scanDocs(rows *sql.Rows) ([]*DocumentRecord, error) {
	var docs []*DocumentRecord
	for rows.Next() {
		var d DocumentRecord
		var state, metaJSON string
		var modified, created, updated int64
		var vecIdx, kwIdx int
		if err := rows.Scan(&d.DocID, &d.Source, &d.ContentHash, &d.Size, &modified,
			&state, &vecIdx, &kwIdx, &d.ChunkCount, &d.ErrorCount, &d.LastError,
			&metaJSON, &created, &updated); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to scan document", err)
		}
		d.State = DocState(state)
		d.VectorIndexed = vecIdx != 0
		d.KeywordIndexed = kwIdx != 0
		d.ModifiedTime = time.Unix(0, modified).UTC()
		d.CreatedAt = time.Unix(0, created).UTC()
		d.UpdatedAt = time.Unix(0, updated).UTC()

		meta, err := decodeMetadata(metaJSON)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to decode metadata", err)
		}
		d.Metadata = meta
		docs = append(docs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed reading documents", err)
	}
	return docs, nil
}
