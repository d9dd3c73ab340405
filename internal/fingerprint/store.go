package fingerprint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

// cacheSize bounds the in-memory read cache in front of SQLite. Change
// checks during bulk ingest hit the same sources repeatedly.
const cacheSize = 2048

// Store persists fingerprints in SQLite, keyed by source. WAL mode allows
// readers to proceed while the single writer connection commits.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	cache  *lru.Cache[string, *Fingerprint]
	closed bool
}

const fingerprintSchema = `
CREATE TABLE IF NOT EXISTS fingerprints (
	source        TEXT PRIMARY KEY,
	content_hash  TEXT NOT NULL,
	metadata_hash TEXT NOT NULL,
	size          INTEGER NOT NULL,
	mod_time      INTEGER NOT NULL,
	computed_at   INTEGER NOT NULL,
	last_seen     INTEGER NOT NULL,
	doc_id        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_last_seen ON fingerprints(last_seen);
`

// NewStore opens (or creates) the fingerprint database at path.
// If path is empty an in-memory database is used.
func NewStore(path string) (*Store, error) {
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
		return nil, fmt.Errorf("open fingerprint db: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(fingerprintSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create fingerprint schema: %w", err)
	}

	cache, err := lru.New[string, *Fingerprint](cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create fingerprint cache: %w", err)
	}

	return &Store{db: db, cache: cache}, nil
}

// Put upserts a fingerprint.
func (s *Store) Put(ctx context.Context, fp *Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("fingerprint store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (source, content_hash, metadata_hash, size, mod_time, computed_at, last_seen, doc_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			content_hash = excluded.content_hash,
			metadata_hash = excluded.metadata_hash,
			size = excluded.size,
			mod_time = excluded.mod_time,
			computed_at = excluded.computed_at,
			last_seen = excluded.last_seen,
			doc_id = excluded.doc_id,
			status = excluded.status`,
		fp.Source, fp.ContentHash, fp.MetadataHash, fp.Size,
		fp.ModTime.UnixNano(), fp.ComputedAt.UnixNano(), fp.LastSeen.UnixNano(),
		fp.DocID, fp.Status)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexStorage, "failed to store fingerprint", err)
	}

	s.cache.Add(fp.Source, fp)
	return nil
}

// Get returns the stored fingerprint for source, or nil if absent.
func (s *Store) Get(ctx context.Context, source string) (*Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("fingerprint store is closed")
	}

	if cached, ok := s.cache.Get(source); ok {
		return cached, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT source, content_hash, metadata_hash, size, mod_time, computed_at, last_seen, doc_id, status
		FROM fingerprints WHERE source = ?`, source)

	fp, err := scanFingerprint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to load fingerprint", err)
	}

	s.cache.Add(source, fp)
	return fp, nil
}

// HasChanged compares the current file state at source against the stored
// fingerprint. It refreshes last_seen on every check. An unreadable source
// is reported as changed so downstream handling surfaces the IO error.
// The returned fingerprint is the freshly computed one (nil when the
// source could not be read).
func (s *Store) HasChanged(ctx context.Context, source string) (bool, *Fingerprint, error) {
	stored, err := s.Get(ctx, source)
	if err != nil {
		return false, nil, err
	}

	current, err := Compute(source)
	if err != nil {
		slog.Warn("fingerprint_compute_failed",
			slog.String("source", source),
			slog.String("error", err.Error()))
		if stored != nil {
			_ = s.touch(ctx, source)
		}
		return true, nil, nil
	}

	if stored == nil {
		return true, current, nil
	}

	// Metadata hash covers name, size, mtime and content, so a metadata-only
	// change (rename, touch) is still detected.
	current.DocID = stored.DocID
	current.Status = stored.Status
	changed := stored.MetadataHash != current.MetadataHash
	if !changed {
		// Keep last_seen fresh so Cleanup spares live sources.
		if err := s.touch(ctx, source); err != nil {
			return false, current, err
		}
	}
	return changed, current, nil
}

// touch updates last_seen for source to now.
func (s *Store) touch(ctx context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("fingerprint store is closed")
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE fingerprints SET last_seen = ? WHERE source = ?`,
		now.UnixNano(), source)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexStorage, "failed to touch fingerprint", err)
	}

	if cached, ok := s.cache.Get(source); ok {
		updated := *cached
		updated.LastSeen = now
		s.cache.Add(source, &updated)
	}
	return nil
}

// Delete removes the fingerprint for source.
func (s *Store) Delete(ctx context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("fingerprint store is closed")
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE source = ?`, source); err != nil {
		return apperrors.New(apperrors.ErrCodeIndexStorage, "failed to delete fingerprint", err)
	}
	s.cache.Remove(source)
	return nil
}

// Cleanup removes fingerprints whose last_seen is older than cutoff.
// Returns the number of rows removed.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("fingerprint store is closed")
	}

	cutoff := time.Now().UTC().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to clean up fingerprints", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		// The cache may hold purged entries; drop everything rather than
		// tracking per-row eviction.
		s.cache.Purge()
		slog.Debug("fingerprints_cleaned",
			slog.Int64("removed", n))
	}
	return int(n), nil
}

// Count returns the number of stored fingerprints.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("fingerprint store is closed")
	}

	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fingerprints`).Scan(&n); err != nil {
		return 0, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to count fingerprints", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Purge()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(row rowScanner) (*Fingerprint, error) {
	var fp Fingerprint
	var modTime, computedAt, lastSeen int64
	if err := row.Scan(&fp.Source, &fp.ContentHash, &fp.MetadataHash,
		&fp.Size, &modTime, &computedAt, &lastSeen, &fp.DocID, &fp.Status); err != nil {
		return nil, err
	}
	fp.ModTime = time.Unix(0, modTime).UTC()
	fp.ComputedAt = time.Unix(0, computedAt).UTC()
	fp.LastSeen = time.Unix(0, lastSeen).UTC()
	return &fp, nil
}
