package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

// Ledger persists jobs in SQLite. Every scheduler mutation goes through
// the ledger first; the in-memory heap is a cache of PENDING rows.
type Ledger struct {
	db  *sql.DB
	log *slog.Logger
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id             TEXT PRIMARY KEY,
	source             TEXT NOT NULL,
	job_type           TEXT NOT NULL,
	priority           INTEGER NOT NULL,
	status             TEXT NOT NULL,
	retry_count        INTEGER NOT NULL DEFAULT 0,
	max_retries        INTEGER NOT NULL DEFAULT 3,
	intermediate_state BLOB,
	last_error         TEXT NOT NULL DEFAULT '',
	metadata           TEXT NOT NULL DEFAULT '{}',
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL,
	started_at         INTEGER NOT NULL DEFAULT 0,
	completed_at       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, priority, created_at);
`

// NewLedger opens (or creates) the job ledger at path.
// An empty path uses an in-memory database.
func NewLedger(path string, log *slog.Logger) (*Ledger, error) {
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
		return nil, fmt.Errorf("open job ledger: %w", err)
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
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	return &Ledger{db: db, log: log}, nil
}

// CreateJob persists a new job row.
func (l *Ledger) CreateJob(ctx context.Context, job *Job) error {
	metaJSON, err := json.Marshal(orEmpty(job.Metadata))
	if err != nil {
		return apperrors.ValidationError("job metadata not encodable", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, source, job_type, priority, status, retry_count,
			max_retries, intermediate_state, last_error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.Source, string(job.Type), job.Priority, string(job.Status),
		job.RetryCount, job.MaxRetries, job.IntermediateState, job.LastError,
		string(metaJSON), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano())
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexStorage, "failed to persist job", err)
	}
	return nil
}

// UpdateStatus transitions a job. started_at is set on the first
// PROCESSING transition, completed_at on any terminal status. A non-empty
// errMsg is recorded as last_error.
func (l *Ledger) UpdateStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	now := time.Now().UTC().UnixNano()

	query := `UPDATE jobs SET status = ?, updated_at = ?`
	args := []any{string(status), now}

	if status == StatusProcessing {
		query += `, started_at = CASE WHEN started_at = 0 THEN ? ELSE started_at END`
		args = append(args, now)
	}
	if status.Terminal() {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	if errMsg != "" {
		query += `, last_error = ?`
		args = append(args, errMsg)
	}
	query += ` WHERE job_id = ?`
	args = append(args, jobID)

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexStorage, "failed to update job status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ValidationError(fmt.Sprintf("job %s not found", jobID), nil)
	}
	return nil
}

// SaveState persists a handler checkpoint blob for resume.
func (l *Ledger) SaveState(ctx context.Context, jobID string, state []byte) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET intermediate_state = ?, updated_at = ? WHERE job_id = ?`,
		state, time.Now().UTC().UnixNano(), jobID)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeIndexStorage, "failed to save job state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ValidationError(fmt.Sprintf("job %s not found", jobID), nil)
	}
	return nil
}

// IncrementRetry bumps retry_count and returns the new count.
func (l *Ledger) IncrementRetry(ctx context.Context, jobID string) (int, error) {
	_, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET retry_count = retry_count + 1, updated_at = ? WHERE job_id = ?`,
		time.Now().UTC().UnixNano(), jobID)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to increment retry", err)
	}

	var count int
	if err := l.db.QueryRowContext(ctx,
		`SELECT retry_count FROM jobs WHERE job_id = ?`, jobID).Scan(&count); err != nil {
		return 0, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to read retry count", err)
	}
	return count, nil
}

// GetJob returns the job row, or nil if absent.
func (l *Ledger) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// ListByStatus returns jobs with the given status in scheduling order.
func (l *Ledger) ListByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = ?
		ORDER BY priority, created_at`, string(status))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to list jobs", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed reading jobs", err)
	}
	return jobs, nil
}

// ResumeInterrupted reclassifies PROCESSING jobs whose last update is
// older than staleness as INTERRUPTED, and returns them. Run at startup
// to recover from crashes; intermediate_state is left untouched.
func (l *Ledger) ResumeInterrupted(ctx context.Context, staleness time.Duration) ([]*Job, error) {
	cutoff := time.Now().UTC().Add(-staleness).UnixNano()

	rows, err := l.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND updated_at < ?
		ORDER BY priority, created_at`, string(StatusProcessing), cutoff)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to find interrupted jobs", err)
	}

	var stale []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed reading interrupted jobs", err)
	}

	for _, job := range stale {
		if err := l.UpdateStatus(ctx, job.JobID, StatusInterrupted, ""); err != nil {
			return nil, err
		}
		job.Status = StatusInterrupted
		l.log.Info("job_interrupted",
			slog.String("job_id", job.JobID),
			slog.String("source", job.Source))
	}
	return stale, nil
}

// Requeue returns an INTERRUPTED or FAILED job to PENDING, optionally
// resetting its retry budget.
func (l *Ledger) Requeue(ctx context.Context, jobID string, resetRetries bool) (*Job, error) {
	job, err := l.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperrors.ValidationError(fmt.Sprintf("job %s not found", jobID), nil)
	}

	query := `UPDATE jobs SET status = ?, updated_at = ?`
	args := []any{string(StatusPending), time.Now().UTC().UnixNano()}
	if resetRetries {
		query += `, retry_count = 0`
	}
	query += ` WHERE job_id = ?`
	args = append(args, jobID)

	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to requeue job", err)
	}

	job.Status = StatusPending
	if resetRetries {
		job.RetryCount = 0
	}
	return job, nil
}

// Stats returns job counts per status.
func (l *Ledger) Stats(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to count jobs", err)
	}
	defer rows.Close()

	stats := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to scan job counts", err)
		}
		stats[JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed reading job counts", err)
	}
	return stats, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

const jobColumns = `job_id, source, job_type, priority, status, retry_count,
	max_retries, intermediate_state, last_error, metadata, created_at,
	updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var jobType, status, metaJSON string
	var created, updated, started, completed int64
	if err := row.Scan(&j.JobID, &j.Source, &jobType, &j.Priority, &status,
		&j.RetryCount, &j.MaxRetries, &j.IntermediateState, &j.LastError,
		&metaJSON, &created, &updated, &started, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to scan job", err)
	}

	j.Type = JobType(jobType)
	j.Status = JobStatus(status)
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()
	if started != 0 {
		j.StartedAt = time.Unix(0, started).UTC()
	}
	if completed != 0 {
		j.CompletedAt = time.Unix(0, completed).UTC()
	}

	if err := json.Unmarshal([]byte(metaJSON), &j.Metadata); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeIndexStorage, "failed to decode job metadata", err)
	}
	return &j, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
