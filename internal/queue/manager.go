package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

// Handler processes one job. It must honor ctx cancellation at every
// external call and checkpoint resumable progress via Ledger.SaveState.
type Handler func(ctx context.Context, job *Job) error

// Config configures the queue manager.
type Config struct {
	Workers         int           // Fixed worker pool size
	MaxRetries      int           // Default retry budget per job
	StalenessWindow time.Duration // PROCESSING older than this is INTERRUPTED
	JobTimeout      time.Duration // Overall bound per job
	DataDir         string        // Holds the cross-process queue lock
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		MaxRetries:      3,
		StalenessWindow: 5 * time.Minute,
		JobTimeout:      10 * time.Minute,
	}
}

// Manager owns the worker pool and the in-memory priority heap. The
// ledger is written before the heap on every mutation, so a crash at any
// point is recoverable from the ledger alone.
type Manager struct {
	cfg     Config
	ledger  *Ledger
	handler Handler
	log     *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	pending   jobHeap
	seq       uint64
	cancelled map[string]struct{}           // Pending jobs cancelled before dequeue
	inflight  map[string]context.CancelFunc // Cooperative cancel per running job
	draining  bool

	wg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
	fileLock   *flock.Flock
	started    bool
}

// NewManager creates a queue manager over ledger. handler runs every job.
func NewManager(cfg Config, ledger *Ledger, handler Handler, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	m := &Manager{
		cfg:       cfg,
		ledger:    ledger,
		handler:   handler,
		log:       log,
		cancelled: make(map[string]struct{}),
		inflight:  make(map[string]context.CancelFunc),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start recovers interrupted work, rebuilds the heap from the ledger, and
// launches the worker pool. Only one process may run a queue over the same
// data directory; a held lock fails fast.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	m.started = true
	m.mu.Unlock()

	if m.cfg.DataDir != "" {
		m.fileLock = flock.New(filepath.Join(m.cfg.DataDir, ".queue.lock"))
		acquired, err := m.fileLock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire queue lock: %w", err)
		}
		if !acquired {
			return apperrors.New(apperrors.ErrCodeBackendBusy,
				"queue is locked by another process", nil).
				WithSuggestion("stop the other instance or use a different data directory")
		}
	}

	// Crash recovery: stale PROCESSING jobs become INTERRUPTED, then
	// return to PENDING with their checkpoints intact.
	interrupted, err := m.ledger.ResumeInterrupted(ctx, m.cfg.StalenessWindow)
	if err != nil {
		return err
	}
	for _, job := range interrupted {
		if _, err := m.ledger.Requeue(ctx, job.JobID, false); err != nil {
			return err
		}
	}

	pending, err := m.ledger.ListByStatus(ctx, StatusPending)
	if err != nil {
		return err
	}

	m.rootCtx, m.rootCancel = context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	for _, job := range pending {
		m.pushLocked(job)
	}
	m.mu.Unlock()

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	m.log.Info("queue_started",
		slog.Int("workers", m.cfg.Workers),
		slog.Int("recovered", len(interrupted)),
		slog.Int("pending", len(pending)))
	return nil
}

// Enqueue persists a job and schedules it. priority: lower runs sooner.
func (m *Manager) Enqueue(ctx context.Context, source string, jobType JobType, priority int, metadata map[string]string) (string, error) {
	if source == "" {
		return "", apperrors.ValidationError("job source must not be empty", nil)
	}

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return "", apperrors.New(apperrors.ErrCodeShuttingDown, "queue is shutting down", nil)
	}
	m.mu.Unlock()

	job := NewJob(source, jobType, priority, m.cfg.MaxRetries, metadata)
	if err := m.ledger.CreateJob(ctx, job); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.pushLocked(job)
	m.mu.Unlock()
	m.cond.Signal()

	m.log.Debug("job_enqueued",
		slog.String("job_id", job.JobID),
		slog.String("source", source),
		slog.String("type", string(jobType)),
		slog.Int("priority", priority))
	return job.JobID, nil
}

// Requeue returns an INTERRUPTED or FAILED job to the scheduler.
func (m *Manager) Requeue(ctx context.Context, jobID string, resetRetries bool) error {
	job, err := m.ledger.Requeue(ctx, jobID, resetRetries)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.cancelled, jobID)
	m.pushLocked(job)
	m.mu.Unlock()
	m.cond.Signal()
	return nil
}

// Cancel cancels a job. PENDING jobs cancel outright; PROCESSING jobs are
// cancelled cooperatively through their context, taking effect at the
// handler's next checkpoint. Jobs already terminal are left alone.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	if cancel, running := m.inflight[jobID]; running {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.cancelled[jobID] = struct{}{}
	m.mu.Unlock()

	job, err := m.ledger.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return apperrors.ValidationError(fmt.Sprintf("job %s not found", jobID), nil)
	}
	if job.Status != StatusPending {
		return nil
	}
	return m.ledger.UpdateStatus(ctx, jobID, StatusCancelled, "")
}

// Shutdown drains gracefully: no new dequeues, in-flight jobs run to
// completion, then workers exit. ctx bounds the wait.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopDequeues()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Give up waiting: abandon in-flight work at its next checkpoint.
		m.rootCancel()
		<-done
	}

	m.releaseLock()
	m.log.Info("queue_stopped")
	return nil
}

// ShutdownNow stops hard: in-flight jobs are cancelled at their next
// checkpoint and remaining pending jobs are marked CANCELLED.
func (m *Manager) ShutdownNow(ctx context.Context) error {
	m.stopDequeues()
	m.rootCancel()
	m.wg.Wait()

	m.mu.Lock()
	remaining := make([]*Job, 0, len(m.pending))
	for _, item := range m.pending {
		remaining = append(remaining, item.job)
	}
	m.pending = nil
	m.mu.Unlock()

	for _, job := range remaining {
		if err := m.ledger.UpdateStatus(ctx, job.JobID, StatusCancelled, "shutdown"); err != nil {
			m.log.Warn("job_cancel_failed",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()))
		}
	}

	m.releaseLock()
	m.log.Info("queue_stopped", slog.Int("cancelled", len(remaining)))
	return nil
}

// Ledger exposes the backing ledger for status queries.
func (m *Manager) Ledger() *Ledger {
	return m.ledger
}

// Depth returns the number of jobs waiting in the scheduler.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

func (m *Manager) stopDequeues() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *Manager) releaseLock() {
	if m.fileLock != nil {
		if err := m.fileLock.Unlock(); err != nil {
			m.log.Warn("queue_lock_release_failed", slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) pushLocked(job *Job) {
	m.seq++
	heap.Push(&m.pending, &jobItem{job: job, seq: m.seq})
}

// next blocks until a job is available or the queue drains. Jobs
// cancelled while pending are skipped; their ledger row was already
// finalized by Cancel.
func (m *Manager) next() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		for m.pending.Len() == 0 && !m.draining {
			m.cond.Wait()
		}
		if m.draining {
			return nil
		}

		item := heap.Pop(&m.pending).(*jobItem)
		if _, skip := m.cancelled[item.job.JobID]; skip {
			delete(m.cancelled, item.job.JobID)
			continue
		}
		return item.job
	}
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()

	for {
		job := m.next()
		if job == nil {
			return
		}
		m.process(job, id)
	}
}

// process runs one job through the handler with retry bookkeeping.
func (m *Manager) process(job *Job, workerID int) {
	ctx := m.rootCtx
	if err := m.ledger.UpdateStatus(ctx, job.JobID, StatusProcessing, ""); err != nil {
		m.log.Error("job_start_failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, m.cfg.JobTimeout)
	m.mu.Lock()
	m.inflight[job.JobID] = cancel
	m.mu.Unlock()

	start := time.Now()
	err := m.runHandler(jobCtx, job)
	elapsed := time.Since(start)

	m.mu.Lock()
	delete(m.inflight, job.JobID)
	m.mu.Unlock()
	cancel()

	if err == nil {
		if ledgerErr := m.ledger.UpdateStatus(ctx, job.JobID, StatusCompleted, ""); ledgerErr != nil {
			m.log.Error("job_complete_failed",
				slog.String("job_id", job.JobID),
				slog.String("error", ledgerErr.Error()))
		}
		m.log.Info("job_completed",
			slog.String("job_id", job.JobID),
			slog.String("source", job.Source),
			slog.Int("worker", workerID),
			slog.Duration("elapsed", elapsed))
		return
	}

	// Cooperative cancellation surfaces as a context error.
	if jobCtx.Err() == context.Canceled {
		_ = m.ledger.UpdateStatus(ctx, job.JobID, StatusCancelled, err.Error())
		m.log.Info("job_cancelled",
			slog.String("job_id", job.JobID),
			slog.String("source", job.Source))
		return
	}

	m.retryOrFail(ctx, job, err)
}

// runHandler isolates handler panics so one bad job cannot kill a worker.
func (m *Manager) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.InternalError(fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return m.handler(ctx, job)
}

// retryOrFail applies the retry policy: classified non-retryable errors
// fail immediately, everything else requeues until the retry budget is
// spent.
func (m *Manager) retryOrFail(ctx context.Context, job *Job, jobErr error) {
	if code := apperrors.GetCode(jobErr); code != "" && !apperrors.IsRetryable(jobErr) {
		m.finalizeFailed(ctx, job, jobErr)
		return
	}

	// Budget is checked before incrementing so retry_count never exceeds
	// max_retries on a FAILED job.
	if job.RetryCount >= job.MaxRetries {
		m.finalizeFailed(ctx, job, jobErr)
		return
	}

	count, err := m.ledger.IncrementRetry(ctx, job.JobID)
	if err != nil {
		m.log.Error("retry_increment_failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()))
		m.finalizeFailed(ctx, job, jobErr)
		return
	}

	if err := m.ledger.UpdateStatus(ctx, job.JobID, StatusPending, jobErr.Error()); err != nil {
		m.log.Error("job_requeue_failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()))
		return
	}

	job.RetryCount = count
	job.Status = StatusPending

	m.mu.Lock()
	m.pushLocked(job)
	m.mu.Unlock()
	m.cond.Signal()

	m.log.Warn("job_retrying",
		slog.String("job_id", job.JobID),
		slog.String("source", job.Source),
		slog.Int("retry", count),
		slog.Int("max_retries", job.MaxRetries),
		slog.String("error", jobErr.Error()))
}

func (m *Manager) finalizeFailed(ctx context.Context, job *Job, jobErr error) {
	if err := m.ledger.UpdateStatus(ctx, job.JobID, StatusFailed, jobErr.Error()); err != nil {
		m.log.Error("job_fail_update_failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()))
	}
	m.log.Error("job_failed",
		slog.String("job_id", job.JobID),
		slog.String("source", job.Source),
		slog.String("error", jobErr.Error()))
}
