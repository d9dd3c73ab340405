package queue

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.JobTimeout = 5 * time.Second
	return cfg
}

func startManager(t *testing.T, cfg Config, handler Handler) *Manager {
	t.Helper()
	ledger := newTestLedger(t)
	m := NewManager(cfg, ledger, handler, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitForStatus(t *testing.T, l *Ledger, jobID string, want JobStatus) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := l.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job != nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return nil
}

func TestManager_ProcessesJob(t *testing.T) {
	var processed atomic.Int32
	m := startManager(t, testConfig(), func(ctx context.Context, job *Job) error {
		processed.Add(1)
		return nil
	})

	jobID, err := m.Enqueue(context.Background(), "/docs/a.md", JobAdd, 1, nil)
	require.NoError(t, err)

	job := waitForStatus(t, m.Ledger(), jobID, StatusCompleted)
	assert.Equal(t, int32(1), processed.Load())
	assert.False(t, job.StartedAt.IsZero())
	assert.False(t, job.CompletedAt.IsZero())
}

func TestManager_PriorityOrdering(t *testing.T) {
	// Single worker so execution order is observable
	cfg := testConfig()
	cfg.Workers = 1

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})

	m := startManager(t, cfg, func(ctx context.Context, job *Job) error {
		<-release
		mu.Lock()
		order = append(order, job.Source)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	// First job occupies the worker while the rest pile up
	first, err := m.Enqueue(ctx, "/docs/first.md", JobAdd, 2, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err = m.Enqueue(ctx, "/docs/low.md", JobAdd, 3, nil)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "/docs/urgent.md", JobAdd, 0, nil)
	require.NoError(t, err)
	normal, err := m.Enqueue(ctx, "/docs/normal.md", JobAdd, 2, nil)
	require.NoError(t, err)

	close(release)
	waitForStatus(t, m.Ledger(), first, StatusCompleted)
	waitForStatus(t, m.Ledger(), normal, StatusCompleted)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 4 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, "/docs/urgent.md", order[1])
	assert.Equal(t, "/docs/normal.md", order[2])
	assert.Equal(t, "/docs/low.md", order[3])
}

func TestManager_RetriesTransientThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	m := startManager(t, testConfig(), func(ctx context.Context, job *Job) error {
		if attempts.Add(1) < 3 {
			return apperrors.TransientError("backend busy", nil)
		}
		return nil
	})

	jobID, err := m.Enqueue(context.Background(), "/docs/a.md", JobAdd, 1, nil)
	require.NoError(t, err)

	job := waitForStatus(t, m.Ledger(), jobID, StatusCompleted)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 2, job.RetryCount)
}

func TestManager_RetryBudgetExhausted(t *testing.T) {
	var attempts atomic.Int32
	m := startManager(t, testConfig(), func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return apperrors.TransientError("always busy", nil)
	})

	jobID, err := m.Enqueue(context.Background(), "/docs/a.md", JobAdd, 1, nil)
	require.NoError(t, err)

	job := waitForStatus(t, m.Ledger(), jobID, StatusFailed)

	// First run plus max_retries requeues
	assert.Equal(t, int32(4), attempts.Load())
	assert.LessOrEqual(t, job.RetryCount, job.MaxRetries)
	assert.Contains(t, job.LastError, "always busy")
}

func TestManager_ValidationFailsImmediately(t *testing.T) {
	var attempts atomic.Int32
	m := startManager(t, testConfig(), func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return apperrors.ValidationError("unsupported source", nil)
	})

	jobID, err := m.Enqueue(context.Background(), "/docs/bad.bin", JobAdd, 1, nil)
	require.NoError(t, err)

	job := waitForStatus(t, m.Ledger(), jobID, StatusFailed)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, 0, job.RetryCount)
}

func TestManager_HandlerPanicFails(t *testing.T) {
	m := startManager(t, testConfig(), func(ctx context.Context, job *Job) error {
		panic("boom")
	})

	jobID, err := m.Enqueue(context.Background(), "/docs/a.md", JobAdd, 1, nil)
	require.NoError(t, err)

	job := waitForStatus(t, m.Ledger(), jobID, StatusFailed)
	assert.Contains(t, job.LastError, "panic")
}

func TestManager_CancelPending(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	block := make(chan struct{})

	m := startManager(t, cfg, func(ctx context.Context, job *Job) error {
		<-block
		return nil
	})

	ctx := context.Background()
	blocker, err := m.Enqueue(ctx, "/docs/blocker.md", JobAdd, 0, nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	victim, err := m.Enqueue(ctx, "/docs/victim.md", JobAdd, 1, nil)
	require.NoError(t, err)

	// Cancel while still pending
	require.NoError(t, m.Cancel(ctx, victim))
	close(block)

	waitForStatus(t, m.Ledger(), blocker, StatusCompleted)
	job := waitForStatus(t, m.Ledger(), victim, StatusCancelled)
	assert.Equal(t, StatusCancelled, job.Status)
}

func TestManager_CancelProcessingIsCooperative(t *testing.T) {
	started := make(chan struct{})
	m := startManager(t, testConfig(), func(ctx context.Context, job *Job) error {
		close(started)
		// Honor cancellation at the suspension point
		<-ctx.Done()
		return ctx.Err()
	})

	ctx := context.Background()
	jobID, err := m.Enqueue(ctx, "/docs/slow.md", JobAdd, 1, nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, m.Cancel(ctx, jobID))

	waitForStatus(t, m.Ledger(), jobID, StatusCancelled)
}

func TestManager_GracefulShutdownDrainsInFlight(t *testing.T) {
	var finished atomic.Bool
	ledger := newTestLedger(t)
	started := make(chan struct{})

	m := NewManager(testConfig(), ledger, func(ctx context.Context, job *Job) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		finished.Store(true)
		return nil
	}, nil)
	require.NoError(t, m.Start(context.Background()))

	jobID, err := m.Enqueue(context.Background(), "/docs/a.md", JobAdd, 1, nil)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.True(t, finished.Load())
	job, err := ledger.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestManager_HardShutdownCancelsPending(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	ledger := newTestLedger(t)
	block := make(chan struct{})
	started := make(chan struct{})

	m := NewManager(cfg, ledger, func(ctx context.Context, job *Job) error {
		close(started)
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil)
	require.NoError(t, m.Start(context.Background()))

	ctx := context.Background()
	running, err := m.Enqueue(ctx, "/docs/running.md", JobAdd, 0, nil)
	require.NoError(t, err)
	<-started
	pending, err := m.Enqueue(ctx, "/docs/pending.md", JobAdd, 1, nil)
	require.NoError(t, err)

	require.NoError(t, m.ShutdownNow(ctx))

	pendingJob, err := ledger.GetJob(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, pendingJob.Status)

	runningJob, err := ledger.GetJob(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, runningJob.Status)
}

func TestManager_RebuildsHeapFromLedger(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	// Jobs persisted before any manager exists
	createJob(t, ledger, "/docs/a.md", 1)
	createJob(t, ledger, "/docs/b.md", 2)

	var processed atomic.Int32
	m := NewManager(testConfig(), ledger, func(ctx context.Context, job *Job) error {
		processed.Add(1)
		return nil
	}, nil)
	require.NoError(t, m.Start(ctx))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(shutdownCtx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for processed.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int32(2), processed.Load())
}

func TestManager_RecoversInterruptedOnStart(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	// Simulate a crash: PROCESSING job with a stale heartbeat
	stuck := createJob(t, ledger, "/docs/stuck.md", 1)
	require.NoError(t, ledger.UpdateStatus(ctx, stuck.JobID, StatusProcessing, ""))
	require.NoError(t, ledger.SaveState(ctx, stuck.JobID, []byte("resume-here")))
	_, err := ledger.db.Exec(`UPDATE jobs SET updated_at = ? WHERE job_id = ?`,
		time.Now().UTC().Add(-10*time.Minute).UnixNano(), stuck.JobID)
	require.NoError(t, err)

	var gotState []byte
	var mu sync.Mutex
	m := NewManager(testConfig(), ledger, func(ctx context.Context, job *Job) error {
		mu.Lock()
		gotState = job.IntermediateState
		mu.Unlock()
		return nil
	}, nil)
	require.NoError(t, m.Start(ctx))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(shutdownCtx)
	}()

	waitForStatus(t, ledger, stuck.JobID, StatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("resume-here"), gotState)
}

func TestManager_EnqueueAfterShutdown(t *testing.T) {
	ledger := newTestLedger(t)
	m := NewManager(testConfig(), ledger, func(ctx context.Context, job *Job) error {
		return nil
	}, nil)
	require.NoError(t, m.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	_, err := m.Enqueue(context.Background(), "/docs/late.md", JobAdd, 1, nil)
	assert.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeShuttingDown, apperrors.GetCode(err))
}

func TestJobHeap_Ordering(t *testing.T) {
	h := &jobHeap{}
	now := time.Now()

	push := func(priority int, offset time.Duration, source string) {
		job := NewJob(source, JobAdd, priority, 3, nil)
		job.CreatedAt = now.Add(offset)
		heap.Push(h, &jobItem{job: job, seq: uint64(h.Len())})
	}

	push(2, 0, "normal-early")
	push(0, time.Second, "urgent-late")
	push(0, 0, "urgent-early")
	push(3, 0, "low")

	var got []string
	for h.Len() > 0 {
		got = append(got, heap.Pop(h).(*jobItem).job.Source)
	}
	assert.Equal(t, []string{"urgent-early", "urgent-late", "normal-early", "low"}, got)
}
