// Package ingest drives the document lifecycle end to end: change
// detection, change classification, registration, and queued index
// processing. It owns the job queue; everything a worker does to a
// document goes through the pipeline here.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lodestone-search/lodestone/internal/analyzer"
	"github.com/lodestone-search/lodestone/internal/chunk"
	apperrors "github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/fingerprint"
	"github.com/lodestone-search/lodestone/internal/index"
	"github.com/lodestone-search/lodestone/internal/parse"
	"github.com/lodestone-search/lodestone/internal/queue"
	"github.com/lodestone-search/lodestone/internal/registry"
	"github.com/lodestone-search/lodestone/internal/store"
	"github.com/lodestone-search/lodestone/internal/telemetry"
)

// Job metadata keys.
const (
	metaDocID      = "doc_id"
	metaStrategy   = "strategy"
	metaChangeType = "change_type"
)

// Pipeline stages checkpointed into a job's intermediate state.
const (
	stageParsed  = "parsed"
	stageChunked = "chunked"
	stageIndexed = "indexed"
)

// Decision is the outcome of evaluating one source for ingestion.
type Decision struct {
	Source   string
	DocID    string
	JobID    string // Empty when no work was scheduled
	Analysis *analyzer.ChangeAnalysis
}

// Scheduled reports whether a job was enqueued for the source.
func (d *Decision) Scheduled() bool {
	return d.JobID != ""
}

// Config configures the orchestrator.
type Config struct {
	Queue    queue.Config
	Analyzer analyzer.Config
}

// Orchestrator wires the lifecycle components together.
type Orchestrator struct {
	fps      *fingerprint.Store
	analyzer *analyzer.Analyzer
	registry *registry.Registry
	manager  *index.Manager
	parser   parse.Parser
	chunker  chunk.Chunker
	queue    *queue.Manager
	metrics  *telemetry.Collector
	log      *slog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics attaches a telemetry collector. Without it, metrics calls
// are no-ops.
func WithMetrics(c *telemetry.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// New creates an orchestrator. The job queue is constructed here so the
// orchestrator's pipeline is its handler.
func New(cfg Config, fps *fingerprint.Store, reg *registry.Registry, mgr *index.Manager, parser parse.Parser, chunker chunk.Chunker, ledger *queue.Ledger, log *slog.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		fps:      fps,
		analyzer: analyzer.New(cfg.Analyzer, fps, keywordPrior{mgr}, log),
		registry: reg,
		manager:  mgr,
		parser:   parser,
		chunker:  chunker,
		log:      log,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.queue = queue.NewManager(cfg.Queue, ledger, o.handleJob, log)
	return o
}

// Metrics returns the telemetry snapshot, empty when no collector is
// attached.
func (o *Orchestrator) Metrics() *telemetry.Snapshot {
	return o.metrics.Snapshot()
}

// Start brings up the worker pool and recovers interrupted jobs.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.queue.Start(ctx)
}

// Shutdown drains in-flight jobs and stops the workers.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.queue.Shutdown(ctx)
}

// ShutdownNow cancels in-flight jobs and stops immediately.
func (o *Orchestrator) ShutdownNow(ctx context.Context) error {
	return o.queue.ShutdownNow(ctx)
}

// Queue exposes the job queue for inspection commands.
func (o *Orchestrator) Queue() *queue.Manager {
	return o.queue
}

// IngestSource evaluates source and schedules whatever work its current
// state calls for. An unchanged source is a logged no-op, not an error.
func (o *Orchestrator) IngestSource(ctx context.Context, source string) (*Decision, error) {
	if strings.TrimSpace(source) == "" {
		return nil, apperrors.ValidationError("source is required", nil)
	}

	decision := &Decision{Source: source}

	changed, fp, err := o.fps.HasChanged(ctx, source)
	if err != nil {
		return nil, err
	}
	if !changed {
		o.log.Info("source unchanged, skipping",
			slog.String("source", source))
		if fp != nil {
			decision.DocID = fp.DocID
		}
		o.metrics.RecordIngest(telemetry.IngestSkipped)
		return decision, nil
	}

	content, readErr := os.ReadFile(source)
	if readErr != nil {
		if !os.IsNotExist(readErr) {
			return nil, apperrors.New(apperrors.ErrCodeFileUnreadable, "failed to read source: "+source, readErr)
		}
		content = nil // Deletion path
	}

	analysis, err := o.analyzer.Analyze(ctx, source, content)
	if err != nil {
		return nil, err
	}
	decision.Analysis = analysis

	switch analysis.Strategy {
	case analyzer.StrategySkip:
		o.log.Info("no actionable change",
			slog.String("source", source),
			slog.String("change_type", string(analysis.ChangeType)))
		o.metrics.RecordIngest(telemetry.IngestSkipped)
		return decision, nil

	case analyzer.StrategyRemove:
		return o.scheduleRemove(ctx, decision, analysis)

	default:
		return o.scheduleIndex(ctx, decision, analysis, content)
	}
}

// RemoveSource schedules removal of a source regardless of its on-disk
// state.
func (o *Orchestrator) RemoveSource(ctx context.Context, source string) (*Decision, error) {
	if strings.TrimSpace(source) == "" {
		return nil, apperrors.ValidationError("source is required", nil)
	}

	rec, err := o.registry.GetBySource(ctx, source)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.ValidationError("source is not registered: "+source, nil)
	}

	decision := &Decision{Source: source, DocID: rec.DocID}
	jobID, err := o.queue.Enqueue(ctx, source, queue.JobRemove, analyzer.PriorityHigh,
		map[string]string{metaDocID: rec.DocID})
	if err != nil {
		return nil, err
	}
	decision.JobID = jobID
	return decision, nil
}

// Query runs a hybrid search over everything indexed so far.
func (o *Orchestrator) Query(ctx context.Context, query string, opts index.SearchOptions) ([]*index.FusedNode, error) {
	start := time.Now()
	results, err := o.manager.HybridSearch(ctx, query, opts)
	if err == nil {
		o.metrics.RecordQuery(query, len(results), time.Since(start))
	}
	return results, err
}

// scheduleIndex registers the document and enqueues an add or update job.
func (o *Orchestrator) scheduleIndex(ctx context.Context, decision *Decision, analysis *analyzer.ChangeAnalysis, content []byte) (*Decision, error) {
	source := decision.Source

	info, err := os.Stat(source)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeFileUnreadable, "failed to stat source: "+source, err)
	}

	docID, err := o.registry.Register(ctx, source, store.HashContent(string(content)),
		info.Size(), info.ModTime(), nil)
	if err != nil {
		return nil, err
	}
	decision.DocID = docID

	jobType := queue.JobUpdate
	if analysis.ChangeType == analyzer.NewDocument {
		jobType = queue.JobAdd
	}

	meta := map[string]string{
		metaDocID:      docID,
		metaStrategy:   string(analysis.Strategy),
		metaChangeType: string(analysis.ChangeType),
	}
	jobID, err := o.queue.Enqueue(ctx, source, jobType, analysis.Priority, meta)
	if err != nil {
		return nil, err
	}
	decision.JobID = jobID

	o.log.Info("scheduled indexing",
		slog.String("source", source),
		slog.String("doc_id", docID),
		slog.String("job_id", jobID),
		slog.String("change_type", string(analysis.ChangeType)),
		slog.String("strategy", string(analysis.Strategy)),
		slog.Int("priority", analysis.Priority),
		slog.String("effort", strconv.FormatFloat(analysis.EstimatedEffort, 'f', 1, 64)))
	o.metrics.RecordIngest(telemetry.IngestScheduled)
	return decision, nil
}

// scheduleRemove enqueues removal for a source whose file is gone.
func (o *Orchestrator) scheduleRemove(ctx context.Context, decision *Decision, analysis *analyzer.ChangeAnalysis) (*Decision, error) {
	source := decision.Source

	rec, err := o.registry.GetBySource(ctx, source)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{metaChangeType: string(analysis.ChangeType)}
	if rec != nil {
		decision.DocID = rec.DocID
		meta[metaDocID] = rec.DocID
	}

	jobID, err := o.queue.Enqueue(ctx, source, queue.JobRemove, analysis.Priority, meta)
	if err != nil {
		return nil, err
	}
	decision.JobID = jobID

	o.log.Info("scheduled removal",
		slog.String("source", source),
		slog.String("job_id", jobID))
	o.metrics.RecordIngest(telemetry.IngestScheduled)
	return decision, nil
}

// checkpoint is the blob a job persists between pipeline stages so an
// interrupted run reports where it stopped.
type checkpoint struct {
	Stage  string `json:"stage"`
	DocID  string `json:"doc_id"`
	Chunks int    `json:"chunks,omitempty"`
}

// handleJob is the queue handler: it runs the full processing pipeline
// for one job. Every stage is idempotent, so a resumed job can safely
// replay from the beginning.
func (o *Orchestrator) handleJob(ctx context.Context, job *queue.Job) error {
	if len(job.IntermediateState) > 0 {
		var cp checkpoint
		if err := json.Unmarshal(job.IntermediateState, &cp); err == nil {
			o.log.Info("resuming interrupted job",
				slog.String("job_id", job.JobID),
				slog.String("last_stage", cp.Stage))
		}
	}

	var err error
	switch job.Type {
	case queue.JobAdd, queue.JobUpdate, queue.JobReprocess:
		err = o.processIndex(ctx, job)
	case queue.JobRemove:
		err = o.processRemove(ctx, job)
	default:
		err = apperrors.ValidationError("unknown job type: "+string(job.Type), nil)
	}

	if err != nil {
		o.metrics.RecordIngest(telemetry.IngestFailed)
	} else {
		o.metrics.RecordIngest(telemetry.IngestCompleted)
	}
	return err
}

// processIndex parses, chunks, embeds, and indexes one document.
func (o *Orchestrator) processIndex(ctx context.Context, job *queue.Job) error {
	docID := job.Metadata[metaDocID]
	if docID == "" {
		rec, err := o.registry.GetBySource(ctx, job.Source)
		if err != nil {
			return err
		}
		if rec == nil {
			return apperrors.ValidationError("document is not registered: "+job.Source, nil)
		}
		docID = rec.DocID
	}

	if err := o.registry.UpdateState(ctx, docID, registry.StateUpdating, ""); err != nil {
		return err
	}

	doc, err := o.parser.Parse(ctx, job.Source)
	if err != nil {
		o.recordFailure(ctx, docID, err)
		return err
	}
	o.saveCheckpoint(ctx, job, checkpoint{Stage: stageParsed, DocID: docID})

	if err := ctx.Err(); err != nil {
		return err
	}

	chunks, err := o.chunker.Chunk(ctx, docID, doc.Content, doc.Metadata)
	if err != nil {
		o.recordFailure(ctx, docID, err)
		return err
	}
	if len(chunks) == 0 {
		// Nothing indexable. An empty document is still tracked.
		if err := o.manager.Remove(ctx, docID, store.IndexBoth); err != nil {
			o.recordFailure(ctx, docID, err)
			return err
		}
		return o.finalize(ctx, job, docID, registry.StateIndexed)
	}
	o.saveCheckpoint(ctx, job, checkpoint{Stage: stageChunked, DocID: docID, Chunks: len(chunks)})

	if err := ctx.Err(); err != nil {
		return err
	}

	switch {
	case job.Type == queue.JobAdd:
		err = o.manager.Add(ctx, docID, chunks, store.IndexBoth)
	case job.Metadata[metaStrategy] == string(analyzer.StrategyIncremental):
		err = o.manager.Reconcile(ctx, docID, chunks, store.IndexBoth)
	default:
		err = o.manager.Update(ctx, docID, chunks, store.IndexBoth)
	}
	if err != nil {
		// The manager already marked the document corrupted on a partial
		// write; everything else is recorded here.
		if apperrors.GetCode(err) != apperrors.ErrCodeCorrupted {
			o.recordFailure(ctx, docID, err)
		}
		return err
	}
	o.saveCheckpoint(ctx, job, checkpoint{Stage: stageIndexed, DocID: docID, Chunks: len(chunks)})

	return o.finalize(ctx, job, docID, registry.StateIndexed)
}

// processRemove deletes a document's nodes and marks it removed. The
// registry record and fingerprint are cleaned up so a reappearing source
// starts fresh.
func (o *Orchestrator) processRemove(ctx context.Context, job *queue.Job) error {
	docID := job.Metadata[metaDocID]
	if docID == "" {
		rec, err := o.registry.GetBySource(ctx, job.Source)
		if err != nil {
			return err
		}
		if rec == nil {
			// Already gone; removal is idempotent.
			return o.fps.Delete(ctx, job.Source)
		}
		docID = rec.DocID
	}

	if err := o.manager.Remove(ctx, docID, store.IndexBoth); err != nil {
		o.recordFailure(ctx, docID, err)
		return err
	}
	if err := o.registry.UpdateState(ctx, docID, registry.StateRemoved, ""); err != nil {
		return err
	}
	return o.fps.Delete(ctx, job.Source)
}

// finalize records the fingerprint for the processed content and settles
// the document's state.
func (o *Orchestrator) finalize(ctx context.Context, job *queue.Job, docID string, state registry.DocState) error {
	fp, err := fingerprint.Compute(job.Source)
	if err == nil {
		fp.DocID = docID
		fp.Status = string(state)
		if putErr := o.fps.Put(ctx, fp); putErr != nil {
			o.log.Warn("failed to store fingerprint",
				slog.String("source", job.Source),
				slog.String("error", putErr.Error()))
		}
	}
	return o.registry.UpdateState(ctx, docID, state, "")
}

// recordFailure notes a processing error on the document without
// overriding a corruption state.
func (o *Orchestrator) recordFailure(ctx context.Context, docID string, cause error) {
	if err := o.registry.UpdateState(ctx, docID, registry.StateStale, cause.Error()); err != nil {
		o.log.Warn("failed to record document failure",
			slog.String("doc_id", docID),
			slog.String("error", err.Error()))
	}
}

// saveCheckpoint persists a pipeline stage marker. Failures are logged;
// checkpoints are an aid, not a correctness requirement.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, job *queue.Job, cp checkpoint) {
	data, err := json.Marshal(cp)
	if err != nil {
		return
	}
	job.IntermediateState = data
	if err := o.queue.Ledger().SaveState(ctx, job.JobID, data); err != nil {
		o.log.Warn("failed to save job checkpoint",
			slog.String("job_id", job.JobID),
			slog.String("stage", cp.Stage),
			slog.String("error", err.Error()))
	}
}

// keywordPrior adapts the index manager's keyword backend into the
// analyzer's prior-content source.
type keywordPrior struct {
	mgr *index.Manager
}

func (p keywordPrior) FetchDoc(ctx context.Context, docID string) ([]*store.Chunk, error) {
	return p.mgr.FetchDoc(ctx, docID)
}

// Stale returns documents whose state requires re-processing, for
// maintenance sweeps. Corrupted documents count: a partial index write
// is only recovered by running the document through the pipeline again.
func (o *Orchestrator) Stale(ctx context.Context) ([]*registry.DocumentRecord, error) {
	stale, err := o.registry.List(ctx, registry.StateStale)
	if err != nil {
		return nil, err
	}
	corrupted, err := o.registry.List(ctx, registry.StateCorrupted)
	if err != nil {
		return nil, err
	}
	return append(stale, corrupted...), nil
}

// ReprocessStale enqueues a reprocess job for every stale or corrupted
// document.
func (o *Orchestrator) ReprocessStale(ctx context.Context) (int, error) {
	stale, err := o.Stale(ctx)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, rec := range stale {
		_, err := o.queue.Enqueue(ctx, rec.Source, queue.JobReprocess, analyzer.PriorityLow,
			map[string]string{metaDocID: rec.DocID})
		if err != nil {
			o.log.Warn("failed to schedule reprocess",
				slog.String("source", rec.Source),
				slog.String("error", err.Error()))
			continue
		}
		scheduled++
	}

	// Sweep unused fingerprints while we are here.
	if _, err := o.fps.Cleanup(ctx, 30*24*time.Hour); err != nil {
		o.log.Warn("fingerprint cleanup failed", slog.String("error", err.Error()))
	}
	return scheduled, nil
}
