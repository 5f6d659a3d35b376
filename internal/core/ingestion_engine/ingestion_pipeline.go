package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/davekalu/docquery/internal/core"
	"github.com/davekalu/docquery/internal/models"
)

// ErrQueueFull reports that the ingestion queue cannot take another job right
// now. Callers retry later instead of blocking on the channel.
var ErrQueueFull = errors.New("ingestion queue full")

// persistGrace bounds the writes that record a job's outcome after the run
// deadline has already expired.
const persistGrace = 15 * time.Second

// DocumentPipeline orchestrates one job's ingestion: fetch from object
// storage, extract, chunk, embed in batches, index. Jobs are fed through a
// bounded in-memory queue and each worker owns one job at a time; the only
// shared mutable state between concurrent jobs is the persisted job and chunk
// records.
type DocumentPipeline struct {
	db        core.DbClient
	obj       core.ObjectClient
	extractor core.DocumentExtractor
	chunker   *Chunker
	batches   *BatchProcessor
	writer    *IndexWriter
	cfg       *IngestConfig
	log       *slog.Logger
	jobs      chan string
}

// NewDocumentPipeline constructs the pipeline with a bounded job queue (64).
// Chunker parameters are validated here, once, not per document.
func NewDocumentPipeline(
	db core.DbClient,
	obj core.ObjectClient,
	extractor core.DocumentExtractor,
	embedder core.EmbeddingProvider,
	cfg *IngestConfig,
	logger *slog.Logger,
) (*DocumentPipeline, error) {
	if cfg == nil {
		cfg = &IngestConfig{}
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	chunker, err := NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("chunker config: %w", err)
	}

	return &DocumentPipeline{
		db:        db,
		obj:       obj,
		extractor: extractor,
		chunker:   chunker,
		batches:   NewBatchProcessor(embedder, cfg.BatchSize, cfg.BatchTimeout, cfg.EmbedTimeout, logger),
		writer:    NewIndexWriter(db, logger),
		cfg:       cfg,
		log:       logger,
		jobs:      make(chan string, 64),
	}, nil
}

var _ Ingestor = (*DocumentPipeline)(nil)

// Start runs worker goroutines reading from the jobs channel.
func (p *DocumentPipeline) Start(ctx context.Context, numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	for w := 1; w <= numWorkers; w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					p.log.Info("ingestion worker shutting down", "worker", w)
					return
				case jobID := <-p.jobs:
					p.log.Info("pipeline.job.start", "worker", w, "job_id", jobID)
					if err := p.ProcessOne(ctx, jobID); err != nil {
						p.log.Error("pipeline.job.failed", "worker", w, "job_id", jobID, "err", err)
					}
				}
			}
		}(w)
	}
}

// Enqueue schedules a job ID for ingestion. A saturated queue returns
// ErrQueueFull rather than stalling the caller.
func (p *DocumentPipeline) Enqueue(jobID string) error {
	select {
	case p.jobs <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// ProcessOne runs the whole pipeline for a single job. Failures are written
// into the job record; the returned error exists for the worker log, not for
// a waiting caller. Run time is capped below the host's own execution limit
// so a timeout is always reported by this code rather than a silent cutoff.
func (p *DocumentPipeline) ProcessOne(ctx context.Context, jobID string) error {
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.PipelineTimeout)
	defer cancel()

	job, err := p.db.GetJobByID(runCtx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	// A retried invocation may find the job already past processing; the
	// guarded update rejects the regression and the retry carries on.
	if err := p.advance(runCtx, jobID, models.StageProcessing, models.JobMetadata{}); err != nil {
		return err
	}

	data, err := p.obj.GetFile(runCtx, job.StorageKey)
	if err != nil {
		p.fail(runCtx, jobID, fmt.Sprintf("fetch stored file: %v", err))
		return fmt.Errorf("fetch stored file: %w", err)
	}

	extracted, err := p.extractor.ExtractText(runCtx, data, job.ContentType)
	if err != nil {
		if errors.Is(err, core.ErrUnsupportedFormat) {
			p.fail(runCtx, jobID, err.Error())
			return err
		}
		p.fail(runCtx, jobID, fmt.Sprintf("extraction failed: %v", err))
		return fmt.Errorf("extract: %w", err)
	}

	if err := p.db.SaveExtractedContent(runCtx, &models.ExtractedContent{
		JobID:     jobID,
		Text:      extracted.Text,
		Structure: extracted.Structure,
	}); err != nil {
		p.fail(runCtx, jobID, fmt.Sprintf("persist extracted text: %v", err))
		return fmt.Errorf("save extracted content: %w", err)
	}

	chunks := p.chunker.Split(extracted.Text)
	if err := p.advance(runCtx, jobID, models.StageExtracted, models.JobMetadata{
		ChunksTotal: models.IntPtr(len(chunks)),
	}); err != nil {
		return err
	}
	p.log.Info("pipeline.extract.ok", "job_id", jobID, "chunks", len(chunks))

	// An empty document indexes trivially with zero chunks.
	if len(chunks) == 0 {
		return p.advance(runCtx, jobID, models.StageIndexed, models.JobMetadata{
			ChunksEmbedded: models.IntPtr(0),
			ChunksSkipped:  models.IntPtr(0),
			FullyEmbedded:  models.BoolPtr(true),
		})
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}

	embedded, embedErr := p.batches.EmbedAll(runCtx, texts)

	// Everything after embedding records an outcome, so it runs on a grace
	// context detached from the run deadline: batches that completed before a
	// mid-run timeout must still reach the index, and the reason must reach
	// the job metadata for the status poller.
	persistCtx, cancelPersist := persistContext(runCtx)
	defer cancelPersist()

	if embedded.EmbeddedCount == 0 {
		// Nothing embedded: the job stays at extracted so keyword fallback can
		// still serve it from the raw text. Deliberately not a failure.
		p.log.Warn("pipeline.embed.none", "job_id", jobID, "err", embedErr)
		if err := p.advance(persistCtx, jobID, models.StageExtracted, models.JobMetadata{
			ChunksEmbedded: models.IntPtr(0),
			FullyEmbedded:  models.BoolPtr(false),
			FailureReason:  embedReason(embedErr),
		}); err != nil {
			p.log.Error("embed outcome not recorded", "job_id", jobID, "err", err)
		}
		return embedErr
	}

	written, skipped, err := p.writer.WriteChunks(persistCtx, jobID, chunks, embedded.Vectors)
	if err != nil {
		p.log.Error("pipeline.index.failed", "job_id", jobID, "err", err)
		return err
	}

	patch := models.JobMetadata{
		ChunksEmbedded: models.IntPtr(embedded.EmbeddedCount),
		ChunksSkipped:  models.IntPtr(skipped),
		FullyEmbedded:  models.BoolPtr(embedded.FullyEmbedded && skipped == 0),
	}
	if embedErr != nil {
		patch.FailureReason = embedReason(embedErr)
	}
	if err := p.advance(persistCtx, jobID, models.StageIndexed, patch); err != nil {
		return err
	}
	p.log.Info("pipeline.index.ok",
		"job_id", jobID, "written", written, "skipped", skipped, "fully_embedded", embedded.FullyEmbedded)
	return nil
}

// advance moves the job forward, treating a rejected regression as a no-op so
// retried invocations remain idempotent.
func (p *DocumentPipeline) advance(ctx context.Context, jobID string, next models.JobStage, patch models.JobMetadata) error {
	err := p.db.AdvanceJobStage(ctx, jobID, next, patch)
	if errors.Is(err, core.ErrStageRegression) {
		p.log.Info("stage already past, continuing", "job_id", jobID, "stage", next)
		return nil
	}
	return err
}

// fail records the reason on the job; best effort, the pipeline is already on
// its error path. The write runs on a grace context so a reason still lands
// when the run deadline itself caused the failure.
func (p *DocumentPipeline) fail(ctx context.Context, jobID, reason string) {
	fctx, cancel := persistContext(ctx)
	defer cancel()
	if err := p.db.MarkJobFailed(fctx, jobID, reason); err != nil {
		p.log.Error("mark failed did not stick", "job_id", jobID, "err", err)
	}
}

// persistContext detaches from the parent's deadline while keeping its values,
// bounded by persistGrace.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistGrace)
}

func embedReason(err error) string {
	if err == nil {
		return "embedding produced no vectors"
	}
	return err.Error()
}
