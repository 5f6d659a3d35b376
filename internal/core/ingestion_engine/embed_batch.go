package ingestion_engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davekalu/docquery/internal/core"
)

// BatchResult reports how far embedding got. Vectors is always a contiguous
// prefix of the input: Vectors[i] belongs to chunk index i. Partial success is
// an expected outcome, not an error path.
type BatchResult struct {
	Vectors       [][]float32
	EmbeddedCount int
	FullyEmbedded bool
}

// BatchProcessor converts chunk texts into unit-length vectors in bounded
// batches. Each embedding call gets a per-batch timeout and exactly one retry
// with backoff; the whole run additionally carries an overall deadline. When
// either budget is exhausted the processor stops and keeps what completed, so
// an unbounded document can never hang the pipeline.
type BatchProcessor struct {
	embedder     core.EmbeddingProvider
	batchSize    int
	batchTimeout time.Duration
	totalTimeout time.Duration
	retryBackoff time.Duration
	log          *slog.Logger
}

func NewBatchProcessor(embedder core.EmbeddingProvider, batchSize int, batchTimeout, totalTimeout time.Duration, logger *slog.Logger) *BatchProcessor {
	if batchSize <= 0 {
		batchSize = 100
	}
	if batchTimeout <= 0 {
		batchTimeout = 30 * time.Second
	}
	if totalTimeout <= 0 {
		totalTimeout = 4 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchProcessor{
		embedder:     embedder,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		totalTimeout: totalTimeout,
		retryBackoff: 2 * time.Second,
		log:          logger,
	}
}

// EmbedAll embeds texts batch by batch, in order. The returned result is
// always usable; a non-nil error explains why embedding stopped short when
// FullyEmbedded is false. Batch order is preserved so the success region is a
// contiguous "embedded through chunk N" prefix.
func (p *BatchProcessor) EmbedAll(ctx context.Context, texts []string) (*BatchResult, error) {
	res := &BatchResult{Vectors: make([][]float32, 0, len(texts))}
	if len(texts) == 0 {
		res.FullyEmbedded = true
		return res, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, p.totalTimeout)
	defer cancel()

	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		vecs, err := p.embedBatch(runCtx, texts[start:end])
		if err != nil {
			p.log.Warn("embedding stopped at batch boundary",
				"from_chunk", start, "to_chunk", end-1, "embedded", res.EmbeddedCount, "err", err)
			return res, fmt.Errorf("embed chunks %d..%d: %w", start, end-1, err)
		}

		for _, v := range vecs {
			res.Vectors = append(res.Vectors, core.NormalizeVector(v))
		}
		res.EmbeddedCount = len(res.Vectors)
	}

	res.FullyEmbedded = true
	return res, nil
}

// embedBatch issues one collaborator call under the per-batch timeout, with a
// single backoff retry. A batch that exceeds its budget twice is failed, never
// retried again.
func (p *BatchProcessor) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	vecs, err := p.callEmbedder(ctx, batch)
	if err == nil {
		return vecs, nil
	}
	if ctx.Err() != nil {
		// Overall deadline hit; retrying would overrun the budget.
		return nil, err
	}

	select {
	case <-time.After(p.retryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.callEmbedder(ctx, batch)
}

func (p *BatchProcessor) callEmbedder(ctx context.Context, batch []string) ([][]float32, error) {
	return callWithTimeout(ctx, p.batchTimeout, func(callCtx context.Context) ([][]float32, error) {
		vecs, err := p.embedder.EmbedTexts(callCtx, batch)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(batch))
		}
		return vecs, nil
	})
}

// callWithTimeout bounds one external call. Every collaborator suspension
// point in the pipeline goes through this, so timeout semantics stay uniform.
func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(callCtx)
}
