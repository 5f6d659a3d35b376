package ingestion_engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/davekalu/docquery/internal/core"
	"github.com/davekalu/docquery/internal/models"
)

// IndexWriter persists embedded chunks into the vector store. Re-running
// ingestion for a job replaces the prior chunk set atomically; an individual
// row that fails to write is skipped and counted rather than aborting the
// batch.
type IndexWriter struct {
	db  core.DbClient
	log *slog.Logger
}

func NewIndexWriter(db core.DbClient, logger *slog.Logger) *IndexWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexWriter{db: db, log: logger}
}

// WriteChunks stores one row per chunk that has a vector. chunks and vectors
// are index-aligned; vectors may be a prefix of chunks when embedding stopped
// early.
func (w *IndexWriter) WriteChunks(ctx context.Context, jobID string, chunks []Chunk, vectors [][]float32) (written, skipped int, err error) {
	if len(vectors) > len(chunks) {
		return 0, 0, fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))
	}

	rows := make([]models.DocumentChunk, 0, len(vectors))
	for i, vec := range vectors {
		rows = append(rows, models.DocumentChunk{
			ID:         uuid.NewString(),
			JobID:      jobID,
			ChunkIndex: chunks[i].Index,
			Text:       chunks[i].Text,
			Embedding:  vec,
			Metadata: models.ChunkMetadata{
				StartOffset: chunks[i].Start,
				EndOffset:   chunks[i].End,
			},
		})
	}

	written, skipped, err = w.db.ReplaceJobChunks(ctx, jobID, rows)
	if err != nil {
		return written, skipped, fmt.Errorf("replace chunks for job %s: %w", jobID, err)
	}
	if skipped > 0 {
		w.log.Warn("some chunks were not indexed", "job_id", jobID, "written", written, "skipped", skipped)
	}
	return written, skipped, nil
}
