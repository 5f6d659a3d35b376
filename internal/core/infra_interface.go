package core

import (
	"context"
	"errors"
	"time"

	"github.com/davekalu/docquery/internal/models"
)

// ErrJobNotFound is returned when an operation names a job id that does not exist.
var ErrJobNotFound = errors.New("job not found")

// ErrStageRegression is returned when an advance would move a job backwards
// along the stage order. Retried worker invocations hit this and treat it as
// a no-op.
var ErrStageRegression = errors.New("stage regression")

// DbClient defines all persistence operations the pipeline and retrieval
// layers need. It abstracts Postgres/pgvector so higher layers never depend
// on a specific store.
type DbClient interface {
	CreateJob(ctx context.Context, job *models.ProcessingJob) error
	GetJobByID(ctx context.Context, id string) (*models.ProcessingJob, error)
	ListJobsByUser(ctx context.Context, userID string) ([]models.ProcessingJob, error)
	DeleteJob(ctx context.Context, id string) error

	// AdvanceJobStage atomically moves a job forward to next, updates the
	// coarse status, and merges patch into the job's metadata. It returns
	// ErrJobNotFound for unknown ids and ErrStageRegression when next is
	// behind the job's current stage.
	AdvanceJobStage(ctx context.Context, id string, next models.JobStage, patch models.JobMetadata) error

	// MarkJobFailed moves a job to the failed stage from any state and records
	// the reason. Idempotent.
	MarkJobFailed(ctx context.Context, id string, reason string) error

	SaveExtractedContent(ctx context.Context, content *models.ExtractedContent) error
	GetExtractedContent(ctx context.Context, jobID string) (*models.ExtractedContent, error)

	// ReplaceJobChunks atomically swaps the job's chunk set for the given rows.
	// A row that fails to write is skipped and counted, not fatal.
	ReplaceJobChunks(ctx context.Context, jobID string, chunks []models.DocumentChunk) (written, skipped int, err error)
	CountJobChunks(ctx context.Context, jobID string) (int, error)

	// SearchChunks runs a nearest-neighbor query over the chunks of the given
	// jobs, ranked by cosine similarity descending with ties broken by chunk
	// index then job id.
	SearchChunks(ctx context.Context, jobIDs []string, queryVec []float32, limit int) ([]models.ChunkMatch, error)

	// ListQueryableJobs returns the user's jobs whose stage admits retrieval,
	// optionally restricted to the given candidate ids.
	ListQueryableJobs(ctx context.Context, userID string, jobIDs []string) ([]models.ProcessingJob, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data []byte, contentType string) error
	GetFile(ctx context.Context, key string) ([]byte, error)
	DeleteFile(ctx context.Context, key string) error

	// PresignUpload returns a write-once pre-authorized PUT URL for the key,
	// used as the upload target handed back by job registration.
	PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
}

// EmbeddingProvider converts a batch of texts into one vector per text, in
// order. A provider fails the whole batch on any single-item failure; partial
// success across batches is modeled above this boundary.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}
