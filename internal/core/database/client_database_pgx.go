package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/davekalu/docquery/internal/config"
	"github.com/davekalu/docquery/internal/core"
	"github.com/davekalu/docquery/internal/models"
)

// stageOrderSQL mirrors models.StageOrder; array_position over it gives the
// rank used by the monotonic-advance guard.
const stageOrderSQL = `'{registered,uploaded,processing,extracted,indexed,injected}'::text[]`

type DatabaseClient struct {
	db  *sql.DB
	log *slog.Logger
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db, log: logger}, nil
}

var _ core.DbClient = (*DatabaseClient)(nil)

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *DatabaseClient) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	if job == nil {
		return errors.New("nil job")
	}
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	const q = `
		INSERT INTO processing_jobs
			(id, user_id, file_name, content_type, byte_size, storage_key, status, stage, metadata)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = c.db.ExecContext(ctx, q,
		job.ID, job.UserID, job.FileName, job.ContentType, job.ByteSize,
		job.StorageKey, string(job.Status), string(job.Stage), meta)
	return err
}

func (c *DatabaseClient) GetJobByID(ctx context.Context, id string) (*models.ProcessingJob, error) {
	const q = `
		SELECT id, user_id, file_name, content_type, byte_size, storage_key,
		       status, stage, metadata, created_at, updated_at
		FROM processing_jobs
		WHERE id = $1
	`
	job, err := scanJob(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	return job, err
}

func (c *DatabaseClient) ListJobsByUser(ctx context.Context, userID string) ([]models.ProcessingJob, error) {
	const q = `
		SELECT id, user_id, file_name, content_type, byte_size, storage_key,
		       status, stage, metadata, created_at, updated_at
		FROM processing_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := c.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DeleteJob removes a job and, through ON DELETE CASCADE, its extracted
// content and chunks. The pipeline itself never calls this; deletion is an
// external operation.
func (c *DatabaseClient) DeleteJob(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM processing_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	return nil
}

func (c *DatabaseClient) AdvanceJobStage(ctx context.Context, id string, next models.JobStage, patch models.JobMetadata) error {
	if next.Rank() < 0 {
		return fmt.Errorf("invalid target stage %q", next)
	}
	meta, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}

	// Single guarded update: the stage may only move forward (equal rank is a
	// no-op merge so retried worker invocations stay idempotent), and a failed
	// job never leaves the failed state through this path.
	q := `
		UPDATE processing_jobs
		SET stage = $2, status = $3, metadata = metadata || $4::jsonb, updated_at = now()
		WHERE id = $1
		  AND stage <> 'failed'
		  AND array_position(` + stageOrderSQL + `, stage) <= array_position(` + stageOrderSQL + `, $2::text)
	`
	res, err := c.db.ExecContext(ctx, q, id, string(next), string(models.StatusForStage(next)), meta)
	if err != nil {
		return fmt.Errorf("advance job %s to %s: %w", id, next, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.log.Info("job stage advanced", "job_id", id, "stage", next)
		return nil
	}

	// Distinguish a missing job from a rejected regression.
	if _, err := c.GetJobByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s cannot move to %s", core.ErrStageRegression, id, next)
}

func (c *DatabaseClient) MarkJobFailed(ctx context.Context, id string, reason string) error {
	meta, err := json.Marshal(models.JobMetadata{FailureReason: reason})
	if err != nil {
		return fmt.Errorf("marshal failure metadata: %w", err)
	}
	const q = `
		UPDATE processing_jobs
		SET stage = 'failed', status = 'failed', metadata = metadata || $2::jsonb, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, meta)
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	c.log.Warn("job marked failed", "job_id", id, "reason", reason)
	return nil
}

func (c *DatabaseClient) SaveExtractedContent(ctx context.Context, content *models.ExtractedContent) error {
	if content == nil {
		return errors.New("nil extracted content")
	}
	structure, err := json.Marshal(content.Structure)
	if err != nil {
		return fmt.Errorf("marshal structure: %w", err)
	}
	// Extracted content is write-once; a retried worker invocation hitting the
	// conflict is a no-op.
	const q = `
		INSERT INTO extracted_contents (job_id, text, structure)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO NOTHING
	`
	_, err = c.db.ExecContext(ctx, q, content.JobID, content.Text, structure)
	return err
}

func (c *DatabaseClient) GetExtractedContent(ctx context.Context, jobID string) (*models.ExtractedContent, error) {
	const q = `
		SELECT job_id, text, structure, created_at
		FROM extracted_contents
		WHERE job_id = $1
	`
	var (
		ec        models.ExtractedContent
		structure []byte
	)
	err := c.db.QueryRowContext(ctx, q, jobID).Scan(&ec.JobID, &ec.Text, &structure, &ec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(structure) > 0 {
		if err := json.Unmarshal(structure, &ec.Structure); err != nil {
			return nil, fmt.Errorf("unmarshal structure: %w", err)
		}
	}
	return &ec, nil
}

// ReplaceJobChunks swaps the job's chunk set in one transaction. Each insert
// runs under its own savepoint so a bad row is rolled back, counted, and
// skipped without aborting the batch.
func (c *DatabaseClient) ReplaceJobChunks(ctx context.Context, jobID string, chunks []models.DocumentChunk) (int, int, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE job_id = $1`, jobID); err != nil {
		return 0, 0, fmt.Errorf("clear prior chunks: %w", err)
	}

	const q = `
		INSERT INTO document_chunks (id, job_id, chunk_index, text, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	var written, skipped int
	for i := range chunks {
		ch := &chunks[i]
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			c.log.Error("chunk metadata marshal failed", "job_id", jobID, "chunk_index", ch.ChunkIndex, "err", err)
			skipped++
			continue
		}

		if _, err := tx.ExecContext(ctx, `SAVEPOINT chunk_write`); err != nil {
			return written, skipped, fmt.Errorf("savepoint: %w", err)
		}
		vec := pgvector.NewVector(ch.Embedding)
		if _, err := tx.ExecContext(ctx, q, ch.ID, ch.JobID, ch.ChunkIndex, ch.Text, vec, meta); err != nil {
			c.log.Error("chunk insert failed, skipping", "job_id", jobID, "chunk_index", ch.ChunkIndex, "err", err)
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT chunk_write`); rbErr != nil {
				return written, skipped, fmt.Errorf("rollback to savepoint: %w", rbErr)
			}
			skipped++
			continue
		}
		if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT chunk_write`); err != nil {
			return written, skipped, fmt.Errorf("release savepoint: %w", err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit chunks: %w", err)
	}
	return written, skipped, nil
}

func (c *DatabaseClient) CountJobChunks(ctx context.Context, jobID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM document_chunks WHERE job_id = $1`, jobID).Scan(&n)
	return n, err
}

// SearchChunks runs a cosine nearest-neighbor query restricted to the given
// jobs. Ties are broken by chunk index then job id so a fixed index state and
// query always rank identically.
func (c *DatabaseClient) SearchChunks(ctx context.Context, jobIDs []string, queryVec []float32, limit int) ([]models.ChunkMatch, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	const q = `
		SELECT job_id, chunk_index, text, 1 - (embedding <=> $1) AS similarity
		FROM document_chunks
		WHERE job_id::text = ANY($2)
		ORDER BY embedding <=> $1 ASC, chunk_index ASC, job_id ASC
		LIMIT $3
	`
	vec := pgvector.NewVector(queryVec)
	rows, err := c.db.QueryContext(ctx, q, vec, jobIDs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChunkMatch
	for rows.Next() {
		var m models.ChunkMatch
		if err := rows.Scan(&m.JobID, &m.ChunkIndex, &m.Text, &m.Similarity); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) ListQueryableJobs(ctx context.Context, userID string, jobIDs []string) ([]models.ProcessingJob, error) {
	const q = `
		SELECT id, user_id, file_name, content_type, byte_size, storage_key,
		       status, stage, metadata, created_at, updated_at
		FROM processing_jobs
		WHERE user_id = $1
		  AND stage IN ('extracted', 'indexed', 'injected')
		  AND (cardinality($2::text[]) = 0 OR id::text = ANY($2))
		ORDER BY created_at DESC
	`
	if jobIDs == nil {
		jobIDs = []string{}
	}
	rows, err := c.db.QueryContext(ctx, q, userID, jobIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.ProcessingJob, error) {
	var (
		j    models.ProcessingJob
		meta []byte
	)
	err := row.Scan(
		&j.ID, &j.UserID, &j.FileName, &j.ContentType, &j.ByteSize, &j.StorageKey,
		&j.Status, &j.Stage, &meta, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal job metadata: %w", err)
		}
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]models.ProcessingJob, error) {
	var out []models.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
