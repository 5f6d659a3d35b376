package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davekalu/docquery/internal/core"
	"github.com/davekalu/docquery/internal/models"
)

// fakeDB is an in-memory DbClient that enforces the same stage-forward rule as
// the real store and records every successful advance.
type fakeDB struct {
	mu      sync.Mutex
	jobs    map[string]*models.ProcessingJob
	content map[string]*models.ExtractedContent
	chunks  map[string][]models.DocumentChunk
	history map[string][]models.JobStage
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		jobs:    map[string]*models.ProcessingJob{},
		content: map[string]*models.ExtractedContent{},
		chunks:  map[string][]models.DocumentChunk{},
		history: map[string][]models.JobStage{},
	}
}

func (f *fakeDB) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeDB) GetJobByID(ctx context.Context, id string) (*models.ProcessingJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeDB) ListJobsByUser(ctx context.Context, userID string) ([]models.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ProcessingJob
	for _, j := range f.jobs {
		if j.UserID == userID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeDB) DeleteJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return core.ErrJobNotFound
	}
	delete(f.jobs, id)
	delete(f.content, id)
	delete(f.chunks, id)
	return nil
}

func (f *fakeDB) AdvanceJobStage(ctx context.Context, id string, next models.JobStage, patch models.JobMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return core.ErrJobNotFound
	}
	if job.Stage == models.StageFailed || next.Rank() < job.Stage.Rank() {
		return core.ErrStageRegression
	}
	job.Stage = next
	job.Status = models.StatusForStage(next)
	mergeMetadata(&job.Metadata, patch)
	f.history[id] = append(f.history[id], next)
	return nil
}

func mergeMetadata(dst *models.JobMetadata, patch models.JobMetadata) {
	if patch.ChunksTotal != nil {
		dst.ChunksTotal = patch.ChunksTotal
	}
	if patch.ChunksEmbedded != nil {
		dst.ChunksEmbedded = patch.ChunksEmbedded
	}
	if patch.ChunksSkipped != nil {
		dst.ChunksSkipped = patch.ChunksSkipped
	}
	if patch.FullyEmbedded != nil {
		dst.FullyEmbedded = patch.FullyEmbedded
	}
	if patch.FailureReason != "" {
		dst.FailureReason = patch.FailureReason
	}
}

func (f *fakeDB) MarkJobFailed(ctx context.Context, id string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return core.ErrJobNotFound
	}
	job.Stage = models.StageFailed
	job.Status = models.StatusFailed
	job.Metadata.FailureReason = reason
	f.history[id] = append(f.history[id], models.StageFailed)
	return nil
}

func (f *fakeDB) SaveExtractedContent(ctx context.Context, content *models.ExtractedContent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.content[content.JobID]; ok {
		return nil // write once
	}
	cp := *content
	f.content[content.JobID] = &cp
	return nil
}

func (f *fakeDB) GetExtractedContent(ctx context.Context, jobID string) (*models.ExtractedContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.content[jobID]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeDB) ReplaceJobChunks(ctx context.Context, jobID string, chunks []models.DocumentChunk) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]models.DocumentChunk, len(chunks))
	copy(rows, chunks)
	f.chunks[jobID] = rows
	return len(rows), 0, nil
}

func (f *fakeDB) CountJobChunks(ctx context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks[jobID]), nil
}

func (f *fakeDB) SearchChunks(ctx context.Context, jobIDs []string, queryVec []float32, limit int) ([]models.ChunkMatch, error) {
	return nil, nil
}

func (f *fakeDB) ListQueryableJobs(ctx context.Context, userID string, jobIDs []string) ([]models.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ProcessingJob
	for _, j := range f.jobs {
		if j.UserID == userID && j.Stage.Queryable() {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeDB) Close() error { return nil }

func (f *fakeDB) stageHistory(jobID string) []models.JobStage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.JobStage{}, f.history[jobID]...)
}

type fakeObjectStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{files: map[string][]byte{}}
}

func (f *fakeObjectStore) UploadFile(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[key] = append([]byte{}, data...)
	return nil
}

func (f *fakeObjectStore) GetFile(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[key]
	if !ok {
		return nil, fmt.Errorf("no such key %q", key)
	}
	return append([]byte{}, data...), nil
}

func (f *fakeObjectStore) DeleteFile(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, key)
	return nil
}

func (f *fakeObjectStore) PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	return "https://uploads.example.test/" + key, nil
}

// plainTextExtractor passes file bytes through as text and rejects anything
// that is not text/plain.
type plainTextExtractor struct{}

func (plainTextExtractor) ExtractText(ctx context.Context, data []byte, contentType string) (*core.ExtractionResult, error) {
	if contentType != "text/plain" {
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedFormat, contentType)
	}
	return &core.ExtractionResult{Text: string(data)}, nil
}

func testIngestConfig() *IngestConfig {
	return &IngestConfig{
		ChunkSize:       200,
		ChunkOverlap:    30,
		BatchSize:       10,
		BatchTimeout:    time.Second,
		EmbedTimeout:    30 * time.Second,
		PipelineTimeout: time.Minute,
	}
}

func newTestPipeline(t *testing.T, db *fakeDB, obj *fakeObjectStore, emb core.EmbeddingProvider) *DocumentPipeline {
	t.Helper()
	p, err := NewDocumentPipeline(db, obj, plainTextExtractor{}, emb, testIngestConfig(), nil)
	require.NoError(t, err)
	p.batches.retryBackoff = time.Millisecond
	return p
}

func seedJob(t *testing.T, db *fakeDB, obj *fakeObjectStore, id, contentType, text string) {
	t.Helper()
	key := "users/u1/jobs/" + id + "/doc.txt"
	require.NoError(t, obj.UploadFile(context.Background(), key, []byte(text), contentType))
	require.NoError(t, db.CreateJob(context.Background(), &models.ProcessingJob{
		ID:          id,
		UserID:      "u1",
		FileName:    "doc.txt",
		ContentType: contentType,
		ByteSize:    int64(len(text)),
		StorageKey:  key,
		Status:      models.StatusUploaded,
		Stage:       models.StageUploaded,
	}))
}

func TestProcessOne_Success(t *testing.T) {
	db := newFakeDB()
	obj := newFakeObjectStore()
	p := newTestPipeline(t, db, obj, &stubEmbedder{})

	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 30)
	seedJob(t, db, obj, "job-1", "text/plain", text)

	require.NoError(t, p.ProcessOne(context.Background(), "job-1"))

	job, err := db.GetJobByID(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageIndexed, job.Stage)
	assert.Equal(t, models.StatusCompleted, job.Status)

	require.NotNil(t, job.Metadata.ChunksTotal)
	require.NotNil(t, job.Metadata.ChunksEmbedded)
	require.NotNil(t, job.Metadata.FullyEmbedded)
	assert.Equal(t, *job.Metadata.ChunksTotal, *job.Metadata.ChunksEmbedded)
	assert.True(t, *job.Metadata.FullyEmbedded)

	stored, err := db.CountJobChunks(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, *job.Metadata.ChunksTotal, stored)

	assert.Equal(t,
		[]models.JobStage{models.StageProcessing, models.StageExtracted, models.StageIndexed},
		db.stageHistory("job-1"))

	content, err := db.GetExtractedContent(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, text, content.Text)
}

func TestProcessOne_UnsupportedFormatFailsJob(t *testing.T) {
	db := newFakeDB()
	obj := newFakeObjectStore()
	p := newTestPipeline(t, db, obj, &stubEmbedder{})

	seedJob(t, db, obj, "job-pdfish", "application/x-magic", "binary gunk")

	err := p.ProcessOne(context.Background(), "job-pdfish")
	require.ErrorIs(t, err, core.ErrUnsupportedFormat)

	job, _ := db.GetJobByID(context.Background(), "job-pdfish")
	assert.Equal(t, models.StageFailed, job.Stage)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, job.Metadata.FailureReason, "unsupported")

	stored, _ := db.CountJobChunks(context.Background(), "job-pdfish")
	assert.Zero(t, stored)
}

func TestProcessOne_EmbedderDownKeepsJobExtracted(t *testing.T) {
	db := newFakeDB()
	obj := newFakeObjectStore()
	emb := &stubEmbedder{failCalls: map[int]error{
		1: errors.New("embedding service down"),
		2: errors.New("embedding service down"),
	}}
	p := newTestPipeline(t, db, obj, emb)

	seedJob(t, db, obj, "job-noembed", "text/plain", strings.Repeat("words here. ", 20))

	err := p.ProcessOne(context.Background(), "job-noembed")
	require.Error(t, err)

	// The job is not failed: the saved text still serves keyword retrieval.
	job, _ := db.GetJobByID(context.Background(), "job-noembed")
	assert.Equal(t, models.StageExtracted, job.Stage)
	assert.Equal(t, models.StatusProcessing, job.Status)

	// The outcome is still recorded so the status poller can tell "not indexed"
	// from "still working".
	require.NotNil(t, job.Metadata.ChunksEmbedded)
	assert.Zero(t, *job.Metadata.ChunksEmbedded)
	require.NotNil(t, job.Metadata.FullyEmbedded)
	assert.False(t, *job.Metadata.FullyEmbedded)
	assert.Contains(t, job.Metadata.FailureReason, "embedding service down")

	_, cErr := db.GetExtractedContent(context.Background(), "job-noembed")
	assert.NoError(t, cErr)

	stored, _ := db.CountJobChunks(context.Background(), "job-noembed")
	assert.Zero(t, stored)
}

func TestProcessOne_RunDeadlineMidEmbeddingKeepsCompletedBatches(t *testing.T) {
	db := newFakeDB()
	obj := newFakeObjectStore()
	// First batch embeds, second stalls until the run ceiling expires.
	emb := &stubEmbedder{stallOn: map[int]bool{2: true}}

	cfg := testIngestConfig()
	cfg.EmbedTimeout = time.Minute
	cfg.PipelineTimeout = 150 * time.Millisecond
	p, err := NewDocumentPipeline(db, obj, plainTextExtractor{}, emb, cfg, nil)
	require.NoError(t, err)
	p.batches.retryBackoff = time.Millisecond

	seedJob(t, db, obj, "job-ceiling", "text/plain", strings.Repeat("sentence fragment. ", 300))

	require.NoError(t, p.ProcessOne(context.Background(), "job-ceiling"))

	// Batches completed before the deadline must survive it.
	stored, _ := db.CountJobChunks(context.Background(), "job-ceiling")
	assert.Equal(t, 10, stored)

	job, _ := db.GetJobByID(context.Background(), "job-ceiling")
	assert.Equal(t, models.StageIndexed, job.Stage)
	require.NotNil(t, job.Metadata.ChunksEmbedded)
	assert.Equal(t, 10, *job.Metadata.ChunksEmbedded)
	require.NotNil(t, job.Metadata.FullyEmbedded)
	assert.False(t, *job.Metadata.FullyEmbedded)
	assert.NotEmpty(t, job.Metadata.FailureReason, "the cutoff reason must reach the status poller")
}

func TestEnqueue_ReportsFullQueue(t *testing.T) {
	p := newTestPipeline(t, newFakeDB(), newFakeObjectStore(), &stubEmbedder{})

	// No workers running, so the queue fills to capacity.
	for i := 0; i < cap(p.jobs); i++ {
		require.NoError(t, p.Enqueue(fmt.Sprintf("job-%d", i)))
	}
	assert.ErrorIs(t, p.Enqueue("overflow"), ErrQueueFull)
}

func TestProcessOne_EmptyDocumentIndexesWithZeroChunks(t *testing.T) {
	db := newFakeDB()
	obj := newFakeObjectStore()
	p := newTestPipeline(t, db, obj, &stubEmbedder{})

	seedJob(t, db, obj, "job-empty", "text/plain", "")

	require.NoError(t, p.ProcessOne(context.Background(), "job-empty"))

	job, _ := db.GetJobByID(context.Background(), "job-empty")
	assert.Equal(t, models.StageIndexed, job.Stage)
	require.NotNil(t, job.Metadata.ChunksTotal)
	assert.Zero(t, *job.Metadata.ChunksTotal)
	require.NotNil(t, job.Metadata.FullyEmbedded)
	assert.True(t, *job.Metadata.FullyEmbedded)
}

func TestProcessOne_PartialEmbeddingIndexesPrefix(t *testing.T) {
	db := newFakeDB()
	obj := newFakeObjectStore()
	// First batch embeds, second batch fails both attempts.
	emb := &stubEmbedder{failCalls: map[int]error{
		2: errors.New("quota exceeded"),
		3: errors.New("quota exceeded"),
	}}
	p := newTestPipeline(t, db, obj, emb)

	// Enough text for well over one 10-chunk batch at size 200 / overlap 30.
	seedJob(t, db, obj, "job-partial", "text/plain", strings.Repeat("sentence fragment. ", 300))

	require.NoError(t, p.ProcessOne(context.Background(), "job-partial"))

	job, _ := db.GetJobByID(context.Background(), "job-partial")
	assert.Equal(t, models.StageIndexed, job.Stage)
	require.NotNil(t, job.Metadata.ChunksEmbedded)
	assert.Equal(t, 10, *job.Metadata.ChunksEmbedded)
	require.NotNil(t, job.Metadata.FullyEmbedded)
	assert.False(t, *job.Metadata.FullyEmbedded)

	stored, _ := db.CountJobChunks(context.Background(), "job-partial")
	assert.Equal(t, 10, stored)
}

func TestProcessOne_UnknownJob(t *testing.T) {
	db := newFakeDB()
	p := newTestPipeline(t, db, newFakeObjectStore(), &stubEmbedder{})

	err := p.ProcessOne(context.Background(), "nope")
	require.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestProcessOne_RerunIsIdempotent(t *testing.T) {
	db := newFakeDB()
	obj := newFakeObjectStore()
	p := newTestPipeline(t, db, obj, &stubEmbedder{})

	seedJob(t, db, obj, "job-rerun", "text/plain", strings.Repeat("repeatable text. ", 50))

	require.NoError(t, p.ProcessOne(context.Background(), "job-rerun"))
	first, _ := db.CountJobChunks(context.Background(), "job-rerun")

	// A redelivered job runs the pipeline again; stage advances become no-ops
	// and the chunk set is replaced, not duplicated.
	require.NoError(t, p.ProcessOne(context.Background(), "job-rerun"))

	job, _ := db.GetJobByID(context.Background(), "job-rerun")
	assert.Equal(t, models.StageIndexed, job.Stage)

	second, _ := db.CountJobChunks(context.Background(), "job-rerun")
	assert.Equal(t, first, second)
}
