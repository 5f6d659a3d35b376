package services

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davekalu/docquery/internal/core"
	"github.com/davekalu/docquery/internal/models"
)

// presignTTL bounds how long an upload target stays valid.
const presignTTL = 15 * time.Minute

// JobService owns job registration and the caller-facing lifecycle edges: it
// creates jobs, hands out upload targets, confirms uploads, and serves status
// queries. The pipeline itself mutates everything between uploaded and
// indexed.
type JobService struct {
	db      core.DbClient
	storage core.ObjectClient
	log     *slog.Logger
}

func NewJobService(db core.DbClient, storage core.ObjectClient, logger *slog.Logger) *JobService {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{db: db, storage: storage, log: logger}
}

// Register creates a job at the registered stage and returns it together with
// a pre-authorized upload URL for the raw bytes.
func (s *JobService) Register(ctx context.Context, userID, fileName, contentType string, byteSize int64) (*models.ProcessingJob, string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	jobID := uuid.NewString()
	key := s.objectKey(userID, jobID, fileName)

	uploadURL, err := s.storage.PresignUpload(ctx, key, contentType, presignTTL)
	if err != nil {
		return nil, "", fmt.Errorf("presign upload target: %w", err)
	}

	job := &models.ProcessingJob{
		ID:          jobID,
		UserID:      userID,
		FileName:    fileName,
		ContentType: contentType,
		ByteSize:    byteSize,
		StorageKey:  key,
		Status:      models.StatusRegistered,
		Stage:       models.StageRegistered,
	}
	if err := s.db.CreateJob(ctx, job); err != nil {
		return nil, "", fmt.Errorf("create job: %w", err)
	}
	s.log.Info("job registered", "job_id", jobID, "user_id", userID, "file", fileName)
	return job, uploadURL, nil
}

// UploadDirect is the convenience path that routes the bytes through this
// service instead of a presigned URL; the job lands directly at uploaded.
func (s *JobService) UploadDirect(ctx context.Context, userID, fileName, contentType string, data []byte) (*models.ProcessingJob, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	jobID := uuid.NewString()
	key := s.objectKey(userID, jobID, fileName)

	if err := s.storage.UploadFile(ctx, key, data, contentType); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	job := &models.ProcessingJob{
		ID:          jobID,
		UserID:      userID,
		FileName:    fileName,
		ContentType: contentType,
		ByteSize:    int64(len(data)),
		StorageKey:  key,
		Status:      models.StatusUploaded,
		Stage:       models.StageUploaded,
	}
	if err := s.db.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.log.Info("job uploaded directly", "job_id", jobID, "user_id", userID, "bytes", len(data))
	return job, nil
}

// ConfirmUploaded records that the raw bytes reached the object store.
func (s *JobService) ConfirmUploaded(ctx context.Context, userID, jobID string) error {
	if _, err := s.ownedJob(ctx, userID, jobID); err != nil {
		return err
	}
	return s.db.AdvanceJobStage(ctx, jobID, models.StageUploaded, models.JobMetadata{})
}

// ConfirmInjected sets the optional caller-confirmed availability marker.
// Retrieval already works from indexed; this only records the caller's ack.
func (s *JobService) ConfirmInjected(ctx context.Context, userID, jobID string) error {
	if _, err := s.ownedJob(ctx, userID, jobID); err != nil {
		return err
	}
	return s.db.AdvanceJobStage(ctx, jobID, models.StageInjected, models.JobMetadata{})
}

// Status returns the job for polling clients.
func (s *JobService) Status(ctx context.Context, userID, jobID string) (*models.ProcessingJob, error) {
	return s.ownedJob(ctx, userID, jobID)
}

func (s *JobService) List(ctx context.Context, userID string) ([]models.ProcessingJob, error) {
	return s.db.ListJobsByUser(ctx, userID)
}

// Delete removes the stored object and the job row (chunks and extracted
// content cascade). This is the external deletion operation; the pipeline
// never deletes jobs.
func (s *JobService) Delete(ctx context.Context, userID, jobID string) error {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if err := s.storage.DeleteFile(ctx, job.StorageKey); err != nil {
		s.log.Warn("stored object delete failed, removing job anyway", "job_id", jobID, "err", err)
	}
	return s.db.DeleteJob(ctx, jobID)
}

// ownedJob loads a job and hides other users' jobs behind not-found.
func (s *JobService) ownedJob(ctx context.Context, userID, jobID string) (*models.ProcessingJob, error) {
	job, err := s.db.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}
	return job, nil
}

// objectKey creates a consistent object key layout.
func (s *JobService) objectKey(userID, jobID, filename string) string {
	filename = strings.TrimSpace(path.Base(filename))
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("users", userID, "jobs", jobID, filename)
}
