package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	middleware "github.com/davekalu/docquery/internal/api/middlewares"
	"github.com/davekalu/docquery/internal/core"
	"github.com/davekalu/docquery/internal/core/ingestion_engine"
	"github.com/davekalu/docquery/internal/models"
	"github.com/davekalu/docquery/internal/services"
)

const maxUploadBytes = 52 << 20 // 52 MB

type DocumentHandler struct {
	jobs     *services.JobService
	ingestor ingestion_engine.Ingestor
	log      *slog.Logger
}

func NewDocumentHandler(jobs *services.JobService, ingestor ingestion_engine.Ingestor, logger *slog.Logger) *DocumentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentHandler{jobs: jobs, ingestor: ingestor, log: logger}
}

type registerRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	ByteSize    int64  `json:"byte_size"`
}

type registerResponse struct {
	JobID      string `json:"job_id"`
	UploadURL  string `json:"upload_url"`
	StorageKey string `json:"storage_key"`
}

// Register creates a processing job and returns a presigned upload target.
func (h *DocumentHandler) Register(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileName == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	job, uploadURL, err := h.jobs.Register(r.Context(), userID, req.FileName, req.ContentType, req.ByteSize)
	if err != nil {
		h.log.Error("job registration failed", "user_id", userID, "err", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		JobID:      job.ID,
		UploadURL:  uploadURL,
		StorageKey: job.StorageKey,
	})
}

// Upload is the multipart convenience path: the file goes through this
// service to the object store and the job lands at uploaded.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "invalid file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read upload", http.StatusBadRequest)
		return
	}

	contentType := header.Header.Get("Content-Type")
	job, err := h.jobs.UploadDirect(r.Context(), userID, filepath.Base(header.Filename), contentType, data)
	if err != nil {
		h.log.Error("direct upload failed", "user_id", userID, "err", err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// ConfirmUploaded moves a registered job to uploaded once the caller has
// pushed the bytes to the presigned target.
func (h *DocumentHandler) ConfirmUploaded(w http.ResponseWriter, r *http.Request) {
	h.advanceEdge(w, r, h.jobs.ConfirmUploaded)
}

// ConfirmInjected records the caller's acknowledgement that the job's content
// is available downstream.
func (h *DocumentHandler) ConfirmInjected(w http.ResponseWriter, r *http.Request) {
	h.advanceEdge(w, r, h.jobs.ConfirmInjected)
}

// Process triggers the ingestion pipeline for an uploaded job. The work is
// asynchronous; callers poll the status endpoint for the outcome.
func (h *DocumentHandler) Process(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jobID := chi.URLParam(r, "jobID")

	job, err := h.jobs.Status(r.Context(), userID, jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	if job.Stage.Rank() < models.StageUploaded.Rank() {
		http.Error(w, "job has no uploaded file yet", http.StatusConflict)
		return
	}

	if err := h.ingestor.Enqueue(jobID); err != nil {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "ingestion queue is full, retry shortly", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, statusPayload(job))
}

// Status serves the poll-based status query.
func (h *DocumentHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	job, err := h.jobs.Status(r.Context(), userID, chi.URLParam(r, "jobID"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusPayload(job))
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	jobs, err := h.jobs.List(r.Context(), userID)
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.ProcessingJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.jobs.Delete(r.Context(), userID, chi.URLParam(r, "jobID")); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) advanceEdge(w http.ResponseWriter, r *http.Request, edge func(ctx context.Context, userID, jobID string) error) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jobID := chi.URLParam(r, "jobID")

	if err := edge(r.Context(), userID, jobID); err != nil {
		writeJobError(w, err)
		return
	}

	job, err := h.jobs.Status(r.Context(), userID, jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusPayload(job))
}

type jobStatusResponse struct {
	JobID    string             `json:"job_id"`
	Status   models.JobStatus   `json:"status"`
	Stage    models.JobStage    `json:"stage"`
	Metadata models.JobMetadata `json:"metadata"`
}

func statusPayload(job *models.ProcessingJob) jobStatusResponse {
	return jobStatusResponse{
		JobID:    job.ID,
		Status:   job.Status,
		Stage:    job.Stage,
		Metadata: job.Metadata,
	}
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrJobNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, core.ErrStageRegression):
		http.Error(w, "job already past this stage", http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
