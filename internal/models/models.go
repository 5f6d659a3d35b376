package models

import (
	"time"
)

// ProcessingJob represents one unit of document-ingestion work, owned by a user.
type ProcessingJob struct {
	ID          string      `db:"id" json:"id"`
	UserID      string      `db:"user_id" json:"user_id"`
	FileName    string      `db:"file_name" json:"file_name"`
	ContentType string      `db:"content_type" json:"content_type"`
	ByteSize    int64       `db:"byte_size" json:"byte_size"`
	StorageKey  string      `db:"storage_key" json:"storage_key"` // S3 object key
	Status      JobStatus   `db:"status" json:"status"`
	Stage       JobStage    `db:"stage" json:"stage"`
	Metadata    JobMetadata `db:"metadata" json:"metadata"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// ExtractedContent holds the raw extracted text for a job. At most one per job,
// written once after extraction succeeds and never mutated.
type ExtractedContent struct {
	JobID     string            `db:"job_id" json:"job_id"`
	Text      string            `db:"text" json:"text"`
	Structure map[string]string `db:"structure" json:"structure,omitempty"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}

// DocumentChunk is one embedded window of a job's extracted text.
// Chunk indices per job are contiguous and zero-based.
type DocumentChunk struct {
	ID         string        `db:"id" json:"id"`
	JobID      string        `db:"job_id" json:"job_id"`
	ChunkIndex int           `db:"chunk_index" json:"chunk_index"`
	Text       string        `db:"text" json:"text"`
	Embedding  []float32     `db:"embedding" json:"embedding"` // pgvector column
	Metadata   ChunkMetadata `db:"metadata" json:"metadata"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
}

// ChunkMetadata records where a chunk came from inside the source text.
// Offsets are rune offsets into the extracted text.
type ChunkMetadata struct {
	StartOffset int `json:"startOffset"`
	EndOffset   int `json:"endOffset"`
}

// ChunkMatch is one similarity-search hit returned by the vector store.
type ChunkMatch struct {
	JobID      string
	ChunkIndex int
	Text       string
	Similarity float64 // raw cosine similarity in [-1, 1]
}
