package ingestion_engine

import "time"

// IngestConfig tunes the ingestion pipeline.
//
// ChunkSize / ChunkOverlap: character window parameters, validated once at
// startup (overlap strictly smaller than size).
// BatchSize:       chunks per embedding-collaborator call.
// BatchTimeout:    budget for one embedding call (one retry allowed).
// EmbedTimeout:    overall budget for embedding a whole document. Must stay
// below PipelineTimeout so the embed budget fires first and partial results
// can still be persisted inside the run.
// PipelineTimeout: hard ceiling for one job's pipeline run, kept below the
// host execution limit so a timeout is always detected and reported here.
type IngestConfig struct {
	ChunkSize       int
	ChunkOverlap    int
	BatchSize       int
	BatchTimeout    time.Duration
	EmbedTimeout    time.Duration
	PipelineTimeout time.Duration
}

func (c *IngestConfig) applyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = DefaultChunkOverlap
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.EmbedTimeout == 0 {
		c.EmbedTimeout = 4 * time.Minute
	}
	if c.PipelineTimeout == 0 {
		c.PipelineTimeout = 270 * time.Second
	}
}
