package ingestion_engine

import "context"

type Ingestor interface {
	Start(ctx context.Context, numWorkers int)
	Enqueue(jobID string) error
	ProcessOne(ctx context.Context, jobID string) error
}
