package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davekalu/docquery/internal/config"
	db "github.com/davekalu/docquery/internal/core/database"
	"github.com/davekalu/docquery/internal/core/extraction"
	"github.com/davekalu/docquery/internal/core/ingestion_engine"
	"github.com/davekalu/docquery/internal/core/llm"
	objectclient "github.com/davekalu/docquery/internal/core/object-client"
	"github.com/davekalu/docquery/internal/core/retrieval"
	"github.com/davekalu/docquery/internal/services"
)

type App struct {
	DBClient *db.DatabaseClient
	Embedder *llm.GeminiEmbedder
	Pipeline ingestion_engine.Ingestor
	Server   *Server
}

func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbClient, err := db.NewDatabaseClient(initCtx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("database initialized and ready")

	objClient, err := objectclient.NewS3Client(initCtx, cfg, logger)
	if err != nil {
		return nil, err
	}

	embedder, err := llm.NewGeminiEmbedder(initCtx, cfg.AIAPIKey, cfg.EmbedModel)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
	}

	extractor := extraction.NewDocconvExtractor(false)

	pipeline, err := ingestion_engine.NewDocumentPipeline(dbClient, objClient, extractor, embedder, &ingestion_engine.IngestConfig{
		ChunkSize:       cfg.ChunkSize,
		ChunkOverlap:    cfg.ChunkOverlap,
		BatchSize:       cfg.EmbedBatchSize,
		BatchTimeout:    cfg.BatchTimeout,
		EmbedTimeout:    cfg.EmbedTimeout,
		PipelineTimeout: cfg.PipelineTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	pipeline.Start(ctx, cfg.IngestWorkers)

	// Retrieval windows legacy text exactly like ingestion windows documents,
	// so the two modes return comparable chunks.
	retrievalChunker, err := ingestion_engine.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	legacy := retrieval.NewLegacyRetriever(retrievalChunker, cfg.TopKDefault)
	engine := retrieval.NewEngine(dbClient, embedder, legacy, cfg.TopKDefault, logger)

	jobSvc := services.NewJobService(dbClient, objClient, logger)

	server := NewServer(cfg, jobSvc, pipeline, engine, logger)

	return &App{
		DBClient: dbClient,
		Embedder: embedder,
		Pipeline: pipeline,
		Server:   server,
	}, nil
}

func (a *App) Close() {
	if a.Embedder != nil {
		_ = a.Embedder.Close()
	}
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}
