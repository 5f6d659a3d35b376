package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	AIAPIKey     string
	EmbedModel   string
	EmbedDim     int
	Port         string
	JWTSecret    string

	// Ingestion tuning.
	ChunkSize       int
	ChunkOverlap    int
	EmbedBatchSize  int
	BatchTimeout    time.Duration
	EmbedTimeout    time.Duration
	PipelineTimeout time.Duration
	IngestWorkers   int

	// Retrieval tuning.
	TopKDefault int
}

// LoadConfig loads the environment variables and returns the config.
// Invalid chunking parameters are rejected here, at startup, so the pipeline
// never has to re-validate them per document.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		AwsAccessKey:    getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:    getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:       getEnv("AWS_REGION", "us-east-2"),
		BucketName:      getEnv("BUCKET_NAME", "docquery-uploads"),
		AIAPIKey:        getEnv("GEMINI_API_KEY", ""),
		EmbedModel:      getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:        getEnvInt("EMBED_DIM", 768),
		Port:            getEnv("PORT", "8080"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		ChunkSize:       getEnvInt("CHUNK_SIZE", 2000),
		ChunkOverlap:    getEnvInt("CHUNK_OVERLAP", 150),
		EmbedBatchSize:  getEnvInt("EMBED_BATCH_SIZE", 100),
		BatchTimeout:    getEnvDuration("EMBED_BATCH_TIMEOUT", 30*time.Second),
		EmbedTimeout:    getEnvDuration("EMBED_TOTAL_TIMEOUT", 4*time.Minute),
		PipelineTimeout: getEnvDuration("PIPELINE_TIMEOUT", 270*time.Second),
		IngestWorkers:   getEnvInt("INGEST_WORKERS", 2),
		TopKDefault:     getEnvInt("RETRIEVAL_TOP_K", 5),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL not set")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("CHUNK_SIZE must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("CHUNK_OVERLAP (%d) must be non-negative and smaller than CHUNK_SIZE (%d)",
			cfg.ChunkOverlap, cfg.ChunkSize)
	}
	if cfg.EmbedBatchSize <= 0 {
		return nil, fmt.Errorf("EMBED_BATCH_SIZE must be positive, got %d", cfg.EmbedBatchSize)
	}
	// The embed budget must fire before the pipeline ceiling, otherwise partial
	// results cannot be persisted inside the run.
	if cfg.EmbedTimeout >= cfg.PipelineTimeout {
		return nil, fmt.Errorf("EMBED_TOTAL_TIMEOUT (%s) must be smaller than PIPELINE_TIMEOUT (%s)",
			cfg.EmbedTimeout, cfg.PipelineTimeout)
	}

	return cfg, nil
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}
