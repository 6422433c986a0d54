// Package app wires the services shared by the API server and the ingest
// CLI from configuration.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"alfredoptarigan/cv-evaluation-pipeline/internal/config"
	"alfredoptarigan/cv-evaluation-pipeline/internal/repositories"
	"alfredoptarigan/cv-evaluation-pipeline/internal/retry"
	"alfredoptarigan/cv-evaluation-pipeline/internal/services"
)

// Providers holds the network-facing services.
type Providers struct {
	Gemini services.GeminiService
	Qdrant services.QdrantService
}

func RetryOptions(cfg config.RetryConfig) retry.Options {
	return retry.Options{
		MaxAttempts:       cfg.MaxAttempts,
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		BackoffMultiplier: cfg.BackoffMultiplier,
	}
}

// NewProviders connects Gemini and Qdrant and makes sure the collection
// exists with the configured embedding dimension.
func NewProviders(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Providers, error) {
	policy := retry.New(log)
	opts := RetryOptions(cfg.Retry)

	gemini, err := services.NewGeminiService(ctx, cfg.Gemini, policy, opts, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gemini: %w", err)
	}

	qdrant, err := services.NewQdrantService(cfg.Qdrant, policy, opts, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize qdrant: %w", err)
	}
	if err := qdrant.EnsureCollection(ctx, cfg.Gemini.EmbeddingDimension, cfg.Qdrant.Distance); err != nil {
		return nil, fmt.Errorf("failed to initialize qdrant collection: %w", err)
	}

	return &Providers{Gemini: gemini, Qdrant: qdrant}, nil
}

func NewIngestion(cfg *config.Config, db *gorm.DB, storage services.StorageService, p *Providers, log *zap.Logger) services.IngestionService {
	return services.NewIngestionService(
		repositories.NewReferenceRepository(db),
		storage,
		services.NewTextExtractor(),
		services.NewTextChunker(cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap),
		p.Gemini,
		p.Qdrant,
		log,
	)
}

// NewQueue returns the configured job queue backend.
func NewQueue(ctx context.Context, cfg config.QueueConfig, log *zap.Logger) (services.JobQueue, error) {
	switch cfg.Backend {
	case "", "memory":
		return services.NewMemoryQueue(), nil
	case "redis":
		return services.NewRedisQueue(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
