package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
)

const (
	defaultProfileTopK    = 6
	defaultSubmissionTopK = 6
	defaultSynthesisTopK  = 4
	retrievalThreshold    = 0.7
)

type RetrievedSource struct {
	DocumentType string  `json:"document_type"`
	ChunkText    string  `json:"chunk_text"`
	Score        float32 `json:"score"`
}

type RetrievalResult struct {
	Context string            `json:"context"`
	Sources []RetrievedSource `json:"sources"`
}

// RAGService retrieves grounding context for each pipeline stage.
type RAGService interface {
	RetrieveForProfile(ctx context.Context, query string, topK int) (*RetrievalResult, error)
	RetrieveForSubmission(ctx context.Context, query string, topK int) (*RetrievalResult, error)
	RetrieveForSynthesis(ctx context.Context, query string, topK int) (*RetrievalResult, error)
}

type ragService struct {
	embedder GeminiService
	index    QdrantService
	logger   *zap.Logger
}

func NewRAGService(embedder GeminiService, index QdrantService, log *zap.Logger) RAGService {
	return &ragService{
		embedder: embedder,
		index:    index,
		logger:   logger.Component(log, "rag"),
	}
}

// RetrieveForProfile implements RAGService.
func (r *ragService) RetrieveForProfile(ctx context.Context, query string, topK int) (*RetrievalResult, error) {
	return r.retrieve(ctx, "profile", query, orDefault(topK, defaultProfileTopK), Filter{
		FilterDocumentType: {string(models.RefJobDescription), string(models.RefCVRubric)},
	})
}

// RetrieveForSubmission implements RAGService.
func (r *ragService) RetrieveForSubmission(ctx context.Context, query string, topK int) (*RetrievalResult, error) {
	return r.retrieve(ctx, "submission", query, orDefault(topK, defaultSubmissionTopK), Filter{
		FilterDocumentType: {string(models.RefCaseStudy), string(models.RefProjectRubric)},
	})
}

// RetrieveForSynthesis implements RAGService.
func (r *ragService) RetrieveForSynthesis(ctx context.Context, query string, topK int) (*RetrievalResult, error) {
	return r.retrieve(ctx, "synthesis", query, orDefault(topK, defaultSynthesisTopK), nil)
}

func (r *ragService) retrieve(ctx context.Context, stage, query string, topK int, filter Filter) (*RetrievalResult, error) {
	vector, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %s query: %w", stage, err)
	}

	hits, err := r.index.Search(ctx, vector, SearchOptions{
		Limit:          topK,
		Filter:         filter,
		ScoreThreshold: retrievalThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s context: %w", stage, err)
	}

	result := &RetrievalResult{Sources: make([]RetrievedSource, 0, len(hits))}
	texts := make([]string, 0, len(hits))
	for _, hit := range hits {
		text := strings.TrimSpace(hit.Text)
		texts = append(texts, text)
		result.Sources = append(result.Sources, RetrievedSource{
			DocumentType: hit.DocumentType,
			ChunkText:    text,
			Score:        hit.Score,
		})
	}
	result.Context = strings.Join(texts, "\n\n")

	r.logger.Debug("context retrieved",
		zap.String("stage", stage),
		zap.Int("top_k", topK),
		zap.Int("hits", len(hits)),
	)
	return result, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
