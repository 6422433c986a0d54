package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubEmbedder struct {
	err     error
	queries []string
	batches int
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.batches++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (s *stubEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	s.queries = append(s.queries, text)
	v, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (s *stubEmbedder) Complete(context.Context, []Message, *CompletionOptions) (string, error) {
	return "", errors.New("not used")
}

func (s *stubEmbedder) CompleteStructured(context.Context, []Message, *ResponseSchema) (json.RawMessage, error) {
	return nil, errors.New("not used")
}

func (s *stubEmbedder) Dimension() int { return 3 }

type stubIndex struct {
	QdrantService
	results  []SearchResult
	err      error
	searches []SearchOptions
}

func (s *stubIndex) Search(_ context.Context, _ []float32, opts SearchOptions) ([]SearchResult, error) {
	s.searches = append(s.searches, opts)
	return s.results, s.err
}

func TestRetrieveForProfileUsesStageFilter(t *testing.T) {
	index := &stubIndex{results: []SearchResult{
		{Text: " must know Go ", DocumentType: "job_description", Score: 0.91},
		{Text: "score 1-5", DocumentType: "cv_rubric", Score: 0.75},
	}}
	rag := NewRAGService(&stubEmbedder{}, index, zap.NewNop())

	res, err := rag.RetrieveForProfile(context.Background(), "Backend Engineer", 0)
	require.NoError(t, err)

	assert.Equal(t, "must know Go\n\nscore 1-5", res.Context)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "job_description", res.Sources[0].DocumentType)

	opts := index.searches[0]
	assert.Equal(t, 6, opts.Limit)
	assert.InDelta(t, 0.7, opts.ScoreThreshold, 0.0001)
	assert.ElementsMatch(t, []string{"job_description", "cv_rubric"}, opts.Filter[FilterDocumentType])
}

func TestRetrieveForSubmissionAndSynthesisDefaults(t *testing.T) {
	index := &stubIndex{}
	rag := NewRAGService(&stubEmbedder{}, index, zap.NewNop())
	ctx := context.Background()

	_, err := rag.RetrieveForSubmission(ctx, "q", 0)
	require.NoError(t, err)
	_, err = rag.RetrieveForSynthesis(ctx, "q", 0)
	require.NoError(t, err)
	_, err = rag.RetrieveForSynthesis(ctx, "q", 2)
	require.NoError(t, err)

	assert.Equal(t, 6, index.searches[0].Limit)
	assert.ElementsMatch(t, []string{"case_study", "project_rubric"}, index.searches[0].Filter[FilterDocumentType])
	assert.Equal(t, 4, index.searches[1].Limit)
	assert.Nil(t, index.searches[1].Filter)
	assert.Equal(t, 2, index.searches[2].Limit)
}

func TestRetrieveNoResultsIsEmptyNotError(t *testing.T) {
	rag := NewRAGService(&stubEmbedder{}, &stubIndex{}, zap.NewNop())

	res, err := rag.RetrieveForSynthesis(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Equal(t, "", res.Context)
	assert.NotNil(t, res.Sources)
	assert.Empty(t, res.Sources)
}

func TestRetrievePropagatesErrors(t *testing.T) {
	boom := errors.New("embedding down")
	rag := NewRAGService(&stubEmbedder{err: boom}, &stubIndex{}, zap.NewNop())
	_, err := rag.RetrieveForProfile(context.Background(), "q", 0)
	assert.ErrorIs(t, err, boom)

	rag = NewRAGService(&stubEmbedder{}, &stubIndex{err: ErrCollectionNotInitialized}, zap.NewNop())
	_, err = rag.RetrieveForProfile(context.Background(), "q", 0)
	assert.ErrorIs(t, err, ErrCollectionNotInitialized)
}
