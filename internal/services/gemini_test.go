package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"alfredoptarigan/cv-evaluation-pipeline/internal/config"
	"alfredoptarigan/cv-evaluation-pipeline/internal/retry"
)

type fakeGenaiResponse struct {
	resp *genai.GenerateContentResponse
	err  error
}

type fakeGenaiModels struct {
	mu          sync.Mutex
	dim         int
	embedCalls  [][]*genai.Content
	embedTasks  []string
	embedErrs   []error
	genCalls    []*genai.GenerateContentConfig
	genContents [][]*genai.Content
	responses   []fakeGenaiResponse
}

func (f *fakeGenaiModels) EmbedContent(_ context.Context, _ string, contents []*genai.Content, cfg *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls = append(f.embedCalls, contents)
	f.embedTasks = append(f.embedTasks, cfg.TaskType)
	if len(f.embedErrs) > 0 {
		err := f.embedErrs[0]
		f.embedErrs = f.embedErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	resp := &genai.EmbedContentResponse{}
	for _, c := range contents {
		vec := make([]float32, f.dim)
		vec[0] = float32(len(c.Parts[0].Text))
		resp.Embeddings = append(resp.Embeddings, &genai.ContentEmbedding{Values: vec})
	}
	return resp, nil
}

func (f *fakeGenaiModels) GenerateContent(_ context.Context, _ string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.genCalls = append(f.genCalls, cfg)
	f.genContents = append(f.genContents, contents)
	if len(f.responses) == 0 {
		return nil, errors.New("unexpected call")
	}
	res := f.responses[0]
	f.responses = f.responses[1:]
	return res.resp, res.err
}

func (f *fakeGenaiModels) reply(text string) {
	f.responses = append(f.responses, fakeGenaiResponse{resp: textResponse(text)})
}

func (f *fakeGenaiModels) fail(err error) {
	f.responses = append(f.responses, fakeGenaiResponse{err: err})
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func noSleepPolicy() *retry.Policy {
	return retry.New(zap.NewNop()).WithSleep(func(context.Context, time.Duration) error { return nil })
}

func newTestGemini(models genaiModels, dim int) *geminiService {
	return newGeminiService(models, config.GeminiConfig{
		GenerationModel:    "gemini-test",
		EmbeddingModel:     "embed-test",
		EmbeddingDimension: dim,
	}, noSleepPolicy(), retry.DefaultOptions("gemini"), zap.NewNop())
}

func TestEmbedBatchSplitsIntoProviderBatches(t *testing.T) {
	fake := &fakeGenaiModels{dim: 8}
	g := newTestGemini(fake, 8)

	texts := make([]string, 230)
	for i := range texts {
		texts[i] = string(make([]byte, i+1))
	}

	vectors, err := g.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 230)
	require.Len(t, fake.embedCalls, 3)
	assert.Len(t, fake.embedCalls[0], 100)
	assert.Len(t, fake.embedCalls[2], 30)

	for i, v := range vectors {
		assert.Equal(t, float32(i+1), v[0], "order must be preserved")
	}
}

func TestEmbedBatchRetriesTransientErrors(t *testing.T) {
	fake := &fakeGenaiModels{dim: 4, embedErrs: []error{genai.APIError{Code: http.StatusTooManyRequests}}}
	g := newTestGemini(fake, 4)

	v, err := g.EmbedOne(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 4)
	assert.Len(t, fake.embedCalls, 2)
}

func TestEmbedTaskTypes(t *testing.T) {
	fake := &fakeGenaiModels{dim: 4}
	g := newTestGemini(fake, 4)

	_, err := g.EmbedBatch(context.Background(), []string{"chunk one", "chunk two"})
	require.NoError(t, err)
	_, err = g.EmbedOne(context.Background(), "backend engineer with Go")
	require.NoError(t, err)

	assert.Equal(t, []string{"RETRIEVAL_DOCUMENT", "RETRIEVAL_QUERY"}, fake.embedTasks)
}

func TestEmbedBatchTruncatesOnRuneBoundary(t *testing.T) {
	fake := &fakeGenaiModels{dim: 4}
	g := newTestGemini(fake, 4)

	// "é" is two bytes, so the byte limit falls inside a rune.
	long := "a" + strings.Repeat("é", maxEmbedTextBytes)
	_, err := g.EmbedBatch(context.Background(), []string{long})
	require.NoError(t, err)

	sent := fake.embedCalls[0][0].Parts[0].Text
	assert.True(t, utf8.ValidString(sent))
	assert.Len(t, sent, maxEmbedTextBytes-1)
	assert.True(t, strings.HasPrefix(long, sent))
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "héllo", truncateUTF8("héllo", 10))
	assert.Equal(t, "h", truncateUTF8("héllo", 2))
	assert.Equal(t, "hé", truncateUTF8("héllo", 3))
	assert.Equal(t, "", truncateUTF8("日本", 2))
}

func TestEmbedBatchRejectsWrongDimension(t *testing.T) {
	fake := &fakeGenaiModels{dim: 3}
	g := newTestGemini(fake, 4)

	_, err := g.EmbedOne(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
	assert.Len(t, fake.embedCalls, 1)
}

func TestCompleteMapsSystemMessages(t *testing.T) {
	fake := &fakeGenaiModels{}
	fake.reply("a summary")
	g := newTestGemini(fake, 4)

	out, err := g.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "summarize"},
	}, &CompletionOptions{Temperature: 0.5, MaxOutputTokens: 256})

	require.NoError(t, err)
	assert.Equal(t, "a summary", out)
	require.Len(t, fake.genCalls, 1)
	cfg := fake.genCalls[0]
	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "be brief", cfg.SystemInstruction.Parts[0].Text)
	assert.Equal(t, int32(256), cfg.MaxOutputTokens)
	assert.Empty(t, cfg.ResponseMIMEType)
	require.Len(t, fake.genContents[0], 1)
	assert.Equal(t, "summarize", fake.genContents[0][0].Parts[0].Text)
}

func TestCompleteRetriesEmptyResponse(t *testing.T) {
	fake := &fakeGenaiModels{}
	fake.reply("   ")
	fake.fail(genai.APIError{Code: http.StatusServiceUnavailable})
	fake.reply("ok")
	g := newTestGemini(fake, 4)

	out, err := g.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Len(t, fake.genCalls, 3)
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	fake := &fakeGenaiModels{}
	fake.fail(genai.APIError{Code: http.StatusBadRequest, Message: "invalid argument"})
	g := newTestGemini(fake, 4)

	_, err := g.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, nil)
	require.Error(t, err)
	assert.Len(t, fake.genCalls, 1)
}

var testSchema = MustResponseSchema("test", map[string]any{
	"type":                 "object",
	"required":             []any{"score", "feedback"},
	"additionalProperties": false,
	"properties": map[string]any{
		"score":    map[string]any{"type": "number"},
		"feedback": map[string]any{"type": "string"},
	},
})

func TestCompleteStructuredStripsFences(t *testing.T) {
	fake := &fakeGenaiModels{}
	fake.reply("```json\n{\"score\": 4, \"feedback\": \"good\"}\n```")
	g := newTestGemini(fake, 4)

	raw, err := g.CompleteStructured(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, testSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"score": 4, "feedback": "good"}`, string(raw))
	assert.Equal(t, "application/json", fake.genCalls[0].ResponseMIMEType)
}

func TestCompleteStructuredMalformedAfterOneCall(t *testing.T) {
	cases := map[string]string{
		"not json":       "I think the candidate is great",
		"missing field":  `{"score": 4}`,
		"wrong type":     `{"score": "four", "feedback": "x"}`,
		"extra property": `{"score": 4, "feedback": "x", "bonus": true}`,
	}

	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			fake := &fakeGenaiModels{}
			fake.reply(reply)
			g := newTestGemini(fake, 4)

			_, err := g.CompleteStructured(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, testSchema)
			require.ErrorIs(t, err, ErrMalformedResponse)
			assert.False(t, retry.IsRetryable(err))
			assert.Len(t, fake.genCalls, 1)
		})
	}
}
