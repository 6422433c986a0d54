package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"alfredoptarigan/cv-evaluation-pipeline/internal/config"
	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
	"alfredoptarigan/cv-evaluation-pipeline/internal/retry"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	maxEmbedBatch     = 100
	maxEmbedTextBytes = 40000
	defaultDimension  = 1536

	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
)

type Message struct {
	Role    string
	Content string
}

type CompletionOptions struct {
	Temperature     float32
	MaxOutputTokens int32
	Structured      bool
}

type GeminiService interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Complete(ctx context.Context, messages []Message, opts *CompletionOptions) (string, error)
	CompleteStructured(ctx context.Context, messages []Message, schema *ResponseSchema) (json.RawMessage, error)
	Dimension() int
}

// genaiModels is the part of *genai.Models the service calls.
type genaiModels interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// providerError is an empty or unusable provider reply. It is retryable.
type providerError struct {
	msg string
}

func (e *providerError) Error() string   { return e.msg }
func (e *providerError) Temporary() bool { return true }

type geminiService struct {
	models     genaiModels
	modelName  string
	embedModel string
	dimension  int
	timeout    time.Duration
	policy     *retry.Policy
	retryOpts  retry.Options
	logger     *zap.Logger
}

func NewGeminiService(ctx context.Context, cfg config.GeminiConfig, policy *retry.Policy, retryOpts retry.Options, log *zap.Logger) (GeminiService, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return newGeminiService(client.Models, cfg, policy, retryOpts, log), nil
}

func newGeminiService(models genaiModels, cfg config.GeminiConfig, policy *retry.Policy, retryOpts retry.Options, log *zap.Logger) *geminiService {
	dim := cfg.EmbeddingDimension
	if dim <= 0 {
		dim = defaultDimension
	}
	return &geminiService{
		models:     models,
		modelName:  cfg.GenerationModel,
		embedModel: cfg.EmbeddingModel,
		dimension:  dim,
		timeout:    cfg.RequestTimeout,
		policy:     policy,
		retryOpts:  retryOpts,
		logger:     logger.Component(log, "gemini"),
	}
}

// Dimension implements GeminiService.
func (g *geminiService) Dimension() int {
	return g.dimension
}

// EmbedBatch implements GeminiService. Texts are embedded as documents to be
// retrieved; EmbedOne embeds the query side.
func (g *geminiService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return g.embed(ctx, texts, taskRetrievalDocument)
}

func (g *geminiService) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	if len(texts) == 0 {
		return vectors, nil
	}

	dim := int32(g.dimension)
	cfg := &genai.EmbedContentConfig{
		TaskType:             taskType,
		OutputDimensionality: &dim,
	}

	for start := 0; start < len(texts); start += maxEmbedBatch {
		end := min(start+maxEmbedBatch, len(texts))

		contents := make([]*genai.Content, 0, end-start)
		for _, text := range texts[start:end] {
			text = truncateUTF8(text, maxEmbedTextBytes)
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: text}}})
		}

		opts := g.retryOpts.Named(fmt.Sprintf("embed_batch[%d:%d]", start, end))
		batch, err := retry.Do(ctx, g.policy, opts, func(ctx context.Context) ([][]float32, error) {
			callCtx, cancel := g.callContext(ctx)
			defer cancel()

			resp, err := g.models.EmbedContent(callCtx, g.embedModel, contents, cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to generate embedding: %w", err)
			}
			if resp == nil || len(resp.Embeddings) != len(contents) {
				return nil, &providerError{msg: fmt.Sprintf("embedding provider returned %d vectors for %d texts", embeddingCount(resp), len(contents))}
			}

			out := make([][]float32, len(resp.Embeddings))
			for i, emb := range resp.Embeddings {
				if emb == nil || len(emb.Values) != g.dimension {
					got := 0
					if emb != nil {
						got = len(emb.Values)
					}
					return nil, retry.Permanent(fmt.Errorf("embedding dimension mismatch: got %d, want %d", got, g.dimension))
				}
				out[i] = emb.Values
			}
			return out, nil
		})
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}

	g.logger.Debug("embedded texts", zap.Int("count", len(vectors)), zap.String("task_type", taskType))
	return vectors, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func embeddingCount(resp *genai.EmbedContentResponse) int {
	if resp == nil {
		return 0
	}
	return len(resp.Embeddings)
}

// EmbedOne implements GeminiService.
func (g *geminiService) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.embed(ctx, []string{text}, taskRetrievalQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Complete implements GeminiService.
func (g *geminiService) Complete(ctx context.Context, messages []Message, opts *CompletionOptions) (string, error) {
	if opts == nil {
		opts = &CompletionOptions{Temperature: 0.3, MaxOutputTokens: 4096}
	}

	contents, system := buildContents(messages)
	if len(contents) == 0 {
		return "", retry.Permanent(errors.New("completion requires at least one user message"))
	}

	temperature := opts.Temperature
	genCfg := &genai.GenerateContentConfig{
		Temperature:       &temperature,
		MaxOutputTokens:   opts.MaxOutputTokens,
		SystemInstruction: system,
	}
	if opts.Structured {
		genCfg.ResponseMIMEType = "application/json"
	}

	return retry.Do(ctx, g.policy, g.retryOpts.Named("complete"), func(ctx context.Context) (string, error) {
		callCtx, cancel := g.callContext(ctx)
		defer cancel()

		resp, err := g.models.GenerateContent(callCtx, g.modelName, contents, genCfg)
		if err != nil {
			return "", fmt.Errorf("failed to generate text: %w", err)
		}

		text := responseText(resp)
		if text == "" {
			return "", &providerError{msg: "gemini api returned empty response"}
		}

		g.logger.Debug("completion received",
			zap.Int("chars", len(text)),
			zap.String("preview", logger.TruncateForLog(text, 200)),
		)
		return text, nil
	})
}

// CompleteStructured implements GeminiService. Transport failures are
// retried; a reply that does not parse or match the schema is returned as
// ErrMalformedResponse without another call.
func (g *geminiService) CompleteStructured(ctx context.Context, messages []Message, schema *ResponseSchema) (json.RawMessage, error) {
	text, err := g.Complete(ctx, messages, &CompletionOptions{
		Temperature:     0.2,
		MaxOutputTokens: 4096,
		Structured:      true,
	})
	if err != nil {
		return nil, err
	}

	raw, err := ExtractJSON(text)
	if err != nil {
		g.logger.Warn("structured response did not parse",
			zap.String("schema", schema.Name),
			zap.String("response", logger.TruncateForLog(text, 500)),
		)
		return nil, retry.Permanent(err)
	}

	if err := schema.Validate(raw); err != nil {
		g.logger.Warn("structured response failed schema validation",
			zap.String("schema", schema.Name),
			zap.Error(err),
		)
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	return raw, nil
}

func (g *geminiService) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func buildContents(messages []Message) ([]*genai.Content, *genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		switch m.Role {
		case RoleSystem:
			system = append(system, text)
		case RoleAssistant:
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}})
		default:
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: text}}})
		}
	}

	if len(system) == 0 {
		return contents, nil
	}
	return contents, &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	candidate := resp.Candidates[0]
	if candidate == nil || candidate.Content == nil {
		return ""
	}

	var builder strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		text := strings.TrimSpace(part.Text)
		if text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(text)
	}
	return strings.TrimSpace(builder.String())
}
