package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
	"alfredoptarigan/cv-evaluation-pipeline/internal/observability"
	"alfredoptarigan/cv-evaluation-pipeline/internal/repositories"
	"alfredoptarigan/cv-evaluation-pipeline/internal/retry"
)

const (
	defaultStaleAfter  = 10 * time.Minute
	defaultMaxAttempts = 5
)

// EvaluatorOptions bounds which jobs EvaluateCandidate may claim. Failed jobs
// are retried only for processing errors and while attempts < MaxAttempts.
type EvaluatorOptions struct {
	StaleAfter  time.Duration
	MaxAttempts int
}

type EvaluatorService interface {
	EvaluateCandidate(ctx context.Context, evalID uuid.UUID) error
}

type evaluatorService struct {
	evalRepo      repositories.EvaluationRepository
	artifactRepo  repositories.ArtifactRepository
	docRepo       repositories.DocumentRepository
	storage       StorageService
	extractor     TextExtractor
	rag           RAGService
	llm           GeminiService
	promptBuilder *PromptBuilder
	opts          EvaluatorOptions
	logger        *zap.Logger
}

func NewEvaluatorService(
	evalRepo repositories.EvaluationRepository,
	artifactRepo repositories.ArtifactRepository,
	docRepo repositories.DocumentRepository,
	storage StorageService,
	extractor TextExtractor,
	rag RAGService,
	llm GeminiService,
	opts EvaluatorOptions,
	log *zap.Logger,
) EvaluatorService {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &evaluatorService{
		evalRepo:      evalRepo,
		artifactRepo:  artifactRepo,
		docRepo:       docRepo,
		storage:       storage,
		extractor:     extractor,
		rag:           rag,
		llm:           llm,
		promptBuilder: NewPromptBuilder(),
		opts:          opts,
		logger:        logger.Component(log, "evaluator"),
	}
}

type evaluationInputs struct {
	cvPath     string
	cvData     []byte
	reportPath string
	reportData []byte
}

// EvaluateCandidate implements EvaluatorService. It claims the job, runs the
// three stages in order and records either the synthesis or the failure.
// A job that is not claimable is left untouched.
func (e *evaluatorService) EvaluateCandidate(ctx context.Context, evalID uuid.UUID) (err error) {
	ctx, span := observability.StartSpan(ctx, "evaluation.job", attribute.String("evaluation.id", evalID.String()))
	defer func() { observability.EndSpan(span, err) }()

	eval, err := e.evalRepo.Claim(ctx, evalID, repositories.ClaimQuery{
		RetryableCode: CodeProcessingError,
		MaxAttempts:   e.opts.MaxAttempts,
		StaleBefore:   time.Now().Add(-e.opts.StaleAfter),
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotClaimable) {
			e.logger.Info("evaluation not claimable, skipping", zap.String("evaluation_id", evalID.String()))
			return fmt.Errorf("%w: %s", ErrJobNotClaimable, evalID)
		}
		return err
	}

	log := e.logger.With(
		zap.String("evaluation_id", evalID.String()),
		zap.Int("attempt", eval.Attempts+1),
	)
	span.SetAttributes(attribute.Int("evaluation.attempt", eval.Attempts+1))
	log.Info("evaluation started", zap.String("job_title", eval.JobTitle))
	start := time.Now()

	result, err := e.runStages(ctx, eval, log)
	if err == nil {
		err = e.evalRepo.MarkCompleted(ctx, eval.ID, result)
	}
	if err != nil {
		return e.fail(ctx, eval.ID, err, log)
	}

	log.Info("evaluation completed",
		zap.Float64("cv_match_rate", result.CVMatchRate),
		zap.Float64("project_score", result.ProjectScore),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (e *evaluatorService) runStages(ctx context.Context, eval *models.Evaluation, log *zap.Logger) (*models.FinalSynthesis, error) {
	inputs, err := e.loadInputs(ctx, eval)
	if err != nil {
		return nil, err
	}

	if err := e.runStage(ctx, models.StageProfile, log, func(ctx context.Context) error {
		return e.evaluateProfile(ctx, eval, inputs)
	}); err != nil {
		return nil, err
	}

	if err := e.runStage(ctx, models.StageSubmission, log, func(ctx context.Context) error {
		return e.evaluateSubmission(ctx, eval, inputs)
	}); err != nil {
		return nil, err
	}

	var result *models.FinalSynthesis
	if err := e.runStage(ctx, models.StageSynthesis, log, func(ctx context.Context) error {
		result, err = e.synthesize(ctx, eval)
		return err
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *evaluatorService) runStage(ctx context.Context, stage models.Stage, log *zap.Logger, fn func(ctx context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "evaluation.stage."+string(stage), attribute.String("evaluation.stage", string(stage)))
	start := time.Now()

	err := fn(ctx)
	observability.EndSpan(span, err)

	log = log.With(zap.String("stage", string(stage)), zap.Duration("duration", time.Since(start)))
	if err != nil {
		log.Warn("stage failed", zap.Error(err))
		return fmt.Errorf("stage %s: %w", stage, err)
	}
	log.Info("stage completed")
	return nil
}

// loadInputs verifies both referenced files exist with the expected kinds
// and reads their bytes.
func (e *evaluatorService) loadInputs(ctx context.Context, eval *models.Evaluation) (*evaluationInputs, error) {
	cv, cvData, err := e.loadDocument(ctx, eval.CVDocumentID, models.KindCV)
	if err != nil {
		return nil, err
	}
	report, reportData, err := e.loadDocument(ctx, eval.ProjectDocumentID, models.KindReport)
	if err != nil {
		return nil, err
	}
	return &evaluationInputs{
		cvPath:     cv.FilePath,
		cvData:     cvData,
		reportPath: report.FilePath,
		reportData: reportData,
	}, nil
}

func (e *evaluatorService) loadDocument(ctx context.Context, id uuid.UUID, kind models.DocumentKind) (*models.Document, []byte, error) {
	doc, err := e.docRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s document %s not found", ErrMissingInputFiles, kind, id)
		}
		return nil, nil, err
	}
	if doc.Kind != kind {
		return nil, nil, fmt.Errorf("%w: document %s is a %s, expected %s", ErrMissingInputFiles, id, doc.Kind, kind)
	}

	data, err := e.storage.ReadFile(doc.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s document %s: %v", ErrMissingInputFiles, kind, id, err)
	}
	return doc, data, nil
}

func (e *evaluatorService) evaluateProfile(ctx context.Context, eval *models.Evaluation, in *evaluationInputs) error {
	cvText, err := e.extractor.Extract(in.cvPath, in.cvData)
	if err != nil {
		return fmt.Errorf("failed to extract cv text: %w", err)
	}

	retrieved, err := e.rag.RetrieveForProfile(ctx, e.promptBuilder.ProfileQuery(eval.JobTitle), 0)
	if err != nil {
		return fmt.Errorf("failed to retrieve profile context: %w", err)
	}

	raw, err := e.llm.CompleteStructured(ctx, e.promptBuilder.ProfileMessages(eval.JobTitle, retrieved.Context, cvText), ProfileSchema)
	if err != nil {
		return fmt.Errorf("failed to evaluate cv: %w", err)
	}

	profile, err := NormalizeProfile(raw)
	if err != nil {
		return err
	}
	return e.saveArtifact(ctx, eval.ID, models.StageProfile, models.SchemaProfileEvaluation, profile)
}

func (e *evaluatorService) evaluateSubmission(ctx context.Context, eval *models.Evaluation, in *evaluationInputs) error {
	reportText, err := e.extractor.Extract(in.reportPath, in.reportData)
	if err != nil {
		return fmt.Errorf("failed to extract report text: %w", err)
	}

	retrieved, err := e.rag.RetrieveForSubmission(ctx, e.promptBuilder.SubmissionQuery(eval.JobTitle), 0)
	if err != nil {
		return fmt.Errorf("failed to retrieve submission context: %w", err)
	}

	raw, err := e.llm.CompleteStructured(ctx, e.promptBuilder.SubmissionMessages(eval.JobTitle, retrieved.Context, reportText), SubmissionSchema)
	if err != nil {
		return fmt.Errorf("failed to evaluate report: %w", err)
	}

	submission, err := NormalizeSubmission(raw)
	if err != nil {
		return err
	}
	return e.saveArtifact(ctx, eval.ID, models.StageSubmission, models.SchemaSubmissionEvaluation, submission)
}

// synthesize reads the stored stage A and B artifacts, never in-memory
// values, so a resumed job sees exactly what was persisted.
func (e *evaluatorService) synthesize(ctx context.Context, eval *models.Evaluation) (*models.FinalSynthesis, error) {
	var profile models.ProfileEvaluation
	if err := e.loadArtifact(ctx, eval.ID, models.StageProfile, &profile); err != nil {
		return nil, err
	}
	var submission models.SubmissionEvaluation
	if err := e.loadArtifact(ctx, eval.ID, models.StageSubmission, &submission); err != nil {
		return nil, err
	}

	retrieved, err := e.rag.RetrieveForSynthesis(ctx, e.promptBuilder.SynthesisQuery(eval.JobTitle), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve synthesis context: %w", err)
	}

	summary, err := e.llm.Complete(ctx, e.promptBuilder.SynthesisMessages(eval.JobTitle, retrieved.Context, &profile, &submission), &CompletionOptions{
		Temperature:     0.5,
		MaxOutputTokens: 1024,
	})
	var empty *providerError
	if errors.As(err, &empty) {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate summary: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: empty summary", ErrMalformedResponse))
	}

	result := &models.FinalSynthesis{
		CVMatchRate:     profile.MatchRate,
		CVFeedback:      profile.Feedback,
		ProjectScore:    submission.ProjectScore,
		ProjectFeedback: submission.Feedback,
		OverallSummary:  summary,
	}
	if err := e.saveArtifact(ctx, eval.ID, models.StageSynthesis, models.SchemaFinalSynthesis, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *evaluatorService) loadArtifact(ctx context.Context, evalID uuid.UUID, stage models.Stage, target any) error {
	artifact, err := e.artifactRepo.Find(ctx, evalID, stage)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("%w: no %s artifact", ErrIncompleteStageHistory, stage)
		}
		return err
	}
	if err := json.Unmarshal(artifact.Payload, target); err != nil {
		return fmt.Errorf("%w: unreadable %s artifact: %v", ErrIncompleteStageHistory, stage, err)
	}
	return nil
}

func (e *evaluatorService) saveArtifact(ctx context.Context, evalID uuid.UUID, stage models.Stage, schemaVersion string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s artifact: %w", stage, err)
	}
	return e.artifactRepo.Upsert(ctx, &models.StageArtifact{
		EvaluationID:  evalID,
		Stage:         stage,
		Payload:       data,
		SchemaVersion: schemaVersion,
	})
}

// fail records err on the job and returns it. The record is written even
// when ctx is already done.
func (e *evaluatorService) fail(ctx context.Context, evalID uuid.UUID, err error, log *zap.Logger) error {
	code := ErrorCode(err)
	attempts, markErr := e.evalRepo.MarkFailed(context.WithoutCancel(ctx), evalID, code, err.Error())
	if errors.Is(markErr, repositories.ErrNotFound) {
		// Another consumer took the job over after it went stale.
		log.Warn("evaluation no longer processing, failure not recorded",
			zap.String("error_code", code),
			zap.Error(err),
		)
		return err
	}
	if markErr != nil {
		log.Error("failed to record evaluation failure", zap.Error(markErr), zap.NamedError("cause", err))
		return err
	}

	log.Error("evaluation failed",
		zap.String("error_code", code),
		zap.Int("attempts", attempts),
		zap.Bool("terminal", IsTerminalJobError(err)),
		zap.Error(err),
	)
	return err
}
