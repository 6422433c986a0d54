package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
)

type EvaluationRepository interface {
	Create(ctx context.Context, eval *models.Evaluation) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Evaluation, error)
	Claim(ctx context.Context, id uuid.UUID, q ClaimQuery) (*models.Evaluation, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, result *models.FinalSynthesis) error
	MarkFailed(ctx context.Context, id uuid.UUID, code, message string) (int, error)
	FindRecoverable(ctx context.Context, q RecoverableQuery) ([]models.Evaluation, error)
}

// ClaimQuery describes which rows may be (re)started: queued rows, failed
// rows with RetryableCode and fewer than MaxAttempts attempts, and
// processing rows whose last update is older than StaleBefore.
type ClaimQuery struct {
	RetryableCode string
	MaxAttempts   int
	StaleBefore   time.Time
}

// RecoverableQuery selects the rows the worker should (re)deliver. It uses
// the same rules as Claim.
type RecoverableQuery struct {
	RetryableCode string
	MaxAttempts   int
	StaleBefore   time.Time
	Limit         int
}

const claimableCondition = "(status = ?) OR (status = ? AND error_code = ? AND attempts < ?) OR (status = ? AND updated_at < ?)"

func claimableArgs(q ClaimQuery) []interface{} {
	return []interface{}{
		models.StatusQueued,
		models.StatusFailed, q.RetryableCode, q.MaxAttempts,
		models.StatusProcessing, q.StaleBefore,
	}
}

type evaluationRepository struct {
	db *gorm.DB
}

func NewEvaluationRepository(db *gorm.DB) EvaluationRepository {
	return &evaluationRepository{db: db}
}

func (r *evaluationRepository) Create(ctx context.Context, eval *models.Evaluation) error {
	if err := r.db.WithContext(ctx).Create(eval).Error; err != nil {
		return fmt.Errorf("failed to create evaluation: %w", err)
	}
	return nil
}

func (r *evaluationRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Evaluation, error) {
	var eval models.Evaluation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&eval).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("evaluation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find evaluation: %w", err)
	}
	return &eval, nil
}

// Claim moves the job to processing with a single conditional UPDATE, so
// only one consumer can win a given delivery. Failed rows with a terminal
// code or no attempts left are never claimed. Attempts are left unchanged.
func (r *evaluationRepository) Claim(ctx context.Context, id uuid.UUID, q ClaimQuery) (*models.Evaluation, error) {
	result := r.db.WithContext(ctx).Model(&models.Evaluation{}).
		Where("id = ?", id).
		Where(claimableCondition, claimableArgs(q)...).
		Updates(map[string]interface{}{
			"status":     models.StatusProcessing,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to claim evaluation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("evaluation %s: %w", id, ErrNotClaimable)
	}
	return r.FindByID(ctx, id)
}

func (r *evaluationRepository) MarkCompleted(ctx context.Context, id uuid.UUID, res *models.FinalSynthesis) error {
	result := r.db.WithContext(ctx).Model(&models.Evaluation{}).
		Where("id = ? AND status = ?", id, models.StatusProcessing).
		Updates(map[string]interface{}{
			"status":           models.StatusCompleted,
			"cv_match_rate":    res.CVMatchRate,
			"cv_feedback":      res.CVFeedback,
			"project_score":    res.ProjectScore,
			"project_feedback": res.ProjectFeedback,
			"overall_summary":  res.OverallSummary,
			"error_code":       nil,
			"error_message":    nil,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update result: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("evaluation %s not processing: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed records the failure and increments attempts in the same UPDATE.
// Only a processing row is updated, so a job finished by another consumer
// keeps its result. It returns the new attempt count.
func (r *evaluationRepository) MarkFailed(ctx context.Context, id uuid.UUID, code, message string) (int, error) {
	result := r.db.WithContext(ctx).Model(&models.Evaluation{}).
		Where("id = ? AND status = ?", id, models.StatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.StatusFailed,
			"error_code":    code,
			"error_message": message,
			"attempts":      gorm.Expr("attempts + 1"),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to update error: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("evaluation %s not processing: %w", id, ErrNotFound)
	}

	eval, err := r.FindByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return eval.Attempts, nil
}

func (r *evaluationRepository) FindRecoverable(ctx context.Context, q RecoverableQuery) ([]models.Evaluation, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var evals []models.Evaluation
	err := r.db.WithContext(ctx).
		Where(claimableCondition, claimableArgs(ClaimQuery{
			RetryableCode: q.RetryableCode,
			MaxAttempts:   q.MaxAttempts,
			StaleBefore:   q.StaleBefore,
		})...).
		Order("created_at ASC").
		Limit(limit).
		Find(&evals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find recoverable jobs: %w", err)
	}
	return evals, nil
}
