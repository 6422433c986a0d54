package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
)

type ArtifactRepository interface {
	Upsert(ctx context.Context, artifact *models.StageArtifact) error
	Find(ctx context.Context, evaluationID uuid.UUID, stage models.Stage) (*models.StageArtifact, error)
	ListByEvaluation(ctx context.Context, evaluationID uuid.UUID) ([]models.StageArtifact, error)
}

type artifactRepository struct {
	db *gorm.DB
}

func NewArtifactRepository(db *gorm.DB) ArtifactRepository {
	return &artifactRepository{db: db}
}

// Upsert implements ArtifactRepository. A second write for the same
// (evaluation, stage) replaces payload and schema version in place.
func (r *artifactRepository) Upsert(ctx context.Context, artifact *models.StageArtifact) error {
	err := r.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "evaluation_id"}, {Name: "stage"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "schema_version", "updated_at"}),
		}).
		Create(artifact).Error
	if err != nil {
		return fmt.Errorf("failed to save %s artifact: %w", artifact.Stage, err)
	}
	return nil
}

// Find implements ArtifactRepository.
func (r *artifactRepository) Find(ctx context.Context, evaluationID uuid.UUID, stage models.Stage) (*models.StageArtifact, error) {
	var artifact models.StageArtifact
	err := r.db.WithContext(ctx).
		Where("evaluation_id = ? AND stage = ?", evaluationID, stage).
		First(&artifact).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%s artifact for %s: %w", stage, evaluationID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find artifact: %w", err)
	}
	return &artifact, nil
}

// ListByEvaluation implements ArtifactRepository.
func (r *artifactRepository) ListByEvaluation(ctx context.Context, evaluationID uuid.UUID) ([]models.StageArtifact, error) {
	var artifacts []models.StageArtifact
	err := r.db.WithContext(ctx).
		Where("evaluation_id = ?", evaluationID).
		Order("created_at ASC").
		Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return artifacts, nil
}
