package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
)

// ReferenceRepository persists ground-truth documents and their chunk
// references.
type ReferenceRepository interface {
	// Transaction runs fn against a repository bound to one database
	// transaction. Returning an error rolls it back.
	Transaction(ctx context.Context, fn func(tx ReferenceRepository) error) error

	Create(ctx context.Context, doc *models.ReferenceDocument) error
	Save(ctx context.Context, doc *models.ReferenceDocument) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.ReferenceDocument, error)
	FindByHash(ctx context.Context, contentHash string) (*models.ReferenceDocument, error)
	List(ctx context.Context, docType models.ReferenceType) ([]models.ReferenceDocument, error)
	Delete(ctx context.Context, id uuid.UUID) error

	CreateChunks(ctx context.Context, chunks []models.ChunkReference) error
	DeleteChunks(ctx context.Context, documentID uuid.UUID) error
	DeleteChunksByVectorIDs(ctx context.Context, vectorIDs []string) (int64, error)
	ListChunks(ctx context.Context, offset, limit int) ([]models.ChunkReference, error)
	CountChunks(ctx context.Context) (int64, error)
}

type referenceRepository struct {
	db *gorm.DB
}

func NewReferenceRepository(db *gorm.DB) ReferenceRepository {
	return &referenceRepository{db: db}
}

// Transaction implements ReferenceRepository.
func (r *referenceRepository) Transaction(ctx context.Context, fn func(tx ReferenceRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&referenceRepository{db: tx})
	})
}

// Create implements ReferenceRepository.
func (r *referenceRepository) Create(ctx context.Context, doc *models.ReferenceDocument) error {
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("failed to create reference document: %w", err)
	}
	return nil
}

// Save implements ReferenceRepository.
func (r *referenceRepository) Save(ctx context.Context, doc *models.ReferenceDocument) error {
	if err := r.db.WithContext(ctx).Save(doc).Error; err != nil {
		return fmt.Errorf("failed to update reference document: %w", err)
	}
	return nil
}

// FindByID implements ReferenceRepository.
func (r *referenceRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.ReferenceDocument, error) {
	var doc models.ReferenceDocument
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("reference document %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find reference document: %w", err)
	}
	return &doc, nil
}

// FindByHash implements ReferenceRepository.
func (r *referenceRepository) FindByHash(ctx context.Context, contentHash string) (*models.ReferenceDocument, error) {
	var doc models.ReferenceDocument
	if err := r.db.WithContext(ctx).Where("content_hash = ?", contentHash).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("reference document with hash %s: %w", contentHash, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find reference document: %w", err)
	}
	return &doc, nil
}

// List implements ReferenceRepository. An empty type lists everything.
func (r *referenceRepository) List(ctx context.Context, docType models.ReferenceType) ([]models.ReferenceDocument, error) {
	var docs []models.ReferenceDocument
	q := r.db.WithContext(ctx).Order("type ASC, created_at ASC")
	if docType != "" {
		q = q.Where("type = ?", docType)
	}
	if err := q.Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to list reference documents: %w", err)
	}
	return docs, nil
}

// Delete implements ReferenceRepository. Chunk references cascade.
func (r *referenceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ReferenceDocument{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete reference document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("reference document %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateChunks implements ReferenceRepository.
func (r *referenceRepository) CreateChunks(ctx context.Context, chunks []models.ChunkReference) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Omit("Document").CreateInBatches(chunks, 100).Error; err != nil {
		return fmt.Errorf("failed to create chunk references: %w", err)
	}
	return nil
}

// DeleteChunks implements ReferenceRepository.
func (r *referenceRepository) DeleteChunks(ctx context.Context, documentID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&models.ChunkReference{}).Error; err != nil {
		return fmt.Errorf("failed to delete chunk references: %w", err)
	}
	return nil
}

// DeleteChunksByVectorIDs implements ReferenceRepository.
func (r *referenceRepository) DeleteChunksByVectorIDs(ctx context.Context, vectorIDs []string) (int64, error) {
	if len(vectorIDs) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Where("vector_id IN ?", vectorIDs).Delete(&models.ChunkReference{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete chunk references: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListChunks implements ReferenceRepository.
func (r *referenceRepository) ListChunks(ctx context.Context, offset, limit int) ([]models.ChunkReference, error) {
	var chunks []models.ChunkReference
	err := r.db.WithContext(ctx).
		Order("document_id ASC, chunk_index ASC").
		Offset(offset).
		Limit(limit).
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk references: %w", err)
	}
	return chunks, nil
}

// CountChunks implements ReferenceRepository.
func (r *referenceRepository) CountChunks(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.ChunkReference{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count chunk references: %w", err)
	}
	return n, nil
}
