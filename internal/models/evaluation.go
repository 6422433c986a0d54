package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type EvaluationStatus string

const (
	StatusQueued     EvaluationStatus = "queued"
	StatusProcessing EvaluationStatus = "processing"
	StatusCompleted  EvaluationStatus = "completed"
	StatusFailed     EvaluationStatus = "failed"
)

// Evaluation is one evaluation job. Attempts only moves on the transition
// to failed.
type Evaluation struct {
	ID                uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	JobTitle          string           `gorm:"type:text;not null" json:"job_title"`
	CVDocumentID      uuid.UUID        `gorm:"column:cv_document_id;type:uuid;not null" json:"cv_document_id"`
	ProjectDocumentID uuid.UUID        `gorm:"type:uuid;not null" json:"project_document_id"`
	Status            EvaluationStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Attempts          int              `gorm:"not null;default:0" json:"attempts"`
	ErrorCode         *string          `gorm:"type:varchar(64)" json:"error_code,omitempty"`
	ErrorMessage      *string          `gorm:"type:text" json:"error_message,omitempty"`
	CVMatchRate       *float64         `gorm:"column:cv_match_rate;type:decimal(4,2)" json:"cv_match_rate,omitempty"`
	CVFeedback        *string          `gorm:"column:cv_feedback;type:text" json:"cv_feedback,omitempty"`
	ProjectScore      *float64         `gorm:"type:decimal(4,2)" json:"project_score,omitempty"`
	ProjectFeedback   *string          `gorm:"type:text" json:"project_feedback,omitempty"`
	OverallSummary    *string          `gorm:"type:text" json:"overall_summary,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `gorm:"index" json:"updated_at"`
}

func (Evaluation) TableName() string {
	return "evaluations"
}

func (e *Evaluation) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusQueued
	}
	return nil
}
