package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ReferenceType string

const (
	RefJobDescription ReferenceType = "job_description"
	RefCVRubric       ReferenceType = "cv_rubric"
	RefCaseStudy      ReferenceType = "case_study"
	RefProjectRubric  ReferenceType = "project_rubric"
)

var ReferenceTypes = []ReferenceType{RefJobDescription, RefCVRubric, RefCaseStudy, RefProjectRubric}

func (t ReferenceType) Valid() bool {
	for _, v := range ReferenceTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ReferenceDocument is a ground-truth document indexed for retrieval.
type ReferenceDocument struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Type        ReferenceType `gorm:"type:varchar(32);not null;index" json:"type"`
	Title       string        `gorm:"type:text" json:"title"`
	Version     string        `gorm:"type:varchar(64)" json:"version"`
	FilePath    string        `gorm:"type:text" json:"file_path"`
	ContentHash string        `gorm:"type:varchar(64);not null;uniqueIndex" json:"content_hash"`
	ChunkCount  int           `json:"chunk_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (ReferenceDocument) TableName() string {
	return "reference_documents"
}

func (d *ReferenceDocument) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// ChunkReference links one index entry back to its reference document.
type ChunkReference struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID uuid.UUID      `gorm:"type:uuid;not null;index" json:"document_id"`
	ChunkIndex int            `gorm:"not null" json:"chunk_index"`
	VectorID   string         `gorm:"type:varchar(255);not null;uniqueIndex" json:"vector_id"`
	Metadata   datatypes.JSON `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`

	Document *ReferenceDocument `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"-"`
}

func (ChunkReference) TableName() string {
	return "chunk_references"
}

func (c *ChunkReference) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// ChunkMetadata is stored in ChunkReference.Metadata.
type ChunkMetadata struct {
	DocumentType ReferenceType `json:"document_type"`
	ChunkIndex   int           `json:"chunk_index"`
	StartToken   int           `json:"start_token"`
	EndToken     int           `json:"end_token"`
	Version      string        `json:"version"`
	ContentHash  string        `json:"content_hash"`
}
