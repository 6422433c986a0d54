package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DocumentKind string

const (
	KindCV     DocumentKind = "cv"
	KindReport DocumentKind = "report"
)

func (k DocumentKind) Valid() bool {
	return k == KindCV || k == KindReport
}

// Document is a candidate file uploaded through the API.
type Document struct {
	ID               uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	Kind             DocumentKind `gorm:"type:varchar(16);not null;index" json:"kind"`
	Filename         string       `gorm:"type:text" json:"filename"`
	OriginalFileName string       `gorm:"type:text" json:"original_filename"`
	FileType         string       `gorm:"type:text" json:"file_type"`
	FilePath         string       `gorm:"type:text" json:"file_path"`
	Checksum         string       `gorm:"type:varchar(64);not null" json:"checksum"`
	SizeBytes        int64        `json:"size_bytes"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (d *Document) TableName() string {
	return "documents"
}

func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
