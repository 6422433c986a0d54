package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Stage string

const (
	StageProfile    Stage = "profile"
	StageSubmission Stage = "submission"
	StageSynthesis  Stage = "synthesis"
)

const (
	SchemaProfileEvaluation    = "profile_evaluation.v1"
	SchemaSubmissionEvaluation = "submission_evaluation.v1"
	SchemaFinalSynthesis       = "final_synthesis.v1"
)

// StageArtifact is the persisted output of one pipeline stage. There is at
// most one row per (evaluation, stage); retries overwrite it.
type StageArtifact struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	EvaluationID  uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_artifact_eval_stage" json:"evaluation_id"`
	Stage         Stage          `gorm:"type:varchar(16);not null;uniqueIndex:idx_artifact_eval_stage" json:"stage"`
	Payload       datatypes.JSON `gorm:"not null" json:"payload"`
	SchemaVersion string         `gorm:"type:varchar(64);not null" json:"schema_version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`

	Evaluation *Evaluation `gorm:"foreignKey:EvaluationID;constraint:OnDelete:CASCADE" json:"-"`
}

func (StageArtifact) TableName() string {
	return "stage_artifacts"
}

func (a *StageArtifact) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// ProfileEvaluation is the stage A payload.
type ProfileEvaluation struct {
	TechnicalSkills int     `json:"technical_skills"`
	ExperienceLevel int     `json:"experience_level"`
	Achievements    int     `json:"achievements"`
	CulturalFit     int     `json:"cultural_fit"`
	WeightedAverage float64 `json:"weighted_average"`
	MatchRate       float64 `json:"match_rate"`
	Feedback        string  `json:"feedback"`
}

// SubmissionEvaluation is the stage B payload.
type SubmissionEvaluation struct {
	Correctness     int     `json:"correctness"`
	CodeQuality     int     `json:"code_quality"`
	Resilience      int     `json:"resilience"`
	Documentation   int     `json:"documentation"`
	Creativity      int     `json:"creativity"`
	WeightedAverage float64 `json:"weighted_average"`
	ProjectScore    float64 `json:"project_score"`
	Feedback        string  `json:"feedback"`
}

// FinalSynthesis is the stage C payload and the shape served by the result
// endpoint.
type FinalSynthesis struct {
	CVMatchRate     float64 `json:"cv_match_rate"`
	CVFeedback      string  `json:"cv_feedback"`
	ProjectScore    float64 `json:"project_score"`
	ProjectFeedback string  `json:"project_feedback"`
	OverallSummary  string  `json:"overall_summary"`
}
