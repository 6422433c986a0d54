package models

import "encoding/json"

type UploadResponse struct {
	Message string        `json:"message"`
	CV      *UploadedFile `json:"cv,omitempty"`
	Report  *UploadedFile `json:"report,omitempty"`
}

type UploadedFile struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Filename     string `json:"filename"`
	OriginalName string `json:"original_name"`
	FileType     string `json:"file_type"`
	Checksum     string `json:"checksum"`
	SizeBytes    int64  `json:"size_bytes"`
}

type EvaluateRequest struct {
	JobTitle          string `json:"job_title" validate:"required,max=255"`
	CVDocumentID      string `json:"cv_document_id" validate:"required,uuid"`
	ProjectDocumentID string `json:"project_document_id" validate:"required,uuid"`
}

type EvaluateResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ResultResponse struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Result    *FinalSynthesis `json:"result,omitempty"`
	ErrorCode *string         `json:"error_code,omitempty"`
	Attempts  *int            `json:"attempts,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type ArtifactResponse struct {
	Stage         Stage           `json:"stage"`
	SchemaVersion string          `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	UpdatedAt     string          `json:"updated_at"`
}

type ReferenceUploadRequest struct {
	Type    string `form:"type" validate:"required,oneof=job_description cv_rubric case_study project_rubric"`
	Version string `form:"version" validate:"omitempty,max=64"`
}

type ReferenceUpdateRequest struct {
	Version string `form:"version" validate:"omitempty,max=64"`
}
