package services

import (
	"context"
	"errors"

	"alfredoptarigan/cv-evaluation-pipeline/internal/repositories"
	"alfredoptarigan/cv-evaluation-pipeline/internal/retry"
)

var (
	ErrMissingInputFiles        = errors.New("missing input files")
	ErrIncompleteStageHistory   = errors.New("incomplete stage history")
	ErrMalformedResponse        = errors.New("malformed model response")
	ErrEmptyDocument            = errors.New("document has no extractable text")
	ErrCollectionNotInitialized = errors.New("vector collection not initialized")
	ErrDocumentTypeConflict     = errors.New("content already ingested under another document type")
	ErrJobNotClaimable          = errors.New("evaluation job is not claimable")
	ErrUnsupportedFileType      = errors.New("unsupported file type")
	ErrInvalidReferenceType     = errors.New("invalid reference document type")
)

// Error codes persisted on failed evaluations.
const (
	CodeMissingInputFiles        = "missing_input_files"
	CodeMalformedResponse        = "malformed_response"
	CodeEmptyDocument            = "empty_document"
	CodeIncompleteStageHistory   = "incomplete_stage_history"
	CodeCollectionNotInitialized = "collection_not_initialized"
	CodeProcessingError          = "processing_error"
)

// ErrorCode maps a pipeline error to its persisted error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingInputFiles), errors.Is(err, ErrUnsupportedFileType):
		return CodeMissingInputFiles
	case errors.Is(err, ErrMalformedResponse):
		return CodeMalformedResponse
	case errors.Is(err, ErrEmptyDocument):
		return CodeEmptyDocument
	case errors.Is(err, ErrIncompleteStageHistory):
		return CodeIncompleteStageHistory
	case errors.Is(err, ErrCollectionNotInitialized):
		return CodeCollectionNotInitialized
	default:
		return CodeProcessingError
	}
}

// IsTerminalJobError reports whether redelivering the job cannot help:
// broken inputs, malformed model output, a missing collection, or a job
// another consumer owns.
func IsTerminalJobError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrJobNotClaimable) || errors.Is(err, repositories.ErrNotFound) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return ErrorCode(err) != CodeProcessingError || retry.IsPermanent(err)
}
