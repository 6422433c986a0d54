package handlers

import (
	"errors"
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
	"alfredoptarigan/cv-evaluation-pipeline/internal/repositories"
	"alfredoptarigan/cv-evaluation-pipeline/internal/services"
)

type UploadHandler struct {
	docRepo        repositories.DocumentRepository
	storageService services.StorageService
	maxFileSize    int64
	logger         *zap.Logger
}

func NewUploadHandler(
	docRepo repositories.DocumentRepository,
	storageService services.StorageService,
	maxFileSize int64,
	log *zap.Logger,
) *UploadHandler {
	return &UploadHandler{
		docRepo:        docRepo,
		storageService: storageService,
		maxFileSize:    maxFileSize,
		logger:         logger.Component(log, "upload_handler"),
	}
}

// HandleUpload handles POST /upload. Form fields: cv, report (project_report
// is accepted as an alias).
func (h *UploadHandler) HandleUpload(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "failed to parse multipart form",
		})
	}

	cvFile := firstFile(form, "cv")
	reportFile := firstFile(form, "report", "project_report")
	if cvFile == nil && reportFile == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "no files uploaded; send 'cv' and/or 'report' as PDF, TXT or MD",
		})
	}

	resp := models.UploadResponse{Message: "Files uploaded successfully"}

	if cvFile != nil {
		uploaded, status, err := h.store(c, cvFile, models.KindCV)
		if err != nil {
			return c.Status(status).JSON(fiber.Map{"error": err.Error()})
		}
		resp.CV = uploaded
	}

	if reportFile != nil {
		uploaded, status, err := h.store(c, reportFile, models.KindReport)
		if err != nil {
			return c.Status(status).JSON(fiber.Map{"error": err.Error()})
		}
		resp.Report = uploaded
	}

	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *UploadHandler) store(c *fiber.Ctx, file *multipart.FileHeader, kind models.DocumentKind) (*models.UploadedFile, int, error) {
	if h.maxFileSize > 0 && file.Size > h.maxFileSize {
		return nil, fiber.StatusBadRequest, fmt.Errorf("%s file too large. Max size: %d bytes", kind, h.maxFileSize)
	}

	stored, err := h.storageService.SaveFile(file, string(kind))
	if err != nil {
		if errors.Is(err, services.ErrUnsupportedFileType) {
			return nil, fiber.StatusBadRequest, fmt.Errorf("%s file must be a PDF, TXT or MD document", kind)
		}
		h.logger.Error("failed to save upload", zap.String("kind", string(kind)), zap.Error(err))
		return nil, fiber.StatusInternalServerError, fmt.Errorf("failed to save %s file", kind)
	}

	doc := models.Document{
		Kind:             kind,
		Filename:         stored.Filename,
		OriginalFileName: file.Filename,
		FileType:         strings.TrimPrefix(strings.ToLower(filepath.Ext(file.Filename)), "."),
		FilePath:         stored.Path,
		Checksum:         stored.Checksum,
		SizeBytes:        stored.Size,
	}
	if err := h.docRepo.Create(c.UserContext(), &doc); err != nil {
		// Cleanup uploaded file if database insert fails
		if delErr := h.storageService.DeleteFile(stored.Path); delErr != nil {
			h.logger.Warn("failed to remove orphaned upload", zap.String("path", stored.Path), zap.Error(delErr))
		}
		h.logger.Error("failed to save document record", zap.String("kind", string(kind)), zap.Error(err))
		return nil, fiber.StatusInternalServerError, fmt.Errorf("failed to save %s document record", kind)
	}

	h.logger.Info("document uploaded",
		zap.String("document_id", doc.ID.String()),
		zap.String("kind", string(kind)),
		zap.Int64("size_bytes", doc.SizeBytes),
	)

	return &models.UploadedFile{
		ID:           doc.ID.String(),
		Kind:         string(doc.Kind),
		Filename:     doc.Filename,
		OriginalName: doc.OriginalFileName,
		FileType:     doc.FileType,
		Checksum:     doc.Checksum,
		SizeBytes:    doc.SizeBytes,
	}, fiber.StatusCreated, nil
}

func firstFile(form *multipart.Form, fields ...string) *multipart.FileHeader {
	for _, field := range fields {
		if files := form.File[field]; len(files) > 0 {
			return files[0]
		}
	}
	return nil
}
