package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
	"alfredoptarigan/cv-evaluation-pipeline/internal/repositories"
	"alfredoptarigan/cv-evaluation-pipeline/internal/services"
)

// ReferenceHandler manages the ground-truth documents behind retrieval.
type ReferenceHandler struct {
	ingestion      services.IngestionService
	storageService services.StorageService
	maxFileSize    int64
	logger         *zap.Logger
}

func NewReferenceHandler(
	ingestion services.IngestionService,
	storageService services.StorageService,
	maxFileSize int64,
	log *zap.Logger,
) *ReferenceHandler {
	return &ReferenceHandler{
		ingestion:      ingestion,
		storageService: storageService,
		maxFileSize:    maxFileSize,
		logger:         logger.Component(log, "reference_handler"),
	}
}

// HandleCreate handles POST /reference-documents. Re-uploading identical
// bytes under the same type returns the stored document with 200.
func (h *ReferenceHandler) HandleCreate(c *fiber.Ctx) error {
	var req models.ReferenceUploadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request payload",
		})
	}
	if err := validate.Struct(&req); err != nil {
		return validationFailed(c, err)
	}

	stored, status, err := h.saveUpload(c, req.Type)
	if err != nil {
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	res, err := h.ingestion.Ingest(c.UserContext(), stored.Path, models.ReferenceType(req.Type), req.Version)
	if err != nil {
		h.discard(stored.Path)
		return h.ingestionFailed(c, err)
	}

	if res.Deduplicated {
		h.discard(stored.Path)
		return c.Status(fiber.StatusOK).JSON(res)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// HandleList handles GET /reference-documents?type=.
func (h *ReferenceHandler) HandleList(c *fiber.Ctx) error {
	docs, err := h.ingestion.List(c.UserContext(), models.ReferenceType(c.Query("type")))
	if err != nil {
		return h.ingestionFailed(c, err)
	}
	return c.JSON(fiber.Map{
		"documents": docs,
		"count":     len(docs),
	})
}

// HandleUpdate handles PUT /reference-documents/:id.
func (h *ReferenceHandler) HandleUpdate(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid reference document ID format",
		})
	}

	var req models.ReferenceUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request payload",
		})
	}
	if err := validate.Struct(&req); err != nil {
		return validationFailed(c, err)
	}

	stored, status, err := h.saveUpload(c, "reference")
	if err != nil {
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	res, err := h.ingestion.Update(c.UserContext(), id, stored.Path, req.Version)
	if err != nil {
		h.discard(stored.Path)
		return h.ingestionFailed(c, err)
	}
	if res.Unchanged {
		h.discard(stored.Path)
	}
	return c.JSON(res)
}

// HandleDelete handles DELETE /reference-documents/:id.
func (h *ReferenceHandler) HandleDelete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid reference document ID format",
		})
	}
	if err := h.ingestion.Delete(c.UserContext(), id); err != nil {
		return h.ingestionFailed(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleStats handles GET /reference-documents/stats.
func (h *ReferenceHandler) HandleStats(c *fiber.Ctx) error {
	stats, err := h.ingestion.Stats(c.UserContext())
	if err != nil {
		return h.ingestionFailed(c, err)
	}
	return c.JSON(stats)
}

// HandleReconcile handles POST /reference-documents/reconcile?repair=true.
func (h *ReferenceHandler) HandleReconcile(c *fiber.Ctx) error {
	report, err := h.ingestion.Reconcile(c.UserContext(), c.QueryBool("repair"))
	if err != nil {
		return h.ingestionFailed(c, err)
	}
	return c.JSON(report)
}

func (h *ReferenceHandler) saveUpload(c *fiber.Ctx, prefix string) (*services.StoredFile, int, error) {
	file, err := c.FormFile("file")
	if err != nil {
		return nil, fiber.StatusBadRequest, errors.New("file is required")
	}
	if h.maxFileSize > 0 && file.Size > h.maxFileSize {
		return nil, fiber.StatusBadRequest, errors.New("file too large")
	}

	stored, err := h.storageService.SaveFile(file, prefix)
	if err != nil {
		if errors.Is(err, services.ErrUnsupportedFileType) {
			return nil, fiber.StatusBadRequest, errors.New("file must be a PDF, TXT or MD document")
		}
		h.logger.Error("failed to save reference upload", zap.Error(err))
		return nil, fiber.StatusInternalServerError, errors.New("failed to save file")
	}
	return stored, fiber.StatusOK, nil
}

func (h *ReferenceHandler) discard(path string) {
	if err := h.storageService.DeleteFile(path); err != nil {
		h.logger.Warn("failed to remove reference upload", zap.String("path", path), zap.Error(err))
	}
}

func (h *ReferenceHandler) ingestionFailed(c *fiber.Ctx, err error) error {
	status := referenceErrorStatus(err)
	if status >= fiber.StatusInternalServerError {
		h.logger.Error("reference document operation failed", zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
		"code":  http.StatusText(status),
	})
}

func referenceErrorStatus(err error) int {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrDocumentTypeConflict), errors.Is(err, services.ErrDuplicateContent):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrInvalidReferenceType), errors.Is(err, services.ErrUnsupportedFileType):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrEmptyDocument):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, services.ErrCollectionNotInitialized):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
