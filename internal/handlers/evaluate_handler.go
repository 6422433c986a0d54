package handlers

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
	"alfredoptarigan/cv-evaluation-pipeline/internal/repositories"
	"alfredoptarigan/cv-evaluation-pipeline/internal/services"
)

type EvaluationHandler struct {
	evalRepo repositories.EvaluationRepository
	docRepo  repositories.DocumentRepository
	worker   services.Worker
	logger   *zap.Logger
}

func NewEvaluationHandler(
	evalRepo repositories.EvaluationRepository,
	docRepo repositories.DocumentRepository,
	worker services.Worker,
	log *zap.Logger,
) *EvaluationHandler {
	return &EvaluationHandler{
		evalRepo: evalRepo,
		docRepo:  docRepo,
		worker:   worker,
		logger:   logger.Component(log, "evaluation_handler"),
	}
}

// HandleEvaluate handles POST /evaluate. A job is only created when both
// documents exist with the expected kinds.
func (h *EvaluationHandler) HandleEvaluate(c *fiber.Ctx) error {
	var req models.EvaluateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request payload",
		})
	}
	if err := validate.Struct(&req); err != nil {
		return validationFailed(c, err)
	}

	cvDocID := uuid.MustParse(req.CVDocumentID)
	projectDocID := uuid.MustParse(req.ProjectDocumentID)
	ctx := c.UserContext()

	if status, err := h.checkDocument(c, cvDocID, models.KindCV, "cv_document_id"); err != nil {
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	if status, err := h.checkDocument(c, projectDocID, models.KindReport, "project_document_id"); err != nil {
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	evaluation := &models.Evaluation{
		JobTitle:          req.JobTitle,
		CVDocumentID:      cvDocID,
		ProjectDocumentID: projectDocID,
		Status:            models.StatusQueued,
	}
	if err := h.evalRepo.Create(ctx, evaluation); err != nil {
		h.logger.Error("failed to create evaluation", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create evaluation job",
		})
	}

	// The recovery poller picks the job up if this enqueue is lost.
	if err := h.worker.EnqueueJob(ctx, evaluation.ID); err != nil {
		h.logger.Warn("failed to enqueue evaluation", zap.String("evaluation_id", evaluation.ID.String()), zap.Error(err))
	}

	h.logger.Info("evaluation queued",
		zap.String("evaluation_id", evaluation.ID.String()),
		zap.String("job_title", evaluation.JobTitle),
	)
	return c.Status(fiber.StatusAccepted).JSON(models.EvaluateResponse{
		ID:     evaluation.ID.String(),
		Status: string(models.StatusQueued),
	})
}

func (h *EvaluationHandler) checkDocument(c *fiber.Ctx, id uuid.UUID, kind models.DocumentKind, field string) (int, error) {
	doc, err := h.docRepo.FindByID(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fiber.StatusNotFound, fmt.Errorf("%s document not found", kind)
		}
		h.logger.Error("failed to load document", zap.String("document_id", id.String()), zap.Error(err))
		return fiber.StatusInternalServerError, errors.New("failed to load document")
	}
	if doc.Kind != kind {
		return fiber.StatusBadRequest, fmt.Errorf("%s must reference a %s upload, got %s", field, kind, doc.Kind)
	}
	return fiber.StatusOK, nil
}
