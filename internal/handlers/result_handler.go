package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
	"alfredoptarigan/cv-evaluation-pipeline/internal/repositories"
)

const failedJobMessage = "Evaluation failed. Please retry later or submit a new evaluation."

type ResultHandler struct {
	evalRepo     repositories.EvaluationRepository
	artifactRepo repositories.ArtifactRepository
	logger       *zap.Logger
}

func NewResultHandler(
	evalRepo repositories.EvaluationRepository,
	artifactRepo repositories.ArtifactRepository,
	log *zap.Logger,
) *ResultHandler {
	return &ResultHandler{
		evalRepo:     evalRepo,
		artifactRepo: artifactRepo,
		logger:       logger.Component(log, "result_handler"),
	}
}

// HandleGetResult handles GET /result/:id.
func (h *ResultHandler) HandleGetResult(c *fiber.Ctx) error {
	evaluation, status, err := h.loadEvaluation(c)
	if err != nil {
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	response := models.ResultResponse{
		ID:     evaluation.ID.String(),
		Status: string(evaluation.Status),
	}

	switch evaluation.Status {
	case models.StatusCompleted:
		response.Result = &models.FinalSynthesis{
			CVMatchRate:     deref(evaluation.CVMatchRate),
			CVFeedback:      deref(evaluation.CVFeedback),
			ProjectScore:    deref(evaluation.ProjectScore),
			ProjectFeedback: deref(evaluation.ProjectFeedback),
			OverallSummary:  deref(evaluation.OverallSummary),
		}
	case models.StatusFailed:
		attempts := evaluation.Attempts
		response.ErrorCode = evaluation.ErrorCode
		response.Attempts = &attempts
		response.Message = failedJobMessage
	}

	return c.JSON(response)
}

// HandleGetArtifacts handles GET /evaluations/:id/artifacts.
func (h *ResultHandler) HandleGetArtifacts(c *fiber.Ctx) error {
	evaluation, status, err := h.loadEvaluation(c)
	if err != nil {
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	artifacts, err := h.artifactRepo.ListByEvaluation(c.UserContext(), evaluation.ID)
	if err != nil {
		h.logger.Error("failed to list artifacts", zap.String("evaluation_id", evaluation.ID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load stage artifacts",
		})
	}

	out := make([]models.ArtifactResponse, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, models.ArtifactResponse{
			Stage:         a.Stage,
			SchemaVersion: a.SchemaVersion,
			Payload:       []byte(a.Payload),
			UpdatedAt:     a.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	return c.JSON(fiber.Map{
		"id":        evaluation.ID.String(),
		"status":    string(evaluation.Status),
		"artifacts": out,
	})
}

func (h *ResultHandler) loadEvaluation(c *fiber.Ctx) (*models.Evaluation, int, error) {
	evalID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, fiber.StatusBadRequest, errors.New("Invalid evaluation ID format")
	}

	evaluation, err := h.evalRepo.FindByID(c.UserContext(), evalID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, fiber.StatusNotFound, errors.New("Evaluation not found")
		}
		h.logger.Error("failed to load evaluation", zap.String("evaluation_id", evalID.String()), zap.Error(err))
		return nil, fiber.StatusInternalServerError, errors.New("Failed to load evaluation")
	}
	return evaluation, fiber.StatusOK, nil
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}
