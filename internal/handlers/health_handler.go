package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
)

const healthCheckTimeout = 2 * time.Second

type HealthHandler struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewHealthHandler(db *gorm.DB, log *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		logger: logger.Component(log, "health_handler"),
	}
}

// HandleHealth handles GET /health. The database is the only dependency
// checked; the model and index providers are exercised per job.
func (h *HealthHandler) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthCheckTimeout)
	defer cancel()

	database := "up"
	status := fiber.StatusOK
	if err := h.ping(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		database = "down"
		status = fiber.StatusServiceUnavailable
	}

	state := "healthy"
	if status != fiber.StatusOK {
		state = "unhealthy"
	}
	return c.Status(status).JSON(fiber.Map{
		"status":   state,
		"database": database,
		"time":     time.Now(),
	})
}

func (h *HealthHandler) ping(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
