package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"alfredoptarigan/cv-evaluation-pipeline/internal/app"
	"alfredoptarigan/cv-evaluation-pipeline/internal/config"
	"alfredoptarigan/cv-evaluation-pipeline/internal/handlers"
	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
	"alfredoptarigan/cv-evaluation-pipeline/internal/observability"
	"alfredoptarigan/cv-evaluation-pipeline/internal/repositories"
	"alfredoptarigan/cv-evaluation-pipeline/internal/services"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Log.JSON, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	db, err := config.InitDatabase(cfg, log)
	if err != nil {
		return err
	}

	docRepo := repositories.NewDocumentRepository(db)
	evalRepo := repositories.NewEvaluationRepository(db)
	artifactRepo := repositories.NewArtifactRepository(db)

	storageService := services.NewStorageService(cfg.Storage.UploadPath)
	if err := storageService.EnsureUploadDir(); err != nil {
		return err
	}

	providers, err := app.NewProviders(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("providers initialized",
		zap.String("generation_model", cfg.Gemini.GenerationModel),
		zap.String("collection", cfg.Qdrant.Collection),
	)

	ingestion := app.NewIngestion(cfg, db, storageService, providers, log)
	rag := services.NewRAGService(providers.Gemini, providers.Qdrant, log)

	evaluatorService := services.NewEvaluatorService(
		evalRepo,
		artifactRepo,
		docRepo,
		storageService,
		services.NewTextExtractor(),
		rag,
		providers.Gemini,
		services.EvaluatorOptions{
			StaleAfter:  cfg.Worker.StaleAfter,
			MaxAttempts: cfg.Queue.MaxAttempts,
		},
		log,
	)

	queue, err := app.NewQueue(ctx, cfg.Queue, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("failed to close job queue", zap.Error(err))
		}
	}()

	worker := services.NewWorker(evalRepo, evaluatorService, queue, services.WorkerOptions{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		StaleAfter:   cfg.Worker.StaleAfter,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BaseBackoff:  cfg.Queue.BaseBackoff,
		MaxBackoff:   cfg.Queue.MaxBackoff,
	}, log)
	worker.Start(ctx)
	defer worker.Stop()

	server := newServer(cfg, log, handlers.Handlers{
		Upload:    handlers.NewUploadHandler(docRepo, storageService, cfg.Storage.MaxFileSize, log),
		Evaluate:  handlers.NewEvaluationHandler(evalRepo, docRepo, worker, log),
		Result:    handlers.NewResultHandler(evalRepo, artifactRepo, log),
		Reference: handlers.NewReferenceHandler(ingestion, storageService, cfg.Storage.MaxFileSize, log),
		Health:    handlers.NewHealthHandler(db, log),
	})

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Server.Port)
		log.Info("server starting", zap.String("addr", addr), zap.String("env", cfg.Server.Env))
		errCh <- server.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	if err := server.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	return nil
}

func newServer(cfg *config.Config, log *zap.Logger, h handlers.Handlers) *fiber.App {
	server := fiber.New(fiber.Config{
		AppName:      "CV Evaluation Pipeline API",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		BodyLimit:    int(cfg.Storage.MaxFileSize) * 2,
		ErrorHandler: errorHandler(log),
	})

	server.Use(recover.New())
	server.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
	server.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	handlers.Register(server.Group("/api/v1"), h)

	server.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message":   "CV Evaluation Pipeline API",
			"version":   "1.0.0",
			"endpoints": handlers.Endpoints,
		})
	})

	return server
}

func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}
		if code >= fiber.StatusInternalServerError {
			log.Error("unhandled request error", zap.String("path", c.Path()), zap.Error(err))
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
			"code":  code,
		})
	}
}
