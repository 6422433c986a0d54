package handlers

import "github.com/gofiber/fiber/v2"

type Handlers struct {
	Upload    *UploadHandler
	Evaluate  *EvaluationHandler
	Result    *ResultHandler
	Reference *ReferenceHandler
	Health    *HealthHandler
}

// Register mounts every endpoint under router, normally the /api/v1 group.
func Register(router fiber.Router, h Handlers) {
	router.Get("/health", h.Health.HandleHealth)

	router.Post("/upload", h.Upload.HandleUpload)
	router.Post("/evaluate", h.Evaluate.HandleEvaluate)
	router.Get("/result/:id", h.Result.HandleGetResult)
	router.Get("/evaluations/:id/artifacts", h.Result.HandleGetArtifacts)

	refs := router.Group("/reference-documents")
	refs.Post("/", h.Reference.HandleCreate)
	refs.Get("/", h.Reference.HandleList)
	refs.Get("/stats", h.Reference.HandleStats)
	refs.Post("/reconcile", h.Reference.HandleReconcile)
	refs.Put("/:id", h.Reference.HandleUpdate)
	refs.Delete("/:id", h.Reference.HandleDelete)
}

// Endpoints lists the routes mounted by Register.
var Endpoints = []string{
	"GET /api/v1/health",
	"POST /api/v1/upload",
	"POST /api/v1/evaluate",
	"GET /api/v1/result/:id",
	"GET /api/v1/evaluations/:id/artifacts",
	"POST /api/v1/reference-documents",
	"GET /api/v1/reference-documents",
	"PUT /api/v1/reference-documents/:id",
	"DELETE /api/v1/reference-documents/:id",
	"GET /api/v1/reference-documents/stats",
	"POST /api/v1/reference-documents/reconcile",
}
