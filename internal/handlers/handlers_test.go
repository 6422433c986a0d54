package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
	"alfredoptarigan/cv-evaluation-pipeline/internal/repositories"
	"alfredoptarigan/cv-evaluation-pipeline/internal/services"
	"alfredoptarigan/cv-evaluation-pipeline/internal/testutil"
)

const testMaxFileSize = 1024

type fakeWorker struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
	err      error
}

func (w *fakeWorker) Start(context.Context) {}
func (w *fakeWorker) Stop()                 {}

func (w *fakeWorker) EnqueueJob(_ context.Context, id uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enqueued = append(w.enqueued, id)
	return w.err
}

// stubIngestion records calls and returns canned results.
type stubIngestion struct {
	ingestResult *services.IngestResult
	updateResult *services.IngestResult
	err          error
	docs         []models.ReferenceDocument
	paths        []string
	deleted      []uuid.UUID
	repair       bool
}

func (s *stubIngestion) Ingest(_ context.Context, path string, docType models.ReferenceType, version string) (*services.IngestResult, error) {
	s.paths = append(s.paths, path)
	if s.err != nil {
		return nil, s.err
	}
	if s.ingestResult != nil {
		return s.ingestResult, nil
	}
	return &services.IngestResult{Document: &models.ReferenceDocument{
		ID: uuid.New(), Type: docType, Version: version, FilePath: path, ChunkCount: 1,
	}}, nil
}

func (s *stubIngestion) IngestDirectory(context.Context, string, string) (*services.IngestReport, error) {
	return &services.IngestReport{}, s.err
}

func (s *stubIngestion) Update(_ context.Context, id uuid.UUID, path, version string) (*services.IngestResult, error) {
	s.paths = append(s.paths, path)
	if s.err != nil {
		return nil, s.err
	}
	return s.updateResult, nil
}

func (s *stubIngestion) Delete(_ context.Context, id uuid.UUID) error {
	s.deleted = append(s.deleted, id)
	return s.err
}

func (s *stubIngestion) List(_ context.Context, docType models.ReferenceType) ([]models.ReferenceDocument, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []models.ReferenceDocument
	for _, d := range s.docs {
		if docType == "" || d.Type == docType {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *stubIngestion) Reconcile(_ context.Context, repair bool) (*services.ReconcileReport, error) {
	s.repair = repair
	return &services.ReconcileReport{Checked: 4, Orphaned: []string{"a:b:0"}, Removed: 1}, s.err
}

func (s *stubIngestion) Stats(context.Context) (*services.IngestionStats, error) {
	return &services.IngestionStats{Documents: len(s.docs), ChunkReferences: 7}, s.err
}

type apiFixture struct {
	app       *fiber.App
	db        *gorm.DB
	uploadDir string
	docs      repositories.DocumentRepository
	evals     repositories.EvaluationRepository
	artifacts repositories.ArtifactRepository
	worker    *fakeWorker
	ingestion *stubIngestion
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db := testutil.DB(t)
	dir := t.TempDir()
	storage := services.NewStorageService(dir)
	require.NoError(t, storage.EnsureUploadDir())

	f := &apiFixture{
		db:        db,
		uploadDir: dir,
		docs:      repositories.NewDocumentRepository(db),
		evals:     repositories.NewEvaluationRepository(db),
		artifacts: repositories.NewArtifactRepository(db),
		worker:    &fakeWorker{},
		ingestion: &stubIngestion{},
	}

	log := zap.NewNop()
	f.app = fiber.New()
	Register(f.app.Group("/api/v1"), Handlers{
		Upload:    NewUploadHandler(f.docs, storage, testMaxFileSize, log),
		Evaluate:  NewEvaluationHandler(f.evals, f.docs, f.worker, log),
		Result:    NewResultHandler(f.evals, f.artifacts, log),
		Reference: NewReferenceHandler(f.ingestion, storage, testMaxFileSize, log),
		Health:    NewHealthHandler(db, log),
	})
	return f
}

type formFile struct {
	field, name, content string
}

func multipartRequest(t *testing.T, method, target string, files []formFile, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = io.WriteString(part, f.content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (f *apiFixture) do(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func (f *apiFixture) uploadedFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (f *apiFixture) document(t *testing.T, kind models.DocumentKind) *models.Document {
	t.Helper()
	doc := &models.Document{Kind: kind, Filename: string(kind) + ".txt", FileType: "txt", FilePath: "/tmp/none", Checksum: "abc"}
	require.NoError(t, f.docs.Create(context.Background(), doc))
	return doc
}

func (f *apiFixture) evaluationCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.Evaluation{}).Count(&n).Error)
	return n
}

func TestUploadStoresBothDocuments(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.do(t, multipartRequest(t, http.MethodPost, "/api/v1/upload", []formFile{
		{"cv", "resume.txt", "Go engineer with five years of experience"},
		{"project_report", "report.md", "# Report\nQueue with retries"},
	}, nil))
	require.Equal(t, fiber.StatusCreated, status, string(body))

	var resp models.UploadResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotNil(t, resp.CV)
	require.NotNil(t, resp.Report)
	assert.Equal(t, "cv", resp.CV.Kind)
	assert.Equal(t, "report", resp.Report.Kind)
	assert.Equal(t, services.ContentHash([]byte("Go engineer with five years of experience")), resp.CV.Checksum)
	assert.Equal(t, "md", resp.Report.FileType)

	stored, err := f.docs.FindByID(context.Background(), uuid.MustParse(resp.Report.ID))
	require.NoError(t, err)
	assert.Equal(t, models.KindReport, stored.Kind)
	assert.Equal(t, "report.md", stored.OriginalFileName)
	assert.Len(t, f.uploadedFiles(t), 2)
}

func TestUploadRejectsBadInput(t *testing.T) {
	cases := []struct {
		name  string
		files []formFile
	}{
		{"no files", nil},
		{"unsupported type", []formFile{{"cv", "resume.docx", "binary"}}},
		{"too large", []formFile{{"cv", "resume.txt", strings.Repeat("x", testMaxFileSize+1)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAPIFixture(t)
			status, body := f.do(t, multipartRequest(t, http.MethodPost, "/api/v1/upload", tc.files, nil))
			assert.Equal(t, fiber.StatusBadRequest, status, string(body))
			assert.Empty(t, f.uploadedFiles(t))
		})
	}
}

func TestEvaluateQueuesJob(t *testing.T) {
	f := newAPIFixture(t)
	cv := f.document(t, models.KindCV)
	report := f.document(t, models.KindReport)

	status, body := f.do(t, jsonRequest(http.MethodPost, "/api/v1/evaluate",
		`{"job_title":"Backend Engineer","cv_document_id":"`+cv.ID.String()+`","project_document_id":"`+report.ID.String()+`"}`))
	require.Equal(t, fiber.StatusAccepted, status, string(body))

	var resp models.EvaluateResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "queued", resp.Status)

	id := uuid.MustParse(resp.ID)
	eval, err := f.evals.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, eval.Status)
	assert.Equal(t, "Backend Engineer", eval.JobTitle)
	assert.Equal(t, []uuid.UUID{id}, f.worker.enqueued)
}

func TestEvaluateAcceptsJobWhenEnqueueFails(t *testing.T) {
	f := newAPIFixture(t)
	f.worker.err = services.ErrQueueClosed
	cv := f.document(t, models.KindCV)
	report := f.document(t, models.KindReport)

	status, _ := f.do(t, jsonRequest(http.MethodPost, "/api/v1/evaluate",
		`{"job_title":"Backend Engineer","cv_document_id":"`+cv.ID.String()+`","project_document_id":"`+report.ID.String()+`"}`))
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.EqualValues(t, 1, f.evaluationCount(t))
}

func TestEvaluateMissingDocumentCreatesNoJob(t *testing.T) {
	f := newAPIFixture(t)
	cv := f.document(t, models.KindCV)

	status, body := f.do(t, jsonRequest(http.MethodPost, "/api/v1/evaluate",
		`{"job_title":"Backend Engineer","cv_document_id":"`+cv.ID.String()+`","project_document_id":"`+uuid.NewString()+`"}`))
	assert.Equal(t, fiber.StatusNotFound, status, string(body))
	assert.Zero(t, f.evaluationCount(t))
	assert.Empty(t, f.worker.enqueued)
}

func TestEvaluateRejectsSwappedKinds(t *testing.T) {
	f := newAPIFixture(t)
	cv := f.document(t, models.KindCV)
	report := f.document(t, models.KindReport)

	status, body := f.do(t, jsonRequest(http.MethodPost, "/api/v1/evaluate",
		`{"job_title":"Backend Engineer","cv_document_id":"`+report.ID.String()+`","project_document_id":"`+cv.ID.String()+`"}`))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, string(body), "cv_document_id")
	assert.Zero(t, f.evaluationCount(t))
}

func TestEvaluateValidationErrors(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.do(t, jsonRequest(http.MethodPost, "/api/v1/evaluate",
		`{"job_title":"","cv_document_id":"not-a-uuid","project_document_id":"`+uuid.NewString()+`"}`))
	require.Equal(t, fiber.StatusBadRequest, status)

	var resp struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "validation failed", resp.Error)
	assert.Contains(t, resp.Details, "job_title is required")
	assert.Contains(t, resp.Details, "cv_document_id must be a valid UUID")

	status, _ = f.do(t, jsonRequest(http.MethodPost, "/api/v1/evaluate", `{not json`))
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func (f *apiFixture) job(t *testing.T) *models.Evaluation {
	t.Helper()
	eval := &models.Evaluation{JobTitle: "Backend Engineer", CVDocumentID: uuid.New(), ProjectDocumentID: uuid.New()}
	require.NoError(t, f.evals.Create(context.Background(), eval))
	return eval
}

func TestResultByStatus(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	t.Run("queued", func(t *testing.T) {
		job := f.job(t)
		status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/result/"+job.ID.String(), nil))
		require.Equal(t, fiber.StatusOK, status)
		assert.JSONEq(t, `{"id":"`+job.ID.String()+`","status":"queued"}`, string(body))
	})

	t.Run("completed", func(t *testing.T) {
		job := f.job(t)
		_, err := f.evals.Claim(ctx, job.ID, repositories.ClaimQuery{StaleBefore: job.CreatedAt})
		require.NoError(t, err)
		require.NoError(t, f.evals.MarkCompleted(ctx, job.ID, &models.FinalSynthesis{
			CVMatchRate: 0.82, CVFeedback: "strong backend", ProjectScore: 4.35,
			ProjectFeedback: "solid retries", OverallSummary: "recommended",
		}))

		status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/result/"+job.ID.String(), nil))
		require.Equal(t, fiber.StatusOK, status)
		var resp models.ResultResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Equal(t, "completed", resp.Status)
		require.NotNil(t, resp.Result)
		assert.InDelta(t, 0.82, resp.Result.CVMatchRate, 1e-9)
		assert.InDelta(t, 4.35, resp.Result.ProjectScore, 1e-9)
		assert.Equal(t, "recommended", resp.Result.OverallSummary)
		assert.Nil(t, resp.ErrorCode)
	})

	t.Run("failed", func(t *testing.T) {
		job := f.job(t)
		_, err := f.evals.Claim(ctx, job.ID, repositories.ClaimQuery{StaleBefore: job.CreatedAt})
		require.NoError(t, err)
		_, err = f.evals.MarkFailed(ctx, job.ID, services.CodeMalformedResponse, "raw provider detail")
		require.NoError(t, err)

		status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/result/"+job.ID.String(), nil))
		require.Equal(t, fiber.StatusOK, status)
		var resp models.ResultResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Equal(t, "failed", resp.Status)
		require.NotNil(t, resp.ErrorCode)
		assert.Equal(t, services.CodeMalformedResponse, *resp.ErrorCode)
		require.NotNil(t, resp.Attempts)
		assert.Equal(t, 1, *resp.Attempts)
		assert.Contains(t, resp.Message, "retry later")
		assert.NotContains(t, string(body), "raw provider detail")
	})

	t.Run("bad id", func(t *testing.T) {
		status, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/result/abc", nil))
		assert.Equal(t, fiber.StatusBadRequest, status)
	})

	t.Run("unknown id", func(t *testing.T) {
		status, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/result/"+uuid.NewString(), nil))
		assert.Equal(t, fiber.StatusNotFound, status)
	})
}

func TestArtifactsListsStages(t *testing.T) {
	f := newAPIFixture(t)
	job := f.job(t)
	require.NoError(t, f.artifacts.Upsert(context.Background(), &models.StageArtifact{
		EvaluationID:  job.ID,
		Stage:         models.StageProfile,
		Payload:       datatypes.JSON(`{"match_rate":0.8}`),
		SchemaVersion: models.SchemaProfileEvaluation,
	}))

	status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evaluations/"+job.ID.String()+"/artifacts", nil))
	require.Equal(t, fiber.StatusOK, status)

	var resp struct {
		ID        string                    `json:"id"`
		Artifacts []models.ArtifactResponse `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Artifacts, 1)
	assert.Equal(t, models.StageProfile, resp.Artifacts[0].Stage)
	assert.JSONEq(t, `{"match_rate":0.8}`, string(resp.Artifacts[0].Payload))
}

func TestReferenceCreate(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.do(t, multipartRequest(t, http.MethodPost, "/api/v1/reference-documents",
		[]formFile{{"file", "rubric.md", "# CV rubric"}},
		map[string]string{"type": "cv_rubric", "version": "v2"}))
	require.Equal(t, fiber.StatusCreated, status, string(body))

	var res services.IngestResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, models.RefCVRubric, res.Document.Type)
	assert.Equal(t, "v2", res.Document.Version)
	assert.Len(t, f.uploadedFiles(t), 1)
}

func TestReferenceCreateDeduplicatedDiscardsUpload(t *testing.T) {
	f := newAPIFixture(t)
	f.ingestion.ingestResult = &services.IngestResult{
		Document:     &models.ReferenceDocument{ID: uuid.New(), Type: models.RefCVRubric},
		Deduplicated: true,
	}

	status, _ := f.do(t, multipartRequest(t, http.MethodPost, "/api/v1/reference-documents",
		[]formFile{{"file", "rubric.md", "# CV rubric"}},
		map[string]string{"type": "cv_rubric"}))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, f.uploadedFiles(t))
}

func TestReferenceCreateValidatesType(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.do(t, multipartRequest(t, http.MethodPost, "/api/v1/reference-documents",
		[]formFile{{"file", "rubric.md", "# CV rubric"}},
		map[string]string{"type": "policy"}))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, string(body), "type must be one of")
	assert.Empty(t, f.ingestion.paths)
}

func TestReferenceErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{services.ErrDocumentTypeConflict, fiber.StatusConflict},
		{services.ErrDuplicateContent, fiber.StatusConflict},
		{services.ErrEmptyDocument, fiber.StatusUnprocessableEntity},
		{services.ErrCollectionNotInitialized, fiber.StatusServiceUnavailable},
		{repositories.ErrNotFound, fiber.StatusNotFound},
		{assert.AnError, fiber.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			f := newAPIFixture(t)
			f.ingestion.err = tc.err

			status, _ := f.do(t, multipartRequest(t, http.MethodPut, "/api/v1/reference-documents/"+uuid.NewString(),
				[]formFile{{"file", "brief.txt", "case study"}}, nil))
			assert.Equal(t, tc.status, status)
			assert.Empty(t, f.uploadedFiles(t))
		})
	}
}

func TestReferenceUpdateUnchangedDiscardsUpload(t *testing.T) {
	f := newAPIFixture(t)
	id := uuid.New()
	f.ingestion.updateResult = &services.IngestResult{
		Document:  &models.ReferenceDocument{ID: id, Type: models.RefCaseStudy},
		Unchanged: true,
	}

	status, body := f.do(t, multipartRequest(t, http.MethodPut, "/api/v1/reference-documents/"+id.String(),
		[]formFile{{"file", "brief.txt", "case study"}}, map[string]string{"version": "v3"}))
	require.Equal(t, fiber.StatusOK, status, string(body))
	assert.Contains(t, string(body), `"unchanged":true`)
	assert.Empty(t, f.uploadedFiles(t))
}

func TestReferenceListDeleteStatsReconcile(t *testing.T) {
	f := newAPIFixture(t)
	f.ingestion.docs = []models.ReferenceDocument{
		{ID: uuid.New(), Type: models.RefCVRubric},
		{ID: uuid.New(), Type: models.RefCaseStudy},
	}

	status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/reference-documents?type=case_study", nil))
	require.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, string(body), `"count":1`)

	id := uuid.New()
	status, _ = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/reference-documents/"+id.String(), nil))
	assert.Equal(t, fiber.StatusNoContent, status)
	assert.Equal(t, []uuid.UUID{id}, f.ingestion.deleted)

	status, body = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/reference-documents/stats", nil))
	require.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, string(body), `"chunk_references":7`)

	status, body = f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/reference-documents/reconcile?repair=true", nil))
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, f.ingestion.repair)
	assert.Contains(t, string(body), `"removed":1`)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, string(body), `"database":"up"`)
}
