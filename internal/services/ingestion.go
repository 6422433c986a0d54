package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
	"alfredoptarigan/cv-evaluation-pipeline/internal/repositories"
)

const (
	reconcilePageSize   = 500
	compensationTimeout = 30 * time.Second
	vectorHashPrefixLen = 12
)

var ErrDuplicateContent = errors.New("content already ingested as another reference document")

type IngestResult struct {
	Document     *models.ReferenceDocument `json:"document"`
	Deduplicated bool                      `json:"deduplicated"`
	Unchanged    bool                      `json:"unchanged,omitempty"`
}

type IngestFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type IngestReport struct {
	Results  []IngestResult  `json:"results"`
	Failures []IngestFailure `json:"failures"`
	Skipped  []string        `json:"skipped"`
}

type ReconcileReport struct {
	Checked  int      `json:"checked"`
	Orphaned []string `json:"orphaned"`
	Removed  int64    `json:"removed"`
}

type IngestionStats struct {
	Collection      *CollectionStats `json:"collection"`
	Documents       int              `json:"documents"`
	ChunkReferences int64            `json:"chunk_references"`
}

// IngestionService indexes ground-truth documents for retrieval and keeps the
// relational chunk references in step with the vector index.
type IngestionService interface {
	Ingest(ctx context.Context, filePath string, docType models.ReferenceType, version string) (*IngestResult, error)
	IngestDirectory(ctx context.Context, dir, version string) (*IngestReport, error)
	Update(ctx context.Context, id uuid.UUID, newFilePath, newVersion string) (*IngestResult, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, docType models.ReferenceType) ([]models.ReferenceDocument, error)
	Reconcile(ctx context.Context, repair bool) (*ReconcileReport, error)
	Stats(ctx context.Context) (*IngestionStats, error)
}

type ingestionService struct {
	refRepo   repositories.ReferenceRepository
	storage   StorageService
	extractor TextExtractor
	chunker   TextChunker
	embedder  GeminiService
	index     QdrantService
	logger    *zap.Logger
}

func NewIngestionService(
	refRepo repositories.ReferenceRepository,
	storage StorageService,
	extractor TextExtractor,
	chunker TextChunker,
	embedder GeminiService,
	index QdrantService,
	log *zap.Logger,
) IngestionService {
	return &ingestionService{
		refRepo:   refRepo,
		storage:   storage,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		logger:    logger.Component(log, "ingestion"),
	}
}

// Ingest implements IngestionService. Identical bytes already stored under
// the same type return the existing record without touching the index.
func (s *ingestionService) Ingest(ctx context.Context, filePath string, docType models.ReferenceType, version string) (*IngestResult, error) {
	if !docType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReferenceType, docType)
	}

	data, err := s.storage.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	hash := ContentHash(data)
	log := s.logger.With(zap.String("path", filePath), zap.String("type", string(docType)), zap.String("content_hash", hash))

	if res, err := s.lookupExisting(ctx, hash, docType); res != nil || err != nil {
		if res != nil {
			log.Info("reference document already ingested", zap.String("document_id", res.Document.ID.String()))
		}
		return res, err
	}

	doc := &models.ReferenceDocument{
		ID:          uuid.New(),
		Type:        docType,
		Title:       titleFromPath(filePath),
		Version:     version,
		FilePath:    filePath,
		ContentHash: hash,
	}

	upserted := false
	err = s.refRepo.Transaction(ctx, func(tx repositories.ReferenceRepository) error {
		text, err := s.extractor.Extract(filePath, data)
		if err != nil {
			return err
		}

		// A failed statement aborts the transaction, so no retry here.
		if err := tx.Create(ctx, doc); err != nil {
			return err
		}

		n, err := s.indexChunks(ctx, tx, doc, text, &upserted)
		if err != nil {
			return err
		}

		doc.ChunkCount = n
		return tx.Save(ctx, doc)
	})
	if err != nil {
		if upserted {
			s.compensate(ctx, doc.ID, hash)
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a race on the same bytes; hand back the winner.
			if res, lookupErr := s.lookupExisting(ctx, hash, docType); res != nil || lookupErr != nil {
				return res, lookupErr
			}
		}
		log.Error("reference document ingestion failed", zap.Error(err))
		return nil, fmt.Errorf("failed to ingest %s: %w", filePath, err)
	}

	log.Info("reference document ingested",
		zap.String("document_id", doc.ID.String()),
		zap.Int("chunks", doc.ChunkCount),
	)
	return &IngestResult{Document: doc}, nil
}

func (s *ingestionService) lookupExisting(ctx context.Context, hash string, docType models.ReferenceType) (*IngestResult, error) {
	existing, err := s.refRepo.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if existing.Type != docType {
		return nil, fmt.Errorf("%w: stored as %s (document %s)", ErrDocumentTypeConflict, existing.Type, existing.ID)
	}
	return &IngestResult{Document: existing, Deduplicated: true}, nil
}

// indexChunks chunks text, embeds every chunk in one batch, upserts the
// vectors and records their chunk references through tx. upserted is set
// once vectors may exist in the index.
func (s *ingestionService) indexChunks(ctx context.Context, tx repositories.ReferenceRepository, doc *models.ReferenceDocument, text string, upserted *bool) (int, error) {
	chunks := s.chunker.Chunk(text)
	if len(chunks) == 0 {
		return 0, ErrEmptyDocument
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}

	points := make([]Point, len(chunks))
	refs := make([]models.ChunkReference, len(chunks))
	for i, c := range chunks {
		vectorID := VectorID(doc.ID, doc.ContentHash, c.Index)
		points[i] = Point{
			ID:     vectorID,
			Vector: vectors[i],
			Payload: map[string]any{
				PayloadDocID:       doc.ID.String(),
				PayloadDocType:     string(doc.Type),
				PayloadText:        c.Text,
				PayloadContentHash: doc.ContentHash,
				PayloadChunkIndex:  int64(c.Index),
				PayloadVersion:     doc.Version,
			},
		}

		meta, err := json.Marshal(models.ChunkMetadata{
			DocumentType: doc.Type,
			ChunkIndex:   c.Index,
			StartToken:   c.StartToken,
			EndToken:     c.EndToken,
			Version:      doc.Version,
			ContentHash:  doc.ContentHash,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to encode chunk metadata: %w", err)
		}
		refs[i] = models.ChunkReference{
			DocumentID: doc.ID,
			ChunkIndex: c.Index,
			VectorID:   vectorID,
			Metadata:   meta,
		}
	}

	*upserted = true
	if err := s.index.Upsert(ctx, points); err != nil {
		return 0, fmt.Errorf("failed to upsert vectors: %w", err)
	}
	if err := tx.CreateChunks(ctx, refs); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// compensate removes the vectors written for one (document, content) pair
// after the surrounding transaction failed.
func (s *ingestionService) compensate(ctx context.Context, docID uuid.UUID, hash string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	err := s.index.DeleteByFilter(ctx, Filter{
		FilterDocumentID:  {docID.String()},
		FilterContentHash: {hash},
	})
	if err != nil {
		s.logger.Error("failed to remove vectors of rolled back ingestion",
			zap.String("document_id", docID.String()),
			zap.String("content_hash", hash),
			zap.Error(err),
		)
		return
	}
	s.logger.Warn("removed vectors of rolled back ingestion",
		zap.String("document_id", docID.String()),
		zap.String("content_hash", hash),
	)
}

// IngestDirectory implements IngestionService. Per-file failures are
// collected; the batch always runs to the end.
func (s *ingestionService) IngestDirectory(ctx context.Context, dir, version string) (*IngestReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	report := &IngestReport{
		Results:  []IngestResult{},
		Failures: []IngestFailure{},
		Skipped:  []string{},
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		if !SupportedExtensions[strings.ToLower(filepath.Ext(name))] {
			report.Skipped = append(report.Skipped, path)
			continue
		}
		docType, ok := InferReferenceType(name)
		if !ok {
			s.logger.Warn("cannot infer reference type from filename", zap.String("path", path))
			report.Skipped = append(report.Skipped, path)
			continue
		}

		res, err := s.Ingest(ctx, path, docType, version)
		if err != nil {
			report.Failures = append(report.Failures, IngestFailure{Path: path, Error: err.Error()})
			if ctx.Err() != nil {
				break
			}
			continue
		}
		report.Results = append(report.Results, *res)
	}

	s.logger.Info("directory ingestion finished",
		zap.String("dir", dir),
		zap.Int("ingested", len(report.Results)),
		zap.Int("failed", len(report.Failures)),
		zap.Int("skipped", len(report.Skipped)),
	)
	return report, nil
}

// Update implements IngestionService. New vectors are written before the old
// ones are removed; any failure leaves the previous version in place.
func (s *ingestionService) Update(ctx context.Context, id uuid.UUID, newFilePath, newVersion string) (*IngestResult, error) {
	doc, err := s.refRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := s.storage.ReadFile(newFilePath)
	if err != nil {
		return nil, err
	}
	hash := ContentHash(data)
	log := s.logger.With(zap.String("document_id", id.String()), zap.String("content_hash", hash))

	if hash == doc.ContentHash {
		log.Info("reference document unchanged")
		return &IngestResult{Document: doc, Unchanged: true}, nil
	}

	if other, err := s.refRepo.FindByHash(ctx, hash); err == nil {
		if other.Type != doc.Type {
			return nil, fmt.Errorf("%w: stored as %s (document %s)", ErrDocumentTypeConflict, other.Type, other.ID)
		}
		return nil, fmt.Errorf("%w: document %s", ErrDuplicateContent, other.ID)
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}

	oldHash := doc.ContentHash
	updated := *doc
	updated.ContentHash = hash
	updated.FilePath = newFilePath
	if newVersion != "" {
		updated.Version = newVersion
	}

	upserted := false
	err = s.refRepo.Transaction(ctx, func(tx repositories.ReferenceRepository) error {
		text, err := s.extractor.Extract(newFilePath, data)
		if err != nil {
			return err
		}
		if err := tx.DeleteChunks(ctx, id); err != nil {
			return err
		}

		n, err := s.indexChunks(ctx, tx, &updated, text, &upserted)
		if err != nil {
			return err
		}
		updated.ChunkCount = n
		if err := tx.Save(ctx, &updated); err != nil {
			return err
		}

		return s.index.DeleteByFilter(ctx, Filter{
			FilterDocumentID:  {id.String()},
			FilterContentHash: {oldHash},
		})
	})
	if err != nil {
		if upserted {
			s.compensate(ctx, id, hash)
		}
		log.Error("reference document update failed", zap.Error(err))
		return nil, fmt.Errorf("failed to update reference document %s: %w", id, err)
	}

	log.Info("reference document updated",
		zap.String("previous_hash", oldHash),
		zap.String("version", updated.Version),
		zap.Int("chunks", updated.ChunkCount),
	)
	return &IngestResult{Document: &updated}, nil
}

// Delete implements IngestionService.
func (s *ingestionService) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.refRepo.FindByID(ctx, id); err != nil {
		return err
	}
	if err := s.index.DeleteByFilter(ctx, Filter{FilterDocumentID: {id.String()}}); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	if err := s.refRepo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("reference document deleted", zap.String("document_id", id.String()))
	return nil
}

// List implements IngestionService.
func (s *ingestionService) List(ctx context.Context, docType models.ReferenceType) ([]models.ReferenceDocument, error) {
	if docType != "" && !docType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReferenceType, docType)
	}
	return s.refRepo.List(ctx, docType)
}

// Reconcile implements IngestionService. It reports chunk references whose
// vector is missing from the index and, with repair, deletes them.
func (s *ingestionService) Reconcile(ctx context.Context, repair bool) (*ReconcileReport, error) {
	report := &ReconcileReport{Orphaned: []string{}}

	for offset := 0; ; offset += reconcilePageSize {
		chunks, err := s.refRepo.ListChunks(ctx, offset, reconcilePageSize)
		if err != nil {
			return nil, err
		}
		if len(chunks) == 0 {
			break
		}

		ids := make([]string, len(chunks))
		for i, c := range chunks {
			ids[i] = c.VectorID
		}
		found, err := s.index.Exists(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to check vectors: %w", err)
		}
		for _, id := range ids {
			if !found[id] {
				report.Orphaned = append(report.Orphaned, id)
			}
		}
		report.Checked += len(chunks)

		if len(chunks) < reconcilePageSize {
			break
		}
	}

	if repair && len(report.Orphaned) > 0 {
		removed, err := s.refRepo.DeleteChunksByVectorIDs(ctx, report.Orphaned)
		if err != nil {
			return nil, err
		}
		report.Removed = removed
	}

	s.logger.Info("chunk references reconciled",
		zap.Int("checked", report.Checked),
		zap.Int("orphaned", len(report.Orphaned)),
		zap.Int64("removed", report.Removed),
	)
	return report, nil
}

// Stats implements IngestionService.
func (s *ingestionService) Stats(ctx context.Context) (*IngestionStats, error) {
	collection, err := s.index.Stats(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.refRepo.List(ctx, "")
	if err != nil {
		return nil, err
	}
	chunks, err := s.refRepo.CountChunks(ctx)
	if err != nil {
		return nil, err
	}
	return &IngestionStats{
		Collection:      collection,
		Documents:       len(docs),
		ChunkReferences: chunks,
	}, nil
}

// VectorID is the application-level index id of one chunk. It embeds the
// content hash so a new version never collides with the one it replaces.
func VectorID(docID uuid.UUID, contentHash string, chunkIndex int) string {
	prefix := contentHash
	if len(prefix) > vectorHashPrefixLen {
		prefix = prefix[:vectorHashPrefixLen]
	}
	return fmt.Sprintf("%s:%s:%d", docID, prefix, chunkIndex)
}

// InferReferenceType maps a filename to a reference type by keyword.
func InferReferenceType(filename string) (models.ReferenceType, bool) {
	name := strings.ToLower(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(name, w) {
				return true
			}
		}
		return false
	}

	switch {
	case has("project", "submission", "case") && has("rubric", "scoring"):
		return models.RefProjectRubric, true
	case has("rubric", "scoring"):
		return models.RefCVRubric, true
	case has("case", "brief", "study"):
		return models.RefCaseStudy, true
	case has("job", "description", "jd"):
		return models.RefJobDescription, true
	default:
		return "", false
	}
}

func titleFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(base))
}
