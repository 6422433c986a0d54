package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"alfredoptarigan/cv-evaluation-pipeline/internal/config"
	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
	"alfredoptarigan/cv-evaluation-pipeline/internal/retry"
)

// Payload keys stored on every point.
const (
	PayloadDocID       = "doc_id"
	PayloadDocType     = "doc_type"
	PayloadText        = "text"
	PayloadContentHash = "content_hash"
	PayloadChunkIndex  = "chunk_index"
	PayloadVersion     = "version"
	PayloadPointRef    = "point_ref"
)

// Logical filter keys accepted by Search and DeleteByFilter.
const (
	FilterDocumentID   = "document_id"
	FilterDocumentType = "document_type"
	FilterContentHash  = "content_hash"
)

var filterKeys = map[string]string{
	FilterDocumentID:   PayloadDocID,
	FilterDocumentType: PayloadDocType,
	FilterContentHash:  PayloadContentHash,
}

var pointIDNamespace = uuid.MustParse("6b1f8a52-6a7e-4d8b-9f6c-1c2e0c7a4d11")

const existsBatchSize = 256

// Filter matches points whose payload value for each key is one of the
// listed values. Keys are logical (FilterDocumentID, ...).
type Filter map[string][]string

type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

type SearchOptions struct {
	Limit          int
	Filter         Filter
	ScoreThreshold float32
}

type SearchResult struct {
	ID           string
	Score        float32
	Text         string
	DocumentID   string
	DocumentType string
	Payload      map[string]any
}

type CollectionStats struct {
	Collection   string `json:"collection"`
	PointCount   uint64 `json:"point_count"`
	SegmentCount uint64 `json:"segment_count"`
	Status       string `json:"status"`
}

type QdrantService interface {
	EnsureCollection(ctx context.Context, dimension int, distance string) error
	Upsert(ctx context.Context, points []Point) error
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]SearchResult, error)
	DeleteByFilter(ctx context.Context, filter Filter) error
	Exists(ctx context.Context, ids []string) (map[string]bool, error)
	Stats(ctx context.Context) (*CollectionStats, error)
}

// qdrantClient is the subset of *qdrant.Client the service uses.
type qdrantClient interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, request *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	GetCollectionInfo(ctx context.Context, collectionName string) (*qdrant.CollectionInfo, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Get(ctx context.Context, request *qdrant.GetPoints) ([]*qdrant.RetrievedPoint, error)
}

type qdrantService struct {
	client         qdrantClient
	collectionName string
	timeout        time.Duration
	policy         *retry.Policy
	retryOpts      retry.Options
	logger         *zap.Logger
}

func NewQdrantService(cfg config.QdrantConfig, policy *retry.Policy, retryOpts retry.Options, log *zap.Logger) (QdrantService, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return newQdrantService(client, cfg.Collection, cfg.RequestTimeout, policy, retryOpts, log), nil
}

func newQdrantService(client qdrantClient, collection string, timeout time.Duration, policy *retry.Policy, retryOpts retry.Options, log *zap.Logger) *qdrantService {
	return &qdrantService{
		client:         client,
		collectionName: collection,
		timeout:        timeout,
		policy:         policy,
		retryOpts:      retryOpts,
		logger:         logger.Component(log, "qdrant").With(zap.String("collection", collection)),
	}
}

// PointUUID maps an application point id to the UUID stored in the index.
func PointUUID(id string) string {
	return uuid.NewSHA1(pointIDNamespace, []byte(id)).String()
}

// EnsureCollection implements QdrantService.
func (q *qdrantService) EnsureCollection(ctx context.Context, dimension int, distance string) error {
	if dimension <= 0 {
		return retry.Permanent(fmt.Errorf("invalid vector dimension %d", dimension))
	}

	return q.run(ctx, "ensure_collection", func(ctx context.Context) error {
		exists, err := q.client.CollectionExists(ctx, q.collectionName)
		if err != nil {
			return fmt.Errorf("failed to check collection: %w", err)
		}
		if exists {
			q.logger.Debug("collection already exists")
			return q.ensureFieldIndexes(ctx)
		}

		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: parseDistance(distance),
			}),
		})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		if err := q.ensureFieldIndexes(ctx); err != nil {
			return err
		}

		q.logger.Info("collection created", zap.Int("dimension", dimension), zap.String("distance", distance))
		return nil
	})
}

// ensureFieldIndexes creates the keyword indexes used by filtered deletes.
// Indexes that already exist are left as they are.
func (q *qdrantService) ensureFieldIndexes(ctx context.Context) error {
	for _, field := range []string{PayloadDocID, PayloadDocType, PayloadContentHash} {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collectionName,
			FieldName:      field,
			FieldType:      qdrant.PtrOf(qdrant.FieldType_FieldTypeKeyword),
		})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("failed to index payload field %s: %w", field, err)
		}
	}
	return nil
}

// Upsert implements QdrantService.
func (q *qdrantService) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return retry.Permanent(errors.New("point id is required"))
		}
		if len(p.Vector) == 0 {
			return retry.Permanent(fmt.Errorf("point %q has an empty vector", id))
		}

		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		payload[PayloadPointRef] = id

		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(PointUUID(id)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	return q.run(ctx, "upsert", func(ctx context.Context) error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collectionName,
			Wait:           qdrant.PtrOf(true),
			Points:         structs,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert points: %w", err)
		}
		return nil
	})
}

// Search implements QdrantService.
func (q *qdrantService) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]SearchResult, error) {
	if len(vector) == 0 {
		return nil, retry.Permanent(errors.New("query vector required"))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	filter, err := translateFilter(opts.Filter)
	if err != nil {
		return nil, err
	}

	req := &qdrant.QueryPoints{
		CollectionName: q.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if opts.ScoreThreshold > 0 {
		req.ScoreThreshold = qdrant.PtrOf(opts.ScoreThreshold)
	}

	var points []*qdrant.ScoredPoint
	err = q.run(ctx, "search", func(ctx context.Context) error {
		res, err := q.client.Query(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to search: %w", err)
		}
		points = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(points))
	for _, point := range points {
		if point == nil || point.Score < opts.ScoreThreshold {
			continue
		}
		payload := payloadToMap(point.Payload)
		result := SearchResult{
			ID:      stringField(payload, PayloadPointRef),
			Score:   point.Score,
			Payload: payload,
		}
		if result.ID == "" && point.Id != nil {
			result.ID = point.Id.GetUuid()
		}
		result.Text = stringField(payload, PayloadText)
		result.DocumentID = stringField(payload, PayloadDocID)
		result.DocumentType = stringField(payload, PayloadDocType)
		results = append(results, result)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// DeleteByFilter implements QdrantService. An empty filter is rejected so a
// caller can never wipe the collection by accident.
func (q *qdrantService) DeleteByFilter(ctx context.Context, filter Filter) error {
	if len(filter) == 0 {
		return retry.Permanent(errors.New("delete requires a non-empty filter"))
	}
	qf, err := translateFilter(filter)
	if err != nil {
		return err
	}

	return q.run(ctx, "delete", func(ctx context.Context) error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.collectionName,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: qf,
				},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete points: %w", err)
		}
		return nil
	})
}

// Exists implements QdrantService.
func (q *qdrantService) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	byUUID := make(map[string]string, len(ids))
	for _, id := range ids {
		found[id] = false
		byUUID[PointUUID(id)] = id
	}

	for start := 0; start < len(ids); start += existsBatchSize {
		end := min(start+existsBatchSize, len(ids))
		pointIDs := make([]*qdrant.PointId, 0, end-start)
		for _, id := range ids[start:end] {
			pointIDs = append(pointIDs, qdrant.NewID(PointUUID(id)))
		}

		var points []*qdrant.RetrievedPoint
		err := q.run(ctx, "exists", func(ctx context.Context) error {
			res, err := q.client.Get(ctx, &qdrant.GetPoints{
				CollectionName: q.collectionName,
				Ids:            pointIDs,
				WithPayload:    qdrant.NewWithPayload(false),
			})
			if err != nil {
				return fmt.Errorf("failed to get points: %w", err)
			}
			points = res
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, p := range points {
			if p == nil || p.Id == nil {
				continue
			}
			if id, ok := byUUID[p.Id.GetUuid()]; ok {
				found[id] = true
			}
		}
	}
	return found, nil
}

// Stats implements QdrantService.
func (q *qdrantService) Stats(ctx context.Context) (*CollectionStats, error) {
	var info *qdrant.CollectionInfo
	err := q.run(ctx, "stats", func(ctx context.Context) error {
		res, err := q.client.GetCollectionInfo(ctx, q.collectionName)
		if err != nil {
			return fmt.Errorf("failed to get collection info: %w", err)
		}
		info = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &CollectionStats{
		Collection:   q.collectionName,
		PointCount:   info.GetPointsCount(),
		SegmentCount: info.GetSegmentsCount(),
		Status:       info.GetStatus().String(),
	}, nil
}

// run wraps op with the retry policy and a per-call timeout. A missing
// collection is terminal.
func (q *qdrantService) run(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	return q.policy.Run(ctx, q.retryOpts.Named("qdrant."+operation), func(ctx context.Context) error {
		callCtx := ctx
		if q.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, q.timeout)
			defer cancel()
		}

		err := op(callCtx)
		if err != nil && status.Code(err) == codes.NotFound {
			return retry.Permanent(fmt.Errorf("%w: %s: %v", ErrCollectionNotInitialized, q.collectionName, err))
		}
		return err
	})
}

func translateFilter(filter Filter) (*qdrant.Filter, error) {
	if len(filter) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	qf := &qdrant.Filter{}
	for _, key := range keys {
		payloadKey, ok := filterKeys[key]
		if !ok {
			return nil, retry.Permanent(fmt.Errorf("unsupported filter key %q", key))
		}
		values := filter[key]
		switch len(values) {
		case 0:
			return nil, retry.Permanent(fmt.Errorf("filter key %q has no values", key))
		case 1:
			qf.Must = append(qf.Must, qdrant.NewMatch(payloadKey, values[0]))
		default:
			qf.Must = append(qf.Must, qdrant.NewMatchKeywords(payloadKey, values...))
		}
	}
	return qf, nil
}

func parseDistance(distance string) qdrant.Distance {
	switch strings.ToLower(strings.TrimSpace(distance)) {
	case "dot":
		return qdrant.Distance_Dot
	case "euclid", "euclidean":
		return qdrant.Distance_Euclid
	case "manhattan":
		return qdrant.Distance_Manhattan
	default:
		return qdrant.Distance_Cosine
	}
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = valueToAny(value)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, valueToAny(item))
		}
		return out
	case *qdrant.Value_StructValue:
		return payloadToMap(kind.StructValue.GetFields())
	default:
		return nil
	}
}

func stringField(payload map[string]any, key string) string {
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}
