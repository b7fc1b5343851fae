package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

const (
	// DefaultCollection is the Qdrant collection used when none is configured.
	DefaultCollection = "insight_engine"

	vectorName = "content"

	pointTypeChunk  = "chunk"
	pointTypeSource = "source"
	pointTypeMeta   = "meta"

	defaultPageSize = 100
)

// pointNamespace seeds deterministic point UUIDs from chunk ids.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("insight-engine/points"))

// QdrantConfig describes a Qdrant connection and collection.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	Dimension  int    // Vector size of the collection
	Distance   string // "cosine" (default), "euclid" or "dot"
}

// QdrantIndex is a VectorIndex backed by a Qdrant collection. Chunks and
// source records live in the same collection, told apart by the "type"
// payload field; source records carry no vector.
//
// ReplaceSource overwrites chunks in place and then deletes the surplus, so
// a failed write leaves the previous chunks searchable. Qdrant orders equal
// scores by point id, not insertion order.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  int
	distance   qdrant.Distance
	pageSize   uint32 // Scroll page size for Sources
}

var _ VectorIndex = (*QdrantIndex)(nil)

// NewQdrantIndex connects to Qdrant with health validation.
// It performs health check with retry on startup and fails fast if Qdrant is unreachable.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: qdrant collection needs a positive dimension", ErrDimensionMismatch)
	}
	distance, err := parseDistance(cfg.Distance)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	idx := &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		distance:   distance,
		pageSize:   defaultPageSize,
	}

	ctx := context.Background()
	if err := idx.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}

	if err := idx.EnsureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}

	return idx, nil
}

func parseDistance(name string) (qdrant.Distance, error) {
	switch strings.ToLower(name) {
	case "", "cosine":
		return qdrant.Distance_Cosine, nil
	case "euclid":
		return qdrant.Distance_Euclid, nil
	case "dot":
		return qdrant.Distance_Dot, nil
	default:
		return 0, fmt.Errorf("unknown qdrant distance %q", name)
	}
}

// newRetryBackoff returns the retry schedule used for health checks and writes.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(b, ctx)
}

func (q *QdrantIndex) healthCheckWithRetry(ctx context.Context) error {
	return backoff.Retry(func() error { return q.Health(ctx) }, newRetryBackoff(ctx))
}

// Health performs a single health check against Qdrant.
func (q *QdrantIndex) Health(ctx context.Context) error {
	result, err := q.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the collection and its payload indexes if missing.
// Idempotent - safe to call multiple times.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			vectorName: {
				Size:     uint64(q.dimension),
				Distance: q.distance,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for _, field := range []string{"type", "source", "chunk_id"} {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}

	_, err = q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "chunk_index",
		FieldType:      qdrant.FieldType_FieldTypeInteger.Enum(),
	})
	if err != nil {
		return fmt.Errorf("failed to create index for field chunk_index: %w", err)
	}

	return nil
}

// Close closes the Qdrant client connection.
func (q *QdrantIndex) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

func chunkPointID(chunkID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(chunkID)).String())
}

func sourcePointID(source string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte("source:"+source)).String())
}

var paramsPointID = qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte("meta:params")).String())

func (q *QdrantIndex) chunkPoint(e Entry) (*qdrant.PointStruct, error) {
	if len(e.Vector) != q.dimension {
		return nil, fmt.Errorf("%w: chunk %s has %d dimensions, expected %d",
			ErrDimensionMismatch, e.ChunkID, len(e.Vector), q.dimension)
	}
	return &qdrant.PointStruct{
		Id: chunkPointID(e.ChunkID),
		Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
			vectorName: qdrant.NewVector(e.Vector...),
		}),
		Payload: qdrant.NewValueMap(map[string]any{
			"type":        pointTypeChunk,
			"chunk_id":    e.ChunkID,
			"source":      e.Source,
			"chunk_index": e.ChunkIndex,
			"text":        e.Text,
		}),
	}, nil
}

func sourcePoint(rec SourceRecord) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:      sourcePointID(rec.Source),
		Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{}),
		Payload: qdrant.NewValueMap(map[string]any{
			"type":         pointTypeSource,
			"source":       rec.Source,
			"fingerprint":  rec.Fingerprint,
			"title":        rec.Title,
			"chunk_count":  rec.ChunkCount,
			"modified_at":  formatTime(rec.ModifiedAt),
			"last_seen_at": formatTime(rec.LastSeenAt),
		}),
	}
}

// upsertWithRetry performs upsert operation with exponential backoff retry.
// Points are sent in batches of 100.
func (q *QdrantIndex) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	const batchSize = 100
	for i := 0; i < len(points); i += batchSize {
		end := min(i+batchSize, len(points))
		batch := points[i:end]

		operation := func() error {
			_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: q.collection,
				Wait:           qdrant.PtrOf(true),
				Points:         batch,
			})
			return err
		}
		if err := backoff.Retry(operation, newRetryBackoff(ctx)); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}
	return nil
}

func (q *QdrantIndex) deleteWhere(ctx context.Context, must ...*qdrant.Condition) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(&qdrant.Filter{Must: must}),
	})
	return err
}

// Upsert stores a single chunk point.
func (q *QdrantIndex) Upsert(ctx context.Context, e Entry) error {
	point, err := q.chunkPoint(e)
	if err != nil {
		return err
	}
	return q.upsertWithRetry(ctx, []*qdrant.PointStruct{point})
}

// DeleteBySource removes every chunk point of source.
func (q *QdrantIndex) DeleteBySource(ctx context.Context, source string) error {
	err := q.deleteWhere(ctx,
		qdrant.NewMatch("type", pointTypeChunk),
		qdrant.NewMatch("source", source),
	)
	if err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", source, err)
	}
	return nil
}

// ReplaceSource upserts entries and rec, then deletes chunks of the source
// beyond the new chunk count. Chunk ids are deterministic, so the upsert
// overwrites the old chunk at each index.
func (q *QdrantIndex) ReplaceSource(ctx context.Context, rec SourceRecord, entries []Entry) error {
	points := make([]*qdrant.PointStruct, 0, len(entries)+1)
	for _, e := range entries {
		if e.Source != rec.Source {
			return fmt.Errorf("entry %s does not belong to source %s", e.ChunkID, rec.Source)
		}
		point, err := q.chunkPoint(e)
		if err != nil {
			return err
		}
		points = append(points, point)
	}
	rec.ChunkCount = len(entries)
	points = append(points, sourcePoint(rec))

	if err := q.upsertWithRetry(ctx, points); err != nil {
		return err
	}

	err := q.deleteWhere(ctx,
		qdrant.NewMatch("type", pointTypeChunk),
		qdrant.NewMatch("source", rec.Source),
		qdrant.NewRange("chunk_index", &qdrant.Range{Gte: qdrant.PtrOf(float64(len(entries)))}),
	)
	if err != nil {
		return fmt.Errorf("failed to delete surplus chunks of %s: %w", rec.Source, err)
	}
	return nil
}

// DeleteSource removes the source's chunks and its record point.
func (q *QdrantIndex) DeleteSource(ctx context.Context, source string) error {
	if err := q.deleteWhere(ctx, qdrant.NewMatch("source", source)); err != nil {
		return fmt.Errorf("failed to delete source %s: %w", source, err)
	}
	return nil
}

// MarkSeen rewrites the source record with a new last-seen time.
func (q *QdrantIndex) MarkSeen(ctx context.Context, source string, at time.Time) error {
	rec, err := q.Source(ctx, source)
	if err != nil {
		return err
	}
	rec.LastSeenAt = at
	return q.upsertWithRetry(ctx, []*qdrant.PointStruct{sourcePoint(*rec)})
}

// Query performs vector similarity search on chunk points.
func (q *QdrantIndex) Query(ctx context.Context, vector []float32, topK int) ([]ScoredEntry, error) {
	if topK < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}
	if len(vector) != q.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), q.dimension)
	}

	using := vectorName
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Using:          &using,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("type", pointTypeChunk)},
		},
		Limit:       qdrant.PtrOf(uint64(topK)),
		WithPayload: qdrant.NewWithPayload(true),
		WithVectors: qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	entries := make([]ScoredEntry, 0, len(results))
	for _, result := range results {
		payload := result.Payload
		chunkID := payload["chunk_id"].GetStringValue()
		if chunkID == "" {
			return nil, fmt.Errorf("%w: point %s has no chunk_id", ErrIndexCorrupt, result.Id.GetUuid())
		}
		entries = append(entries, ScoredEntry{
			ChunkID:    chunkID,
			Source:     payload["source"].GetStringValue(),
			ChunkIndex: int(payload["chunk_index"].GetIntegerValue()),
			Text:       payload["text"].GetStringValue(),
			Distance:   q.toDistance(result.Score),
		})
	}

	return entries, nil
}

// toDistance converts a Qdrant score to a non-negative distance. Dot product
// scores have no such form and yield nil.
func (q *QdrantIndex) toDistance(score float32) *float64 {
	var d float64
	switch q.distance {
	case qdrant.Distance_Cosine:
		d = max(0, 1-float64(score))
	case qdrant.Distance_Euclid:
		d = float64(score)
	default:
		return nil
	}
	return &d
}

// Source returns the record point for source.
func (q *QdrantIndex) Source(ctx context.Context, source string) (*SourceRecord, error) {
	result, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            []*qdrant.PointId{sourcePointID(source)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get source %s: %w", source, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, source)
	}
	return sourceFromPayload(result[0].Payload)
}

// Sources scrolls through every source record point.
func (q *QdrantIndex) Sources(ctx context.Context) ([]SourceRecord, error) {
	var (
		records []SourceRecord
		offset  *qdrant.PointId
	)

	for {
		results, next, err := q.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch("type", pointTypeSource)},
			},
			Limit:       qdrant.PtrOf(q.pageSize),
			Offset:      offset,
			WithPayload: qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scroll sources: %w", err)
		}

		for _, result := range results {
			rec, err := sourceFromPayload(result.Payload)
			if err != nil {
				return nil, err
			}
			records = append(records, *rec)
		}

		// next is the first point of the following page, nil after the last.
		if next == nil {
			break
		}
		offset = next
	}

	sortSources(records)
	return records, nil
}

func sourceFromPayload(payload map[string]*qdrant.Value) (*SourceRecord, error) {
	rec := &SourceRecord{
		Source:      payload["source"].GetStringValue(),
		Fingerprint: payload["fingerprint"].GetStringValue(),
		Title:       payload["title"].GetStringValue(),
		ChunkCount:  int(payload["chunk_count"].GetIntegerValue()),
	}
	if rec.Source == "" || rec.Fingerprint == "" {
		return nil, fmt.Errorf("%w: source record without source or fingerprint", ErrIndexCorrupt)
	}

	var err error
	if rec.ModifiedAt, err = time.Parse(time.RFC3339Nano, payload["modified_at"].GetStringValue()); err != nil {
		return nil, fmt.Errorf("%w: source %s modified_at: %v", ErrIndexCorrupt, rec.Source, err)
	}
	if rec.LastSeenAt, err = time.Parse(time.RFC3339Nano, payload["last_seen_at"].GetStringValue()); err != nil {
		return nil, fmt.Errorf("%w: source %s last_seen_at: %v", ErrIndexCorrupt, rec.Source, err)
	}
	return rec, nil
}

// Stats counts chunk and source points.
func (q *QdrantIndex) Stats(ctx context.Context) (*Stats, error) {
	count := func(pointType string) (int, error) {
		n, err := q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: q.collection,
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch("type", pointType)},
			},
			Exact: qdrant.PtrOf(true),
		})
		if err != nil {
			return 0, fmt.Errorf("failed to count %s points: %w", pointType, err)
		}
		return int(n), nil
	}

	entries, err := count(pointTypeChunk)
	if err != nil {
		return nil, err
	}
	sources, err := count(pointTypeSource)
	if err != nil {
		return nil, err
	}
	return &Stats{Entries: entries, Sources: sources, Dimension: q.dimension}, nil
}

// Params returns the parameters stored in the collection's meta point.
func (q *QdrantIndex) Params(ctx context.Context) (string, error) {
	result, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            []*qdrant.PointId{paramsPointID},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get params: %w", err)
	}
	if len(result) == 0 {
		return "", nil
	}
	return result[0].Payload["params"].GetStringValue(), nil
}

// SetParams stores params in a vectorless meta point.
func (q *QdrantIndex) SetParams(ctx context.Context, params string) error {
	return q.upsertWithRetry(ctx, []*qdrant.PointStruct{{
		Id:      paramsPointID,
		Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{}),
		Payload: qdrant.NewValueMap(map[string]any{
			"type":   pointTypeMeta,
			"params": params,
		}),
	}})
}

// Reset deletes the collection and recreates it empty.
func (q *QdrantIndex) Reset(ctx context.Context) error {
	if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return q.EnsureCollection(ctx)
}
