package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/service/embedding"
)

// pointsClient is the subset of the Qdrant gRPC client used for data
// operations. *qdrant.Client satisfies it.
type pointsClient interface {
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Close() error
}

type dialFunc func(ctx context.Context, ep endpoint) (pointsClient, error)

func dialQdrant(_ context.Context, ep endpoint) (pointsClient, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   ep.host,
		Port:                   ep.grpcPort,
		APIKey:                 ep.apiKey,
		UseTLS:                 ep.useTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w: %w", ep.host, ep.grpcPort, model.ErrBackendUnavailable, err)
	}
	return client, nil
}

// QdrantStore implements Store on a Qdrant collection. Schema administration
// and health go over REST; reads and writes go over gRPC. Every operation
// opens its own session and closes it before returning.
type QdrantStore struct {
	cfg      Config
	embedder embedding.Provider
	logger   *slog.Logger
	dial     dialFunc
	now      func() time.Time

	schema schemaGuard

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error
	healthAt    atomic.Int64 // unix nanos of last check
}

// NewQdrantStore returns a store for cfg. Construction never touches the
// network and never fails: configuration problems surface on first use.
func NewQdrantStore(cfg Config, embedder embedding.Provider, logger *slog.Logger) *QdrantStore {
	if embedder == nil {
		embedder = embedding.NewNoopProvider(cfg.Dims)
	}
	return &QdrantStore{
		cfg:      cfg,
		embedder: embedder,
		logger:   logger,
		dial:     dialQdrant,
		now:      time.Now,
	}
}

func (q *QdrantStore) dims() int {
	if q.cfg.Dims > 0 {
		return q.cfg.Dims
	}
	return q.embedder.Dimensions()
}

// EnsureSchema creates the collection and its payload indexes if needed. It
// runs at most once per store; every data operation calls it first.
func (q *QdrantStore) EnsureSchema(ctx context.Context) error {
	ep, err := q.cfg.resolve()
	if err != nil {
		return err
	}
	_, err = q.ensure(ctx, ep)
	return err
}

func (q *QdrantStore) ensure(ctx context.Context, ep endpoint) (schemaDescriptor, error) {
	return q.schema.ensure(ctx, func(ctx context.Context) (schemaDescriptor, error) {
		s := newRESTSession(ep)
		defer s.close()

		desc, err := initSchema(ctx, s, q.cfg.collection(), q.dims())
		if err != nil {
			return desc, fmt.Errorf("search: ensure schema: %w", err)
		}
		if desc.Created {
			q.logger.Info("qdrant: created collection", "collection", desc.Collection, "dims", desc.DenseSize, "schema_version", desc.Version)
		} else {
			q.logger.Info("qdrant: collection already exists", "collection", desc.Collection)
		}
		return desc, nil
	})
}

// open ensures the schema and dials a data session for an endpoint already
// resolved by the caller. The caller must close the returned client.
func (q *QdrantStore) open(ctx context.Context, ep endpoint) (pointsClient, error) {
	if _, err := q.ensure(ctx, ep); err != nil {
		return nil, err
	}
	return q.dial(ctx, ep)
}

func closeSession(c pointsClient, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Debug("qdrant: close session", "error", err)
	}
}

// Upsert writes doc to its deterministic object, replacing any previous
// version. A document whose embedding fails is still stored with its keyword
// vector so keyword search keeps working.
func (q *QdrantStore) Upsert(ctx context.Context, doc model.Document) (uuid.UUID, error) {
	ep, err := q.cfg.resolve()
	if err != nil {
		return uuid.Nil, err
	}
	if err := doc.Validate(); err != nil {
		return uuid.Nil, err
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = q.now()
	}
	id := ObjectID(doc.SourceType, doc.SourceID)

	client, err := q.open(ctx, ep)
	if err != nil {
		return uuid.Nil, err
	}
	defer closeSession(client, q.logger)

	vectors := map[string]*qdrant.Vector{}
	if idx, vals := documentVector(doc.Title + " " + doc.Text); len(idx) > 0 {
		vectors[sparseVector] = qdrant.NewVectorSparse(idx, vals)
	}
	dense, err := q.embedder.Embed(ctx, doc.Title+"\n"+doc.Text)
	switch {
	case err != nil:
		q.logger.Warn("qdrant: embedding failed, storing without dense vector",
			"source_type", doc.SourceType, "source_id", doc.SourceID, "error", err)
	case embedding.IsZero(dense):
		q.logger.Debug("qdrant: no embedding signal, storing without dense vector",
			"source_type", doc.SourceType, "source_id", doc.SourceID)
	default:
		vectors[denseVector] = qdrant.NewVectorDense(dense)
	}

	_, err = client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.collection(),
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id.String()),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(documentPayload(doc)),
		}},
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("search: qdrant upsert %s:%s: %w: %w", doc.SourceType, doc.SourceID, model.ErrBackendUnavailable, err)
	}
	return id, nil
}

func documentPayload(doc model.Document) map[string]any {
	tags := doc.NormalizedTags()
	tagValues := make([]any, len(tags))
	for i, t := range tags {
		tagValues[i] = t
	}
	return map[string]any{
		"source_type":    doc.SourceType,
		"source_id":      doc.SourceID,
		"title":          doc.Title,
		"text":           doc.Text,
		"tags":           tagValues,
		"url":            doc.URL,
		"updated_at":     doc.UpdatedAt.UTC().Format(time.RFC3339),
		"schema_version": int64(SchemaVersion),
	}
}

// Delete removes the object for (sourceType, sourceID). Deleting an id that
// does not exist succeeds.
func (q *QdrantStore) Delete(ctx context.Context, sourceType, sourceID string) error {
	ep, err := q.cfg.resolve()
	if err != nil {
		return err
	}
	if err := validateKey(sourceType, sourceID); err != nil {
		return err
	}
	client, err := q.open(ctx, ep)
	if err != nil {
		return err
	}
	defer closeSession(client, q.logger)

	_, err = client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.cfg.collection(),
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewID(ObjectID(sourceType, sourceID).String())},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %s:%s: %w: %w", sourceType, sourceID, model.ErrBackendUnavailable, err)
	}
	return nil
}

// Query runs a BM25-ranked keyword search. Filters are not applied by this
// schema version.
func (q *QdrantStore) Query(ctx context.Context, text string, topK int, filters map[string]string) ([]model.RetrievalHit, error) {
	ep, err := q.cfg.resolve()
	if err != nil {
		return nil, err
	}
	if err := validateQuery(text, topK); err != nil {
		return nil, err
	}
	if len(filters) > 0 {
		q.logger.Debug("qdrant: query filters are not supported by this schema version, ignoring", "filters", filters)
	}
	client, err := q.open(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer closeSession(client, q.logger)

	idx, vals := queryVector(text)
	if len(idx) == 0 {
		return []model.RetrievalHit{}, nil
	}
	return q.runQuery(ctx, client, qdrant.NewQuerySparse(idx, vals), sparseVector, topK, model.StrategyKeyword)
}

// SemanticQuery runs an embedding-similarity search. It fails when the
// embedding provider cannot produce a usable vector for text.
func (q *QdrantStore) SemanticQuery(ctx context.Context, text string, topK int) ([]model.RetrievalHit, error) {
	ep, err := q.cfg.resolve()
	if err != nil {
		return nil, err
	}
	if err := validateQuery(text, topK); err != nil {
		return nil, err
	}
	client, err := q.open(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer closeSession(client, q.logger)

	vec, err := q.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	if embedding.IsZero(vec) {
		return nil, fmt.Errorf("search: semantic query: no embedding provider: %w", model.ErrServiceNotConfigured)
	}
	return q.runQuery(ctx, client, qdrant.NewQueryDense(vec), denseVector, topK, model.StrategySemantic)
}

func (q *QdrantStore) runQuery(ctx context.Context, client pointsClient, query *qdrant.Query, using string, topK int, strategy model.Strategy) ([]model.RetrievalHit, error) {
	limit := uint64(topK) //nolint:gosec // validated positive
	scored, err := client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.cfg.collection(),
		Query:          query,
		Using:          qdrant.PtrOf(using),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant %s query: %w: %w", strategy, model.ErrBackendUnavailable, err)
	}
	hits := make([]model.RetrievalHit, 0, len(scored))
	for _, sp := range scored {
		hits = append(hits, hitFromPoint(sp, strategy))
	}
	return hits, nil
}

func hitFromPoint(sp *qdrant.ScoredPoint, strategy model.Strategy) model.RetrievalHit {
	p := sp.GetPayload()
	text := p["text"].GetStringValue()
	return model.RetrievalHit{
		SourceType:  p["source_type"].GetStringValue(),
		SourceID:    p["source_id"].GetStringValue(),
		Title:       p["title"].GetStringValue(),
		Score:       float64(sp.GetScore()),
		TextPreview: model.Preview(text),
		URL:         p["url"].GetStringValue(),
		Strategy:    strategy,
		Text:        text,
	}
}

// Healthy returns nil if the store answers its readiness probe. Results are
// cached for 5 seconds and concurrent checks after expiry share one request.
func (q *QdrantStore) Healthy(ctx context.Context) error {
	ep, err := q.cfg.resolve()
	if err != nil {
		return err
	}
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// The check runs detached from ctx: singleflight shares the first
	// caller's work, and that caller's cancellation must not leak to waiters.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()

		s := newRESTSession(ep)
		defer s.close()
		if err := s.ready(checkCtx); err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// Available reports whether the store is enabled, configured and reachable.
// It never returns an error.
func (q *QdrantStore) Available(ctx context.Context) bool {
	return q.Healthy(ctx) == nil
}

func (q *QdrantStore) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantStore) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}
