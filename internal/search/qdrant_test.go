package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perculacms/pagecontext/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeREST is a minimal Qdrant REST API that counts schema calls.
type fakeREST struct {
	srv         *httptest.Server
	exists      atomic.Bool
	failExists  atomic.Int32 // number of exists calls to fail before succeeding
	existsCalls atomic.Int32
	createCalls atomic.Int32
	indexCalls  atomic.Int32
	readyCalls  atomic.Int32
	lastAPIKey  atomic.Value
	createdBody atomic.Value
}

func newFakeREST(t *testing.T) *fakeREST {
	f := &fakeREST{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.lastAPIKey.Store(r.Header.Get("api-key"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/readyz":
			f.readyCalls.Add(1)
			_, _ = w.Write([]byte("all shards are ready"))
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/exists"):
			f.existsCalls.Add(1)
			if f.failExists.Load() > 0 {
				f.failExists.Add(-1)
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			// Simulate a slow server so concurrent callers overlap.
			time.Sleep(20 * time.Millisecond)
			_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"exists": f.exists.Load()}})
		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/index"):
			f.indexCalls.Add(1)
			_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/collections/"):
			f.createCalls.Add(1)
			body, _ := io.ReadAll(r.Body)
			f.createdBody.Store(string(body))
			f.exists.Store(true)
			_, _ = w.Write([]byte(`{"result":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeREST) config() Config {
	u, _ := url.Parse(f.srv.URL)
	return Config{URL: "http://" + u.Hostname(), HTTPPort: u.Port(), GRPCPort: "6334", APIKey: "secret", Dims: 4}
}

// fakePoints is an in-memory stand-in for the Qdrant gRPC data API.
type fakePoints struct {
	mu       sync.Mutex
	points   map[string]*qdrant.PointStruct
	queries  []*qdrant.QueryPoints
	results  []*qdrant.ScoredPoint
	queryErr error
	opened   atomic.Int32
	closed   atomic.Int32
}

func newFakePoints() *fakePoints {
	return &fakePoints{points: map[string]*qdrant.PointStruct{}}
}

func (f *fakePoints) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range req.GetPoints() {
		f.points[p.GetId().GetUuid()] = p
	}
	return &qdrant.UpdateResult{}, nil
}

func (f *fakePoints) Delete(_ context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range req.GetPoints().GetPoints().GetIds() {
		delete(f.points, id.GetUuid())
	}
	return &qdrant.UpdateResult{}, nil
}

func (f *fakePoints) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.results, nil
}

func (f *fakePoints) Close() error {
	f.closed.Add(1)
	return nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (e fakeEmbedder) Embed(context.Context, string) ([]float32, error) { return e.vec, e.err }
func (e fakeEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("not used")
}
func (e fakeEmbedder) Dimensions() int { return 4 }

func newTestStore(cfg Config, pts *fakePoints, emb fakeEmbedder) *QdrantStore {
	st := NewQdrantStore(cfg, emb, testLogger())
	st.dial = func(context.Context, endpoint) (pointsClient, error) {
		pts.opened.Add(1)
		return pts, nil
	}
	st.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return st
}

func TestObjectID(t *testing.T) {
	assert.Equal(t, "6c409169-a964-5ddf-84b2-be0cfcc178fb", ObjectID("page", "42").String())
	assert.Equal(t, ObjectID("page", "42"), ObjectID("page", "42"))
	assert.NotEqual(t, ObjectID("page", "42"), ObjectID("media", "42"))
	assert.Equal(t, 5, int(ObjectID("page", "42").Version()))
}

func TestConstructionNeverFails(t *testing.T) {
	st := NewQdrantStore(Config{}, nil, testLogger())
	require.NotNil(t, st)

	_, err := st.Upsert(context.Background(), model.Document{SourceType: "page", SourceID: "1"})
	assert.True(t, errors.Is(err, model.ErrServiceNotConfigured))
	assert.False(t, st.Available(context.Background()))
}

func TestDisabledStore(t *testing.T) {
	rest := newFakeREST(t)
	cfg := rest.config()
	cfg.Enabled = "false"
	pts := newFakePoints()
	st := newTestStore(cfg, pts, fakeEmbedder{})
	ctx := context.Background()

	_, err := st.Upsert(ctx, model.Document{SourceType: "page", SourceID: "1"})
	assert.True(t, errors.Is(err, model.ErrServiceDisabled))
	assert.True(t, errors.Is(st.Delete(ctx, "page", "1"), model.ErrServiceDisabled))
	_, err = st.Query(ctx, "hello", 5, nil)
	assert.True(t, errors.Is(err, model.ErrServiceDisabled))
	_, err = st.SemanticQuery(ctx, "hello", 5)
	assert.True(t, errors.Is(err, model.ErrServiceDisabled))
	assert.True(t, errors.Is(st.EnsureSchema(ctx), model.ErrServiceDisabled))

	assert.Zero(t, rest.existsCalls.Load())
	assert.Zero(t, pts.opened.Load())
}

func TestDisabledStoreRejectsBeforeValidating(t *testing.T) {
	rest := newFakeREST(t)
	cfg := rest.config()
	cfg.Enabled = "false"
	pts := newFakePoints()
	st := newTestStore(cfg, pts, fakeEmbedder{})
	ctx := context.Background()

	_, err := st.Upsert(ctx, model.Document{SourceType: "page"})
	assert.ErrorIs(t, err, model.ErrServiceDisabled)
	assert.NotErrorIs(t, err, model.ErrValidation)
	assert.ErrorIs(t, st.Delete(ctx, "", ""), model.ErrServiceDisabled)
	_, err = st.Query(ctx, "", 0, nil)
	assert.ErrorIs(t, err, model.ErrServiceDisabled)
	assert.NotErrorIs(t, err, model.ErrValidation)
	_, err = st.SemanticQuery(ctx, "  ", 5)
	assert.ErrorIs(t, err, model.ErrServiceDisabled)

	assert.Zero(t, pts.opened.Load())
}

func TestEnsureSchemaRunsOnce(t *testing.T) {
	rest := newFakeREST(t)
	st := newTestStore(rest.config(), newFakePoints(), fakeEmbedder{})

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Go(func() { errs[i] = st.EnsureSchema(context.Background()) })
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), rest.existsCalls.Load())
	assert.Equal(t, int32(1), rest.createCalls.Load())
	assert.Equal(t, int32(len(payloadIndexes)), rest.indexCalls.Load())
	assert.Equal(t, "secret", rest.lastAPIKey.Load())

	body, _ := rest.createdBody.Load().(string)
	assert.Contains(t, body, `"bm25"`)
	assert.Contains(t, body, `"size":4`)
	assert.Contains(t, body, `"modifier":"idf"`)

	// Later calls are served from memory.
	require.NoError(t, st.EnsureSchema(context.Background()))
	assert.Equal(t, int32(1), rest.existsCalls.Load())
}

func TestEnsureSchemaExistingCollection(t *testing.T) {
	rest := newFakeREST(t)
	rest.exists.Store(true)
	st := newTestStore(rest.config(), newFakePoints(), fakeEmbedder{})

	require.NoError(t, st.EnsureSchema(context.Background()))
	assert.Zero(t, rest.createCalls.Load())
}

func TestEnsureSchemaRetriesAfterFailure(t *testing.T) {
	rest := newFakeREST(t)
	rest.failExists.Store(1)
	st := newTestStore(rest.config(), newFakePoints(), fakeEmbedder{})

	err := st.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrBackendUnavailable))

	require.NoError(t, st.EnsureSchema(context.Background()))
	assert.Equal(t, int32(2), rest.existsCalls.Load())
}

func TestUpsertIsIdempotent(t *testing.T) {
	rest := newFakeREST(t)
	pts := newFakePoints()
	st := newTestStore(rest.config(), pts, fakeEmbedder{vec: []float32{0.1, 0.2, 0.3, 0.4}})
	ctx := context.Background()

	doc := model.Document{SourceType: "page", SourceID: "42", Title: "About", Text: "About our team", Tags: []string{"b", "a", "a"}, URL: "/about"}
	id1, err := st.Upsert(ctx, doc)
	require.NoError(t, err)
	doc.Text = "About our whole team"
	id2, err := st.Upsert(ctx, doc)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, ObjectID("page", "42"), id1)
	require.Len(t, pts.points, 1)

	p := pts.points[id1.String()]
	payload := p.GetPayload()
	assert.Equal(t, "About our whole team", payload["text"].GetStringValue())
	assert.Equal(t, "2025-03-01T12:00:00Z", payload["updated_at"].GetStringValue())
	tags := payload["tags"].GetListValue().GetValues()
	require.Len(t, tags, 2)
	assert.Equal(t, "a", tags[0].GetStringValue())

	named := p.GetVectors().GetVectors().GetVectors()
	assert.Contains(t, named, denseVector)
	assert.Contains(t, named, sparseVector)

	// One session per operation, always released.
	assert.Equal(t, int32(2), pts.opened.Load())
	assert.Equal(t, pts.opened.Load(), pts.closed.Load())
}

func TestUpsertWithoutEmbedding(t *testing.T) {
	rest := newFakeREST(t)
	pts := newFakePoints()
	st := newTestStore(rest.config(), pts, fakeEmbedder{err: errors.New("embedder down")})

	id, err := st.Upsert(context.Background(), model.Document{SourceType: "page", SourceID: "7", Text: "keyword only"})
	require.NoError(t, err)

	named := pts.points[id.String()].GetVectors().GetVectors().GetVectors()
	assert.NotContains(t, named, denseVector)
	assert.Contains(t, named, sparseVector)
}

func TestUpsertValidation(t *testing.T) {
	rest := newFakeREST(t)
	pts := newFakePoints()
	st := newTestStore(rest.config(), pts, fakeEmbedder{})

	_, err := st.Upsert(context.Background(), model.Document{SourceType: "page"})
	assert.True(t, errors.Is(err, model.ErrValidation))
	assert.True(t, errors.Is(st.Delete(context.Background(), "", "1"), model.ErrValidation))
	assert.Zero(t, pts.opened.Load())
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	rest := newFakeREST(t)
	pts := newFakePoints()
	st := newTestStore(rest.config(), pts, fakeEmbedder{})
	ctx := context.Background()

	require.NoError(t, st.Delete(ctx, "page", "nope"))

	_, err := st.Upsert(ctx, model.Document{SourceType: "page", SourceID: "1", Text: "x"})
	require.NoError(t, err)
	require.NoError(t, st.Delete(ctx, "page", "1"))
	assert.Empty(t, pts.points)
	assert.Equal(t, pts.opened.Load(), pts.closed.Load())
}

func scored(sourceID string, score float32, text string) *qdrant.ScoredPoint {
	return &qdrant.ScoredPoint{
		Id:    qdrant.NewID(ObjectID("page", sourceID).String()),
		Score: score,
		Payload: qdrant.NewValueMap(map[string]any{
			"source_type": "page",
			"source_id":   sourceID,
			"title":       "Title " + sourceID,
			"text":        text,
			"url":         "/p/" + sourceID,
		}),
	}
}

func TestKeywordQuery(t *testing.T) {
	rest := newFakeREST(t)
	pts := newFakePoints()
	long := strings.Repeat("x", 1500)
	pts.results = []*qdrant.ScoredPoint{scored("1", 7.5, long), scored("2", 2.0, "short")}
	st := newTestStore(rest.config(), pts, fakeEmbedder{})

	hits, err := st.Query(context.Background(), "team pages", 5, map[string]string{"tag": "news"})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "1", hits[0].SourceID)
	assert.Equal(t, model.StrategyKeyword, hits[0].Strategy)
	assert.InDelta(t, 7.5, hits[0].Score, 1e-6)
	assert.Len(t, hits[0].TextPreview, model.MaxPreviewChars)
	assert.Equal(t, long, hits[0].Text)
	assert.Equal(t, "/p/2", hits[1].URL)

	require.Len(t, pts.queries, 1)
	q := pts.queries[0]
	assert.Equal(t, sparseVector, q.GetUsing())
	assert.Equal(t, uint64(5), q.GetLimit())
	// Filters are not translated into store conditions.
	assert.Nil(t, q.GetFilter())
	assert.Equal(t, int32(1), pts.closed.Load())
}

func TestKeywordQueryWithoutTerms(t *testing.T) {
	rest := newFakeREST(t)
	pts := newFakePoints()
	st := newTestStore(rest.config(), pts, fakeEmbedder{})

	hits, err := st.Query(context.Background(), "?!", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Empty(t, pts.queries)
}

func TestQueryBackendError(t *testing.T) {
	rest := newFakeREST(t)
	pts := newFakePoints()
	pts.queryErr = errors.New("rpc error: unavailable")
	st := newTestStore(rest.config(), pts, fakeEmbedder{vec: []float32{1, 0, 0, 0}})

	_, err := st.Query(context.Background(), "hello", 3, nil)
	assert.True(t, errors.Is(err, model.ErrBackendUnavailable))
	_, err = st.SemanticQuery(context.Background(), "hello", 3)
	assert.True(t, errors.Is(err, model.ErrBackendUnavailable))
	assert.Equal(t, pts.opened.Load(), pts.closed.Load())
}

func TestSemanticQuery(t *testing.T) {
	rest := newFakeREST(t)
	pts := newFakePoints()
	pts.results = []*qdrant.ScoredPoint{scored("3", 0.91, "semantic body")}
	st := newTestStore(rest.config(), pts, fakeEmbedder{vec: []float32{0, 1, 0, 0}})

	hits, err := st.SemanticQuery(context.Background(), "who works here", 4)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.StrategySemantic, hits[0].Strategy)
	assert.Equal(t, denseVector, pts.queries[0].GetUsing())
}

func TestSemanticQueryWithoutEmbeddings(t *testing.T) {
	rest := newFakeREST(t)
	st := newTestStore(rest.config(), newFakePoints(), fakeEmbedder{vec: make([]float32, 4)})

	_, err := st.SemanticQuery(context.Background(), "anything", 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrServiceNotConfigured))
}

func TestQueryValidation(t *testing.T) {
	rest := newFakeREST(t)
	st := newTestStore(rest.config(), newFakePoints(), fakeEmbedder{})

	_, err := st.Query(context.Background(), "", 5, nil)
	assert.True(t, errors.Is(err, model.ErrValidation))
	_, err = st.Query(context.Background(), "x", 0, nil)
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestHealthyIsCached(t *testing.T) {
	rest := newFakeREST(t)
	st := newTestStore(rest.config(), newFakePoints(), fakeEmbedder{})

	require.NoError(t, st.Healthy(context.Background()))
	require.NoError(t, st.Healthy(context.Background()))
	assert.True(t, st.Available(context.Background()))
	assert.Equal(t, int32(1), rest.readyCalls.Load())
}
