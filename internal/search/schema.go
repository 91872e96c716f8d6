package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perculacms/pagecontext/internal/model"
)

// SchemaVersion is the document schema the collection is created with.
const SchemaVersion = 1

// Named vectors in the collection.
const (
	denseVector  = "dense"
	sparseVector = "bm25"
)

// schemaDescriptor is what the process learned about the collection the first
// time it ensured the schema.
type schemaDescriptor struct {
	Collection string
	Version    int
	DenseSize  int
	Created    bool
}

// schemaGuard memoizes schema initialization for the lifetime of its owner.
// A one-slot semaphore admits a single initializer; waiters give up when
// their own context ends. A failed attempt leaves the guard unset and the
// next caller retries. The zero value is ready to use.
type schemaGuard struct {
	once    sync.Once
	sem     chan struct{}
	ensured atomic.Bool
	desc    schemaDescriptor
}

func (g *schemaGuard) ensure(ctx context.Context, initFn func(context.Context) (schemaDescriptor, error)) (schemaDescriptor, error) {
	if g.ensured.Load() {
		return g.desc, nil
	}
	g.once.Do(func() { g.sem = make(chan struct{}, 1) })
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return schemaDescriptor{}, fmt.Errorf("search: wait for schema: %w", ctx.Err())
	}
	defer func() { <-g.sem }()

	if g.ensured.Load() {
		return g.desc, nil
	}
	desc, err := initFn(ctx)
	if err != nil {
		return schemaDescriptor{}, err
	}
	g.desc = desc
	g.ensured.Store(true)
	return desc, nil
}

// restSession is a REST connection to the store's administration API, scoped
// to one operation. close releases its pooled connections.
type restSession struct {
	base      string
	apiKey    string
	transport *http.Transport
	client    *http.Client
}

func newRESTSession(ep endpoint) *restSession {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	return &restSession{
		base:      ep.restBase,
		apiKey:    ep.apiKey,
		transport: tr,
		client:    &http.Client{Transport: tr, Timeout: 15 * time.Second},
	}
}

func (s *restSession) close() {
	s.transport.CloseIdleConnections()
}

// do sends a JSON request and decodes the "result" field of the response into out.
func (s *restSession) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("search: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, reader)
	if err != nil {
		return fmt.Errorf("search: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("search: %s %s: %w: %w", method, path, model.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("search: %s %s: status %d: %w: %s", method, path, resp.StatusCode, model.ErrBackendUnavailable, msg)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	envelope := struct {
		Result any `json:"result"`
	}{Result: out}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("search: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (s *restSession) collectionExists(ctx context.Context, name string) (bool, error) {
	var res struct {
		Exists bool `json:"exists"`
	}
	if err := s.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(name)+"/exists", nil, &res); err != nil {
		return false, err
	}
	return res.Exists, nil
}

func (s *restSession) createCollection(ctx context.Context, name string, dims int) error {
	body := map[string]any{
		"vectors": map[string]any{
			denseVector: map[string]any{"size": dims, "distance": "Cosine"},
		},
		"sparse_vectors": map[string]any{
			sparseVector: map[string]any{"modifier": "idf"},
		},
	}
	return s.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(name), body, nil)
}

func (s *restSession) createFieldIndex(ctx context.Context, name, field, schema string) error {
	body := map[string]any{"field_name": field, "field_schema": schema}
	return s.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(name)+"/index?wait=true", body, nil)
}

func (s *restSession) ready(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, "/readyz", nil, nil)
}

// payloadIndexes lists the indexed payload fields of schema version 1.
var payloadIndexes = []struct{ field, schema string }{
	{"source_type", "keyword"},
	{"source_id", "keyword"},
	{"tags", "keyword"},
	{"updated_at", "datetime"},
}

// initSchema checks for the collection and creates it with its payload
// indexes when missing. Index creation is idempotent on the server.
func initSchema(ctx context.Context, s *restSession, collection string, dims int) (schemaDescriptor, error) {
	desc := schemaDescriptor{Collection: collection, Version: SchemaVersion, DenseSize: dims}
	exists, err := s.collectionExists(ctx, collection)
	if err != nil {
		return desc, err
	}
	if exists {
		return desc, nil
	}
	if dims <= 0 {
		return desc, fmt.Errorf("search: dense vector size: %w", model.ErrServiceNotConfigured)
	}
	if err := s.createCollection(ctx, collection, dims); err != nil {
		return desc, err
	}
	for _, idx := range payloadIndexes {
		if err := s.createFieldIndex(ctx, collection, idx.field, idx.schema); err != nil {
			return desc, err
		}
	}
	desc.Created = true
	return desc, nil
}
