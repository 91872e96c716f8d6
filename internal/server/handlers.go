package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/perculacms/pagecontext/internal/ctxutil"
	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/search"
	"github.com/perculacms/pagecontext/internal/service/ai"
	"github.com/perculacms/pagecontext/internal/service/rag"
)

// Answerer runs the answer pipeline.
type Answerer interface {
	Answer(ctx context.Context, req rag.Request) (model.Answer, error)
}

// Searcher runs a fused hybrid search.
type Searcher interface {
	Search(ctx context.Context, question string, topK int, weights map[model.Strategy]float64) ([]model.RetrievalHit, bool, error)
}

// DocumentStore writes documents to the vector store synchronously.
type DocumentStore interface {
	Upsert(ctx context.Context, doc model.Document) (uuid.UUID, error)
	Delete(ctx context.Context, sourceType, sourceID string) error
}

// Outbox queues document writes for asynchronous indexing.
type Outbox interface {
	EnqueueDocument(ctx context.Context, op string, doc model.Document) (int64, error)
}

// AgentRunner runs a named agent.
type AgentRunner interface {
	Has(id string) bool
	Run(ctx context.Context, id, input, extra string, c ai.Call) (ai.Completion, error)
}

// JobReader answers ledger queries.
type JobReader interface {
	ListJobs(ctx context.Context, f model.JobFilter) ([]model.Job, error)
	CostSummary(ctx context.Context, since *time.Time) ([]model.CostSummary, error)
}

// Pinger reports whether the ledger database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports whether the vector store is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	answerer            Answerer
	searcher            Searcher
	documents           DocumentStore
	outbox              Outbox
	agents              AgentRunner
	jobs                JobReader
	db                  Pinger
	vectors             HealthChecker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	defaultTopK         int
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Outbox, Agents, Jobs, DB, Vectors, OpenAPISpec.
type HandlersDeps struct {
	Answerer            Answerer
	Searcher            Searcher
	Documents           DocumentStore
	Outbox              Outbox
	Agents              AgentRunner
	Jobs                JobReader
	DB                  Pinger
	Vectors             HealthChecker
	Logger              *slog.Logger
	Version             string
	DefaultTopK         int
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	topK := d.DefaultTopK
	if topK <= 0 {
		topK = 8
	}
	return &Handlers{
		answerer:            d.Answerer,
		searcher:            d.Searcher,
		documents:           d.Documents,
		outbox:              d.Outbox,
		agents:              d.Agents,
		jobs:                d.Jobs,
		db:                  d.DB,
		vectors:             d.Vectors,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		defaultTopK:         topK,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAnswer handles POST /v1/answer.
func (h *Handlers) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	var req model.AnswerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := model.ValidateWeights(req.Weights); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	ans, err := h.answerer.Answer(r.Context(), rag.Request{
		Question:         req.Question,
		ProviderType:     req.ProviderType,
		ModelID:          req.ModelID,
		UserID:           req.UserID,
		ClientIP:         clientIP(r),
		TopK:             min(req.TopK, maxQueryLimit),
		MaxContextTokens: req.MaxContextTokens,
		Weights:          req.Weights,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ans)
}

// HandleSearch handles POST /v1/search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req model.SearchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := model.ValidateWeights(req.Weights); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = h.defaultTopK
	}
	if topK > maxQueryLimit {
		topK = maxQueryLimit
	}
	hits, degraded, err := h.searcher.Search(r.Context(), req.Query, topK, req.Weights)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if hits == nil {
		hits = []model.RetrievalHit{}
	}
	writeJSON(w, r, http.StatusOK, model.SearchResponse{Hits: hits, Degraded: degraded})
}

// HandleUpsertDocument handles PUT /v1/documents. With ?async=true the write
// is queued for the outbox worker and the response is 202.
func (h *Handlers) HandleUpsertDocument(w http.ResponseWriter, r *http.Request) {
	var doc model.Document
	if !h.decode(w, r, &doc) {
		return
	}
	if err := doc.Validate(); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	async, err := queryBool(r, "async")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if async {
		if h.outbox == nil {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeNotConfigured,
				"asynchronous indexing requires a Postgres ledger")
			return
		}
		if _, err := h.outbox.EnqueueDocument(r.Context(), "upsert", doc); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusAccepted, model.UpsertResponse{
			ObjectID: search.ObjectID(doc.SourceType, doc.SourceID).String(),
			Queued:   true,
		})
		return
	}

	id, err := h.documents.Upsert(r.Context(), doc)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.UpsertResponse{ObjectID: id.String()})
}

// HandleDeleteDocument handles DELETE /v1/documents/{source_type}/{source_id}.
// Deleting a missing document succeeds.
func (h *Handlers) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc := model.Document{
		SourceType: r.PathValue("source_type"),
		SourceID:   r.PathValue("source_id"),
	}
	if err := doc.Validate(); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	async, err := queryBool(r, "async")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if async {
		if h.outbox == nil {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeNotConfigured,
				"asynchronous indexing requires a Postgres ledger")
			return
		}
		if _, err := h.outbox.EnqueueDocument(r.Context(), "delete", doc); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := h.documents.Delete(r.Context(), doc.SourceType, doc.SourceID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRunAgent handles POST /v1/agents/{agent_id}/run.
func (h *Handlers) HandleRunAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("agent_id")
	if h.agents == nil || !h.agents.Has(id) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, fmt.Sprintf("agent %q not found", id))
		return
	}
	var req model.AgentRunRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.agents.Run(r.Context(), id, req.Input, req.Context, ai.Call{
		UserID:   req.UserID,
		ClientIP: clientIP(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AgentRunResponse{AgentID: id, Text: out.Text})
}

// HandleListJobs handles GET /v1/jobs.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeNotConfigured, "job ledger not configured")
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	status := model.JobStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.JobPending, model.JobCompleted, model.JobError:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("invalid status %q: expected Pending, Completed or Error", status))
		return
	}

	jobs, err := h.jobs.ListJobs(r.Context(), model.JobFilter{
		Agent:  r.URL.Query().Get("agent"),
		Status: status,
		Since:  since,
		Limit:  queryLimit(r, 100),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, r, http.StatusOK, jobs)
}

// HandleJobSummary handles GET /v1/jobs/summary.
func (h *Handlers) HandleJobSummary(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeNotConfigured, "job ledger not configured")
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	rows, err := h.jobs.CostSummary(r.Context(), since)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.CostSummary{}
	}
	writeJSON(w, r, http.StatusOK, rows)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Database    string `json:"database"`
	VectorStore string `json:"vector_store"`
	Uptime      int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health. The vector store is optional for
// liveness: when it is down the service still answers (degraded), so only a
// database outage makes the instance unhealthy.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		Database:    "connected",
		VectorStore: "connected",
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if h.db == nil {
		resp.Database = "not_configured"
	} else if err := h.db.Ping(r.Context()); err != nil {
		resp.Database = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	if h.vectors == nil {
		resp.VectorStore = "not_configured"
	} else if err := h.vectors.Healthy(r.Context()); err != nil {
		switch {
		case errors.Is(err, model.ErrServiceDisabled):
			resp.VectorStore = "disabled"
		case errors.Is(err, model.ErrServiceNotConfigured):
			resp.VectorStore = "not_configured"
		default:
			resp.VectorStore = "disconnected"
		}
		if resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

func clientIP(r *http.Request) string {
	return ctxutil.ClientIPFromContext(r.Context())
}

// decode reads a size-limited JSON body, writing a 400 on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if h.maxRequestBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	}
	if err := decodeJSON(r, target); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return false
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: expected true or false", key)
	}
	return b, nil
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}
