package pagecontext

import (
	"time"

	"github.com/google/uuid"
)

// Retrieval strategies, used as keys of Weights.
const (
	StrategySemantic = "semantic"
	StrategyKeyword  = "keyword"
)

// Job statuses.
const (
	JobPending   = "Pending"
	JobCompleted = "Completed"
	JobError     = "Error"
)

// Document is a unit of indexable content. (SourceType, SourceID) is its key.
type Document struct {
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	Title      string    `json:"title,omitempty"`
	Text       string    `json:"text,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	URL        string    `json:"url,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

// AnswerRequest asks a question. Only Question is required.
type AnswerRequest struct {
	Question         string             `json:"question"`
	ProviderType     string             `json:"provider_type,omitempty"`
	ModelID          string             `json:"model_id,omitempty"`
	MaxContextTokens int                `json:"max_context_tokens,omitempty"`
	TopK             int                `json:"top_k,omitempty"`
	UserID           string             `json:"user_id,omitempty"`
	Weights          map[string]float64 `json:"weights,omitempty"`
}

// Answer is a generated answer with the documents it was built from.
type Answer struct {
	Text         string     `json:"text"`
	Citations    []Citation `json:"citations"`
	Degraded     bool       `json:"degraded"`
	ContextEmpty bool       `json:"context_empty"`
	Query        string     `json:"query"`
}

// Citation identifies a document behind an answer.
type Citation struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
}

// SearchRequest runs a fused hybrid search.
type SearchRequest struct {
	Query   string             `json:"query"`
	TopK    int                `json:"top_k,omitempty"`
	Weights map[string]float64 `json:"weights,omitempty"`
}

// SearchResponse is the fused ranking, best match first.
type SearchResponse struct {
	Hits     []Hit `json:"hits"`
	Degraded bool  `json:"degraded"`
}

// Hit is one search result.
type Hit struct {
	SourceType  string  `json:"source_type"`
	SourceID    string  `json:"source_id"`
	Title       string  `json:"title"`
	Score       float64 `json:"score"`
	TextPreview string  `json:"text_preview"`
	URL         string  `json:"url,omitempty"`
	Strategy    string  `json:"strategy"`
}

// UpsertResult reports where a document was written. Queued is set when the
// write went through the outbox.
type UpsertResult struct {
	ObjectID uuid.UUID `json:"object_id"`
	Queued   bool      `json:"queued,omitempty"`
}

// AgentRunRequest runs a configured agent.
type AgentRunRequest struct {
	Input   string `json:"input"`
	Context string `json:"context,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// AgentRunResult is an agent's output.
type AgentRunResult struct {
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
}

// Job is the audit record of one AI call.
type Job struct {
	ID           uuid.UUID `json:"id"`
	Agent        string    `json:"agent"`
	UserID       *string   `json:"user_id,omitempty"`
	ProviderID   uuid.UUID `json:"provider_id"`
	ModelID      uuid.UUID `json:"model_id"`
	ProviderType string    `json:"provider_type,omitempty"`
	ModelName    string    `json:"model,omitempty"`
	Status       string    `json:"status"`
	ClientIP     *string   `json:"client_ip,omitempty"`
	InputTokens  *int      `json:"input_tokens,omitempty"`
	OutputTokens *int      `json:"output_tokens,omitempty"`
	Cost         *float64  `json:"cost,omitempty"`
	CreatedAt    time.Time `json:"timestamp"`
	DurationMS   *int64    `json:"duration_ms,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	Agent  string
	Status string
	Since  time.Time
	Limit  int
}

// CostSummary aggregates calls per agent, provider and model.
type CostSummary struct {
	Agent        string  `json:"agent"`
	ProviderType string  `json:"provider_type"`
	Model        string  `json:"model"`
	Calls        int64   `json:"calls"`
	Errors       int64   `json:"errors"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Health is the server's liveness report.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	Database      string `json:"database"`
	VectorStore   string `json:"vector_store"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
