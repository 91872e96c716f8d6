package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeServiceDisabled    = "SERVICE_DISABLED"
	ErrCodeNotConfigured      = "NOT_CONFIGURED"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
)

// AnswerRequest is the body of POST /v1/answer.
type AnswerRequest struct {
	Question         string               `json:"question"`
	ProviderType     string               `json:"provider_type,omitempty"`
	ModelID          string               `json:"model_id,omitempty"`
	MaxContextTokens int                  `json:"max_context_tokens,omitempty"`
	TopK             int                  `json:"top_k,omitempty"`
	UserID           string               `json:"user_id,omitempty"`
	Weights          map[Strategy]float64 `json:"weights,omitempty"`
}

// SearchRequest is the body of POST /v1/search.
type SearchRequest struct {
	Query   string               `json:"query"`
	TopK    int                  `json:"top_k,omitempty"`
	Weights map[Strategy]float64 `json:"weights,omitempty"`
}

// SearchResponse is the fused result of a hybrid search.
type SearchResponse struct {
	Hits     []RetrievalHit `json:"hits"`
	Degraded bool           `json:"degraded"`
}

// UpsertResponse reports the deterministic object id a document was written to.
type UpsertResponse struct {
	ObjectID string `json:"object_id"`
	Queued   bool   `json:"queued,omitempty"`
}

// AgentRunRequest is the body of POST /v1/agents/{agent_id}/run.
type AgentRunRequest struct {
	Input   string `json:"input"`
	Context string `json:"context,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// AgentRunResponse is the output of an agent run.
type AgentRunResponse struct {
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
}

// Answer is a generated answer and the documents its context was built from.
// Degraded means a retrieval strategy failed; ContextEmpty means no document
// reached the prompt, so the answer is not grounded.
type Answer struct {
	Text         string     `json:"text"`
	Citations    []Citation `json:"citations"`
	Degraded     bool       `json:"degraded"`
	ContextEmpty bool       `json:"context_empty"`
	Query        string     `json:"query"`
}
