package model

import (
	"time"

	"github.com/google/uuid"
)

// Known provider types. The router's primary/secondary defaults use these.
const (
	ProviderOpenAI = "OpenAI"
	ProviderGemini = "Gemini"
	ProviderOllama = "Ollama"
)

// AIProvider is an administered account with an external model provider.
type AIProvider struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	ProviderType   string    `json:"provider_type"`
	APIKey         string    `json:"-"`
	OrganizationID *string   `json:"organization_id,omitempty"`
	BaseURL        string    `json:"base_url,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// AIModel is a model offered by a provider, with optional per-million-token prices.
type AIModel struct {
	ID               uuid.UUID `json:"id"`
	ProviderID       uuid.UUID `json:"provider_id"`
	ModelID          string    `json:"model_id"`
	InputPricePer1M  *float64  `json:"input_price_per_1m,omitempty"`
	OutputPricePer1M *float64  `json:"output_price_per_1m,omitempty"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
}

// ActiveModel pairs an active model with its active provider. Catalogs
// return these in stable creation order.
type ActiveModel struct {
	Provider AIProvider
	Model    AIModel
}

// JobStatus is the lifecycle state of an AI call's audit record.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobCompleted JobStatus = "Completed"
	JobError     JobStatus = "Error"
)

// Job is the audit record of a single AI invocation. It is created Pending and
// finalized exactly once as Completed or Error.
type Job struct {
	ID           uuid.UUID `json:"id"`
	Agent        string    `json:"agent"`
	UserID       *string   `json:"user_id,omitempty"`
	ProviderID   uuid.UUID `json:"provider_id"`
	ModelID      uuid.UUID `json:"model_id"`
	ProviderType string    `json:"provider_type,omitempty"`
	ModelName    string    `json:"model,omitempty"`
	Status       JobStatus `json:"status"`
	ClientIP     *string   `json:"client_ip,omitempty"`
	InputTokens  *int      `json:"input_tokens,omitempty"`
	OutputTokens *int      `json:"output_tokens,omitempty"`
	Cost         *float64  `json:"cost,omitempty"`
	CreatedAt    time.Time `json:"timestamp"`
	DurationMS   *int64    `json:"duration_ms,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
}

// JobOutcome carries the values written when a job is finalized.
type JobOutcome struct {
	InputTokens  *int
	OutputTokens *int
	Cost         *float64
	DurationMS   int64
	ErrorMessage string
}

// JobFilter narrows ledger listings. Zero values mean "any".
type JobFilter struct {
	Agent  string
	Status JobStatus
	Since  *time.Time
	Limit  int
}

// CostSummary aggregates ledger rows per agent, provider and model.
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
