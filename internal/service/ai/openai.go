package ai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/perculacms/pagecontext/internal/model"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// OpenAI calls the chat completions API.
type OpenAI struct {
	apiKey  string
	orgID   string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAI creates an OpenAI provider for one model. An empty baseURL uses
// the public API.
func NewOpenAI(apiKey, orgID, modelID, baseURL string, client *http.Client) *OpenAI {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAI{apiKey: apiKey, orgID: orgID, model: modelID, baseURL: baseURL, client: client}
}

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat implements Provider.
func (p *OpenAI) Chat(ctx context.Context, messages []Message, opts Options) (Completion, error) {
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if p.orgID != "" {
		headers["OpenAI-Organization"] = p.orgID
	}
	var resp openAIChatResponse
	err := postJSON(ctx, p.client, "openai", p.baseURL+"/v1/chat/completions", headers, openAIChatRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}, &resp)
	if err != nil {
		return Completion{}, err
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("ai: openai: empty choices: %w", model.ErrBackendUnavailable)
	}
	c := Completion{Text: resp.Choices[0].Message.Content}
	if resp.Usage != nil {
		c.InputTokens, c.OutputTokens = intPtr(resp.Usage.PromptTokens), intPtr(resp.Usage.CompletionTokens)
	}
	return c, nil
}

// Generate implements Provider.
func (p *OpenAI) Generate(ctx context.Context, prompt string, opts Options) (Completion, error) {
	return generateAsChat(ctx, p, prompt, opts)
}
