package ai

import (
	"context"
	"net/http"
	"strings"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// Ollama calls a local Ollama server's chat endpoint.
type Ollama struct {
	model   string
	baseURL string
	client  *http.Client
}

// NewOllama creates an Ollama provider for one model.
func NewOllama(modelID, baseURL string, client *http.Client) *Ollama {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &Ollama{model: modelID, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  struct {
		Temperature *float64 `json:"temperature,omitempty"`
		NumPredict  int      `json:"num_predict,omitempty"`
	} `json:"options"`
}

type ollamaChatResponse struct {
	Message         Message `json:"message"`
	PromptEvalCount *int    `json:"prompt_eval_count"`
	EvalCount       *int    `json:"eval_count"`
}

// Chat implements Provider.
func (p *Ollama) Chat(ctx context.Context, messages []Message, opts Options) (Completion, error) {
	req := ollamaChatRequest{Model: p.model, Messages: messages}
	req.Options.Temperature = opts.Temperature
	req.Options.NumPredict = opts.MaxTokens

	var resp ollamaChatResponse
	if err := postJSON(ctx, p.client, "ollama", p.baseURL+"/api/chat", nil, req, &resp); err != nil {
		return Completion{}, err
	}
	return Completion{Text: resp.Message.Content, InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount}, nil
}

// Generate implements Provider.
func (p *Ollama) Generate(ctx context.Context, prompt string, opts Options) (Completion, error) {
	return generateAsChat(ctx, p, prompt, opts)
}
