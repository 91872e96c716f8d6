package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/perculacms/pagecontext/internal/model"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// Gemini calls the generateContent API.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewGemini creates a Gemini provider for one model.
func NewGemini(apiKey, modelID, baseURL string, client *http.Client) *Gemini {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &Gemini{apiKey: apiKey, model: modelID, baseURL: baseURL, client: client}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// geminiRequestFor maps chat messages onto Gemini's shape: system turns are
// joined into the system instruction and assistant turns use role "model".
func geminiRequestFor(messages []Message, opts Options) geminiRequest {
	var (
		req    geminiRequest
		system []string
	)
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	req.GenerationConfig.Temperature = opts.Temperature
	req.GenerationConfig.MaxOutputTokens = opts.MaxTokens
	return req
}

// Chat implements Provider.
func (p *Gemini) Chat(ctx context.Context, messages []Message, opts Options) (Completion, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, url.PathEscape(p.model))
	var resp geminiResponse
	err := postJSON(ctx, p.client, "gemini", endpoint,
		map[string]string{"x-goog-api-key": p.apiKey}, geminiRequestFor(messages, opts), &resp)
	if err != nil {
		return Completion{}, err
	}
	if len(resp.Candidates) == 0 {
		return Completion{}, fmt.Errorf("ai: gemini: no candidates: %w", model.ErrBackendUnavailable)
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	c := Completion{Text: sb.String()}
	if resp.UsageMetadata != nil {
		c.InputTokens = intPtr(resp.UsageMetadata.PromptTokenCount)
		c.OutputTokens = intPtr(resp.UsageMetadata.CandidatesTokenCount)
	}
	return c, nil
}

// Generate implements Provider.
func (p *Gemini) Generate(ctx context.Context, prompt string, opts Options) (Completion, error) {
	return generateAsChat(ctx, p, prompt, opts)
}
