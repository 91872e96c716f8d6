package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/perculacms/pagecontext/internal/model"
)

// ollamaMaxInputs bounds one /api/embed request so a large reindex does not
// hold a local GPU for minutes in one call.
const ollamaMaxInputs = 64

// OllamaProvider embeds through a local Ollama server's batch endpoint.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOllamaProvider creates a provider for Ollama's /api/embed. dimensions
// must match the model's native output (1024 for mxbai-embed-large).
func NewOllamaProvider(baseURL, embedModel string, dimensions int, client *http.Client) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL:    baseURL,
		model:      embedModel,
		httpClient: orDefault(client),
		dimensions: dimensions,
	}
}

func (p *OllamaProvider) Dimensions() int {
	return p.dimensions
}

// Reachable reports whether the Ollama server answers its version endpoint.
func (p *OllamaProvider) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type ollamaEmbedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends texts in requests of at most ollamaMaxInputs. Ollama
// truncates inputs longer than the model's context itself.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += ollamaMaxInputs {
		vecs, err := p.embedChunk(ctx, texts[start:min(start+ollamaMaxInputs, len(texts))])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *OllamaProvider) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Input: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: embed request: %w: %w", model.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ollama: status %d: %w: %s", resp.StatusCode, model.ErrBackendUnavailable, string(body))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama: got %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}
	if err := checkDims("ollama", result.Embeddings, p.dimensions); err != nil {
		return nil, err
	}
	return result.Embeddings, nil
}
