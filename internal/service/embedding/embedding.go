// Package embedding turns page text into dense vectors for semantic
// retrieval. Every provider returns vectors of exactly Dimensions() floats,
// since that is the size the vector collection was created with.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/perculacms/pagecontext/internal/model"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed embeds one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds several texts, returning vectors in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	Dimensions() int
}

// IsZero reports whether v carries no signal (empty or all zeros). Such
// vectors come from the noop provider and must never be indexed or queried.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

const (
	defaultOpenAIBaseURL = "https://api.openai.com"

	// openAIMaxInputs is the API's per-request input limit.
	openAIMaxInputs = 2048

	// maxInputRunes keeps one page under the 8192-token input limit of the
	// text-embedding-3 models at a conservative three runes per token.
	maxInputRunes = 24000

	defaultHTTPTimeout = 30 * time.Second
)

// clip shortens text to maxInputRunes. Long pages lose their tail, which
// still leaves the title and opening sections in the vector.
func clip(text string) string {
	if len(text) <= maxInputRunes {
		return text
	}
	r := []rune(text)
	if len(r) <= maxInputRunes {
		return text
	}
	return string(r[:maxInputRunes])
}

// checkDims rejects vectors that do not fit the collection.
func checkDims(provider string, vecs [][]float32, dims int) error {
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("embedding: %s returned no vector for input %d", provider, i)
		}
		if dims > 0 && len(v) != dims {
			return fmt.Errorf("embedding: %s returned %d dimensions for input %d, collection expects %d",
				provider, len(v), i, dims)
		}
	}
	return nil
}

func orDefault(c *http.Client) *http.Client {
	if c == nil {
		return &http.Client{Timeout: defaultHTTPTimeout}
	}
	return c
}

// OpenAIProvider calls the OpenAI embeddings API, or any endpoint speaking
// the same protocol.
type OpenAIProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider creates an OpenAI embedding provider. dims is sent as the
// requested output size, which text-embedding-3 models honour. A nil client
// gets a default with a 30 second timeout.
func NewOpenAIProvider(apiKey, embedModel string, dims int, client *http.Client) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      embedModel,
		baseURL:    defaultOpenAIBaseURL,
		httpClient: orDefault(client),
		dimensions: dims,
	}
}

// WithBaseURL points the provider at a compatible endpoint.
func (p *OpenAIProvider) WithBaseURL(u string) *OpenAIProvider {
	if u != "" {
		p.baseURL = u
	}
	return p
}

func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends texts in requests of at most openAIMaxInputs.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += openAIMaxInputs {
		chunk := texts[start:min(start+openAIMaxInputs, len(texts))]
		vecs, err := p.embedChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *OpenAIProvider) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = clip(t)
	}
	reqBody, err := json.Marshal(openAIRequest{Input: inputs, Model: p.model, Dimensions: p.dimensions})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: openai request: %w: %w", model.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: openai status %d: %w: %s", resp.StatusCode, model.ErrBackendUnavailable, truncate(body))
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embedding: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}

	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: openai returned index %d for %d inputs", d.Index, len(texts))
		}
		vecs[d.Index] = d.Embedding
	}
	if err := checkDims("openai", vecs, p.dimensions); err != nil {
		return nil, err
	}
	return vecs, nil
}

// NoopProvider returns zero vectors. Used when no embedding backend is
// configured; the store then indexes and searches by keyword only.
type NoopProvider struct {
	dims int
}

func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

func (p *NoopProvider) Dimensions() int {
	return p.dims
}

func (p *NoopProvider) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, p.dims), nil
}

func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range vecs {
		vecs[i] = make([]float32, p.dims)
	}
	return vecs, nil
}

func truncate(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}
