package embedding

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Options selects and configures an embedding provider.
type Options struct {
	Provider     string // "auto", "openai", "ollama" or "noop"
	OpenAIAPIKey string
	OpenAIModel  string
	OllamaURL    string
	OllamaModel  string
	Dimensions   int

	// HTTPClient is shared by the remote providers. Nil uses a default.
	HTTPClient *http.Client
}

// Select builds the configured provider. "auto" prefers a reachable Ollama,
// then OpenAI when a key is present, and falls back to noop.
func Select(ctx context.Context, opts Options, logger *slog.Logger) Provider {
	switch opts.Provider {
	case "openai":
		return NewOpenAIProvider(opts.OpenAIAPIKey, opts.OpenAIModel, opts.Dimensions, opts.HTTPClient)
	case "ollama":
		return NewOllamaProvider(opts.OllamaURL, opts.OllamaModel, opts.Dimensions, opts.HTTPClient)
	case "noop":
		return NewNoopProvider(opts.Dimensions)
	}

	ollama := NewOllamaProvider(opts.OllamaURL, opts.OllamaModel, opts.Dimensions, opts.HTTPClient)
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if ollama.Reachable(probeCtx) {
		logger.Info("embedding: using ollama", "url", opts.OllamaURL, "model", opts.OllamaModel)
		return ollama
	}
	if opts.OpenAIAPIKey != "" {
		logger.Info("embedding: using openai", "model", opts.OpenAIModel)
		return NewOpenAIProvider(opts.OpenAIAPIKey, opts.OpenAIModel, opts.Dimensions, opts.HTTPClient)
	}
	logger.Warn("embedding: no provider available, semantic retrieval disabled")
	return NewNoopProvider(opts.Dimensions)
}
