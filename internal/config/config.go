// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Ledger and catalog. postgres:// uses Postgres; sqlite:// or file: uses
	// the embedded SQLite store.
	DatabaseURL string

	// Redis settings. Empty keeps rate limits in process.
	RedisURL string

	// Vector store settings, passed through raw. The store validates them on
	// first use.
	QdrantEnabled    string
	QdrantURL        string
	QdrantHTTPPort   string
	QdrantGRPCPort   string
	QdrantAPIKey     string
	QdrantCollection string

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", or "noop"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.
	OllamaURL           string
	OllamaEmbedModel    string

	// AI routing defaults for calls without provider hints.
	PrimaryProvider   string
	SecondaryProvider string

	// Answer pipeline defaults.
	TopK             int
	MaxContextTokens int
	PipelineTimeout  time.Duration
	SemanticWeight   float64
	KeywordWeight    float64
	TokenizerModel   string

	AgentsDir string

	// Document outbox (Postgres only).
	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	// Per-IP rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
	GenerationCost   int // rate units spent by requests that may call a provider

	// OTEL settings.
	OTELEndpoint      string
	ServiceName       string
	OTELInsecure      bool
	TraceSampleRatio  float64
	DeployEnvironment string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var l loader
	cfg := Config{
		Port:                l.int("PAGECONTEXT_PORT", 8080),
		ReadTimeout:         l.duration("PAGECONTEXT_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        l.duration("PAGECONTEXT_WRITE_TIMEOUT", 90*time.Second),
		MaxRequestBodyBytes: int64(l.int("PAGECONTEXT_MAX_REQUEST_BODY_BYTES", 4*1024*1024)),
		DatabaseURL:         envStr("DATABASE_URL", "sqlite://pagecontext.db"),
		RedisURL:            envStr("REDIS_URL", ""),
		QdrantEnabled:       envStr("QDRANT_ENABLED", "true"),
		QdrantURL:           envStr("QDRANT_URL", ""),
		QdrantHTTPPort:      envStr("QDRANT_HTTP_PORT", ""),
		QdrantGRPCPort:      envStr("QDRANT_GRPC_PORT", ""),
		QdrantAPIKey:        envStr("QDRANT_API_KEY", ""),
		QdrantCollection:    envStr("QDRANT_COLLECTION", "page_context"),
		EmbeddingProvider:   envStr("PAGECONTEXT_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:      envStr("PAGECONTEXT_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: l.int("PAGECONTEXT_EMBEDDING_DIMENSIONS", 1024),
		OllamaURL:           envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaEmbedModel:    envStr("OLLAMA_EMBED_MODEL", "mxbai-embed-large"),
		PrimaryProvider:     envStr("PAGECONTEXT_PRIMARY_PROVIDER", "OpenAI"),
		SecondaryProvider:   envStr("PAGECONTEXT_SECONDARY_PROVIDER", "Gemini"),
		TopK:                l.int("PAGECONTEXT_TOP_K", 8),
		MaxContextTokens:    l.int("PAGECONTEXT_MAX_CONTEXT_TOKENS", 3000),
		PipelineTimeout:     l.duration("PAGECONTEXT_PIPELINE_TIMEOUT", 60*time.Second),
		SemanticWeight:      l.float("PAGECONTEXT_SEMANTIC_WEIGHT", 0.5),
		KeywordWeight:       l.float("PAGECONTEXT_KEYWORD_WEIGHT", 0.5),
		TokenizerModel:      envStr("PAGECONTEXT_TOKENIZER_MODEL", "gpt-4o-mini"),
		AgentsDir:           envStr("PAGECONTEXT_AGENTS_DIR", "agents"),
		OutboxPollInterval:  l.duration("PAGECONTEXT_OUTBOX_POLL_INTERVAL", time.Second),
		OutboxBatchSize:     l.int("PAGECONTEXT_OUTBOX_BATCH_SIZE", 100),
		RateLimitEnabled:    l.bool("PAGECONTEXT_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        l.float("PAGECONTEXT_RATE_LIMIT_RPS", 5),
		RateLimitBurst:      l.int("PAGECONTEXT_RATE_LIMIT_BURST", 20),
		GenerationCost:      l.int("PAGECONTEXT_RATE_LIMIT_GENERATION_COST", 5),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "pagecontext"),
		OTELInsecure:        l.bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio:    l.float("PAGECONTEXT_TRACE_SAMPLE_RATIO", 1),
		DeployEnvironment:   envStr("PAGECONTEXT_ENVIRONMENT", ""),
		LogLevel:            envStr("PAGECONTEXT_LOG_LEVEL", "info"),
	}
	if err := errors.Join(l.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges. Vector store settings are not checked here.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PAGECONTEXT_PORT must be between 1 and 65535"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("PAGECONTEXT_EMBEDDING_DIMENSIONS must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("PAGECONTEXT_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.TopK <= 0 {
		errs = append(errs, fmt.Errorf("PAGECONTEXT_TOP_K must be positive"))
	}
	if c.MaxContextTokens <= 0 {
		errs = append(errs, fmt.Errorf("PAGECONTEXT_MAX_CONTEXT_TOKENS must be positive"))
	}
	if c.PipelineTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PAGECONTEXT_PIPELINE_TIMEOUT must be positive"))
	}
	if c.SemanticWeight < 0 || c.KeywordWeight < 0 {
		errs = append(errs, fmt.Errorf("retrieval weights must not be negative"))
	}
	if c.GenerationCost <= 0 {
		errs = append(errs, fmt.Errorf("PAGECONTEXT_RATE_LIMIT_GENERATION_COST must be positive"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("PAGECONTEXT_TRACE_SAMPLE_RATIO must be between 0 and 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// loader collects parse errors across variables.
type loader struct {
	errs []error
}

func (l *loader) int(key string, def int) int {
	v, err := envInt(key, def)
	l.add(err)
	return v
}

func (l *loader) float(key string, def float64) float64 {
	v, err := envFloat(key, def)
	l.add(err)
	return v
}

func (l *loader) bool(key string, def bool) bool {
	v, err := envBool(key, def)
	l.add(err)
	return v
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v, err := envDuration(key, def)
	l.add(err)
	return v
}

func (l *loader) add(err error) {
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
