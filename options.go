package pagecontext

import (
	"log/slog"

	"github.com/perculacms/pagecontext/internal/service/embedding"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds every override after applying defaults.
// Unexported: callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	agentsDir         string
	logger            *slog.Logger
	version           string
	embeddingProvider embedding.Provider
	skipDotenv        bool
}

// WithPort overrides the TCP port from config (PAGECONTEXT_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the ledger connection string from config
// (DATABASE_URL env var). postgres:// selects Postgres; sqlite:// or file:
// selects the embedded store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithAgentsDir overrides the agent definition directory (PAGECONTEXT_AGENTS_DIR).
func WithAgentsDir(dir string) Option {
	return func(o *resolvedOptions) { o.agentsDir = dir }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider (Ollama/OpenAI/noop).
func WithEmbeddingProvider(p embedding.Provider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithoutDotenv skips loading a .env file from the working directory.
func WithoutDotenv() Option {
	return func(o *resolvedOptions) { o.skipDotenv = true }
}
