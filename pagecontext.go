// Package pagecontext is the public entry point for running the pagecontext
// answer server.
//
//	app, err := pagecontext.New(ctx,
//	    pagecontext.WithVersion(version),
//	    pagecontext.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The same App backs the one-shot CLI commands (ask, index, jobs), which use
// its service methods and then call Close instead of Run.
package pagecontext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/perculacms/pagecontext/api"
	"github.com/perculacms/pagecontext/internal/agents"
	"github.com/perculacms/pagecontext/internal/catalog"
	"github.com/perculacms/pagecontext/internal/config"
	"github.com/perculacms/pagecontext/internal/mcp"
	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/ratelimit"
	"github.com/perculacms/pagecontext/internal/search"
	"github.com/perculacms/pagecontext/internal/server"
	"github.com/perculacms/pagecontext/internal/service/ai"
	"github.com/perculacms/pagecontext/internal/service/embedding"
	"github.com/perculacms/pagecontext/internal/service/query"
	"github.com/perculacms/pagecontext/internal/service/rag"
	"github.com/perculacms/pagecontext/internal/service/retrieval"
	"github.com/perculacms/pagecontext/internal/storage"
	"github.com/perculacms/pagecontext/internal/storage/litestore"
	"github.com/perculacms/pagecontext/internal/telemetry"
	"github.com/perculacms/pagecontext/internal/tokenizer"
	"github.com/perculacms/pagecontext/migrations"
)

const (
	shutdownHTTPTimeout   = 10 * time.Second
	shutdownOutboxTimeout = 10 * time.Second
	providerHTTPTimeout   = 120 * time.Second
)

// ledger is what both backends provide: model catalog, job audit trail and
// reporting.
type ledger interface {
	ai.Catalog
	ai.Ledger
	catalog.Writer
	ListJobs(ctx context.Context, f model.JobFilter) ([]model.Job, error)
	CostSummary(ctx context.Context, since *time.Time) ([]model.CostSummary, error)
	Ping(ctx context.Context) error
}

// App is the pagecontext server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	ledger       ledger
	closeLedger  func()
	pg           *storage.DB // nil with the embedded ledger
	vectors      *search.QdrantStore
	registry     *agents.Registry
	runner       *agents.Runner
	retriever    *retrieval.Retriever
	rag          *rag.Orchestrator
	limiter      ratelimit.Limiter
	srv          *server.Server
	outbox       *search.OutboxWorker // nil with the embedded ledger
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New wires every subsystem and returns a ready-to-run App. It opens the
// ledger and runs migrations but starts no goroutines and accepts no
// connections; call Run or Close.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	if !o.skipDotenv {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.agentsDir != "" {
		cfg.AgentsDir = o.agentsDir
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Environment: cfg.DeployEnvironment,
		Collection:  cfg.QdrantCollection,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}
	if err := a.openLedger(ctx); err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Outbound provider calls share one traced client.
	client := &http.Client{
		Timeout:   providerHTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	// Embedding provider and vector store. The store never fails to
	// construct; misconfiguration surfaces on first use.
	embedder := o.embeddingProvider
	if embedder == nil {
		embedder = embedding.Select(ctx, embedding.Options{
			Provider:     cfg.EmbeddingProvider,
			OpenAIAPIKey: cfg.OpenAIAPIKey,
			OpenAIModel:  cfg.EmbeddingModel,
			OllamaURL:    cfg.OllamaURL,
			OllamaModel:  cfg.OllamaEmbedModel,
			Dimensions:   cfg.EmbeddingDimensions,
			HTTPClient:   client,
		}, logger)
	}
	a.vectors = search.NewQdrantStore(search.Config{
		Enabled:    cfg.QdrantEnabled,
		URL:        cfg.QdrantURL,
		HTTPPort:   cfg.QdrantHTTPPort,
		GRPCPort:   cfg.QdrantGRPCPort,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       cfg.EmbeddingDimensions,
	}, embedder, logger)

	// AI routing: every provider call is audited in the ledger.
	router := ai.NewRouter(a.ledger, a.ledger, logger,
		ai.WithFactory(ai.HTTPFactory(client)),
		ai.WithDefaults(cfg.PrimaryProvider, cfg.SecondaryProvider),
	)

	a.registry = agents.NewRegistry(cfg.AgentsDir, logger)
	if err := a.registry.Load(); err != nil {
		a.Close()
		return nil, err
	}
	a.runner = agents.NewRunner(a.registry, router)

	// Answer pipeline.
	a.retriever = retrieval.New(a.vectors, logger)
	a.rag = rag.New(
		query.NewOptimizer(router, a.runner, logger),
		a.retriever,
		router,
		tokenizer.New(cfg.TokenizerModel, logger),
		rag.Config{
			TopK:             cfg.TopK,
			MaxContextTokens: cfg.MaxContextTokens,
			Timeout:          cfg.PipelineTimeout,
			Weights: map[model.Strategy]float64{
				model.StrategySemantic: cfg.SemanticWeight,
				model.StrategyKeyword:  cfg.KeywordWeight,
			},
		},
		logger,
	)

	if err := a.openLimiter(ctx); err != nil {
		a.Close()
		return nil, err
	}

	mcpSrv := mcp.New(mcp.Deps{
		Answerer:    a.rag,
		Searcher:    a.retriever,
		Documents:   a.vectors,
		Agents:      a.registry,
		DefaultTopK: cfg.TopK,
		Logger:      logger,
		Version:     version,
	})

	srvCfg := server.ServerConfig{
		Answerer:            a.rag,
		Searcher:            a.retriever,
		Documents:           a.vectors,
		Logger:              logger,
		Agents:              a.runner,
		Jobs:                a.ledger,
		DB:                  a.ledger,
		Vectors:             a.vectors,
		Limiter:             a.limiter,
		GenerationCost:      cfg.GenerationCost,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		DefaultTopK:         cfg.TopK,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	}
	// Asynchronous indexing needs the Postgres outbox table.
	if a.pg != nil {
		srvCfg.Outbox = a.pg
		a.outbox = search.NewOutboxWorker(a.pg.Pool(), a.vectors, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	}
	a.srv = server.New(srvCfg)

	return a, nil
}

// openLedger connects the Postgres ledger (running migrations) or opens the
// embedded SQLite store, depending on the DATABASE_URL scheme.
func (a *App) openLedger(ctx context.Context) error {
	if path, ok := litestore.PathFromURL(a.cfg.DatabaseURL); ok {
		st, err := litestore.Open(ctx, path, a.logger)
		if err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		a.ledger = st
		a.closeLedger = func() { _ = st.Close() }
		a.logger.Info("ledger: using embedded sqlite", "path", path)
		return nil
	}

	db, err := storage.New(ctx, a.cfg.DatabaseURL, a.logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := db.RegisterPoolMetrics(); err != nil {
		a.logger.Warn("storage: pool metrics unavailable", "error", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return fmt.Errorf("migrations: %w", err)
	}
	a.pg = db
	a.ledger = db
	a.closeLedger = db.Close
	return nil
}

// openLimiter picks the per-IP limiter: Redis when REDIS_URL is set, so
// replicas share one budget, else in process.
func (a *App) openLimiter(ctx context.Context) error {
	switch {
	case !a.cfg.RateLimitEnabled:
		a.limiter = ratelimit.NoopLimiter{}
	case a.cfg.RedisURL != "":
		perMinute := int(math.Ceil(a.cfg.RateLimitRPS * 60))
		l, err := ratelimit.NewRedisLimiterFromURL(ctx, a.cfg.RedisURL, "pagecontext:rl", perMinute, time.Minute)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		a.limiter = l
		a.logger.Info("rate limiting via redis", "units_per_minute", perMinute, "generation_cost", a.cfg.GenerationCost)
	default:
		a.limiter = ratelimit.NewMemoryLimiter(a.cfg.RateLimitRPS, a.cfg.RateLimitBurst)
	}
	return nil
}

// Run starts the background workers and the HTTP server, then blocks until
// ctx is cancelled or the server fails. On return the App is shut down;
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("pagecontext starting", "version", a.version, "port", a.cfg.Port)

	// Warm the vector store schema. A store that is not ready only degrades
	// retrieval.
	if err := a.vectors.EnsureSchema(ctx); err != nil {
		a.logger.Warn("vector store not ready", "error", err)
	}

	go func() {
		if err := a.registry.Watch(ctx); err != nil {
			a.logger.Warn("agents: hot reload disabled", "error", err)
		}
	}()
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) drain remaining outbox entries to the vector store.
// It then releases the limiter, the ledger and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("pagecontext shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.outbox != nil {
		outboxCtx, outboxCancel := context.WithTimeout(ctx, shutdownOutboxTimeout)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	a.Close()
	a.logger.Info("pagecontext stopped")
	return nil
}

// Close releases resources without touching the HTTP server. One-shot CLI
// commands call it instead of Run.
func (a *App) Close() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.closeLedger != nil {
		a.closeLedger()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// Answer runs the answer pipeline.
func (a *App) Answer(ctx context.Context, req rag.Request) (model.Answer, error) {
	return a.rag.Answer(ctx, req)
}

// Search runs fused hybrid retrieval without generation.
func (a *App) Search(ctx context.Context, q string, topK int) ([]model.RetrievalHit, bool, error) {
	if topK <= 0 {
		topK = a.cfg.TopK
	}
	return a.retriever.Search(ctx, q, topK, nil)
}

// Upsert writes a document to the vector store.
func (a *App) Upsert(ctx context.Context, doc model.Document) (uuid.UUID, error) {
	return a.vectors.Upsert(ctx, doc)
}

// Delete removes a document from the vector store.
func (a *App) Delete(ctx context.Context, sourceType, sourceID string) error {
	return a.vectors.Delete(ctx, sourceType, sourceID)
}

// ListJobs lists ledger rows newest first.
func (a *App) ListJobs(ctx context.Context, f model.JobFilter) ([]model.Job, error) {
	return a.ledger.ListJobs(ctx, f)
}

// CostSummary aggregates ledger rows per agent, provider and model.
func (a *App) CostSummary(ctx context.Context, since *time.Time) ([]model.CostSummary, error) {
	return a.ledger.CostSummary(ctx, since)
}

// SeedCatalog upserts the providers and models of a catalog file.
func (a *App) SeedCatalog(ctx context.Context, f catalog.File) (catalog.Result, error) {
	return catalog.Seed(ctx, a.ledger, f)
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}
