// Package server implements the HTTP API server for pagecontext.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/perculacms/pagecontext/internal/ratelimit"
)

// Server is the pagecontext HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Outbox, Agents, Jobs, DB, Vectors, Limiter,
// MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Answerer  Answerer
	Searcher  Searcher
	Documents DocumentStore
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Outbox    Outbox
	Agents    AgentRunner
	Jobs      JobReader
	DB        Pinger
	Vectors   HealthChecker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// GenerationCost is what a request that may call an AI provider spends
	// from the client's rate budget. Other limited routes spend 1.
	GenerationCost int

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	DefaultTopK         int
	MaxRequestBodyBytes int64

	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Answerer:            cfg.Answerer,
		Searcher:            cfg.Searcher,
		Documents:           cfg.Documents,
		Outbox:              cfg.Outbox,
		Agents:              cfg.Agents,
		Jobs:                cfg.Jobs,
		DB:                  cfg.DB,
		Vectors:             cfg.Vectors,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		DefaultTopK:         cfg.DefaultTopK,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Routes that reach a provider or the vector store are metered per IP.
	// Health and the OpenAPI document are free.
	meter := ratelimit.Metering{Limiter: cfg.Limiter, Key: ratelimit.IPKeyFunc, RequestID: requestID, Logger: cfg.Logger}
	generation := meter.Charge(max(1, cfg.GenerationCost))
	standard := meter.Charge(1)

	mux := http.NewServeMux()

	// Answer pipeline and search.
	mux.Handle("POST /v1/answer", generation(http.HandlerFunc(h.HandleAnswer)))
	mux.Handle("POST /v1/search", standard(http.HandlerFunc(h.HandleSearch)))

	// Document writes.
	mux.Handle("PUT /v1/documents", standard(http.HandlerFunc(h.HandleUpsertDocument)))
	mux.Handle("DELETE /v1/documents/{source_type}/{source_id}", standard(http.HandlerFunc(h.HandleDeleteDocument)))

	// Agents.
	mux.Handle("POST /v1/agents/{agent_id}/run", generation(http.HandlerFunc(h.HandleRunAgent)))

	// Job ledger.
	mux.Handle("GET /v1/jobs", standard(http.HandlerFunc(h.HandleListJobs)))
	mux.Handle("GET /v1/jobs/summary", standard(http.HandlerFunc(h.HandleJobSummary)))

	// MCP StreamableHTTP transport. A tool call may generate an answer.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", generation(mcpHTTP))
	}

	// OpenAPI document and health.
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
