// Package mcp implements the Model Context Protocol server for pagecontext.
//
// The MCP server exposes the answer pipeline, hybrid search and document
// writes as tools, and the agent catalogue as resources, so MCP-compatible
// assistants can ground their replies in the site's content.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/perculacms/pagecontext/internal/agents"
	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/service/rag"
)

// Answerer runs the answer pipeline.
type Answerer interface {
	Answer(ctx context.Context, req rag.Request) (model.Answer, error)
}

// Searcher runs a fused hybrid search.
type Searcher interface {
	Search(ctx context.Context, question string, topK int, weights map[model.Strategy]float64) ([]model.RetrievalHit, bool, error)
}

// DocumentStore writes documents to the vector store.
type DocumentStore interface {
	Upsert(ctx context.Context, doc model.Document) (uuid.UUID, error)
	Delete(ctx context.Context, sourceType, sourceID string) error
}

// AgentCatalog lists the loaded agent definitions.
type AgentCatalog interface {
	List() []agents.Definition
	Get(id string) (agents.Definition, bool)
}

// Deps holds the services behind the MCP tools. Agents is optional.
type Deps struct {
	Answerer    Answerer
	Searcher    Searcher
	Documents   DocumentStore
	Agents      AgentCatalog
	DefaultTopK int
	Logger      *slog.Logger
	Version     string
}

// Server wraps the MCP server with pagecontext's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	answerer    Answerer
	searcher    Searcher
	documents   DocumentStore
	agents      AgentCatalog
	defaultTopK int
	logger      *slog.Logger
}

// New creates and configures a new MCP server with all resources, prompts
// and tools.
func New(d Deps) *Server {
	topK := d.DefaultTopK
	if topK <= 0 {
		topK = 8
	}
	s := &Server{
		answerer:    d.Answerer,
		searcher:    d.Searcher,
		documents:   d.Documents,
		agents:      d.Agents,
		defaultTopK: topK,
		logger:      d.Logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"pagecontext",
		d.Version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
