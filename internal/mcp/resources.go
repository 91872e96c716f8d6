package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/perculacms/pagecontext/internal/agents"
)

const (
	agentsURI      = "pagecontext://agents"
	agentURIPrefix = "pagecontext://agents/"
)

func (s *Server) registerResources() {
	if s.agents == nil {
		return
	}

	// pagecontext://agents: every loaded agent definition.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			agentsURI,
			"Agents",
			mcplib.WithResourceDescription("Agent definitions available to the answer pipeline and agent runs"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgents,
	)

	// pagecontext://agents/{id}: one agent definition.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			agentURIPrefix+"{id}",
			"Agent",
			mcplib.WithTemplateDescription("A single agent definition: provider, model, role and task"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgent,
	)
}

func (s *Server) handleAgents(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	defs := s.agents.List()
	if defs == nil {
		defs = []agents.Definition{}
	}
	return jsonContents(agentsURI, defs)
}

func (s *Server) handleAgent(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseAgentURI(uri)
	if err != nil {
		return nil, err
	}
	def, ok := s.agents.Get(id)
	if !ok {
		return nil, fmt.Errorf("mcp: %w: %s", agents.ErrUnknownAgent, id)
	}
	return jsonContents(uri, def)
}

// parseAgentURI extracts the agent id from pagecontext://agents/{id}.
func parseAgentURI(uri string) (string, error) {
	id, ok := strings.CutPrefix(uri, agentURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid agent URI: %s", uri)
	}
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid agent URI: empty or nested agent id in %s", uri)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
