package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/perculacms/pagecontext/internal/ctxutil"
	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/service/rag"
)

// maxTopK bounds top_k on every tool.
const maxTopK = 100

func (s *Server) registerTools() {
	// pagecontext_answer: grounded answer with citations.
	s.mcpServer.AddTool(
		mcplib.NewTool("pagecontext_answer",
			mcplib.WithDescription(`Answer a question from the site's indexed content.

The question is rewritten for search, matched against the index with both
keyword and semantic retrieval, and answered by a language model that only
sees the retrieved documents.

WHAT YOU GET BACK:
- text: the answer
- citations: the documents the answer was built from
- degraded: one retrieval strategy failed; the answer used the other
- context_empty: nothing relevant was found, so the answer is not grounded`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("question",
				mcplib.Description("The question to answer, in natural language"),
				mcplib.Required(),
			),
			mcplib.WithString("provider_type",
				mcplib.Description("Optional model provider, e.g. OpenAI, Gemini or Ollama"),
			),
			mcplib.WithString("model_id",
				mcplib.Description("Optional model identifier, e.g. gpt-4o-mini"),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Documents retrieved per strategy"),
				mcplib.Min(1),
				mcplib.Max(maxTopK),
			),
		),
		s.handleAnswer,
	)

	// pagecontext_search: fused hybrid search without generation.
	s.mcpServer.AddTool(
		mcplib.NewTool("pagecontext_search",
			mcplib.WithDescription(`Search the site's indexed content. Keyword and semantic results are
normalized and merged into a single ranking, best match first.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language or keyword query"),
				mcplib.Required(),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(maxTopK),
			),
		),
		s.handleSearch,
	)

	// pagecontext_index: create or overwrite one document.
	s.mcpServer.AddTool(
		mcplib.NewTool("pagecontext_index",
			mcplib.WithDescription(`Index a document. The pair (source_type, source_id) identifies it;
indexing the same pair again overwrites the stored copy.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("source_type",
				mcplib.Description("Kind of source, e.g. page, media or newsletter"),
				mcplib.Required(),
			),
			mcplib.WithString("source_id",
				mcplib.Description("Identifier of the document within its source type"),
				mcplib.Required(),
			),
			mcplib.WithString("title", mcplib.Description("Document title")),
			mcplib.WithString("text", mcplib.Description("Document body"), mcplib.Required()),
			mcplib.WithString("url", mcplib.Description("Public URL of the document")),
			mcplib.WithArray("tags",
				mcplib.Description("Free-form tags"),
				mcplib.WithStringItems(),
			),
		),
		s.handleIndex,
	)

	// pagecontext_delete: remove one document.
	s.mcpServer.AddTool(
		mcplib.NewTool("pagecontext_delete",
			mcplib.WithDescription("Remove a document from the index. Removing a missing document succeeds."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("source_type", mcplib.Description("Kind of source"), mcplib.Required()),
			mcplib.WithString("source_id", mcplib.Description("Identifier within the source type"), mcplib.Required()),
		),
		s.handleDelete,
	)
}

func (s *Server) handleAnswer(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	question := request.GetString("question", "")
	if question == "" {
		return errorResult("question is required"), nil
	}

	ans, err := s.answerer.Answer(ctx, rag.Request{
		Question:     question,
		ProviderType: request.GetString("provider_type", ""),
		ModelID:      request.GetString("model_id", ""),
		ClientIP:     ctxutil.ClientIPFromContext(ctx),
		TopK:         s.topK(request),
	})
	if err != nil {
		return s.failure(ctx, "answer", err), nil
	}
	return jsonResult(ans)
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	hits, degraded, err := s.searcher.Search(ctx, query, s.topK(request), nil)
	if err != nil {
		return s.failure(ctx, "search", err), nil
	}
	if hits == nil {
		hits = []model.RetrievalHit{}
	}
	return jsonResult(model.SearchResponse{Hits: hits, Degraded: degraded})
}

func (s *Server) handleIndex(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	doc := model.Document{
		SourceType: request.GetString("source_type", ""),
		SourceID:   request.GetString("source_id", ""),
		Title:      request.GetString("title", ""),
		Text:       request.GetString("text", ""),
		URL:        request.GetString("url", ""),
		Tags:       request.GetStringSlice("tags", nil),
	}
	if err := doc.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	id, err := s.documents.Upsert(ctx, doc)
	if err != nil {
		return s.failure(ctx, "index", err), nil
	}
	return jsonResult(model.UpsertResponse{ObjectID: id.String()})
}

func (s *Server) handleDelete(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sourceType := request.GetString("source_type", "")
	sourceID := request.GetString("source_id", "")
	if err := (model.Document{SourceType: sourceType, SourceID: sourceID}).Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	if err := s.documents.Delete(ctx, sourceType, sourceID); err != nil {
		return s.failure(ctx, "delete", err), nil
	}
	return jsonResult(map[string]any{
		"deleted":     true,
		"source_type": sourceType,
		"source_id":   sourceID,
	})
}

func (s *Server) topK(request mcplib.CallToolRequest) int {
	k := request.GetInt("top_k", s.defaultTopK)
	if k < 1 {
		return s.defaultTopK
	}
	return min(k, maxTopK)
}

// failure reports a service error as a tool error. Validation and
// availability errors are shown as-is; anything else is logged and hidden.
func (s *Server) failure(ctx context.Context, op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, model.ErrServiceDisabled),
		errors.Is(err, model.ErrServiceNotConfigured),
		errors.Is(err, model.ErrBackendUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return errorResult(fmt.Sprintf("%s failed: %v", op, err))
	default:
		s.logger.Error("mcp: tool failed", "tool", op, "error", err,
			"request_id", ctxutil.RequestIDFromContext(ctx))
		return errorResult(op + " failed: internal error")
	}
}
