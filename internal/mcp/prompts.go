package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// grounded-answer: asks the assistant to answer from the index only.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("grounded-answer",
			mcplib.WithPromptDescription("Answer a question using only the site's indexed content, with citations"),
			mcplib.WithArgument("question",
				mcplib.ArgumentDescription("The question to answer"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleGroundedAnswerPrompt,
	)

	// keep-index-fresh: guides the assistant through reindexing edited content.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("keep-index-fresh",
			mcplib.WithPromptDescription("Reindex or remove a document after its source changed"),
			mcplib.WithArgument("source_type",
				mcplib.ArgumentDescription("Kind of source that changed, e.g. page"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("source_id",
				mcplib.ArgumentDescription("Identifier of the changed document"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleKeepIndexFreshPrompt,
	)
}

func (s *Server) handleGroundedAnswerPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	question := request.Params.Arguments["question"]
	if question == "" {
		return nil, fmt.Errorf("question argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Answer from indexed content",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Answer this question using the site's own content: %q

1. CALL pagecontext_answer with the question.

2. CHECK the response:
   - If context_empty is true, nothing relevant is indexed. Say so instead of
     guessing, and suggest calling pagecontext_search with other wording.
   - If degraded is true, one retrieval strategy was unavailable. The answer
     may miss documents.

3. REPLY with the answer and list the citations (title and url) it used.`, question),
				},
			},
		},
	}, nil
}

func (s *Server) handleKeepIndexFreshPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	sourceType := request.Params.Arguments["source_type"]
	sourceID := request.Params.Arguments["source_id"]
	if sourceType == "" || sourceID == "" {
		return nil, fmt.Errorf("source_type and source_id arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Refresh %s:%s in the index", sourceType, sourceID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`The document %s:%s changed at its source.

- If it still exists, CALL pagecontext_index with source_type=%q,
  source_id=%q and its current title, text, url and tags. The stored copy
  is overwritten in place.
- If it was removed, CALL pagecontext_delete with the same key.`, sourceType, sourceID, sourceType, sourceID),
				},
			},
		},
	}, nil
}
