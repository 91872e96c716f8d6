// Package query rewrites user questions for retrieval recall.
package query

import (
	"context"
	"log/slog"
	"strings"

	"github.com/perculacms/pagecontext/internal/service/ai"
)

// AgentID is the agent definition the optimizer prefers when present.
const AgentID = "query-optimizer"

const systemPrompt = `You rewrite questions for a search engine over a website's pages.
Expand abbreviations, add likely synonyms and key terms, and keep the original language.
Reply with the rewritten query only, on a single line, without quotes or commentary.`

// Chatter is the router capability the optimizer needs.
type Chatter interface {
	Chat(ctx context.Context, messages []ai.Message, c ai.Call) (ai.Completion, error)
}

// Agents runs named agent definitions.
type Agents interface {
	Has(id string) bool
	Run(ctx context.Context, id, input, extra string, c ai.Call) (ai.Completion, error)
}

// Optimizer rewrites questions through the AI router. It never fails: any
// error yields the raw question.
type Optimizer struct {
	router Chatter
	agents Agents
	logger *slog.Logger
}

// NewOptimizer creates an Optimizer. agents may be nil.
func NewOptimizer(router Chatter, agents Agents, logger *slog.Logger) *Optimizer {
	return &Optimizer{router: router, agents: agents, logger: logger}
}

// Optimize returns a retrieval-oriented rewrite of question. extra is
// optional context about the caller (page, section).
func (o *Optimizer) Optimize(ctx context.Context, question, extra string, c ai.Call) string {
	if strings.TrimSpace(question) == "" || o == nil || o.router == nil {
		return question
	}

	var (
		out ai.Completion
		err error
	)
	if o.agents != nil && o.agents.Has(AgentID) {
		out, err = o.agents.Run(ctx, AgentID, question, extra, c)
	} else {
		c.Agent = AgentID
		out, err = o.router.Chat(ctx, builtinMessages(question, extra), c)
	}
	if err != nil {
		o.logger.Warn("query: optimizer failed, using raw question", "error", err)
		return question
	}

	rewritten := clean(out.Text)
	if rewritten == "" {
		o.logger.Debug("query: optimizer returned nothing, using raw question")
		return question
	}
	return rewritten
}

func builtinMessages(question, extra string) []ai.Message {
	user := question
	if extra != "" {
		user = "Context:\n" + extra + "\n\nQuestion:\n" + question
	}
	return []ai.Message{
		{Role: ai.RoleSystem, Content: systemPrompt},
		{Role: ai.RoleUser, Content: user},
	}
}

// clean keeps the first non-empty line and strips surrounding quotes.
func clean(s string) string {
	for line := range strings.SplitSeq(s, "\n") {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, "\"'`")
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
