// Package rag answers questions from indexed documents: optimize, retrieve,
// fuse, build a token-bounded context, generate.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/search"
	"github.com/perculacms/pagecontext/internal/service/ai"
	"github.com/perculacms/pagecontext/internal/service/retrieval"
	"github.com/perculacms/pagecontext/internal/telemetry"
	"github.com/perculacms/pagecontext/internal/tokenizer"
)

// AgentID labels answer generations in the job ledger.
const AgentID = "rag-answer"

// Optimizer rewrites questions. It must not fail.
type Optimizer interface {
	Optimize(ctx context.Context, question, extra string, c ai.Call) string
}

// Retriever runs hybrid retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, question string, topK int) (retrieval.Result, error)
}

// Generator is the router capability the orchestrator needs.
type Generator interface {
	Chat(ctx context.Context, messages []ai.Message, c ai.Call) (ai.Completion, error)
}

// Config holds pipeline defaults. Request values override TopK,
// MaxContextTokens and Weights.
type Config struct {
	TopK             int
	MaxContextTokens int
	Timeout          time.Duration
	Weights          map[model.Strategy]float64
}

// Request is one question.
type Request struct {
	Question         string
	ProviderType     string
	ModelID          string
	UserID           string
	ClientIP         string
	TopK             int
	MaxContextTokens int
	Weights          map[model.Strategy]float64
}

// Orchestrator runs the answer pipeline.
type Orchestrator struct {
	optimizer Optimizer
	retriever Retriever
	generator Generator
	counter   tokenizer.Counter
	cfg       Config
	logger    *slog.Logger

	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// New creates an Orchestrator. A nil counter uses the estimator.
func New(optimizer Optimizer, retriever Retriever, generator Generator, counter tokenizer.Counter, cfg Config, logger *slog.Logger) *Orchestrator {
	if counter == nil {
		counter = tokenizer.Estimator{}
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 3000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	dur, _ := telemetry.Meter("pagecontext/rag").Float64Histogram("pagecontext.rag.duration",
		metric.WithDescription("Answer pipeline duration (ms)"),
		metric.WithUnit("ms"),
	)
	return &Orchestrator{
		optimizer: optimizer,
		retriever: retriever,
		generator: generator,
		counter:   counter,
		cfg:       cfg,
		logger:    logger,
		tracer:    telemetry.Tracer("pagecontext/rag"),
		duration:  dur,
	}
}

// Answer runs the pipeline under the configured deadline. When retrieval
// fails outright the provider is never called. On deadline expiry the error
// wraps context.DeadlineExceeded.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (model.Answer, error) {
	if strings.TrimSpace(req.Question) == "" {
		return model.Answer{}, fmt.Errorf("%w: question is required", model.ErrValidation)
	}
	if err := model.ValidateWeights(req.Weights); err != nil {
		return model.Answer{}, err
	}
	topK := cmpOr(req.TopK, o.cfg.TopK)
	budget := cmpOr(req.MaxContextTokens, o.cfg.MaxContextTokens)
	weights := req.Weights
	if len(weights) == 0 {
		weights = o.cfg.Weights
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "rag.answer", trace.WithAttributes(
		attribute.Int("pagecontext.top_k", topK),
		attribute.Int("pagecontext.max_context_tokens", budget),
	))
	defer span.End()
	start := time.Now()

	ans, err := o.answer(ctx, req, topK, budget, weights)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("rag: pipeline timed out after %s: %w", o.cfg.Timeout, errors.Join(context.DeadlineExceeded, err))
	}

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("status", status)))
	return ans, err
}

func (o *Orchestrator) answer(ctx context.Context, req Request, topK, budget int, weights map[model.Strategy]float64) (model.Answer, error) {
	call := ai.Call{
		ProviderType: req.ProviderType,
		ModelID:      req.ModelID,
		UserID:       req.UserID,
		ClientIP:     req.ClientIP,
	}

	query := req.Question
	if o.optimizer != nil {
		query = o.optimizer.Optimize(ctx, req.Question, "", call)
	}

	res, err := o.retriever.Retrieve(ctx, query, topK)
	if err != nil {
		return model.Answer{}, fmt.Errorf("rag: retrieve: %w", err)
	}
	fused := search.Fuse(res.Strategies, weights)
	block, included := o.buildContext(fused, budget)

	ans := model.Answer{
		Citations:    citations(included),
		Degraded:     res.Degraded,
		ContextEmpty: len(included) == 0,
		Query:        query,
	}
	if ans.Degraded || ans.ContextEmpty {
		o.logger.Info("rag: answering without full context",
			"degraded", ans.Degraded, "context_empty", ans.ContextEmpty, "hits", len(fused))
	}

	call.Agent = AgentID
	out, err := o.generator.Chat(ctx, messages(block, req.Question), call)
	if err != nil {
		return model.Answer{}, fmt.Errorf("rag: generate: %w", err)
	}
	ans.Text = strings.TrimSpace(out.Text)
	return ans, nil
}

// buildContext appends fused hits, best first, until the next one would
// overflow the token budget.
func (o *Orchestrator) buildContext(hits []model.RetrievalHit, budget int) (string, []model.RetrievalHit) {
	var (
		sb       strings.Builder
		used     int
		included []model.RetrievalHit
	)
	for _, h := range hits {
		entry := formatHit(len(included)+1, h)
		n := o.counter.Count(entry)
		if used+n > budget {
			break
		}
		used += n
		sb.WriteString(entry)
		included = append(included, h)
	}
	return sb.String(), included
}

func formatHit(n int, h model.RetrievalHit) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] %s", n, h.Title)
	if h.URL != "" {
		fmt.Fprintf(&sb, " (%s)", h.URL)
	}
	sb.WriteString("\n")
	sb.WriteString(h.Body())
	sb.WriteString("\n\n")
	return sb.String()
}

const systemInstruction = `You answer questions about this website using only the numbered context passages below.
Cite passages by their number in square brackets. If the context does not contain the answer, say that you do not know.`

const noContextInstruction = `You answer questions about this website. No relevant pages were found for this question.
Say so, and answer only if the question can be answered without site content.`

func messages(block, question string) []ai.Message {
	system := noContextInstruction
	if block != "" {
		system = systemInstruction + "\n\nContext:\n" + strings.TrimRight(block, "\n")
	}
	return []ai.Message{
		{Role: ai.RoleSystem, Content: system},
		{Role: ai.RoleUser, Content: question},
	}
}

func citations(hits []model.RetrievalHit) []model.Citation {
	out := make([]model.Citation, len(hits))
	for i, h := range hits {
		out[i] = model.Citation{SourceType: h.SourceType, SourceID: h.SourceID, URL: h.URL, Title: h.Title}
	}
	return out
}

func cmpOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
