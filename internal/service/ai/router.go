package ai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/telemetry"
)

// Catalog lists the models that may serve calls.
type Catalog interface {
	ActiveModels(ctx context.Context) ([]model.ActiveModel, error)
}

// Ledger persists the audit record of each call.
type Ledger interface {
	OpenJob(ctx context.Context, j model.Job) error
	CompleteJob(ctx context.Context, id uuid.UUID, out model.JobOutcome) error
	FailJob(ctx context.Context, id uuid.UUID, out model.JobOutcome) error
}

// Call identifies who is calling and which model they asked for. Empty hints
// fall back to the router's primary and secondary provider types.
type Call struct {
	Agent        string
	ProviderType string
	ModelID      string
	UserID       string
	ClientIP     string
	Options      Options
}

// ledgerTimeout bounds ledger writes that outlive the caller's context.
const ledgerTimeout = 5 * time.Second

// Router resolves a model for each call, invokes its provider and records the
// call in the ledger. It keeps no per-call state.
type Router struct {
	catalog   Catalog
	ledger    Ledger
	factory   Factory
	primary   string
	secondary string
	logger    *slog.Logger

	tracer      trace.Tracer
	callLatency metric.Float64Histogram
	calls       metric.Int64Counter
	cost        metric.Float64Counter
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithFactory replaces the provider factory.
func WithFactory(f Factory) RouterOption {
	return func(r *Router) { r.factory = f }
}

// WithDefaults sets the provider types used when a call has no hints.
func WithDefaults(primary, secondary string) RouterOption {
	return func(r *Router) { r.primary, r.secondary = primary, secondary }
}

// NewRouter creates a Router. ledger may be nil, in which case calls are not
// recorded.
func NewRouter(catalog Catalog, ledger Ledger, logger *slog.Logger, opts ...RouterOption) *Router {
	meter := telemetry.Meter("pagecontext/ai")
	latency, _ := meter.Float64Histogram("pagecontext.ai.duration",
		metric.WithDescription("AI provider call duration (ms)"),
		metric.WithUnit("ms"),
	)
	calls, _ := meter.Int64Counter("pagecontext.ai.calls",
		metric.WithDescription("AI provider calls by status"),
	)
	cost, _ := meter.Float64Counter("pagecontext.ai.cost",
		metric.WithDescription("AI spend"),
		metric.WithUnit("USD"),
	)
	r := &Router{
		catalog:     catalog,
		ledger:      ledger,
		factory:     HTTPFactory(nil),
		primary:     model.ProviderOpenAI,
		secondary:   model.ProviderGemini,
		logger:      logger,
		tracer:      telemetry.Tracer("pagecontext/ai"),
		callLatency: latency,
		calls:       calls,
		cost:        cost,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the catalog entry a call would be routed to.
func (r *Router) Resolve(ctx context.Context, c Call) (model.ActiveModel, error) {
	if r.catalog == nil {
		return model.ActiveModel{}, fmt.Errorf("ai: no provider catalog: %w", model.ErrServiceNotConfigured)
	}
	models, err := r.catalog.ActiveModels(ctx)
	if err != nil {
		return model.ActiveModel{}, fmt.Errorf("ai: load catalog: %w: %w", model.ErrBackendUnavailable, err)
	}
	return SelectModel(models, c.ProviderType, c.ModelID, r.primary, r.secondary)
}

// Chat sends a conversation to the resolved provider.
func (r *Router) Chat(ctx context.Context, messages []Message, c Call) (Completion, error) {
	return r.invoke(ctx, "chat", c, func(ctx context.Context, p Provider) (Completion, error) {
		return p.Chat(ctx, messages, c.Options)
	})
}

// Generate sends a single prompt to the resolved provider.
func (r *Router) Generate(ctx context.Context, prompt string, c Call) (Completion, error) {
	return r.invoke(ctx, "generate", c, func(ctx context.Context, p Provider) (Completion, error) {
		return p.Generate(ctx, prompt, c.Options)
	})
}

func (r *Router) invoke(ctx context.Context, op string, c Call, fn func(context.Context, Provider) (Completion, error)) (Completion, error) {
	ctx, span := r.tracer.Start(ctx, "ai."+op, trace.WithAttributes(attribute.String("pagecontext.agent", c.Agent)))
	defer span.End()

	m, err := r.Resolve(ctx, c)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Completion{}, err
	}
	span.SetAttributes(
		attribute.String("pagecontext.provider_type", m.Provider.ProviderType),
		attribute.String("pagecontext.model", m.Model.ModelID),
	)
	provider, err := r.factory(m)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Completion{}, err
	}

	jobID := uuid.New()
	opened := r.openJob(ctx, jobID, m, c)

	start := time.Now()
	out, callErr := fn(ctx, provider)
	elapsed := time.Since(start)

	status := model.JobCompleted
	outcome := model.JobOutcome{DurationMS: elapsed.Milliseconds()}
	if callErr != nil {
		status = model.JobError
		outcome.ErrorMessage = callErr.Error()
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
	} else {
		outcome.InputTokens, outcome.OutputTokens = out.InputTokens, out.OutputTokens
		outcome.Cost = Cost(out.InputTokens, out.OutputTokens, m.Model.InputPricePer1M, m.Model.OutputPricePer1M)
	}

	attrs := metric.WithAttributes(
		attribute.String("provider_type", m.Provider.ProviderType),
		attribute.String("status", string(status)),
	)
	r.callLatency.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
	r.calls.Add(ctx, 1, attrs)
	if outcome.Cost != nil {
		r.cost.Add(ctx, *outcome.Cost, attrs)
	}

	if opened {
		r.finalizeJob(ctx, jobID, status, outcome)
	}
	if callErr != nil {
		return Completion{}, callErr
	}
	return out, nil
}

// openJob writes the Pending row. A failure is logged and the call proceeds
// unrecorded.
func (r *Router) openJob(ctx context.Context, id uuid.UUID, m model.ActiveModel, c Call) bool {
	if r.ledger == nil {
		return false
	}
	j := model.Job{
		ID:         id,
		Agent:      c.Agent,
		ProviderID: m.Provider.ID,
		ModelID:    m.Model.ID,
		Status:     model.JobPending,
		CreatedAt:  time.Now().UTC(),
	}
	if c.UserID != "" {
		j.UserID = &c.UserID
	}
	if c.ClientIP != "" {
		j.ClientIP = &c.ClientIP
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := r.ledger.OpenJob(wctx, j); err != nil {
		r.logger.Warn("ai: ledger open failed", "job_id", id, "agent", c.Agent, "error", err)
		return false
	}
	return true
}

// finalizeJob runs even when the caller's context is already done, so a
// cancelled call still leaves an Error row.
func (r *Router) finalizeJob(ctx context.Context, id uuid.UUID, status model.JobStatus, out model.JobOutcome) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	var err error
	if status == model.JobCompleted {
		err = r.ledger.CompleteJob(wctx, id, out)
	} else {
		err = r.ledger.FailJob(wctx, id, out)
	}
	if err != nil {
		r.logger.Warn("ai: ledger finalize failed", "job_id", id, "status", status, "error", err)
	}
}
