// Package retrieval runs the semantic and keyword strategies against the
// document store in parallel and tolerates the loss of one of them.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/search"
	"github.com/perculacms/pagecontext/internal/telemetry"
)

// Searcher is the query surface of the document store.
type Searcher interface {
	Query(ctx context.Context, text string, topK int, filters map[string]string) ([]model.RetrievalHit, error)
	SemanticQuery(ctx context.Context, text string, topK int) ([]model.RetrievalHit, error)
}

// Result holds the per-strategy hit lists in fixed strategy order (semantic,
// then keyword), independent of which query finished first. Failed
// strategies are absent.
type Result struct {
	Strategies []search.StrategyResult
	Degraded   bool
}

// Hits returns the number of hits across strategies.
func (r Result) Hits() int {
	n := 0
	for _, s := range r.Strategies {
		n += len(s.Hits)
	}
	return n
}

// Retriever runs hybrid retrieval.
type Retriever struct {
	store  Searcher
	logger *slog.Logger

	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// New creates a Retriever over store.
func New(store Searcher, logger *slog.Logger) *Retriever {
	dur, _ := telemetry.Meter("pagecontext/retrieval").Float64Histogram("pagecontext.retrieval.duration",
		metric.WithDescription("Retrieval strategy duration (ms)"),
		metric.WithUnit("ms"),
	)
	return &Retriever{
		store:    store,
		logger:   logger,
		tracer:   telemetry.Tracer("pagecontext/retrieval"),
		duration: dur,
	}
}

type outcome struct {
	hits []model.RetrievalHit
	err  error
}

// Retrieve issues both strategies concurrently, each capped to topK. If one
// fails the other's hits are returned with Degraded set; if both fail the
// error wraps model.ErrBackendUnavailable and both causes.
func (r *Retriever) Retrieve(ctx context.Context, question string, topK int) (Result, error) {
	if question == "" {
		return Result{}, fmt.Errorf("%w: question is required", model.ErrValidation)
	}
	if topK <= 0 {
		return Result{}, fmt.Errorf("%w: top_k must be positive", model.ErrValidation)
	}

	var (
		wg                sync.WaitGroup
		semantic, keyword outcome
	)
	wg.Go(func() {
		semantic.hits, semantic.err = r.run(ctx, model.StrategySemantic, func(ctx context.Context) ([]model.RetrievalHit, error) {
			return r.store.SemanticQuery(ctx, question, topK)
		})
	})
	wg.Go(func() {
		keyword.hits, keyword.err = r.run(ctx, model.StrategyKeyword, func(ctx context.Context) ([]model.RetrievalHit, error) {
			return r.store.Query(ctx, question, topK, nil)
		})
	})
	wg.Wait()

	if semantic.err != nil && keyword.err != nil {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("retrieval: %w", err)
		}
		return Result{}, fmt.Errorf("retrieval: all strategies failed: %w",
			errors.Join(model.ErrBackendUnavailable, semantic.err, keyword.err))
	}

	var res Result
	for _, o := range []struct {
		strategy model.Strategy
		outcome
	}{{model.StrategySemantic, semantic}, {model.StrategyKeyword, keyword}} {
		if o.err != nil {
			res.Degraded = true
			r.logger.Warn("retrieval: strategy failed, continuing degraded",
				"strategy", o.strategy, "error", o.err)
			continue
		}
		hits := o.hits
		if len(hits) > topK {
			hits = hits[:topK]
		}
		res.Strategies = append(res.Strategies, search.StrategyResult{Strategy: o.strategy, Hits: hits})
	}
	return res, nil
}

func (r *Retriever) run(ctx context.Context, strategy model.Strategy, fn func(context.Context) ([]model.RetrievalHit, error)) ([]model.RetrievalHit, error) {
	ctx, span := r.tracer.Start(ctx, "retrieval."+string(strategy))
	defer span.End()

	start := time.Now()
	hits, err := fn(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("pagecontext.hits", len(hits)))
	r.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, metric.WithAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.String("status", status),
	))
	return hits, err
}

// Search retrieves and fuses in one step.
func (r *Retriever) Search(ctx context.Context, question string, topK int, weights map[model.Strategy]float64) ([]model.RetrievalHit, bool, error) {
	if err := model.ValidateWeights(weights); err != nil {
		return nil, false, err
	}
	res, err := r.Retrieve(ctx, question, topK)
	if err != nil {
		return nil, false, err
	}
	hits := search.Fuse(res.Strategies, weights)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, res.Degraded, nil
}
