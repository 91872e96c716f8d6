package ai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/testutil"
)

type staticCatalog struct {
	models []model.ActiveModel
	err    error
}

func (c staticCatalog) ActiveModels(context.Context) ([]model.ActiveModel, error) {
	return c.models, c.err
}

type ledgerRow struct {
	job     model.Job
	status  model.JobStatus
	outcome model.JobOutcome
}

type memLedger struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*ledgerRow
	openErr error
	finErr  error
}

func newMemLedger() *memLedger { return &memLedger{rows: map[uuid.UUID]*ledgerRow{}} }

func (l *memLedger) OpenJob(_ context.Context, j model.Job) error {
	if l.openErr != nil {
		return l.openErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows[j.ID] = &ledgerRow{job: j, status: model.JobPending}
	return nil
}

func (l *memLedger) finish(ctx context.Context, id uuid.UUID, s model.JobStatus, out model.JobOutcome) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if l.finErr != nil {
		return l.finErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[id]
	if !ok || row.status != model.JobPending {
		return errors.New("bad transition")
	}
	row.status, row.outcome = s, out
	return nil
}

func (l *memLedger) CompleteJob(ctx context.Context, id uuid.UUID, out model.JobOutcome) error {
	return l.finish(ctx, id, model.JobCompleted, out)
}

func (l *memLedger) FailJob(ctx context.Context, id uuid.UUID, out model.JobOutcome) error {
	return l.finish(ctx, id, model.JobError, out)
}

func (l *memLedger) only(t *testing.T) *ledgerRow {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.rows, 1)
	for _, r := range l.rows {
		return r
	}
	return nil
}

type fakeProvider struct {
	out      Completion
	err      error
	prompts  []string
	messages [][]Message
	mu       sync.Mutex
}

func (p *fakeProvider) Chat(_ context.Context, msgs []Message, _ Options) (Completion, error) {
	p.mu.Lock()
	p.messages = append(p.messages, msgs)
	p.mu.Unlock()
	return p.out, p.err
}

func (p *fakeProvider) Generate(_ context.Context, prompt string, _ Options) (Completion, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()
	return p.out, p.err
}

func pricedEntry(providerType, modelID string) model.ActiveModel {
	m := entry(providerType, modelID)
	m.Model.InputPricePer1M, m.Model.OutputPricePer1M = ptr(2.0), ptr(6.0)
	return m
}

func newTestRouter(models []model.ActiveModel, ledger Ledger, p Provider) *Router {
	return NewRouter(staticCatalog{models: models}, ledger, testutil.TestLogger(),
		WithFactory(func(model.ActiveModel) (Provider, error) { return p, nil }))
}

func TestRouterRecordsCompletedJob(t *testing.T) {
	gpt := pricedEntry(model.ProviderOpenAI, "gpt-4o")
	ledger := newMemLedger()
	p := &fakeProvider{out: Completion{Text: "ok", InputTokens: ptr(1_000_000), OutputTokens: ptr(1_000_000)}}
	r := newTestRouter([]model.ActiveModel{gpt}, ledger, p)

	out, err := r.Generate(context.Background(), "prompt", Call{Agent: "answer", UserID: "u1", ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
	assert.Equal(t, []string{"prompt"}, p.prompts)

	row := ledger.only(t)
	assert.Equal(t, model.JobCompleted, row.status)
	assert.Equal(t, "answer", row.job.Agent)
	assert.Equal(t, gpt.Provider.ID, row.job.ProviderID)
	assert.Equal(t, gpt.Model.ID, row.job.ModelID)
	require.NotNil(t, row.job.UserID)
	assert.Equal(t, "u1", *row.job.UserID)
	require.NotNil(t, row.outcome.Cost)
	assert.InDelta(t, 8.0, *row.outcome.Cost, 1e-9)
}

func TestRouterProviderFailureRecordedAndPropagated(t *testing.T) {
	boom := errors.New("upstream exploded")
	ledger := newMemLedger()
	r := newTestRouter([]model.ActiveModel{pricedEntry(model.ProviderOpenAI, "gpt-4o")}, ledger, &fakeProvider{err: boom})

	_, err := r.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Call{Agent: "chat"})
	assert.ErrorIs(t, err, boom)

	row := ledger.only(t)
	assert.Equal(t, model.JobError, row.status)
	assert.Equal(t, boom.Error(), row.outcome.ErrorMessage)
	assert.Nil(t, row.outcome.Cost)
}

func TestRouterLedgerOutageDoesNotChangeResult(t *testing.T) {
	p := &fakeProvider{out: Completion{Text: "fine"}}
	models := []model.ActiveModel{pricedEntry(model.ProviderOpenAI, "gpt-4o")}

	down := newMemLedger()
	down.openErr = errors.New("db down")
	out, err := newTestRouter(models, down, p).Generate(context.Background(), "q", Call{})
	require.NoError(t, err)
	assert.Equal(t, "fine", out.Text)

	finDown := newMemLedger()
	finDown.finErr = errors.New("db down")
	out, err = newTestRouter(models, finDown, p).Generate(context.Background(), "q", Call{})
	require.NoError(t, err)
	assert.Equal(t, "fine", out.Text)
}

func TestRouterNoMatchingModel(t *testing.T) {
	ledger := newMemLedger()
	p := &fakeProvider{}
	r := newTestRouter([]model.ActiveModel{pricedEntry(model.ProviderOpenAI, "gpt-4o")}, ledger, p)

	_, err := r.Generate(context.Background(), "q", Call{ProviderType: model.ProviderGemini})
	assert.ErrorIs(t, err, model.ErrServiceNotConfigured)
	assert.Empty(t, p.prompts)
	assert.Empty(t, ledger.rows)
}

func TestRouterCatalogFailure(t *testing.T) {
	r := NewRouter(staticCatalog{err: errors.New("conn refused")}, nil, testutil.TestLogger())
	_, err := r.Generate(context.Background(), "q", Call{})
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
}

func TestRouterFinalizesAfterCancellation(t *testing.T) {
	ledger := newMemLedger()
	ctx, cancel := context.WithCancel(context.Background())
	p := &cancellingProvider{cancel: cancel}
	r := NewRouter(staticCatalog{models: []model.ActiveModel{pricedEntry(model.ProviderOpenAI, "gpt-4o")}},
		ledger, testutil.TestLogger(),
		WithFactory(func(model.ActiveModel) (Provider, error) { return p, nil }))

	_, err := r.Generate(ctx, "q", Call{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.JobError, ledger.only(t).status)
}

type cancellingProvider struct{ cancel context.CancelFunc }

func (p *cancellingProvider) Chat(ctx context.Context, _ []Message, _ Options) (Completion, error) {
	p.cancel()
	return Completion{}, ctx.Err()
}

func (p *cancellingProvider) Generate(ctx context.Context, prompt string, opts Options) (Completion, error) {
	return p.Chat(ctx, nil, opts)
}

func TestRouterConcurrentCallsWriteOneRowEach(t *testing.T) {
	ledger := newMemLedger()
	p := &fakeProvider{out: Completion{Text: "ok", InputTokens: ptr(10), OutputTokens: ptr(10)}}
	r := newTestRouter([]model.ActiveModel{pricedEntry(model.ProviderOpenAI, "gpt-4o")}, ledger, p)

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			_, err := r.Generate(context.Background(), "q", Call{Agent: "load"})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	assert.Len(t, ledger.rows, 20)
	for _, row := range ledger.rows {
		assert.Equal(t, model.JobCompleted, row.status)
		assert.WithinDuration(t, time.Now(), row.job.CreatedAt, time.Minute)
	}
}
