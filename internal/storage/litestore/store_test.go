package litestore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/storage"
	"github.com/perculacms/pagecontext/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(ctx context.Context, t *testing.T, s *Store, name, providerType, modelID string, active bool) (model.AIProvider, model.AIModel) {
	t.Helper()
	p, err := s.UpsertProvider(ctx, model.AIProvider{Name: name, ProviderType: providerType, APIKey: "k", IsActive: true})
	require.NoError(t, err)
	m, err := s.UpsertModel(ctx, model.AIModel{
		ProviderID:       p.ID,
		ModelID:          modelID,
		InputPricePer1M:  ptr(2.0),
		OutputPricePer1M: ptr(6.0),
		Active:           active,
	})
	require.NoError(t, err)
	return p, m
}

func TestPathFromURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"sqlite:///var/lib/pc.db", "/var/lib/pc.db", true},
		{"sqlite://pc.db", "pc.db", true},
		{"file:pc.db", "pc.db", true},
		{"postgres://localhost/db", "", false},
	}
	for _, tt := range tests {
		got, ok := PathFromURL(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:", testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Ping(context.Background()))
}

func TestActiveModelsOrderAndFiltering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, first := seed(ctx, t, s, "openai", model.ProviderOpenAI, "gpt-4o-mini", true)
	_, _ = seed(ctx, t, s, "gemini", model.ProviderGemini, "gemini-1.5-flash", false)
	_, third := seed(ctx, t, s, "ollama", model.ProviderOllama, "llama3", true)

	inactive, err := s.UpsertProvider(ctx, model.AIProvider{Name: "off", ProviderType: model.ProviderOpenAI, IsActive: false})
	require.NoError(t, err)
	_, err = s.UpsertModel(ctx, model.AIModel{ProviderID: inactive.ID, ModelID: "gpt-4o", Active: true})
	require.NoError(t, err)

	got, err := s.ActiveModels(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].Model.ID)
	assert.Equal(t, third.ID, got[1].Model.ID)
	assert.Equal(t, model.ProviderOpenAI, got[0].Provider.ProviderType)
	assert.Equal(t, "k", got[0].Provider.APIKey)
	require.NotNil(t, got[0].Model.InputPricePer1M)
	assert.InDelta(t, 2.0, *got[0].Model.InputPricePer1M, 1e-9)
}

func TestUpsertProviderKeepsID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a, err := s.UpsertProvider(ctx, model.AIProvider{Name: "openai", ProviderType: model.ProviderOpenAI, APIKey: "old", IsActive: true})
	require.NoError(t, err)
	b, err := s.UpsertProvider(ctx, model.AIProvider{Name: "openai", ProviderType: model.ProviderOpenAI, APIKey: "new", IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	got, err := s.GetProviderByName(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, "new", got.APIKey)

	_, err = s.GetProviderByName(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	p, m := seed(ctx, t, s, "openai", model.ProviderOpenAI, "gpt-4o-mini", true)

	id := uuid.New()
	require.NoError(t, s.OpenJob(ctx, model.Job{
		ID: id, Agent: "answer", UserID: ptr("u1"), ProviderID: p.ID, ModelID: m.ID, ClientIP: ptr("10.0.0.1"),
	}))

	j, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, j.Status)
	assert.Equal(t, "gpt-4o-mini", j.ModelName)
	assert.Nil(t, j.InputTokens)

	require.NoError(t, s.CompleteJob(ctx, id, model.JobOutcome{
		InputTokens: ptr(10), OutputTokens: ptr(5), Cost: ptr(0.5), DurationMS: 12,
	}))
	j, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, j.Status)
	require.NotNil(t, j.InputTokens)
	assert.Equal(t, 10, *j.InputTokens)
	require.NotNil(t, j.DurationMS)
	assert.Equal(t, int64(12), *j.DurationMS)

	err = s.FailJob(ctx, id, model.JobOutcome{ErrorMessage: "late"})
	assert.True(t, errors.Is(err, storage.ErrJobFinalized), "got %v", err)

	err = s.CompleteJob(ctx, uuid.New(), model.JobOutcome{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListJobsAndCostSummary(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	p, m := seed(ctx, t, s, "openai", model.ProviderOpenAI, "gpt-4o-mini", true)

	base := time.Now().UTC().Add(-time.Hour)
	var wg sync.WaitGroup
	for i := range 6 {
		wg.Go(func() {
			id := uuid.New()
			assert.NoError(t, s.OpenJob(ctx, model.Job{
				ID: id, Agent: "answer", ProviderID: p.ID, ModelID: m.ID,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
			if i%3 == 0 {
				assert.NoError(t, s.FailJob(ctx, id, model.JobOutcome{ErrorMessage: "boom"}))
				return
			}
			assert.NoError(t, s.CompleteJob(ctx, id, model.JobOutcome{
				InputTokens: ptr(100), OutputTokens: ptr(50), Cost: ptr(0.25),
			}))
		})
	}
	wg.Wait()

	all, err := s.ListJobs(ctx, model.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.True(t, all[0].CreatedAt.After(all[5].CreatedAt))

	failed, err := s.ListJobs(ctx, model.JobFilter{Status: model.JobError})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	since := base.Add(150 * time.Second)
	recent, err := s.ListJobs(ctx, model.JobFilter{Since: &since, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	sum, err := s.CostSummary(ctx, nil)
	require.NoError(t, err)
	require.Len(t, sum, 1)
	assert.Equal(t, int64(6), sum[0].Calls)
	assert.Equal(t, int64(2), sum[0].Errors)
	assert.Equal(t, int64(400), sum[0].InputTokens)
	assert.Equal(t, int64(200), sum[0].OutputTokens)
	assert.InDelta(t, 1.0, sum[0].Cost, 1e-9)

	later, err := s.CostSummary(ctx, &since)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, int64(3), later[0].Calls)
}
