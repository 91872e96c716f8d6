package storage_test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/storage"
	"github.com/perculacms/pagecontext/internal/testutil"
	"github.com/perculacms/pagecontext/migrations"
)

// testDB holds a shared test database connection. It stays nil under -short.
var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()
	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test db: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	db.Close()
	tc.Terminate()
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("integration test: requires Docker (run without -short)")
	}
}

func ptr[T any](v T) *T { return &v }

// seedModel creates a uniquely named provider with one model.
func seedModel(ctx context.Context, t *testing.T, providerType, modelID string, active bool) (model.AIProvider, model.AIModel) {
	t.Helper()
	p, err := testDB.UpsertProvider(ctx, model.AIProvider{
		Name:         providerType + "-" + uuid.NewString()[:8],
		ProviderType: providerType,
		APIKey:       "key",
		IsActive:     true,
	})
	require.NoError(t, err)
	m, err := testDB.UpsertModel(ctx, model.AIModel{
		ProviderID:       p.ID,
		ModelID:          modelID,
		InputPricePer1M:  ptr(2.0),
		OutputPricePer1M: ptr(6.0),
		Active:           active,
	})
	require.NoError(t, err)
	return p, m
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	requireDB(t)
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestActiveModelsOrderAndFilter(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	_, first := seedModel(ctx, t, "OpenAI", "gpt-order-1", true)
	_, inactive := seedModel(ctx, t, "OpenAI", "gpt-order-2", false)
	_, last := seedModel(ctx, t, "Gemini", "gemini-order-3", true)

	models, err := testDB.ActiveModels(ctx)
	require.NoError(t, err)

	pos := map[uuid.UUID]int{}
	for i, am := range models {
		pos[am.Model.ID] = i
		assert.True(t, am.Model.Active)
		assert.True(t, am.Provider.IsActive)
	}
	require.Contains(t, pos, first.ID)
	require.Contains(t, pos, last.ID)
	assert.NotContains(t, pos, inactive.ID)
	assert.Less(t, pos[first.ID], pos[last.ID])

	am := models[pos[first.ID]]
	require.NotNil(t, am.Model.InputPricePer1M)
	assert.InDelta(t, 2.0, *am.Model.InputPricePer1M, 1e-9)
}

func TestUpsertProviderByName(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	name := "prov-" + uuid.NewString()[:8]
	a, err := testDB.UpsertProvider(ctx, model.AIProvider{Name: name, ProviderType: "OpenAI", IsActive: true})
	require.NoError(t, err)
	b, err := testDB.UpsertProvider(ctx, model.AIProvider{Name: name, ProviderType: "OpenAI", APIKey: "rotated", IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	got, err := testDB.GetProviderByName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.APIKey)

	_, err = testDB.GetProviderByName(ctx, "missing-"+name)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestJobLifecycle(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	p, m := seedModel(ctx, t, "OpenAI", "gpt-jobs", true)

	id := uuid.New()
	require.NoError(t, testDB.OpenJob(ctx, model.Job{
		ID: id, Agent: "rag", ProviderID: p.ID, ModelID: m.ID, ClientIP: ptr("10.0.0.1"),
	}))

	j, err := testDB.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, j.Status)
	assert.Equal(t, "gpt-jobs", j.ModelName)

	require.NoError(t, testDB.CompleteJob(ctx, id, model.JobOutcome{
		InputTokens: ptr(1_000_000), OutputTokens: ptr(1_000_000), Cost: ptr(8.0), DurationMS: 120,
	}))
	j, err = testDB.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, j.Status)
	require.NotNil(t, j.Cost)
	assert.InDelta(t, 8.0, *j.Cost, 1e-9)
	require.NotNil(t, j.DurationMS)
	assert.Equal(t, int64(120), *j.DurationMS)

	// Finalization happens exactly once.
	err = testDB.FailJob(ctx, id, model.JobOutcome{ErrorMessage: "late"})
	assert.True(t, errors.Is(err, storage.ErrJobFinalized))
	j, err = testDB.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, j.Status)
	assert.Nil(t, j.ErrorMessage)

	err = testDB.CompleteJob(ctx, uuid.New(), model.JobOutcome{})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestJobFailureRecordsMessage(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	p, m := seedModel(ctx, t, "Gemini", "gemini-fail", true)

	id := uuid.New()
	require.NoError(t, testDB.OpenJob(ctx, model.Job{ID: id, Agent: "fail-agent", ProviderID: p.ID, ModelID: m.ID}))
	require.NoError(t, testDB.FailJob(ctx, id, model.JobOutcome{DurationMS: 9, ErrorMessage: "quota exceeded"}))

	j, err := testDB.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobError, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Equal(t, "quota exceeded", *j.ErrorMessage)
	assert.Nil(t, j.Cost)
}

func TestConcurrentJobWrites(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	p, m := seedModel(ctx, t, "OpenAI", "gpt-concurrent", true)
	agent := "concurrent-" + uuid.NewString()[:8]

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Go(func() {
			id := uuid.New()
			if err := testDB.OpenJob(ctx, model.Job{ID: id, Agent: agent, ProviderID: p.ID, ModelID: m.ID}); err != nil {
				errs[i] = err
				return
			}
			errs[i] = testDB.CompleteJob(ctx, id, model.JobOutcome{InputTokens: ptr(10), OutputTokens: ptr(5), Cost: ptr(0.001)})
		})
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	jobs, err := testDB.ListJobs(ctx, model.JobFilter{Agent: agent, Status: model.JobCompleted, Limit: 50})
	require.NoError(t, err)
	assert.Len(t, jobs, 20)

	since := time.Now().Add(-time.Hour)
	summary, err := testDB.CostSummary(ctx, &since)
	require.NoError(t, err)
	var found bool
	for _, s := range summary {
		if s.Agent == agent {
			found = true
			assert.Equal(t, int64(20), s.Calls)
			assert.Equal(t, int64(200), s.InputTokens)
			assert.InDelta(t, 0.02, s.Cost, 1e-9)
		}
	}
	assert.True(t, found)
}

func TestEnqueueDocument(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	id, err := testDB.EnqueueDocument(ctx, "upsert", model.Document{SourceType: "page", SourceID: "q1", Title: "T"})
	require.NoError(t, err)
	assert.Positive(t, id)

	var op string
	var doc []byte
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT operation, document FROM document_outbox WHERE id = $1`, id).Scan(&op, &doc))
	assert.Equal(t, "upsert", op)
	assert.Contains(t, string(doc), `"title": "T"`)

	_, err = testDB.EnqueueDocument(ctx, "delete", model.Document{SourceType: "page"})
	assert.True(t, errors.Is(err, model.ErrValidation))
}
