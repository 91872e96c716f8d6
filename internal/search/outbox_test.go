package search

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perculacms/pagecontext/internal/model"
)

// recordingStore is a Store that records writes in memory.
type recordingStore struct {
	mu       sync.Mutex
	upserted []model.Document
	deleted  []string
	err      error
}

func (s *recordingStore) Upsert(_ context.Context, doc model.Document) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return uuid.Nil, s.err
	}
	s.upserted = append(s.upserted, doc)
	return ObjectID(doc.SourceType, doc.SourceID), nil
}

func (s *recordingStore) Delete(_ context.Context, sourceType, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, sourceType+":"+sourceID)
	return nil
}

func (s *recordingStore) Query(context.Context, string, int, map[string]string) ([]model.RetrievalHit, error) {
	return nil, nil
}

func (s *recordingStore) SemanticQuery(context.Context, string, int) ([]model.RetrievalHit, error) {
	return nil, nil
}

func TestMaxOutboxAttempts(t *testing.T) {
	assert.Equal(t, 10, maxOutboxAttempts)
}

func TestOutboxApply(t *testing.T) {
	store := &recordingStore{}
	w := NewOutboxWorker(nil, store, testLogger(), time.Second, 10)
	ctx := context.Background()

	body, err := json.Marshal(model.Document{SourceType: "page", SourceID: "9", Title: "Queued"})
	require.NoError(t, err)

	require.NoError(t, w.apply(ctx, outboxEntry{Operation: OpUpsert, Document: body}))
	require.NoError(t, w.apply(ctx, outboxEntry{Operation: OpDelete, SourceType: "page", SourceID: "3"}))

	require.Len(t, store.upserted, 1)
	assert.Equal(t, "Queued", store.upserted[0].Title)
	assert.Equal(t, []string{"page:3"}, store.deleted)

	assert.Error(t, w.apply(ctx, outboxEntry{Operation: "rename"}))
	assert.Error(t, w.apply(ctx, outboxEntry{Operation: OpUpsert, Document: []byte("{")}))
}

func TestOutboxProcessBatchNotWired(t *testing.T) {
	w := NewOutboxWorker(nil, nil, testLogger(), time.Second, 10)
	w.processBatch(context.Background())
}

func TestOutboxDrainWithoutStart(t *testing.T) {
	w := NewOutboxWorker(nil, &recordingStore{}, testLogger(), time.Second, 10)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Drain(ctx)
	assert.NoError(t, ctx.Err())
}
