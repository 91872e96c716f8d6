// Package search owns the document collection in the external vector store:
// schema lifecycle, deterministic object ids, document writes, keyword and
// semantic queries, and fusion of ranked result lists.
package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/perculacms/pagecontext/internal/model"
)

// Namespace seeds every object id. Changing it orphans all indexed data, so a
// new hashing scheme must ship as a new namespace plus a full reindex.
var Namespace = uuid.MustParse("f47ac10b-58cc-4372-a567-0e02b2c3d479")

// ObjectID returns the deterministic store identifier for a document key:
// a name-based (SHA-1, version 5) UUID of "{sourceType}:{sourceID}".
func ObjectID(sourceType, sourceID string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(sourceType+":"+sourceID))
}

// Store is the document surface of the vector store. Implementations must be
// safe for concurrent use.
type Store interface {
	// Upsert creates or fully overwrites the object for doc's key.
	Upsert(ctx context.Context, doc model.Document) (uuid.UUID, error)

	// Delete removes the object for the key. A missing object is not an error.
	Delete(ctx context.Context, sourceType, sourceID string) error

	// Query runs a keyword-ranked search, best match first. filters is
	// accepted but not applied by schema version 1.
	Query(ctx context.Context, text string, topK int, filters map[string]string) ([]model.RetrievalHit, error)

	// SemanticQuery runs an embedding-similarity search, best match first.
	SemanticQuery(ctx context.Context, text string, topK int) ([]model.RetrievalHit, error)
}

func validateKey(sourceType, sourceID string) error {
	return model.Document{SourceType: sourceType, SourceID: sourceID}.Validate()
}

func validateQuery(text string, topK int) error {
	if text == "" {
		return fmt.Errorf("%w: query text is required", model.ErrValidation)
	}
	if topK <= 0 {
		return fmt.Errorf("%w: top_k must be positive", model.ErrValidation)
	}
	return nil
}
