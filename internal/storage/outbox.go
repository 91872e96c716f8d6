package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/perculacms/pagecontext/internal/model"
)

// EnqueueDocument queues a document write for the outbox worker and returns
// the entry id. op is "upsert" or "delete"; deletes only need the key.
func (db *DB) EnqueueDocument(ctx context.Context, op string, doc model.Document) (int64, error) {
	if err := doc.Validate(); err != nil {
		return 0, err
	}
	var body []byte
	if op == "upsert" {
		var err error
		if body, err = json.Marshal(doc); err != nil {
			return 0, fmt.Errorf("storage: marshal document: %w", err)
		}
	}
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO document_outbox (operation, source_type, source_id, document)
		 VALUES ($1, $2, $3, $4::jsonb)
		 RETURNING id`,
		op, doc.SourceType, doc.SourceID, body,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage: enqueue %s %s:%s: %w", op, doc.SourceType, doc.SourceID, err)
	}
	return id, nil
}
