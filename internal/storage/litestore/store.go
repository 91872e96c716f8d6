// Package litestore is an embedded SQLite implementation of the provider
// catalog and the AI job ledger, for single-node deployments and tests.
package litestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/storage"
)

//go:embed schema.sql
var schema string

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed catalog and ledger.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("litestore: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps an in-memory
	// database alive and shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("litestore: apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// PathFromURL extracts a database path from "sqlite://path" or "file:path"
// URLs. ok is false for any other scheme.
func PathFromURL(raw string) (path string, ok bool) {
	switch {
	case strings.HasPrefix(raw, "sqlite://"):
		return strings.TrimPrefix(raw, "sqlite://"), true
	case strings.HasPrefix(raw, "file:"):
		return strings.TrimPrefix(raw, "file:"), true
	}
	return "", false
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func now() string { return time.Now().UTC().Format(timeLayout) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}

// ActiveModels returns every active model of an active provider, in model
// creation order.
func (s *Store) ActiveModels(ctx context.Context) ([]model.ActiveModel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.name, p.provider_type, p.api_key, p.organization_id, p.base_url, p.is_active, p.created_at,
		        m.id, m.provider_id, m.model_id, m.input_price_per_1m, m.output_price_per_1m, m.active, m.created_at
		 FROM ai_models m
		 JOIN ai_providers p ON p.id = m.provider_id
		 WHERE p.is_active = 1 AND m.active = 1
		 ORDER BY m.seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("litestore: query active models: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ActiveModel
	for rows.Next() {
		var (
			am                  model.ActiveModel
			pCreated, mCreated  string
			pID, mID, mProvider string
			inPrice, outPrice   sql.NullFloat64
			org                 sql.NullString
		)
		p, m := &am.Provider, &am.Model
		if err := rows.Scan(&pID, &p.Name, &p.ProviderType, &p.APIKey, &org, &p.BaseURL, &p.IsActive, &pCreated,
			&mID, &mProvider, &m.ModelID, &inPrice, &outPrice, &m.Active, &mCreated); err != nil {
			return nil, fmt.Errorf("litestore: scan active model: %w", err)
		}
		p.ID, m.ID, m.ProviderID = uuid.MustParse(pID), uuid.MustParse(mID), uuid.MustParse(mProvider)
		p.OrganizationID = nullString(org)
		m.InputPricePer1M, m.OutputPricePer1M = nullFloat(inPrice), nullFloat(outPrice)
		p.CreatedAt, m.CreatedAt = parseTime(pCreated), parseTime(mCreated)
		out = append(out, am)
	}
	return out, rows.Err()
}

// UpsertProvider creates or updates a provider, keyed by name.
func (s *Store) UpsertProvider(ctx context.Context, p model.AIProvider) (model.AIProvider, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	var id, created string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO ai_providers (id, name, provider_type, api_key, organization_id, base_url, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE
		 SET provider_type = excluded.provider_type,
		     api_key = excluded.api_key,
		     organization_id = excluded.organization_id,
		     base_url = excluded.base_url,
		     is_active = excluded.is_active
		 RETURNING id, created_at`,
		p.ID.String(), p.Name, p.ProviderType, p.APIKey, p.OrganizationID, p.BaseURL, p.IsActive, now(),
	).Scan(&id, &created)
	if err != nil {
		return model.AIProvider{}, fmt.Errorf("litestore: upsert provider %q: %w", p.Name, err)
	}
	p.ID, p.CreatedAt = uuid.MustParse(id), parseTime(created)
	return p, nil
}

// UpsertModel creates or updates a model, keyed by (provider, model id).
func (s *Store) UpsertModel(ctx context.Context, m model.AIModel) (model.AIModel, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	var id, created string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO ai_models (id, provider_id, model_id, input_price_per_1m, output_price_per_1m, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider_id, model_id) DO UPDATE
		 SET input_price_per_1m = excluded.input_price_per_1m,
		     output_price_per_1m = excluded.output_price_per_1m,
		     active = excluded.active
		 RETURNING id, created_at`,
		m.ID.String(), m.ProviderID.String(), m.ModelID, m.InputPricePer1M, m.OutputPricePer1M, m.Active, now(),
	).Scan(&id, &created)
	if err != nil {
		return model.AIModel{}, fmt.Errorf("litestore: upsert model %q: %w", m.ModelID, err)
	}
	m.ID, m.CreatedAt = uuid.MustParse(id), parseTime(created)
	return m, nil
}

// GetProviderByName returns the named provider.
func (s *Store) GetProviderByName(ctx context.Context, name string) (model.AIProvider, error) {
	var (
		p           model.AIProvider
		id, created string
		org         sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, provider_type, api_key, organization_id, base_url, is_active, created_at
		 FROM ai_providers WHERE name = ?`, name,
	).Scan(&id, &p.Name, &p.ProviderType, &p.APIKey, &org, &p.BaseURL, &p.IsActive, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AIProvider{}, fmt.Errorf("litestore: provider %q: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return model.AIProvider{}, fmt.Errorf("litestore: get provider %q: %w", name, err)
	}
	p.ID, p.CreatedAt, p.OrganizationID = uuid.MustParse(id), parseTime(created), nullString(org)
	return p, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
