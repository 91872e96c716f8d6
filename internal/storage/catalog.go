package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/perculacms/pagecontext/internal/model"
)

// ActiveModels returns every active model of an active provider, in model
// creation order.
func (db *DB) ActiveModels(ctx context.Context) ([]model.ActiveModel, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT p.id, p.name, p.provider_type, p.api_key, p.organization_id, p.base_url, p.is_active, p.created_at,
		        m.id, m.provider_id, m.model_id, m.input_price_per_1m, m.output_price_per_1m, m.active, m.created_at
		 FROM ai_models m
		 JOIN ai_providers p ON p.id = m.provider_id
		 WHERE p.is_active AND m.active
		 ORDER BY m.seq ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query active models: %w", err)
	}
	defer rows.Close()

	var out []model.ActiveModel
	for rows.Next() {
		var am model.ActiveModel
		p, m := &am.Provider, &am.Model
		if err := rows.Scan(
			&p.ID, &p.Name, &p.ProviderType, &p.APIKey, &p.OrganizationID, &p.BaseURL, &p.IsActive, &p.CreatedAt,
			&m.ID, &m.ProviderID, &m.ModelID, &m.InputPricePer1M, &m.OutputPricePer1M, &m.Active, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan active model: %w", err)
		}
		out = append(out, am)
	}
	return out, rows.Err()
}

// UpsertProvider creates or updates a provider, keyed by name.
func (db *DB) UpsertProvider(ctx context.Context, p model.AIProvider) (model.AIProvider, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO ai_providers (id, name, provider_type, api_key, organization_id, base_url, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE
		 SET provider_type = EXCLUDED.provider_type,
		     api_key = EXCLUDED.api_key,
		     organization_id = EXCLUDED.organization_id,
		     base_url = EXCLUDED.base_url,
		     is_active = EXCLUDED.is_active
		 RETURNING id, created_at`,
		p.ID, p.Name, p.ProviderType, p.APIKey, p.OrganizationID, p.BaseURL, p.IsActive,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return model.AIProvider{}, fmt.Errorf("storage: upsert provider %q: %w", p.Name, err)
	}
	return p, nil
}

// UpsertModel creates or updates a model, keyed by (provider, model id).
func (db *DB) UpsertModel(ctx context.Context, m model.AIModel) (model.AIModel, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO ai_models (id, provider_id, model_id, input_price_per_1m, output_price_per_1m, active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (provider_id, model_id) DO UPDATE
		 SET input_price_per_1m = EXCLUDED.input_price_per_1m,
		     output_price_per_1m = EXCLUDED.output_price_per_1m,
		     active = EXCLUDED.active
		 RETURNING id, created_at`,
		m.ID, m.ProviderID, m.ModelID, m.InputPricePer1M, m.OutputPricePer1M, m.Active,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return model.AIModel{}, fmt.Errorf("storage: upsert model %q: %w", m.ModelID, err)
	}
	return m, nil
}

// GetProviderByName returns the named provider.
func (db *DB) GetProviderByName(ctx context.Context, name string) (model.AIProvider, error) {
	var p model.AIProvider
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, provider_type, api_key, organization_id, base_url, is_active, created_at
		 FROM ai_providers WHERE name = $1`, name,
	).Scan(&p.ID, &p.Name, &p.ProviderType, &p.APIKey, &p.OrganizationID, &p.BaseURL, &p.IsActive, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AIProvider{}, fmt.Errorf("storage: provider %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return model.AIProvider{}, fmt.Errorf("storage: get provider %q: %w", name, err)
	}
	return p, nil
}
