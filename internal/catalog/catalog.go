// Package catalog seeds AI providers and models from a YAML file.
//
//	providers:
//	  - name: openai
//	    provider_type: OpenAI
//	    api_key: ${OPENAI_API_KEY}
//	    models:
//	      - model_id: gpt-4o-mini
//	        input_price_per_1m: 0.15
//	        output_price_per_1m: 0.60
//
// Values of the form ${VAR} are expanded from the environment so keys never
// have to be committed.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/perculacms/pagecontext/internal/model"
)

// Writer persists catalog rows. Both ledger backends implement it.
type Writer interface {
	UpsertProvider(ctx context.Context, p model.AIProvider) (model.AIProvider, error)
	UpsertModel(ctx context.Context, m model.AIModel) (model.AIModel, error)
}

// File is a parsed catalog file.
type File struct {
	Providers []Provider `yaml:"providers"`
}

// Provider is one provider account and the models it offers.
type Provider struct {
	Name           string  `yaml:"name"`
	ProviderType   string  `yaml:"provider_type"`
	APIKey         string  `yaml:"api_key"`
	OrganizationID string  `yaml:"organization_id"`
	BaseURL        string  `yaml:"base_url"`
	Active         *bool   `yaml:"active"`
	Models         []Model `yaml:"models"`
}

// Model is one model row. Prices are per million tokens.
type Model struct {
	ModelID          string   `yaml:"model_id"`
	InputPricePer1M  *float64 `yaml:"input_price_per_1m"`
	OutputPricePer1M *float64 `yaml:"output_price_per_1m"`
	Active           *bool    `yaml:"active"`
}

// Result counts what Seed wrote.
type Result struct {
	Providers int `json:"providers"`
	Models    int `json:"models"`
}

var knownTypes = []string{model.ProviderOpenAI, model.ProviderGemini, model.ProviderOllama}

// Load reads and validates a catalog file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a catalog document, expanding ${VAR} references, and checks
// every entry. All problems are reported together.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return File{}, fmt.Errorf("catalog: parse: %w", err)
	}
	if err := f.validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f File) validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, p := range f.Providers {
		switch {
		case strings.TrimSpace(p.Name) == "":
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if !slices.Contains(knownTypes, p.ProviderType) {
			errs = append(errs, fmt.Errorf("providers[%d]: unknown provider_type %q (want one of %s)",
				i, p.ProviderType, strings.Join(knownTypes, ", ")))
		}
		for j, m := range p.Models {
			if strings.TrimSpace(m.ModelID) == "" {
				errs = append(errs, fmt.Errorf("providers[%d].models[%d]: model_id is required", i, j))
			}
			for _, price := range []*float64{m.InputPricePer1M, m.OutputPricePer1M} {
				if price != nil && *price < 0 {
					errs = append(errs, fmt.Errorf("providers[%d].models[%d]: prices must not be negative", i, j))
					break
				}
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("catalog: %w: %w", model.ErrValidation, err)
	}
	return nil
}

// Seed upserts every provider and model in f. Providers are keyed by name and
// models by (provider, model_id), so seeding the same file twice is a no-op.
func Seed(ctx context.Context, w Writer, f File) (Result, error) {
	var res Result
	for _, p := range f.Providers {
		var org *string
		if p.OrganizationID != "" {
			org = &p.OrganizationID
		}
		saved, err := w.UpsertProvider(ctx, model.AIProvider{
			Name:           p.Name,
			ProviderType:   p.ProviderType,
			APIKey:         p.APIKey,
			OrganizationID: org,
			BaseURL:        p.BaseURL,
			IsActive:       enabled(p.Active),
		})
		if err != nil {
			return res, fmt.Errorf("catalog: seed provider %q: %w", p.Name, err)
		}
		res.Providers++

		for _, m := range p.Models {
			if _, err := w.UpsertModel(ctx, model.AIModel{
				ProviderID:       saved.ID,
				ModelID:          m.ModelID,
				InputPricePer1M:  m.InputPricePer1M,
				OutputPricePer1M: m.OutputPricePer1M,
				Active:           enabled(m.Active),
			}); err != nil {
				return res, fmt.Errorf("catalog: seed model %s/%s: %w", p.Name, m.ModelID, err)
			}
			res.Models++
		}
	}
	return res, nil
}

func enabled(b *bool) bool { return b == nil || *b }
