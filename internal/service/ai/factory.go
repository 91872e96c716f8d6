package ai

import (
	"fmt"
	"net/http"

	"github.com/perculacms/pagecontext/internal/model"
)

// Factory builds a Provider for a resolved catalog entry.
type Factory func(m model.ActiveModel) (Provider, error)

// HTTPFactory returns the Factory for the built-in HTTP providers, keyed by
// provider type. A nil client uses a shared client with a two minute timeout.
func HTTPFactory(client *http.Client) Factory {
	if client == nil {
		client = defaultHTTPClient
	}
	return func(m model.ActiveModel) (Provider, error) {
		p := m.Provider
		switch p.ProviderType {
		case model.ProviderOpenAI:
			var org string
			if p.OrganizationID != nil {
				org = *p.OrganizationID
			}
			return NewOpenAI(p.APIKey, org, m.Model.ModelID, p.BaseURL, client), nil
		case model.ProviderGemini:
			return NewGemini(p.APIKey, m.Model.ModelID, p.BaseURL, client), nil
		case model.ProviderOllama:
			return NewOllama(m.Model.ModelID, p.BaseURL, client), nil
		}
		return nil, fmt.Errorf("ai: provider type %q: %w", p.ProviderType, model.ErrServiceNotConfigured)
	}
}
