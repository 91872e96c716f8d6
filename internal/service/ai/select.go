package ai

import (
	"fmt"

	"github.com/perculacms/pagecontext/internal/model"
)

// SelectModel resolves a catalog entry from optional hints. models must be
// active and in stable creation order. Rules, first match wins:
//
//  1. providerType and modelID: exact match.
//  2. providerType only: first model of that provider type.
//  3. modelID only: first model with that id; when none has it, rule 4.
//  4. neither: first model of primary, else first model of secondary.
func SelectModel(models []model.ActiveModel, providerType, modelID, primary, secondary string) (model.ActiveModel, error) {
	first := func(match func(model.ActiveModel) bool) (model.ActiveModel, bool) {
		for _, m := range models {
			if m.Provider.IsActive && m.Model.Active && match(m) {
				return m, true
			}
		}
		return model.ActiveModel{}, false
	}

	var (
		m  model.ActiveModel
		ok bool
	)
	switch {
	case providerType != "" && modelID != "":
		m, ok = first(func(c model.ActiveModel) bool {
			return c.Provider.ProviderType == providerType && c.Model.ModelID == modelID
		})
	case providerType != "":
		m, ok = first(func(c model.ActiveModel) bool { return c.Provider.ProviderType == providerType })
	case modelID != "":
		m, ok = first(func(c model.ActiveModel) bool { return c.Model.ModelID == modelID })
	}
	if !ok && providerType == "" {
		m, ok = first(func(c model.ActiveModel) bool { return c.Provider.ProviderType == primary })
		if !ok && secondary != "" {
			m, ok = first(func(c model.ActiveModel) bool { return c.Provider.ProviderType == secondary })
		}
	}
	if !ok {
		return model.ActiveModel{}, fmt.Errorf("ai: no active model for provider %q model %q: %w",
			providerType, modelID, model.ErrServiceNotConfigured)
	}
	return m, nil
}
