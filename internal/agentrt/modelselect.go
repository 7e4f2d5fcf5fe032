package agentrt

import (
	"fmt"
	"strings"

	"github.com/hiverun/hive/internal/hiveerr"
)

// ModelSelection is the resolved {providerId, modelId} pair, where
// modelId is always a catalog key (never an alias), per spec §4.5.2.
type ModelSelection struct {
	ProviderID string
	ModelID    string
}

// candidate is a caller-supplied {providerId?, modelId} pair awaiting
// resolution against the catalog.
type candidate struct {
	providerID string
	modelID    string
}

func (c candidate) empty() bool { return c.modelID == "" }

// resolve looks up c against the catalog per spec §4.5.2's candidate
// resolution rule: if providerId is supplied, only that provider is
// checked; its models map is searched both by key and by each model's
// own id. If providerId is absent, providers are scanned in catalog
// order for the first match.
func resolve(catalog ProviderCatalog, c candidate) (ModelSelection, bool) {
	if c.empty() {
		return ModelSelection{}, false
	}
	if c.providerID != "" {
		for _, p := range catalog.Providers {
			if p.ID != c.providerID {
				continue
			}
			if key, ok := matchModel(p, c.modelID); ok {
				return ModelSelection{ProviderID: p.ID, ModelID: key}, true
			}
			return ModelSelection{}, false
		}
		return ModelSelection{}, false
	}

	for _, p := range catalog.Providers {
		if key, ok := matchModel(p, c.modelID); ok {
			return ModelSelection{ProviderID: p.ID, ModelID: key}, true
		}
	}
	return ModelSelection{}, false
}

func matchModel(p Provider, modelID string) (string, bool) {
	if _, ok := p.Models[modelID]; ok {
		return modelID, true
	}
	for key, m := range p.Models {
		if m.ID == modelID {
			return key, true
		}
	}
	return "", false
}

// SelectModel runs the four-step resolution order of spec §4.5.2:
// explicit override, template agent config, workspace default (only if
// its provider matches), then the first catalog provider's default (or
// first model).
func SelectModel(catalog ProviderCatalog, explicit, persistedOverride, agentConfig, workspaceDefault candidate) (ModelSelection, error) {
	override := explicit
	if override.empty() {
		override = persistedOverride
	}
	if !override.empty() {
		sel, ok := resolve(catalog, override)
		if !ok {
			return ModelSelection{}, hiveerr.ModelOverrideInvalid(
				fmt.Sprintf("Selected model override is invalid: %s", describeUnresolved(catalog, override)))
		}
		return sel, nil
	}

	if sel, ok := resolve(catalog, agentConfig); ok {
		return sel, nil
	}

	// Workspace default only applies if it doesn't contradict a provider
	// the template's agent config already pinned (agentConfig.providerID
	// set but its model didn't resolve).
	if agentConfig.providerID == "" || workspaceDefault.providerID == "" || workspaceDefault.providerID == agentConfig.providerID {
		if sel, ok := resolve(catalog, workspaceDefault); ok {
			return sel, nil
		}
	}

	return defaultSelection(catalog), nil
}

// defaultSelection picks the first catalog provider's default model, or,
// if it has no declared default, one of its models taken from map
// iteration (which model is not fixed).
func defaultSelection(catalog ProviderCatalog) ModelSelection {
	if len(catalog.Providers) == 0 {
		return ModelSelection{}
	}
	first := catalog.Providers[0]
	if modelID, ok := catalog.Defaults[first.ID]; ok {
		if _, exists := first.Models[modelID]; exists {
			return ModelSelection{ProviderID: first.ID, ModelID: modelID}
		}
	}
	for key := range first.Models {
		return ModelSelection{ProviderID: first.ID, ModelID: key}
	}
	return ModelSelection{ProviderID: first.ID}
}

// describeUnresolved renders the "model X is unavailable for provider Y.
// Available models: ..." sentence spec §8 example 6 specifies verbatim.
func describeUnresolved(catalog ProviderCatalog, c candidate) string {
	var providers []Provider
	if c.providerID != "" {
		for _, p := range catalog.Providers {
			if p.ID == c.providerID {
				providers = []Provider{p}
			}
		}
	} else {
		providers = catalog.Providers
	}

	var available []string
	for _, p := range providers {
		for key := range p.Models {
			available = append(available, key)
		}
	}

	subject := "provider"
	if c.providerID == "" {
		subject = "any provider"
	}
	if len(available) == 0 {
		return fmt.Sprintf("model %q is unavailable for %s %q. No models are available. Refresh the model catalog and try again.", c.modelID, subject, c.providerID)
	}
	return fmt.Sprintf("model %q is unavailable for %s %q. Available models: %s. Refresh the model catalog and try again.",
		c.modelID, subject, c.providerID, strings.Join(available, ", "))
}
