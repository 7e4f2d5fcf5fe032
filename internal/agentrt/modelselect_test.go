package agentrt

import (
	"testing"

	"github.com/hiverun/hive/internal/hiveerr"
	"github.com/stretchr/testify/require"
)

func sampleCatalog() ProviderCatalog {
	return ProviderCatalog{
		Providers: []Provider{
			{ID: "anthropic", Models: map[string]Model{
				"claude-sonnet": {ID: "claude-sonnet-4"},
				"claude-haiku":  {ID: "claude-haiku-4"},
			}},
			{ID: "openai", Models: map[string]Model{
				"gpt-5": {ID: "gpt-5"},
			}},
		},
		Defaults: map[string]string{"anthropic": "claude-sonnet"},
	}
}

func TestSelectModelExplicitOverrideWins(t *testing.T) {
	catalog := sampleCatalog()
	explicit := candidate{providerID: "openai", modelID: "gpt-5"}

	sel, err := SelectModel(catalog, explicit, candidate{}, candidate{providerID: "anthropic", modelID: "claude-sonnet"}, candidate{})
	require.NoError(t, err)
	require.Equal(t, ModelSelection{ProviderID: "openai", ModelID: "gpt-5"}, sel)
}

func TestSelectModelExplicitOverrideMatchesByAlias(t *testing.T) {
	catalog := sampleCatalog()
	explicit := candidate{providerID: "anthropic", modelID: "claude-sonnet-4"}

	sel, err := SelectModel(catalog, explicit, candidate{}, candidate{}, candidate{})
	require.NoError(t, err)
	require.Equal(t, ModelSelection{ProviderID: "anthropic", ModelID: "claude-sonnet"}, sel)
}

func TestSelectModelInvalidOverrideReturnsError(t *testing.T) {
	catalog := sampleCatalog()
	explicit := candidate{providerID: "anthropic", modelID: "does-not-exist"}

	_, err := SelectModel(catalog, explicit, candidate{}, candidate{}, candidate{})
	require.Error(t, err)
	require.True(t, hiveerr.OfKind(err, hiveerr.KindModelOverrideInvalid))
}

func TestSelectModelFallsBackToAgentConfig(t *testing.T) {
	catalog := sampleCatalog()
	agentConfig := candidate{providerID: "openai", modelID: "gpt-5"}

	sel, err := SelectModel(catalog, candidate{}, candidate{}, agentConfig, candidate{})
	require.NoError(t, err)
	require.Equal(t, ModelSelection{ProviderID: "openai", ModelID: "gpt-5"}, sel)
}

func TestSelectModelWorkspaceDefaultUsedWhenAgentConfigEmpty(t *testing.T) {
	catalog := sampleCatalog()
	workspaceDefault := candidate{providerID: "openai", modelID: "gpt-5"}

	sel, err := SelectModel(catalog, candidate{}, candidate{}, candidate{}, workspaceDefault)
	require.NoError(t, err)
	require.Equal(t, ModelSelection{ProviderID: "openai", ModelID: "gpt-5"}, sel)
}

func TestSelectModelWorkspaceDefaultIgnoredWhenProviderMismatch(t *testing.T) {
	catalog := sampleCatalog()
	agentConfig := candidate{providerID: "anthropic", modelID: "does-not-exist"}
	workspaceDefault := candidate{providerID: "openai", modelID: "gpt-5"}

	sel, err := SelectModel(catalog, candidate{}, candidate{}, agentConfig, workspaceDefault)
	require.NoError(t, err)
	require.Equal(t, ModelSelection{ProviderID: "anthropic", ModelID: "claude-sonnet"}, sel, "falls through to provider default since workspace default's provider doesn't match the pinned provider")
}

func TestSelectModelDefaultsToFirstProviderDefault(t *testing.T) {
	catalog := sampleCatalog()

	sel, err := SelectModel(catalog, candidate{}, candidate{}, candidate{}, candidate{})
	require.NoError(t, err)
	require.Equal(t, ModelSelection{ProviderID: "anthropic", ModelID: "claude-sonnet"}, sel)
}

func TestSelectModelInvalidOverrideMessageMatchesSpecWording(t *testing.T) {
	catalog := ProviderCatalog{
		Providers: []Provider{
			{ID: "opencode", Models: map[string]Model{
				"minimax-m2.1": {ID: "minimax-m2.1"},
			}},
		},
	}
	explicit := candidate{providerID: "opencode", modelID: "gpt-5.2-xhigh"}

	_, err := SelectModel(catalog, explicit, candidate{}, candidate{}, candidate{})
	require.EqualError(t, err,
		`Selected model override is invalid: model "gpt-5.2-xhigh" is unavailable for provider "opencode". Available models: minimax-m2.1. Refresh the model catalog and try again.`)
}

func TestSelectModelPersistedOverrideUsedWhenNoExplicit(t *testing.T) {
	catalog := sampleCatalog()
	persisted := candidate{providerID: "openai", modelID: "gpt-5"}

	sel, err := SelectModel(catalog, candidate{}, persisted, candidate{}, candidate{})
	require.NoError(t, err)
	require.Equal(t, ModelSelection{ProviderID: "openai", ModelID: "gpt-5"}, sel)
}
