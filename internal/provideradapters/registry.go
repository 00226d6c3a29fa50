package provideradapters

import (
	"github.com/g960059/agtmux/internal/providerconfig"
	"github.com/g960059/agtmux/internal/stateengine"
)

type Registry struct {
	adapters []stateengine.ProviderAdapter
}

func NewRegistry(adapters ...stateengine.ProviderAdapter) *Registry {
	filtered := make([]stateengine.ProviderAdapter, 0, len(adapters))
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		filtered = append(filtered, adapter)
	}
	return &Registry{adapters: filtered}
}

// DefaultRegistry builds a registry from the compiled-in provider
// signal defaults.
func DefaultRegistry() *Registry {
	return RegistryFromConfig(providerconfig.Defaults())
}

// RegistryFromConfig builds a registry from a loaded provider config,
// falling back to compiled-in defaults for any provider the config
// doesn't cover.
func RegistryFromConfig(cfg providerconfig.Config) *Registry {
	defaults := providerconfig.Defaults()
	signalsFor := func(id string) providerconfig.ProviderSignals {
		if s, ok := cfg[id]; ok {
			return s
		}
		return defaults[id]
	}
	return NewRegistry(
		NewClaudeAdapter(signalsFor(stateengine.ProviderClaude)),
		NewCodexAdapter(signalsFor(stateengine.ProviderCodex)),
		NewGeminiAdapter(signalsFor(stateengine.ProviderGemini)),
		NewCopilotAdapter(signalsFor(stateengine.ProviderCopilot)),
	)
}

func (r *Registry) Adapters() []stateengine.ProviderAdapter {
	if r == nil {
		return nil
	}
	return append([]stateengine.ProviderAdapter(nil), r.adapters...)
}
