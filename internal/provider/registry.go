package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/opencode-ai/sessioncore/internal/logging"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

// Registry manages the configured providers and picks the ones used for
// chat and for small utility prompts.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	main      Provider
	small     Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider to the registry. The first registered provider
// becomes the default until SetDefault is called.
func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.ID()] = provider
	if r.main == nil {
		r.main = provider
	}
}

// Get retrieves a provider by ID.
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", providerID)
	}
	return provider, nil
}

// List returns all registered providers sorted by ID.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].ID() < providers[j].ID() })
	return providers
}

// SetDefault selects the provider used for chat.
func (r *Registry) SetDefault(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.main = p
}

// SetSmall selects the provider used for titles, followups and
// classification.
func (r *Registry) SetSmall(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.small = p
}

// Default returns the chat provider.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.main == nil {
		return nil, fmt.Errorf("no providers configured")
	}
	return r.main, nil
}

// Small returns the utility provider, falling back to the chat provider.
func (r *Registry) Small() (Provider, error) {
	r.mu.RLock()
	small := r.small
	r.mu.RUnlock()
	if small != nil {
		return small, nil
	}
	return r.Default()
}

// ParseModelString parses "provider/model" format.
func ParseModelString(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}

type builder func(ctx context.Context, id string, cfg types.ProviderConfig, modelID string) (Provider, error)

var builders = map[string]builder{
	"anthropic": func(ctx context.Context, id string, cfg types.ProviderConfig, modelID string) (Provider, error) {
		return NewAnthropicProvider(ctx, &AnthropicConfig{
			ID:        id,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     modelID,
			MaxTokens: cfg.MaxTokens,
		})
	},
	"openai": func(ctx context.Context, id string, cfg types.ProviderConfig, modelID string) (Provider, error) {
		return NewOpenAIProvider(ctx, &OpenAIConfig{
			ID:        id,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     modelID,
			MaxTokens: cfg.MaxTokens,
		})
	},
	"ark": func(ctx context.Context, _ string, cfg types.ProviderConfig, modelID string) (Provider, error) {
		return NewArkProvider(ctx, &ArkConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     modelID,
			MaxTokens: cfg.MaxTokens,
		})
	},
}

// builderFor maps a provider id to its vendor. Unknown ids with a base URL
// are treated as OpenAI-compatible endpoints.
func builderFor(id string, cfg types.ProviderConfig) (builder, bool) {
	if b, ok := builders[id]; ok {
		return b, true
	}
	if id == "claude" {
		return builders["anthropic"], true
	}
	if cfg.BaseURL != "" {
		return builders["openai"], true
	}
	return nil, false
}

// InitializeProviders creates and registers every enabled provider from
// config. Providers that fail to initialize are logged and skipped.
func InitializeProviders(ctx context.Context, config *types.Config) (*Registry, error) {
	registry := NewRegistry()
	if config == nil {
		return registry, nil
	}
	log := logging.Component("provider")

	mainProvider, mainModel := ParseModelString(config.Model)
	smallProvider, smallModel := ParseModelString(config.SmallModel)

	ids := make([]string, 0, len(config.Provider))
	for id := range config.Provider {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cfg := config.Provider[id]
		if cfg.Disable {
			continue
		}
		build, ok := builderFor(id, cfg)
		if !ok {
			log.Warn().Str("provider", id).Msg("unknown provider, skipping")
			continue
		}

		modelID := cfg.Model
		if id == mainProvider && mainModel != "" {
			modelID = mainModel
		}
		p, err := build(ctx, id, cfg, modelID)
		if err != nil {
			log.Warn().Err(err).Str("provider", id).Msg("failed to initialize provider")
			continue
		}
		registry.Register(p)
		if id == mainProvider {
			registry.SetDefault(p)
		}

		if id == smallProvider && smallModel != "" {
			if smallModel == p.Model() {
				registry.SetSmall(p)
				continue
			}
			small, err := build(ctx, id, cfg, smallModel)
			if err != nil {
				log.Warn().Err(err).Str("provider", id).Msg("failed to initialize small model")
				continue
			}
			registry.SetSmall(small)
		}
	}

	if mainProvider != "" {
		if _, err := registry.Get(mainProvider); err != nil {
			return registry, fmt.Errorf("configured model %q: %w", config.Model, err)
		}
	}
	return registry, nil
}
