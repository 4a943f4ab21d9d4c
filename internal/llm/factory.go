package llm

import (
	"fmt"
	"strings"

	"github.com/klumzie/MasterStack/internal/config"
)

// NewProvider creates the LLM provider for the active provider config.
// Providers are wrapped with automatic retry for rate limits (429) and
// transient errors.
func NewProvider(cfg *config.Config) (Provider, error) {
	provider, err := newProviderInternal(cfg)
	if err != nil {
		return nil, err
	}
	return WrapWithRetry(provider, DefaultRetryConfig()), nil
}

// NewProviderByName creates a provider by name from the config.
// Useful for per-request provider overrides.
func NewProviderByName(cfg *config.Config, name string) (Provider, error) {
	providerCfg, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	provider, err := createProviderFromConfig(name, &providerCfg)
	if err != nil {
		return nil, err
	}
	return WrapWithRetry(provider, DefaultRetryConfig()), nil
}

func newProviderInternal(cfg *config.Config) (Provider, error) {
	providerCfg, ok := cfg.Providers[cfg.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", cfg.DefaultProvider)
	}
	return createProviderFromConfig(cfg.DefaultProvider, &providerCfg)
}

// createProviderFromConfig creates a provider from a ProviderConfig.
func createProviderFromConfig(name string, cfg *config.ProviderConfig) (Provider, error) {
	providerType := config.InferProviderType(name, cfg.Type)

	switch providerType {
	case config.ProviderTypeAnthropic:
		return NewAnthropicProvider(cfg.APIKey, cfg.Model)

	case config.ProviderTypeOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("provider %q requires an API key (set OPENAI_API_KEY or api_key in config)", name)
		}
		return NewOpenAIProvider(cfg.APIKey, cfg.Model), nil

	case config.ProviderTypeOpenAICompat:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider %q requires base_url", name)
		}
		// Use provider name as display name, with first letter capitalized.
		displayName := strings.ToUpper(name[:1]) + name[1:]
		return NewOpenAICompatProvider(cfg.BaseURL, cfg.APIKey, cfg.Model, displayName), nil

	default:
		return nil, fmt.Errorf("unknown provider type: %s", providerType)
	}
}
