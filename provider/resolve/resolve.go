// Package resolve builds and owns LLM provider instances, keyed by name.
package resolve

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/calderahq/caldera"
	"github.com/calderahq/caldera/provider/anthropic"
	"github.com/calderahq/caldera/provider/openaicompat"
)

// Config is provider-agnostic configuration for one chat provider.
type Config struct {
	// Provider is "anthropic" or any OpenAI-compatible vendor name:
	// "openai", "groq", "deepseek", "together", "mistral", "ollama".
	Provider string
	APIKey   string
	Model    string
	// BaseURL overrides the vendor default; required for unlisted
	// OpenAI-compatible vendors.
	BaseURL string
}

// New creates one provider from its config. Unknown names get an
// OpenAI-compatible provider, which covers most vendors.
func New(cfg Config) caldera.LLMProvider {
	switch cfg.Provider {
	case "anthropic":
		var opts []anthropic.Option
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(cfg.APIKey, cfg.Model, opts...)
	default:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(cfg.Provider)
		}
		return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL,
			openaicompat.WithName(cfg.Provider))
	}
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

// Registry owns provider instances built at startup and resolves them by
// name. Lookup by an unknown name falls back to "openai" when registered,
// else any registered provider, with a warning either way.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]caldera.LLMProvider
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets a structured logger for fallback warnings.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry builds a registry from configs. Later configs with the same
// provider name replace earlier ones.
func NewRegistry(configs []Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		providers: make(map[string]caldera.LLMProvider),
		logger:    caldera.NopLogger(),
	}
	for _, o := range opts {
		o(r)
	}
	for _, cfg := range configs {
		r.providers[cfg.Provider] = New(cfg)
	}
	return r
}

// Register adds or replaces a provider instance.
func (r *Registry) Register(p caldera.LLMProvider) {
	r.mu.Lock()
	r.providers[p.Name()] = p
	r.mu.Unlock()
}

// Resolve returns the provider registered under name. An empty or unknown
// name falls back to "openai" when present, else the first registered
// provider in name order.
func (r *Registry) Resolve(name string) (caldera.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	if len(r.providers) == 0 {
		return nil, caldera.BadRequest("no llm providers configured")
	}

	if p, ok := r.providers["openai"]; ok {
		if name != "" {
			r.logger.Warn("unknown provider, falling back to openai", "requested", name)
		}
		return p, nil
	}

	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	fallback := names[0]
	if name != "" {
		r.logger.Warn("unknown provider, falling back", "requested", name, "using", fallback)
	}
	return r.providers[fallback], nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Compile-time interface check.
var _ caldera.ProviderResolver = (*Registry)(nil)
