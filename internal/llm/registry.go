package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"parley/internal/config"
)

// keylessProviders run locally and need no API key.
var keylessProviders = map[string]bool{"ollama": true, "local": true}

// Registry holds the provider adapters keyed by provider name. Providers that
// could not be built are kept as disabled entries with a reason.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	disabled  map[string]string
}

// NewRegistry builds adapters for every configured provider.
func NewRegistry(ctx context.Context, providers map[string]config.ProviderConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		providers: make(map[string]Provider),
		disabled:  make(map[string]string),
	}
	for name, cfg := range providers {
		p, err := NewProvider(ctx, name, cfg)
		if err != nil {
			r.disabled[name] = err.Error()
			logger.Info("provider disabled", zap.String("provider", name), zap.Error(err))
			continue
		}
		r.providers[name] = p
	}
	return r
}

// NewProvider creates the adapter for name.
func NewProvider(ctx context.Context, name string, cfg config.ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" && !keylessProviders[name] {
		return nil, ErrMissingCredentials
	}
	switch name {
	case "openai", "local":
		return NewOpenAIProvider(name, cfg), nil
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "gemini":
		return NewGeminiProvider(ctx, cfg)
	default:
		if cfg.BaseURL == "" && compatBaseURLs[name] == "" {
			return nil, fmt.Errorf("unknown provider %q without base_url", name)
		}
		return NewCompatProvider(name, cfg), nil
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	delete(r.disabled, p.Name())
}

// Get returns the provider registered under name, or an ErrorConfig LLMError.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	msg := "provider not configured"
	if reason, ok := r.disabled[name]; ok {
		msg = "provider disabled: " + reason
	}
	return nil, &LLMError{Type: ErrorConfig, Provider: name, Message: msg}
}

// Enabled reports whether name has a usable adapter.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Names returns the enabled provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Disabled returns disabled providers and why.
func (r *Registry) Disabled() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.disabled))
	for k, v := range r.disabled {
		out[k] = v
	}
	return out
}
