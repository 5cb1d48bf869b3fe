package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/lessonvoice/internal/resilience"
	"github.com/MrWong99/lessonvoice/pkg/provider/s2s"
	"github.com/MrWong99/lessonvoice/pkg/provider/s2s/gemini"
	"github.com/MrWong99/lessonvoice/pkg/provider/s2s/openai"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a realtime provider from its configuration entry.
type Factory func(ProviderEntry) (s2s.Provider, error)

// Registry maps provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a [Registry] with the built-in gemini-live and
// openai-realtime factories.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("gemini-live", func(e ProviderEntry) (s2s.Provider, error) {
		var opts []gemini.Option
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		if v, ok := e.Options["keepalive"]; ok {
			s, _ := v.(string)
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("options.keepalive %v: invalid duration", v)
			}
			opts = append(opts, gemini.WithKeepalive(d))
		}
		return gemini.New(e.APIKey, opts...), nil
	})
	r.Register("openai-realtime", func(e ProviderEntry) (s2s.Provider, error) {
		var opts []openai.Option
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, opts...), nil
	})
	return r
}

// Register registers a provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Create instantiates a provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) Create(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q: %w", entry.Name, err)
	}
	return p, nil
}

// Build creates the provider for entry. When entry lists fallbacks, every
// endpoint is created and the result is a [resilience.Failover] that tries
// them in order behind per-endpoint circuit breakers.
func (r *Registry) Build(entry ProviderEntry) (s2s.Provider, error) {
	primary, err := r.Create(entry)
	if err != nil || len(entry.Fallbacks) == 0 {
		return primary, err
	}
	fallbacks := make([]resilience.Endpoint, 0, len(entry.Fallbacks))
	for i, fb := range entry.Fallbacks {
		p, err := r.Create(fb)
		if err != nil {
			return nil, fmt.Errorf("config: fallbacks[%d]: %w", i, err)
		}
		fallbacks = append(fallbacks, resilience.Endpoint{Name: endpointName(fb, i+1), Provider: p})
	}
	f, err := resilience.NewFailover(
		resilience.Endpoint{Name: endpointName(entry, 0), Provider: primary},
		fallbacks,
		resilience.CircuitBreakerConfig{
			MaxFailures:  entry.Failover.MaxFailures,
			ResetTimeout: entry.Failover.ResetTimeout,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return f, nil
}

// endpointName labels an endpoint for logs; the position keeps two entries
// with the same provider name apart.
func endpointName(e ProviderEntry, pos int) string {
	name := e.Name
	if e.Model != "" {
		name += "/" + e.Model
	}
	if pos > 0 {
		name = fmt.Sprintf("%s#%d", name, pos)
	}
	return name
}
