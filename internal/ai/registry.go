package ai

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const probeTimeout = 5 * time.Second

// ProviderFactory builds a provider from a config snapshot.
type ProviderFactory func(cfg ProviderConfig) (StreamProvider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[Variant]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[Variant]ProviderFactory)}
}

// DefaultRegistry knows both supported wire shapes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(VariantOllama, func(cfg ProviderConfig) (StreamProvider, error) {
		return NewOllamaProvider(cfg), nil
	})
	r.Register(VariantOpenAI, func(cfg ProviderConfig) (StreamProvider, error) {
		return NewOpenAIProvider(cfg), nil
	})
	return r
}

func (r *Registry) Register(v Variant, f ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[v] = f
}

func (r *Registry) Build(v Variant, cfg ProviderConfig) (StreamProvider, error) {
	r.mu.RLock()
	f, ok := r.factories[v]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, v)
	}
	return f(cfg)
}

// Probe lists the models a backend reports, as a connectivity check.
func (r *Registry) Probe(ctx context.Context, v Variant, cfg ProviderConfig) ([]string, error) {
	p, err := r.Build(v, cfg)
	if err != nil {
		return nil, err
	}
	lister, ok := p.(ModelLister)
	if !ok {
		return nil, fmt.Errorf("%s: model listing not supported", v)
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return lister.ListModels(ctx)
}
