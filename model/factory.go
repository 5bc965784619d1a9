package model

import (
	"context"
	"fmt"
	"sync"
)

// Builder constructs a ChatModel for a concrete model name. Each provider
// adapter package registers one through its parent's Factory wiring; the
// indirection keeps this package free of SDK imports.
type Builder func(ctx context.Context, modelName string) (ChatModel, error)

// Factory resolves model names to ready ChatModel instances, caching one
// client per name. Safe for concurrent use.
type Factory struct {
	catalog      *Catalog
	defaultModel string

	mu       sync.Mutex
	builders map[Provider]Builder
	cache    map[string]ChatModel
}

// NewFactory creates a Factory over the given catalog. defaultModel is
// used when a run does not pin a model of its own.
func NewFactory(catalog *Catalog, defaultModel string) *Factory {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Factory{
		catalog:      catalog,
		defaultModel: defaultModel,
		builders:     make(map[Provider]Builder),
		cache:        make(map[string]ChatModel),
	}
}

// RegisterProvider installs the builder used for every model the catalog
// maps to the given provider.
func (f *Factory) RegisterProvider(p Provider, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[p] = b
}

// DefaultModel returns the fallback model name.
func (f *Factory) DefaultModel() string { return f.defaultModel }

// Validate reports whether name is usable: known to the catalog and
// backed by a registered provider. An empty name selects the default.
func (f *Factory) Validate(name string) error {
	if name == "" {
		name = f.defaultModel
	}
	provider, err := f.catalog.Validate(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	_, ok := f.builders[provider]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("model %q requires provider %s, which has no API key configured", name, provider)
	}
	return nil
}

// For returns a ChatModel for name, building and caching it on first use.
// An empty name selects the default model.
func (f *Factory) For(ctx context.Context, name string) (ChatModel, error) {
	if name == "" {
		name = f.defaultModel
	}
	name = f.catalog.Resolve(name)

	f.mu.Lock()
	if m, ok := f.cache[name]; ok {
		f.mu.Unlock()
		return m, nil
	}
	provider, err := f.catalog.Validate(name)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	builder, ok := f.builders[provider]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("model %q requires provider %s, which has no API key configured", name, provider)
	}

	m, err := builder(ctx, name)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.cache[name] = m
	f.mu.Unlock()
	return m, nil
}
