package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatrelay/chatrelay/internal/models"
)

var (
	ErrNoActiveProvider  = errors.New("no enabled provider configuration")
	ErrAmbiguousProvider = errors.New("more than one enabled provider configuration")
)

// ConfigStore is the read side of provider configuration persistence.
type ConfigStore interface {
	EnabledProviders(ctx context.Context) ([]models.ProviderConfig, error)
	GetProvider(ctx context.Context, name string) (models.ProviderConfig, error)
}

// Registry resolves which provider configuration a relay call should use.
// It is read-only; configuration is mutated through the administrative API.
type Registry struct {
	store ConfigStore
}

func NewRegistry(store ConfigStore) *Registry {
	return &Registry{store: store}
}

// ResolveActive returns the single enabled configuration. Zero or multiple
// enabled configs are both configuration errors: silent fallback could route
// a conversation to an unintended provider. The returned value is a copy, so
// it stays stable for the duration of one relay call even if an operator
// commits a change concurrently.
func (r *Registry) ResolveActive(ctx context.Context) (models.ProviderConfig, error) {
	enabled, err := r.store.EnabledProviders(ctx)
	if err != nil {
		return models.ProviderConfig{}, fmt.Errorf("resolve active provider: %w", err)
	}

	switch len(enabled) {
	case 0:
		return models.ProviderConfig{}, ErrNoActiveProvider
	case 1:
		return enabled[0], nil
	default:
		return models.ProviderConfig{}, fmt.Errorf("%w: %d enabled", ErrAmbiguousProvider, len(enabled))
	}
}

// Get looks up a configuration by name regardless of its enabled flag.
func (r *Registry) Get(ctx context.Context, name string) (models.ProviderConfig, error) {
	return r.store.GetProvider(ctx, name)
}
