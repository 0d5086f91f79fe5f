package service

import (
	"context"
	"sync"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// AttributeSource loads the attribute snapshot of one entity.
type AttributeSource interface {
	EntityAttributes(ctx context.Context, entityType, entityID string) (rules.Attributes, error)
}

// AttributeSourceFunc adapts a function to AttributeSource.
type AttributeSourceFunc func(ctx context.Context, entityType, entityID string) (rules.Attributes, error)

func (f AttributeSourceFunc) EntityAttributes(ctx context.Context, entityType, entityID string) (rules.Attributes, error) {
	return f(ctx, entityType, entityID)
}

// EntityRegistry maps entity types to the modules that own them. The engine
// only ever sees entities through it as (type, id) plus attributes.
type EntityRegistry struct {
	mu      sync.RWMutex
	sources map[string]AttributeSource
}

func NewEntityRegistry() *EntityRegistry {
	return &EntityRegistry{sources: make(map[string]AttributeSource)}
}

// Register installs the source for entityType, replacing any previous one.
func (r *EntityRegistry) Register(entityType string, src AttributeSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[entityType] = src
}

// Registered reports whether entityType has a source.
func (r *EntityRegistry) Registered(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[entityType]
	return ok
}

// Lookup fetches the attributes of an entity from its owning module.
func (r *EntityRegistry) Lookup(ctx context.Context, entityType, entityID string) (rules.Attributes, error) {
	r.mu.RLock()
	src, ok := r.sources[entityType]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.InvalidInput("attributes", "attributes are required: no lookup is registered for entity type "+entityType)
	}

	attrs, err := src.EntityAttributes(ctx, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load entity attributes")
	}
	if attrs == nil {
		return nil, errors.NotFound(entityType, entityID)
	}
	return attrs, nil
}
