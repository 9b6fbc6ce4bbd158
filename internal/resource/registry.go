package resource

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/logging"
	"github.com/quickhub/quickhub/internal/metrics"
)

// Registry hands out shared resource instances. Two clients asking for the
// same type and descriptor receive the same instance; the instance is
// dropped and closed when the last holder releases it. Dynamic resources
// bypass the cache entirely.
type Registry struct {
	auth *auth.Service
	log  zerolog.Logger

	mu        sync.Mutex
	factories map[string][]Factory
	resources map[string]*registryEntry
}

type registryEntry struct {
	resource Resource
	refs     int
}

func NewRegistry(authService *auth.Service) *Registry {
	return &Registry{
		auth:      authService,
		log:       logging.Component("registry"),
		factories: map[string][]Factory{},
		resources: map[string]*registryEntry{},
	}
}

// AddFactory registers a factory. Several factories may serve the same type
// with different descriptor prefixes.
func (r *Registry) AddFactory(f Factory) {
	r.mu.Lock()
	r.factories[f.ResourceType()] = append(r.factories[f.ResourceType()], f)
	r.mu.Unlock()
	if f.DescriptorPrefix() == "" {
		r.log.Info().Str("type", f.ResourceType()).Msg("Added default resource factory")
	} else {
		r.log.Info().Str("type", f.ResourceType()).Str("prefix", f.DescriptorPrefix()).Msg("Added resource factory")
	}
}

// Acquire resolves or creates the resource and takes a reference. The
// returned release function must be called exactly once when the holder is
// done with the resource.
func (r *Registry) Acquire(resourceType, descriptor, token string) (Resource, func(), errcode.CloudError) {
	if descriptor == "" {
		return nil, nil, errcode.InvalidDescriptor
	}
	identity := r.auth.ValidateToken(token)
	if identity == nil {
		return nil, nil, errcode.InvalidToken
	}

	factory := r.factoryFor(resourceType, descriptor)
	if factory == nil {
		r.log.Warn().Str("type", resourceType).Msg("Unknown resource type")
		return nil, nil, errcode.UnknownType
	}

	resourceID := factory.ResourceID(descriptor, identity)
	if resourceID == "" {
		return nil, nil, errcode.InvalidDescriptor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.resources[resourceID]; ok {
		entry.refs++
		return entry.resource, r.releaseFunc(resourceID), errcode.NoError
	}

	res, err := factory.CreateResource(descriptor, identity)
	if !err.OK() {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, errcode.UnknownError
	}

	if res.DynamicContent() {
		// Per-client content, the holder owns the only reference.
		return res, func() { res.Close() }, errcode.NoError
	}

	r.resources[resourceID] = &registryEntry{resource: res, refs: 1}
	metrics.ResourcesLoaded.WithLabelValues(res.ResourceType()).Inc()
	return res, r.releaseFunc(resourceID), errcode.NoError
}

func (r *Registry) releaseFunc(resourceID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.release(resourceID)
		})
	}
}

func (r *Registry) release(resourceID string) {
	r.mu.Lock()
	entry, ok := r.resources[resourceID]
	if ok {
		entry.refs--
		if entry.refs > 0 {
			r.mu.Unlock()
			return
		}
		delete(r.resources, resourceID)
	}
	r.mu.Unlock()
	if ok {
		metrics.ResourcesLoaded.WithLabelValues(entry.resource.ResourceType()).Dec()
		if err := entry.resource.Close(); err != nil {
			r.log.Error().Err(err).Str("resource", resourceID).Msg("Failed to close resource")
		}
	}
}

// ResourceID resolves the qualified name without creating the resource.
func (r *Registry) ResourceID(resourceType, descriptor, token string) string {
	factory := r.factoryFor(resourceType, descriptor)
	if factory == nil {
		return ""
	}
	return factory.ResourceID(descriptor, r.auth.ValidateToken(token))
}

// Loaded reports whether a resource is currently held. Mainly for tests.
func (r *Registry) Loaded(resourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.resources[resourceID]
	return ok
}

// factoryFor picks the factory with the longest matching descriptor prefix,
// falling back to the type's default factory.
func (r *Registry) factoryFor(resourceType, descriptor string) Factory {
	r.mu.Lock()
	factories := append([]Factory{}, r.factories[resourceType]...)
	r.mu.Unlock()

	if len(factories) == 0 {
		return nil
	}
	if len(factories) == 1 {
		return factories[0]
	}

	sort.SliceStable(factories, func(i, j int) bool {
		return len(factories[i].DescriptorPrefix()) > len(factories[j].DescriptorPrefix())
	})

	prepared := trimArguments(descriptor)
	var fallback Factory
	for _, f := range factories {
		prefix := f.DescriptorPrefix()
		if prefix == "" {
			if fallback == nil {
				fallback = f
			}
			continue
		}
		if strings.HasPrefix(prepared, prefix) {
			return f
		}
	}
	return fallback
}
