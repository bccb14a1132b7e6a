package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds validated backend descriptors keyed by name. It is populated
// once at startup and read-only afterwards; Resolve and List are safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	descs map[string]*Descriptor
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		descs: make(map[string]*Descriptor),
	}
}

// NewRegistryFromConfigs validates every config and registers the resulting
// descriptors. The first invalid config fails the whole load.
func NewRegistryFromConfigs(cfgs []Config) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		d, err := NewDescriptor(cfg)
		if err != nil {
			return nil, err
		}
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor to the registry. Duplicate names are rejected.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descs[d.Name()]; exists {
		return fmt.Errorf("backend %q is already registered", d.Name())
	}
	r.descs[d.Name()] = d
	return nil
}

// Resolve returns the descriptor registered under the given name.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descs[name]
	if !ok {
		return nil, fmt.Errorf("backend %q: %w", name, ErrUnknownBackend)
	}
	return d, nil
}

// List returns summaries of all registered backends, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.descs))
	for _, d := range r.descs {
		infos = append(infos, d.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
