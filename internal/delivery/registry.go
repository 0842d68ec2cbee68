package delivery

import (
	"fmt"
	"sync"

	"courier/internal/storage"
)

// Registry holds the configured providers by name. It is also how the stores
// find the owner of a message.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	order     []string
	def       string
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]*Provider{}}
}

// Add registers p. The first provider added is the default until SetDefault says otherwise.
func (r *Registry) Add(p *Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, ok := r.providers[name]; ok {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p
	r.order = append(r.order, name)
	if r.def == "" {
		r.def = name
	}
	return nil
}

func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("unknown provider %q", name)
	}
	r.def = name
	return nil
}

func (r *Registry) Get(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Default() (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[r.def]
	return p, ok
}

// All returns the providers in registration order.
func (r *Registry) All() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Provider, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.providers[n])
	}
	return out
}

// Owner implements storage.OwnerLookup.
func (r *Registry) Owner(name string) (storage.Owner, bool) {
	p, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return p, true
}

// StopAll stops every provider.
func (r *Registry) StopAll() {
	for _, p := range r.All() {
		p.Stop()
	}
}
