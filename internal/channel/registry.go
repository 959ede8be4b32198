package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the registered adapters keyed by adapter name and resolves
// the adapter that serves each capability for a platform.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	// outbound maps a platform to the adapter name used for sending.
	outbound map[Platform]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[string]Adapter{},
		outbound: map[Platform]string{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	name := normalizeName(adapter.Name())
	if name == "" {
		return fmt.Errorf("adapter name is required")
	}
	if !adapter.Platform().Valid() {
		return fmt.Errorf("adapter %s has unknown platform %q", name, adapter.Platform())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter already registered: %s", name)
	}
	r.adapters[name] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Route selects the adapter used to send on a platform. Without a route the
// first registered Sender for the platform, by name, is used.
func (r *Registry) Route(platform Platform, adapterName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound[platform] = normalizeName(adapterName)
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[normalizeName(name)]
	return adapter, ok
}

// List returns all registered adapters sorted by name.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })
	return items
}

// Sender returns the outbound adapter for a platform.
func (r *Registry) Sender(platform Platform) (Sender, bool) {
	r.mu.RLock()
	routed := r.outbound[platform]
	r.mu.RUnlock()
	if routed != "" {
		if adapter, ok := r.Get(routed); ok {
			sender, ok := adapter.(Sender)
			return sender, ok
		}
		return nil, false
	}
	for _, adapter := range r.List() {
		if adapter.Platform() != platform {
			continue
		}
		if sender, ok := adapter.(Sender); ok {
			return sender, true
		}
	}
	return nil, false
}

// Webhook returns the adapter that terminates webhooks at /webhook/<key>.
// The key is either an adapter name or a platform tag.
func (r *Registry) Webhook(key string) (Adapter, bool) {
	key = normalizeName(key)
	if adapter, ok := r.Get(key); ok {
		if _, ok := adapter.(Receiver); ok {
			return adapter, true
		}
	}
	for _, adapter := range r.List() {
		if string(adapter.Platform()) != key {
			continue
		}
		_, receives := adapter.(Receiver)
		_, verifies := adapter.(WebhookVerifier)
		if receives && verifies {
			return adapter, true
		}
	}
	return nil, false
}

// Listeners returns every adapter that runs a polling loop.
func (r *Registry) Listeners() map[string]Listener {
	items := map[string]Listener{}
	for _, adapter := range r.List() {
		if listener, ok := adapter.(Listener); ok {
			items[adapter.Name()] = listener
		}
	}
	return items
}

// MediaFetcher returns the fetcher for the named adapter.
func (r *Registry) MediaFetcher(name string) (MediaFetcher, bool) {
	adapter, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	fetcher, ok := adapter.(MediaFetcher)
	return fetcher, ok
}

func normalizeName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
