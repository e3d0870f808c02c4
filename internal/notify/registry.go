package notify

import "sync"

// Registry is an ordered name-to-sink map. Sinks are tried in registration order.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
	order []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sinks: make(map[string]Sink),
	}
}

// Register adds a sink under name. Re-registering a name replaces the sink and keeps
// its position.
func (r *Registry) Register(name string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sinks[name]; !ok {
		r.order = append(r.order, name)
	}
	r.sinks[name] = s
}

// Get returns the sink registered under name, or false if not registered.
func (r *Registry) Get(name string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sinks[name]
	return s, ok
}

// Names returns the registered sink names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}
