package circuitbreaker

import (
	"sync"

	"github.com/wisbric/fleetctl/pkg/events"
)

// Registry is a named map of Circuit instances. getOrCreate is idempotent:
// the first caller's config wins and later calls for the same name return
// the existing circuit unchanged.
type Registry struct {
	bus *events.Bus

	mu       sync.Mutex
	circuits map[string]*Circuit
}

// NewRegistry creates an empty registry. bus is forwarded to every circuit
// created through it, so child events surface through the same bus.
func NewRegistry(bus *events.Bus) *Registry {
	return &Registry{
		bus:      bus,
		circuits: make(map[string]*Circuit),
	}
}

// GetOrCreate returns the circuit named cfg.Name, creating it with cfg if
// it does not yet exist. If it already exists, cfg is ignored.
func (r *Registry) GetOrCreate(cfg Config) *Circuit {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.circuits[cfg.Name]; ok {
		return c
	}

	c := New(cfg, r.bus)
	r.circuits[cfg.Name] = c
	return c
}

// Get returns the circuit named name, or nil if it has never been created.
func (r *Registry) Get(name string) *Circuit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuits[name]
}

// All returns every circuit currently registered.
func (r *Registry) All() []*Circuit {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Circuit, 0, len(r.circuits))
	for _, c := range r.circuits {
		out = append(out, c)
	}
	return out
}

// ByState returns every registered circuit currently in state s.
func (r *Registry) ByState(s State) []*Circuit {
	var out []*Circuit
	for _, c := range r.All() {
		if c.State() == s {
			out = append(out, c)
		}
	}
	return out
}

// ForceOpenAll force-opens every registered circuit.
func (r *Registry) ForceOpenAll() {
	for _, c := range r.All() {
		c.ForceOpen()
	}
}

// ForceCloseAll force-closes every registered circuit.
func (r *Registry) ForceCloseAll() {
	for _, c := range r.All() {
		c.ForceClose()
	}
}

// ResetAll resets every registered circuit.
func (r *Registry) ResetAll() {
	for _, c := range r.All() {
		c.Reset()
	}
}
