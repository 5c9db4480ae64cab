package chain

import (
	"fmt"
	"sort"
)

// Registry holds one client per configured network. It is built once at
// startup and read-only afterwards.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry builds clients for every network config. Construction fails
// if any network is misconfigured so partial registries never run.
func NewRegistry(configs []Config, opts ...Option) (*Registry, error) {
	r := &Registry{clients: make(map[string]*Client, len(configs))}
	for _, cfg := range configs {
		if _, dup := r.clients[cfg.Name]; dup {
			r.CloseAll()
			return nil, fmt.Errorf("chain: duplicate network %q", cfg.Name)
		}
		c, err := New(cfg, opts...)
		if err != nil {
			r.CloseAll()
			return nil, fmt.Errorf("chain: network %q: %w", cfg.Name, err)
		}
		r.clients[cfg.Name] = c
	}
	return r, nil
}

// Get returns the client for a network.
func (r *Registry) Get(network string) (*Client, error) {
	c, ok := r.clients[network]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
	return c, nil
}

// Networks lists the configured network names in stable order.
func (r *Registry) Networks() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every client's RPC connection.
func (r *Registry) CloseAll() {
	for _, c := range r.clients {
		c.Close()
	}
}
