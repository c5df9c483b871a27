package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/pttlink/internal/relay"
	"github.com/MrWong99/pttlink/internal/responder"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: component not registered")

// TransportFactory builds a device transport from the full config.
type TransportFactory func(cfg *Config) (relay.Transport, error)

// ResponderFactory builds a responder from the full config.
type ResponderFactory func(cfg *Config) (responder.Responder, error)

// Registry maps component names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[Transport]TransportFactory
	responders map[string]ResponderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[Transport]TransportFactory),
		responders: make(map[string]ResponderFactory),
	}
}

// RegisterTransport registers a transport factory under name. Subsequent
// calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name Transport, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// RegisterResponder registers a responder factory under name.
func (r *Registry) RegisterResponder(name string, factory ResponderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responders[name] = factory
}

// CreateTransport builds the transport selected by cfg.Device.Transport.
func (r *Registry) CreateTransport(cfg *Config) (relay.Transport, error) {
	r.mu.RLock()
	factory, ok := r.transports[cfg.Device.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrNotRegistered, cfg.Device.Transport)
	}
	return factory(cfg)
}

// CreateResponder builds the responder registered under name.
func (r *Registry) CreateResponder(name string, cfg *Config) (responder.Responder, error) {
	r.mu.RLock()
	factory, ok := r.responders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: responder/%q", ErrNotRegistered, name)
	}
	return factory(cfg)
}

// Transports returns the registered transport names, sorted.
func (r *Registry) Transports() []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Transport, 0, len(r.transports))
	for name := range r.transports {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
