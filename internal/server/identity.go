// Package server binds opaque identities to live connections. An identity
// is the sole authorization credential for message mutations; it is not a
// durable account and dies with its connection.
package server

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks which connection identities are currently bound, along
// with the display color assigned to each.
type Registry struct {
	mu     sync.Mutex
	bound  map[string]string // identity -> display color
	colors *colorPool
}

// NewRegistry returns a registry with no bound identities.
func NewRegistry() *Registry {
	return &Registry{
		bound:  make(map[string]string),
		colors: newColorPool(),
	}
}

// Bind issues a fresh identity and display color for a new connection and
// records the binding for the connection's lifetime.
func (r *Registry) Bind() (identity, color string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity = uuid.NewString()
	color = r.colors.acquire()
	r.bound[identity] = color
	return identity, color
}

// Unbind releases the identity and returns its color to the pool. Unknown
// identities are ignored so a double disconnect is harmless.
func (r *Registry) Unbind(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	color, ok := r.bound[identity]
	if !ok {
		return
	}
	delete(r.bound, identity)
	r.colors.release(color)
}

// Resolve reports whether identity is currently bound to a live connection.
func (r *Registry) Resolve(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.bound[identity]
	return ok
}

// BoundCount returns the number of currently bound identities.
func (r *Registry) BoundCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bound)
}
