// Package registry implements the daemon's handle registry: a
// process-wide map from opaque integer handles to live core objects.
// Every externally referenceable object is registered here at
// construction and removed at teardown, per spec §2/§4.1.
//
// Modeled on warren/pkg/manager/token.go's map-plus-dedicated-mutex
// shape, generalized from token-only storage to any registrable
// object and promoted to a process-wide singleton per the design
// note on global mutable maps.
package registry

import (
	"sync"
	"sync/atomic"
)

// Handle is an opaque, process-unique, stable-for-lifetime identifier
// for a core object. It is the only thing ever passed across the
// external request-port boundary to refer to daemon state.
type Handle uint64

// Registry is a process-wide handle table.
type Registry struct {
	mu      sync.RWMutex
	objects map[Handle]any
	next    uint64
}

// New creates an empty handle registry.
func New() *Registry {
	return &Registry{objects: make(map[Handle]any)}
}

// global is the daemon's single process-wide handle registry.
var global = New()

// Global returns the process-wide handle registry.
func Global() *Registry { return global }

// Reset clears the registry. Used by tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = make(map[Handle]any)
}

// Register assigns a fresh handle to obj and stores it. The handle is
// never reused for the lifetime of the process.
func (r *Registry) Register(obj any) Handle {
	h := Handle(atomic.AddUint64(&r.next, 1))
	r.mu.Lock()
	r.objects[h] = obj
	r.mu.Unlock()
	return h
}

// Lookup resolves a handle to its live object. ok is false if the
// handle is unknown or was already removed (the object was killed).
func (r *Registry) Lookup(h Handle) (obj any, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok = r.objects[h]
	return obj, ok
}

// Remove deletes a handle from the registry. Idempotent.
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	delete(r.objects, h)
	r.mu.Unlock()
}

// Len reports the number of live handles, for status/introspection.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}
