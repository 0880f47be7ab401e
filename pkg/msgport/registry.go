package msgport

import "sync"

type registryEntry[N any] struct {
	key     any
	handler *Handler
	native  N
}

// Registry maps the identity of a caller's Handler to the transport-native handler
// installed on its behalf, so that a removal reverses exactly the matching addition.
// A Registry belongs to one endpoint and is cleared when that endpoint closes; it
// holds no global state.
type Registry[N any] struct {
	mu      sync.Mutex
	entries []*registryEntry[N]
}

// NewRegistry creates an empty Registry
func NewRegistry[N any]() *Registry[N] {
	return &Registry[N]{}
}

func (r *Registry[N]) indexOf(key any) int {
	for i, e := range r.entries {
		if e.key == key {
			return i
		}
	}
	return -1
}

// Add records native for h. If h is already registered the registry is unchanged
// and Add returns false.
func (r *Registry[N]) Add(h *Handler, native N) bool {
	key := h.key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf(key) >= 0 {
		return false
	}
	r.entries = append(r.entries, &registryEntry[N]{key: key, handler: h, native: native})
	return true
}

// Lookup returns the native handler recorded for h
func (r *Registry[N]) Lookup(h *Handler) (N, bool) {
	key := h.key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(key); i >= 0 {
		return r.entries[i].native, true
	}
	var zero N
	return zero, false
}

// Remove forgets h and returns the native handler that was recorded for it.
// Removing an unknown handler is a no-op.
func (r *Registry[N]) Remove(h *Handler) (N, bool) {
	key := h.key()
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(key)
	if i < 0 {
		var zero N
		return zero, false
	}
	e := r.entries[i]
	r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
	return e.native, true
}

// Snapshot returns the recorded native handlers in registration order
func (r *Registry[N]) Snapshot() []N {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]N, len(r.entries))
	for i, e := range r.entries {
		result[i] = e.native
	}
	return result
}

// Clear forgets every entry and returns the native handlers that were recorded
func (r *Registry[N]) Clear() []N {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()
	result := make([]N, len(entries))
	for i, e := range entries {
		result[i] = e.native
	}
	return result
}

// Len returns the number of registered handlers
func (r *Registry[N]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
