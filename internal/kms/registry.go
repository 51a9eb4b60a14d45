package kms

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opd-ai/planecomp/internal/drm"
)

// PlaneKey identifies a hardware plane in the Registry.
type PlaneKey struct {
	Index int
	Type  drm.PlaneType
}

func (k PlaneKey) String() string { return fmt.Sprintf("%s:%d", k.Type, k.Index) }

// Registry is the set of planes in use. A key is held by at most one
// owner; Register is an atomic claim.
type Registry struct {
	mu   sync.Mutex
	used map[PlaneKey]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{used: make(map[PlaneKey]struct{})}
}

// Register claims k. It returns false when k is already held.
func (r *Registry) Register(k PlaneKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.used[k]; ok {
		return false
	}
	r.used[k] = struct{}{}
	return true
}

// Unregister releases k and reports whether it was held.
func (r *Registry) Unregister(k PlaneKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.used[k]; !ok {
		return false
	}
	delete(r.used, k)
	return true
}

// InUse reports whether k is held.
func (r *Registry) InUse(k PlaneKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.used[k]
	return ok
}

// Len returns the number of held planes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.used)
}

// Keys returns the held planes ordered by index.
func (r *Registry) Keys() []PlaneKey {
	r.mu.Lock()
	keys := make([]PlaneKey, 0, len(r.used))
	for k := range r.used {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Index < keys[j].Index })
	return keys
}
