// Package registry owns entities by key and keeps their secondary indices
// consistent.
//
// A Registry is not safe for concurrent use; it lives on the event loop.
// Mutation while ForEach is running is refused, so callers that discover
// garbage during iteration queue it for the GC sweep instead.
package registry

import (
	"errors"
	"fmt"

	"steward/internal/check"
)

// ErrIterating is returned when a registry is mutated during ForEach.
var ErrIterating = errors.New("registry is being iterated")

type Registry[K comparable, E comparable] struct {
	kind      string
	newEntity func(K) E
	items     map[K]E
	order     []K
	indices   []Index[E]
	iterating int
}

// New creates a registry for entities of kind. newEntity builds the
// zero-initialised entity inserted by Register on a miss.
func New[K comparable, E comparable](kind string, newEntity func(K) E, indices ...Index[E]) *Registry[K, E] {
	return &Registry[K, E]{
		kind:      kind,
		newEntity: newEntity,
		items:     make(map[K]E),
		indices:   indices,
	}
}

// Kind returns the entity kind name.
func (r *Registry[K, E]) Kind() string { return r.kind }

// Register returns the entity for k, creating it when absent. created
// reports whether a new entity was inserted. Index failures roll back the
// insertion completely.
func (r *Registry[K, E]) Register(k K) (E, bool, error) {
	var zero E
	if e, ok := r.items[k]; ok {
		return e, false, nil
	}
	if r.iterating > 0 {
		check.Assertf(false, "%s registry: register %v during iteration", r.kind, k)
		return zero, false, ErrIterating
	}

	e := r.newEntity(k)
	if err := r.insertIndices(e); err != nil {
		return zero, false, fmt.Errorf("register %s %v: %w", r.kind, k, err)
	}
	r.items[k] = e
	r.order = append(r.order, k)
	return e, true, nil
}

func (r *Registry[K, E]) insertIndices(e E) error {
	for i, idx := range r.indices {
		if err := idx.insert(e); err != nil {
			for _, done := range r.indices[:i] {
				done.remove(e)
			}
			return err
		}
	}
	return nil
}

// Reindex re-evaluates the secondary keys of the entity stored under k.
// On failure every index is restored to its previous state.
func (r *Registry[K, E]) Reindex(k K) error {
	e, ok := r.items[k]
	if !ok {
		return fmt.Errorf("reindex %s %v: not registered", r.kind, k)
	}
	var undo []func()
	for _, idx := range r.indices {
		u, err := idx.rekey(e)
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
			return fmt.Errorf("reindex %s %v: %w", r.kind, k, err)
		}
		undo = append(undo, u)
	}
	return nil
}

// Unregister removes the entity stored under k and hands it to the caller
// for teardown.
func (r *Registry[K, E]) Unregister(k K) (E, bool) {
	var zero E
	e, ok := r.items[k]
	if !ok {
		return zero, false
	}
	if r.iterating > 0 {
		check.Assertf(false, "%s registry: unregister %v during iteration", r.kind, k)
		return zero, false
	}
	for _, idx := range r.indices {
		idx.remove(e)
	}
	delete(r.items, k)
	for i, cur := range r.order {
		if cur == k {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return e, true
}

// Find returns the entity stored under k.
func (r *Registry[K, E]) Find(k K) (E, bool) {
	e, ok := r.items[k]
	return e, ok
}

// Len returns the number of registered entities.
func (r *Registry[K, E]) Len() int { return len(r.items) }

// ForEach calls fn for every entity in registration order until fn returns
// false.
func (r *Registry[K, E]) ForEach(fn func(K, E) bool) {
	r.iterating++
	defer func() { r.iterating-- }()
	for _, k := range r.order {
		if !fn(k, r.items[k]) {
			return
		}
	}
}

// Values returns a snapshot of all entities in registration order.
func (r *Registry[K, E]) Values() []E {
	out := make([]E, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.items[k])
	}
	return out
}
