package registry

import (
	"fmt"

	"steward/internal/errdefs"
)

// Index is a secondary lookup maintained in lock-step with a Registry.
type Index[E comparable] interface {
	Name() string
	insert(e E) error
	remove(e E)
	rekey(e E) (undo func(), err error)
}

// KeyIndex maps a secondary key (unit name, leader PID) to an entity. Entities
// whose key function reports false are not indexed.
type KeyIndex[IK comparable, E comparable] struct {
	name        string
	keyOf       func(E) (IK, bool)
	limit       int
	byKey       map[IK]E
	keyByEntity map[E]IK
}

// NewIndex creates a KeyIndex. limit bounds the number of indexed entities;
// zero means unbounded.
func NewIndex[IK comparable, E comparable](name string, keyOf func(E) (IK, bool), limit int) *KeyIndex[IK, E] {
	return &KeyIndex[IK, E]{
		name:        name,
		keyOf:       keyOf,
		limit:       limit,
		byKey:       make(map[IK]E),
		keyByEntity: make(map[E]IK),
	}
}

func (x *KeyIndex[IK, E]) Name() string { return x.name }

// Lookup returns the entity indexed under k.
func (x *KeyIndex[IK, E]) Lookup(k IK) (E, bool) {
	e, ok := x.byKey[k]
	return e, ok
}

// Len returns the number of indexed entities.
func (x *KeyIndex[IK, E]) Len() int { return len(x.byKey) }

func (x *KeyIndex[IK, E]) insert(e E) error {
	k, ok := x.keyOf(e)
	if !ok {
		return nil
	}
	if cur, exists := x.byKey[k]; exists {
		if cur == e {
			return nil
		}
		return errdefs.AlreadyExists("%s index: key %v", x.name, k)
	}
	if x.limit > 0 && len(x.byKey) >= x.limit {
		return fmt.Errorf("%s index full (%d entries): %w", x.name, x.limit, errdefs.ErrOutOfMemory)
	}
	x.byKey[k] = e
	x.keyByEntity[e] = k
	return nil
}

func (x *KeyIndex[IK, E]) remove(e E) {
	k, ok := x.keyByEntity[e]
	if !ok {
		return
	}
	delete(x.keyByEntity, e)
	if cur, exists := x.byKey[k]; exists && cur == e {
		delete(x.byKey, k)
	}
}

func (x *KeyIndex[IK, E]) rekey(e E) (func(), error) {
	oldKey, had := x.keyByEntity[e]
	restore := func() {
		x.remove(e)
		if had {
			x.byKey[oldKey] = e
			x.keyByEntity[e] = oldKey
		}
	}
	x.remove(e)
	if err := x.insert(e); err != nil {
		restore()
		return nil, err
	}
	return restore, nil
}
