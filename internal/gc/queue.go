// Package gc defers entity destruction until nothing references the entity.
//
// Entities are queued when they might have become collectable (their unit
// went away, their last operation completed, the idle check runs) and
// evaluated in FIFO order by Sweep.
package gc

import (
	"log/slog"

	"steward/internal/metrics"
)

// Collectable is an entity the sweep may stop and finalize.
type Collectable interface {
	comparable
	// MayCollect must not have side effects.
	MayCollect(dropNotStarted bool) bool
	Closing() bool
	Stop()
	Finalize()
}

type Queue[E Collectable] struct {
	kind    string
	items   []E
	member  map[E]struct{}
	destroy func(E)
	log     *slog.Logger
}

// NewQueue creates a queue for entities of kind. destroy removes a
// finalized entity from its registry and releases it.
func NewQueue[E Collectable](kind string, destroy func(E)) *Queue[E] {
	return &Queue[E]{
		kind:    kind,
		member:  make(map[E]struct{}),
		destroy: destroy,
		log:     slog.With("component", "gc", "kind", kind),
	}
}

// Add queues e for evaluation. It reports false when e is already queued.
func (q *Queue[E]) Add(e E) bool {
	if _, ok := q.member[e]; ok {
		return false
	}
	q.member[e] = struct{}{}
	q.items = append(q.items, e)
	return true
}

func (q *Queue[E]) Contains(e E) bool {
	_, ok := q.member[e]
	return ok
}

func (q *Queue[E]) Len() int { return len(q.items) }

// Sweep evaluates every queued entity, including any queued during the
// sweep, and returns how many were destroyed.
func (q *Queue[E]) Sweep(dropNotStarted bool) int {
	collected := 0
	for len(q.items) > 0 {
		e := q.items[0]
		var zero E
		q.items[0] = zero
		q.items = q.items[1:]
		delete(q.member, e)

		if e.MayCollect(dropNotStarted) && !e.Closing() {
			e.Stop()
		}
		if !e.MayCollect(dropNotStarted) {
			continue
		}
		e.Finalize()
		q.destroy(e)
		collected++
		metrics.RecordCollected(q.kind)
	}
	if collected > 0 {
		q.log.Debug("Swept entities.", "collected", collected, "drop_not_started", dropNotStarted)
	}
	return collected
}
