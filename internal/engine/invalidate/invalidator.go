// Package invalidate marks the minimal correct set of nodes stale ahead of
// the next evaluation, given a set of externally changed keys.
package invalidate

import (
	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/loom/internal/engine/graph"
	"go.trai.ch/zerr"
)

// Stats summarizes one invalidation pass.
type Stats struct {
	// Changed counts keys marked for unconditional recomputation.
	Changed int
	// Dirtied counts transitive dependents marked for lazy re-validation.
	Dirtied int
}

// Invalidator propagates external change signals through the reverse
// dependency edges of the node store.
type Invalidator struct {
	store *graph.Store
}

// New creates an Invalidator over the given store.
func New(store *graph.Store) *Invalidator {
	return &Invalidator{store: store}
}

// Invalidate marks each changed key CHANGED (its function re-runs
// unconditionally) and every node transitively reachable through reverse
// dependencies DIRTY (re-validated lazily, and recomputed only if one of its
// direct deps actually produced a different value). Keys with no entry in the
// graph are ignored: nothing can depend on them yet.
//
// Invalidation is only legal between builds.
func (inv *Invalidator) Invalidate(changed []domain.NodeKey) (Stats, error) {
	if inv.store.Evaluating() {
		return Stats{}, zerr.Wrap(domain.ErrEvaluationInFlight, "cannot invalidate")
	}

	var stats Stats
	queue := make([]domain.NodeKey, 0, len(changed))

	for _, key := range changed {
		if inv.store.MarkChanged(key) {
			stats.Changed++
			queue = append(queue, key)
		}
	}

	// Walk reverse edges breadth-first. A node that was already dirty or
	// changed had its own reverse deps dirtied when it transitioned, so the
	// walk stops there.
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		for _, rdep := range inv.store.ReverseDepsOf(key) {
			if inv.store.MarkDirty(rdep) {
				stats.Dirtied++
				queue = append(queue, rdep)
			}
		}
	}
	return stats, nil
}
