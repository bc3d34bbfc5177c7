package graph

import (
	"sync"

	"go.trai.ch/loom/internal/core/domain"
)

// nodeEntry is the mutable bookkeeping record for one node key. It is owned
// exclusively by the Store; all access goes through the Store's narrow atomic
// operations, each of which holds the entry's own lock. Dependency and
// reverse-dependency edges are stored as keys, not entry pointers, so the
// bidirectional edge set never forms reference cycles.
type nodeEntry struct {
	mu sync.Mutex

	key   domain.NodeKey
	state domain.NodeState
	// prevState remembers the state a claim was taken from so an aborted
	// evaluation can put the entry back.
	prevState domain.NodeState

	value    domain.NodeValue
	err      error
	errChain []domain.NodeKey

	// directDeps holds the dependencies in the order they were requested
	// during the most recent completed evaluation. Order matters: dirty
	// re-validation walks them in request order so an early-changed
	// dependency short-circuits the rest.
	directDeps  []domain.NodeKey
	reverseDeps map[domain.NodeKey]struct{}

	// version is the build at which the value last actually changed.
	// verified is the build at which the entry was last confirmed up to
	// date (recomputed, re-validated, or read as a clean cache hit).
	version  domain.BuildVersion
	verified domain.BuildVersion

	subscribers []*Subscriber
}

func newNodeEntry(key domain.NodeKey) *nodeEntry {
	return &nodeEntry{
		key:         key,
		state:       domain.StateNotEvaluated,
		reverseDeps: make(map[domain.NodeKey]struct{}),
	}
}

// doneAt reports whether the entry is valid for the given build.
// Caller holds e.mu.
func (e *nodeEntry) doneAt(build domain.BuildVersion) bool {
	return e.state == domain.StateDone && e.verified == build
}

// notifyLocked hands the completion to every subscriber and clears the list.
// Sends happen on separate goroutines so a slow or abandoned subscriber can
// never block finalization. Caller holds e.mu.
func (e *nodeEntry) notifyLocked() {
	for _, sub := range e.subscribers {
		go func(sub *Subscriber, key domain.NodeKey) {
			select {
			case sub.Ch <- key:
			case <-sub.Done:
			}
		}(sub, e.key)
	}
	e.subscribers = nil
}
