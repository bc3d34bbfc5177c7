package graph

import (
	"slices"
	"sort"

	"go.trai.ch/loom/internal/core/domain"
)

// Read-only graph introspection, consumed by the query surface. These
// accessors are only meaningful between builds: they take consistent
// per-entry snapshots but make no attempt to order against a concurrently
// mutating evaluation.

// Exists reports whether the key has an entry in the graph.
func (s *Store) Exists(key domain.NodeKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[key]
	return ok
}

// NodeCount returns the number of entries in the graph.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// DirectDeps returns, for each requested key that exists, its direct
// dependencies in original request order.
func (s *Store) DirectDeps(keys []domain.NodeKey) map[domain.NodeKey][]domain.NodeKey {
	out := make(map[domain.NodeKey][]domain.NodeKey, len(keys))
	for _, key := range keys {
		s.mu.RLock()
		e, ok := s.nodes[key]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		out[key] = slices.Clone(e.directDeps)
		e.mu.Unlock()
	}
	return out
}

// ReverseDeps returns, for each requested key that exists, the keys that
// directly depend on it, sorted for stable output.
func (s *Store) ReverseDeps(keys []domain.NodeKey) map[domain.NodeKey][]domain.NodeKey {
	out := make(map[domain.NodeKey][]domain.NodeKey, len(keys))
	for _, key := range keys {
		s.mu.RLock()
		e, ok := s.nodes[key]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		rdeps := make([]domain.NodeKey, 0, len(e.reverseDeps))
		for k := range e.reverseDeps {
			rdeps = append(rdeps, k)
		}
		e.mu.Unlock()
		sort.Slice(rdeps, func(i, j int) bool { return rdeps[i].String() < rdeps[j].String() })
		out[key] = rdeps
	}
	return out
}

// GetIfDone returns the values of the requested keys that are Done without a
// terminal error. Keys that are absent, in-flight, dirty or errored are
// omitted.
func (s *Store) GetIfDone(keys []domain.NodeKey) map[domain.NodeKey]domain.NodeValue {
	out := make(map[domain.NodeKey]domain.NodeValue, len(keys))
	for _, key := range keys {
		s.mu.RLock()
		e, ok := s.nodes[key]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.state == domain.StateDone && e.err == nil {
			out[key] = e.value
		}
		e.mu.Unlock()
	}
	return out
}

// State returns the lifecycle state of a key, and whether it exists.
func (s *Store) State(key domain.NodeKey) (domain.NodeState, bool) {
	s.mu.RLock()
	e, ok := s.nodes[key]
	s.mu.RUnlock()
	if !ok {
		return domain.StateNotEvaluated, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}
