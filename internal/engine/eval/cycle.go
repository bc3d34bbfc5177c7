package eval

import (
	"strings"

	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/loom/internal/engine/graph"
	"go.trai.ch/zerr"
)

// breakCycles runs when the evaluation has stalled: no worker is active,
// nothing is queued or pending externally, yet parked nodes remain. At that
// point every outstanding wait points at another parked node, so the waiting
// graph necessarily contains at least one cycle. Each strongly connected
// component of size greater than one (or with a self edge) is reported as one
// cycle error naming every participating key; the cycle nodes are finalized
// with that error, which then propagates to their dependents through the
// normal completion path.
func (e *evaluation) breakCycles() {
	waiting := e.waitingEdges()

	cycles := stronglyConnected(waiting)
	broke := false
	for _, scc := range cycles {
		if len(scc) == 1 {
			self := false
			for _, d := range waiting[scc[0]] {
				if d == scc[0] {
					self = true
					break
				}
			}
			if !self {
				continue
			}
		}
		broke = true
		e.failCycle(scc, scc)
	}

	if !broke {
		domain.Invariantf(
			"evaluation stalled with %d parked nodes but no cycle in the waiting graph",
			len(e.parked),
		)
	}
}

// breakSharedCycles handles a stall where at least one outstanding wait
// points at a key claimed by another evaluation. The local waiting edges are
// published to the store and the union across all stalled evaluations is
// checked; each cycle found is broken by failing the members this evaluation
// owns. Finalizing them notifies the other evaluations' subscriptions, which
// unblocks them in turn. Returns whether any cycle was broken; when none was,
// the stall stays published so the evaluation that closes the cycle later
// can see our half of it.
func (e *evaluation) breakSharedCycles() bool {
	var edges []graph.WaitEdge
	for dep, ps := range e.parents {
		if e.status[dep] == statusDone {
			continue
		}
		for _, parent := range ps {
			if _, isParked := e.parked[parent]; isParked {
				edges = append(edges, graph.WaitEdge{From: parent, To: dep})
			}
		}
	}

	union := e.ev.store.ReportStall(e, edges)
	waiting := make(map[domain.NodeKey][]domain.NodeKey)
	for _, edge := range union {
		waiting[edge.From] = append(waiting[edge.From], edge.To)
		if _, known := waiting[edge.To]; !known {
			waiting[edge.To] = nil
		}
	}

	broke := false
	for _, scc := range stronglyConnected(waiting) {
		if len(scc) == 1 {
			self := false
			for _, d := range waiting[scc[0]] {
				if d == scc[0] {
					self = true
					break
				}
			}
			if !self {
				continue
			}
		}
		owned := make([]domain.NodeKey, 0, len(scc))
		for _, key := range scc {
			if _, held := e.claimed[key]; held {
				owned = append(owned, key)
			}
		}
		if len(owned) == 0 {
			continue
		}
		broke = true
		e.failCycle(scc, owned)
	}

	if broke {
		e.ev.store.ClearStall(e)
	}
	return broke
}

// waitingEdges reconstructs, for every parked node, the set of keys it is
// still waiting on.
func (e *evaluation) waitingEdges() map[domain.NodeKey][]domain.NodeKey {
	waiting := make(map[domain.NodeKey][]domain.NodeKey, len(e.parked))
	for key := range e.parked {
		waiting[key] = nil
	}
	for dep, ps := range e.parents {
		if e.status[dep] == statusDone {
			continue
		}
		for _, parent := range ps {
			if _, isParked := e.parked[parent]; isParked {
				waiting[parent] = append(waiting[parent], dep)
			}
		}
	}
	return waiting
}

// failCycle finalizes the nodes this evaluation owns on one cycle with a
// cycle error naming every member. For a purely local cycle owned is the
// whole component; for a cycle shared with other evaluations it is the subset
// claimed here, and finalizing it breaks the cycle for everyone.
func (e *evaluation) failCycle(scc, owned []domain.NodeKey) {
	cycleErr := zerr.With(domain.ErrCycleDetected, "cycle", renderCycleKeys(scc))

	// Remove all members first so completion of one member does not wake
	// another mid-teardown.
	for _, key := range owned {
		delete(e.parked, key)
		delete(e.claimed, key)
	}
	for _, key := range owned {
		e.ev.store.FinalizeNode(key, nil, cycleErr, []domain.NodeKey{key}, nil, e.build)
		_, vtx := e.ev.tel.Record(e.ctx, key.String())
		vtx.Complete(cycleErr)
		e.recordError(&NodeError{Key: key, Err: cycleErr, Chain: []domain.NodeKey{key}})
		e.completeNode(key)
	}
}

func renderCycleKeys(scc []domain.NodeKey) string {
	parts := make([]string, 0, len(scc)+1)
	for _, k := range scc {
		parts = append(parts, k.String())
	}
	parts = append(parts, scc[0].String())
	return strings.Join(parts, " -> ")
}

// stronglyConnected returns the strongly connected components of the waiting
// graph (Tarjan). Component members are returned in discovery order, which
// renders cycles in a stable, readable direction.
func stronglyConnected(edges map[domain.NodeKey][]domain.NodeKey) [][]domain.NodeKey {
	type frame struct {
		index, lowlink int
		onStack        bool
	}
	nodes := make(map[domain.NodeKey]*frame, len(edges))
	var stack []domain.NodeKey
	var sccs [][]domain.NodeKey
	index := 0

	var strongconnect func(v domain.NodeKey)
	strongconnect = func(v domain.NodeKey) {
		f := &frame{index: index, lowlink: index, onStack: true}
		nodes[v] = f
		index++
		stack = append(stack, v)

		for _, w := range edges[v] {
			if _, known := edges[w]; !known {
				continue
			}
			wf, visited := nodes[w]
			if !visited {
				strongconnect(w)
				if nodes[w].lowlink < f.lowlink {
					f.lowlink = nodes[w].lowlink
				}
			} else if wf.onStack {
				if wf.index < f.lowlink {
					f.lowlink = wf.index
				}
			}
		}

		if f.lowlink == f.index {
			var scc []domain.NodeKey
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				nodes[w].onStack = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			// Reverse to discovery order.
			for i, j := 0, len(scc)-1; i < j; i, j = i+1, j-1 {
				scc[i], scc[j] = scc[j], scc[i]
			}
			sccs = append(sccs, scc)
		}
	}

	for v := range edges {
		if _, visited := nodes[v]; !visited {
			strongconnect(v)
		}
	}
	return sccs
}
