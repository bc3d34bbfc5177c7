// Package graph implements the node store: the single source of truth for
// graph shape, node values, version stamps and lifecycle states. All mutation
// happens through narrow per-operation atomics so the single-writer-per-key
// invariant is enforced structurally rather than by convention.
package graph

import (
	"slices"
	"sync"

	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/zerr"
)

// ClaimAction tells the scheduler what to do with a key it dequeued.
type ClaimAction int

const (
	// ClaimCached means the node is already valid for this build; the claim
	// carries its value or terminal error.
	ClaimCached ClaimAction = iota
	// ClaimRun means the caller now owns the node and must run its
	// function.
	ClaimRun
	// ClaimCheckDeps means the caller now owns the node and must
	// re-validate its recorded dependencies, in order, before deciding
	// whether to run the function.
	ClaimCheckDeps
	// ClaimWait means another evaluation owns the node; the caller has been
	// subscribed and will be notified on its channel when the node
	// completes.
	ClaimWait
)

// Claim is the result of BeginNode.
type Claim struct {
	Action   ClaimAction
	Value    domain.NodeValue
	Err      error
	ErrChain []domain.NodeKey
	// PrevDeps and PrevVerified accompany ClaimCheckDeps: the dependency
	// list recorded by the last completed evaluation and the build at which
	// it was last confirmed up to date.
	PrevDeps     []domain.NodeKey
	PrevVerified domain.BuildVersion
}

// Subscriber receives completion notifications for keys claimed by another
// evaluation. Done guards against sends to an evaluation that already
// returned.
type Subscriber struct {
	Ch   chan<- domain.NodeKey
	Done <-chan struct{}
}

// DepState is a read-only snapshot used during dirty re-validation.
type DepState struct {
	Version domain.BuildVersion
	Errored bool
	// DoneThisBuild reports whether the dependency has been confirmed for
	// the current build; comparison is only meaningful when true.
	DoneThisBuild bool
}

// WaitEdge is one parent -> dependency waiting edge published by a stalled
// evaluation.
type WaitEdge struct {
	From domain.NodeKey
	To   domain.NodeKey
}

// Store is the concurrent node store. It lives for the process lifetime and
// is shared by every evaluation and the invalidator; it is the only shared
// mutable structure in the engine core.
type Store struct {
	mu      sync.RWMutex
	nodes   map[domain.NodeKey]*nodeEntry
	version domain.BuildVersion
	active  int
	stalled map[any][]WaitEdge
}

// NewStore creates an empty node store.
func NewStore() *Store {
	return &Store{
		nodes:   make(map[domain.NodeKey]*nodeEntry),
		stalled: make(map[any][]WaitEdge),
	}
}

// entry returns the entry for key, creating it if absent. Creation is
// idempotent: concurrent calls for the same key observe the same entry.
func (s *Store) entry(key domain.NodeKey) *nodeEntry {
	s.mu.RLock()
	e, ok := s.nodes[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.nodes[key]; ok {
		return e
	}
	e = newNodeEntry(key)
	s.nodes[key] = e
	return e
}

// BeginEvaluation registers an evaluation against the store and returns the
// build version it runs at. Evaluations that overlap in time share a build
// version; the version only advances when the store goes from quiescent to
// evaluating, so invalidation (which requires quiescence) always precedes a
// version bump.
func (s *Store) BeginEvaluation() domain.BuildVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == 0 {
		s.version++
	}
	s.active++
	return s.version
}

// EndEvaluation unregisters an evaluation.
func (s *Store) EndEvaluation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == 0 {
		domain.Invariantf("EndEvaluation without matching BeginEvaluation")
	}
	s.active--
}

// Version returns the current build version.
func (s *Store) Version() domain.BuildVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Evaluating reports whether any evaluation is in flight.
func (s *Store) Evaluating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active > 0
}

// BeginNode atomically decides how a dequeued key must be handled and, when
// the answer is "compute it", claims the key for the caller. At most one
// claim exists per key at any time; a second caller is subscribed instead of
// claimed, which is what guarantees a function is never invoked concurrently
// with itself for the same key.
func (s *Store) BeginNode(key domain.NodeKey, build domain.BuildVersion, sub *Subscriber) Claim {
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case domain.StateDone:
		// Valid from this build, or carried over untouched from a prior
		// build (the invalidator would have marked it otherwise).
		e.verified = build
		return Claim{Action: ClaimCached, Value: e.value, Err: e.err, ErrChain: slices.Clone(e.errChain)}

	case domain.StateDirty:
		e.prevState = e.state
		e.state = domain.StateEvaluating
		return Claim{
			Action:       ClaimCheckDeps,
			PrevDeps:     slices.Clone(e.directDeps),
			PrevVerified: e.verified,
		}

	case domain.StateChanged, domain.StateNotEvaluated:
		e.prevState = e.state
		e.state = domain.StateEvaluating
		return Claim{Action: ClaimRun}

	case domain.StateEvaluating:
		e.subscribers = append(e.subscribers, sub)
		return Claim{Action: ClaimWait}

	default:
		domain.Invariantf("node %s in unknown state %s", key, e.state)
		return Claim{}
	}
}

// DoneResult is the completed value or terminal error of a done node.
type DoneResult struct {
	Value    domain.NodeValue
	Err      error
	ErrChain []domain.NodeKey
}

// TryGetDone is the lock-light hot path exercised by every dependency read:
// it returns the node's value (or terminal error) iff the node is valid for
// the given build, touching its verification stamp on a clean carry-over.
func (s *Store) TryGetDone(key domain.NodeKey, build domain.BuildVersion) (DoneResult, bool) {
	s.mu.RLock()
	e, ok := s.nodes[key]
	s.mu.RUnlock()
	if !ok {
		return DoneResult{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != domain.StateDone {
		return DoneResult{}, false
	}
	e.verified = build
	return DoneResult{Value: e.value, Err: e.err, ErrChain: slices.Clone(e.errChain)}, true
}

// AddReverseDep records that dependent reads dep, creating dep's entry if
// needed. The scheduler calls it as dependencies are declared mid-flight so
// the reverse edge exists even if the build is interrupted before dependent
// finalizes; FinalizeNode later reconciles the edge set exactly.
func (s *Store) AddReverseDep(dep, dependent domain.NodeKey) {
	e := s.entry(dep)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reverseDeps[dependent] = struct{}{}
}

// FinalizeNode commits the result of a claimed node's evaluation: it installs
// the value or terminal error, replaces the direct dependencies with exactly
// the deps used by this evaluation (dropping reverse edges for deps from a
// now-irrelevant code path), stamps versions, and wakes subscribers. It
// returns whether the node's value actually changed. Finalizing a node that
// is not claimed is an engine invariant violation.
func (s *Store) FinalizeNode(
	key domain.NodeKey,
	value domain.NodeValue,
	err error,
	errChain []domain.NodeKey,
	deps []domain.NodeKey,
	build domain.BuildVersion,
) bool {
	e := s.entry(key)

	e.mu.Lock()
	if e.state != domain.StateEvaluating {
		e.mu.Unlock()
		domain.Invariantf("finalize of %s in state %s (double finalize or finalize without claim)", key, e.state)
	}

	changed := true
	if err == nil && e.err == nil && e.value != nil {
		changed = !value.Equal(e.value)
	}

	oldDeps := e.directDeps
	e.directDeps = slices.Clone(deps)
	e.value = value
	e.err = err
	e.errChain = slices.Clone(errChain)
	e.state = domain.StateDone
	e.verified = build
	if changed {
		e.version = build
	}
	e.notifyLocked()
	e.mu.Unlock()

	s.reconcileReverseDeps(key, oldDeps, deps)
	return changed
}

// reconcileReverseDeps drops the reverse edge from stale deps and ensures it
// on current ones. A node must never be considered dependent on an edge it no
// longer reads, or invalidation would be unsound in one direction and
// wasteful in the other.
func (s *Store) reconcileReverseDeps(key domain.NodeKey, oldDeps, newDeps []domain.NodeKey) {
	current := make(map[domain.NodeKey]struct{}, len(newDeps))
	for _, d := range newDeps {
		current[d] = struct{}{}
	}
	for _, d := range oldDeps {
		if _, keep := current[d]; keep {
			continue
		}
		e := s.entry(d)
		e.mu.Lock()
		delete(e.reverseDeps, key)
		e.mu.Unlock()
	}
	for _, d := range newDeps {
		e := s.entry(d)
		e.mu.Lock()
		e.reverseDeps[key] = struct{}{}
		e.mu.Unlock()
	}
}

// RevertClean puts a dirty-claimed node back to Done after every recorded
// dependency re-validated as unchanged. Value and change version are left
// untouched; only the verification stamp advances, so the node's own reverse
// dependencies see no change and pruning stops here.
func (s *Store) RevertClean(key domain.NodeKey, build domain.BuildVersion) (domain.NodeValue, error) {
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != domain.StateEvaluating || e.prevState != domain.StateDirty {
		domain.Invariantf("clean revert of %s in state %s (prev %s)", key, e.state, e.prevState)
	}
	e.state = domain.StateDone
	e.verified = build
	e.notifyLocked()
	return e.value, e.err
}

// AbortNode releases a claim without finalizing, restoring the state the
// claim was taken from. Used when an evaluation is cancelled with nodes still
// in flight: the node reverts to not-done and will be recomputed next build.
func (s *Store) AbortNode(key domain.NodeKey) {
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != domain.StateEvaluating {
		domain.Invariantf("abort of %s in state %s (no claim held)", key, e.state)
	}
	e.state = e.prevState
	e.notifyLocked()
}

// ReportStall publishes the waiting edges of an evaluation that cannot make
// progress without a key claimed by another evaluation, and returns the union
// of edges across every evaluation currently stalled. A dependency cycle
// split across evaluations is invisible to each one alone; whichever
// evaluation stalls last sees the complete waiting graph in the returned
// union. Publish and snapshot are atomic, so of two evaluations closing a
// cycle against each other at least one observes both halves.
func (s *Store) ReportStall(token any, edges []WaitEdge) []WaitEdge {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled[token] = edges

	var union []WaitEdge
	for _, es := range s.stalled {
		union = append(union, es...)
	}
	return union
}

// ClearStall withdraws an evaluation's published waiting edges. Called
// whenever the evaluation makes progress again or returns.
func (s *Store) ClearStall(token any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stalled, token)
}

// DepState snapshots the fields dirty re-validation needs for one dep.
func (s *Store) DepState(key domain.NodeKey, build domain.BuildVersion) DepState {
	s.mu.RLock()
	e, ok := s.nodes[key]
	s.mu.RUnlock()
	if !ok {
		return DepState{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return DepState{
		Version:       e.version,
		Errored:       e.err != nil,
		DoneThisBuild: e.doneAt(build),
	}
}

// MarkChanged transitions a node to Changed: its function will be re-run
// unconditionally. Returns false if the node does not exist or has never been
// evaluated. Only legal between builds.
func (s *Store) MarkChanged(key domain.NodeKey) bool {
	s.mu.RLock()
	e, ok := s.nodes[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case domain.StateDone, domain.StateDirty:
		e.state = domain.StateChanged
		return true
	case domain.StateChanged:
		return false
	case domain.StateEvaluating:
		domain.Invariantf("mark changed of %s while evaluating", key)
		return false
	default:
		return false
	}
}

// MarkDirty transitions a Done node to Dirty for lazy re-validation. Returns
// true only when the node transitioned, so the invalidator can stop walking
// at nodes whose reverse dependencies were already dirtied.
func (s *Store) MarkDirty(key domain.NodeKey) bool {
	s.mu.RLock()
	e, ok := s.nodes[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case domain.StateDone:
		e.state = domain.StateDirty
		return true
	case domain.StateEvaluating:
		domain.Invariantf("mark dirty of %s while evaluating", key)
		return false
	default:
		// Already dirty or changed: its reverse deps were dirtied when it
		// transitioned.
		return false
	}
}

// ReverseDepsOf returns the keys currently depending on key.
func (s *Store) ReverseDepsOf(key domain.NodeKey) []domain.NodeKey {
	s.mu.RLock()
	e, ok := s.nodes[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.NodeKey, 0, len(e.reverseDeps))
	for k := range e.reverseDeps {
		out = append(out, k)
	}
	return out
}

// Prune removes nodes from the graph, detaching their reverse edges from
// their dependencies. Deletion is only legal when no evaluation is in flight.
func (s *Store) Prune(keys []domain.NodeKey) error {
	s.mu.Lock()
	if s.active > 0 {
		s.mu.Unlock()
		return zerr.Wrap(domain.ErrEvaluationInFlight, "cannot prune")
	}

	entries := make([]*nodeEntry, 0, len(keys))
	for _, key := range keys {
		if e, ok := s.nodes[key]; ok {
			entries = append(entries, e)
			delete(s.nodes, key)
		}
	}
	remaining := make([]*nodeEntry, 0, len(s.nodes))
	for _, e := range s.nodes {
		remaining = append(remaining, e)
	}
	s.mu.Unlock()

	pruned := make(map[domain.NodeKey]struct{}, len(entries))
	for _, e := range entries {
		pruned[e.key] = struct{}{}
	}
	for _, e := range remaining {
		e.mu.Lock()
		for k := range pruned {
			delete(e.reverseDeps, k)
		}
		e.mu.Unlock()
	}
	return nil
}
