package eval

import (
	"context"
	"errors"

	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/loom/internal/core/ports"
	"go.trai.ch/loom/internal/engine/graph"
)

// nodeStatus is the scheduler's view of a key within one evaluation:
// queued -> running -> {done, parked} with parked re-entering queued once the
// outstanding dependencies it requested have completed.
type nodeStatus int

const (
	statusQueued nodeStatus = iota
	statusRunning
	statusParked
	statusWaitingExt
	statusDone
)

// parkedNode tracks a node waiting on dependencies: either a restarted
// function waiting for the deps it found missing, or a dirty node whose
// recorded deps are being re-validated one at a time in request order.
type parkedNode struct {
	outstanding int

	checking     bool
	prevDeps     []domain.NodeKey
	prevVerified domain.BuildVersion
	checkIdx     int
}

// nodeResult is what a worker reports back after one function invocation.
type nodeResult struct {
	key     domain.NodeKey
	value   domain.NodeValue
	err     error
	deps    []domain.NodeKey
	missing []domain.NodeKey
	failed  []failedDep
}

// evaluation is the per-Evaluate scheduling state. All fields are owned by
// the single scheduler goroutine running the loop; workers communicate
// exclusively through the results channel, and other evaluations through the
// store's completion notifications on extDone.
type evaluation struct {
	ev     *Evaluator
	ctx    context.Context
	cancel context.CancelFunc
	build  domain.BuildVersion
	policy Policy
	roots  []domain.NodeKey

	status  map[domain.NodeKey]nodeStatus
	claimed map[domain.NodeKey]struct{}
	parked  map[domain.NodeKey]*parkedNode
	parents map[domain.NodeKey][]domain.NodeKey
	ready   []domain.NodeKey

	results    chan nodeResult
	extDone    chan domain.NodeKey
	extWaiting int
	active     int

	errs        map[domain.NodeKey]*NodeError
	failing     bool
	interrupted bool
	quit        chan struct{}
}

func (e *evaluation) run() {
	defer e.ev.store.ClearStall(e)

	for _, k := range e.roots {
		e.enqueue(k)
	}

	for {
		e.dispatch()

		if e.failing {
			e.shutdown(false)
			return
		}
		if e.done() {
			return
		}
		if e.active == 0 && len(e.ready) == 0 {
			if e.ctx.Err() != nil {
				// Interrupt wind-down, not a stall: nothing is running and
				// nothing more will be scheduled.
				e.shutdown(true)
				return
			}
			if e.extWaiting == 0 {
				// No worker can make progress and nothing external is
				// pending, yet parked nodes remain: the waits are mutually
				// unsatisfiable.
				e.breakCycles()
				continue
			}
			// Every outstanding wait points at a key claimed by another
			// evaluation. A cycle split across evaluations is invisible to
			// each one alone, so publish our waiting edges and check the
			// union reported by all stalled evaluations.
			if e.breakSharedCycles() {
				continue
			}
		}

		select {
		case res := <-e.results:
			e.ev.store.ClearStall(e)
			e.handleResult(res)
		case k := <-e.extDone:
			e.ev.store.ClearStall(e)
			e.handleExternalDone(k)
		case <-e.ctx.Done():
			e.ev.store.ClearStall(e)
			e.shutdown(true)
			return
		}
	}
}

func (e *evaluation) done() bool {
	if e.active > 0 || len(e.ready) > 0 || len(e.parked) > 0 || e.extWaiting > 0 {
		return false
	}
	for _, k := range e.roots {
		if e.status[k] != statusDone {
			return false
		}
	}
	return true
}

// enqueue adds a key to the ready queue unless this evaluation is already
// tracking it.
func (e *evaluation) enqueue(key domain.NodeKey) {
	if _, tracked := e.status[key]; tracked {
		return
	}
	e.status[key] = statusQueued
	e.ready = append(e.ready, key)
}

// requeue puts an already-claimed key back on the ready queue (wake after
// park, or escalation from a dirty check to a full run).
func (e *evaluation) requeue(key domain.NodeKey) {
	e.status[key] = statusQueued
	e.ready = append(e.ready, key)
}

// dispatch drains the ready queue, claiming keys and starting workers until
// the pool is saturated.
func (e *evaluation) dispatch() {
	for len(e.ready) > 0 && !e.failing {
		if e.ctx.Err() != nil {
			return
		}
		if e.active >= e.ev.parallelism {
			return
		}
		key := e.ready[0]
		e.ready = e.ready[1:]

		if _, held := e.claimed[key]; held {
			// Re-run after a restart wake or a dirty-check escalation; the
			// claim is still ours.
			e.startWorker(key)
			continue
		}

		sub := &graph.Subscriber{Ch: e.extDone, Done: e.quit}
		claim := e.ev.store.BeginNode(key, e.build, sub)
		switch claim.Action {
		case graph.ClaimCached:
			e.completeCached(key, claim.Err, claim.ErrChain)
		case graph.ClaimWait:
			e.status[key] = statusWaitingExt
			e.extWaiting++
		case graph.ClaimCheckDeps:
			e.claimed[key] = struct{}{}
			e.status[key] = statusRunning
			p := &parkedNode{
				checking:     true,
				prevDeps:     claim.PrevDeps,
				prevVerified: claim.PrevVerified,
			}
			e.advanceCheck(key, p)
		case graph.ClaimRun:
			e.claimed[key] = struct{}{}
			e.startWorker(key)
		}
	}
}

// startWorker runs the key's function on a worker goroutine with a fresh
// environment.
func (e *evaluation) startWorker(key domain.NodeKey) {
	e.active++
	e.status[key] = statusRunning

	go func() {
		fn, err := e.ev.reg.Lookup(key.Kind)
		if err != nil {
			e.results <- nodeResult{key: key, err: err}
			return
		}

		ctx, vtx := e.ev.tel.Record(e.ctx, key.String())
		n := newEnv(e, key)
		value, ferr := fn(ports.ContextWithVertex(ctx, vtx), key, n)

		if ferr == nil && value == nil && len(n.missing) > 0 {
			// Restart: the vertex stays open; the next invocation resumes it.
			e.results <- nodeResult{key: key, deps: n.deps, missing: n.missing, failed: n.failed}
			return
		}
		vtx.Complete(ferr)
		e.results <- nodeResult{key: key, value: value, err: ferr, deps: n.deps, failed: n.failed}
	}()
}

func (e *evaluation) handleResult(res nodeResult) {
	e.active--
	key := res.key

	switch {
	case res.err != nil && errors.Is(res.err, context.Canceled) && e.ctx.Err() != nil:
		// The worker observed the cancellation mid-flight. Release the claim
		// so the node reverts to its pre-claim state; memoizing the
		// cancellation would poison the node for later builds.
		e.ev.store.AbortNode(key)
		delete(e.claimed, key)

	case res.err != nil:
		ne := e.nodeError(key, res)
		e.ev.store.FinalizeNode(key, nil, res.err, ne.Chain, res.deps, e.build)
		e.recordError(ne)
		delete(e.claimed, key)
		e.completeNode(key)

	case len(res.missing) > 0:
		e.park(key, res)

	case res.value == nil:
		domain.Invariantf("function for %s returned no value, no error and no missing deps", key)

	default:
		e.ev.store.FinalizeNode(key, res.value, nil, nil, res.deps, e.build)
		delete(e.claimed, key)
		e.completeNode(key)
	}
}

// park suspends a restarted node until the dependencies it found missing have
// completed. The reverse edge is recorded immediately so invalidation stays
// sound even if this build is interrupted before the node finalizes.
func (e *evaluation) park(key domain.NodeKey, res nodeResult) {
	p := &parkedNode{}
	for _, dep := range res.missing {
		if e.depDone(dep) {
			// Completed while the function was running; the restart will
			// see it.
			continue
		}
		p.outstanding++
		e.parents[dep] = append(e.parents[dep], key)
		e.ev.store.AddReverseDep(dep, key)
		e.enqueue(dep)
	}
	if p.outstanding == 0 {
		e.requeue(key)
		return
	}
	e.parked[key] = p
	e.status[key] = statusParked
}

// depDone reports whether a dependency is already complete for this build.
func (e *evaluation) depDone(dep domain.NodeKey) bool {
	if st, tracked := e.status[dep]; tracked {
		return st == statusDone
	}
	if _, ok := e.ev.store.TryGetDone(dep, e.build); ok {
		// Completed by an earlier build or another evaluation; nothing left
		// to schedule.
		e.status[dep] = statusDone
		return true
	}
	return false
}

// advanceCheck re-validates a dirty node's recorded deps in their original
// request order. The first dependency whose value actually changed since the
// node was last verified escalates the node to a full recompute; if every dep
// re-validates as unchanged the node reverts to Done without running its
// function, and its own reverse deps are left untouched.
func (e *evaluation) advanceCheck(key domain.NodeKey, p *parkedNode) {
	for p.checkIdx < len(p.prevDeps) {
		dep := p.prevDeps[p.checkIdx]
		ds := e.ev.store.DepState(dep, e.build)

		if !ds.DoneThisBuild {
			p.outstanding = 1
			e.parents[dep] = append(e.parents[dep], key)
			e.parked[key] = p
			e.status[key] = statusParked
			e.enqueue(dep)
			return
		}
		if ds.Errored || ds.Version > p.prevVerified {
			delete(e.parked, key)
			e.requeue(key)
			return
		}
		p.checkIdx++
	}

	// Every dependency re-validated as unchanged: change pruning stops here.
	_, err := e.ev.store.RevertClean(key, e.build)
	delete(e.parked, key)
	delete(e.claimed, key)

	_, vtx := e.ev.tel.Record(e.ctx, key.String())
	vtx.Cached()
	vtx.Complete(err)
	if err != nil {
		res, _ := e.ev.store.TryGetDone(key, e.build)
		chain := res.ErrChain
		if len(chain) == 0 {
			chain = []domain.NodeKey{key}
		}
		e.recordError(&NodeError{Key: key, Err: err, Chain: chain})
	}
	e.completeNode(key)
}

// completeCached handles a node that was already valid for this build.
func (e *evaluation) completeCached(key domain.NodeKey, err error, chain []domain.NodeKey) {
	_, vtx := e.ev.tel.Record(e.ctx, key.String())
	vtx.Cached()
	vtx.Complete(err)
	if err != nil {
		if len(chain) == 0 {
			chain = []domain.NodeKey{key}
		}
		e.recordError(&NodeError{Key: key, Err: err, Chain: chain})
	}
	e.completeNode(key)
}

// handleExternalDone reacts to a completion notification for a key owned by
// another evaluation.
func (e *evaluation) handleExternalDone(key domain.NodeKey) {
	if e.status[key] != statusWaitingExt {
		return
	}
	e.extWaiting--

	res, ok := e.ev.store.TryGetDone(key, e.build)
	if !ok {
		// The owner released its claim without finalizing (aborted); take
		// over.
		delete(e.status, key)
		e.enqueue(key)
		return
	}
	if res.Err != nil {
		chain := res.ErrChain
		if len(chain) == 0 {
			chain = []domain.NodeKey{key}
		}
		e.recordError(&NodeError{Key: key, Err: res.Err, Chain: chain})
	}
	e.completeNode(key)
}

// completeNode marks a key finished for this evaluation and wakes parked
// nodes that were waiting on it.
func (e *evaluation) completeNode(key domain.NodeKey) {
	e.status[key] = statusDone
	delete(e.parked, key)

	waiters := e.parents[key]
	delete(e.parents, key)
	for _, parent := range waiters {
		p := e.parked[parent]
		if p == nil {
			continue
		}
		if p.checking {
			e.advanceCheck(parent, p)
			continue
		}
		p.outstanding--
		if p.outstanding == 0 {
			delete(e.parked, parent)
			e.requeue(parent)
		}
	}
}

// recordError notes a node failure and trips fail-fast.
func (e *evaluation) recordError(ne *NodeError) {
	e.errs[ne.Key] = ne
	e.ev.log.Error(ne)
	if e.policy == FailFast && !e.failing {
		e.failing = true
		e.cancel()
	}
}

// nodeError builds the NodeError for a failed function invocation. When the
// failure is the propagation of a dependency's error, the implicating chain
// extends the dependency's own chain.
func (e *evaluation) nodeError(key domain.NodeKey, res nodeResult) *NodeError {
	if errors.Is(res.err, domain.ErrDependencyFailed) && len(res.failed) > 0 {
		f := res.failed[0]
		chain := append([]domain.NodeKey{key}, f.chain...)
		if len(f.chain) == 0 {
			chain = append(chain, f.key)
		}
		return &NodeError{Key: key, Err: res.err, Chain: chain}
	}
	return &NodeError{Key: key, Err: res.err, Chain: []domain.NodeKey{key}}
}

// shutdown drains in-flight workers and releases every claim this evaluation
// still holds. Completed work that arrives during the drain is retained;
// partial work is discarded and the nodes revert to their pre-claim state.
func (e *evaluation) shutdown(interrupted bool) {
	e.interrupted = e.interrupted || interrupted
	e.cancel()

	for e.active > 0 {
		res := <-e.results
		e.active--
		e.absorbResult(res)
	}
	for key := range e.claimed {
		e.ev.store.AbortNode(key)
	}
	clear(e.claimed)
}

// absorbResult finalizes work that genuinely completed during a drain and
// discards the rest.
func (e *evaluation) absorbResult(res nodeResult) {
	key := res.key
	if _, held := e.claimed[key]; !held {
		return
	}
	switch {
	case res.err != nil && !errors.Is(res.err, context.Canceled):
		ne := e.nodeError(key, res)
		e.ev.store.FinalizeNode(key, nil, res.err, ne.Chain, res.deps, e.build)
		e.errs[key] = ne
		delete(e.claimed, key)
		e.status[key] = statusDone
	case res.err == nil && res.value != nil && len(res.missing) == 0:
		e.ev.store.FinalizeNode(key, res.value, nil, nil, res.deps, e.build)
		delete(e.claimed, key)
		e.status[key] = statusDone
	default:
		// Partial or cancelled: the claim is released by shutdown.
	}
}

// buildResult assembles the per-root outcome.
func (e *evaluation) buildResult() *Result {
	res := &Result{
		values:  make(map[domain.NodeKey]domain.NodeValue),
		errs:    make(map[domain.NodeKey]*NodeError),
		allErrs: e.errs,
	}
	for _, root := range e.roots {
		if ne, failed := e.errs[root]; failed {
			res.errs[root] = ne
			continue
		}
		done, ok := e.ev.store.TryGetDone(root, e.build)
		switch {
		case ok && done.Err == nil:
			res.values[root] = done.Value
		case ok:
			chain := done.ErrChain
			if len(chain) == 0 {
				chain = []domain.NodeKey{root}
			}
			res.errs[root] = &NodeError{Key: root, Err: done.Err, Chain: chain}
		default:
			reason := domain.ErrStopped
			if e.interrupted {
				reason = domain.ErrInterrupted
			}
			res.errs[root] = &NodeError{
				Key:   root,
				Err:   reason,
				Chain: []domain.NodeKey{root},
			}
		}
	}
	return res
}
