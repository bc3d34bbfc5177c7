package graph_test

import (
	"errors"
	"testing"
	"testing/synctest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/loom/internal/engine/graph"
)

type strValue string

func (v strValue) Equal(other domain.NodeValue) bool {
	o, ok := other.(strValue)
	return ok && o == v
}

func key(kind, arg string) domain.NodeKey {
	return domain.NewNodeKey(domain.FunctionKind(kind), arg)
}

func TestStoreBuildVersionAdvancesOnlyFromQuiescence(t *testing.T) {
	s := graph.NewStore()

	b1 := s.BeginEvaluation()
	assert.Equal(t, domain.BuildVersion(1), b1)

	// Overlapping evaluation shares the build version.
	b2 := s.BeginEvaluation()
	assert.Equal(t, b1, b2)
	assert.True(t, s.Evaluating())

	s.EndEvaluation()
	s.EndEvaluation()
	assert.False(t, s.Evaluating())

	b3 := s.BeginEvaluation()
	assert.Equal(t, domain.BuildVersion(2), b3)
	s.EndEvaluation()
}

func TestStoreClaimLifecycle(t *testing.T) {
	s := graph.NewStore()
	k := key("f", "a")
	build := s.BeginEvaluation()
	defer s.EndEvaluation()

	claim := s.BeginNode(k, build, nil)
	require.Equal(t, graph.ClaimRun, claim.Action)

	st, ok := s.State(k)
	require.True(t, ok)
	assert.Equal(t, domain.StateEvaluating, st)

	_, done := s.TryGetDone(k, build)
	assert.False(t, done, "claimed node is not readable")

	changed := s.FinalizeNode(k, strValue("v1"), nil, nil, nil, build)
	assert.True(t, changed, "first value always counts as changed")

	res, done := s.TryGetDone(k, build)
	require.True(t, done)
	assert.Equal(t, strValue("v1"), res.Value)

	claim = s.BeginNode(k, build, nil)
	require.Equal(t, graph.ClaimCached, claim.Action)
	assert.Equal(t, strValue("v1"), claim.Value)
}

func TestStoreSecondClaimerSubscribes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := graph.NewStore()
		k := key("f", "a")
		build := s.BeginEvaluation()
		defer s.EndEvaluation()

		claim := s.BeginNode(k, build, nil)
		require.Equal(t, graph.ClaimRun, claim.Action)

		ch := make(chan domain.NodeKey, 1)
		quit := make(chan struct{})
		defer close(quit)

		claim = s.BeginNode(k, build, &graph.Subscriber{Ch: ch, Done: quit})
		require.Equal(t, graph.ClaimWait, claim.Action, "a key is never claimed twice")

		s.FinalizeNode(k, strValue("v"), nil, nil, nil, build)
		assert.Equal(t, k, <-ch, "subscriber is notified on completion")
	})
}

func TestStoreAbandonedSubscriberDoesNotBlockFinalize(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := graph.NewStore()
		k := key("f", "a")
		build := s.BeginEvaluation()
		defer s.EndEvaluation()

		require.Equal(t, graph.ClaimRun, s.BeginNode(k, build, nil).Action)

		ch := make(chan domain.NodeKey) // unbuffered, never read
		quit := make(chan struct{})
		sub := &graph.Subscriber{Ch: ch, Done: quit}
		require.Equal(t, graph.ClaimWait, s.BeginNode(k, build, sub).Action)

		s.FinalizeNode(k, strValue("v"), nil, nil, nil, build)
		close(quit) // subscriber went away; the pending notify must not leak
		synctest.Wait()

		res, ok := s.TryGetDone(k, build)
		require.True(t, ok)
		assert.Equal(t, strValue("v"), res.Value)
	})
}

func TestStoreFinalizeWithoutClaimPanics(t *testing.T) {
	s := graph.NewStore()
	k := key("f", "a")
	build := s.BeginEvaluation()
	defer s.EndEvaluation()

	assert.Panics(t, func() {
		s.FinalizeNode(k, strValue("v"), nil, nil, nil, build)
	})
}

func TestStoreDoubleFinalizePanics(t *testing.T) {
	s := graph.NewStore()
	k := key("f", "a")
	build := s.BeginEvaluation()
	defer s.EndEvaluation()

	require.Equal(t, graph.ClaimRun, s.BeginNode(k, build, nil).Action)
	s.FinalizeNode(k, strValue("v"), nil, nil, nil, build)

	assert.Panics(t, func() {
		s.FinalizeNode(k, strValue("v"), nil, nil, nil, build)
	})
}

func TestStoreAbortRestoresPreClaimState(t *testing.T) {
	s := graph.NewStore()
	k := key("f", "a")

	build := s.BeginEvaluation()
	require.Equal(t, graph.ClaimRun, s.BeginNode(k, build, nil).Action)
	s.AbortNode(k)
	st, _ := s.State(k)
	assert.Equal(t, domain.StateNotEvaluated, st)

	require.Equal(t, graph.ClaimRun, s.BeginNode(k, build, nil).Action)
	s.FinalizeNode(k, strValue("v"), nil, nil, nil, build)
	s.EndEvaluation()

	require.True(t, s.MarkDirty(k))
	build = s.BeginEvaluation()
	defer s.EndEvaluation()
	require.Equal(t, graph.ClaimCheckDeps, s.BeginNode(k, build, nil).Action)
	s.AbortNode(k)
	st, _ = s.State(k)
	assert.Equal(t, domain.StateDirty, st, "abort restores the state the claim was taken from")
}

func TestStoreChangeVersionTracksValueEquality(t *testing.T) {
	s := graph.NewStore()
	k := key("f", "a")

	build := s.BeginEvaluation()
	s.BeginNode(k, build, nil)
	require.True(t, s.FinalizeNode(k, strValue("same"), nil, nil, nil, build))
	s.EndEvaluation()

	require.True(t, s.MarkChanged(k))
	build = s.BeginEvaluation()
	s.BeginNode(k, build, nil)
	assert.False(t, s.FinalizeNode(k, strValue("same"), nil, nil, nil, build),
		"recomputing to an equal value is not a change")
	s.EndEvaluation()

	require.True(t, s.MarkChanged(k))
	build = s.BeginEvaluation()
	s.BeginNode(k, build, nil)
	assert.True(t, s.FinalizeNode(k, strValue("different"), nil, nil, nil, build))
	s.EndEvaluation()
}

func TestStoreDirtyCheckSnapshot(t *testing.T) {
	s := graph.NewStore()
	dep := key("f", "dep")
	node := key("f", "node")

	build := s.BeginEvaluation()
	s.BeginNode(dep, build, nil)
	s.FinalizeNode(dep, strValue("d"), nil, nil, nil, build)
	s.BeginNode(node, build, nil)
	s.FinalizeNode(node, strValue("n"), nil, nil, []domain.NodeKey{dep}, build)
	s.EndEvaluation()

	require.True(t, s.MarkChanged(dep))
	require.True(t, s.MarkDirty(node))

	build = s.BeginEvaluation()
	defer s.EndEvaluation()

	claim := s.BeginNode(node, build, nil)
	require.Equal(t, graph.ClaimCheckDeps, claim.Action)
	assert.Equal(t, []domain.NodeKey{dep}, claim.PrevDeps)
	assert.Equal(t, domain.BuildVersion(1), claim.PrevVerified)

	ds := s.DepState(dep, build)
	assert.False(t, ds.DoneThisBuild, "changed dep must be recomputed before comparison")

	// Dep recomputes to an equal value: its change version stays put.
	s.BeginNode(dep, build, nil)
	s.FinalizeNode(dep, strValue("d"), nil, nil, nil, build)
	ds = s.DepState(dep, build)
	assert.True(t, ds.DoneThisBuild)
	assert.False(t, ds.Errored)
	assert.Equal(t, domain.BuildVersion(1), ds.Version)
	assert.False(t, ds.Version > claim.PrevVerified, "unchanged dep must not trigger recompute")

	// All deps clean: the node reverts without running.
	v, err := s.RevertClean(node, build)
	require.NoError(t, err)
	assert.Equal(t, strValue("n"), v)
	st, _ := s.State(node)
	assert.Equal(t, domain.StateDone, st)
}

func TestStoreReverseDepReconciliation(t *testing.T) {
	s := graph.NewStore()
	d1 := key("f", "d1")
	d2 := key("f", "d2")
	n := key("f", "n")

	build := s.BeginEvaluation()
	for _, dep := range []domain.NodeKey{d1, d2} {
		s.BeginNode(dep, build, nil)
		s.FinalizeNode(dep, strValue("v"), nil, nil, nil, build)
	}
	s.BeginNode(n, build, nil)
	s.AddReverseDep(d1, n)
	s.AddReverseDep(d2, n)
	s.FinalizeNode(n, strValue("v"), nil, nil, []domain.NodeKey{d1, d2}, build)
	s.EndEvaluation()

	assert.Equal(t, []domain.NodeKey{n}, s.ReverseDepsOf(d1))
	assert.Equal(t, []domain.NodeKey{n}, s.ReverseDepsOf(d2))

	// Re-run n reading only d1: the stale edge from d2 must drop.
	require.True(t, s.MarkChanged(n))
	build = s.BeginEvaluation()
	s.BeginNode(n, build, nil)
	s.FinalizeNode(n, strValue("v2"), nil, nil, []domain.NodeKey{d1}, build)
	s.EndEvaluation()

	assert.Equal(t, []domain.NodeKey{n}, s.ReverseDepsOf(d1))
	assert.Empty(t, s.ReverseDepsOf(d2), "edges from abandoned code paths are dropped")
}

func TestStoreErrorsAreTerminalValues(t *testing.T) {
	s := graph.NewStore()
	k := key("f", "a")
	boom := errors.New("boom")
	chain := []domain.NodeKey{k, key("f", "cause")}

	build := s.BeginEvaluation()
	s.BeginNode(k, build, nil)
	s.FinalizeNode(k, nil, boom, chain, nil, build)
	s.EndEvaluation()

	build = s.BeginEvaluation()
	defer s.EndEvaluation()

	res, ok := s.TryGetDone(k, build)
	require.True(t, ok)
	assert.Nil(t, res.Value)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, chain, res.ErrChain)

	ds := s.DepState(k, build)
	assert.True(t, ds.Errored)
}

func TestStoreMarkChangedAndDirtyEdgeCases(t *testing.T) {
	s := graph.NewStore()
	k := key("f", "a")

	assert.False(t, s.MarkChanged(k), "unknown keys are ignored")
	assert.False(t, s.MarkDirty(k))

	build := s.BeginEvaluation()
	s.BeginNode(k, build, nil)
	s.FinalizeNode(k, strValue("v"), nil, nil, nil, build)
	s.EndEvaluation()

	require.True(t, s.MarkDirty(k))
	assert.False(t, s.MarkDirty(k), "second dirty is a no-op so walks terminate")

	require.True(t, s.MarkChanged(k), "changed overrides dirty")
	assert.False(t, s.MarkChanged(k))
	assert.False(t, s.MarkDirty(k), "dirty never downgrades changed")
}

func TestStorePrune(t *testing.T) {
	s := graph.NewStore()
	dep := key("f", "dep")
	n := key("f", "n")

	build := s.BeginEvaluation()
	s.BeginNode(dep, build, nil)
	s.FinalizeNode(dep, strValue("d"), nil, nil, nil, build)
	s.BeginNode(n, build, nil)
	s.FinalizeNode(n, strValue("n"), nil, nil, []domain.NodeKey{dep}, build)

	err := s.Prune([]domain.NodeKey{n})
	require.ErrorIs(t, err, domain.ErrEvaluationInFlight)
	s.EndEvaluation()

	require.NoError(t, s.Prune([]domain.NodeKey{n}))
	assert.False(t, s.Exists(n))
	assert.True(t, s.Exists(dep))
	assert.Empty(t, s.ReverseDepsOf(dep), "pruned nodes are detached from their deps")
	assert.Equal(t, 1, s.NodeCount())
}

func TestStoreIntrospection(t *testing.T) {
	s := graph.NewStore()
	dep := key("f", "dep")
	n := key("f", "n")
	bad := key("f", "bad")

	build := s.BeginEvaluation()
	s.BeginNode(dep, build, nil)
	s.FinalizeNode(dep, strValue("d"), nil, nil, nil, build)
	s.BeginNode(n, build, nil)
	s.FinalizeNode(n, strValue("n"), nil, nil, []domain.NodeKey{dep}, build)
	s.BeginNode(bad, build, nil)
	s.FinalizeNode(bad, nil, errors.New("boom"), []domain.NodeKey{bad}, nil, build)
	s.EndEvaluation()

	deps := s.DirectDeps([]domain.NodeKey{n, dep, key("f", "missing")})
	assert.Equal(t, []domain.NodeKey{dep}, deps[n])
	assert.Empty(t, deps[dep])
	assert.NotContains(t, deps, key("f", "missing"))

	rdeps := s.ReverseDeps([]domain.NodeKey{dep})
	assert.Equal(t, []domain.NodeKey{n}, rdeps[dep])

	vals := s.GetIfDone([]domain.NodeKey{n, bad})
	assert.Equal(t, strValue("n"), vals[n])
	assert.NotContains(t, vals, bad, "errored nodes carry no value")
}

func TestStoreStallReporting(t *testing.T) {
	s := graph.NewStore()
	a, b := key("f", "a"), key("f", "b")
	one, two := new(int), new(int)

	union := s.ReportStall(one, []graph.WaitEdge{{From: a, To: b}})
	assert.ElementsMatch(t, []graph.WaitEdge{{From: a, To: b}}, union)

	// The second report sees both halves of the waiting graph.
	union = s.ReportStall(two, []graph.WaitEdge{{From: b, To: a}})
	assert.ElementsMatch(t, []graph.WaitEdge{{From: a, To: b}, {From: b, To: a}}, union)

	// Re-reporting replaces an evaluation's edges instead of accumulating.
	union = s.ReportStall(one, []graph.WaitEdge{{From: a, To: b}})
	assert.Len(t, union, 2)

	s.ClearStall(two)
	union = s.ReportStall(one, []graph.WaitEdge{{From: a, To: b}})
	assert.ElementsMatch(t, []graph.WaitEdge{{From: a, To: b}}, union)

	s.ClearStall(one)
	assert.Empty(t, s.ReportStall(two, nil))
}
