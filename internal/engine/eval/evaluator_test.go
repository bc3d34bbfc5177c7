package eval_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/loom/internal/core/ports"
	"go.trai.ch/loom/internal/engine/eval"
	"go.trai.ch/loom/internal/engine/invalidate"
)

func TestEvaluateMemoization(t *testing.T) {
	h := newHarness()
	var count atomic.Int64
	require.NoError(t, h.reg.Register("leaf", constFunc(&count, 42)))

	key := domain.NewNodeKey("leaf", "a")

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{key}, eval.FailFast)
	require.NoError(t, err)
	v, ok := res.Value(key)
	require.True(t, ok)
	assert.Equal(t, intValue(42), v)

	res, err = h.ev.Evaluate(context.Background(), []domain.NodeKey{key}, eval.FailFast)
	require.NoError(t, err)
	v, ok = res.Value(key)
	require.True(t, ok)
	assert.Equal(t, intValue(42), v)

	assert.Equal(t, int64(1), count.Load(), "unchanged node must not be recomputed")
}

func TestEvaluateDiamond(t *testing.T) {
	h := newHarness()
	var leafCount atomic.Int64

	leaf := domain.NewNodeKey("leaf", "shared")
	left := domain.NewNodeKey("mid", "left")
	right := domain.NewNodeKey("mid", "right")
	top := domain.NewNodeKey("top", "t")

	require.NoError(t, h.reg.Register("leaf", constFunc(&leafCount, 7)))
	require.NoError(t, h.reg.Register("mid", depFunc(new(atomic.Int64), leaf, func(x int) int { return x * 2 })))
	require.NoError(t, h.reg.Register("top", func(_ context.Context, _ domain.NodeKey, env ports.Environment) (domain.NodeValue, error) {
		vals, err := env.GetValues([]domain.NodeKey{left, right})
		if err != nil {
			return nil, err
		}
		if env.ValuesMissing() {
			return nil, nil
		}
		return intValue(int(vals[left].(intValue)) + int(vals[right].(intValue))), nil
	}))

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{top}, eval.FailFast)
	require.NoError(t, err)
	v, ok := res.Value(top)
	require.True(t, ok)
	assert.Equal(t, intValue(28), v)
	assert.Equal(t, int64(1), leafCount.Load(), "shared dependency must be computed once")
}

func TestEvaluateChangePruningLeafUnchanged(t *testing.T) {
	h := newHarness()
	var aCount, bCount, cCount atomic.Int64
	var source atomic.Int64
	source.Store(10)

	c := domain.NewNodeKey("c", "x")
	b := domain.NewNodeKey("b", "x")
	a := domain.NewNodeKey("a", "x")

	require.NoError(t, h.reg.Register("c", sourceFunc(&cCount, &source)))
	require.NoError(t, h.reg.Register("b", depFunc(&bCount, c, func(x int) int { return x + 1 })))
	require.NoError(t, h.reg.Register("a", depFunc(&aCount, b, func(x int) int { return x + 1 })))

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{a}, eval.FailFast)
	require.NoError(t, err)
	v, _ := res.Value(a)
	assert.Equal(t, intValue(12), v)

	// Signal that c changed, but leave its observable value identical.
	_, err = invalidate.New(h.store).Invalidate([]domain.NodeKey{c})
	require.NoError(t, err)

	res, err = h.ev.Evaluate(context.Background(), []domain.NodeKey{a}, eval.FailFast)
	require.NoError(t, err)
	v, _ = res.Value(a)
	assert.Equal(t, intValue(12), v)

	assert.Equal(t, int64(2), cCount.Load(), "changed node re-runs unconditionally")
	assert.Equal(t, int64(1), bCount.Load(), "unchanged dep value must prune recomputation")
	assert.Equal(t, int64(1), aCount.Load(), "pruning must not propagate past the first clean node")
}

func TestEvaluateChangePruningStopsAtUnchangedOutput(t *testing.T) {
	h := newHarness()
	var aCount, bCount, cCount atomic.Int64
	var source atomic.Int64
	source.Store(10)

	c := domain.NewNodeKey("c", "x")
	b := domain.NewNodeKey("b", "x")
	a := domain.NewNodeKey("a", "x")

	require.NoError(t, h.reg.Register("c", sourceFunc(&cCount, &source)))
	// b reads c but always produces the same output.
	require.NoError(t, h.reg.Register("b", depFunc(&bCount, c, func(int) int { return 99 })))
	require.NoError(t, h.reg.Register("a", depFunc(&aCount, b, func(x int) int { return x + 1 })))

	_, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{a}, eval.FailFast)
	require.NoError(t, err)

	source.Store(20)
	_, err = invalidate.New(h.store).Invalidate([]domain.NodeKey{c})
	require.NoError(t, err)

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{a}, eval.FailFast)
	require.NoError(t, err)
	v, _ := res.Value(a)
	assert.Equal(t, intValue(100), v)

	assert.Equal(t, int64(2), cCount.Load())
	assert.Equal(t, int64(2), bCount.Load(), "b re-runs because c's value changed")
	assert.Equal(t, int64(1), aCount.Load(), "b's output did not change, a must not re-run")
}

func TestEvaluatePropagatedChange(t *testing.T) {
	h := newHarness()
	var aCount, bCount, cCount atomic.Int64
	var source atomic.Int64
	source.Store(10)

	c := domain.NewNodeKey("c", "x")
	b := domain.NewNodeKey("b", "x")
	a := domain.NewNodeKey("a", "x")

	require.NoError(t, h.reg.Register("c", sourceFunc(&cCount, &source)))
	require.NoError(t, h.reg.Register("b", depFunc(&bCount, c, func(x int) int { return x + 1 })))
	require.NoError(t, h.reg.Register("a", depFunc(&aCount, b, func(x int) int { return x + 1 })))

	_, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{a}, eval.FailFast)
	require.NoError(t, err)

	source.Store(20)
	_, err = invalidate.New(h.store).Invalidate([]domain.NodeKey{c})
	require.NoError(t, err)

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{a}, eval.FailFast)
	require.NoError(t, err)
	v, _ := res.Value(a)
	assert.Equal(t, intValue(22), v)

	assert.Equal(t, int64(2), cCount.Load())
	assert.Equal(t, int64(2), bCount.Load())
	assert.Equal(t, int64(2), aCount.Load(), "a changed dep value must propagate to the root")
}

func TestEvaluateSingleWriterAcrossEvaluations(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		var count atomic.Int64

		key := domain.NewNodeKey("slow", "k")
		require.NoError(t, h.reg.Register("slow", func(ctx context.Context, _ domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
			time.Sleep(10 * time.Millisecond)
			count.Add(1)
			return intValue(1), nil
		}))

		const evaluations = 4
		var wg sync.WaitGroup
		values := make([]domain.NodeValue, evaluations)
		errs := make([]error, evaluations)
		for i := range evaluations {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{key}, eval.FailFast)
				errs[i] = err
				if err == nil {
					values[i], _ = res.Value(key)
				}
			}()
		}
		wg.Wait()

		for i := range evaluations {
			require.NoError(t, errs[i])
			assert.Equal(t, intValue(1), values[i])
		}
		assert.Equal(t, int64(1), count.Load(), "overlapping evaluations must share one invocation per key")
	})
}

func TestEvaluateCycleDetection(t *testing.T) {
	h := newHarness()
	var aCalls, bCalls atomic.Int64

	a := domain.NewNodeKey("a", "x")
	b := domain.NewNodeKey("b", "x")

	require.NoError(t, h.reg.Register("a", depFunc(&aCalls, b, func(x int) int { return x })))
	require.NoError(t, h.reg.Register("b", depFunc(&bCalls, a, func(x int) int { return x })))

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{a}, eval.KeepGoing)
	require.NoError(t, err)

	ne := res.Error(a)
	require.NotNil(t, ne)
	assert.ErrorIs(t, ne, domain.ErrCycleDetected)

	// The cycle error is memoized like any other terminal error.
	res, err = h.ev.Evaluate(context.Background(), []domain.NodeKey{a}, eval.KeepGoing)
	require.NoError(t, err)
	require.NotNil(t, res.Error(a))
	assert.ErrorIs(t, res.Error(a), domain.ErrCycleDetected)
	assert.Equal(t, int64(0), aCalls.Load(), "cycle members never complete a run")
	assert.Equal(t, int64(0), bCalls.Load())
}

func TestEvaluateSelfCycle(t *testing.T) {
	h := newHarness()

	key := domain.NewNodeKey("self", "x")
	require.NoError(t, h.reg.Register("self", func(_ context.Context, k domain.NodeKey, env ports.Environment) (domain.NodeValue, error) {
		if _, err := env.GetValue(k); err != nil {
			return nil, err
		}
		if env.ValuesMissing() {
			return nil, nil
		}
		return intValue(0), nil
	}))

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{key}, eval.FailFast)
	require.NoError(t, err)
	require.NotNil(t, res.Error(key))
	assert.ErrorIs(t, res.Error(key), domain.ErrCycleDetected)
}

func TestEvaluateRootReachingCycle(t *testing.T) {
	h := newHarness()

	a := domain.NewNodeKey("a", "x")
	b := domain.NewNodeKey("b", "x")
	root := domain.NewNodeKey("root", "x")

	require.NoError(t, h.reg.Register("a", depFunc(new(atomic.Int64), b, func(x int) int { return x })))
	require.NoError(t, h.reg.Register("b", depFunc(new(atomic.Int64), a, func(x int) int { return x })))
	require.NoError(t, h.reg.Register("root", depFunc(new(atomic.Int64), a, func(x int) int { return x })))

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{root}, eval.KeepGoing)
	require.NoError(t, err)

	ne := res.Error(root)
	require.NotNil(t, ne)
	assert.ErrorIs(t, ne, domain.ErrDependencyFailed)
	assert.ErrorIs(t, ne, domain.ErrCycleDetected)
	assert.Equal(t, a, ne.RootCause())
}

func TestEvaluateKeepGoingAggregation(t *testing.T) {
	h := newHarness()
	errBoom := errors.New("boom")

	fail := map[string]bool{"r1": true, "r3": true}
	require.NoError(t, h.reg.Register("root", func(_ context.Context, k domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
		if fail[k.Arg.String()] {
			return nil, errBoom
		}
		return intValue(1), nil
	}))

	roots := []domain.NodeKey{
		domain.NewNodeKey("root", "r0"),
		domain.NewNodeKey("root", "r1"),
		domain.NewNodeKey("root", "r2"),
		domain.NewNodeKey("root", "r3"),
		domain.NewNodeKey("root", "r4"),
	}

	res, err := h.ev.Evaluate(context.Background(), roots, eval.KeepGoing)
	require.NoError(t, err)

	assert.Len(t, res.Values(), 3, "independent subgraphs must complete despite failures")
	causes := res.RootCauses()
	require.Len(t, causes, 2)
	assert.Equal(t, roots[1], causes[0].Key)
	assert.Equal(t, roots[3], causes[1].Key)
	assert.ErrorIs(t, res.Err(), errBoom)
}

func TestEvaluateFailFastStopsScheduling(t *testing.T) {
	h := newHarness(eval.WithParallelism(1))
	errBoom := errors.New("boom")
	var okCount atomic.Int64

	bad := domain.NewNodeKey("bad", "x")
	ok1 := domain.NewNodeKey("ok", "1")
	ok2 := domain.NewNodeKey("ok", "2")

	require.NoError(t, h.reg.Register("bad", func(_ context.Context, _ domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
		return nil, errBoom
	}))
	require.NoError(t, h.reg.Register("ok", constFunc(&okCount, 1)))

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{bad, ok1, ok2}, eval.FailFast)
	require.NoError(t, err)

	require.NotNil(t, res.Error(bad))
	assert.ErrorIs(t, res.Error(bad), errBoom)
	assert.Empty(t, res.Values())
	assert.Equal(t, int64(0), okCount.Load(), "no new work after the first failure")

	require.NotNil(t, res.Error(ok1))
	assert.ErrorIs(t, res.Error(ok1), domain.ErrStopped, "an unscheduled sibling was stopped, not interrupted")
	assert.NotErrorIs(t, res.Error(ok1), domain.ErrInterrupted)

	causes := res.RootCauses()
	require.Len(t, causes, 1)
	assert.Equal(t, bad, causes[0].Key)
}

func TestEvaluateDependencyErrorPropagation(t *testing.T) {
	h := newHarness()
	errBoom := errors.New("boom")

	leaf := domain.NewNodeKey("leaf", "x")
	mid := domain.NewNodeKey("mid", "x")
	top := domain.NewNodeKey("top", "x")

	require.NoError(t, h.reg.Register("leaf", func(_ context.Context, _ domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
		return nil, errBoom
	}))
	require.NoError(t, h.reg.Register("mid", depFunc(new(atomic.Int64), leaf, func(x int) int { return x })))
	require.NoError(t, h.reg.Register("top", depFunc(new(atomic.Int64), mid, func(x int) int { return x })))

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{top}, eval.KeepGoing)
	require.NoError(t, err)

	ne := res.Error(top)
	require.NotNil(t, ne)
	assert.ErrorIs(t, ne, domain.ErrDependencyFailed)
	assert.ErrorIs(t, ne, errBoom)
	assert.Equal(t, []domain.NodeKey{top, mid, leaf}, ne.Chain)
	assert.Equal(t, leaf, ne.RootCause())

	causes := res.RootCauses()
	require.Len(t, causes, 1, "inherited failures are not root causes")
	assert.Equal(t, leaf, causes[0].Key)
}

func TestEvaluateKeepGoingTolerantFunction(t *testing.T) {
	h := newHarness()
	errBoom := errors.New("boom")

	leaf := domain.NewNodeKey("leaf", "x")
	top := domain.NewNodeKey("top", "x")

	require.NoError(t, h.reg.Register("leaf", func(_ context.Context, _ domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
		return nil, errBoom
	}))
	require.NoError(t, h.reg.Register("top", func(_ context.Context, _ domain.NodeKey, env ports.Environment) (domain.NodeValue, error) {
		_, err := env.GetValue(leaf)
		if err != nil && env.KeepGoing() {
			// Best-effort result without the failed input.
			return intValue(-1), nil
		}
		if err != nil {
			return nil, err
		}
		if env.ValuesMissing() {
			return nil, nil
		}
		return intValue(0), nil
	}))

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{top}, eval.KeepGoing)
	require.NoError(t, err)
	assert.Nil(t, res.Error(top))
	v, ok := res.Value(top)
	require.True(t, ok)
	assert.Equal(t, intValue(-1), v)
}

func TestEvaluateRestartIdempotence(t *testing.T) {
	h := newHarness()
	var invocations, completions atomic.Int64

	d1 := domain.NewNodeKey("leaf", "d1")
	d2 := domain.NewNodeKey("leaf", "d2")
	sum := domain.NewNodeKey("sum", "x")

	require.NoError(t, h.reg.Register("leaf", func(_ context.Context, k domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
		if k == d1 {
			return intValue(3), nil
		}
		return intValue(4), nil
	}))
	require.NoError(t, h.reg.Register("sum", func(_ context.Context, _ domain.NodeKey, env ports.Environment) (domain.NodeValue, error) {
		invocations.Add(1)
		v1, err := env.GetValue(d1)
		if err != nil {
			return nil, err
		}
		v2, err := env.GetValue(d2)
		if err != nil {
			return nil, err
		}
		if env.ValuesMissing() {
			return nil, nil
		}
		completions.Add(1)
		return intValue(int(v1.(intValue)) + int(v2.(intValue))), nil
	}))

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{sum}, eval.FailFast)
	require.NoError(t, err)
	v, ok := res.Value(sum)
	require.True(t, ok)
	assert.Equal(t, intValue(7), v)

	assert.Equal(t, int64(2), invocations.Load(), "first invocation restarts, second completes")
	assert.Equal(t, int64(1), completions.Load())
}

func TestEvaluateSequentialDepDiscovery(t *testing.T) {
	h := newHarness()
	var invocations atomic.Int64

	d1 := domain.NewNodeKey("leaf", "d1")
	d2 := domain.NewNodeKey("leaf", "d2")
	sum := domain.NewNodeKey("sum", "x")

	require.NoError(t, h.reg.Register("leaf", func(_ context.Context, k domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
		if k == d1 {
			return intValue(3), nil
		}
		return intValue(4), nil
	}))
	// Requests one dep per round, restarting after each discovery.
	require.NoError(t, h.reg.Register("sum", func(_ context.Context, _ domain.NodeKey, env ports.Environment) (domain.NodeValue, error) {
		invocations.Add(1)
		v1, err := env.GetValue(d1)
		if err != nil {
			return nil, err
		}
		if env.ValuesMissing() {
			return nil, nil
		}
		v2, err := env.GetValue(d2)
		if err != nil {
			return nil, err
		}
		if env.ValuesMissing() {
			return nil, nil
		}
		return intValue(int(v1.(intValue)) + int(v2.(intValue))), nil
	}))

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{sum}, eval.FailFast)
	require.NoError(t, err)
	v, ok := res.Value(sum)
	require.True(t, ok)
	assert.Equal(t, intValue(7), v, "incremental dep discovery converges to the same value")
	assert.Equal(t, int64(3), invocations.Load())
}

func TestEvaluateErrorMemoized(t *testing.T) {
	h := newHarness()
	errBoom := errors.New("boom")
	var count atomic.Int64

	key := domain.NewNodeKey("bad", "x")
	require.NoError(t, h.reg.Register("bad", func(_ context.Context, _ domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
		count.Add(1)
		return nil, errBoom
	}))

	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{key}, eval.KeepGoing)
	require.NoError(t, err)
	require.NotNil(t, res.Error(key))

	res, err = h.ev.Evaluate(context.Background(), []domain.NodeKey{key}, eval.KeepGoing)
	require.NoError(t, err)
	require.NotNil(t, res.Error(key))
	assert.ErrorIs(t, res.Error(key), errBoom)
	assert.Equal(t, int64(1), count.Load(), "terminal errors are memoized like values")

	// Until the key is invalidated; then it runs again.
	_, err = invalidate.New(h.store).Invalidate([]domain.NodeKey{key})
	require.NoError(t, err)
	_, err = h.ev.Evaluate(context.Background(), []domain.NodeKey{key}, eval.KeepGoing)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count.Load())
}

func TestEvaluateUnknownKind(t *testing.T) {
	h := newHarness()

	key := domain.NewNodeKey("nope", "x")
	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{key}, eval.FailFast)
	require.NoError(t, err)
	require.NotNil(t, res.Error(key))
	assert.ErrorIs(t, res.Error(key), domain.ErrNoFunctionForKind)
}

func TestEvaluateDuplicateRoots(t *testing.T) {
	h := newHarness()
	var count atomic.Int64
	require.NoError(t, h.reg.Register("leaf", constFunc(&count, 5)))

	key := domain.NewNodeKey("leaf", "a")
	res, err := h.ev.Evaluate(context.Background(), []domain.NodeKey{key, key, key}, eval.FailFast)
	require.NoError(t, err)
	v, ok := res.Value(key)
	require.True(t, ok)
	assert.Equal(t, intValue(5), v)
	assert.Equal(t, int64(1), count.Load())
}

func TestEvaluateCancellation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		var count atomic.Int64
		var unblocked atomic.Bool

		key := domain.NewNodeKey("gate", "x")
		require.NoError(t, h.reg.Register("gate", func(ctx context.Context, _ domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
			count.Add(1)
			if unblocked.Load() {
				return intValue(1), nil
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		var res *eval.Result
		var evalErr error
		go func() {
			defer close(done)
			res, evalErr = h.ev.Evaluate(ctx, []domain.NodeKey{key}, eval.FailFast)
		}()

		synctest.Wait()
		cancel()
		<-done

		require.Error(t, evalErr)
		assert.ErrorIs(t, evalErr, context.Canceled)
		require.NotNil(t, res.Error(key))
		assert.ErrorIs(t, res.Error(key), domain.ErrInterrupted)

		// The abandoned node reverts to not-evaluated and recomputes cleanly.
		unblocked.Store(true)
		res, evalErr = h.ev.Evaluate(context.Background(), []domain.NodeKey{key}, eval.FailFast)
		require.NoError(t, evalErr)
		v, ok := res.Value(key)
		require.True(t, ok)
		assert.Equal(t, intValue(1), v)
		assert.Equal(t, int64(2), count.Load())
	})
}

func TestEvaluateCancelledResultNotMemoized(t *testing.T) {
	// The scheduler can receive a cancelled worker's result before it
	// observes the cancellation itself. Whichever side of the select wins,
	// the cancellation must never become the node's terminal error.
	synctest.Test(t, func(t *testing.T) {
		for range 20 {
			h := newHarness()
			var count atomic.Int64
			var unblocked atomic.Bool

			key := domain.NewNodeKey("gate", "x")
			require.NoError(t, h.reg.Register("gate", func(ctx context.Context, _ domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
				count.Add(1)
				if unblocked.Load() {
					return intValue(7), nil
				}
				<-ctx.Done()
				return nil, ctx.Err()
			}))

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			var res *eval.Result
			var evalErr error
			go func() {
				defer close(done)
				res, evalErr = h.ev.Evaluate(ctx, []domain.NodeKey{key}, eval.FailFast)
			}()

			synctest.Wait()
			cancel()
			<-done

			require.Error(t, evalErr)
			assert.ErrorIs(t, evalErr, context.Canceled)
			require.NotNil(t, res.Error(key))
			assert.ErrorIs(t, res.Error(key), domain.ErrInterrupted)
			assert.NotErrorIs(t, res.Error(key), context.Canceled)

			unblocked.Store(true)
			res, evalErr = h.ev.Evaluate(context.Background(), []domain.NodeKey{key}, eval.FailFast)
			require.NoError(t, evalErr)
			require.False(t, res.HadErrors(), "a cancelled invocation must not become the node's cached error")
			v, ok := res.Value(key)
			require.True(t, ok)
			assert.Equal(t, intValue(7), v)
			assert.Equal(t, int64(2), count.Load())
		}
	})
}

func TestEvaluateCycleAcrossEvaluations(t *testing.T) {
	// A cycle split across two concurrent evaluations: each one owns half
	// and waits externally on the other half, so neither sees the cycle in
	// its own waiting graph. Both must still terminate with a cycle error.
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()

		a := domain.NewNodeKey("a", "x")
		b := domain.NewNodeKey("b", "x")

		aStarted := make(chan struct{})
		bStarted := make(chan struct{})
		var onceA, onceB sync.Once

		mutual := func(started *sync.Once, own, other chan struct{}, dep domain.NodeKey) ports.Function {
			return func(_ context.Context, _ domain.NodeKey, env ports.Environment) (domain.NodeValue, error) {
				started.Do(func() { close(own) })
				<-other
				v, err := env.GetValue(dep)
				if err != nil {
					return nil, err
				}
				if env.ValuesMissing() {
					return nil, nil
				}
				return v, nil
			}
		}
		require.NoError(t, h.reg.Register("a", mutual(&onceA, aStarted, bStarted, b)))
		require.NoError(t, h.reg.Register("b", mutual(&onceB, bStarted, aStarted, a)))

		roots := []domain.NodeKey{a, b}
		results := make([]*eval.Result, len(roots))
		errs := make([]error, len(roots))
		var wg sync.WaitGroup
		for i, root := range roots {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = h.ev.Evaluate(context.Background(), []domain.NodeKey{root}, eval.KeepGoing)
			}()
		}
		wg.Wait()

		for i, root := range roots {
			require.NoError(t, errs[i])
			ne := results[i].Error(root)
			require.NotNil(t, ne, "evaluation of %s must terminate with an error", root)
			assert.ErrorIs(t, ne, domain.ErrCycleDetected)
		}
	})
}
