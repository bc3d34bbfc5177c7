package eval_test

import (
	"context"
	"sync/atomic"

	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/loom/internal/core/ports"
	"go.trai.ch/loom/internal/engine/eval"
	"go.trai.ch/loom/internal/engine/graph"
	"go.trai.ch/loom/internal/engine/registry"
)

// intValue is a trivial NodeValue for engine tests.
type intValue int

func (v intValue) Equal(other domain.NodeValue) bool {
	o, ok := other.(intValue)
	return ok && o == v
}

// harness bundles a store, a registry and an evaluator for one test.
type harness struct {
	store *graph.Store
	reg   *registry.Registry
	ev    *eval.Evaluator
}

func newHarness(opts ...eval.Option) *harness {
	store := graph.NewStore()
	reg := registry.New()
	opts = append([]eval.Option{eval.WithParallelism(4)}, opts...)
	return &harness{
		store: store,
		reg:   reg,
		ev:    eval.New(store, reg, opts...),
	}
}

// constFunc returns a fixed value and counts its invocations.
func constFunc(count *atomic.Int64, v intValue) ports.Function {
	return func(_ context.Context, _ domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
		count.Add(1)
		return v, nil
	}
}

// sourceFunc returns the current value of an external source and counts its
// invocations. The source models an externally changing input.
func sourceFunc(count *atomic.Int64, source *atomic.Int64) ports.Function {
	return func(_ context.Context, _ domain.NodeKey, _ ports.Environment) (domain.NodeValue, error) {
		count.Add(1)
		return intValue(source.Load()), nil
	}
}

// depFunc reads one dependency and applies transform to it, counting its
// completed invocations (restarts that end in a park are not counted).
func depFunc(count *atomic.Int64, dep domain.NodeKey, transform func(int) int) ports.Function {
	return func(_ context.Context, _ domain.NodeKey, env ports.Environment) (domain.NodeValue, error) {
		v, err := env.GetValue(dep)
		if err != nil {
			return nil, err
		}
		if env.ValuesMissing() {
			return nil, nil
		}
		count.Add(1)
		return intValue(transform(int(v.(intValue)))), nil
	}
}
