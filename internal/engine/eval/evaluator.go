// Package eval implements the parallel, memoizing evaluator that drives a
// requested set of top-level keys to completion: it schedules node functions
// on a bounded worker pool, parks nodes whose dependencies are missing and
// restarts them when the dependencies resolve, re-validates dirty nodes
// lazily, detects cycles, and aggregates errors per the configured policy.
package eval

import (
	"context"
	"runtime"

	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/loom/internal/core/ports"
	"go.trai.ch/loom/internal/engine/graph"
	"go.trai.ch/loom/internal/engine/registry"
	"go.trai.ch/zerr"
)

// Policy governs how the evaluation reacts to node failures.
type Policy int

const (
	// FailFast stops scheduling new work at the first error, drains work
	// already in flight, and returns.
	FailFast Policy = iota
	// KeepGoing evaluates all independent subgraphs to completion and
	// aggregates every root-cause error.
	KeepGoing
)

// String returns the policy name.
func (p Policy) String() string {
	if p == KeepGoing {
		return "KeepGoing"
	}
	return "FailFast"
}

// Evaluator drives evaluations against a shared node store. It is safe for
// concurrent use: overlapping Evaluate calls share the store's build version
// and the single-writer-per-key claim protocol arbitrates between them.
type Evaluator struct {
	store       *graph.Store
	reg         *registry.Registry
	log         ports.Logger
	tracer      ports.Tracer
	tel         ports.Telemetry
	parallelism int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the build-wide logger.
func WithLogger(l ports.Logger) Option {
	return func(ev *Evaluator) { ev.log = l }
}

// WithTracer sets the tracer for build-level spans.
func WithTracer(t ports.Tracer) Option {
	return func(ev *Evaluator) { ev.tracer = t }
}

// WithTelemetry sets the per-node progress recorder.
func WithTelemetry(t ports.Telemetry) Option {
	return func(ev *Evaluator) { ev.tel = t }
}

// WithParallelism bounds the worker pool. Values below 1 are clamped to 1.
func WithParallelism(n int) Option {
	return func(ev *Evaluator) {
		if n < 1 {
			n = 1
		}
		ev.parallelism = n
	}
}

// New creates an Evaluator over the given store and function registry.
func New(store *graph.Store, reg *registry.Registry, opts ...Option) *Evaluator {
	ev := &Evaluator{
		store:       store,
		reg:         reg,
		log:         nopLogger{},
		tracer:      nopTracer{},
		tel:         nopTelemetry{},
		parallelism: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// Store returns the underlying node store, for between-build introspection.
func (ev *Evaluator) Store() *graph.Store {
	return ev.store
}

// Evaluate drives the given top-level keys to completion under the given
// policy. Node-level failures are reported in the Result; the returned error
// is non-nil only when the evaluation itself was interrupted before all
// requested keys resolved.
func (ev *Evaluator) Evaluate(ctx context.Context, keys []domain.NodeKey, policy Policy) (*Result, error) {
	build := ev.store.BeginEvaluation()
	defer ev.store.EndEvaluation()

	ctx, span := ev.tracer.Start(ctx, "evaluate")
	defer span.End()
	span.SetAttribute("keys", len(keys))
	span.SetAttribute("policy", policy.String())
	ev.tracer.EmitPlan(ctx, domain.KeyStrings(keys))

	ectx, cancel := context.WithCancel(ctx)
	defer cancel()

	e := &evaluation{
		ev:      ev,
		ctx:     ectx,
		cancel:  cancel,
		build:   build,
		policy:  policy,
		roots:   dedupeKeys(keys),
		status:  make(map[domain.NodeKey]nodeStatus),
		claimed: make(map[domain.NodeKey]struct{}),
		parked:  make(map[domain.NodeKey]*parkedNode),
		parents: make(map[domain.NodeKey][]domain.NodeKey),
		errs:    make(map[domain.NodeKey]*NodeError),
		results: make(chan nodeResult),
		extDone: make(chan domain.NodeKey),
		quit:    make(chan struct{}),
	}
	defer close(e.quit)

	e.run()

	res := e.buildResult()
	if e.interrupted {
		err := ctx.Err()
		if err == nil {
			err = domain.ErrInterrupted
		}
		span.RecordError(err)
		return res, zerr.Wrap(err, "evaluation interrupted")
	}
	if res.HadErrors() {
		span.RecordError(domain.ErrBuildFailed)
	}
	return res, nil
}

func dedupeKeys(keys []domain.NodeKey) []domain.NodeKey {
	seen := make(map[domain.NodeKey]struct{}, len(keys))
	out := make([]domain.NodeKey, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
