package app

import (
	"context"
	"fmt"

	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/loom/internal/core/ports"
	"go.trai.ch/loom/internal/engine/eval"
	"go.trai.ch/loom/internal/engine/graph"
	"go.trai.ch/loom/internal/engine/invalidate"
	"go.trai.ch/loom/internal/engine/registry"
	"go.trai.ch/zerr"
)

// Session owns the node graph for one loaded workspace. It persists across
// builds so unchanged work is never redone: between builds it snapshots the
// workspace's input files, diffs against the previous snapshot, and
// invalidates exactly the file nodes that changed.
type Session struct {
	ws      *domain.Workspace
	log     ports.Logger
	hasher  ports.FileHasher
	differ  ports.ChangeDetector
	runner  ports.CommandRunner
	actions ports.ActionStore

	store *graph.Store
	reg   *registry.Registry
	ev    *eval.Evaluator
	inv   *invalidate.Invalidator

	snapshot map[string]uint64
	noCache  bool
}

// SessionConfig carries the dependencies and tuning for a new session.
type SessionConfig struct {
	Workspace *domain.Workspace
	Logger    ports.Logger
	Tracer    ports.Tracer
	Telemetry ports.Telemetry
	Hasher    ports.FileHasher
	Differ    ports.ChangeDetector
	Runner    ports.CommandRunner
	Actions   ports.ActionStore
	// Parallelism bounds the evaluator's worker pool; zero means one worker
	// per CPU.
	Parallelism int
}

// NewSession creates a session for the given workspace and registers the
// builtin file and target functions.
func NewSession(cfg SessionConfig) (*Session, error) {
	s := &Session{
		ws:      cfg.Workspace,
		log:     cfg.Logger,
		hasher:  cfg.Hasher,
		differ:  cfg.Differ,
		runner:  cfg.Runner,
		actions: cfg.Actions,
		store:   graph.NewStore(),
		reg:     registry.New(),
	}

	if err := s.reg.Register(KindFile, s.fileFunc()); err != nil {
		return nil, err
	}
	if err := s.reg.Register(KindTarget, s.targetFunc()); err != nil {
		return nil, err
	}

	var opts []eval.Option
	if cfg.Logger != nil {
		opts = append(opts, eval.WithLogger(cfg.Logger))
	}
	if cfg.Tracer != nil {
		opts = append(opts, eval.WithTracer(cfg.Tracer))
	}
	if cfg.Telemetry != nil {
		opts = append(opts, eval.WithTelemetry(cfg.Telemetry))
	}
	if cfg.Parallelism > 0 {
		opts = append(opts, eval.WithParallelism(cfg.Parallelism))
	}
	s.ev = eval.New(s.store, s.reg, opts...)
	s.inv = invalidate.New(s.store)
	return s, nil
}

// Build drives the named targets to completion, invalidating changed inputs
// first. With noCache set, every target node is additionally marked changed
// so its command re-runs regardless of the action cache.
func (s *Session) Build(ctx context.Context, names []string, policy eval.Policy, noCache bool) (*eval.Result, error) {
	if err := s.detectChanges(); err != nil {
		return nil, err
	}

	s.noCache = noCache
	if noCache {
		targetKeys := make([]domain.NodeKey, 0, s.ws.TargetCount())
		for _, name := range s.ws.TargetNames() {
			targetKeys = append(targetKeys, TargetKey(name))
		}
		if _, err := s.inv.Invalidate(targetKeys); err != nil {
			return nil, err
		}
	}

	keys := make([]domain.NodeKey, len(names))
	for i, name := range names {
		keys[i] = TargetKey(name)
	}
	return s.ev.Evaluate(ctx, keys, policy)
}

// detectChanges snapshots the workspace's input files and invalidates the
// file nodes whose content changed since the previous build. The first build
// of a session only records the baseline.
func (s *Session) detectChanges() error {
	curr, err := s.differ.Snapshot(s.ws.Root, s.ws.InputFiles())
	if err != nil {
		return zerr.Wrap(err, "failed to snapshot inputs")
	}

	if s.snapshot != nil {
		changed := s.differ.Diff(s.snapshot, curr)
		if len(changed) > 0 {
			keys := make([]domain.NodeKey, len(changed))
			for i, path := range changed {
				keys[i] = FileKey(path)
			}
			stats, err := s.inv.Invalidate(keys)
			if err != nil {
				return err
			}
			s.log.Info(fmt.Sprintf("invalidated %d changed inputs, %d dependents", stats.Changed, stats.Dirtied))
		}
	}

	s.snapshot = curr
	return nil
}

// Store exposes the session's node store for the query surface.
func (s *Session) Store() *graph.Store {
	return s.store
}
