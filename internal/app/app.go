// Package app implements the application layer for loom: it loads the
// workspace, owns the build session, and translates CLI requests into
// evaluations.
package app

import (
	"context"
	"fmt"
	"sync"

	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/loom/internal/core/ports"
	"go.trai.ch/loom/internal/engine/eval"
	"go.trai.ch/zerr"
)

// RunOptions controls one build request.
type RunOptions struct {
	// KeepGoing evaluates independent subgraphs to completion instead of
	// stopping at the first failure.
	KeepGoing bool
	// NoCache forces every target command to re-run.
	NoCache bool
	// Jobs bounds build parallelism; zero means one worker per CPU.
	Jobs int
}

// App represents the main application logic.
type App struct {
	loader  ports.WorkspaceLoader
	log     ports.Logger
	tracer  ports.Tracer
	tel     ports.Telemetry
	hasher  ports.FileHasher
	differ  ports.ChangeDetector
	runner  ports.CommandRunner
	actions ports.ActionStore

	mu      sync.Mutex
	session *Session
}

// New creates a new App instance.
func New(
	loader ports.WorkspaceLoader,
	log ports.Logger,
	tracer ports.Tracer,
	tel ports.Telemetry,
	hasher ports.FileHasher,
	differ ports.ChangeDetector,
	runner ports.CommandRunner,
	actions ports.ActionStore,
) *App {
	return &App{
		loader:  loader,
		log:     log,
		tracer:  tracer,
		tel:     tel,
		hasher:  hasher,
		differ:  differ,
		runner:  runner,
		actions: actions,
	}
}

// Run builds the named targets. Node-level failures are logged per root
// cause; the returned error wraps domain.ErrBuildFailed so the CLI can map it
// to an exit code without double-reporting.
func (a *App) Run(ctx context.Context, targetNames []string, opts RunOptions) error {
	if len(targetNames) == 0 {
		return domain.ErrNoTargetsSpecified
	}

	sess, err := a.ensureSession(opts.Jobs)
	if err != nil {
		return zerr.Wrap(err, "failed to initialize build session")
	}

	names, err := a.resolveTargets(sess.ws, targetNames)
	if err != nil {
		return err
	}

	policy := eval.FailFast
	if opts.KeepGoing {
		policy = eval.KeepGoing
	}

	res, err := sess.Build(ctx, names, policy, opts.NoCache)
	if err != nil {
		return zerr.Wrap(err, "build interrupted")
	}

	if res.HadErrors() {
		causes := res.RootCauses()
		for _, ne := range causes {
			a.log.Error(ne)
		}
		return zerr.With(domain.ErrBuildFailed, "failed", len(causes))
	}

	a.log.Info(fmt.Sprintf("built %d targets", len(names)))
	return nil
}

// resolveTargets validates the requested names against the workspace. The
// pseudo-target "all" expands to every declared target.
func (a *App) resolveTargets(ws *domain.Workspace, requested []string) ([]string, error) {
	if len(requested) == 1 && requested[0] == "all" {
		return ws.TargetNames(), nil
	}
	for _, name := range requested {
		if _, ok := ws.Target(name); !ok {
			return nil, zerr.With(domain.ErrTargetNotFound, "target", name)
		}
	}
	return requested, nil
}

// ensureSession lazily loads the workspace and creates the build session.
// The session, and with it the node graph, persists for the life of the App.
func (a *App) ensureSession(jobs int) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, nil
	}

	ws, err := a.loader.Load(".")
	if err != nil {
		return nil, err
	}

	sess, err := NewSession(SessionConfig{
		Workspace:   ws,
		Logger:      a.log,
		Tracer:      a.tracer,
		Telemetry:   a.tel,
		Hasher:      a.hasher,
		Differ:      a.differ,
		Runner:      a.runner,
		Actions:     a.actions,
		Parallelism: jobs,
	})
	if err != nil {
		return nil, err
	}
	a.session = sess
	return sess, nil
}

// TargetInfo is the query surface's view of one target node.
type TargetInfo struct {
	Name        string
	State       string
	DirectDeps  []string
	ReverseDeps []string
}

// Query reports the graph state of the named targets, or of every target
// when none are named. It never evaluates anything.
func (a *App) Query(targetNames []string) ([]TargetInfo, error) {
	sess, err := a.ensureSession(0)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to initialize build session")
	}

	names := targetNames
	if len(names) == 0 {
		names = sess.ws.TargetNames()
	}

	store := sess.Store()
	infos := make([]TargetInfo, 0, len(names))
	for _, name := range names {
		if _, ok := sess.ws.Target(name); !ok {
			return nil, zerr.With(domain.ErrTargetNotFound, "target", name)
		}
		key := TargetKey(name)
		info := TargetInfo{Name: name}

		state, exists := store.State(key)
		if !exists {
			info.State = domain.StateNotEvaluated.String()
		} else {
			info.State = state.String()
		}

		keys := []domain.NodeKey{key}
		for _, dep := range store.DirectDeps(keys)[key] {
			info.DirectDeps = append(info.DirectDeps, dep.String())
		}
		for _, rdep := range store.ReverseDeps(keys)[key] {
			info.ReverseDeps = append(info.ReverseDeps, rdep.String())
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Workspace returns the loaded workspace definition.
func (a *App) Workspace() (*domain.Workspace, error) {
	sess, err := a.ensureSession(0)
	if err != nil {
		return nil, err
	}
	return sess.ws, nil
}
