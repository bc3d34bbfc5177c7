package eval

import (
	"fmt"

	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/loom/internal/core/ports"
)

// DependencyError wraps the terminal error of a failed dependency when it is
// surfaced to a dependent's function. errors.Is matches both
// domain.ErrDependencyFailed and the underlying cause.
type DependencyError struct {
	Key domain.NodeKey
	Err error
}

// Error implements error.
func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s failed: %v", e.Key, e.Err)
}

// Unwrap exposes the dependency's own error.
func (e *DependencyError) Unwrap() error { return e.Err }

// Is matches the domain.ErrDependencyFailed sentinel.
func (e *DependencyError) Is(target error) bool {
	return target == domain.ErrDependencyFailed
}

// failedDep records a dependency read that surfaced an error, together with
// the implicating chain stored at the dependency's finalization.
type failedDep struct {
	key   domain.NodeKey
	err   error
	chain []domain.NodeKey
}

// env is the per-invocation dependency declaration context. One env exists
// per function invocation (so one per restart); the dependency order it
// records is the order committed to the store when the invocation completes.
// It is used by a single worker goroutine and needs no locking of its own.
type env struct {
	e   *evaluation
	key domain.NodeKey

	deps    []domain.NodeKey
	seen    map[domain.NodeKey]struct{}
	missing []domain.NodeKey
	failed  []failedDep
}

var _ ports.Environment = (*env)(nil)

func newEnv(e *evaluation, key domain.NodeKey) *env {
	return &env{
		e:    e,
		key:  key,
		seen: make(map[domain.NodeKey]struct{}),
	}
}

func (n *env) record(key domain.NodeKey) bool {
	if _, dup := n.seen[key]; dup {
		return false
	}
	n.seen[key] = struct{}{}
	n.deps = append(n.deps, key)
	return true
}

// GetValue implements ports.Environment.
func (n *env) GetValue(key domain.NodeKey) (domain.NodeValue, error) {
	first := n.record(key)

	res, ok := n.e.ev.store.TryGetDone(key, n.e.build)
	if !ok {
		if first {
			n.missing = append(n.missing, key)
		}
		return nil, nil
	}
	if res.Err != nil {
		n.failed = append(n.failed, failedDep{key: key, err: res.Err, chain: res.ErrChain})
		return nil, &DependencyError{Key: key, Err: res.Err}
	}
	return res.Value, nil
}

// GetValues implements ports.Environment.
func (n *env) GetValues(keys []domain.NodeKey) (map[domain.NodeKey]domain.NodeValue, error) {
	out := make(map[domain.NodeKey]domain.NodeValue, len(keys))
	var firstErr error
	for _, key := range keys {
		v, err := n.GetValue(key)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if v != nil {
			out[key] = v
		}
	}
	return out, firstErr
}

// ValuesMissing implements ports.Environment.
func (n *env) ValuesMissing() bool {
	return len(n.missing) > 0
}

// KeepGoing implements ports.Environment.
func (n *env) KeepGoing() bool {
	return n.e.policy == KeepGoing
}

// Logger implements ports.Environment.
func (n *env) Logger() ports.Logger {
	return n.e.ev.log
}
