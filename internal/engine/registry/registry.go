// Package registry maps node-key kinds to the functions that compute them.
package registry

import (
	"sync"

	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/loom/internal/core/ports"
	"go.trai.ch/zerr"
)

// Registry resolves a key's kind to its registered function. Registration
// happens once at startup; lookups are concurrent and read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	funcs map[domain.FunctionKind]ports.Function
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		funcs: make(map[domain.FunctionKind]ports.Function),
	}
}

// Register binds a function to a kind. Exactly one function may be registered
// per kind; re-registration is a configuration error.
func (r *Registry) Register(kind domain.FunctionKind, fn ports.Function) error {
	if fn == nil {
		return zerr.With(zerr.New("nil function"), "kind", kind.String())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[kind]; exists {
		return zerr.With(domain.ErrFunctionAlreadyRegistered, "kind", kind.String())
	}
	r.funcs[kind] = fn
	return nil
}

// Lookup returns the function registered for kind.
func (r *Registry) Lookup(kind domain.FunctionKind) (ports.Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[kind]
	if !ok {
		return nil, zerr.With(domain.ErrNoFunctionForKind, "kind", kind.String())
	}
	return fn, nil
}

// Kinds returns the registered kinds, for diagnostics.
func (r *Registry) Kinds() []domain.FunctionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.FunctionKind, 0, len(r.funcs))
	for k := range r.funcs {
		kinds = append(kinds, k)
	}
	return kinds
}
