// Package ports defines the core interfaces for the application.
package ports

import (
	"context"

	"go.trai.ch/loom/internal/core/domain"
)

// Function computes the value for one node key. Exactly one function is
// registered per key kind.
//
// Functions declare dependencies exclusively through the Environment. When a
// requested dependency is not yet available the function must return
// (nil, nil) after observing Environment.ValuesMissing(); the scheduler parks
// the node and re-invokes the function from the start once the outstanding
// dependencies complete. Because of that restart contract a function must be
// side-effect free up to the point where all of its dependencies are
// available: partial invocations may run any number of times.
//
// Returning a nil value with a nil error while no dependencies are missing is
// an engine invariant violation.
type Function func(ctx context.Context, key domain.NodeKey, env Environment) (domain.NodeValue, error)

// Environment mediates every dependency read a function performs and records
// the resulting edges so the node store stays accurate. A fresh Environment
// is created for each (re)invocation; the dependency set committed to the
// graph is exactly the set requested by the invocation that completed.
type Environment interface {
	// GetValue returns the value of a dependency. If the dependency has not
	// been computed in this build it is recorded as outstanding and
	// (nil, nil) is returned; the caller must eventually check
	// ValuesMissing and return (nil, nil) itself rather than proceed with
	// partial inputs. If the dependency finished with an error, that error
	// is returned (wrapped with domain.ErrDependencyFailed); functions that
	// cannot tolerate partial failure simply propagate it.
	GetValue(key domain.NodeKey) (domain.NodeValue, error)

	// GetValues is the batched form of GetValue. It requests every key in
	// one round so a function pays at most one restart for the whole batch
	// instead of one per key. The returned map contains entries only for
	// dependencies that are already available. The first dependency error
	// encountered is returned, after all keys have been recorded.
	GetValues(keys []domain.NodeKey) (map[domain.NodeKey]domain.NodeValue, error)

	// ValuesMissing reports whether any dependency requested through this
	// Environment was unavailable.
	ValuesMissing() bool

	// KeepGoing reports whether the build tolerates independent failures.
	// Functions may use it to decide whether to produce a best-effort value
	// when some of several requested deps failed. It adds no edge.
	KeepGoing() bool

	// Logger returns the build-wide logger. It adds no edge.
	Logger() Logger
}
