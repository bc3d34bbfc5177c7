package eval

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.trai.ch/loom/internal/core/domain"
)

// NodeError is the terminal error of one node together with the chain of
// keys implicating it: Chain[0] is the node itself, Chain[len-1] is the root
// cause. A node that failed on its own has a chain of length one.
type NodeError struct {
	Key   domain.NodeKey
	Err   error
	Chain []domain.NodeKey
}

// Error implements error.
func (e *NodeError) Error() string {
	if len(e.Chain) > 1 {
		return fmt.Sprintf("%s: %v (via %s)", e.Key, e.Err, renderChain(e.Chain))
	}
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *NodeError) Unwrap() error { return e.Err }

// RootCause returns the key at the end of the implicating chain.
func (e *NodeError) RootCause() domain.NodeKey {
	if len(e.Chain) == 0 {
		return e.Key
	}
	return e.Chain[len(e.Chain)-1]
}

func renderChain(chain []domain.NodeKey) string {
	parts := make([]string, len(chain))
	for i, k := range chain {
		parts[i] = k.String()
	}
	return strings.Join(parts, " -> ")
}

// Result is the outcome of one Evaluate call: per requested key either a
// value or an error, plus the full set of node errors for root-cause
// reporting.
type Result struct {
	values  map[domain.NodeKey]domain.NodeValue
	errs    map[domain.NodeKey]*NodeError
	allErrs map[domain.NodeKey]*NodeError
}

// Value returns the computed value for a requested key.
func (r *Result) Value(key domain.NodeKey) (domain.NodeValue, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Error returns the error recorded for a requested key, or nil.
func (r *Result) Error(key domain.NodeKey) *NodeError {
	return r.errs[key]
}

// HadErrors reports whether any requested key failed.
func (r *Result) HadErrors() bool {
	return len(r.errs) > 0
}

// Values returns all successfully computed root values.
func (r *Result) Values() map[domain.NodeKey]domain.NodeValue {
	return r.values
}

// RootCauses returns one NodeError per distinct root-cause key across the
// whole evaluation, sorted by key for stable reporting. Nodes that merely
// inherited a dependency's failure, and nodes abandoned by an interrupt or an
// early stop, are not root causes.
func (r *Result) RootCauses() []*NodeError {
	byKey := make(map[domain.NodeKey]*NodeError)
	for _, ne := range r.allErrs {
		if len(ne.Chain) != 1 {
			continue
		}
		if errors.Is(ne.Err, domain.ErrInterrupted) || errors.Is(ne.Err, domain.ErrStopped) {
			continue
		}
		byKey[ne.Key] = ne
	}
	out := make([]*NodeError, 0, len(byKey))
	for _, ne := range byKey {
		out = append(out, ne)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Err aggregates the root-cause errors into a single error, or nil if the
// evaluation had none.
func (r *Result) Err() error {
	causes := r.RootCauses()
	if len(causes) == 0 {
		if len(r.errs) == 0 {
			return nil
		}
		// Only inherited or interrupted errors; report them directly.
		joined := make([]error, 0, len(r.errs))
		for _, ne := range r.errs {
			joined = append(joined, ne)
		}
		return errors.Join(joined...)
	}
	joined := make([]error, len(causes))
	for i, ne := range causes {
		joined[i] = ne
	}
	return errors.Join(joined...)
}
