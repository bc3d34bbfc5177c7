// Package domain contains the core domain model for the incremental
// dependency-graph engine: node keys, node values, node lifecycle states and
// version stamps.
package domain

import "fmt"

// FunctionKind identifies the registered function that knows how to compute
// values for a node key. The registry resolves a kind exactly once at
// startup; there is no runtime type inspection involved in dispatch.
type FunctionKind string

// String returns the kind identifier.
func (k FunctionKind) String() string { return string(k) }

// NodeKey identifies one unit of incremental computation: the pair of a
// function kind and an opaque argument. NodeKey is comparable and cheap to
// hash because the argument is interned, so it can be used as a map key on
// the engine's hot paths.
type NodeKey struct {
	Kind FunctionKind
	Arg  InternedString
}

// NewNodeKey creates a NodeKey for the given kind and argument.
func NewNodeKey(kind FunctionKind, arg string) NodeKey {
	return NodeKey{Kind: kind, Arg: NewInternedString(arg)}
}

// String renders the key as kind(arg), used in logs and error reports.
func (k NodeKey) String() string {
	return fmt.Sprintf("%s(%s)", k.Kind, k.Arg.String())
}

// BuildVersion is the monotonically increasing build-sequence stamp. A node
// records the version at which its value last changed and the version at
// which it was last confirmed up to date; comparing a dependency's change
// version against a dependent's confirmation version is what drives change
// pruning.
type BuildVersion int64

// KeyStrings renders a slice of keys for log and telemetry payloads.
func KeyStrings(keys []NodeKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
