package domain

// NodeValue is the immutable result computed by a function for a node key.
// The engine treats values as opaque except for equality: Equal lets the
// store distinguish "recomputed but unchanged" from "recomputed and changed",
// which is what stops invalidation from cascading past nodes whose recomputed
// value is identical to the previous one.
//
// Implementations must be safe for concurrent reads and must never be
// mutated after being returned from a function.
type NodeValue interface {
	Equal(other NodeValue) bool
}
