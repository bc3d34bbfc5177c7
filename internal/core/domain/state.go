package domain

// NodeState is the lifecycle state of a node entry in the store.
type NodeState int

const (
	// StateNotEvaluated is the state of a freshly created entry that has
	// never been computed.
	StateNotEvaluated NodeState = iota
	// StateEvaluating marks an entry claimed by a worker. At most one
	// evaluation may hold this claim at any time.
	StateEvaluating
	// StateDone marks an entry whose value (or terminal error) is valid as
	// of its verification stamp.
	StateDone
	// StateDirty marks a done entry whose transitive inputs may have
	// changed; it is re-validated lazily, dependency by dependency, before
	// its function is re-run.
	StateDirty
	// StateChanged marks a done entry known to be stale (for example via a
	// direct external change signal); its function is re-run
	// unconditionally.
	StateChanged
)

// String returns a human readable state name.
func (s NodeState) String() string {
	switch s {
	case StateNotEvaluated:
		return "NotEvaluated"
	case StateEvaluating:
		return "Evaluating"
	case StateDone:
		return "Done"
	case StateDirty:
		return "Dirty"
	case StateChanged:
		return "Changed"
	default:
		return "Unknown"
	}
}
