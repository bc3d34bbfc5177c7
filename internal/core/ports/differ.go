package ports

// ChangeDetector is the external file-system diffing component that seeds
// invalidation. It is deliberately outside the engine: the engine only ever
// sees the resulting "these keys changed" events.
//
//go:generate go run go.uber.org/mock/mockgen -source=differ.go -destination=mocks/mock_differ.go -package=mocks
type ChangeDetector interface {
	// Snapshot records the current digest of each path under root. Paths
	// that do not exist are recorded with a zero digest so that their later
	// appearance registers as a change.
	Snapshot(root string, paths []string) (map[string]uint64, error)

	// Diff returns the paths whose digests differ between two snapshots,
	// including paths present in only one of them.
	Diff(prev, curr map[string]uint64) []string
}
