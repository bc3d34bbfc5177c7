package ports

import "go.trai.ch/loom/internal/core/domain"

// ActionStore is the on-disk action cache: an opaque side table mapping a
// target to the fingerprint of the inputs its command last ran with. The
// graph engine never touches it; only the target function consults it.
//
//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks
type ActionStore interface {
	// Get retrieves the action entry for a target.
	// Returns nil, nil if not found.
	Get(target string) (*domain.ActionEntry, error)

	// Put stores the action entry.
	Put(entry domain.ActionEntry) error
}
