package ports

import "go.trai.ch/loom/internal/core/domain"

// WorkspaceLoader loads the workspace definition.
//
//go:generate go run go.uber.org/mock/mockgen -source=config_loader.go -destination=mocks/mock_config_loader.go -package=mocks
type WorkspaceLoader interface {
	// Load reads the workspace definition from the given directory.
	Load(cwd string) (*domain.Workspace, error)
}
