package ports

import "context"

// CommandRunner executes a target's command.
//
//go:generate go run go.uber.org/mock/mockgen -source=runner.go -destination=mocks/mock_runner.go -package=mocks
type CommandRunner interface {
	// Run executes argv in dir with extra environment variables overlaid on
	// the process environment. It must honor ctx cancellation promptly; a
	// killed or failed command returns an error carrying the exit code.
	Run(ctx context.Context, argv []string, dir string, env map[string]string) error
}
