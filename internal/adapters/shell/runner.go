// Package shell provides the command runner adapter.
package shell

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"go.trai.ch/loom/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.CommandRunner = (*Runner)(nil)

// Runner implements ports.CommandRunner using os/exec.
type Runner struct {
	logger ports.Logger
}

// NewRunner creates a new Runner.
func NewRunner(logger ports.Logger) *Runner {
	return &Runner{
		logger: logger,
	}
}

// Run executes argv in dir with env overlaid on the process environment.
// Output streams to the progress vertex attached to ctx when one exists,
// falling back to the logger otherwise.
func (r *Runner) Run(ctx context.Context, argv []string, dir string, env map[string]string) error {
	if len(argv) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // user provided command
	cmd.Dir = dir
	cmd.Env = mergeEnvironment(os.Environ(), env)

	if vtx, ok := ports.VertexFromContext(ctx); ok {
		cmd.Stdout = vtx.Stdout()
		cmd.Stderr = vtx.Stderr()
	} else {
		cmd.Stdout = &logWriter{logger: r.logger, level: "info"}
		cmd.Stderr = &logWriter{logger: r.logger, level: "error"}
	}

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return zerr.With(zerr.Wrap(err, "command failed"), "exit_code", exitCode)
	}

	return nil
}

// logWriter splits command output into lines and forwards them to the logger.
type logWriter struct {
	logger ports.Logger
	level  string
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(strings.TrimSuffix(string(p), "\n"), "\n")
	for _, line := range lines {
		if w.level == "info" {
			w.logger.Info(line)
		} else {
			w.logger.Error(zerr.New(line))
		}
	}
	return len(p), nil
}

// mergeEnvironment overlays the target-level variables on the process
// environment. Target values win on conflict.
func mergeEnvironment(sysEnv []string, overrides map[string]string) []string {
	envMap := make(map[string]string, len(sysEnv)+len(overrides))
	for _, entry := range sysEnv {
		k, v, ok := strings.Cut(entry, "=")
		if ok {
			envMap[k] = v
		}
	}
	for k, v := range overrides {
		envMap[k] = v
	}

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	return result
}
