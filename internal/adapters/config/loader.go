// Package config provides the workspace loader for loom.
package config

import (
	"os"
	"path/filepath"
	"slices"

	"go.trai.ch/loom/internal/core/domain"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// DefaultFilename is the workspace file loaded when none is specified.
const DefaultFilename = "loom.yaml"

// FileLoader implements ports.WorkspaceLoader using a YAML file.
type FileLoader struct {
	Filename string
}

// NewLoader creates a FileLoader for the default workspace filename.
func NewLoader() *FileLoader {
	return &FileLoader{Filename: DefaultFilename}
}

// Load reads the workspace definition from the given directory.
func (l *FileLoader) Load(cwd string) (*domain.Workspace, error) {
	path := filepath.Join(cwd, l.Filename)
	return Load(path)
}

// Load reads a workspace file from the given path.
func Load(path string) (*domain.Workspace, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is provided by user
	if err != nil {
		return nil, zerr.Wrap(err, "failed to read workspace file")
	}

	var loomfile Loomfile
	if err := yaml.Unmarshal(data, &loomfile); err != nil {
		return nil, zerr.Wrap(err, "failed to parse workspace file")
	}

	ws := domain.NewWorkspace(filepath.Dir(path))

	// First pass: collect target names so dependency references can be
	// verified before anything is added.
	names := make(map[string]bool, len(loomfile.Targets))
	for name := range loomfile.Targets {
		names[name] = true
	}

	for name, dto := range loomfile.Targets {
		if name == "all" {
			return nil, zerr.With(zerr.New("target name 'all' is reserved"), "target", name)
		}
		if len(dto.Cmd) == 0 {
			return nil, zerr.With(zerr.New("target has no command"), "target", name)
		}
		for _, dep := range dto.DependsOn {
			if !names[dep] {
				return nil, zerr.With(zerr.With(zerr.New("missing dependency"), "target", name), "missing_dependency", dep)
			}
		}

		target := &domain.Target{
			Name:        domain.NewInternedString(name),
			Command:     dto.Cmd,
			Inputs:      canonicalizeStrings(dto.Inputs),
			Deps:        internStrings(dto.DependsOn),
			Environment: dto.Environment,
		}
		if err := ws.AddTarget(target); err != nil {
			return nil, err
		}
	}

	return ws, nil
}

func internStrings(strs []string) []domain.InternedString {
	res := make([]domain.InternedString, len(strs))
	for i, s := range strs {
		res[i] = domain.NewInternedString(s)
	}
	return res
}

func canonicalizeStrings(strs []string) []domain.InternedString {
	if len(strs) == 0 {
		return nil
	}

	sorted := make([]string, len(strs))
	copy(sorted, strs)
	slices.Sort(sorted)

	unique := slices.Compact(sorted)
	res := make([]domain.InternedString, len(unique))
	for i, s := range unique {
		res[i] = domain.NewInternedString(s)
	}
	return res
}
