package domain

import (
	"sort"

	"go.trai.ch/zerr"
)

// Target is one named unit of work declared in the workspace: a command, the
// files it reads, and the targets it depends on.
type Target struct {
	Name        InternedString
	Command     []string
	Inputs      []InternedString
	Deps        []InternedString
	Environment map[string]string
}

// Workspace is the validated set of targets loaded from loom.yaml.
type Workspace struct {
	Root    string
	targets map[InternedString]Target
}

// NewWorkspace creates an empty workspace rooted at root.
func NewWorkspace(root string) *Workspace {
	return &Workspace{
		Root:    root,
		targets: make(map[InternedString]Target),
	}
}

// AddTarget adds a target to the workspace.
// It returns an error if a target with the same name already exists.
func (w *Workspace) AddTarget(t *Target) error {
	if _, exists := w.targets[t.Name]; exists {
		return zerr.With(ErrTargetAlreadyExists, "target", t.Name.String())
	}
	w.targets[t.Name] = *t
	return nil
}

// Target returns the target with the given name.
func (w *Workspace) Target(name string) (Target, bool) {
	t, ok := w.targets[NewInternedString(name)]
	return t, ok
}

// TargetCount returns the number of targets in the workspace.
func (w *Workspace) TargetCount() int {
	return len(w.targets)
}

// TargetNames returns all target names in sorted order.
func (w *Workspace) TargetNames() []string {
	names := make([]string, 0, len(w.targets))
	for name := range w.targets {
		names = append(names, name.String())
	}
	sort.Strings(names)
	return names
}

// InputFiles returns the union of every target's input files, sorted and
// deduplicated. The change detector snapshots exactly this set.
func (w *Workspace) InputFiles() []string {
	seen := make(map[string]struct{})
	for _, t := range w.targets {
		for _, in := range t.Inputs {
			seen[in.String()] = struct{}{}
		}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}
