package fs

import (
	"errors"
	"io/fs"
	"runtime"
	"sort"

	"go.trai.ch/loom/internal/core/ports"
	"golang.org/x/sync/errgroup"
)

var _ ports.ChangeDetector = (*Differ)(nil)

// Differ detects which input files changed between two builds by comparing
// content digest snapshots.
type Differ struct {
	hasher ports.FileHasher
}

// NewDiffer creates a Differ using the given hasher.
func NewDiffer(hasher ports.FileHasher) *Differ {
	return &Differ{hasher: hasher}
}

// Snapshot records the current digest of each path under root, hashing files
// in parallel. A path that does not exist is recorded with a zero digest so
// its later appearance registers as a change.
func (d *Differ) Snapshot(root string, paths []string) (map[string]uint64, error) {
	digests := make([]uint64, len(paths))

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		g.Go(func() error {
			hash, err := d.hasher.HashFile(root, path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			digests[i] = hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := make(map[string]uint64, len(paths))
	for i, path := range paths {
		snap[path] = digests[i]
	}
	return snap, nil
}

// Diff returns the paths whose digests differ between two snapshots,
// including paths present in only one of them, sorted for stable output.
func (d *Differ) Diff(prev, curr map[string]uint64) []string {
	var changed []string
	for path, hash := range curr {
		if old, ok := prev[path]; !ok || old != hash {
			changed = append(changed, path)
		}
	}
	for path := range prev {
		if _, ok := curr[path]; !ok {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}
