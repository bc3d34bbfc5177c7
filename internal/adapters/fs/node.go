package fs

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/loom/internal/core/ports"
)

const (
	HasherNodeID graft.ID = "adapter.fs.hasher"
	DifferNodeID graft.ID = "adapter.fs.differ"
)

func init() {
	graft.Register(graft.Node[ports.FileHasher]{
		ID:        HasherNodeID,
		Cacheable: true,
		Run: func(ctx context.Context) (ports.FileHasher, error) {
			return NewHasher(), nil
		},
	})

	graft.Register(graft.Node[ports.ChangeDetector]{
		ID:        DifferNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{HasherNodeID},
		Run: func(ctx context.Context) (ports.ChangeDetector, error) {
			hasher, err := graft.Dep[ports.FileHasher](ctx)
			if err != nil {
				return nil, err
			}
			return NewDiffer(hasher), nil
		},
	})
}
