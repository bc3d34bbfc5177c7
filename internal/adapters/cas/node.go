package cas

import (
	"context"
	"os"
	"path/filepath"

	"github.com/grindlemire/graft"
	"go.trai.ch/loom/internal/core/ports"
	"go.trai.ch/zerr"
)

const NodeID graft.ID = "adapter.action_store"

func init() {
	graft.Register(graft.Node[ports.ActionStore]{
		ID:        NodeID,
		Cacheable: true,
		Run: func(ctx context.Context) (ports.ActionStore, error) {
			cwd, err := os.Getwd()
			if err != nil {
				return nil, zerr.Wrap(err, "failed to determine working directory")
			}
			return NewStore(filepath.Join(cwd, DefaultPath))
		},
	})
}
