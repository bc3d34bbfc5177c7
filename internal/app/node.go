package app

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/loom/internal/adapters/cas"    //nolint:depguard // Wired in app layer
	"go.trai.ch/loom/internal/adapters/config" //nolint:depguard // Wired in app layer
	"go.trai.ch/loom/internal/adapters/fs"     //nolint:depguard // Wired in app layer
	"go.trai.ch/loom/internal/adapters/logger" //nolint:depguard // Wired in app layer
	"go.trai.ch/loom/internal/adapters/shell"  //nolint:depguard // Wired in app layer
	"go.trai.ch/loom/internal/adapters/telemetry"
	"go.trai.ch/loom/internal/adapters/telemetry/progrock"
	"go.trai.ch/loom/internal/core/ports"
)

const (
	// AppNodeID is the unique identifier for the main App Graft node.
	AppNodeID graft.ID = "app.main"
	// ComponentsNodeID is the unique identifier for the App components Graft node.
	ComponentsNodeID graft.ID = "app.components"
)

// Components contains the initialized application components the CLI layer
// needs.
type Components struct {
	App    *App
	Logger ports.Logger
}

func init() {
	graft.Register(graft.Node[*App]{
		ID:        AppNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			config.NodeID,
			logger.NodeID,
			telemetry.TracerNodeID,
			progrock.NodeID,
			fs.HasherNodeID,
			fs.DifferNodeID,
			shell.NodeID,
			cas.NodeID,
		},
		Run: runAppNode,
	})

	graft.Register(graft.Node[*Components]{
		ID:        ComponentsNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			AppNodeID,
			logger.NodeID,
		},
		Run: func(ctx context.Context) (*Components, error) {
			application, err := graft.Dep[*App](ctx)
			if err != nil {
				return nil, err
			}
			log, err := graft.Dep[ports.Logger](ctx)
			if err != nil {
				return nil, err
			}
			return &Components{App: application, Logger: log}, nil
		},
	})
}

func runAppNode(ctx context.Context) (*App, error) {
	loader, err := graft.Dep[ports.WorkspaceLoader](ctx)
	if err != nil {
		return nil, err
	}
	log, err := graft.Dep[ports.Logger](ctx)
	if err != nil {
		return nil, err
	}
	tracer, err := graft.Dep[ports.Tracer](ctx)
	if err != nil {
		return nil, err
	}
	tel, err := graft.Dep[ports.Telemetry](ctx)
	if err != nil {
		return nil, err
	}
	hasher, err := graft.Dep[ports.FileHasher](ctx)
	if err != nil {
		return nil, err
	}
	differ, err := graft.Dep[ports.ChangeDetector](ctx)
	if err != nil {
		return nil, err
	}
	runner, err := graft.Dep[ports.CommandRunner](ctx)
	if err != nil {
		return nil, err
	}
	actions, err := graft.Dep[ports.ActionStore](ctx)
	if err != nil {
		return nil, err
	}

	return New(loader, log, tracer, tel, hasher, differ, runner, actions), nil
}
