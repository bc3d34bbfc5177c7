// Package wiring registers all Graft nodes for the application.
package wiring

import (
	// Register adapter nodes.
	_ "go.trai.ch/loom/internal/adapters/cas"
	_ "go.trai.ch/loom/internal/adapters/config"
	_ "go.trai.ch/loom/internal/adapters/fs"
	_ "go.trai.ch/loom/internal/adapters/logger"
	_ "go.trai.ch/loom/internal/adapters/shell"
	_ "go.trai.ch/loom/internal/adapters/telemetry"
	_ "go.trai.ch/loom/internal/adapters/telemetry/progrock"
	// Register app nodes.
	_ "go.trai.ch/loom/internal/app"
)
