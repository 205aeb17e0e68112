// Package modules contains the dependency modules of the composition root.
package modules

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"gavel.io/gavel/internal/api/handlers"
)

// Module represents a domain-specific dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging/debugging.
	Name() string

	// RegisterWorkers registers module workers into a shared River worker registry.
	RegisterWorkers(*river.Workers)

	// Start launches the module's long-running loops.
	Start(context.Context) error

	// Shutdown performs module-local graceful cleanup.
	Shutdown(context.Context) error
}

// ServerDepsContributor injects module-owned dependencies into the ops server deps.
type ServerDepsContributor interface {
	ContributeServerDeps(*handlers.ServerDeps)
}

// RiverBinder receives the River client once it exists.
// Modules use it to enqueue jobs and add periodic jobs.
type RiverBinder interface {
	UseRiver(*river.Client[pgx.Tx])
}
