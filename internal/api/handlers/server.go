// Package handlers implements the ops HTTP surface of the lifecycle service.
//
// There is no client-facing auction API: bids and commands arrive as events.
// These handlers serve probes and operator inspection only.
package handlers

import (
	"context"

	"gavel.io/gavel/internal/archive"
	"gavel.io/gavel/internal/deadletter"
	"gavel.io/gavel/internal/pkg/worker"
	"gavel.io/gavel/internal/repository"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// SnapshotLoader reads archived auctions.
type SnapshotLoader interface {
	Load(ctx context.Context, auctionID string) (*archive.Snapshot, error)
}

// Server implements the ops API handlers.
type Server struct {
	checks      map[string]HealthCheck
	pools       *worker.Pools
	deadLetters deadletter.Sink
	auctions    repository.Store
	snapshots   SnapshotLoader
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	// Checks are the readiness probes keyed by dependency name.
	Checks      map[string]HealthCheck
	Pools       *worker.Pools
	DeadLetters deadletter.Sink
	Auctions    repository.Store
	Snapshots   SnapshotLoader // Optional: nil when archiving is off
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		checks:      deps.Checks,
		pools:       deps.Pools,
		deadLetters: deps.DeadLetters,
		auctions:    deps.Auctions,
		snapshots:   deps.Snapshots,
	}
}
