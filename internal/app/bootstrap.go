// Package app is the composition root. Bootstrap stays orchestration-only.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"gavel.io/gavel/internal/api/handlers"
	"gavel.io/gavel/internal/app/modules"
	"gavel.io/gavel/internal/config"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	Infra   *modules.Infrastructure
	Modules []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	lifecycleModule, err := modules.NewLifecycleModule(ctx, infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init lifecycle module: %w", err)
	}
	allModules := []modules.Module{lifecycleModule}

	workers := river.NewWorkers()
	for _, mod := range allModules {
		mod.RegisterWorkers(workers)
	}
	if err := infra.InitRiver(workers); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}
	// Periodic sweep, relay, purge and archive jobs run once on startup, then
	// on their intervals.
	if infra.RiverClient != nil {
		for _, mod := range allModules {
			if binder, ok := mod.(modules.RiverBinder); ok {
				binder.UseRiver(infra.RiverClient)
			}
		}
	}

	serverDeps := modules.NewServerDeps(infra, allModules)
	server := handlers.NewServer(serverDeps)

	return &Application{
		Config:  cfg,
		Router:  newRouter(cfg, server),
		Infra:   infra,
		Modules: allModules,
	}, nil
}
