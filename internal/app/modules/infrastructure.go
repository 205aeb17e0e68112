package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"gavel.io/gavel/internal/api/handlers"
	"gavel.io/gavel/internal/config"
	"gavel.io/gavel/internal/infrastructure"
	"gavel.io/gavel/internal/pkg/logger"
	"gavel.io/gavel/internal/pkg/worker"
	"gavel.io/gavel/internal/telemetry"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module. DB and Redis are nil when no component
// is configured to use them.
type Infrastructure struct {
	Config      *config.Config
	DB          *infrastructure.DatabaseClients
	Redis       *redis.Client
	Pools       *worker.Pools
	Telemetry   *telemetry.Provider
	RiverClient *river.Client[pgx.Tx]
}

// NewInfrastructure initializes connections, pools and telemetry.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	infra := &Infrastructure{Config: cfg}

	if cfg.UsesPostgres() {
		db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		infra.DB = db
	}

	if cfg.UsesRedis() {
		client, err := infrastructure.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		infra.Redis = client
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:    cfg.Worker.GeneralPoolSize,
		BackgroundPoolSize: cfg.Worker.BackgroundPoolSize,
		LaneCount:          cfg.Worker.LaneCount,
		LaneBuffer:         cfg.Worker.LaneBuffer,
	})
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	infra.Pools = pools

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	infra.Telemetry = tp

	return infra, nil
}

// InitRiver initializes River client on top of a prepared worker registry.
// It is a no-op when River is disabled.
func (i *Infrastructure) InitRiver(workers *river.Workers) error {
	if i == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if !i.Config.RiverEnabled() {
		logger.Info("River disabled, maintenance runs on local tickers")
		return nil
	}
	if err := i.DB.InitRiverClient(workers, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	return nil
}

// Checks returns the readiness probes of the open connections.
func (i *Infrastructure) Checks() map[string]handlers.HealthCheck {
	checks := make(map[string]handlers.HealthCheck)
	if i.DB != nil {
		checks["database"] = i.DB.Ping
	}
	if i.Redis != nil {
		client := i.Redis
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	return checks
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Telemetry != nil {
		if err := i.Telemetry.Shutdown(context.Background()); err != nil {
			logger.Warn("Telemetry shutdown returned error", zap.Error(err))
		}
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			logger.Warn("Redis close returned error", zap.Error(err))
		}
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
