package modules

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"gavel.io/gavel/internal/api/handlers"
	"gavel.io/gavel/internal/archive"
	"gavel.io/gavel/internal/broker"
	"gavel.io/gavel/internal/config"
	"gavel.io/gavel/internal/deadletter"
	"gavel.io/gavel/internal/dedup"
	"gavel.io/gavel/internal/infrastructure"
	"gavel.io/gavel/internal/jobs"
	"gavel.io/gavel/internal/lifecycle"
	"gavel.io/gavel/internal/pkg/logger"
	"gavel.io/gavel/internal/repository"
)

const memoryDeadLetters = 1000

// LifecycleModule wires the auction orchestrator with its storage, broker,
// dead-letter sink, archive and maintenance jobs.
type LifecycleModule struct {
	infra     *Infrastructure
	repo      repository.Store
	dedup     dedup.Store
	bus       broker.Broker
	sink      deadletter.Sink
	archStore archive.Store
	archiver  *archive.Archiver
	scheduler *archiveScheduler
	orch      *lifecycle.Orchestrator
	jobs      *jobs.Set

	cancel context.CancelFunc
	done   chan struct{}
}

// archiveScheduler forwards to the pool scheduler until River is bound.
// next is only replaced before Start.
type archiveScheduler struct {
	next lifecycle.ArchiveScheduler
}

func (s *archiveScheduler) ScheduleArchive(ctx context.Context, auctionID string) error {
	return s.next.ScheduleArchive(ctx, auctionID)
}

// NewLifecycleModule builds the module from the configured backends.
func NewLifecycleModule(ctx context.Context, infra *Infrastructure) (*LifecycleModule, error) {
	cfg := infra.Config
	m := &LifecycleModule{infra: infra}
	var migrators []infrastructure.Migrator

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pg := repository.NewPostgresStore(infra.DB.Pool)
		m.repo = pg
		migrators = append(migrators, pg)
	default:
		m.repo = repository.NewMemoryStore()
	}

	switch cfg.Dedup.Backend {
	case config.BackendPostgres:
		pg := dedup.NewPostgresStore(infra.DB.Pool)
		m.dedup = pg
		migrators = append(migrators, pg)
	case config.BackendRedis:
		m.dedup = dedup.NewRedisStore(infra.Redis, cfg.Dedup.KeyPrefix, cfg.Dedup.Retention)
	default:
		m.dedup = dedup.NewMemoryStore(cfg.Dedup.MaxEntries)
	}

	// Dev-mode: auto-create component tables + River queue tables.
	if cfg.Database.AutoMigrate && infra.DB != nil {
		if err := infra.DB.AutoMigrate(ctx, migrators...); err != nil {
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	m.bus = newBroker(cfg.Broker, infra.Redis)
	m.sink = deadletter.NewAlertingSink(
		newDeadLetterSink(cfg.Broker, infra.Redis),
		cfg.DeadLetter.AlertInterval,
		cfg.DeadLetter.AlertBurst,
		nil,
	)

	store, err := archive.NewStore(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("init archive store: %w", err)
	}
	deps := lifecycle.Deps{
		Repo:        m.repo,
		Dedup:       m.dedup,
		Publisher:   m.bus,
		DeadLetters: m.sink,
		Pools:       infra.Pools,
		Metrics:     infra.Telemetry.Metrics(),
		Tracer:      infra.Telemetry.Tracer(),
	}
	jobDeps := jobs.Deps{
		Dedup:          m.dedup,
		DedupRetention: cfg.Dedup.Retention,
		ArchiveBatch:   cfg.Auction.SweepBatchSize,
	}
	if store != nil {
		m.archStore = store
		m.archiver = archive.NewArchiver(store, m.repo, cfg.Archive.Prefix)
		m.scheduler = &archiveScheduler{next: jobs.NewPoolArchiveScheduler(m.archiver, infra.Pools)}
		deps.Archiver = m.scheduler
		jobDeps.Archiver = m.archiver
	}

	m.orch = lifecycle.New(lifecycle.Config{
		TopicPrefix:           cfg.Broker.TopicPrefix,
		MaxDeliveries:         cfg.Broker.MaxDeliveries,
		ScheduledOpen:         cfg.Auction.ScheduledOpen,
		StaleVersionTolerance: cfg.Auction.StaleVersionTolerance,
		SweepBatchSize:        cfg.Auction.SweepBatchSize,
		RelayBatchSize:        cfg.Dedup.RelayBatchSize,
		Retry:                 cfg.Retry.Policy(),
	}, deps)

	jobDeps.Ticker = m.orch
	jobDeps.Relayer = m.orch
	m.jobs = jobs.NewSet(jobDeps)

	logger.Info("Lifecycle module initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("dedup", cfg.Dedup.Backend),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("archive", cfg.Archive.Backend),
		zap.Bool("scheduled_open", cfg.Auction.ScheduledOpen),
	)
	return m, nil
}

func newBroker(cfg config.BrokerConfig, client *redis.Client) broker.Broker {
	if cfg.Kind == config.BackendRedis {
		return broker.NewRedisStreamBroker(client, broker.RedisStreamConfig{
			Partitions: cfg.Partitions,
			Group:      cfg.Group,
			Consumer:   cfg.Consumer,
			BatchSize:  cfg.BatchSize,
			Block:      cfg.BlockTimeout,
			ClaimIdle:  cfg.ClaimIdle,
			MaxLen:     cfg.StreamMaxLen,
		})
	}
	return broker.NewMemoryBroker(cfg.Partitions, cfg.BatchSize, cfg.BufferSize)
}

// newDeadLetterSink keeps dead letters next to the broker streams when the
// broker is Redis.
func newDeadLetterSink(cfg config.BrokerConfig, client *redis.Client) deadletter.Sink {
	if cfg.Kind == config.BackendRedis {
		return deadletter.NewRedisSink(client, broker.DeadLetterTopic(cfg.TopicPrefix), cfg.StreamMaxLen)
	}
	return deadletter.NewMemorySink(memoryDeadLetters)
}

func (m *LifecycleModule) Name() string { return "lifecycle" }

// Orchestrator returns the module's orchestrator.
func (m *LifecycleModule) Orchestrator() *lifecycle.Orchestrator { return m.orch }

// Broker returns the module's broker.
func (m *LifecycleModule) Broker() broker.Broker { return m.bus }

func (m *LifecycleModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.DeadLetters = m.sink
	deps.Auctions = m.repo
	if m.archiver != nil {
		deps.Snapshots = m.archiver
	}
}

func (m *LifecycleModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil || m.jobs == nil {
		return
	}
	m.jobs.Register(workers)
}

// UseRiver moves archive scheduling and maintenance onto River.
func (m *LifecycleModule) UseRiver(client *river.Client[pgx.Tx]) {
	if m.scheduler != nil {
		m.scheduler.next = jobs.NewRiverArchiveScheduler(client)
	}
	for _, job := range m.jobs.PeriodicJobs(m.intervals()) {
		client.PeriodicJobs().Add(job)
	}
}

func (m *LifecycleModule) intervals() jobs.Intervals {
	cfg := m.infra.Config
	return jobs.Intervals{
		Sweep:        cfg.Auction.SweepInterval,
		Relay:        cfg.Dedup.RelayInterval,
		Purge:        cfg.Dedup.PurgeInterval,
		ArchiveSweep: cfg.Archive.SweepInterval,
	}
}

// Start runs the broker consumer on the background pool, plus the local
// maintenance tickers when River is off.
func (m *LifecycleModule) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	topics := m.orch.Topics()

	err := m.infra.Pools.Background.Submit(runCtx, func(ctx context.Context) {
		defer close(done)
		logger.Info("Broker consumer started", zap.Strings("topics", topics))
		if err := m.bus.Consume(ctx, topics, m.orch.HandleBatch); err != nil && ctx.Err() == nil {
			logger.Error("Broker consumer stopped", zap.Error(err))
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start broker consumer: %w", err)
	}
	m.cancel, m.done = cancel, done

	if !m.infra.Config.RiverEnabled() {
		if err := m.jobs.RunLocal(runCtx, m.infra.Pools.Background, m.intervals()); err != nil {
			return fmt.Errorf("start local maintenance: %w", err)
		}
	}
	return nil
}

// Shutdown stops the consumer, then closes the broker and the archive store.
func (m *LifecycleModule) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
		select {
		case <-m.done:
		case <-ctx.Done():
			logger.Warn("Broker consumer did not stop before shutdown deadline")
		}
	}
	var firstErr error
	if err := m.bus.Close(); err != nil {
		firstErr = fmt.Errorf("close broker: %w", err)
	}
	if c, ok := m.archStore.(io.Closer); ok {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close archive store: %w", err)
		}
	}
	return firstErr
}
