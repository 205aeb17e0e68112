// Package worker provides goroutine pool management.
//
// Naked goroutines are forbidden in this codebase. Concurrency starts from a
// Pool or Lanes task with context propagation. A task may fan out with
// errgroup when it waits for every goroutine it starts, as the broker
// consumers do with their partition loops.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gavel.io/gavel/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool names accepted by SubmitDetached.
const (
	PoolGeneral    = "general"
	PoolBackground = "background"
)

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
	// active counts tasks in flight; ants counts idle workers as running.
	active atomic.Int32
}

// Pools is the worker pool collection.
//
// General runs short tasks such as outcome publishing and archive snapshots.
// Background runs long-lived loops: broker consumers and local tickers.
// Lanes serializes work per auction.
type Pools struct {
	General    *Pool
	Background *Pool
	Lanes      *Lanes

	// serviceCtx is the service lifecycle context for detached tasks
	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	GeneralPoolSize    int
	BackgroundPoolSize int
	LaneCount          int
	LaneBuffer         int
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		GeneralPoolSize:    100,
		BackgroundPoolSize: 32,
		LaneCount:          64,
		LaneBuffer:         256,
	}
}

func panicHandler(p interface{}) {
	logger.Error("Worker panic recovered",
		zap.Any("panic", p),
		zap.Stack("stack"),
	)
}

// NewPools creates the worker pool collection.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	generalAnts, err := ants.NewPool(cfg.GeneralPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		serviceCancel()
		return nil, err
	}

	backgroundAnts, err := ants.NewPool(cfg.BackgroundPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(true), // a full background pool is a sizing bug, fail fast
		ants.WithExpiryDuration(time.Minute),
	)
	if err != nil {
		generalAnts.Release()
		serviceCancel()
		return nil, err
	}

	lanes, err := NewLanes(cfg.LaneCount, cfg.LaneBuffer)
	if err != nil {
		backgroundAnts.Release()
		generalAnts.Release()
		serviceCancel()
		return nil, err
	}

	return &Pools{
		General:       &Pool{pool: generalAnts, name: PoolGeneral},
		Background:    &Pool{pool: backgroundAnts, name: PoolBackground},
		Lanes:         lanes,
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// Submit submits a context-aware task.
// The task receives the caller's context and should check ctx.Done() at blocking points.
// If context is already cancelled, returns ctx.Err() immediately without submitting.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := p.pool.Submit(func() {
		// may have been cancelled while queued
		select {
		case <-ctx.Done():
			logger.Debug("Task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		p.run(ctx, task)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

func (p *Pool) run(ctx context.Context, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	task(ctx)
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.active.Load())
}

// SubmitDetached submits a background task bound to the service lifecycle
// context instead of a caller context. Detached tasks survive the cancellation
// of the batch that spawned them but still stop on Shutdown.
func (p *Pools) SubmitDetached(poolName string, task Task) error {
	var pool *Pool
	switch poolName {
	case PoolBackground:
		pool = p.Background
	default:
		pool = p.General
	}

	err := pool.pool.Submit(func() {
		select {
		case <-p.serviceCtx.Done():
			logger.Debug("Detached task skipped: service shutting down",
				zap.String("pool", pool.name),
			)
			return
		default:
		}
		pool.run(p.serviceCtx, task)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Context returns the service lifecycle context.
func (p *Pools) Context() context.Context {
	return p.serviceCtx
}

// Shutdown cancels the service context, drains the lanes, then waits for
// running tasks (max 30s per pool).
func (p *Pools) Shutdown() {
	p.serviceCancel()

	const shutdownTimeout = 30 * time.Second
	p.Lanes.Close(shutdownTimeout)
	if err := p.Background.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("Background pool shutdown timeout", zap.Error(err))
	}
	if err := p.General.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("General pool shutdown timeout", zap.Error(err))
	}
}

// Metrics returns pool metrics for observability.
func (p *Pools) Metrics() map[string]interface{} {
	return map[string]interface{}{
		PoolGeneral: map[string]int{
			"running": p.General.Running(),
			"free":    p.General.pool.Free(),
			"cap":     p.General.pool.Cap(),
		},
		PoolBackground: map[string]int{
			"running": p.Background.Running(),
			"free":    p.Background.pool.Free(),
			"cap":     p.Background.pool.Cap(),
		},
		"lanes": p.Lanes.Metrics(),
	}
}
