package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"gavel.io/gavel/internal/dedup"
	"gavel.io/gavel/internal/pkg/logger"
	"gavel.io/gavel/internal/pkg/worker"
)

// Deps are the components the maintenance jobs drive.
type Deps struct {
	Ticker         Ticker
	Relayer        Relayer
	Dedup          dedup.Store
	DedupRetention time.Duration

	// Archiver is nil when snapshots are disabled.
	Archiver     Archiver
	ArchiveBatch int
}

// Intervals are the periods of the maintenance tasks. A non-positive
// interval disables its task.
type Intervals struct {
	Sweep        time.Duration
	Relay        time.Duration
	Purge        time.Duration
	ArchiveSweep time.Duration
}

// Set holds one worker per maintenance task.
type Set struct {
	Sweep        *AuctionSweepWorker
	Relay        *OutcomeRelayWorker
	Purge        *DedupPurgeWorker
	Archive      *AuctionArchiveWorker
	ArchiveSweep *ArchiveSweepWorker

	archiveBatch int
}

// NewSet creates the maintenance workers.
func NewSet(deps Deps) *Set {
	s := &Set{
		Sweep:        NewAuctionSweepWorker(deps.Ticker),
		Relay:        NewOutcomeRelayWorker(deps.Relayer),
		Purge:        NewDedupPurgeWorker(deps.Dedup, deps.DedupRetention),
		archiveBatch: deps.ArchiveBatch,
	}
	if deps.Archiver != nil {
		s.Archive = NewAuctionArchiveWorker(deps.Archiver)
		s.ArchiveSweep = NewArchiveSweepWorker(deps.Archiver)
	}
	return s
}

// Register adds the workers to a River worker registry.
func (s *Set) Register(workers *river.Workers) {
	river.AddWorker(workers, s.Sweep)
	river.AddWorker(workers, s.Relay)
	river.AddWorker(workers, s.Purge)
	if s.Archive != nil {
		river.AddWorker(workers, s.Archive)
		river.AddWorker(workers, s.ArchiveSweep)
	}
}

// periodic is one maintenance task and the way to run it in process.
type periodic struct {
	args     river.JobArgs
	interval time.Duration
	run      func(ctx context.Context) error
}

func (s *Set) periodic(iv Intervals) []periodic {
	tasks := []periodic{
		{args: AuctionSweepArgs{}, interval: iv.Sweep, run: s.Sweep.sweep},
		{args: OutcomeRelayArgs{}, interval: iv.Relay, run: s.Relay.relay},
		{args: DedupPurgeArgs{}, interval: iv.Purge, run: s.Purge.purge},
	}
	if s.ArchiveSweep != nil {
		limit := s.archiveBatch
		tasks = append(tasks, periodic{
			args:     ArchiveSweepArgs{Limit: limit},
			interval: iv.ArchiveSweep,
			run: func(ctx context.Context) error {
				return s.ArchiveSweep.sweep(ctx, limit)
			},
		})
	}

	enabled := tasks[:0]
	for _, t := range tasks {
		if t.interval > 0 {
			enabled = append(enabled, t)
		}
	}
	return enabled
}

// PeriodicJobs returns the River periodic jobs for the enabled tasks.
func (s *Set) PeriodicJobs(iv Intervals) []*river.PeriodicJob {
	tasks := s.periodic(iv)
	jobs := make([]*river.PeriodicJob, 0, len(tasks))
	for _, t := range tasks {
		args := t.args
		jobs = append(jobs, river.NewPeriodicJob(
			river.PeriodicInterval(t.interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return args, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}
	return jobs
}

// RunLocal runs the enabled tasks on tickers in pool until ctx is done.
// Each task occupies one pool slot. Failures are logged and the task runs
// again on its next tick.
func (s *Set) RunLocal(ctx context.Context, pool *worker.Pool, iv Intervals) error {
	for _, t := range s.periodic(iv) {
		if err := pool.Submit(ctx, func(ctx context.Context) {
			runEvery(ctx, t)
		}); err != nil {
			return fmt.Errorf("start local %s loop: %w", t.args.Kind(), err)
		}
	}
	return nil
}

func runEvery(ctx context.Context, t periodic) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if err := t.run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("Local maintenance task failed",
				zap.String("kind", t.args.Kind()),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
