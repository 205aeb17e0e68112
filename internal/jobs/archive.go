package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"gavel.io/gavel/internal/pkg/logger"
	"gavel.io/gavel/internal/pkg/worker"
)

// QueueArchive is the River queue of snapshot jobs.
const QueueArchive = "archive"

// Archiver snapshots terminal auctions to object storage.
type Archiver interface {
	ArchiveAuction(ctx context.Context, auctionID string) error
	ArchivePending(ctx context.Context, limit int) (int, error)
}

// ---------------------------------------------------------------------------
// Single auction snapshot
// ---------------------------------------------------------------------------

// AuctionArchiveArgs carries the auction to snapshot.
type AuctionArchiveArgs struct {
	AuctionID string `json:"auction_id"`
}

// Kind returns the job kind identifier for auction snapshots.
func (AuctionArchiveArgs) Kind() string { return "auction_archive" }

// InsertOpts returns default insert options for snapshot jobs.
func (AuctionArchiveArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueArchive,
		MaxAttempts: 5,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByQueue: true,
		},
	}
}

// AuctionArchiveWorker writes the snapshot of one terminal auction.
type AuctionArchiveWorker struct {
	river.WorkerDefaults[AuctionArchiveArgs]
	archiver Archiver
}

// NewAuctionArchiveWorker creates a snapshot worker.
func NewAuctionArchiveWorker(archiver Archiver) *AuctionArchiveWorker {
	return &AuctionArchiveWorker{archiver: archiver}
}

// Work archives the auction named by the job.
func (w *AuctionArchiveWorker) Work(ctx context.Context, job *river.Job[AuctionArchiveArgs]) error {
	if w == nil || w.archiver == nil {
		return fmt.Errorf("auction archive worker is not initialized")
	}
	if err := w.archiver.ArchiveAuction(ctx, job.Args.AuctionID); err != nil {
		return fmt.Errorf("archive auction %s: %w", job.Args.AuctionID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Archive sweep
// ---------------------------------------------------------------------------

// ArchiveSweepArgs triggers a pass over terminal auctions still unarchived.
type ArchiveSweepArgs struct {
	Limit int `json:"limit"`
}

// Kind returns the job kind identifier for the archive sweep.
func (ArchiveSweepArgs) Kind() string { return "archive_sweep" }

// InsertOpts keeps at most one archive sweep per minute in the queue.
func (ArchiveSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueArchive,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
		},
	}
}

// ArchiveSweepWorker catches snapshots whose scheduling failed.
type ArchiveSweepWorker struct {
	river.WorkerDefaults[ArchiveSweepArgs]
	archiver Archiver
}

// NewArchiveSweepWorker creates an archive sweep worker.
func NewArchiveSweepWorker(archiver Archiver) *ArchiveSweepWorker {
	return &ArchiveSweepWorker{archiver: archiver}
}

// Work archives up to job.Args.Limit pending auctions.
func (w *ArchiveSweepWorker) Work(ctx context.Context, job *river.Job[ArchiveSweepArgs]) error {
	return w.sweep(ctx, job.Args.Limit)
}

func (w *ArchiveSweepWorker) sweep(ctx context.Context, limit int) error {
	if w == nil || w.archiver == nil {
		return fmt.Errorf("archive sweep worker is not initialized")
	}
	n, err := w.archiver.ArchivePending(ctx, limit)
	if n > 0 {
		logger.Info("archive sweep completed", zap.Int("archived", n))
	}
	if err != nil {
		return fmt.Errorf("archive pending auctions: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Schedulers
// ---------------------------------------------------------------------------

// JobInserter is the part of the River client used to enqueue snapshots.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverArchiveScheduler enqueues one snapshot job per terminal auction.
type RiverArchiveScheduler struct {
	client JobInserter
}

// NewRiverArchiveScheduler creates a River-backed scheduler.
func NewRiverArchiveScheduler(client JobInserter) *RiverArchiveScheduler {
	return &RiverArchiveScheduler{client: client}
}

// ScheduleArchive enqueues the snapshot of auctionID.
func (s *RiverArchiveScheduler) ScheduleArchive(ctx context.Context, auctionID string) error {
	if _, err := s.client.Insert(ctx, AuctionArchiveArgs{AuctionID: auctionID}, nil); err != nil {
		return fmt.Errorf("enqueue archive of auction %s: %w", auctionID, err)
	}
	return nil
}

// PoolArchiveScheduler snapshots on the general pool. Used when River is off;
// a failed snapshot waits for the archive sweep.
type PoolArchiveScheduler struct {
	archiver Archiver
	pools    *worker.Pools
	log      *zap.Logger
}

// NewPoolArchiveScheduler creates a pool-backed scheduler.
func NewPoolArchiveScheduler(archiver Archiver, pools *worker.Pools) *PoolArchiveScheduler {
	return &PoolArchiveScheduler{
		archiver: archiver,
		pools:    pools,
		log:      logger.Named("jobs"),
	}
}

// ScheduleArchive submits the snapshot of auctionID.
func (s *PoolArchiveScheduler) ScheduleArchive(_ context.Context, auctionID string) error {
	return s.pools.SubmitDetached(worker.PoolGeneral, func(ctx context.Context) {
		if err := s.archiver.ArchiveAuction(ctx, auctionID); err != nil {
			s.log.Warn("Archive failed, left for sweep", logger.AuctionID(auctionID), zap.Error(err))
		}
	})
}
