// Package jobs holds the periodic maintenance of the lifecycle service.
//
// Each task is a River job when River is enabled. Without a database the
// same tasks run on local tickers in the background pool (see RunLocal).
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"gavel.io/gavel/internal/dedup"
	"gavel.io/gavel/internal/lifecycle"
	"gavel.io/gavel/internal/pkg/logger"
)

// DefaultDedupRetention applies when no retention is configured.
const DefaultDedupRetention = 24 * time.Hour

// Ticker closes expired auctions and opens due ones.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (lifecycle.TickResult, error)
}

// Relayer republishes outcomes that never reached the broker.
type Relayer interface {
	RelayUnpublished(ctx context.Context) (int, error)
}

// ---------------------------------------------------------------------------
// Auction sweep
// ---------------------------------------------------------------------------

// AuctionSweepArgs triggers one deadline sweep.
type AuctionSweepArgs struct{}

// Kind returns the job kind identifier for the deadline sweep.
func (AuctionSweepArgs) Kind() string { return "auction_sweep" }

// InsertOpts keeps at most one sweep per second in the queue.
func (AuctionSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Second,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// AuctionSweepWorker runs the lifecycle tick.
type AuctionSweepWorker struct {
	river.WorkerDefaults[AuctionSweepArgs]
	ticker Ticker
	now    func() time.Time
}

// NewAuctionSweepWorker creates a sweep worker.
func NewAuctionSweepWorker(ticker Ticker) *AuctionSweepWorker {
	return &AuctionSweepWorker{ticker: ticker, now: time.Now}
}

// Work closes and opens auctions whose deadlines passed.
func (w *AuctionSweepWorker) Work(ctx context.Context, _ *river.Job[AuctionSweepArgs]) error {
	return w.sweep(ctx)
}

func (w *AuctionSweepWorker) sweep(ctx context.Context) error {
	if w == nil || w.ticker == nil {
		return fmt.Errorf("auction sweep worker is not initialized")
	}
	if _, err := w.ticker.Tick(ctx, w.now()); err != nil {
		return fmt.Errorf("auction sweep: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Outcome relay
// ---------------------------------------------------------------------------

// OutcomeRelayArgs triggers one relay pass over unpublished outcomes.
type OutcomeRelayArgs struct{}

// Kind returns the job kind identifier for the outcome relay.
func (OutcomeRelayArgs) Kind() string { return "outcome_relay" }

// InsertOpts keeps at most one relay pass per ten seconds in the queue.
func (OutcomeRelayArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: 10 * time.Second,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// OutcomeRelayWorker publishes recorded outcomes left unpublished by a crash
// or a broker outage.
type OutcomeRelayWorker struct {
	river.WorkerDefaults[OutcomeRelayArgs]
	relayer Relayer
}

// NewOutcomeRelayWorker creates a relay worker.
func NewOutcomeRelayWorker(relayer Relayer) *OutcomeRelayWorker {
	return &OutcomeRelayWorker{relayer: relayer}
}

// Work runs one relay pass.
func (w *OutcomeRelayWorker) Work(ctx context.Context, _ *river.Job[OutcomeRelayArgs]) error {
	return w.relay(ctx)
}

func (w *OutcomeRelayWorker) relay(ctx context.Context) error {
	if w == nil || w.relayer == nil {
		return fmt.Errorf("outcome relay worker is not initialized")
	}
	if _, err := w.relayer.RelayUnpublished(ctx); err != nil {
		return fmt.Errorf("relay unpublished outcomes: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Dedup purge
// ---------------------------------------------------------------------------

// DedupPurgeArgs is a periodic maintenance job that drops idempotency records
// older than the retention window.
type DedupPurgeArgs struct{}

// Kind returns the job kind identifier for the dedup purge.
func (DedupPurgeArgs) Kind() string { return "dedup_purge" }

// InsertOpts ensures at most one purge job is enqueued within the same hour.
func (DedupPurgeArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// DedupPurgeWorker deletes idempotency records older than the retention.
type DedupPurgeWorker struct {
	river.WorkerDefaults[DedupPurgeArgs]
	store     dedup.Store
	retention time.Duration
	now       func() time.Time
}

// NewDedupPurgeWorker creates a purge worker. Non-positive retention falls
// back to DefaultDedupRetention.
func NewDedupPurgeWorker(store dedup.Store, retention time.Duration) *DedupPurgeWorker {
	if retention <= 0 {
		retention = DefaultDedupRetention
	}
	return &DedupPurgeWorker{
		store:     store,
		retention: retention,
		now:       time.Now,
	}
}

// Work removes expired idempotency records.
func (w *DedupPurgeWorker) Work(ctx context.Context, _ *river.Job[DedupPurgeArgs]) error {
	return w.purge(ctx)
}

func (w *DedupPurgeWorker) purge(ctx context.Context) error {
	if w == nil || w.store == nil {
		return fmt.Errorf("dedup purge worker is not initialized")
	}

	cutoff := w.now().UTC().Add(-w.retention)
	deleted, err := w.store.Purge(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge dedup records before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	logger.Info("dedup purge completed",
		zap.Int("deleted_records", deleted),
		zap.String("cutoff", cutoff.Format(time.RFC3339)),
		zap.Duration("retention", w.retention),
	)
	return nil
}
