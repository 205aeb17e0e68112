package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/require"

	"gavel.io/gavel/internal/dedup"
	"gavel.io/gavel/internal/lifecycle"
	"gavel.io/gavel/internal/pkg/logger"
	"gavel.io/gavel/internal/pkg/worker"
)

func init() {
	_ = logger.Init("error", "json")
}

type countingTicker struct {
	calls atomic.Int32
	last  atomic.Int64
	err   error
}

func (t *countingTicker) Tick(_ context.Context, now time.Time) (lifecycle.TickResult, error) {
	t.calls.Add(1)
	t.last.Store(now.UnixMilli())
	return lifecycle.TickResult{}, t.err
}

type countingRelayer struct {
	calls atomic.Int32
}

func (r *countingRelayer) RelayUnpublished(context.Context) (int, error) {
	r.calls.Add(1)
	return 0, nil
}

type fakeArchiver struct {
	mu      sync.Mutex
	ids     []string
	limits  []int
	failFor string
}

func (a *fakeArchiver) ArchiveAuction(_ context.Context, auctionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if auctionID == a.failFor {
		return errors.New("bucket unavailable")
	}
	a.ids = append(a.ids, auctionID)
	return nil
}

func (a *fakeArchiver) ArchivePending(_ context.Context, limit int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limits = append(a.limits, limit)
	return 0, nil
}

func (a *fakeArchiver) archived() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ids...)
}

type fakeInserter struct {
	args []river.JobArgs
	err  error
}

func (f *fakeInserter) Insert(_ context.Context, args river.JobArgs, _ *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.args = append(f.args, args)
	return &rivertype.JobInsertResult{}, nil
}

func newPools(t *testing.T) *worker.Pools {
	t.Helper()
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{
		GeneralPoolSize:    2,
		BackgroundPoolSize: 8,
		LaneCount:          2,
		LaneBuffer:         4,
	})
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)
	return pools
}

func TestArgsKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args river.JobArgs
		want string
	}{
		{AuctionSweepArgs{}, "auction_sweep"},
		{OutcomeRelayArgs{}, "outcome_relay"},
		{DedupPurgeArgs{}, "dedup_purge"},
		{AuctionArchiveArgs{}, "auction_archive"},
		{ArchiveSweepArgs{}, "archive_sweep"},
	}
	for _, tt := range tests {
		if got := tt.args.Kind(); got != tt.want {
			t.Fatalf("Kind() = %q, want %q", got, tt.want)
		}
	}
}

func TestDedupPurgeArgsInsertOpts(t *testing.T) {
	t.Parallel()

	opts := (DedupPurgeArgs{}).InsertOpts()
	if opts.Queue != river.QueueDefault {
		t.Fatalf("Queue = %q, want %q", opts.Queue, river.QueueDefault)
	}
	if opts.MaxAttempts != 1 {
		t.Fatalf("MaxAttempts = %d, want 1", opts.MaxAttempts)
	}
	if opts.UniqueOpts.ByPeriod != time.Hour {
		t.Fatalf("UniqueOpts.ByPeriod = %s, want %s", opts.UniqueOpts.ByPeriod, time.Hour)
	}
	if !opts.UniqueOpts.ByQueue || !opts.UniqueOpts.ByArgs {
		t.Fatal("purge jobs must be unique by queue and args")
	}
}

func TestAuctionArchiveArgsInsertOpts(t *testing.T) {
	t.Parallel()

	opts := (AuctionArchiveArgs{}).InsertOpts()
	require.Equal(t, QueueArchive, opts.Queue)
	require.Equal(t, 5, opts.MaxAttempts)
	require.True(t, opts.UniqueOpts.ByArgs)
	require.Zero(t, opts.UniqueOpts.ByPeriod)
}

func TestNewDedupPurgeWorkerRetention(t *testing.T) {
	t.Parallel()

	t.Run("defaults when non-positive", func(t *testing.T) {
		w := NewDedupPurgeWorker(nil, 0)
		if w.retention != DefaultDedupRetention {
			t.Fatalf("retention = %s, want %s", w.retention, DefaultDedupRetention)
		}
	})

	t.Run("uses explicit retention when provided", func(t *testing.T) {
		want := 2 * time.Hour
		w := NewDedupPurgeWorker(nil, want)
		if w.retention != want {
			t.Fatalf("retention = %s, want %s", w.retention, want)
		}
	})
}

func TestWorkers_Uninitialized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var sweep *AuctionSweepWorker
	require.Error(t, sweep.Work(ctx, &river.Job[AuctionSweepArgs]{}))
	require.Error(t, NewOutcomeRelayWorker(nil).Work(ctx, &river.Job[OutcomeRelayArgs]{}))
	require.Error(t, NewDedupPurgeWorker(nil, time.Hour).Work(ctx, &river.Job[DedupPurgeArgs]{}))
	require.Error(t, NewAuctionArchiveWorker(nil).Work(ctx, &river.Job[AuctionArchiveArgs]{}))
	require.Error(t, NewArchiveSweepWorker(nil).Work(ctx, &river.Job[ArchiveSweepArgs]{}))
}

func TestDedupPurgeWorker_Work(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := dedup.NewMemoryStore(100)
	for _, rec := range []dedup.Record{
		{AuctionID: "a-1", EventID: "old", RecordedAt: now.Add(-48 * time.Hour), Published: true},
		{AuctionID: "a-1", EventID: "new", RecordedAt: now.Add(-time.Hour), Published: true},
	} {
		_, err := store.RecordIfNew(ctx, rec)
		require.NoError(t, err)
	}

	w := NewDedupPurgeWorker(store, 24*time.Hour)
	w.now = func() time.Time { return now }
	require.NoError(t, w.Work(ctx, &river.Job[DedupPurgeArgs]{}))

	require.Equal(t, 1, store.Len())
	rec, err := store.Lookup(ctx, "a-1", "new")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestAuctionSweepWorker_Work(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ticker := &countingTicker{}
	w := NewAuctionSweepWorker(ticker)
	w.now = func() time.Time { return now }

	require.NoError(t, w.Work(context.Background(), &river.Job[AuctionSweepArgs]{}))
	require.EqualValues(t, 1, ticker.calls.Load())
	require.Equal(t, now.UnixMilli(), ticker.last.Load())

	ticker.err = errors.New("storage down")
	err := w.Work(context.Background(), &river.Job[AuctionSweepArgs]{})
	require.ErrorIs(t, err, ticker.err)
}

func TestArchiveWorkers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	archiver := &fakeArchiver{failFor: "a-bad"}

	w := NewAuctionArchiveWorker(archiver)
	require.NoError(t, w.Work(ctx, &river.Job[AuctionArchiveArgs]{Args: AuctionArchiveArgs{AuctionID: "a-1"}}))
	require.ErrorContains(t, w.Work(ctx, &river.Job[AuctionArchiveArgs]{Args: AuctionArchiveArgs{AuctionID: "a-bad"}}), "a-bad")
	require.Equal(t, []string{"a-1"}, archiver.archived())

	sweep := NewArchiveSweepWorker(archiver)
	require.NoError(t, sweep.Work(ctx, &river.Job[ArchiveSweepArgs]{Args: ArchiveSweepArgs{Limit: 25}}))
	require.Equal(t, []int{25}, archiver.limits)
}

func TestRiverArchiveScheduler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := &fakeInserter{}
	s := NewRiverArchiveScheduler(client)
	require.NoError(t, s.ScheduleArchive(ctx, "a-1"))
	require.Equal(t, []river.JobArgs{AuctionArchiveArgs{AuctionID: "a-1"}}, client.args)

	client.err = errors.New("insert failed")
	require.ErrorIs(t, s.ScheduleArchive(ctx, "a-2"), client.err)
}

func TestPoolArchiveScheduler(t *testing.T) {
	t.Parallel()

	archiver := &fakeArchiver{}
	s := NewPoolArchiveScheduler(archiver, newPools(t))
	require.NoError(t, s.ScheduleArchive(context.Background(), "a-1"))

	require.Eventually(t, func() bool {
		return len(archiver.archived()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSet_PeriodicJobs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		archiver Archiver
		iv       Intervals
		want     []string
	}{
		{
			name: "all enabled without archiver",
			iv:   Intervals{Sweep: time.Second, Relay: time.Second, Purge: time.Hour, ArchiveSweep: time.Minute},
			want: []string{"auction_sweep", "outcome_relay", "dedup_purge"},
		},
		{
			name:     "archive sweep with archiver",
			archiver: &fakeArchiver{},
			iv:       Intervals{Sweep: time.Second, Relay: time.Second, Purge: time.Hour, ArchiveSweep: time.Minute},
			want:     []string{"auction_sweep", "outcome_relay", "dedup_purge", "archive_sweep"},
		},
		{
			name: "non-positive interval disables",
			iv:   Intervals{Sweep: time.Second},
			want: []string{"auction_sweep"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSet(Deps{Archiver: tt.archiver, ArchiveBatch: 10})
			var kinds []string
			for _, p := range s.periodic(tt.iv) {
				kinds = append(kinds, p.args.Kind())
			}
			require.Equal(t, tt.want, kinds)
			require.Len(t, s.PeriodicJobs(tt.iv), len(tt.want))
		})
	}
}

func TestSet_RunLocal(t *testing.T) {
	t.Parallel()

	ticker := &countingTicker{}
	relayer := &countingRelayer{}
	s := NewSet(Deps{
		Ticker:         ticker,
		Relayer:        relayer,
		Dedup:          dedup.NewMemoryStore(10),
		DedupRetention: time.Hour,
	})

	pools := newPools(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.RunLocal(ctx, pools.Background, Intervals{
		Sweep: 5 * time.Millisecond,
		Relay: 5 * time.Millisecond,
	}))

	require.Eventually(t, func() bool {
		return ticker.calls.Load() >= 3 && relayer.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return pools.Background.Running() == 0
	}, 2*time.Second, 5*time.Millisecond)
}
