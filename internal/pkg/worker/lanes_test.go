package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLanes(t *testing.T, count int) *Lanes {
	t.Helper()
	lanes, err := NewLanes(count, 16)
	require.NoError(t, err)
	t.Cleanup(func() { lanes.Close(5 * time.Second) })
	return lanes
}

func TestLanes_SameKeyRunsSequentiallyInOrder(t *testing.T) {
	lanes := newTestLanes(t, 4)
	ctx := context.Background()

	var (
		active  atomic.Int32
		overlap atomic.Bool
		mu      sync.Mutex
		order   []int
	)
	dones := make([]<-chan struct{}, 0, 50)
	for i := 0; i < 50; i++ {
		i := i
		done, err := lanes.Submit(ctx, "auction-1", func(context.Context) {
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			active.Add(-1)
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}
	for _, done := range dones {
		<-done
	}

	require.False(t, overlap.Load(), "tasks for one key must never overlap")
	require.Len(t, order, 50)
	for i, got := range order {
		require.Equal(t, i, got)
	}
}

func TestLanes_DifferentLanesRunInParallel(t *testing.T) {
	lanes := newTestLanes(t, 8)
	ctx := context.Background()

	other := ""
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("auction-%d", i)
		if lanes.LaneFor(key) != lanes.LaneFor("auction-x") {
			other = key
			break
		}
	}
	require.NotEmpty(t, other)

	// Each task waits for the other; this only completes if both run at once.
	var barrier sync.WaitGroup
	barrier.Add(2)
	task := func(context.Context) {
		barrier.Done()
		barrier.Wait()
	}
	first, err := lanes.Submit(ctx, "auction-x", task)
	require.NoError(t, err)
	second, err := lanes.Submit(ctx, other, task)
	require.NoError(t, err)

	for _, done := range []<-chan struct{}{first, second} {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks on different lanes did not run in parallel")
		}
	}
}

func TestLanes_LaneForIsStable(t *testing.T) {
	lanes := newTestLanes(t, 16)

	tests := []string{"a", "auction-1", "auction-2", "0190f8a2-7c4e-7d10-9b1f-2f2d3c4b5a69"}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			lane := lanes.LaneFor(key)
			require.GreaterOrEqual(t, lane, 0)
			require.Less(t, lane, 16)
			require.Equal(t, lane, lanes.LaneFor(key))
		})
	}
}

func TestLanes_PanicDoesNotKillLane(t *testing.T) {
	lanes := newTestLanes(t, 1)
	ctx := context.Background()

	require.NoError(t, lanes.Do(ctx, "k", func(context.Context) { panic("boom") }))

	var ran atomic.Bool
	require.NoError(t, lanes.Do(ctx, "k", func(context.Context) { ran.Store(true) }))
	require.True(t, ran.Load())
}

func TestLanes_CancelledContext(t *testing.T) {
	lanes := newTestLanes(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lanes.Submit(ctx, "k", func(context.Context) { t.Error("task must not run") })
	require.ErrorIs(t, err, context.Canceled)
}

func TestLanes_SkipsTaskCancelledWhileQueued(t *testing.T) {
	lanes := newTestLanes(t, 1)
	bg := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	blocker, err := lanes.Submit(bg, "k", func(context.Context) {
		close(started)
		<-release
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithCancel(bg)
	var ran atomic.Bool
	queued, err := lanes.Submit(ctx, "k", func(context.Context) { ran.Store(true) })
	require.NoError(t, err)

	cancel()
	close(release)
	<-blocker
	<-queued
	require.False(t, ran.Load())
}

func TestLanes_CloseRejectsNewWork(t *testing.T) {
	lanes, err := NewLanes(2, 4)
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		_, err := lanes.Submit(context.Background(), fmt.Sprintf("k-%d", i), func(context.Context) { ran.Add(1) })
		require.NoError(t, err)
	}
	lanes.Close(5 * time.Second)
	lanes.Close(time.Second)

	require.Equal(t, int32(4), ran.Load(), "queued tasks drain before close returns")
	require.ErrorIs(t, lanes.Do(context.Background(), "k-0", func(context.Context) {}), ErrPoolClosed)
}
