package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gavel.io/gavel/internal/pkg/logger"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("error", "json")
}

func TestNewPools(t *testing.T) {
	ctx := context.Background()
	pools, err := NewPools(ctx, DefaultPoolConfig())
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown()

	if pools.General == nil {
		t.Error("General pool is nil")
	}
	if pools.Background == nil {
		t.Error("Background pool is nil")
	}
	if pools.Lanes == nil {
		t.Error("Lanes is nil")
	}
}

func TestPool_Submit(t *testing.T) {
	ctx := context.Background()
	pools, err := NewPools(ctx, PoolConfig{
		GeneralPoolSize:    10,
		BackgroundPoolSize: 5,
		LaneCount:          4,
		LaneBuffer:         8,
	})
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown()

	var executed atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)

	err = pools.General.Submit(ctx, func(ctx context.Context) {
		executed.Store(true)
		wg.Done()
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	wg.Wait()
	if !executed.Load() {
		t.Error("Task was not executed")
	}
}

func TestPool_Submit_CancelledContext(t *testing.T) {
	ctx := context.Background()
	pools, err := NewPools(ctx, DefaultPoolConfig())
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown()

	cancelledCtx, cancel := context.WithCancel(ctx)
	cancel() // Cancel immediately

	err = pools.General.Submit(cancelledCtx, func(ctx context.Context) {
		t.Error("Task should not execute with cancelled context")
	})
	if err != context.Canceled {
		t.Errorf("Submit() error = %v, want context.Canceled", err)
	}
}

func TestPools_SubmitDetached(t *testing.T) {
	tests := []struct {
		name     string
		poolName string
	}{
		{"general pool", PoolGeneral},
		{"background pool", PoolBackground},
		{"default fallback", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			pools, err := NewPools(ctx, DefaultPoolConfig())
			if err != nil {
				t.Fatalf("NewPools() error = %v", err)
			}

			var executed atomic.Bool
			var wg sync.WaitGroup
			wg.Add(1)

			err = pools.SubmitDetached(tt.poolName, func(ctx context.Context) {
				executed.Store(true)
				wg.Done()
			})
			if err != nil {
				t.Fatalf("SubmitDetached(%q) error = %v", tt.poolName, err)
			}

			wg.Wait()
			pools.Shutdown()

			if !executed.Load() {
				t.Errorf("SubmitDetached(%q) task was not executed", tt.poolName)
			}
		})
	}
}

func TestPools_Metrics(t *testing.T) {
	ctx := context.Background()
	pools, err := NewPools(ctx, PoolConfig{
		GeneralPoolSize:    10,
		BackgroundPoolSize: 5,
		LaneCount:          4,
		LaneBuffer:         8,
	})
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown()

	metrics := pools.Metrics()
	if metrics == nil {
		t.Fatal("Metrics() returned nil")
	}

	general, ok := metrics["general"].(map[string]int)
	if !ok {
		t.Fatal("general metrics not found or wrong type")
	}
	if general["cap"] != 10 {
		t.Errorf("general cap = %d, want 10", general["cap"])
	}

	background, ok := metrics["background"].(map[string]int)
	if !ok {
		t.Fatal("background metrics not found or wrong type")
	}
	if background["cap"] != 5 {
		t.Errorf("background cap = %d, want 5", background["cap"])
	}

	lanes, ok := metrics["lanes"].(map[string]int)
	if !ok {
		t.Fatal("lanes metrics not found or wrong type")
	}
	if lanes["lanes"] != 4 {
		t.Errorf("lanes = %d, want 4", lanes["lanes"])
	}
}

func TestBackgroundPool_FullFailsFast(t *testing.T) {
	ctx := context.Background()
	pools, err := NewPools(ctx, PoolConfig{
		GeneralPoolSize:    1,
		BackgroundPoolSize: 1,
		LaneCount:          1,
	})
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown()

	loopCtx, stop := context.WithCancel(ctx)
	started := make(chan struct{})
	if err := pools.Background.Submit(loopCtx, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started

	if pools.Background.Running() != 1 {
		t.Fatalf("Running() = %d, want 1", pools.Background.Running())
	}
	// a consumer loop holds the only slot; a second loop must not queue behind it
	if err := pools.Background.Submit(ctx, func(context.Context) {}); err == nil {
		t.Fatal("Submit() to a full background pool should fail")
	}

	stop()
	deadline := time.Now().Add(time.Second)
	for pools.Background.Running() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("background loop did not stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPool_PanicRecovered(t *testing.T) {
	ctx := context.Background()
	pools, err := NewPools(ctx, PoolConfig{
		GeneralPoolSize:    1,
		BackgroundPoolSize: 1,
		LaneCount:          1,
	})
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown()

	if err := pools.General.Submit(ctx, func(context.Context) {
		panic("publish exploded")
	}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	if err := pools.General.Submit(ctx, func(context.Context) {
		defer wg.Done()
		ran.Store(true)
	}); err != nil {
		t.Fatalf("Submit() after panic error = %v", err)
	}
	wg.Wait()
	if !ran.Load() {
		t.Fatal("pool stopped running tasks after a panic")
	}
}

func TestPools_SubmitAfterShutdown(t *testing.T) {
	pools, err := NewPools(context.Background(), DefaultPoolConfig())
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	pools.Shutdown()

	if err := pools.General.Submit(context.Background(), func(context.Context) {}); err != ErrPoolClosed {
		t.Errorf("Submit() after shutdown error = %v, want ErrPoolClosed", err)
	}
	if _, err := pools.Lanes.Submit(context.Background(), "a-1", func(context.Context) {}); err != ErrPoolClosed {
		t.Errorf("Lanes.Submit() after shutdown error = %v, want ErrPoolClosed", err)
	}
}
