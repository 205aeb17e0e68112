package worker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gavel.io/gavel/internal/pkg/logger"
)

// Lanes is a fixed set of single-writer FIFO queues, each drained by one
// worker of a dedicated ants pool. Tasks submitted under the same key always
// land on the same lane and run one at a time in submission order; tasks of
// different lanes run in parallel.
type Lanes struct {
	pool   *ants.Pool
	queues []chan laneTask

	mu     sync.RWMutex
	closed bool
}

type laneTask struct {
	ctx  context.Context
	run  Task
	done chan struct{}
}

// NewLanes starts count lanes, each buffering up to buffer pending tasks.
func NewLanes(count, buffer int) (*Lanes, error) {
	if count <= 0 {
		count = 1
	}
	if buffer < 0 {
		buffer = 0
	}

	pool, err := ants.NewPool(count,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithDisablePurge(true), // lane workers live for the whole process
	)
	if err != nil {
		return nil, err
	}

	l := &Lanes{pool: pool, queues: make([]chan laneTask, count)}
	for i := range l.queues {
		q := make(chan laneTask, buffer)
		l.queues[i] = q
		lane := i
		if err := pool.Submit(func() { l.drain(lane, q) }); err != nil {
			for _, started := range l.queues[:i+1] {
				close(started)
			}
			pool.Release()
			return nil, err
		}
	}
	return l, nil
}

// LaneFor returns the lane index a key is pinned to.
func (l *Lanes) LaneFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.queues)))
}

// Submit enqueues task on the lane owning key and returns a channel closed
// once the task has run or been skipped because ctx ended while it was queued.
func (l *Lanes) Submit(ctx context.Context, key string, task Task) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrPoolClosed
	}

	t := laneTask{ctx: ctx, run: task, done: make(chan struct{})}
	select {
	case l.queues[l.LaneFor(key)] <- t:
		return t.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do runs task on the lane owning key and blocks until it has finished.
func (l *Lanes) Do(ctx context.Context, key string, task Task) error {
	done, err := l.Submit(ctx, key, task)
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Close stops accepting tasks, lets queued tasks drain and waits up to
// timeout for the lane workers to exit.
func (l *Lanes) Close(timeout time.Duration) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for _, q := range l.queues {
		close(q)
	}
	l.mu.Unlock()

	if err := l.pool.ReleaseTimeout(timeout); err != nil {
		logger.Warn("Lanes shutdown timeout", zap.Error(err))
	}
}

// Metrics returns lane occupancy for observability.
func (l *Lanes) Metrics() map[string]int {
	queued := 0
	for _, q := range l.queues {
		queued += len(q)
	}
	return map[string]int{
		"lanes":   len(l.queues),
		"queued":  queued,
		"running": l.pool.Running(),
	}
}

func (l *Lanes) drain(lane int, q <-chan laneTask) {
	for t := range q {
		l.run(lane, t)
	}
}

func (l *Lanes) run(lane int, t laneTask) {
	defer close(t.done)
	// a panicking task must not take the lane worker down with it
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Lane task panic recovered",
				zap.Int("lane", lane),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	if err := t.ctx.Err(); err != nil {
		logger.Debug("Lane task skipped: context cancelled",
			zap.Int("lane", lane),
			zap.Error(err),
		)
		return
	}
	t.run(t.ctx)
}
