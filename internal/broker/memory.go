package broker

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	apperrors "gavel.io/gavel/internal/pkg/errors"
)

// MemoryBroker is an in-process broker with the same partitioning and
// redelivery contract as the Redis one. It keeps a log of every published
// message per topic for inspection.
type MemoryBroker struct {
	partitions int
	batchSize  int
	capacity   int

	mu      sync.Mutex
	closed  bool
	nextID  int64
	pending map[string][][]Delivery
	size    int
	log     map[string][]Delivery
	signals []chan struct{}
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates a broker with the given partition count, consumer
// batch size and capacity of undelivered messages (0 means unbounded).
func NewMemoryBroker(partitions, batchSize, capacity int) *MemoryBroker {
	if partitions < 1 {
		partitions = 1
	}
	if batchSize < 1 {
		batchSize = 1
	}
	signals := make([]chan struct{}, partitions)
	for i := range signals {
		signals[i] = make(chan struct{}, 1)
	}
	return &MemoryBroker{
		partitions: partitions,
		batchSize:  batchSize,
		capacity:   capacity,
		pending:    make(map[string][][]Delivery),
		log:        make(map[string][]Delivery),
		signals:    signals,
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.capacity > 0 && b.size+len(msgs) > b.capacity {
		return apperrors.New(apperrors.CodePublishFailed, "memory broker is full", apperrors.KindTransient)
	}

	queues := b.queues(topic)
	for _, m := range msgs {
		b.nextID++
		p := Partition(m.Key, b.partitions)
		d := Delivery{
			Topic:     topic,
			Partition: p,
			ID:        strconv.FormatInt(b.nextID, 10),
			Key:       m.Key,
			Body:      append([]byte(nil), m.Body...),
			Attempt:   1,
		}
		queues[p] = append(queues[p], d)
		b.size++
		b.log[topic] = append(b.log[topic], d)
		b.notify(p)
	}
	return nil
}

func (b *MemoryBroker) queues(topic string) [][]Delivery {
	q, ok := b.pending[topic]
	if !ok {
		q = make([][]Delivery, b.partitions)
		b.pending[topic] = q
	}
	return q
}

func (b *MemoryBroker) notify(p int) {
	select {
	case b.signals[p] <- struct{}{}:
	default:
	}
}

// Consume runs one loop per partition until ctx is done.
func (b *MemoryBroker) Consume(ctx context.Context, topics []string, handler BatchHandler) error {
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < b.partitions; p++ {
		g.Go(func() error {
			b.consumePartition(gctx, p, topics, handler)
			return nil
		})
	}
	return g.Wait()
}

func (b *MemoryBroker) consumePartition(ctx context.Context, p int, topics []string, handler BatchHandler) {
	for {
		batch := b.take(p, topics)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-b.signals[p]:
				continue
			}
		}

		verdicts := handler(ctx, batch)
		b.settle(batch, verdicts)
		if ctx.Err() != nil {
			return
		}
	}
}

// take pops up to batchSize deliveries of partition p, in topic order.
func (b *MemoryBroker) take(p int, topics []string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	var batch []Delivery
	for _, topic := range topics {
		queues, ok := b.pending[topic]
		if !ok {
			continue
		}
		n := b.batchSize - len(batch)
		if n > len(queues[p]) {
			n = len(queues[p])
		}
		batch = append(batch, queues[p][:n]...)
		queues[p] = queues[p][n:]
		if len(batch) == b.batchSize {
			break
		}
	}
	return batch
}

// settle drops acked deliveries and requeues retried ones with a bumped attempt.
func (b *MemoryBroker) settle(batch []Delivery, verdicts []Verdict) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range batch {
		if verdictAt(verdicts, i) == Ack {
			b.size--
			continue
		}
		d.Attempt++
		queues := b.queues(d.Topic)
		queues[d.Partition] = append(queues[d.Partition], d)
		b.notify(d.Partition)
	}
}

// Messages returns every message published to topic so far.
func (b *MemoryBroker) Messages(topic string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Delivery(nil), b.log[topic]...)
}

// Pending returns the number of undelivered or retried messages.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
