package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "gavel.io/gavel/internal/pkg/errors"
	"gavel.io/gavel/internal/pkg/logger"
)

const (
	fieldKey  = "key"
	fieldBody = "body"

	maxRetryDelay = 30 * time.Second
)

// RedisStreamConfig configures a RedisStreamBroker.
type RedisStreamConfig struct {
	Partitions int
	Group      string
	Consumer   string
	BatchSize  int
	// Block bounds a blocking read for new messages.
	Block time.Duration
	// ClaimIdle is how long another consumer's unacked message may sit
	// before this consumer takes it over. Zero disables claiming.
	ClaimIdle time.Duration
	// MaxLen caps each stream approximately. Zero keeps everything.
	MaxLen int64
}

// RedisStreamBroker maps every topic partition onto one Redis stream and
// every service onto one consumer group.
type RedisStreamBroker struct {
	client redis.UniversalClient
	cfg    RedisStreamConfig
	log    *zap.Logger

	groupsMu sync.Mutex
	groups   map[string]bool
}

var _ Broker = (*RedisStreamBroker)(nil)

// NewRedisStreamBroker creates a broker on client.
func NewRedisStreamBroker(client redis.UniversalClient, cfg RedisStreamConfig) *RedisStreamBroker {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	return &RedisStreamBroker{
		client: client,
		cfg:    cfg,
		log:    logger.Named("broker", zap.String("consumer", cfg.Consumer)),
		groups: make(map[string]bool),
	}
}

func (b *RedisStreamBroker) Publish(ctx context.Context, topic string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range msgs {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: streamName(topic, Partition(m.Key, b.cfg.Partitions)),
				MaxLen: b.cfg.MaxLen,
				Approx: b.cfg.MaxLen > 0,
				Values: map[string]interface{}{fieldKey: m.Key, fieldBody: m.Body},
			})
		}
		return nil
	})
	if err != nil {
		return apperrors.Transient(err, apperrors.CodePublishFailed, "publish to "+topic+" failed")
	}
	return nil
}

// Consume runs one loop per partition and waits for all of them, so the
// loops live inside the caller's pool slot. Transient Redis failures are
// logged and retried; the call returns when ctx is done.
func (b *RedisStreamBroker) Consume(ctx context.Context, topics []string, handler BatchHandler) error {
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < b.cfg.Partitions; p++ {
		streams := make([]string, 0, len(topics))
		for _, topic := range topics {
			streams = append(streams, streamName(topic, p))
		}
		g.Go(func() error {
			return b.consumePartition(gctx, p, streams, handler)
		})
	}
	return g.Wait()
}

type partitionLoop struct {
	b        *RedisStreamBroker
	streams  []string
	handler  BatchHandler
	attempts map[string]int
	// retryAt holds when each retried message of this consumer is due again.
	retryAt map[string]time.Time
	// recovered is set once the pending entries left by a previous run of
	// this consumer have been read.
	recovered bool
	now       func() time.Time
}

func newPartitionLoop(b *RedisStreamBroker, streams []string, handler BatchHandler) *partitionLoop {
	return &partitionLoop{
		b:        b,
		streams:  streams,
		handler:  handler,
		attempts: make(map[string]int),
		retryAt:  make(map[string]time.Time),
		now:      time.Now,
	}
}

func (b *RedisStreamBroker) consumePartition(ctx context.Context, p int, streams []string, handler BatchHandler) error {
	loop := newPartitionLoop(b, streams, handler)
	log := b.log.With(zap.Int("partition", p))

	for ctx.Err() == nil {
		if err := b.ensureGroups(ctx, streams); err != nil {
			log.Warn("Creating consumer groups failed", zap.Error(err))
			sleep(ctx, b.cfg.Block)
			continue
		}
		if err := loop.step(ctx); err != nil && ctx.Err() == nil {
			log.Warn("Stream read failed", zap.Error(err))
			sleep(ctx, b.cfg.Block)
		}
	}
	return nil
}

// step handles one batch made of this consumer's retries that are due,
// messages claimed from idle consumers and new messages. New messages are
// read on every step, so a message waiting for its retry never holds back
// the rest of the partition.
func (l *partitionLoop) step(ctx context.Context) error {
	batch, err := l.readDue(ctx)
	if err != nil {
		return err
	}
	if l.b.cfg.ClaimIdle > 0 && len(batch) < l.b.cfg.BatchSize {
		claimed, err := l.claim(ctx)
		if err != nil {
			return err
		}
		batch = append(batch, claimed...)
	}

	fresh, err := l.readNew(ctx, l.b.cfg.BatchSize-len(batch), l.blockFor(len(batch) > 0))
	if err != nil {
		return err
	}
	batch = append(batch, fresh...)
	if len(batch) == 0 {
		return nil
	}

	verdicts := l.handler(ctx, batch)
	return l.settle(ctx, batch, verdicts)
}

// readDue re-reads this consumer's pending messages whose retry delay has
// passed. After a restart every pending message is due.
func (l *partitionLoop) readDue(ctx context.Context) ([]Delivery, error) {
	if l.recovered && !l.anyDue() {
		return nil, nil
	}
	pending, err := l.read(ctx, "0", 0, -1)
	if err != nil {
		return nil, err
	}
	l.recovered = true

	now := l.now()
	var batch []Delivery
	for _, m := range pending {
		if at, ok := l.retryAt[m.msg.ID]; ok && now.Before(at) {
			continue
		}
		delete(l.retryAt, m.msg.ID)
		batch = append(batch, l.delivery(m.stream, m.msg, 1))
		if len(batch) == l.b.cfg.BatchSize {
			break
		}
	}
	return batch, nil
}

func (l *partitionLoop) anyDue() bool {
	now := l.now()
	for _, at := range l.retryAt {
		if !now.Before(at) {
			return true
		}
	}
	return false
}

// blockFor bounds the wait for new messages by the next retry due time.
// A negative duration reads without blocking.
func (l *partitionLoop) blockFor(haveBatch bool) time.Duration {
	if haveBatch {
		return -1
	}
	wait := l.b.cfg.Block
	now := l.now()
	for _, at := range l.retryAt {
		if d := at.Sub(now); d < wait {
			wait = d
		}
	}
	// go-redis treats a zero block as "wait forever"
	if wait < time.Millisecond {
		return -1
	}
	return wait
}

func (l *partitionLoop) readNew(ctx context.Context, count int, block time.Duration) ([]Delivery, error) {
	if count < 1 {
		count = 1
	}
	msgs, err := l.read(ctx, ">", count, block)
	if err != nil {
		return nil, err
	}
	batch := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, l.delivery(m.stream, m.msg, 1))
	}
	return batch, nil
}

type streamMessage struct {
	stream string
	msg    redis.XMessage
}

// read runs XREADGROUP from id on every stream. A count of zero reads all.
func (l *partitionLoop) read(ctx context.Context, from string, count int, block time.Duration) ([]streamMessage, error) {
	args := make([]string, 0, 2*len(l.streams))
	args = append(args, l.streams...)
	for range l.streams {
		args = append(args, from)
	}
	res, err := l.b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    l.b.cfg.Group,
		Consumer: l.b.cfg.Consumer,
		Streams:  args,
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []streamMessage
	for _, s := range res {
		for _, msg := range s.Messages {
			out = append(out, streamMessage{stream: s.Stream, msg: msg})
		}
	}
	return out, nil
}

func (l *partitionLoop) claim(ctx context.Context) ([]Delivery, error) {
	var batch []Delivery
	for _, stream := range l.streams {
		msgs, _, err := l.b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    l.b.cfg.Group,
			Consumer: l.b.cfg.Consumer,
			MinIdle:  l.b.cfg.ClaimIdle,
			Start:    "0-0",
			Count:    int64(l.b.cfg.BatchSize),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		for _, msg := range msgs {
			delete(l.retryAt, msg.ID)
			// A claimed message was delivered to another consumer at least once.
			batch = append(batch, l.delivery(stream, msg, 2))
		}
	}
	return batch, nil
}

// delivery converts a stream entry. Attempts are counted by this consumer;
// minAttempt is the lowest attempt a message read this way can have.
func (l *partitionLoop) delivery(stream string, msg redis.XMessage, minAttempt int) Delivery {
	attempt := l.attempts[msg.ID] + 1
	if attempt < minAttempt {
		attempt = minAttempt
	}
	l.attempts[msg.ID] = attempt

	topic, partition := splitStream(stream)
	key, _ := msg.Values[fieldKey].(string)
	body, _ := msg.Values[fieldBody].(string)
	return Delivery{
		Topic:     topic,
		Partition: partition,
		ID:        msg.ID,
		Key:       key,
		Body:      []byte(body),
		Attempt:   attempt,
	}
}

func (l *partitionLoop) settle(ctx context.Context, batch []Delivery, verdicts []Verdict) error {
	acks := make(map[string][]string)
	now := l.now()
	for i, d := range batch {
		if verdictAt(verdicts, i) == Retry {
			l.retryAt[d.ID] = now.Add(l.retryDelay(d.Attempt))
			continue
		}
		stream := streamName(d.Topic, d.Partition)
		acks[stream] = append(acks[stream], d.ID)
	}
	for stream, ids := range acks {
		if err := l.b.client.XAck(ctx, stream, l.b.cfg.Group, ids...).Err(); err != nil {
			// unacked entries stay pending; read them again on the next step
			l.recovered = false
			return fmt.Errorf("ack %s: %w", stream, err)
		}
		for _, id := range ids {
			delete(l.attempts, id)
			delete(l.retryAt, id)
		}
	}
	return nil
}

// retryDelay doubles with every attempt, starting at Block.
func (l *partitionLoop) retryDelay(attempt int) time.Duration {
	d := l.b.cfg.Block
	for i := 1; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func (b *RedisStreamBroker) ensureGroups(ctx context.Context, streams []string) error {
	b.groupsMu.Lock()
	defer b.groupsMu.Unlock()
	for _, stream := range streams {
		if b.groups[stream] {
			continue
		}
		err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", b.cfg.Group, stream, err)
		}
		b.groups[stream] = true
	}
	return nil
}

func (b *RedisStreamBroker) Close() error {
	return nil
}

func splitStream(stream string) (string, int) {
	i := strings.LastIndexByte(stream, '.')
	if i < 0 {
		return stream, 0
	}
	p, err := strconv.Atoi(stream[i+1:])
	if err != nil {
		return stream, 0
	}
	return stream[:i], p
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
