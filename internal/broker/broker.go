// Package broker is the at-least-once, partitioned message transport between
// the gateway, the orchestrator and downstream consumers.
//
// Every topic is split into a fixed number of partitions and a message is
// routed by its key, the auction id, so all messages of one auction land on
// the same partition in publish order. One consumer loop owns a partition.
// That partition affinity is a deployment precondition of the orchestrator.
package broker

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"

	"gavel.io/gavel/internal/domain"
)

// ErrClosed is returned when publishing to a closed broker.
var ErrClosed = errors.New("broker closed")

// Message is a keyed payload to publish.
type Message struct {
	Key  string
	Body []byte
}

// Delivery is one message handed to a consumer.
type Delivery struct {
	Topic     string
	Partition int
	// ID is the broker-assigned message id.
	ID   string
	Key  string
	Body []byte
	// Attempt counts deliveries of this message to the consumer, starting at 1.
	Attempt int
}

// Verdict tells the broker what to do with a delivery after handling.
type Verdict int

const (
	// Ack removes the message for the consumer group.
	Ack Verdict = iota
	// Retry keeps the message for a later redelivery.
	Retry
)

func (v Verdict) String() string {
	if v == Retry {
		return "retry"
	}
	return "ack"
}

// BatchHandler handles deliveries of one partition. It returns one verdict per delivery.
type BatchHandler func(ctx context.Context, batch []Delivery) []Verdict

// Publisher publishes messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msgs ...Message) error
}

// Consumer runs consumer loops, one per partition, until ctx is done.
// Consume blocks until every loop has returned, so callers run it as one
// worker pool task.
type Consumer interface {
	Consume(ctx context.Context, topics []string, handler BatchHandler) error
}

// Broker is a Publisher and a Consumer.
type Broker interface {
	Publisher
	Consumer
	Close() error
}

// Partition maps a key onto one of n partitions with FNV-1a.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Topic returns the topic name of an event type.
func Topic(prefix string, t domain.EventType) string {
	return prefix + "." + string(t)
}

// Topics returns the topic names of several event types.
func Topics(prefix string, types []domain.EventType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, Topic(prefix, t))
	}
	return out
}

// DeadLetterTopic returns the dead-letter topic name.
func DeadLetterTopic(prefix string) string {
	return prefix + ".dead-letter"
}

// streamName returns the name of one topic partition.
func streamName(topic string, partition int) string {
	return topic + "." + strconv.Itoa(partition)
}

// verdictAt returns the verdict for delivery i, treating a short verdict list as retries.
func verdictAt(verdicts []Verdict, i int) Verdict {
	if i < len(verdicts) {
		return verdicts[i]
	}
	return Retry
}
