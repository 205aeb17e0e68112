package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"gavel.io/gavel/internal/domain"
)

const instrumentationName = "gavel.io/gavel/lifecycle"

// Metrics holds the orchestrator's instruments. A nil *Metrics records nothing.
type Metrics struct {
	bids        metric.Int64Counter
	transitions metric.Int64Counter
	duplicates  metric.Int64Counter
	deadLetters metric.Int64Counter
	retries     metric.Int64Counter
	published   metric.Int64Counter
	admission   metric.Float64Histogram
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	if m.bids, err = meter.Int64Counter("gavel.bids",
		metric.WithDescription("Evaluated bids by outcome and reject reason")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("gavel.auction.transitions",
		metric.WithDescription("Auction status transitions")); err != nil {
		return nil, err
	}
	if m.duplicates, err = meter.Int64Counter("gavel.events.duplicates",
		metric.WithDescription("Redelivered events answered from the dedup store")); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("gavel.events.dead_lettered",
		metric.WithDescription("Deliveries routed to the dead-letter sink")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("gavel.retries",
		metric.WithDescription("Deliveries handed back to the broker for redelivery")); err != nil {
		return nil, err
	}
	if m.published, err = meter.Int64Counter("gavel.events.published",
		metric.WithDescription("Outcome events published")); err != nil {
		return nil, err
	}
	if m.admission, err = meter.Float64Histogram("gavel.admission.duration",
		metric.WithDescription("Time to admit one auction's batch of events"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordBid counts one evaluated bid.
func (m *Metrics) RecordBid(ctx context.Context, d domain.BidDecision) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", string(d.Outcome))}
	if d.Reason != "" {
		attrs = append(attrs, attribute.String("reason", string(d.Reason)))
	}
	m.bids.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransition counts an auction reaching status.
func (m *Metrics) RecordTransition(ctx context.Context, status domain.AuctionStatus, reason string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("reason", reason),
	))
}

// RecordDuplicate counts a redelivered event.
func (m *Metrics) RecordDuplicate(ctx context.Context, t domain.EventType) {
	if m == nil {
		return
	}
	m.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(t))))
}

// RecordDeadLetter counts a dead-lettered delivery.
func (m *Metrics) RecordDeadLetter(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordRetry counts a delivery returned to the broker.
func (m *Metrics) RecordRetry(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordPublished counts published outcome events.
func (m *Metrics) RecordPublished(ctx context.Context, t domain.EventType, n int) {
	if m == nil || n == 0 {
		return
	}
	m.published.Add(ctx, int64(n), metric.WithAttributes(attribute.String("event_type", string(t))))
}

// ObserveAdmission records how long one auction's batch took.
func (m *Metrics) ObserveAdmission(ctx context.Context, d time.Duration, events int) {
	if m == nil {
		return
	}
	m.admission.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.Int("events", events)))
}
